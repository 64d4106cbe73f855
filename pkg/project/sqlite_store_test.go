package project

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "storage.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_SaveLoad(t *testing.T) {
	store := newSQLiteStore(t)

	rec := testRecord("测试工程", time.Now())
	require.NoError(t, store.Save(rec))
	assert.True(t, store.Exists("测试工程"))

	loaded, err := store.Load("测试工程")
	require.NoError(t, err)
	assert.Equal(t, rec.ProjectName, loaded.ProjectName)
	assert.Equal(t, "你好", loaded.Messages["m1"].Content)
	require.NoError(t, loaded.Validate())
}

func TestSQLiteStore_Upsert(t *testing.T) {
	store := newSQLiteStore(t)

	first := testRecord("p", time.Now().Add(-time.Hour))
	require.NoError(t, store.Save(first))

	second := testRecord("p", time.Now())
	second.MessageOrder = []string{"m1"}
	second.Messages["m1"].Content = "更新后"
	require.NoError(t, store.Save(second))

	loaded, err := store.Load("p")
	require.NoError(t, err)
	assert.Equal(t, "更新后", loaded.Messages["m1"].Content)

	summaries, err := store.List()
	require.NoError(t, err)
	require.Len(t, summaries, 1)
}

func TestSQLiteStore_ListSortedByUpdatedAt(t *testing.T) {
	store := newSQLiteStore(t)

	base := time.Now()
	require.NoError(t, store.Save(testRecord("old", base.Add(-2*time.Hour))))
	require.NoError(t, store.Save(testRecord("newest", base)))

	summaries, err := store.List()
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "newest", summaries[0].ProjectName)
	assert.Equal(t, "old", summaries[1].ProjectName)
}

func TestSQLiteStore_DeleteMissing(t *testing.T) {
	store := newSQLiteStore(t)

	assert.ErrorIs(t, store.Delete("不存在"), ErrProjectNotFound)
	_, err := store.Load("不存在")
	assert.ErrorIs(t, err, ErrProjectNotFound)
}
