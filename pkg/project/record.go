// Package project persists whole research sessions: the message log plus the
// full snapshot history of the research tree. A session saves into a Record,
// a Record restores into a session. Two Store backends exist: per-project
// JSON files (default) and a shared SQLite database.
package project

import (
	"time"

	"github.com/pkg/errors"

	"github.com/resviz/resviz/pkg/messages"
	"github.com/resviz/resviz/pkg/tree"
)

// ErrProjectNotFound reports an unknown project name.
var ErrProjectNotFound = errors.New("工程不存在")

// Record is the persisted form of one project.
type Record struct {
	ProjectName       string                       `json:"project_name"`
	CreatedAt         time.Time                    `json:"created_at"`
	UpdatedAt         time.Time                    `json:"updated_at"`
	Messages          map[string]*messages.Message `json:"messages"`
	MessageOrder      []string                     `json:"message_order"`
	SnapshotMap       map[string]*tree.Snapshot    `json:"snapshot_map"`
	CurrentSnapshotID string                       `json:"current_snapshot_id"`
}

// Validate checks the fields a restore cannot live without.
func (r *Record) Validate() error {
	if r.ProjectName == "" {
		return errors.New("工程数据缺少project_name")
	}
	if len(r.SnapshotMap) == 0 {
		return errors.New("工程数据缺少snapshot_map")
	}
	if r.CurrentSnapshotID == "" {
		return errors.New("工程数据缺少current_snapshot_id")
	}
	if _, ok := r.SnapshotMap[r.CurrentSnapshotID]; !ok {
		return errors.Errorf("当前快照不在快照表中: %s", r.CurrentSnapshotID)
	}
	return nil
}

// Summary is the listing projection of a stored project.
type Summary struct {
	ProjectName string    `json:"project_name"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Path        string    `json:"path,omitempty"`
}

// Store is a project persistence backend.
type Store interface {
	Save(rec *Record) error
	Load(name string) (*Record, error)
	List() ([]Summary, error)
	Delete(name string) error
	Exists(name string) bool
}
