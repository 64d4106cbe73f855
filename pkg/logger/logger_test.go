package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLogger_FallsBackToGlobal(t *testing.T) {
	ctx := context.Background()
	entry := G(ctx)

	require.NotNil(t, entry)
	assert.Equal(t, L.Logger, entry.Logger)
}

func TestWithLogger_RoundTrip(t *testing.T) {
	base := logrus.NewEntry(logrus.New()).WithField("agent", "auto_research_agent")
	ctx := WithLogger(context.Background(), base)

	entry := G(ctx)
	assert.Equal(t, "auto_research_agent", entry.Data["agent"])
}

func TestWithLogger_FieldsAccumulate(t *testing.T) {
	ctx := WithLogger(context.Background(), logrus.NewEntry(logrus.New()).WithField("message_id", "m1"))
	ctx = WithLogger(ctx, G(ctx).WithField("snapshot_id", "s1"))

	entry := G(ctx)
	assert.Equal(t, "m1", entry.Data["message_id"])
	assert.Equal(t, "s1", entry.Data["snapshot_id"])
}

func TestJSONFormat_FieldNames(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	setLoggerFormat(l, "json")

	logrus.NewEntry(l).Info("patch published")

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "patch published", record["message"])
	assert.Equal(t, "info", record["logLevel"])

	ts, ok := record["timestamp"].(string)
	require.True(t, ok)
	_, err := time.Parse(time.RFC3339Nano, ts)
	assert.NoError(t, err)
}

func TestSetLogLevel(t *testing.T) {
	require.NoError(t, SetLogLevel("debug"))
	assert.Equal(t, logrus.DebugLevel, L.Logger.GetLevel())

	assert.Error(t, SetLogLevel("verbose"))

	require.NoError(t, SetLogLevel("info"))
}

func TestMultiline(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetLevel(logrus.DebugLevel)

	Multiline(logrus.NewEntry(l), "第一行\n第二行\n第三行")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 3)
	assert.Contains(t, lines[0], "第一行")
	assert.Contains(t, lines[2], "第三行")
}
