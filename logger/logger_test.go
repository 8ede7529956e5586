package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLevelFromEnv(t *testing.T) {
	t.Setenv("TABLESYNC_LOG_LEVEL", "trace")
	assert.Equal(t, LevelTrace, GetLevelFromEnv())
	t.Setenv("TABLESYNC_LOG_LEVEL", "ERROR")
	assert.Equal(t, LevelError, GetLevelFromEnv())
	t.Setenv("TABLESYNC_LOG_LEVEL", "bogus")
	assert.Equal(t, LevelInfo, GetLevelFromEnv())
}

func TestJSONLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLoggerWithWriter(&buf, LevelWarn)
	l.Debug("should be suppressed")
	l.Info("should be suppressed too")
	l.Warn("careful %d", 42)
	l.Error("boom")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte{'\n'})
	require.Len(t, lines, 2)

	var entry JSONLogEntry
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "WARNING", entry.Severity)
	assert.Equal(t, "careful 42", entry.Message)
}

func TestJSONLoggerWith(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSONLoggerWithWriter(&buf, LevelInfo)
	l = l.With(map[string]interface{}{"collection": "features", "component": "syncer"})
	l.Info("refreshed")

	var entry JSONLogEntry
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "syncer", entry.Component)
	assert.Equal(t, "features", entry.Metadata["collection"])
}

func TestTestLoggerRecords(t *testing.T) {
	l := NewTestLogger()
	l.Info("hello %s", "world")
	l.With(map[string]interface{}{"a": 1}).Error("oops")

	logs := l.Logs()
	require.Len(t, logs, 2)
	assert.Equal(t, "INFO", logs[0].Severity)
	assert.Equal(t, "hello world", logs[0].Message)
	assert.Equal(t, "ERROR", logs[1].Severity)
}
