package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	l.Info("nothing happens", String("k", "v"))
	assert.False(t, Nop().IsZero())
}

func TestJSONLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSON(&buf, "debug").With(String("comp", "scheduler"))

	l.Warn("job failed",
		String("job", "backup"),
		Int("runs", 3),
		Duration("took", 1500*time.Millisecond),
		Err(errors.New("disk full")),
		Strings("tags", []string{"a", "b"}),
	)

	var m map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m))
	assert.Equal(t, "warn", m["level"])
	assert.Equal(t, "job failed", m["message"])
	assert.Equal(t, "scheduler", m["comp"])
	assert.Equal(t, "backup", m["job"])
	assert.EqualValues(t, 3, m["runs"])
	assert.Equal(t, "disk full", m["err"])
	assert.Contains(t, m, "caller")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewJSON(&buf, "warn")
	l.Info("dropped")
	assert.Zero(t, buf.Len())
	assert.False(t, l.Enabled(LevelDebug))
	assert.True(t, l.Enabled(LevelError))
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{" WARNING ", LevelWarn},
		{"error", LevelError},
		{"bogus", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.in, LevelInfo), tt.in)
	}
}

func TestServiceApplyFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "taskpilot.log")
	svc, l := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	t.Cleanup(func() { _ = svc.Close() })

	l.Info("hello", String("k", "v"))
	f := svc.file

	// Same path: the file stays open and the derived logger follows the new level.
	svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}})
	assert.Same(t, f, svc.file)
	assert.False(t, l.Enabled(LevelInfo))
	l.Error("boom")

	svc.Apply(Config{Level: "info", Console: true, JSON: true})
	assert.Nil(t, svc.file)

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"message":"hello"`)
	assert.Contains(t, lines[1], `"message":"boom"`)
}
