package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "chatty"})
	assert.Error(t, err)
}

func TestJSONFileOutput(t *testing.T) {
	out := filepath.Join(t.TempDir(), "plugind.log")
	l, err := New(Config{Level: "info", Format: "json", Output: out})
	require.NoError(t, err)

	l.Debug("hidden")
	l.Named("worker").Error("restore failed", "plugin", "p1", "severity", "critical")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]interface{}
	require.NoError(t, jsoniter.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "worker", entry["logger"])
	assert.Equal(t, "restore failed", entry["msg"])
	assert.Equal(t, "p1", entry["plugin"])
	assert.Equal(t, "critical", entry["severity"])
}

func TestSetLevel(t *testing.T) {
	l, err := New(Config{Level: "warn", Output: filepath.Join(t.TempDir(), "out.log")})
	require.NoError(t, err)
	assert.Equal(t, "warn", l.Level())

	require.NoError(t, l.SetLevel("debug"))
	assert.Equal(t, "debug", l.Level())
	assert.Error(t, l.SetLevel("nope"))
	assert.Equal(t, "debug", l.Level())
}

func TestNop(t *testing.T) {
	l := NewNop()
	l.Info("ignored", "k", "v")
	assert.NotPanics(t, func() { _ = l.Sync() })
}
