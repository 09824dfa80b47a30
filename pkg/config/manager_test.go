package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestManagerSourcePriority(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "plugind.yaml")
	writeFile(t, file, "plugins:\n  root: /from/file\n  backup_root: /backups/file\nworker:\n  queue_size: 8\n")

	t.Setenv("PLUGIND_PLUGINS_ROOT", "/from/env")

	m := NewConfigManager(nopLogger{}, nil)
	m.SetDefault("plugins.root", "/default")
	m.SetDefault("plugins.backup_root", "/default/backups")
	m.SetDefault("logging.level", "info")
	require.NoError(t, m.AddSource(NewFileSource([]string{file}, priorityFile)))
	require.NoError(t, m.AddSource(NewEnvironmentSource(EnvPrefix, priorityEnvironment)))
	require.NoError(t, m.AddSource(NewFlagSource(map[string]interface{}{"logging.level": "debug"}, priorityFlag)))
	require.NoError(t, m.Load(context.Background()))

	root, err := m.GetString("plugins.root")
	require.NoError(t, err)
	assert.Equal(t, "/from/env", root)

	backups, err := m.GetString("plugins.backup_root")
	require.NoError(t, err)
	assert.Equal(t, "/backups/file", backups)

	level, err := m.GetString("logging.level")
	require.NoError(t, err)
	assert.Equal(t, "debug", level)

	size, err := m.GetInt("worker.queue_size")
	require.NoError(t, err)
	assert.Equal(t, 8, size)

	_, err = m.Get("missing.key")
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestManagerDuplicateSource(t *testing.T) {
	m := NewConfigManager(nopLogger{}, nil)
	require.NoError(t, m.AddSource(NewEnvironmentSource(EnvPrefix, 1)))
	assert.Error(t, m.AddSource(NewEnvironmentSource("OTHER_", 2)))
}

func TestEnvironmentKeyMapping(t *testing.T) {
	t.Setenv("PLUGIND_PLUGINS_MAX__SIZE__BYTES", "2048")
	t.Setenv("PLUGIND_SIGNATURE_ENABLED", "true")
	t.Setenv("PLUGIND_PLUGINS_ENTRY__POINTS", "a.py, b.py")

	src := NewEnvironmentSource(EnvPrefix, priorityEnvironment)
	values, err := src.Load(context.Background())
	require.NoError(t, err)

	plugins := values["plugins"].(map[string]interface{})
	assert.Equal(t, int64(2048), plugins["max_size_bytes"])
	assert.Equal(t, []interface{}{"a.py", "b.py"}, plugins["entry_points"])
	assert.Equal(t, true, values["signature"].(map[string]interface{})["enabled"])
}

func TestParseEnvValue(t *testing.T) {
	tests := []struct {
		in   string
		want interface{}
	}{
		{"true", true},
		{"FALSE", false},
		{"1", int64(1)},
		{"1.5", 1.5},
		{"x,y", []interface{}{"x", "y"}},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseEnvValue(tt.in), tt.in)
	}
}

func TestManagerValidationAggregatesErrors(t *testing.T) {
	m := NewConfigManager(nopLogger{}, nil)
	m.SetDefault("logging.level", "loud")
	m.SetDefault("worker.queue_size", 0)
	m.AddValidator("logging.level", &EnumValidator{Allowed: []interface{}{"info"}})
	m.AddValidator("worker.queue_size", &RangeValidator{Min: 1, Max: 10})
	m.AddValidator("plugins.root", &RequiredValidator{})

	err := m.Load(context.Background())
	require.Error(t, err)

	var multi *MultiError
	require.ErrorAs(t, err, &multi)
	assert.Len(t, multi.Errors, 3)
}

func TestManagerSetValidatesAndNotifies(t *testing.T) {
	m := NewConfigManager(nopLogger{}, nil)
	m.SetDefault("plugins.max_size_bytes", int64(10))
	m.AddValidator("plugins.max_size_bytes", &RangeValidator{Min: 1, Max: 100})
	require.NoError(t, m.Load(context.Background()))

	var seen []ConfigChange
	m.AddWatcher("plugins.max_size_bytes", ConfigWatcherFunc(func(c ConfigChange) {
		seen = append(seen, c)
	}))

	assert.Error(t, m.Set("plugins.max_size_bytes", int64(1000), SourceDynamic, true))
	require.NoError(t, m.Set("plugins.max_size_bytes", int64(50), SourceDynamic, true))

	require.Len(t, seen, 1)
	assert.Equal(t, int64(10), seen[0].OldValue)
	assert.Equal(t, int64(50), seen[0].NewValue)

	select {
	case change := <-m.Watch():
		assert.Equal(t, "plugins.max_size_bytes", change.Key)
	default:
		t.Fatal("expected change on watch channel")
	}
}

func TestManagerReloadReportsChanges(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "plugind.json")
	writeFile(t, file, `{"logging": {"level": "info"}, "server": {"address": ":1"}}`)

	m := NewConfigManager(nopLogger{}, nil)
	require.NoError(t, m.AddSource(NewFileSource([]string{file}, priorityFile)))
	require.NoError(t, m.Load(context.Background()))

	var levels []interface{}
	m.AddWatcher("logging.level", ConfigWatcherFunc(func(c ConfigChange) {
		levels = append(levels, c.NewValue)
	}))

	writeFile(t, file, `{"logging": {"level": "debug"}, "server": {"address": ":1"}}`)
	changes, err := m.Reload(context.Background())
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "logging.level", changes[0].Key)
	assert.Equal(t, []interface{}{"debug"}, levels)
}

func TestTypedGetters(t *testing.T) {
	m := NewConfigManager(nopLogger{}, nil)
	m.SetDefault("d", "250ms")
	m.SetDefault("b", "true")
	m.SetDefault("l", "a, b,,c")
	m.SetDefault("n", 3.0)
	require.NoError(t, m.Load(context.Background()))

	d, err := m.GetDuration("d")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	b, err := m.GetBool("b")
	require.NoError(t, err)
	assert.True(t, b)

	l, err := m.GetStringSlice("l")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, l)

	n, err := m.GetInt64("n")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	_, err = m.GetBool("d")
	assert.Error(t, err)

	assert.Equal(t, []string{"b", "d", "l", "n"}, m.Keys())
}

func TestLoadAppConfigDefaults(t *testing.T) {
	m, err := NewDefaultManager(context.Background(), nil, map[string]interface{}{
		"plugins.root": t.TempDir(),
	}, nopLogger{})
	require.NoError(t, err)

	app, err := LoadAppConfig(m)
	require.NoError(t, err)

	assert.Equal(t, int64(100*1024*1024), app.Plugins.MaxSizeBytes)
	assert.Equal(t, []string{"plugin.json", "plugin.yaml", "plugin.yml"}, app.Plugins.MetadataFiles)
	assert.Equal(t, 100*time.Millisecond, app.Worker.BackoffInitial)
	assert.Equal(t, 5*time.Second, app.Worker.BackoffMax)
	assert.Equal(t, ":9108", app.Server.Address)
	assert.Equal(t, "file", app.Secrets.Backend)
	assert.True(t, m.IsDynamic("logging.level"))
	assert.False(t, m.IsDynamic("plugins.root"))
}

func TestDefaultManagersDoNotShareState(t *testing.T) {
	ctx := context.Background()
	first, err := NewDefaultManager(ctx, nil, map[string]interface{}{"plugins.root": "/srv/a"}, nopLogger{})
	require.NoError(t, err)
	second, err := NewDefaultManager(ctx, nil, map[string]interface{}{"plugins.root": "/srv/b"}, nopLogger{})
	require.NoError(t, err)

	require.NoError(t, first.Set("logging.level", "debug", SourceFlag, true))

	root, err := second.GetString("plugins.root")
	require.NoError(t, err)
	assert.Equal(t, "/srv/b", root)
	level, err := second.GetString("logging.level")
	require.NoError(t, err)
	assert.Equal(t, "info", level)
}

func TestFileSourceWatchReloads(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "plugind.yaml")
	writeFile(t, file, "logging:\n  level: info\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := NewFileSource([]string{file}, priorityFile)
	changed := make(chan ConfigChange, 4)
	require.NoError(t, src.Watch(ctx, func(c ConfigChange) { changed <- c }))

	writeFile(t, file, "logging:\n  level: debug\n")

	select {
	case c := <-changed:
		cfg := c.NewValue.(map[string]interface{})
		assert.Equal(t, "debug", cfg["logging"].(map[string]interface{})["level"])
	case <-time.After(5 * time.Second):
		t.Fatal("no change observed")
	}
}
