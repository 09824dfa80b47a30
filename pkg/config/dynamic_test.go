package config

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDynamicFixture(t *testing.T) (*ConfigManager, *DynamicConfigManager) {
	t.Helper()
	m := NewConfigManager(nopLogger{}, nil)
	m.SetDefault("logging.level", "info")
	m.SetDefault("plugins.root", "/plugins")
	m.MarkDynamic("logging.level")
	m.AddValidator("logging.level", &EnumValidator{Allowed: []interface{}{"debug", "info"}})
	require.NoError(t, m.Load(context.Background()))

	d := NewDynamicConfigManager(m)
	d.Start()
	t.Cleanup(d.Stop)
	return m, d
}

func TestDynamicUpdateApplies(t *testing.T) {
	m, d := newDynamicFixture(t)

	var applied interface{}
	d.RegisterUpdater("logger", NewComponentUpdater("logger", []string{"logging"},
		func(key string, value interface{}) error {
			applied = value
			return nil
		}, nil))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	resp, err := d.Submit(ctx, "logging.level", "debug", SourceDynamic)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "info", resp.OldValue)
	assert.Equal(t, "debug", applied)

	v, err := m.GetString("logging.level")
	require.NoError(t, err)
	assert.Equal(t, "debug", v)
}

func TestDynamicUpdateRollsBack(t *testing.T) {
	m, d := newDynamicFixture(t)

	var rolledBack interface{}
	d.RegisterUpdater("logger", NewComponentUpdater("logger", []string{"logging.level"},
		func(string, interface{}) error { return errors.New("boom") },
		func(key string, old interface{}) error {
			rolledBack = old
			return nil
		}))

	resp, err := d.Submit(context.Background(), "logging.level", "debug", SourceDynamic)
	require.Error(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "info", rolledBack)

	v, err := m.GetString("logging.level")
	require.NoError(t, err)
	assert.Equal(t, "info", v)
}

func TestDynamicUpdateRejectsInvalidAndStatic(t *testing.T) {
	_, d := newDynamicFixture(t)

	_, err := d.Submit(context.Background(), "logging.level", "verbose", SourceDynamic)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)

	_, err = d.Submit(context.Background(), "plugins.root", "/elsewhere", SourceDynamic)
	assert.ErrorIs(t, err, ErrNotDynamic)
}

func TestComponentUpdaterMatchesPrefix(t *testing.T) {
	u := NewComponentUpdater("plugins", []string{"plugins"}, nil, nil)
	assert.True(t, u.CanUpdate("plugins"))
	assert.True(t, u.CanUpdate("plugins.max_size_bytes"))
	assert.False(t, u.CanUpdate("pluginsx"))
	assert.Equal(t, "plugins", u.Name())
}

func TestApplyPendingRoutesDynamicKeys(t *testing.T) {
	dir := t.TempDir()
	file := dir + "/plugind.yaml"
	writeFile(t, file, "logging:\n  level: info\nplugins:\n  root: /a\n")

	m := NewConfigManager(nopLogger{}, nil)
	m.MarkDynamic("logging.level")
	require.NoError(t, m.AddSource(NewFileSource([]string{file}, priorityFile)))
	require.NoError(t, m.Load(context.Background()))

	d := NewDynamicConfigManager(m)
	d.Start()
	defer d.Stop()

	var levels []interface{}
	d.RegisterUpdater("logger", NewComponentUpdater("logger", []string{"logging.level"},
		func(_ string, v interface{}) error {
			levels = append(levels, v)
			return nil
		}, nil))

	writeFile(t, file, "logging:\n  level: debug\nplugins:\n  root: /b\n")

	pending, err := m.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 2)
	root, err := m.GetString("plugins.root")
	require.NoError(t, err)
	assert.Equal(t, "/a", root, "Pending must not apply")

	applied, static, err := d.ApplyPending(context.Background())
	require.NoError(t, err)
	require.Len(t, applied, 1)
	assert.Equal(t, "logging.level", applied[0].Key)
	assert.Equal(t, []string{"plugins.root"}, static)
	assert.Equal(t, []interface{}{"debug"}, levels)

	level, err := m.GetString("logging.level")
	require.NoError(t, err)
	assert.Equal(t, "debug", level)
}
