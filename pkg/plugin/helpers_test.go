package plugin

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"plugind/pkg/logging"
	"plugind/pkg/plugin/backup"
	"plugind/pkg/plugin/hooks"
)

const (
	waitTimeout  = 5 * time.Second
	pollInterval = 10 * time.Millisecond
)

type pluginDef struct {
	name    string
	version string
	deps    []string
	perms   []string
	omit    []string
	files   map[string]string
}

// writePlugin lays out a valid plugin tree under dir unless def omits
// required fields.
func writePlugin(t *testing.T, dir string, def pluginDef) string {
	t.Helper()

	meta := map[string]interface{}{
		"name":        def.name,
		"version":     def.version,
		"description": def.name + " plugin",
		"author":      "plugind tests",
	}
	if def.deps != nil {
		meta["dependencies"] = def.deps
	}
	if def.perms != nil {
		meta["permissions"] = def.perms
	}
	for _, field := range def.omit {
		delete(meta, field)
	}

	data, err := json.Marshal(meta)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "backend"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.json"), data, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "backend", "main.py"), []byte("print('"+def.version+"')\n"), 0o644))

	for name, content := range def.files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

type fixture struct {
	lm      *LifecycleManager
	root    string
	sources string
	backups *backup.Service
	events  *eventLog
}

type fixtureOption func(*Options)

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	base := t.TempDir()
	svc, err := backup.NewService(filepath.Join(base, "backups"), logging.NewNop())
	require.NoError(t, err)

	o := Options{
		PluginsRoot:    filepath.Join(base, "plugins"),
		Backups:        svc,
		Logger:         logging.NewNop(),
		BackoffInitial: time.Millisecond,
		BackoffMax:     10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}

	lm, err := Open(o)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lm.Close() })

	f := &fixture{
		lm:      lm,
		root:    o.PluginsRoot,
		sources: filepath.Join(base, "sources"),
		backups: svc,
		events:  &eventLog{},
	}
	lm.Subscribe(hooks.EventAny, f.events.record)
	return f
}

// source writes a plugin tree under the fixture's source dir.
func (f *fixture) source(t *testing.T, dirName string, def pluginDef) string {
	t.Helper()
	return writePlugin(t, filepath.Join(f.sources, dirName), def)
}

func (f *fixture) install(t *testing.T, def pluginDef) InstallResult {
	t.Helper()
	res, err := f.lm.Install(context.Background(), f.source(t, def.name+"-"+def.version, def), "")
	require.NoError(t, err)
	return res
}

func (f *fixture) state(t *testing.T, id string) PluginState {
	t.Helper()
	rec, err := f.lm.Status(id)
	require.NoError(t, err)
	return rec.State
}

type eventLog struct {
	mu     sync.Mutex
	events []hooks.Event
}

func (l *eventLog) record(e hooks.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) ofType(t hooks.EventType) []hooks.Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []hooks.Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) types() []hooks.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]hooks.EventType, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}
