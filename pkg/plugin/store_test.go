package plugin

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plugind/pkg/logging"
)

func TestStateStoreOperations(t *testing.T) {
	s := NewStateStore(nil, logging.NewNop())

	require.NoError(t, s.Create(PluginRecord{ID: "p1", State: StateInstalled, Dependencies: []string{"x"}}))
	assert.ErrorIs(t, s.Create(PluginRecord{ID: "p1"}), ErrPluginAlreadyInstalled)

	rec, err := s.Get("p1")
	require.NoError(t, err)
	rec.Dependencies[0] = "mutated"
	again, err := s.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, again.Dependencies, "records are copies")

	updated, err := s.Update("p1", func(r *PluginRecord) error {
		r.State = StateActivated
		r.ID = "renamed"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateActivated, updated.State)
	assert.Equal(t, "p1", updated.ID)

	_, err = s.Update("p1", func(r *PluginRecord) error {
		r.State = StateError
		return errors.New("guard failed")
	})
	assert.Error(t, err)
	rec, err = s.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, StateActivated, rec.State, "failed mutation is not committed")

	assert.Equal(t, map[PluginState]int{StateActivated: 1}, s.CountByState())

	require.NoError(t, s.Delete("p1"))
	_, err = s.Get("p1")
	assert.ErrorIs(t, err, ErrPluginNotInstalled)
	assert.ErrorIs(t, s.Delete("p1"), ErrPluginNotInstalled)
	_, err = s.Update("p1", func(*PluginRecord) error { return nil })
	assert.ErrorIs(t, err, ErrPluginNotInstalled)
}

func TestFilePersisterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	p := NewFilePersister(path)

	records, err := p.Load()
	require.NoError(t, err)
	assert.Empty(t, records)

	s := NewStateStore(p, logging.NewNop())
	require.NoError(t, s.Create(PluginRecord{
		ID:       "p1",
		State:    StateDeactivated,
		Version:  "1.0.0",
		Metadata: PluginMetadata{Name: "p1", Settings: map[string]interface{}{"k": "v"}},
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state": "DEACTIVATED"`)

	loaded := NewStateStore(p, logging.NewNop())
	require.NoError(t, loaded.Load())
	rec, err := loaded.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, StateDeactivated, rec.State)
	assert.Equal(t, "v", rec.Metadata.Settings["k"])
}

func TestFilePersisterRejectsCorruptState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
	_, err := NewFilePersister(path).Load()
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"version": 9, "plugins": []}`), 0o644))
	_, err = NewFilePersister(path).Load()
	assert.Error(t, err)
}

type failingPersister struct{ saves int }

func (p *failingPersister) Load() ([]PluginRecord, error) { return nil, nil }
func (p *failingPersister) Save([]PluginRecord) error {
	p.saves++
	return errors.New("disk full")
}

func TestStateStoreKeepsStateWhenPersistFails(t *testing.T) {
	p := &failingPersister{}
	s := NewStateStore(p, logging.NewNop())

	require.NoError(t, s.Create(PluginRecord{ID: "p1"}))
	_, err := s.Get("p1")
	assert.NoError(t, err)
	assert.Equal(t, 1, p.saves)
}

func TestPluginStateText(t *testing.T) {
	for s := StateInstalled; s <= StateRemoved; s++ {
		parsed, err := ParseState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	_, err := ParseState("SLEEPING")
	assert.Error(t, err)
	assert.Equal(t, "PluginState(42)", PluginState(42).String())
}
