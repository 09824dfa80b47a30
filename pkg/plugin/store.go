package plugin

import (
	"fmt"
	"sort"
	"sync"
)

// StateStore is the authoritative set of plugin records. Records are copied
// in and out; callers never hold a pointer into the store.
type StateStore struct {
	mu        sync.RWMutex
	records   map[string]*PluginRecord
	persister Persister
	logger    Logger
}

func NewStateStore(persister Persister, logger Logger) *StateStore {
	return &StateStore{
		records:   make(map[string]*PluginRecord),
		persister: persister,
		logger:    logger,
	}
}

// Load replaces the in-memory records with the persisted snapshot.
func (s *StateStore) Load() error {
	if s.persister == nil {
		return nil
	}
	records, err := s.persister.Load()
	if err != nil {
		return fmt.Errorf("failed to load plugin state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]*PluginRecord, len(records))
	for _, r := range records {
		rec := r.Clone()
		s.records[rec.ID] = &rec
	}
	return nil
}

func (s *StateStore) Create(record PluginRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.ID]; exists {
		return fmt.Errorf("%w: %s", ErrPluginAlreadyInstalled, record.ID)
	}
	rec := record.Clone()
	s.records[rec.ID] = &rec
	s.persistLocked()
	return nil
}

func (s *StateStore) Get(pluginID string) (PluginRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[pluginID]
	if !exists {
		return PluginRecord{}, fmt.Errorf("%w: %s", ErrPluginNotInstalled, pluginID)
	}
	return rec.Clone(), nil
}

// Update runs mutate on a copy of the record inside one critical section and
// commits the copy only when mutate returns nil.
func (s *StateStore) Update(pluginID string, mutate func(*PluginRecord) error) (PluginRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.records[pluginID]
	if !exists {
		return PluginRecord{}, fmt.Errorf("%w: %s", ErrPluginNotInstalled, pluginID)
	}

	next := current.Clone()
	if err := mutate(&next); err != nil {
		return current.Clone(), err
	}
	next.ID = pluginID
	s.records[pluginID] = &next
	s.persistLocked()
	return next.Clone(), nil
}

func (s *StateStore) Delete(pluginID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[pluginID]; !exists {
		return fmt.Errorf("%w: %s", ErrPluginNotInstalled, pluginID)
	}
	delete(s.records, pluginID)
	s.persistLocked()
	return nil
}

func (s *StateStore) List() map[string]PluginRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]PluginRecord, len(s.records))
	for id, rec := range s.records {
		out[id] = rec.Clone()
	}
	return out
}

func (s *StateStore) CountByState() map[PluginState]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[PluginState]int)
	for _, rec := range s.records {
		counts[rec.State]++
	}
	return counts
}

// persistLocked writes a snapshot. A failed write is logged and the
// in-memory state stays authoritative.
func (s *StateStore) persistLocked() {
	if s.persister == nil {
		return
	}
	snapshot := make([]PluginRecord, 0, len(s.records))
	for _, rec := range s.records {
		snapshot = append(snapshot, rec.Clone())
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })

	if err := s.persister.Save(snapshot); err != nil {
		s.logger.Error("failed to persist plugin state", "error", err)
	}
}
