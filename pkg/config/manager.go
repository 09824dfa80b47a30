package config

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type ConfigManager struct {
	sources     []Source
	values      map[string]*ConfigValue
	defaults    map[string]interface{}
	validators  map[string][]ConfigValidator
	watchers    map[string][]ConfigWatcher
	dynamicKeys map[string]bool
	mu          sync.RWMutex
	onChange    chan ConfigChange
	logger      Logger
	secretStore SecretStore
}

type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

func NewConfigManager(logger Logger, secretStore SecretStore) *ConfigManager {
	return &ConfigManager{
		sources:     make([]Source, 0),
		values:      make(map[string]*ConfigValue),
		defaults:    make(map[string]interface{}),
		validators:  make(map[string][]ConfigValidator),
		watchers:    make(map[string][]ConfigWatcher),
		dynamicKeys: make(map[string]bool),
		onChange:    make(chan ConfigChange, 100),
		logger:      logger,
		secretStore: secretStore,
	}
}

// AddSource registers a source; sources are kept sorted by ascending
// priority so later ones override earlier ones.
func (m *ConfigManager) AddSource(source Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sources {
		if s.Name() == source.Name() {
			return fmt.Errorf("config source %s already registered", source.Name())
		}
	}

	m.sources = append(m.sources, source)
	sort.SliceStable(m.sources, func(i, j int) bool {
		return m.sources[i].Priority() < m.sources[j].Priority()
	})
	return nil
}

func (m *ConfigManager) AddValidator(key string, validator ConfigValidator) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.validators[key] = append(m.validators[key], validator)
}

func (m *ConfigManager) AddWatcher(key string, watcher ConfigWatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.watchers[key] = append(m.watchers[key], watcher)
}

func (m *ConfigManager) SetDefault(key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.defaults[key] = value
}

// MarkDynamic flags key as changeable at runtime without a restart.
func (m *ConfigManager) MarkDynamic(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dynamicKeys[key] = true
}

func (m *ConfigManager) IsDynamic(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.dynamicKeys[key]
}

func (m *ConfigManager) SecretStore() SecretStore {
	return m.secretStore
}

func (m *ConfigManager) Load(ctx context.Context) error {
	values, err := m.collect(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.validateValues(values); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	m.values = values
	return nil
}

// Reload re-reads every source and returns the changed keys. Watchers
// registered for a changed key are notified. Values are left untouched when
// the new set fails validation.
func (m *ConfigManager) Reload(ctx context.Context) ([]ConfigChange, error) {
	values, err := m.collect(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if err := m.validateValues(values); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	changes := diffValues(m.values, values, time.Now())
	m.values = values
	m.mu.Unlock()

	for _, change := range changes {
		m.notifyWatchers(change)
	}
	return changes, nil
}

// Pending re-reads every source and reports what Reload would change
// without applying anything.
func (m *ConfigManager) Pending(ctx context.Context) ([]ConfigChange, error) {
	values, err := m.collect(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.validateValues(values); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return diffValues(m.values, values, time.Now()), nil
}

// WatchSources starts watching every source that supports it.
func (m *ConfigManager) WatchSources(ctx context.Context, onChange func(ConfigChange)) error {
	m.mu.RLock()
	sources := append([]Source(nil), m.sources...)
	m.mu.RUnlock()

	for _, source := range sources {
		if err := source.Watch(ctx, onChange); err != nil {
			return fmt.Errorf("failed to watch source %s: %w", source.Name(), err)
		}
	}
	return nil
}

func diffValues(current, next map[string]*ConfigValue, now time.Time) []ConfigChange {
	var changes []ConfigChange
	for key, nv := range next {
		old, exists := current[key]
		if exists && reflect.DeepEqual(old.Value, nv.Value) {
			continue
		}
		change := ConfigChange{Key: key, NewValue: nv.Value, Source: nv.Source, Timestamp: now}
		if exists {
			change.OldValue = old.Value
		}
		changes = append(changes, change)
	}
	for key, old := range current {
		if _, exists := next[key]; !exists {
			changes = append(changes, ConfigChange{Key: key, OldValue: old.Value, Timestamp: now})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Key < changes[j].Key })
	return changes
}

func (m *ConfigManager) collect(ctx context.Context) (map[string]*ConfigValue, error) {
	m.mu.RLock()
	sources := append([]Source(nil), m.sources...)
	defaults := make(map[string]interface{}, len(m.defaults))
	for k, v := range m.defaults {
		defaults[k] = v
	}
	dynamic := make(map[string]bool, len(m.dynamicKeys))
	for k, v := range m.dynamicKeys {
		dynamic[k] = v
	}
	m.mu.RUnlock()

	now := time.Now()
	values := make(map[string]*ConfigValue)
	for key, defaultValue := range defaults {
		values[key] = &ConfigValue{
			Value:     defaultValue,
			Source:    SourceDefault,
			Priority:  -1,
			IsDefault: true,
			IsDynamic: dynamic[key],
			Timestamp: now,
		}
	}

	for _, source := range sources {
		config, err := source.Load(ctx)
		if err != nil {
			m.logger.Warn("failed to load from source", "source", source.Name(), "error", err)
			continue
		}
		applyConfig(values, config, source, dynamic, now)
	}
	return values, nil
}

func applyConfig(values map[string]*ConfigValue, config map[string]interface{},
	source Source, dynamic map[string]bool, now time.Time,
) {
	var flatten func(prefix string, value interface{})
	flatten = func(prefix string, value interface{}) {
		if v, ok := value.(map[string]interface{}); ok && len(v) > 0 {
			for k, val := range v {
				newPrefix := k
				if prefix != "" {
					newPrefix = prefix + "." + k
				}
				flatten(newPrefix, val)
			}
			return
		}
		existing, exists := values[prefix]
		if !exists || source.Priority() >= existing.Priority {
			values[prefix] = &ConfigValue{
				Value:     value,
				Source:    source.Kind(),
				Priority:  source.Priority(),
				IsDynamic: dynamic[prefix],
				Timestamp: now,
			}
		}
	}
	flatten("", config)
}

func (m *ConfigManager) ValidateAll() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.validateValues(m.values)
}

func (m *ConfigManager) validateValues(values map[string]*ConfigValue) error {
	var multiErr MultiError

	keys := make([]string, 0, len(m.validators))
	for key := range m.validators {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		var value interface{}
		if cv, ok := values[key]; ok {
			value = cv.Value
		}
		for _, validator := range m.validators[key] {
			if err := validator.Validate(key, value); err != nil {
				multiErr.Add(&ConfigError{
					Key:     key,
					Message: "validation failed",
					Err:     err,
				})
			}
		}
	}
	if multiErr.HasErrors() {
		return &multiErr
	}
	return nil
}

// Set overrides a single key. With validate set, registered validators for
// the key must accept the value first.
func (m *ConfigManager) Set(key string, value interface{}, source ConfigSource, validate bool) error {
	m.mu.Lock()
	if validate {
		for _, validator := range m.validators[key] {
			if err := validator.Validate(key, value); err != nil {
				m.mu.Unlock()
				return &ConfigError{Key: key, Message: "validation failed", Err: err}
			}
		}
	}

	change := ConfigChange{Key: key, NewValue: value, Source: source, Timestamp: time.Now()}
	if old, exists := m.values[key]; exists {
		change.OldValue = old.Value
	}
	m.values[key] = &ConfigValue{
		Value:     value,
		Source:    source,
		Priority:  int(^uint(0) >> 1),
		IsDynamic: m.dynamicKeys[key],
		Timestamp: change.Timestamp,
	}
	m.mu.Unlock()

	m.notifyWatchers(change)
	return nil
}

func (m *ConfigManager) Get(key string) (interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.values[key]
	if !exists {
		return nil, &ConfigError{Key: key, Message: "key not found"}
	}
	return value.Value, nil
}

// Keys returns every known key in sorted order.
func (m *ConfigManager) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.values))
	for key := range m.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (m *ConfigManager) GetString(key string) (string, error) {
	value, err := m.Get(key)
	if err != nil {
		return "", err
	}
	switch v := value.(type) {
	case string:
		return v, nil
	case nil:
		return "", nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

func (m *ConfigManager) GetInt(key string) (int, error) {
	v, err := m.GetInt64(key)
	return int(v), err
}

func (m *ConfigManager) GetInt64(key string) (int64, error) {
	value, err := m.Get(key)
	if err != nil {
		return 0, err
	}
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, &ConfigError{Key: key, Message: "not an integer", Err: err}
		}
		return i, nil
	default:
		return 0, &ConfigError{Key: key, Message: fmt.Sprintf("expected integer, got %T", value)}
	}
}

func (m *ConfigManager) GetBool(key string) (bool, error) {
	value, err := m.Get(key)
	if err != nil {
		return false, err
	}
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, &ConfigError{Key: key, Message: "not a boolean", Err: err}
		}
		return b, nil
	default:
		return false, &ConfigError{Key: key, Message: fmt.Sprintf("expected boolean, got %T", value)}
	}
}

func (m *ConfigManager) GetDuration(key string) (time.Duration, error) {
	value, err := m.Get(key)
	if err != nil {
		return 0, err
	}
	switch v := value.(type) {
	case time.Duration:
		return v, nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, &ConfigError{Key: key, Message: "not a duration", Err: err}
		}
		return d, nil
	case int:
		return time.Duration(v), nil
	case int64:
		return time.Duration(v), nil
	case float64:
		return time.Duration(v), nil
	default:
		return 0, &ConfigError{Key: key, Message: fmt.Sprintf("expected duration, got %T", value)}
	}
}

func (m *ConfigManager) GetStringSlice(key string) ([]string, error) {
	value, err := m.Get(key)
	if err != nil {
		return nil, err
	}
	switch v := value.(type) {
	case []string:
		return append([]string(nil), v...), nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out, nil
	case string:
		if v == "" {
			return nil, nil
		}
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, nil
	case nil:
		return nil, nil
	default:
		return nil, &ConfigError{Key: key, Message: fmt.Sprintf("expected list, got %T", value)}
	}
}

func (m *ConfigManager) notifyWatchers(change ConfigChange) {
	m.mu.RLock()
	watchers := append([]ConfigWatcher(nil), m.watchers[change.Key]...)
	m.mu.RUnlock()

	for _, watcher := range watchers {
		watcher.OnConfigChange(change)
	}

	select {
	case m.onChange <- change:
	default:
		m.logger.Warn("config change channel full, dropping change", "key", change.Key)
	}
}

func (m *ConfigManager) Watch() <-chan ConfigChange {
	return m.onChange
}
