package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Source interface {
	Name() string
	Kind() ConfigSource
	Priority() int
	Load(ctx context.Context) (map[string]interface{}, error)
	Watch(ctx context.Context, onChange func(ConfigChange)) error
}

type FileSource struct {
	paths    []string
	priority int
	watcher  *FileWatcher
	lastLoad time.Time
}

func NewFileSource(paths []string, priority int) *FileSource {
	return &FileSource{
		paths:    paths,
		priority: priority,
	}
}

func (f *FileSource) Name() string {
	return "file"
}

func (f *FileSource) Kind() ConfigSource {
	return SourceFile
}

func (f *FileSource) Priority() int {
	return f.priority
}

func (f *FileSource) Load(ctx context.Context) (map[string]interface{}, error) {
	result := make(map[string]interface{})

	for _, path := range f.paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read file %s: %w", path, err)
		}
		format, err := FormatForPath(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load file %s: %w", path, err)
		}
		config, err := format.Unmarshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal file %s: %w", path, err)
		}
		result = mergeMaps(result, config)
	}
	f.lastLoad = time.Now()
	return result, nil
}

// Watch invokes onChange with the freshly loaded file contents every time
// one of the source files changes on disk.
func (f *FileSource) Watch(ctx context.Context, onChange func(ConfigChange)) error {
	if f.watcher == nil {
		f.watcher = NewFileWatcher()
		if err := f.watcher.Start(); err != nil {
			return fmt.Errorf("failed to start file watcher: %w", err)
		}
		go func() {
			<-ctx.Done()
			f.watcher.Stop()
		}()
	}

	for _, path := range f.paths {
		if err := f.watcher.Watch(path, func() {
			config, err := f.Load(ctx)
			if err != nil {
				return
			}

			onChange(ConfigChange{
				Key:       "file",
				NewValue:  config,
				Source:    SourceFile,
				Timestamp: time.Now(),
			})
		}); err != nil {
			return fmt.Errorf("failed to watch file %s: %w", path, err)
		}
	}
	return nil
}

type EnvironmentSource struct {
	prefix   string
	priority int
}

func NewEnvironmentSource(prefix string, priority int) *EnvironmentSource {
	return &EnvironmentSource{
		prefix:   prefix,
		priority: priority,
	}
}

func (e *EnvironmentSource) Name() string {
	return "environment"
}

func (e *EnvironmentSource) Kind() ConfigSource {
	return SourceEnvironment
}

func (e *EnvironmentSource) Priority() int {
	return e.priority
}

// Load maps PREFIX_SECTION_KEY=value onto section.key. Keys of the form
// PREFIX_SECTION__SOME_KEY keep the single underscore: section.some_key.
func (e *EnvironmentSource) Load(ctx context.Context) (map[string]interface{}, error) {
	result := make(map[string]interface{})
	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := parts[0]
		value := parts[1]
		if e.prefix == "" || !strings.HasPrefix(key, e.prefix) {
			continue
		}

		configKey := strings.ToLower(strings.TrimPrefix(key, e.prefix))
		configKey = strings.ReplaceAll(configKey, "__", "\x00")
		configKey = strings.ReplaceAll(configKey, "_", ".")
		configKey = strings.ReplaceAll(configKey, "\x00", "_")

		setNestedValue(result, configKey, parseEnvValue(value))
	}
	return result, nil
}

func (e *EnvironmentSource) Watch(ctx context.Context, onChange func(ConfigChange)) error {
	return nil
}

type FlagSource struct {
	args     map[string]interface{}
	priority int
}

func NewFlagSource(args map[string]interface{}, priority int) *FlagSource {
	return &FlagSource{
		args:     args,
		priority: priority,
	}
}

func (f *FlagSource) Name() string {
	return "flag"
}

func (f *FlagSource) Kind() ConfigSource {
	return SourceFlag
}

func (f *FlagSource) Priority() int {
	return f.priority
}

func (f *FlagSource) Load(ctx context.Context) (map[string]interface{}, error) {
	result := make(map[string]interface{})
	for key, value := range f.args {
		setNestedValue(result, key, value)
	}
	return result, nil
}

func (f *FlagSource) Watch(ctx context.Context, onChange func(ConfigChange)) error {
	return nil
}

func mergeMaps(dst, src map[string]interface{}) map[string]interface{} {
	if dst == nil {
		dst = make(map[string]interface{})
	}
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]interface{})
		dstMap, dstIsMap := dst[k].(map[string]interface{})
		if srcIsMap && dstIsMap {
			dst[k] = mergeMaps(dstMap, srcMap)
			continue
		}
		dst[k] = v
	}
	return dst
}

func setNestedValue(m map[string]interface{}, key string, value interface{}) {
	parts := strings.Split(key, ".")
	current := m
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

func parseEnvValue(value string) interface{} {
	switch strings.ToLower(value) {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	if strings.Contains(value, ",") {
		parts := strings.Split(value, ",")
		items := make([]interface{}, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				items = append(items, p)
			}
		}
		return items
	}
	return value
}
