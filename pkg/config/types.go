package config

import (
	"fmt"
	"strings"
	"time"
)

type ConfigSource int

const (
	SourceDefault ConfigSource = iota
	SourceFile
	SourceEnvironment
	SourceFlag
	SourceDynamic
	SourceSecret
)

func (s ConfigSource) String() string {
	if s < SourceDefault || s > SourceSecret {
		return "unknown"
	}
	return [...]string{
		"default",
		"file",
		"environment",
		"flag",
		"dynamic",
		"secret",
	}[s]
}

type ConfigValue struct {
	Value     interface{}
	Source    ConfigSource
	Priority  int
	IsDefault bool
	IsDynamic bool
	Timestamp time.Time
}

type ConfigChange struct {
	Key       string
	OldValue  interface{}
	NewValue  interface{}
	Source    ConfigSource
	Timestamp time.Time
}

type ConfigWatcher interface {
	OnConfigChange(change ConfigChange)
}

// ConfigWatcherFunc adapts a plain function to ConfigWatcher.
type ConfigWatcherFunc func(change ConfigChange)

func (f ConfigWatcherFunc) OnConfigChange(change ConfigChange) { f(change) }

type ConfigValidator interface {
	Validate(key string, value interface{}) error
}

type ConfigError struct {
	Key     string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config error for key %s: %s: %v", e.Key, e.Message, e.Err)
	}
	return fmt.Sprintf("config error for key %s: %s", e.Key, e.Message)
}

func (e *ConfigError) Unwrap() error { return e.Err }

type MultiError struct {
	Errors []error
}

func (e *MultiError) Error() string {
	var msgs []string
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("multiple config errors:\n%s", strings.Join(msgs, "\n"))
}

func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

func (e *MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}
