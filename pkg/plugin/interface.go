package plugin

import (
	"fmt"
	"strings"
	"time"
)

type PluginState int

const (
	StateInstalled PluginState = iota
	StateActivated
	StateDeactivated
	StateUpdating
	StateError
	StateRemoved
)

var stateNames = [...]string{
	"INSTALLED",
	"ACTIVATED",
	"DEACTIVATED",
	"UPDATING",
	"ERROR",
	"REMOVED",
}

func (s PluginState) String() string {
	if s < StateInstalled || s > StateRemoved {
		return fmt.Sprintf("PluginState(%d)", int(s))
	}
	return stateNames[s]
}

func ParseState(s string) (PluginState, error) {
	for i, name := range stateNames {
		if strings.EqualFold(name, s) {
			return PluginState(i), nil
		}
	}
	return 0, fmt.Errorf("unknown plugin state %q", s)
}

func (s PluginState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *PluginState) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// PluginMetadata is what a plugin declares about itself in its metadata
// file.
type PluginMetadata struct {
	Name         string                 `json:"name" mapstructure:"name"`
	Version      string                 `json:"version" mapstructure:"version"`
	Description  string                 `json:"description" mapstructure:"description"`
	Author       string                 `json:"author" mapstructure:"author"`
	Dependencies []string               `json:"dependencies,omitempty" mapstructure:"dependencies"`
	Permissions  []string               `json:"permissions,omitempty" mapstructure:"permissions"`
	Settings     map[string]interface{} `json:"settings,omitempty" mapstructure:"settings"`
}

// PluginRecord tracks one installed plugin. Zero timestamps mean the
// corresponding transition has not happened yet.
type PluginRecord struct {
	ID            string         `json:"id"`
	State         PluginState    `json:"state"`
	Version       string         `json:"version"`
	Dependencies  []string       `json:"dependencies"`
	Path          string         `json:"path"`
	Metadata      PluginMetadata `json:"metadata"`
	InstalledAt   time.Time      `json:"installed_at"`
	ActivatedAt   time.Time      `json:"activated_at,omitempty"`
	DeactivatedAt time.Time      `json:"deactivated_at,omitempty"`
	LastUpdatedAt time.Time      `json:"last_updated_at,omitempty"`
	Errors        []string       `json:"errors,omitempty"`
}

// Clone returns a deep copy so callers never share slices or maps with the
// store.
func (r PluginRecord) Clone() PluginRecord {
	out := r
	out.Dependencies = append([]string(nil), r.Dependencies...)
	out.Errors = append([]string(nil), r.Errors...)
	out.Metadata.Dependencies = append([]string(nil), r.Metadata.Dependencies...)
	out.Metadata.Permissions = append([]string(nil), r.Metadata.Permissions...)
	if r.Metadata.Settings != nil {
		out.Metadata.Settings = make(map[string]interface{}, len(r.Metadata.Settings))
		for k, v := range r.Metadata.Settings {
			out.Metadata.Settings[k] = v
		}
	}
	return out
}

type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}
