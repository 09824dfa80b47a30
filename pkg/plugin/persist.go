package plugin

import (
	"fmt"
	"os"
	"path/filepath"
)

type Persister interface {
	Load() ([]PluginRecord, error)
	Save(records []PluginRecord) error
}

type stateFile struct {
	Version int            `json:"version"`
	Plugins []PluginRecord `json:"plugins"`
}

const stateFileVersion = 1

// FilePersister keeps the records in a JSON file, replaced atomically on
// every save.
type FilePersister struct {
	path string
}

func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path}
}

func (p *FilePersister) Path() string { return p.path }

func (p *FilePersister) Load() ([]PluginRecord, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var state stateFile
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("corrupt state file %s: %w", p.path, err)
	}
	if state.Version != stateFileVersion {
		return nil, fmt.Errorf("unsupported state file version %d", state.Version)
	}
	return state.Plugins, nil
}

func (p *FilePersister) Save(records []PluginRecord) error {
	data, err := json.MarshalIndent(stateFile{Version: stateFileVersion, Plugins: records}, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), p.path)
}
