package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var DefaultMetadataFiles = []string{"plugin.json", "plugin.yaml", "plugin.yml"}

// MetadataStore reads the metadata file of a plugin tree. The first file
// name in the configured list that exists wins.
type MetadataStore struct {
	files []string
}

func NewMetadataStore(files []string) *MetadataStore {
	if len(files) == 0 {
		files = DefaultMetadataFiles
	}
	return &MetadataStore{files: append([]string(nil), files...)}
}

func (s *MetadataStore) Files() []string {
	return append([]string(nil), s.files...)
}

// Locate returns the path of the metadata file under pluginPath.
func (s *MetadataStore) Locate(pluginPath string) (string, bool) {
	for _, name := range s.files {
		path := filepath.Join(pluginPath, name)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path, true
		}
	}
	return "", false
}

// Load parses the metadata file. A missing file yields an empty map and no
// error; rejecting that case is the validator's job.
func (s *MetadataStore) Load(pluginPath string) (map[string]interface{}, error) {
	path, ok := s.Locate(pluginPath)
	if !ok {
		return map[string]interface{}{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}

	raw := make(map[string]interface{})
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	if raw == nil {
		raw = map[string]interface{}{}
	}
	return raw, nil
}

// Decode converts a raw metadata map into PluginMetadata. Unknown keys are
// ignored.
func (s *MetadataStore) Decode(raw map[string]interface{}) (PluginMetadata, error) {
	var meta PluginMetadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &meta,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return PluginMetadata{}, err
	}
	if err := decoder.Decode(raw); err != nil {
		return PluginMetadata{}, fmt.Errorf("invalid metadata: %w", err)
	}
	return meta, nil
}

// LoadMetadata is Load followed by Decode.
func (s *MetadataStore) LoadMetadata(pluginPath string) (PluginMetadata, error) {
	raw, err := s.Load(pluginPath)
	if err != nil {
		return PluginMetadata{}, err
	}
	return s.Decode(raw)
}
