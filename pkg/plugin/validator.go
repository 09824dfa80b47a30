package plugin

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/Masterminds/semver/v3"

	"plugind/pkg/plugin/loader"
	"plugind/pkg/plugin/security"
	"plugind/pkg/signature"
)

const DefaultMaxSizeBytes int64 = 100 * 1024 * 1024

var DefaultEntryPoints = []string{"backend/main.py", "backend/__init__.py", "backend/main.go"}

var requiredFields = []string{"name", "version", "description", "author"}

type SignatureVerifier interface {
	Verify(dir, name, version string) error
}

type ValidatorConfig struct {
	Metadata     *MetadataStore
	EntryPoints  []string
	MaxSizeBytes int64
	Policy       *security.Policy
	// Signatures is optional. Unsigned trees pass unless RequireSignature
	// is set; a present but bad signature always fails.
	Signatures       SignatureVerifier
	RequireSignature bool
}

type ValidationResult struct {
	Valid    bool
	Errors   []string
	Metadata PluginMetadata
	Size     int64
}

// Validator checks a plugin tree. Every rule runs so that one call reports
// every problem.
type Validator struct {
	metadata         *MetadataStore
	entryPoints      []string
	maxSize          atomic.Int64
	policy           *security.Policy
	signatures       SignatureVerifier
	requireSignature bool
}

func NewValidator(cfg ValidatorConfig) *Validator {
	v := &Validator{
		metadata:         cfg.Metadata,
		entryPoints:      cfg.EntryPoints,
		policy:           cfg.Policy,
		signatures:       cfg.Signatures,
		requireSignature: cfg.RequireSignature,
	}
	if v.metadata == nil {
		v.metadata = NewMetadataStore(nil)
	}
	if len(v.entryPoints) == 0 {
		v.entryPoints = DefaultEntryPoints
	}
	if cfg.MaxSizeBytes <= 0 {
		cfg.MaxSizeBytes = DefaultMaxSizeBytes
	}
	v.maxSize.Store(cfg.MaxSizeBytes)
	return v
}

func (v *Validator) MaxSize() int64 { return v.maxSize.Load() }

func (v *Validator) SetMaxSize(n int64) error {
	if n <= 0 {
		return fmt.Errorf("max size must be positive, got %d", n)
	}
	v.maxSize.Store(n)
	return nil
}

func (v *Validator) Validate(sourcePath string) ValidationResult {
	var res ValidationResult
	fail := func(format string, args ...interface{}) {
		res.Errors = append(res.Errors, fmt.Sprintf(format, args...))
	}

	info, err := os.Stat(sourcePath)
	if err != nil || !info.IsDir() {
		fail("source path %s is not a directory", sourcePath)
		return res
	}

	_, hasMetadata := v.metadata.Locate(sourcePath)
	if !hasMetadata {
		fail("missing metadata file (expected one of %s)", strings.Join(v.metadata.Files(), ", "))
	}

	if !v.hasEntryPoint(sourcePath) {
		fail("missing backend entry point (expected one of %s)", strings.Join(v.entryPoints, ", "))
	}

	if hasMetadata {
		for _, problem := range v.checkMetadata(sourcePath, &res.Metadata) {
			fail("%s", problem)
		}
	}

	size, err := loader.TreeSize(sourcePath)
	if err != nil {
		fail("failed to measure plugin size: %v", err)
	} else {
		res.Size = size
		if limit := v.maxSize.Load(); size > limit {
			fail("plugin size %d bytes exceeds maximum of %d bytes", size, limit)
		}
	}

	res.Valid = len(res.Errors) == 0
	return res
}

func (v *Validator) hasEntryPoint(root string) bool {
	for _, ep := range v.entryPoints {
		info, err := os.Stat(filepath.Join(root, filepath.FromSlash(ep)))
		if err == nil && info.Mode().IsRegular() {
			return true
		}
	}
	return false
}

func (v *Validator) checkMetadata(root string, meta *PluginMetadata) []string {
	raw, err := v.metadata.Load(root)
	if err != nil {
		return []string{err.Error()}
	}

	var problems []string
	for _, field := range requiredFields {
		value, ok := raw[field]
		if !ok || value == nil || strings.TrimSpace(fmt.Sprint(value)) == "" {
			problems = append(problems, fmt.Sprintf("metadata missing required field %q", field))
		}
	}

	decoded, err := v.metadata.Decode(raw)
	if err != nil {
		return append(problems, err.Error())
	}
	*meta = decoded

	if decoded.Version != "" {
		if _, err := semver.StrictNewVersion(decoded.Version); err != nil {
			problems = append(problems, fmt.Sprintf("version %q is not a semantic version", decoded.Version))
		}
	}

	// Only the declared name is known here. A self edge through an install
	// id that differs from the name is caught by the dependency graph.
	for _, dep := range decoded.Dependencies {
		if dep == "" {
			problems = append(problems, "dependency list contains an empty id")
		} else if dep == decoded.Name {
			problems = append(problems, fmt.Sprintf("plugin %q lists its own name as a dependency", dep))
		}
	}

	if v.policy != nil {
		problems = append(problems, v.policy.Check(decoded.Permissions)...)
	}

	if v.signatures != nil {
		err := v.signatures.Verify(root, decoded.Name, decoded.Version)
		switch {
		case err == nil:
		case errors.Is(err, signature.ErrSignatureMissing):
			if v.requireSignature {
				problems = append(problems, "plugin signature missing")
			}
		default:
			problems = append(problems, err.Error())
		}
	}
	return problems
}
