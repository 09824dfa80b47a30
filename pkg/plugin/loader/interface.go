package loader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrSourceNotFound    = errors.New("plugin source not found")
	ErrUnsupportedSource = errors.New("unsupported plugin source")
	ErrUnsafePath        = errors.New("archive entry escapes destination")
	ErrTooLarge          = errors.New("plugin source exceeds size limit")
)

type Kind string

const (
	KindDirectory Kind = "directory"
	KindZip       Kind = "zip"
	KindTarGz     Kind = "tar.gz"
	KindTar       Kind = "tar"
)

// Source is a plugin tree that can be materialized into a directory.
type Source interface {
	Path() string
	Kind() Kind
	// BaseName is the source file or directory name without archive
	// extension.
	BaseName() string
	// CopyTo writes the plugin tree into dst, creating it when needed and
	// replacing files that already exist there.
	CopyTo(ctx context.Context, dst string) error
}

var archiveExtensions = []struct {
	ext  string
	kind Kind
}{
	{".tar.gz", KindTarGz},
	{".tgz", KindTarGz},
	{".tar", KindTar},
	{".zip", KindZip},
}

type options struct {
	maxBytes int64
}

type Option func(*options)

// WithMaxBytes caps the bytes CopyTo may write. A directory is measured
// before anything is copied; an archive is cut off while extracting.
// n <= 0 disables the cap.
func WithMaxBytes(n int64) Option {
	return func(o *options) { o.maxBytes = n }
}

// Open inspects path and returns the matching Source. rootMarkers are file
// names expected at the plugin root; an archive whose entries sit under a
// single top-level directory is unwrapped when no marker is found at its
// root.
func Open(path string, rootMarkers []string, opts ...Option) (Source, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, path)
		}
		return nil, err
	}

	if info.IsDir() {
		return &DirSource{path: path, maxBytes: o.maxBytes}, nil
	}

	lower := strings.ToLower(info.Name())
	for _, a := range archiveExtensions {
		if strings.HasSuffix(lower, a.ext) {
			return &ArchiveSource{
				path:        path,
				kind:        a.kind,
				base:        info.Name()[:len(info.Name())-len(a.ext)],
				rootMarkers: rootMarkers,
				maxBytes:    o.maxBytes,
			}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedSource, path)
}

type DirSource struct {
	path     string
	maxBytes int64
}

func (s *DirSource) Path() string     { return s.path }
func (s *DirSource) Kind() Kind       { return KindDirectory }
func (s *DirSource) BaseName() string { return filepath.Base(filepath.Clean(s.path)) }

func (s *DirSource) CopyTo(ctx context.Context, dst string) error {
	if s.maxBytes > 0 {
		size, err := TreeSize(s.path)
		if err != nil {
			return err
		}
		if size > s.maxBytes {
			return fmt.Errorf("%w: %d bytes exceeds maximum of %d bytes", ErrTooLarge, size, s.maxBytes)
		}
	}
	return CopyTree(ctx, s.path, dst)
}

type ArchiveSource struct {
	path        string
	kind        Kind
	base        string
	rootMarkers []string
	maxBytes    int64
}

func (s *ArchiveSource) Path() string     { return s.path }
func (s *ArchiveSource) Kind() Kind       { return s.kind }
func (s *ArchiveSource) BaseName() string { return s.base }

// CopyTo extracts the archive into a scratch directory next to dst and
// copies the plugin root from there, so a rejected archive never leaves
// partial entries in dst.
func (s *ArchiveSource) CopyTo(ctx context.Context, dst string) error {
	parent := filepath.Dir(filepath.Clean(dst))
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return err
	}
	scratch, err := os.MkdirTemp(parent, ".extract-*")
	if err != nil {
		return fmt.Errorf("failed to create extraction directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	b := &budget{max: s.maxBytes}
	switch s.kind {
	case KindZip:
		err = extractZip(s.path, scratch, b)
	case KindTarGz:
		err = extractTar(s.path, scratch, true, b)
	case KindTar:
		err = extractTar(s.path, scratch, false, b)
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupportedSource, s.path)
	}
	if err != nil {
		return fmt.Errorf("failed to extract %s: %w", s.path, err)
	}

	root, err := pluginRoot(scratch, s.rootMarkers)
	if err != nil {
		return err
	}
	return CopyTree(ctx, root, dst)
}

func pluginRoot(dir string, markers []string) (string, error) {
	for _, m := range markers {
		if _, err := os.Stat(filepath.Join(dir, m)); err == nil {
			return dir, nil
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(dir, entries[0].Name()), nil
	}
	return dir, nil
}
