package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"

	"plugind/pkg/plugin/loader"
)

var (
	ErrSourceMissing     = errors.New("plugin directory does not exist")
	ErrInsufficientSpace = errors.New("insufficient free space for backup")
	ErrBackupMissing     = errors.New("backup directory does not exist")
)

const timeLayout = "20060102T150405.000000000Z"

type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// Backup is a full copy of a plugin directory. It lives at
// <root>/<pluginID>/<timestamp>-<id>.
type Backup struct {
	ID        string    `json:"id"`
	PluginID  string    `json:"plugin_id"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

type Service struct {
	root         string
	logger       Logger
	minFreeBytes atomic.Int64
	now          func() time.Time
}

func NewService(root string, logger Logger) (*Service, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup root: %w", err)
	}
	return &Service{root: root, logger: logger, now: time.Now}, nil
}

func (s *Service) Root() string { return s.root }

// SetMinFreeBytes sets the free space that must remain on the backup volume
// after a backup is written. Zero disables the check.
func (s *Service) SetMinFreeBytes(n int64) {
	s.minFreeBytes.Store(n)
}

// CreateBackup copies pluginPath to a new backup directory. The plugin id is
// the base name of pluginPath.
func (s *Service) CreateBackup(ctx context.Context, pluginPath string) (*Backup, error) {
	info, err := os.Stat(pluginPath)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrSourceMissing, pluginPath)
	}

	if err := s.checkSpace(pluginPath); err != nil {
		return nil, err
	}

	pluginID := filepath.Base(filepath.Clean(pluginPath))
	created := s.now().UTC()
	id := uuid.NewString()
	b := &Backup{
		ID:        id,
		PluginID:  pluginID,
		Path:      filepath.Join(s.root, pluginID, created.Format(timeLayout)+"-"+id),
		CreatedAt: created,
	}

	if err := loader.CopyTree(ctx, pluginPath, b.Path); err != nil {
		_ = os.RemoveAll(b.Path)
		return nil, fmt.Errorf("failed to copy %s to backup: %w", pluginPath, err)
	}

	s.logger.Debug("backup created", "plugin", pluginID, "path", b.Path)
	return b, nil
}

// RestoreBackup replaces pluginPath with the contents of b. Whatever is at
// pluginPath, including a partially written update, is deleted first.
func (s *Service) RestoreBackup(ctx context.Context, pluginPath string, b *Backup) error {
	if b == nil {
		return fmt.Errorf("%w: nil backup", ErrBackupMissing)
	}
	if info, err := os.Stat(b.Path); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrBackupMissing, b.Path)
	}

	if err := os.RemoveAll(pluginPath); err != nil {
		return fmt.Errorf("failed to clear %s before restore: %w", pluginPath, err)
	}
	if err := loader.CopyTree(ctx, b.Path, pluginPath); err != nil {
		return fmt.Errorf("failed to restore %s from %s: %w", pluginPath, b.Path, err)
	}

	s.logger.Info("backup restored", "plugin", b.PluginID, "backup", b.ID)
	return nil
}

// Delete removes the backup directory and, when it was the last one, the
// per-plugin directory above it.
func (s *Service) Delete(b *Backup) error {
	if b == nil {
		return nil
	}
	if err := os.RemoveAll(b.Path); err != nil {
		return fmt.Errorf("failed to delete backup %s: %w", b.ID, err)
	}
	// Fails harmlessly when other backups of the plugin remain.
	_ = os.Remove(filepath.Dir(b.Path))
	return nil
}

// List returns every backup under the root, oldest first.
func (s *Service) List() ([]Backup, error) {
	plugins, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []Backup
	for _, p := range plugins {
		if !p.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.root, p.Name()))
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			b, ok := parseBackupDir(e.Name())
			if !ok {
				s.logger.Warn("skipping unrecognised backup directory", "path", filepath.Join(p.Name(), e.Name()))
				continue
			}
			b.PluginID = p.Name()
			b.Path = filepath.Join(s.root, p.Name(), e.Name())
			out = append(out, b)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Path < out[j].Path
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func parseBackupDir(name string) (Backup, bool) {
	ts, id, ok := strings.Cut(name, "-")
	if !ok {
		return Backup{}, false
	}
	created, err := time.Parse(timeLayout, ts)
	if err != nil {
		return Backup{}, false
	}
	if _, err := uuid.Parse(id); err != nil {
		return Backup{}, false
	}
	return Backup{ID: id, CreatedAt: created}, true
}

func (s *Service) checkSpace(pluginPath string) error {
	minFree := s.minFreeBytes.Load()
	if minFree <= 0 {
		return nil
	}

	size, err := loader.TreeSize(pluginPath)
	if err != nil {
		return fmt.Errorf("failed to measure %s: %w", pluginPath, err)
	}
	usage, err := disk.Usage(s.root)
	if err != nil {
		s.logger.Warn("unable to read disk usage, skipping free space check", "root", s.root, "error", err)
		return nil
	}
	if int64(usage.Free)-size < minFree {
		return fmt.Errorf("%w: need %d bytes plus %d reserved, %d free",
			ErrInsufficientSpace, size, minFree, usage.Free)
	}
	return nil
}
