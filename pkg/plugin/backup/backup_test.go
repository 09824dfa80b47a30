package backup

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plugind/pkg/logging"
	"plugind/pkg/plugin/loader"
)

func newService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(filepath.Join(t.TempDir(), "backups"), logging.NewNop())
	require.NoError(t, err)
	return svc
}

func pluginDir(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "weather")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "backend"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(`{"version":"1.0.0"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "backend", "main.py"), []byte("v1"), 0o644))
	return dir
}

func TestCreateAndRestoreIsByteIdentical(t *testing.T) {
	svc := newService(t)
	dir := pluginDir(t)
	before, err := loader.Checksum(dir)
	require.NoError(t, err)

	b, err := svc.CreateBackup(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "weather", b.PluginID)
	assert.DirExists(t, b.Path)

	// Simulate a half-applied update.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "backend", "main.py"), []byte("v2-partial"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stray.txt"), []byte("x"), 0o644))

	require.NoError(t, svc.RestoreBackup(context.Background(), dir, b))
	after, err := loader.Checksum(dir)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.NoFileExists(t, filepath.Join(dir, "stray.txt"))
}

func TestRestoreWhenPluginDirIsGone(t *testing.T) {
	svc := newService(t)
	dir := pluginDir(t)
	b, err := svc.CreateBackup(context.Background(), dir)
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, svc.RestoreBackup(context.Background(), dir, b))
	assert.FileExists(t, filepath.Join(dir, "backend", "main.py"))
}

func TestCreateBackupMissingSource(t *testing.T) {
	svc := newService(t)
	_, err := svc.CreateBackup(context.Background(), filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, ErrSourceMissing)
}

func TestRestoreMissingBackup(t *testing.T) {
	svc := newService(t)
	err := svc.RestoreBackup(context.Background(), pluginDir(t), &Backup{Path: filepath.Join(t.TempDir(), "gone")})
	assert.ErrorIs(t, err, ErrBackupMissing)
}

func TestListAndDelete(t *testing.T) {
	svc := newService(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	svc.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	dir := pluginDir(t)
	first, err := svc.CreateBackup(context.Background(), dir)
	require.NoError(t, err)
	second, err := svc.CreateBackup(context.Background(), dir)
	require.NoError(t, err)

	list, err := svc.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)
	assert.Equal(t, "weather", list[0].PluginID)
	assert.True(t, list[0].CreatedAt.Equal(first.CreatedAt))

	require.NoError(t, svc.Delete(first))
	require.NoError(t, svc.Delete(second))
	list, err = svc.List()
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.NoDirExists(t, filepath.Join(svc.Root(), "weather"))
}

func TestFreeSpaceCheck(t *testing.T) {
	svc := newService(t)
	svc.SetMinFreeBytes(math.MaxInt64 / 2)
	_, err := svc.CreateBackup(context.Background(), pluginDir(t))
	assert.ErrorIs(t, err, ErrInsufficientSpace)

	svc.SetMinFreeBytes(0)
	_, err = svc.CreateBackup(context.Background(), pluginDir(t))
	assert.NoError(t, err)
}
