package loader

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var markers = []string{"plugin.json", "plugin.yaml"}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func tarGzBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestOpenDetectsKind(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"a.zip": "", "b.tar.gz": "", "c.tgz": "", "d.tar": "", "e.rar": ""})

	tests := []struct {
		name string
		kind Kind
		base string
	}{
		{"a.zip", KindZip, "a"},
		{"b.tar.gz", KindTarGz, "b"},
		{"c.tgz", KindTarGz, "c"},
		{"d.tar", KindTar, "d"},
	}
	for _, tt := range tests {
		src, err := Open(filepath.Join(dir, tt.name), markers)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.kind, src.Kind(), tt.name)
		assert.Equal(t, tt.base, src.BaseName(), tt.name)
	}

	src, err := Open(dir, markers)
	require.NoError(t, err)
	assert.Equal(t, KindDirectory, src.Kind())
	assert.Equal(t, filepath.Base(dir), src.BaseName())

	_, err = Open(filepath.Join(dir, "e.rar"), markers)
	assert.ErrorIs(t, err, ErrUnsupportedSource)

	_, err = Open(filepath.Join(dir, "missing"), markers)
	assert.ErrorIs(t, err, ErrSourceNotFound)
}

func TestDirSourceMergesOverExisting(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	writeTree(t, src, map[string]string{"plugin.json": "new", "backend/main.py": "print()"})
	writeTree(t, dst, map[string]string{"plugin.json": "old", "keep.txt": "kept"})

	s, err := Open(src, markers)
	require.NoError(t, err)
	require.NoError(t, s.CopyTo(context.Background(), dst))

	assert.Equal(t, "new", readFile(t, filepath.Join(dst, "plugin.json")))
	assert.Equal(t, "print()", readFile(t, filepath.Join(dst, "backend", "main.py")))
	assert.Equal(t, "kept", readFile(t, filepath.Join(dst, "keep.txt")))
}

func TestZipSourceUnwrapsSingleTopDirectory(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "weather-1.0.zip")
	require.NoError(t, os.WriteFile(archive, zipBytes(t, map[string]string{
		"weather/plugin.json":     "{}",
		"weather/backend/main.py": "x",
	}), 0o644))

	s, err := Open(archive, markers)
	require.NoError(t, err)
	dst := filepath.Join(dir, "out")
	require.NoError(t, s.CopyTo(context.Background(), dst))

	assert.FileExists(t, filepath.Join(dst, "plugin.json"))
	assert.FileExists(t, filepath.Join(dst, "backend", "main.py"))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "scratch directory must be cleaned up")
}

func TestTarGzSourceExtracts(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "p.tar.gz")
	require.NoError(t, os.WriteFile(archive, tarGzBytes(t, map[string]string{
		"plugin.yaml":     "name: p",
		"backend/main.go": "package main",
	}), 0o644))

	s, err := Open(archive, markers)
	require.NoError(t, err)
	dst := filepath.Join(dir, "out")
	require.NoError(t, s.CopyTo(context.Background(), dst))
	assert.Equal(t, "name: p", readFile(t, filepath.Join(dst, "plugin.yaml")))
}

func TestArchiveRejectsPathEscape(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.zip")
	require.NoError(t, os.WriteFile(archive, zipBytes(t, map[string]string{
		"../escape.txt": "gotcha",
	}), 0o644))

	s, err := Open(archive, markers)
	require.NoError(t, err)
	err = s.CopyTo(context.Background(), filepath.Join(dir, "out"))
	assert.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "escape.txt"))
	assert.NoDirExists(t, filepath.Join(dir, "out"))
}

func TestTreeSizeAndChecksum(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"a": "12345", "sub/b": "678", "plugin.sig": "sig"})

	size, err := TreeSize(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(11), size)

	sum1, err := Checksum(dir, "plugin.sig")
	require.NoError(t, err)

	writeTree(t, dir, map[string]string{"plugin.sig": "different"})
	sum2, err := Checksum(dir, "plugin.sig")
	require.NoError(t, err)
	assert.Equal(t, sum1, sum2)

	writeTree(t, dir, map[string]string{"sub/b": "679"})
	sum3, err := Checksum(dir, "plugin.sig")
	require.NoError(t, err)
	assert.NotEqual(t, sum1, sum3)
}

func TestSafeJoin(t *testing.T) {
	dest := t.TempDir()
	for _, name := range []string{"../x", "a/../../x", "/etc/passwd"} {
		_, err := safeJoin(dest, name)
		assert.ErrorIs(t, err, ErrUnsafePath, name)
	}
	target, err := safeJoin(dest, "a/./b")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "a", "b"), target)
}

func TestCopyTreeCancelled(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a": "1"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, CopyTree(ctx, src, t.TempDir()))
}

func TestArchiveExtractionStopsAtByteLimit(t *testing.T) {
	big := string(bytes.Repeat([]byte("x"), 4096))
	dir := t.TempDir()

	zipped := filepath.Join(dir, "big.zip")
	require.NoError(t, os.WriteFile(zipped, zipBytes(t, map[string]string{
		"plugin.json": "{}", "backend/blob": big,
	}), 0o644))
	tarred := filepath.Join(dir, "big.tar.gz")
	require.NoError(t, os.WriteFile(tarred, tarGzBytes(t, map[string]string{
		"plugin.json": "{}", "backend/blob": big,
	}), 0o644))

	for _, archive := range []string{zipped, tarred} {
		s, err := Open(archive, markers, WithMaxBytes(1024))
		require.NoError(t, err)

		dst := filepath.Join(dir, "out")
		err = s.CopyTo(context.Background(), dst)
		assert.ErrorIs(t, err, ErrTooLarge, archive)
		assert.NoDirExists(t, dst, archive)

		s, err = Open(archive, markers, WithMaxBytes(int64(len(big)+2)))
		require.NoError(t, err)
		require.NoError(t, s.CopyTo(context.Background(), dst), archive)
		require.NoError(t, os.RemoveAll(dst))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "extraction scratch must be cleaned up")
}

func TestDirSourceCheckedBeforeCopy(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"plugin.json": "{}", "blob": "0123456789"})
	dst := filepath.Join(t.TempDir(), "out")

	s, err := Open(src, markers, WithMaxBytes(8))
	require.NoError(t, err)
	assert.ErrorIs(t, s.CopyTo(context.Background(), dst), ErrTooLarge)
	assert.NoDirExists(t, dst)

	s, err = Open(src, markers, WithMaxBytes(0))
	require.NoError(t, err)
	require.NoError(t, s.CopyTo(context.Background(), dst))
	assert.Equal(t, "0123456789", readFile(t, filepath.Join(dst, "blob")))
}
