package modhost

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDetectorFileFingerprint(t *testing.T) {
	d := NewChangeDetector()
	path := filepath.Join(t.TempDir(), "mod.conf")
	writeFile(t, path, "v1")

	require.NoError(t, d.Record("mod", path))
	changed, err := d.HasChanged("mod")
	require.NoError(t, err)
	assert.False(t, changed)

	writeFile(t, path, "v2")
	changed, err = d.HasChanged("mod")
	require.NoError(t, err)
	assert.True(t, changed)

	require.NoError(t, d.Record("mod", path), "re-recording adopts the new content")
	changed, err = d.HasChanged("mod")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestDetectorDirectoryFingerprint(t *testing.T) {
	d := NewChangeDetector()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.txt"), "alpha")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	writeFile(t, filepath.Join(dir, "sub", "b.txt"), "beta")

	require.NoError(t, d.Record("mod", dir))

	changed, err := d.HasChanged("mod")
	require.NoError(t, err)
	assert.False(t, changed)

	writeFile(t, filepath.Join(dir, "sub", "b.txt"), "beta2")
	changed, err = d.HasChanged("mod")
	require.NoError(t, err)
	assert.True(t, changed, "content changes in nested files are seen")

	require.NoError(t, d.Record("mod", dir))
	writeFile(t, filepath.Join(dir, "c.txt"), "new file")
	changed, err = d.HasChanged("mod")
	require.NoError(t, err)
	assert.True(t, changed, "added files change the fingerprint")
}

func TestDetectorMissingSourceCountsAsChanged(t *testing.T) {
	d := NewChangeDetector()
	path := filepath.Join(t.TempDir(), "mod.conf")
	writeFile(t, path, "v1")

	require.NoError(t, d.Record("mod", path))
	require.NoError(t, os.Remove(path))

	changed, err := d.HasChanged("mod")
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestDetectorRecordMissingPathFails(t *testing.T) {
	d := NewChangeDetector()
	err := d.Record("mod", filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
}

func TestDetectorChangedAndForget(t *testing.T) {
	d := NewChangeDetector()
	dir := t.TempDir()
	pathA := filepath.Join(dir, "a.conf")
	pathB := filepath.Join(dir, "b.conf")
	writeFile(t, pathA, "a1")
	writeFile(t, pathB, "b1")

	require.NoError(t, d.Record("alpha", pathA))
	require.NoError(t, d.Record("beta", pathB))
	assert.Equal(t, []string{"alpha", "beta"}, d.Recorded())
	assert.Empty(t, d.Changed())

	writeFile(t, pathA, "a2")
	writeFile(t, pathB, "b2")
	assert.Equal(t, []string{"alpha", "beta"}, d.Changed())

	d.Forget("alpha")
	assert.Equal(t, []string{"beta"}, d.Changed())

	hasChanged, err := d.HasChanged("alpha")
	require.NoError(t, err)
	assert.False(t, hasChanged, "a forgotten module reports unchanged")
}
