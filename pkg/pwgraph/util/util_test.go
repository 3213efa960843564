package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDirExists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")

	require.NoError(t, EnsureDirExists(dir))
	require.NoError(t, EnsureDirExists(dir))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")

	assert.False(t, FileExists(file))
	assert.False(t, FileExists(dir))

	require.NoError(t, os.WriteFile(file, []byte("x: 1\n"), 0o644))
	assert.True(t, FileExists(file))
}

func TestProcessBinary(t *testing.T) {
	binary, err := ProcessBinary(os.Getpid())
	require.NoError(t, err)
	assert.NotEmpty(t, binary)

	_, err = ProcessBinary(0)
	assert.Error(t, err)
}

func TestNormalizeScalar(t *testing.T) {
	assert.InDelta(t, 0.15, NormalizeScalar(0.15442), 0.0001)
	assert.InDelta(t, 1.0, NormalizeScalar(1.0), 0.0001)
}
