package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs", "nested")

	file, err := CreateFile(dir, "subfork.log")
	require.NoError(t, err)
	require.NoError(t, file.Close())
	assert.FileExists(t, filepath.Join(dir, "subfork.log"))

	// A file in the way of the directory is reported
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))
	_, err = CreateFile(blocker, "subfork.log")
	assert.Error(t, err)
}

func TestResolveDirectory(t *testing.T) {
	workingDirectory, err := os.Getwd()
	require.NoError(t, err)

	dir, err := ResolveDirectory("")
	require.NoError(t, err)
	assert.Equal(t, workingDirectory, dir)

	target := filepath.Join(t.TempDir(), "cache")
	dir, err = ResolveDirectory(target)
	require.NoError(t, err)
	assert.Equal(t, target, dir)
	assert.DirExists(t, target)
}
