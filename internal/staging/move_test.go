package staging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMove(t *testing.T) {
	src := filepath.Join(t.TempDir(), "a.jpg")
	dst := filepath.Join(t.TempDir(), "public", "a.jpg")
	require.NoError(t, os.WriteFile(src, []byte("jpeg"), 0o644))

	require.NoError(t, Move(src, dst))

	assert.NoFileExists(t, src)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(got))
}

func TestMoveRefusesToOverwrite(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.jpg")
	dst := filepath.Join(dir, "b.jpg")
	require.NoError(t, os.WriteFile(src, []byte("new"), 0o644))
	require.NoError(t, os.WriteFile(dst, []byte("old"), 0o644))

	require.Error(t, Move(src, dst))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "old", string(got))
	assert.FileExists(t, src)
}
