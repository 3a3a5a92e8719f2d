package integrity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifySize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 128), 0o644))

	assert.NoError(t, VerifySize(path, 128))
	assert.Error(t, VerifySize(path, 129))
	assert.Error(t, VerifySize(filepath.Join(dir, "missing.bin"), 128))
}

func TestHash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	sum, err := Hash(path)
	require.NoError(t, err)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", sum)
}
