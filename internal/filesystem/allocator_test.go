package filesystem

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckSpace(t *testing.T) {
	dir := t.TempDir()

	assert.NoError(t, CheckSpace(dir, 1024))
	assert.Error(t, CheckSpace(dir, 1<<62))
}
