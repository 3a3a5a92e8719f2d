package pipelineerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewWrapsAndUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := New(KindTransient, "open session", cause)

	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "open session: transient: boom", err.Error())
}

func TestNewNilErrReturnsNil(t *testing.T) {
	assert.NoError(t, New(KindValidation, "op", nil))
}

func TestIsMatchesKind(t *testing.T) {
	err := New(KindIntegrityViolation, "", errors.New("mismatch"))
	assert.True(t, Is(err, KindIntegrityViolation))
	assert.False(t, Is(err, KindTransient))
	assert.False(t, Is(errors.New("plain"), KindTransient))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(KindTransient, "op", errors.New("x"))))
	assert.True(t, Retryable(New(KindProtocolConsistency, "op", errors.New("x"))))
	assert.False(t, Retryable(New(KindValidation, "op", errors.New("x"))))
	assert.False(t, Retryable(New(KindNotFound, "op", errors.New("x"))))
}
