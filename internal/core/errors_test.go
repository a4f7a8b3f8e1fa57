package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCauseChainPreserved(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(CodeDurability, "collection-1", cause)

	require.Error(t, err)
	assert.Equal(t, CodeDurability, CodeOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "collection-1")
}

func TestCodeOfUnclassifiedIsInternal(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
}

func TestCodeOfNilIsEmpty(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(nil))
}

func TestErrorIsMatchesByCode(t *testing.T) {
	a := New(CodeNotFound, "missing")
	b := New(CodeNotFound, "also missing, different message")
	assert.True(t, errors.Is(a, b))

	c := New(CodeConflict, "different code")
	assert.False(t, errors.Is(a, c))
}

func TestWithTargetDoesNotMutateOriginal(t *testing.T) {
	base := New(CodeQuotaExceeded, "too many vectors")
	scoped := base.WithTarget("tenant-42")

	assert.Empty(t, base.Target)
	assert.Equal(t, "tenant-42", scoped.Target)
}
