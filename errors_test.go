package agentdb_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nuln/agentdb"
)

func TestError_IsMatchesKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", agentdb.Unsupported("query"))
	assert.ErrorIs(t, err, agentdb.ErrUnsupported)
	assert.NotErrorIs(t, err, agentdb.ErrBackend)
	assert.Equal(t, agentdb.KindUnsupported, agentdb.KindOf(err))

	// Non-sentinel targets only match by identity.
	assert.NotErrorIs(t, agentdb.Unsupported("query"), agentdb.Unsupported("query"))
}

func TestError_Message(t *testing.T) {
	err := agentdb.InvalidArgument("put", "key must not be empty")
	assert.Equal(t, "agentdb: put: invalid argument: key must not be empty", err.Error())

	cause := errors.New("disk full")
	wrapped := agentdb.WrapBackend("put", cause)
	assert.Equal(t, "agentdb: put: backend: disk full", wrapped.Error())
	assert.ErrorIs(t, wrapped, cause)
}

func TestWrapBackend(t *testing.T) {
	assert.NoError(t, agentdb.WrapBackend("get", nil))

	typed := agentdb.Serialization("decode", "bad")
	assert.Same(t, typed, agentdb.WrapBackend("get", typed), "typed errors pass through")

	err := agentdb.WrapBackend("get", context.Canceled)
	assert.ErrorIs(t, err, agentdb.ErrBackend)
	assert.True(t, agentdb.IsCanceled(err))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, agentdb.ErrorKind(0), agentdb.KindOf(nil))
	assert.Equal(t, agentdb.KindBackend, agentdb.KindOf(errors.New("plain")))
	assert.Equal(t, "transaction", agentdb.KindTransaction.String())
}
