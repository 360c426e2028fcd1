package kverr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotLeaderErrorUnwrapsToSentinel(t *testing.T) {
	err := &NotLeaderError{Leader: "127.0.0.1:9000"}
	assert.ErrorIs(t, err, ErrNotLeader)
	assert.Contains(t, err.Error(), "127.0.0.1:9000")

	unknown := &NotLeaderError{}
	assert.Contains(t, unknown.Error(), "unknown")
}

func TestKeyErrorUnwrapsToUnderlyingSentinel(t *testing.T) {
	err := &KeyError{Key: "missing", Err: ErrNotFound}
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "missing")

	var target *KeyError
	assert.True(t, errors.As(err, &target))
	assert.Equal(t, "missing", target.Key)
}
