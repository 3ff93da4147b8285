package connection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	registry := NewRegistry()
	info := NewInfo("127.0.0.1")

	registry.Register(info)
	assert.Equal(t, 1, registry.Count())
	assert.Same(t, info, registry.Get(info.ID))
	assert.Nil(t, registry.Get(NewID()))
}

func TestRegistryUnregisterKeepsTokenAlive(t *testing.T) {
	registry := NewRegistry()
	info := NewInfo("")
	registry.Register(info)

	registry.Unregister(info.ID)
	assert.Equal(t, 0, registry.Count())
	// Streaming bodies still select on the context after the entry is gone.
	assert.NoError(t, info.Context().Err())
}

func TestRegistryCancel(t *testing.T) {
	registry := NewRegistry()
	info := NewInfo("")
	registry.Register(info)

	registry.Cancel(info.ID)
	assert.Error(t, info.Context().Err())
	assert.True(t, info.Cancelled())

	// Cancelling twice or cancelling an unknown id is harmless.
	registry.Cancel(info.ID)
	registry.Cancel(NewID())
}

func TestRegistryCancelAll(t *testing.T) {
	registry := NewRegistry()
	first := NewInfo("")
	second := NewInfo("")
	registry.Register(first)
	registry.Register(second)

	registry.CancelAll()
	assert.True(t, first.Cancelled())
	assert.True(t, second.Cancelled())
	// CancelAll does not unregister; Sweep does.
	assert.Equal(t, 2, registry.Count())

	registry.Sweep()
	assert.Equal(t, 0, registry.Count())
}

func TestRegistrySweepKeepsLive(t *testing.T) {
	registry := NewRegistry()
	live := NewInfo("")
	dead := NewInfo("")
	registry.Register(live)
	registry.Register(dead)
	dead.Cancel()

	registry.Sweep()
	require.Equal(t, 1, registry.Count())
	assert.Same(t, live, registry.Get(live.ID))
}

func TestInfoRequestCount(t *testing.T) {
	info := NewInfo("")
	assert.Equal(t, int64(1), info.IncrementRequestCount())
	assert.Equal(t, int64(2), info.IncrementRequestCount())
	assert.Equal(t, int64(2), info.RequestCount())
}
