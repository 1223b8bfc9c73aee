package ratelimit

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterAllowsUnderBurst(t *testing.T) {
	m := NewMemoryLimiter(1, 5)
	defer m.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		ok, err := m.Allow(ctx, "op-a")
		require.NoError(t, err)
		assert.True(t, ok, "request %d within burst", i)
	}

	ok, err := m.Allow(ctx, "op-a")
	require.NoError(t, err)
	assert.False(t, ok, "burst exhausted")
}

func TestMemoryLimiterKeysAreIndependent(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	defer m.Close()

	ctx := context.Background()
	ok, err := m.Allow(ctx, "op-a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.Allow(ctx, "op-a")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = m.Allow(ctx, "op-b")
	require.NoError(t, err)
	assert.True(t, ok, "a second key has its own bucket")
}

func TestMemoryLimiterConcurrentAccess(t *testing.T) {
	m := NewMemoryLimiter(1000, 1000)
	defer m.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, _ = m.Allow(ctx, "shared")
			}
		}()
	}
	wg.Wait()
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var n NoopLimiter
	ok, err := n.Allow(context.Background(), "anything")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, n.Close())
}

func TestIPKey(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.1.2.3:54321"
	assert.Equal(t, "10.1.2.3", IPKey(r))

	r.RemoteAddr = "10.1.2.3"
	assert.Equal(t, "10.1.2.3", IPKey(r))
}
