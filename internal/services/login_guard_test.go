package services

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseGuard(t *testing.T, guard LoginGuard, accountID uint) {
	ctx := context.Background()

	release, ok, err := guard.TryAcquire(ctx, accountID)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = guard.TryAcquire(ctx, accountID)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must fail while held")

	other, ok, err := guard.TryAcquire(ctx, accountID+1)
	require.NoError(t, err)
	assert.True(t, ok, "accounts are guarded independently")
	other()

	release()
	release2, ok, err := guard.TryAcquire(ctx, accountID)
	require.NoError(t, err)
	assert.True(t, ok, "acquire after release")
	release2()
}

func TestMemoryLoginGuard(t *testing.T) {
	exerciseGuard(t, NewMemoryLoginGuard(), 1)
}

func TestMemoryLoginGuardSingleWinner(t *testing.T) {
	guard := NewMemoryLoginGuard()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := guard.TryAcquire(context.Background(), 7); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestRedisLoginGuard(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opt)
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())

	guard := NewRedisLoginGuard(client, time.Second)
	accountID := uint(time.Now().UnixNano()%1_000_000 + 1_000_000)
	exerciseGuard(t, guard, accountID)

	// an abandoned hold lapses with its ttl
	_, ok, err := guard.TryAcquire(context.Background(), accountID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		release, ok, err := guard.TryAcquire(context.Background(), accountID)
		if err != nil || !ok {
			return false
		}
		release()
		return true
	}, 3*time.Second, 100*time.Millisecond)
}
