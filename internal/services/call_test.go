package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCallWithinReturnsResult(t *testing.T) {
	v, err := callWithin(context.Background(), time.Second, func(context.Context) (int, error) {
		return 7, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestCallWithinAbandonsIgnoringCall(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	start := time.Now()
	_, err := callWithin(context.Background(), 20*time.Millisecond, func(context.Context) (int, error) {
		<-block
		return 1, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCallWithinHonoursParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := callWithin(ctx, time.Second, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
}
