package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// LoginGuard admits at most one token exchange per account at a time.
// TryAcquire never blocks; the returned release must be called once the
// exchange has finished.
type LoginGuard interface {
	TryAcquire(ctx context.Context, accountID uint) (release func(), ok bool, err error)
}

// MemoryLoginGuard guards exchanges within one process.
type MemoryLoginGuard struct {
	inFlight sync.Map
}

// NewMemoryLoginGuard creates an in-process login guard
func NewMemoryLoginGuard() *MemoryLoginGuard {
	return &MemoryLoginGuard{}
}

// TryAcquire claims the account if no other exchange holds it.
func (g *MemoryLoginGuard) TryAcquire(_ context.Context, accountID uint) (func(), bool, error) {
	if _, loaded := g.inFlight.LoadOrStore(accountID, struct{}{}); loaded {
		return nil, false, nil
	}
	return func() { g.inFlight.Delete(accountID) }, true, nil
}

// RedisLoginGuard guards exchanges across replicas with SET NX. The key
// expires after ttl so a crashed holder cannot wedge an account.
type RedisLoginGuard struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLoginGuard creates a Redis-backed login guard
func NewRedisLoginGuard(client *redis.Client, ttl time.Duration) *RedisLoginGuard {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLoginGuard{client: client, prefix: "zap:login:", ttl: ttl}
}

// releaseScript deletes the key only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// TryAcquire claims the account key if it is not already held.
func (g *RedisLoginGuard) TryAcquire(ctx context.Context, accountID uint) (func(), bool, error) {
	key := fmt.Sprintf("%s%d", g.prefix, accountID)
	owner := newOwnerToken()

	ok, err := g.client.SetNX(ctx, key, owner, g.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		releaseScript.Run(releaseCtx, g.client, []string{key}, owner)
	}
	return release, true, nil
}

func newOwnerToken() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
