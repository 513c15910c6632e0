package redis

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker_Exclusive(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()

	token, ok, err := l.Acquire(ctx, "tenant-name:lincoln", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, token)

	_, ok, err = l.Acquire(ctx, "tenant-name:lincoln", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must fail while held")

	assert.ErrorIs(t, l.Release(ctx, "tenant-name:lincoln", "someone-else"), ErrLockNotHeld)
	require.NoError(t, l.Release(ctx, "tenant-name:lincoln", token))

	_, ok, err = l.Acquire(ctx, "tenant-name:lincoln", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryLocker_Expiry(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	_, ok, _ := l.Acquire(ctx, "k", time.Second)
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok, _ = l.Acquire(ctx, "k", time.Second)
	assert.True(t, ok, "expired lock should be reacquirable")
}

func TestMemoryLocker_Concurrent(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := l.Acquire(ctx, "k", time.Minute); ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
}

func TestMemoryIdempotencyStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryIdempotencyStore()

	rec, claimed, err := s.Begin(ctx, "req-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Nil(t, rec)

	rec, claimed, err = s.Begin(ctx, "req-1", time.Hour)
	require.NoError(t, err)
	assert.False(t, claimed)
	require.NotNil(t, rec)
	assert.Equal(t, IdempotencyInFlight, rec.Status)

	require.NoError(t, s.Complete(ctx, "req-1", []byte(`{"tenantId":"t1"}`), time.Hour))

	rec, claimed, err = s.Begin(ctx, "req-1", time.Hour)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, IdempotencyCompleted, rec.Status)
	assert.JSONEq(t, `{"tenantId":"t1"}`, string(rec.Payload))
}

func TestMemoryIdempotencyStore_Abandon(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryIdempotencyStore()

	_, claimed, _ := s.Begin(ctx, "req-1", time.Hour)
	require.True(t, claimed)
	require.NoError(t, s.Abandon(ctx, "req-1"))

	_, claimed, _ = s.Begin(ctx, "req-1", time.Hour)
	assert.True(t, claimed, "abandoned key can be claimed again")
}

func redisOrSkip(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set, skipping redis integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := NewClient(ctx, &Config{Addr: addr, DialTimeout: time.Second})
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLocker_Redis(t *testing.T) {
	c := redisOrSkip(t)
	ctx := context.Background()
	l := NewLocker(c, "test-lock:")
	key := "tenant-name:" + time.Now().Format(time.RFC3339Nano)

	token, ok, err := l.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, l.Release(ctx, key, "wrong"), ErrLockNotHeld)
	assert.NoError(t, l.Release(ctx, key, token))
}

func TestIdempotencyStore_Redis(t *testing.T) {
	c := redisOrSkip(t)
	ctx := context.Background()
	s := NewIdempotencyStore(c, "test-idem:")
	key := "req-" + time.Now().Format(time.RFC3339Nano)
	t.Cleanup(func() { _ = s.Abandon(ctx, key) })

	_, claimed, err := s.Begin(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	rec, claimed, err := s.Begin(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, IdempotencyInFlight, rec.Status)

	require.NoError(t, s.Complete(ctx, key, []byte(`{"ok":true}`), time.Minute))
	rec, _, err = s.Begin(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, IdempotencyCompleted, rec.Status)
}
