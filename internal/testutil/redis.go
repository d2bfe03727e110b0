package testutil

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// Redis starts an in-process miniredis server and returns a client pointed
// at it, closing both when the test completes.
func Redis(tb testing.TB) *redis.Client {
	tb.Helper()
	mr := miniredisServer(tb)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tb.Cleanup(func() { _ = client.Close() })
	return client
}

// RedisAddr starts an in-process miniredis server and returns its address,
// for callers (like redisqueue.New) that dial their own client from a
// host:port string rather than accepting an injected *redis.Client.
func RedisAddr(tb testing.TB) string {
	tb.Helper()
	return miniredisServer(tb).Addr()
}

func miniredisServer(tb testing.TB) *miniredis.Miniredis {
	tb.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		tb.Fatalf("start miniredis: %v", err)
	}
	tb.Cleanup(mr.Close)
	return mr
}
