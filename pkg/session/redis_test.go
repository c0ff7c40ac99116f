package session

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// Redis contract tests require a live Redis; set MCPD_TEST_REDIS_ADDR to run
// them (e.g., MCPD_TEST_REDIS_ADDR=localhost:6379).
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("MCPD_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MCPD_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 9})
	require.NoError(t, rdb.Ping(context.Background()).Err())
	require.NoError(t, rdb.FlushDB(context.Background()).Err())
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRedisStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		rdb := newTestRedis(t)
		require.NoError(t, rdb.FlushDB(context.Background()).Err())
		return NewRedisStore(rdb)
	})
}
