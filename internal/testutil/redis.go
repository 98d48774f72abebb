//go:build integration

package testutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/napi-network/napi/pkg/napi"
	"github.com/napi-network/napi/pkg/store"
)

// redisKeyPrefix namespaces every integration-test key so a shared
// Redis instance never mixes test and production data.
const redisKeyPrefix = "napitest:"

// RedisAddr returns the address of the test Redis instance, from
// NAPI_TEST_REDIS_ADDR.
func RedisAddr() string {
	return os.Getenv("NAPI_TEST_REDIS_ADDR")
}

// SkipIfNoRedis skips the test when the test Redis instance is not
// reachable.
func SkipIfNoRedis(t *testing.T) {
	t.Helper()

	addr := RedisAddr()
	if addr == "" {
		t.Skip("test Redis not available: set NAPI_TEST_REDIS_ADDR")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("test Redis not reachable at %s: %v", addr, err)
	}
}

// FlushTestKeys removes every key under the integration-test prefix.
func FlushTestKeys(t *testing.T) {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: RedisAddr()})
	defer client.Close()

	ctx := context.Background()
	iter := client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := client.Del(ctx, iter.Val()).Err(); err != nil {
			t.Fatalf("deleting %s: %v", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		t.Fatalf("scanning test keys: %v", err)
	}
}

// RedisService returns a provisioning service over the test Redis
// instance, starting from a clean keyspace.
func RedisService(t *testing.T) *napi.Service {
	t.Helper()
	SkipIfNoRedis(t)
	FlushTestKeys(t)
	t.Cleanup(func() { FlushTestKeys(t) })

	st := store.NewRedis(&redis.Options{Addr: RedisAddr()}, redisKeyPrefix)
	svc, err := napi.New(Config(), st)
	if err != nil {
		t.Fatalf("creating service: %v", err)
	}
	if err := svc.Init(Context(t)); err != nil {
		t.Fatalf("initializing buckets: %v", err)
	}
	return svc
}
