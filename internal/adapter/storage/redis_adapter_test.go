package storage

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/redis/go-redis/v9"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func TestSetIdempotency_Success(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	// Setup
	client.Del(ctx, idempotencyKeyPrefix+"test-idem-key")

	// First call should succeed
	ok, err := adapter.SetIdempotency(ctx, "test-idem-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected first call to succeed")
	}

	// Second call should fail (key exists)
	ok, err = adapter.SetIdempotency(ctx, "test-idem-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected second call to fail")
	}
}

func TestSetIdempotency_Concurrent(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	// Setup
	client.Del(ctx, idempotencyKeyPrefix+"concurrent-idem-key")

	var successCount atomic.Int32
	var wg sync.WaitGroup
	concurrency := 100

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := adapter.SetIdempotency(ctx, "concurrent-idem-key")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				successCount.Add(1)
			}
		}()
	}

	wg.Wait()

	// Only one should succeed
	if successCount.Load() != 1 {
		t.Errorf("expected exactly 1 success, got %d", successCount.Load())
	}
}

func TestLookupIdempotency_PendingThenCompleted(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	client.Del(ctx, idempotencyKeyPrefix+"lookup-key")

	if _, err := adapter.SetIdempotency(ctx, "lookup-key"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	checkoutID, found, err := adapter.LookupIdempotency(ctx, "lookup-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found {
		t.Error("expected pending key to be found")
	}
	if checkoutID != "" {
		t.Errorf("expected pending key to report no checkout, got %q", checkoutID)
	}

	if err := adapter.CompleteIdempotency(ctx, "lookup-key", "checkout-9"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	checkoutID, found, err = adapter.LookupIdempotency(ctx, "lookup-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found || checkoutID != "checkout-9" {
		t.Errorf("expected checkout-9, got %q", checkoutID)
	}
}

func TestReleaseIdempotency_OnlyPending(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	client.Del(ctx, idempotencyKeyPrefix+"release-pending", idempotencyKeyPrefix+"release-done")

	// Pending key is dropped and can be claimed again
	adapter.SetIdempotency(ctx, "release-pending")
	if err := adapter.ReleaseIdempotency(ctx, "release-pending"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ok, _ := adapter.SetIdempotency(ctx, "release-pending")
	if !ok {
		t.Error("expected released key to be claimable")
	}

	// Completed key survives release
	adapter.SetIdempotency(ctx, "release-done")
	adapter.CompleteIdempotency(ctx, "release-done", "checkout-1")
	if err := adapter.ReleaseIdempotency(ctx, "release-done"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	checkoutID, _, _ := adapter.LookupIdempotency(ctx, "release-done")
	if checkoutID != "checkout-1" {
		t.Errorf("expected completed key to survive, got %q", checkoutID)
	}
}

func TestLookupIdempotency_Missing(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx := context.Background()
	adapter := NewRedisAdapter(client)
	client.Del(ctx, idempotencyKeyPrefix+"absent-key")

	checkoutID, found, err := adapter.LookupIdempotency(ctx, "absent-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Error("expected absent key to report not found")
	}
	if checkoutID != "" {
		t.Errorf("expected empty checkout id, got %q", checkoutID)
	}
}
