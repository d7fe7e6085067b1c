//go:build integration

package store

import (
	"context"
	"os"
	"testing"
)

// Runs against a disposable Redis: every subtest flushes the selected DB.
func TestIntegration_RedisStore(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}

	runStoreContract(t, func(t *testing.T) Store {
		ctx := context.Background()
		s, err := NewRedisStore(ctx, url)
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
		if err := s.Client().FlushDB(ctx).Err(); err != nil {
			t.Fatalf("flush: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}
