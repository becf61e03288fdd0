package fleet

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCacheTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	c := NewMemoryCache()
	c.now = func() time.Time { return now }

	c.Set(ctx, "k", []byte("v"), time.Minute)

	if got, ok := c.Get(ctx, "k"); !ok || string(got) != "v" {
		t.Fatalf("Get within TTL = %q, %v", got, ok)
	}

	// Just before expiry the entry is still valid.
	now = now.Add(59 * time.Second)
	if _, ok := c.Get(ctx, "k"); !ok {
		t.Fatal("entry expired early")
	}

	// At TTL the entry is evicted lazily on read.
	now = now.Add(time.Second)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("entry should have expired")
	}
	if len(c.entries) != 0 {
		t.Error("expired entry not evicted on read")
	}
}

func TestMemoryCacheDeleteAndOverwrite(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache()

	c.Set(ctx, "k", []byte("a"), time.Minute)
	c.Set(ctx, "k", []byte("b"), time.Minute)
	if got, _ := c.Get(ctx, "k"); string(got) != "b" {
		t.Errorf("overwrite lost: %q", got)
	}

	c.Delete(ctx, "k")
	if _, ok := c.Get(ctx, "k"); ok {
		t.Error("Delete left the entry behind")
	}
}
