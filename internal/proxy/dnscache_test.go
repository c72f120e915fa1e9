package proxy

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func newFakeCache(ttl, negTTL time.Duration) (*DNSCache, *int, *time.Time) {
	lookups := 0
	now := time.Unix(1700000000, 0)

	c := NewDNSCache(ttl, negTTL)
	c.resolve = func(ctx context.Context, host string) ([]string, error) {
		lookups++
		if host == "missing.example" {
			return nil, fmt.Errorf("no such host")
		}
		return []string{"192.0.2.10"}, nil
	}
	c.now = func() time.Time { return now }
	return c, &lookups, &now
}

func TestLookupCachesPositiveAnswers(t *testing.T) {
	c, lookups, now := newFakeCache(5*time.Minute, 30*time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		addrs, err := c.Lookup(ctx, "api.example.com")
		if err != nil {
			t.Fatalf("Lookup failed: %v", err)
		}
		if len(addrs) != 1 || addrs[0] != "192.0.2.10" {
			t.Fatalf("unexpected addrs %v", addrs)
		}
	}
	if *lookups != 1 {
		t.Errorf("expected 1 resolver call, got %d", *lookups)
	}

	// Expired: next lookup resolves again.
	*now = now.Add(6 * time.Minute)
	if _, err := c.Lookup(ctx, "api.example.com"); err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if *lookups != 2 {
		t.Errorf("expected 2 resolver calls after expiry, got %d", *lookups)
	}
}

func TestLookupCachesNegativeAnswers(t *testing.T) {
	c, lookups, now := newFakeCache(5*time.Minute, 30*time.Second)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := c.Lookup(ctx, "missing.example"); err == nil {
			t.Fatal("expected resolution error")
		}
	}
	if *lookups != 1 {
		t.Errorf("expected 1 resolver call for cached failure, got %d", *lookups)
	}

	// The negative TTL is shorter than the positive one.
	*now = now.Add(time.Minute)
	_, _ = c.Lookup(ctx, "missing.example")
	if *lookups != 2 {
		t.Errorf("expected retry after negative TTL, got %d calls", *lookups)
	}
}

func TestEvictForcesResolution(t *testing.T) {
	c, lookups, _ := newFakeCache(5*time.Minute, 30*time.Second)
	ctx := context.Background()

	_, _ = c.Lookup(ctx, "api.example.com")
	c.Evict("api.example.com")
	_, _ = c.Lookup(ctx, "api.example.com")
	if *lookups != 2 {
		t.Errorf("expected re-resolution after evict, got %d calls", *lookups)
	}
}

func TestLookupPassesThroughIPLiterals(t *testing.T) {
	c, lookups, _ := newFakeCache(5*time.Minute, 30*time.Second)

	addrs, err := c.Lookup(context.Background(), "127.0.0.1")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if len(addrs) != 1 || addrs[0] != "127.0.0.1" {
		t.Errorf("unexpected addrs %v", addrs)
	}
	if *lookups != 0 {
		t.Errorf("IP literal should not hit the resolver")
	}
}
