package proxy

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// DNSCache caches resolver answers in front of outbound dialing. Successful
// lookups live for the positive TTL, failures for the shorter negative TTL.
// An entry is evicted when a connect to its addresses fails, so a stale
// record cannot wedge a destination.
type DNSCache struct {
	ttl     time.Duration
	negTTL  time.Duration
	resolve func(ctx context.Context, host string) ([]string, error)
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]dnsEntry
}

type dnsEntry struct {
	addrs   []string
	err     error
	expires time.Time
}

// NewDNSCache creates a cache backed by the default resolver.
func NewDNSCache(ttl, negTTL time.Duration) *DNSCache {
	return &DNSCache{
		ttl:    ttl,
		negTTL: negTTL,
		resolve: func(ctx context.Context, host string) ([]string, error) {
			return net.DefaultResolver.LookupHost(ctx, host)
		},
		now:     time.Now,
		entries: make(map[string]dnsEntry),
	}
}

// Lookup resolves a host through the cache.
func (c *DNSCache) Lookup(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}

	c.mu.RLock()
	entry, ok := c.entries[host]
	c.mu.RUnlock()
	if ok && c.now().Before(entry.expires) {
		return entry.addrs, entry.err
	}

	addrs, err := c.resolve(ctx, host)
	ttl := c.ttl
	if err != nil {
		ttl = c.negTTL
	}
	c.mu.Lock()
	c.entries[host] = dnsEntry{addrs: addrs, err: err, expires: c.now().Add(ttl)}
	c.mu.Unlock()
	return addrs, err
}

// Evict drops the cached answer for a host.
func (c *DNSCache) Evict(host string) {
	c.mu.Lock()
	delete(c.entries, host)
	c.mu.Unlock()
}

// DialContext resolves through the cache and tries each address in order. A
// total connect failure evicts the cached answer before returning.
func (c *DNSCache) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid dial address %q: %w", addr, err)
	}

	addrs, err := c.Lookup(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}

	var dialer net.Dialer
	var lastErr error
	for _, a := range addrs {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(a, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}

	c.Evict(host)
	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses for %s", host)
	}
	return nil, fmt.Errorf("connect %s: %w", addr, lastErr)
}
