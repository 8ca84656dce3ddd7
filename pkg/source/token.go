package source

import (
	"context"
	"sync"
	"time"

	"github.com/elonfeng/ringrank/pkg/metrics"
	"golang.org/x/sync/singleflight"
)

// DefaultTokenTTL is how long a token is trusted when the provider does
// not state a lifetime: 50 minutes of a nominal hour.
const DefaultTokenTTL = 50 * time.Minute

// TokenFetcher performs the auth handshake. lifetime is the provider's
// stated validity, zero when unknown.
type TokenFetcher func(ctx context.Context) (token string, lifetime time.Duration, err error)

// TokenCache holds at most one bearer token in memory. Concurrent misses
// share a single handshake.
type TokenCache struct {
	source  SourceType
	fetch   TokenFetcher
	now     func() time.Time
	metrics *metrics.Manager

	mu     sync.Mutex
	token  string
	expiry time.Time

	group singleflight.Group
}

// NewTokenCache wraps fetch with an in-memory cache.
func NewTokenCache(src SourceType, fetch TokenFetcher, now func() time.Time, m *metrics.Manager) *TokenCache {
	if now == nil {
		now = time.Now
	}
	return &TokenCache{source: src, fetch: fetch, now: now, metrics: m}
}

// Get returns a valid token, or "" when no token can be obtained.
// Failures are not retried.
func (c *TokenCache) Get(ctx context.Context) string {
	if tok, ok := c.cached(); ok {
		c.metrics.IncToken(string(c.source), metrics.OutcomeCached)
		return tok
	}

	v, _, _ := c.group.Do("token", func() (any, error) {
		// Another caller may have filled the cache while we queued.
		if tok, ok := c.cached(); ok {
			return tok, nil
		}

		tok, lifetime, err := c.fetch(context.WithoutCancel(ctx))
		if err != nil || tok == "" {
			c.metrics.IncToken(string(c.source), metrics.OutcomeFailure)
			return "", nil
		}

		c.mu.Lock()
		c.token = tok
		c.expiry = c.now().Add(conservativeTTL(lifetime))
		c.mu.Unlock()
		c.metrics.IncToken(string(c.source), metrics.OutcomeSuccess)
		return tok, nil
	})
	return v.(string)
}

// Invalidate drops the cached token, e.g. after the provider rejects it.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.expiry = time.Time{}
}

func (c *TokenCache) cached() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.expiry) {
		return c.token, true
	}
	return "", false
}

// conservativeTTL keeps five sixths of the stated lifetime.
func conservativeTTL(lifetime time.Duration) time.Duration {
	if lifetime <= 0 {
		return DefaultTokenTTL
	}
	return lifetime * 5 / 6
}
