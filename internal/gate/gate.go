// Package gate wraps outbound provider calls with a per-provider token
// bucket and a time-boxed response cache. A single Gate is shared by every
// data source, so token spend and cached responses are coordinated across
// concurrent ingestion requests.
package gate

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/company-intel/internal/resilience"
)

// ProviderConfig sets the budget for one external provider.
type ProviderConfig struct {
	// Rate is the sustained request rate (tokens per second).
	Rate rate.Limit
	// Burst is the bucket capacity.
	Burst int
	// CacheTTL is how long successful responses stay cached. Zero disables
	// caching for the provider.
	CacheTTL time.Duration
	// MaxWait bounds how long a call may block waiting for a token before
	// failing with a rate-limited error. Zero means fail immediately when
	// no token is available.
	MaxWait time.Duration
}

type cacheEntry struct {
	data      []byte
	expiresAt time.Time
}

// Gate is the shared rate-limited response cache. Token-bucket state and the
// cache are mutated under internal locks so concurrent requests cannot
// over-spend a provider's budget.
type Gate struct {
	mu        sync.Mutex
	providers map[string]ProviderConfig
	limiters  map[string]*rate.Limiter
	cache     map[string]cacheEntry

	nowFunc func() time.Time
}

// New creates a Gate with the given per-provider budgets. Calls for an
// unconfigured provider pass through unlimited and uncached.
func New(providers map[string]ProviderConfig) *Gate {
	g := &Gate{
		providers: make(map[string]ProviderConfig, len(providers)),
		limiters:  make(map[string]*rate.Limiter, len(providers)),
		cache:     make(map[string]cacheEntry),
		nowFunc:   time.Now,
	}
	for name, cfg := range providers {
		g.providers[name] = cfg
		g.limiters[name] = rate.NewLimiter(cfg.Rate, cfg.Burst)
	}
	return g
}

// Do returns the cached response for (provider, key) when one exists and is
// fresh; otherwise it acquires a token from the provider's bucket and runs
// fn. The second return is true on a cache hit. When no token becomes
// available within the provider's MaxWait, Do fails with a rate-limited
// error instead of blocking.
func (g *Gate) Do(ctx context.Context, provider, key string, fn func(ctx context.Context) ([]byte, error)) ([]byte, bool, error) {
	if data, ok := g.lookup(provider, key); ok {
		zap.L().Debug("gate: cache hit",
			zap.String("provider", provider),
			zap.String("key", key),
		)
		return data, true, nil
	}

	cfg, limiter := g.limiterFor(provider)
	if limiter != nil {
		if cfg.MaxWait <= 0 {
			if !limiter.Allow() {
				return nil, false, resilience.RateLimited(
					eris.Errorf("gate: %s budget exhausted", provider))
			}
		} else {
			waitCtx, cancel := context.WithTimeout(ctx, cfg.MaxWait)
			err := limiter.Wait(waitCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return nil, false, ctx.Err()
				}
				return nil, false, resilience.RateLimited(
					eris.Errorf("gate: no %s token within %s", provider, cfg.MaxWait))
			}
		}
	}

	data, err := fn(ctx)
	if err != nil {
		return nil, false, err
	}

	if cfg.CacheTTL > 0 {
		g.store(provider, key, data, cfg.CacheTTL)
	}
	return data, false, nil
}

// Invalidate drops the cached response for (provider, key), if any.
func (g *Gate) Invalidate(provider, key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.cache, cacheKey(provider, key))
}

// Sweep removes every expired cache entry and returns how many were dropped.
func (g *Gate) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.nowFunc()
	var n int
	for k, e := range g.cache {
		if !now.Before(e.expiresAt) {
			delete(g.cache, k)
			n++
		}
	}
	return n
}

func (g *Gate) lookup(provider, key string) ([]byte, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.cache[cacheKey(provider, key)]
	if !ok {
		return nil, false
	}
	if !g.nowFunc().Before(e.expiresAt) {
		delete(g.cache, cacheKey(provider, key))
		return nil, false
	}
	return e.data, true
}

func (g *Gate) store(provider, key string, data []byte, ttl time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cache[cacheKey(provider, key)] = cacheEntry{
		data:      data,
		expiresAt: g.nowFunc().Add(ttl),
	}
}

func (g *Gate) limiterFor(provider string) (ProviderConfig, *rate.Limiter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.providers[provider], g.limiters[provider]
}

func cacheKey(provider, key string) string {
	return provider + "\x00" + key
}
