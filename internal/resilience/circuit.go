package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// BreakerState is the state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed is the normal operating state.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls immediately after repeated failures.
	BreakerOpen
	// BreakerHalfOpen lets a single probe through to test recovery.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned when a call is rejected because the provider's
// circuit is open.
var ErrBreakerOpen = eris.New("circuit breaker is open")

// BreakerConfig controls circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before the
	// circuit opens. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before allowing a
	// probe. Default: 30s.
	ResetTimeout time.Duration

	// ShouldTrip decides which errors count toward the threshold. If nil,
	// every non-nil error counts.
	ShouldTrip func(err error) bool
}

// DefaultBreakerConfig returns the defaults used for provider breakers.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// Breaker implements the circuit breaker pattern for a single provider.
type Breaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time

	nowFunc func() time.Time
}

// NewBreaker creates a circuit breaker with the given config.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Breaker{cfg: cfg, state: BreakerClosed, nowFunc: time.Now}
}

// Execute runs fn through the breaker. Returns ErrBreakerOpen without
// calling fn when the circuit is open.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// BreakerVal is Execute for functions that return a value.
func BreakerVal[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.allow(); err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	b.record(err)
	return val, err
}

// State returns the current state, accounting for reset-timeout expiry.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.nowFunc().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

// Reset forces the circuit back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if b.nowFunc().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return ErrBreakerOpen
		}
		b.state = BreakerHalfOpen
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	trips := err != nil
	if b.cfg.ShouldTrip != nil {
		trips = err != nil && b.cfg.ShouldTrip(err)
	}

	if !trips {
		b.state = BreakerClosed
		b.failures = 0
		return
	}

	b.failures++
	b.openedAt = b.nowFunc()
	if b.state == BreakerHalfOpen || b.failures >= b.cfg.FailureThreshold {
		b.state = BreakerOpen
	}
}

// ProviderBreakers manages one circuit breaker per external provider.
type ProviderBreakers struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      BreakerConfig
}

// NewProviderBreakers creates a registry of per-provider breakers.
func NewProviderBreakers(cfg BreakerConfig) *ProviderBreakers {
	return &ProviderBreakers{breakers: make(map[string]*Breaker), cfg: cfg}
}

// Get returns the breaker for the named provider, creating one if needed.
func (pb *ProviderBreakers) Get(provider string) *Breaker {
	pb.mu.RLock()
	b, ok := pb.breakers[provider]
	pb.mu.RUnlock()
	if ok {
		return b
	}

	pb.mu.Lock()
	defer pb.mu.Unlock()
	if b, ok = pb.breakers[provider]; ok {
		return b
	}
	b = NewBreaker(pb.cfg)
	pb.breakers[provider] = b
	return b
}

// States returns a snapshot of every breaker's state.
func (pb *ProviderBreakers) States() map[string]BreakerState {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	out := make(map[string]BreakerState, len(pb.breakers))
	for name, b := range pb.breakers {
		out[name] = b.State()
	}
	return out
}
