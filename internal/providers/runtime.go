package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/magpielab/magpie/internal/types"
)

const (
	breakerFailureThreshold = 5
	breakerWindow           = 60 * time.Second
	breakerCooldown         = 30 * time.Second
)

type gate struct {
	cfg       Config
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker
	inflight  atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64

	mu            sync.Mutex
	nextAllowedAt time.Time
}

// Runtime meters access to every provider: token bucket plus minimum
// request interval before a call, circuit breaker around it, outcome
// counters after it. next_allowed_at and the counters are mirrored to
// Redis so multiple workers converge on one schedule.
type Runtime struct {
	gates map[string]*gate
	rdb   *redis.Client
	ns    string
	log   *zap.Logger
}

// NewRuntime builds gates for each config. An empty redisURL skips the
// mirror and keeps state process-local.
func NewRuntime(redisURL string, log *zap.Logger, configs map[string]Config) (*Runtime, error) {
	r := &Runtime{
		gates: make(map[string]*gate, len(configs)),
		ns:    "magpie",
		log:   log,
	}
	if redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		r.rdb = redis.NewClient(opts)
	}

	for name, cfg := range configs {
		burst := cfg.Capacity
		if burst < 1 {
			burst = 1
		}
		g := &gate{
			cfg:     cfg,
			limiter: rate.NewLimiter(rate.Limit(cfg.RefillPerSec), burst),
		}
		g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    breakerWindow,
			Timeout:     breakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.TotalFailures >= breakerFailureThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("provider breaker state change",
					zap.String("provider", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
		r.gates[name] = g
	}
	return r, nil
}

// Close releases the mirror connection.
func (r *Runtime) Close() error {
	if r.rdb == nil {
		return nil
	}
	return r.rdb.Close()
}

// Acquire blocks until the provider may be called: a bucket token is
// available, the minimum interval has elapsed, and any Retry-After
// push has expired. Returns how long the caller waited. The breaker is
// enforced at Execute time, not here.
func (r *Runtime) Acquire(ctx context.Context, provider string) (time.Duration, error) {
	g, ok := r.gates[provider]
	if !ok {
		return 0, types.NewError(types.ErrInternal, "unknown_provider", provider)
	}
	start := time.Now()

	if err := g.limiter.Wait(ctx); err != nil {
		return time.Since(start), types.WrapError(types.ErrTransient, "rate_wait_aborted", "rate gate wait interrupted", err)
	}

	if r.rdb != nil {
		if remote := r.remoteNextAllowed(ctx, provider); !remote.IsZero() {
			g.mu.Lock()
			if remote.After(g.nextAllowedAt) {
				g.nextAllowedAt = remote
			}
			g.mu.Unlock()
		}
	}

	for {
		g.mu.Lock()
		now := time.Now()
		next := g.nextAllowedAt
		if !next.After(now) {
			// Claim the next interval slot.
			if g.cfg.MinInterval > 0 {
				g.nextAllowedAt = now.Add(g.cfg.MinInterval)
			}
			g.mu.Unlock()
			return time.Since(start), nil
		}
		g.mu.Unlock()

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return time.Since(start), types.WrapError(types.ErrTransient, "rate_wait_aborted", "rate gate wait interrupted", ctx.Err())
		case <-timer.C:
		}
	}
}

// Execute runs one attempt under the provider's circuit breaker. An
// open breaker fails fast with a transient circuit_open error.
func (r *Runtime) Execute(provider string, fn func() error) error {
	g, ok := r.gates[provider]
	if !ok {
		return types.NewError(types.ErrInternal, "unknown_provider", provider)
	}
	g.inflight.Add(1)
	defer g.inflight.Add(-1)

	_, err := g.breaker.Execute(func() (any, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return types.WrapError(types.ErrTransient, "circuit_open", "provider circuit open", err)
	}
	return err
}

// Record settles one call outcome. Success decays the rolling failure
// counter; failure bumps it. A parsed Retry-After pushes next_allowed_at
// for every worker sharing the mirror.
func (r *Runtime) Record(ctx context.Context, provider string, ok bool, retryAfter time.Duration) {
	g, exists := r.gates[provider]
	if !exists {
		return
	}
	if ok {
		g.successes.Add(1)
		if f := g.failures.Load(); f > 0 {
			g.failures.CompareAndSwap(f, f-1)
		}
	} else {
		g.failures.Add(1)
	}
	if retryAfter > 0 {
		until := time.Now().Add(retryAfter)
		g.mu.Lock()
		if until.After(g.nextAllowedAt) {
			g.nextAllowedAt = until
		}
		g.mu.Unlock()
	}
	r.mirror(ctx, provider, g)
}

// Trust returns the configured source trust, or 0 for unknown names.
func (r *Runtime) Trust(provider string) float64 {
	if g, ok := r.gates[provider]; ok {
		return g.cfg.Trust
	}
	return 0
}

// State is one provider's externally visible gate state.
type State struct {
	Provider      string    `json:"provider"`
	Breaker       string    `json:"breaker"`
	Inflight      int64     `json:"inflight"`
	Successes     int64     `json:"successes"`
	Failures      int64     `json:"failures"`
	NextAllowedAt time.Time `json:"next_allowed_at"`
}

// Snapshot reports every gate, sorted by provider name.
func (r *Runtime) Snapshot() []State {
	out := make([]State, 0, len(r.gates))
	for name, g := range r.gates {
		g.mu.Lock()
		next := g.nextAllowedAt
		g.mu.Unlock()
		out = append(out, State{
			Provider:      name,
			Breaker:       breakerStateName(g.breaker.State()),
			Inflight:      g.inflight.Load(),
			Successes:     g.successes.Load(),
			Failures:      g.failures.Load(),
			NextAllowedAt: next,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

func (r *Runtime) mirror(ctx context.Context, provider string, g *gate) {
	if r.rdb == nil {
		return
	}
	g.mu.Lock()
	next := g.nextAllowedAt
	g.mu.Unlock()
	var nextMS int64
	if !next.IsZero() {
		nextMS = next.UnixMilli()
	}
	err := r.rdb.HSet(ctx, r.providerKey(provider),
		"next_allowed_at", nextMS,
		"successes", g.successes.Load(),
		"failures", g.failures.Load(),
		"breaker", breakerStateName(g.breaker.State()),
	).Err()
	if err != nil {
		r.log.Debug("provider state mirror write failed",
			zap.String("provider", provider), zap.Error(err))
	}
}

func (r *Runtime) remoteNextAllowed(ctx context.Context, provider string) time.Time {
	ms, err := r.rdb.HGet(ctx, r.providerKey(provider), "next_allowed_at").Int64()
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (r *Runtime) providerKey(provider string) string {
	return r.ns + ":provider:" + provider
}

func breakerStateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	}
	return "closed"
}
