package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/magpielab/magpie/internal/types"
)

const (
	defaultAttemptTimeout = 10 * time.Second
	defaultMaxRetries     = 4
	retryInitialInterval  = 250 * time.Millisecond
	maxBodyBytes          = 8 << 20
)

// Fetcher issues metered HTTP GETs: Acquire before each attempt, the
// breaker around it, and bounded exponential retries. Only 429, 5xx,
// and network failures are retried; Retry-After overrides the next
// backoff interval when the server sends one.
type Fetcher struct {
	Runtime        *Runtime
	Client         *http.Client
	Log            *zap.Logger
	AttemptTimeout time.Duration
	MaxRetries     uint64
	InitialBackoff time.Duration
	UserAgent      string
}

// NewFetcher builds a fetcher with the default retry policy.
func NewFetcher(rt *Runtime, log *zap.Logger) *Fetcher {
	return &Fetcher{
		Runtime:        rt,
		Client:         &http.Client{Timeout: 15 * time.Second},
		Log:            log,
		AttemptTimeout: defaultAttemptTimeout,
		MaxRetries:     defaultMaxRetries,
		UserAgent:      "magpie/1.0 (+https://github.com/magpielab/magpie)",
	}
}

// retryAfterBackOff lets an attempt substitute the server's Retry-After
// for the next computed interval.
type retryAfterBackOff struct {
	backoff.BackOff
	override time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	if b.override > 0 {
		next = b.override
		b.override = 0
	}
	return next
}

type attemptResult struct {
	body       []byte
	status     int
	retryAfter time.Duration
	err        error
	retryable  bool
}

// GetBytes fetches rawURL and returns the body. Stats carry the final
// status code, the retry count, and the total latency across attempts.
func (f *Fetcher) GetBytes(ctx context.Context, provider, rawURL string, header http.Header) ([]byte, CallStats, error) {
	var (
		stats CallStats
		body  []byte
	)
	start := time.Now()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = f.InitialBackoff
	if exp.InitialInterval <= 0 {
		exp.InitialInterval = retryInitialInterval
	}
	exp.Multiplier = 2
	exp.RandomizationFactor = 0.2
	exp.MaxInterval = 30 * time.Second
	exp.MaxElapsedTime = 0
	rab := &retryAfterBackOff{BackOff: exp}
	policy := backoff.WithContext(backoff.WithMaxRetries(rab, f.MaxRetries), ctx)

	attempt := 0
	op := func() error {
		stats.RetryCount = attempt
		attempt++

		if _, err := f.Runtime.Acquire(ctx, provider); err != nil {
			return backoff.Permanent(err)
		}

		var res attemptResult
		execErr := f.Runtime.Execute(provider, func() error {
			res = f.attempt(ctx, rawURL, header)
			if res.err != nil && res.retryable {
				f.Runtime.Record(ctx, provider, false, res.retryAfter)
				return res.err
			}
			if res.err == nil {
				f.Runtime.Record(ctx, provider, true, 0)
			}
			return nil
		})
		if res.status != 0 {
			stats.StatusCode = res.status
		}
		if res.retryAfter > 0 {
			stats.RetryAfterSeconds = int(res.retryAfter / time.Second)
			rab.override = res.retryAfter
		}
		if execErr != nil {
			f.Log.Debug("provider attempt failed",
				zap.String("provider", provider),
				zap.Int("attempt", attempt),
				zap.Int("status", res.status),
				zap.Error(execErr))
			return execErr
		}
		if res.err != nil {
			return backoff.Permanent(res.err)
		}
		body = res.body
		return nil
	}

	err := backoff.Retry(op, policy)
	stats.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		return nil, stats, err
	}
	return body, stats, nil
}

// GetJSON fetches rawURL and decodes the body into dest.
func (f *Fetcher) GetJSON(ctx context.Context, provider, rawURL string, header http.Header, dest any) (CallStats, error) {
	body, stats, err := f.GetBytes(ctx, provider, rawURL, header)
	if err != nil {
		return stats, err
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return stats, types.WrapError(types.ErrExternal, "provider_decode", "response is not the expected JSON", err)
	}
	return stats, nil
}

func (f *Fetcher) attempt(ctx context.Context, rawURL string, header http.Header) attemptResult {
	actx, cancel := context.WithTimeout(ctx, f.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodGet, rawURL, nil)
	if err != nil {
		return attemptResult{err: types.WrapError(types.ErrInternal, "bad_request", rawURL, err)}
	}
	req.Header.Set("User-Agent", f.UserAgent)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		if actx.Err() == context.DeadlineExceeded {
			return attemptResult{
				err:       types.WrapError(types.ErrTimeout, "provider_attempt_timeout", rawURL, err),
				retryable: true,
			}
		}
		return attemptResult{
			err:       types.WrapError(types.ErrExternal, "provider_network", rawURL, err),
			retryable: true,
		}
	}
	defer resp.Body.Close()

	retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return attemptResult{
			status:     resp.StatusCode,
			retryAfter: retryAfter,
			err:        types.NewError(types.ErrTransient, "provider_http_429", resp.Status),
			retryable:  true,
		}
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return attemptResult{
			status:     resp.StatusCode,
			retryAfter: retryAfter,
			err:        types.NewError(types.ErrExternal, fmt.Sprintf("provider_http_%d", resp.StatusCode), resp.Status),
			retryable:  true,
		}
	case resp.StatusCode >= 400:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return attemptResult{
			status: resp.StatusCode,
			err: types.NewError(types.ErrExternal,
				fmt.Sprintf("provider_http_%d", resp.StatusCode),
				strings.TrimSpace(string(snippet))),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return attemptResult{
			status:    resp.StatusCode,
			err:       types.WrapError(types.ErrExternal, "provider_body_read", rawURL, err),
			retryable: true,
		}
	}
	return attemptResult{body: body, status: resp.StatusCode}
}

// parseRetryAfter handles both forms of the header: delta seconds and
// an HTTP date.
func parseRetryAfter(h string) time.Duration {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
