// Package fetch implements the rate-limit-aware GovInfo client. Every
// request attempt that reaches the network consumes one slot of the shared
// rolling-window budget; a remote throttle signal exhausts the window and
// surfaces as ErrRateLimited so the coordinator can suspend the source.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/legnlp/crecpipe/internal/cache"
	"github.com/legnlp/crecpipe/internal/model"
)

var (
	// ErrRateLimited is a control signal, not a failure: the caller should
	// suspend issuance for the configured cool-down and resume from its
	// cursor.
	ErrRateLimited = errors.New("rate limited")

	// ErrNotFound maps a remote 404 onto a skippable condition.
	ErrNotFound = errors.New("not found")
)

// Fetcher issues paginated requests against the GovInfo API.
type Fetcher struct {
	client      *http.Client
	baseURL     string
	apiKey      string
	userAgent   string
	pageSize    int
	maxBytes    int64
	budget      *Budget
	pacer       *hostPacer
	pages       cache.Cache // nil disables caching
	cacheTTL    time.Duration
	coolDown    time.Duration
	robots      *RobotsChecker
	maxAttempts int
	retryBase   time.Duration
	logger      *slog.Logger
}

// New creates a Fetcher. budget is required; pages may be nil.
func New(api model.APIConfig, rl model.RateLimitConfig, ing model.IngestConfig, budget *Budget, pages cache.Cache) *Fetcher {
	attempts := ing.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Fetcher{
		client: &http.Client{
			Timeout:   api.Timeout,
			Transport: &http.Transport{Proxy: proxyFunc(api.HTTPProxy, api.HTTPSProxy)},
		},
		baseURL:     api.BaseURL,
		apiKey:      api.APIKey,
		userAgent:   api.UserAgent,
		pageSize:    api.PageSize,
		maxBytes:    api.MaxBodyBytes,
		budget:      budget,
		pacer:       newHostPacer(rl.RequestsPerSecond, rl.Burst),
		pages:       pages,
		cacheTTL:    0, // cache layer default
		coolDown:    rl.CoolDown,
		robots:      NewRobotsChecker(api.UserAgent, api.Timeout),
		maxAttempts: attempts,
		retryBase:   ing.RetryBaseDelay,
		logger:      slog.Default(),
	}
}

// get fetches a URL with pacing, budget accounting, bounded retries and
// page caching. Transient failures (network errors, 5xx) are retried with
// exponential backoff; 429 exhausts the budget and returns ErrRateLimited
// immediately.
func (f *Fetcher) get(ctx context.Context, rawURL string, params url.Values) ([]byte, error) {
	key := cache.Key(rawURL, params)
	if f.pages != nil {
		if body, ok := f.pages.Get(key); ok {
			return body, nil
		}
	}

	full := rawURL
	q := url.Values{}
	for k, vals := range params {
		q[k] = vals
	}
	if f.apiKey != "" {
		q.Set("api_key", f.apiKey)
	}
	if len(q) > 0 {
		full = rawURL + "?" + q.Encode()
	}

	var lastErr error
	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, backoffDelay(f.retryBase, attempt-1)); err != nil {
				return nil, err
			}
		}
		if err := f.pacer.Wait(ctx, rawURL); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("User-Agent", f.userAgent)
		req.Header.Set("Accept", "application/json, text/html;q=0.9, */*;q=0.8")

		// Reserved only once the request is ready to go on the wire, so a
		// malformed URL never spends a budget slot.
		if err := f.budget.Reserve(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRateLimited, err)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("fetch: %w", err)
			f.logger.Debug("transient fetch failure", "url", rawURL, "attempt", attempt, "error", err)
			continue
		}

		body, status, err := readBody(resp, f.maxBytes)
		switch {
		case status == http.StatusOK && err == nil:
			if f.pages != nil {
				_ = f.pages.Set(key, body, f.cacheTTL)
			}
			return body, nil
		case status == http.StatusTooManyRequests:
			f.budget.Exhaust(f.coolDown)
			return nil, fmt.Errorf("%w: remote throttle (429)", ErrRateLimited)
		case status == http.StatusNotFound:
			return nil, fmt.Errorf("%w: %s", ErrNotFound, rawURL)
		case err != nil:
			lastErr = fmt.Errorf("read body: %w", err)
		default:
			lastErr = fmt.Errorf("unexpected status: %d", status)
		}
		f.logger.Debug("retryable fetch failure", "url", rawURL, "attempt", attempt, "error", lastErr)
	}
	return nil, fmt.Errorf("attempts exhausted: %w", lastErr)
}

func readBody(resp *http.Response, maxBytes int64) ([]byte, int, error) {
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	return body, resp.StatusCode, err
}

// backoffDelay returns retryBase * 2^(retries-1).
func backoffDelay(base time.Duration, retries int) time.Duration {
	d := base
	for i := 1; i < retries; i++ {
		d *= 2
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
