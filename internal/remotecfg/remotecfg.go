// Package remotecfg resolves tunable product limits from a remote config
// endpoint, with a freshness window and a hardcoded fallback so the engine
// tolerates the endpoint's absence.
package remotecfg

import (
	"context"
	"fmt"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// Provider resolves the daily story-creation limit.
type Provider interface {
	DailyStoryLimit(ctx context.Context) int
}

// Static returns a fixed limit; used by tests and as the provider when no
// endpoint is configured.
type Static int

func (s Static) DailyStoryLimit(context.Context) int { return int(s) }

// Config controls the HTTP provider.
type Config struct {
	URL           string
	TTL           time.Duration // freshness window for a fetched value
	FallbackLimit int
	FetchTimeout  time.Duration
}

// HTTP fetches limits from a JSON config endpoint and caches them for the
// freshness window. Any fetch failure falls back to the last good value,
// then to the hardcoded default.
type HTTP struct {
	cfg   Config
	http  *resty.Client
	log   zerolog.Logger
	clock func() time.Time

	mu        sync.Mutex
	limit     int
	fetchedAt time.Time
}

type payload struct {
	DailyStoryLimit int `json:"dailyStoryLimit"`
}

// NewHTTP constructs the HTTP provider.
func NewHTTP(cfg Config, log zerolog.Logger) *HTTP {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	return &HTTP{
		cfg:   cfg,
		http:  resty.New().SetTimeout(cfg.FetchTimeout),
		log:   log,
		clock: time.Now,
	}
}

// DailyStoryLimit returns the cached limit while fresh, refetching once the
// window lapses. Never fails: staleness plus fetch failure degrades to the
// last good value or the fallback.
func (h *HTTP) DailyStoryLimit(ctx context.Context) int {
	h.mu.Lock()
	fresh := !h.fetchedAt.IsZero() && h.clock().Sub(h.fetchedAt) < h.cfg.TTL
	cached := h.limit
	h.mu.Unlock()
	if fresh {
		return cached
	}

	limit, err := h.fetch(ctx)
	if err != nil {
		h.log.Warn().Err(err).Msg("remote config fetch failed, using fallback limit")
		if cached > 0 {
			return cached
		}
		return h.cfg.FallbackLimit
	}

	h.mu.Lock()
	h.limit = limit
	h.fetchedAt = h.clock()
	h.mu.Unlock()
	return limit
}

// fetch retries a fixed number of times with constant backoff, the engine's
// idiom for transient external calls.
func (h *HTTP) fetch(ctx context.Context) (int, error) {
	if h.cfg.URL == "" {
		return 0, fmt.Errorf("no remote config URL configured")
	}

	var out payload
	op := func() error {
		resp, err := h.http.R().
			SetContext(ctx).
			SetResult(&out).
			Get(h.cfg.URL)
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("remote config returned %s", resp.Status())
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(300*time.Millisecond), 2), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return 0, err
	}
	if out.DailyStoryLimit <= 0 {
		return 0, fmt.Errorf("remote config returned invalid limit %d", out.DailyStoryLimit)
	}
	return out.DailyStoryLimit, nil
}
