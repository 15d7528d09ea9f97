package proxy

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/Polly2014/CopilotX/pkg/apierr"
	"github.com/Polly2014/CopilotX/pkg/provider"
)

const (
	upstreamHealthCheckInterval = 15 * time.Minute
	upstreamHealthRetryInterval = 30 * time.Second
)

const (
	HealthOnline      = "online"
	HealthOffline     = "offline"
	HealthAuthProblem = "auth problem"
	HealthRateLimited = "rate limited"
	HealthUnknown     = "unknown"
)

type UpstreamHealth struct {
	Status     string    `json:"status"`
	ResponseMS int64     `json:"response_ms"`
	ModelCount int       `json:"model_count"`
	CheckedAt  time.Time `json:"checked_at,omitzero"`
	// ModelsCachedAt is when the cached model listing was fetched.
	ModelsCachedAt time.Time `json:"models_cached_at,omitzero"`
}

// UpstreamHealthChecker keeps the access token warm and records how the
// upstream last answered, either to its own model listing or to proxied
// requests.
type UpstreamHealthChecker struct {
	tokens   TokenManager
	models   ModelRegistry
	interval time.Duration
	retry    time.Duration
	poll     time.Duration
	now      func() time.Time

	mu      sync.RWMutex
	snap    UpstreamHealth
	has     bool
	forceCh chan struct{}
}

func NewUpstreamHealthChecker(tokens TokenManager, models ModelRegistry, interval time.Duration) *UpstreamHealthChecker {
	if interval <= 0 {
		interval = upstreamHealthCheckInterval
	}
	poll := upstreamHealthRetryInterval
	if interval < poll {
		poll = interval
	}
	return &UpstreamHealthChecker{
		tokens:   tokens,
		models:   models,
		interval: interval,
		retry:    upstreamHealthRetryInterval,
		poll:     poll,
		now:      time.Now,
		forceCh:  make(chan struct{}, 1),
	}
}

func (c *UpstreamHealthChecker) Run(ctx context.Context) {
	if c == nil || c.tokens == nil {
		return
	}
	c.checkOnce(ctx, false)
	t := time.NewTicker(c.poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.checkOnce(ctx, false)
		case <-c.forceCh:
			c.checkOnce(ctx, true)
		}
	}
}

func (c *UpstreamHealthChecker) Trigger() {
	if c == nil {
		return
	}
	select {
	case c.forceCh <- struct{}{}:
	default:
	}
}

func (c *UpstreamHealthChecker) Snapshot() UpstreamHealth {
	if c == nil {
		return UpstreamHealth{Status: HealthUnknown}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.has {
		return UpstreamHealth{Status: HealthUnknown}
	}
	return c.snap
}

// RecordProxyResult folds the outcome of a proxied call into the snapshot.
func (c *UpstreamHealthChecker) RecordProxyResult(latency time.Duration, statusCode int, reqErr error) {
	if c == nil {
		return
	}
	snap := UpstreamHealth{
		Status:     statusFor(statusCode, reqErr),
		ResponseMS: latency.Milliseconds(),
		CheckedAt:  c.now().UTC(),
	}
	c.mu.Lock()
	if c.has {
		snap.ModelCount = c.snap.ModelCount
	}
	c.snap, c.has = snap, true
	c.mu.Unlock()
}

func statusFor(statusCode int, err error) string {
	var authErr *apierr.AuthenticationError
	switch {
	case errors.As(err, &authErr), provider.IsAuthError(err):
		return HealthAuthProblem
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return HealthAuthProblem
	case provider.IsRateLimited(err), statusCode == http.StatusTooManyRequests:
		return HealthRateLimited
	case err != nil:
		return HealthOffline
	}
	return HealthOnline
}

func (c *UpstreamHealthChecker) shouldCheck(now time.Time, force bool) bool {
	if force {
		return true
	}
	c.mu.RLock()
	snap, ok := c.snap, c.has
	c.mu.RUnlock()
	if !ok || snap.CheckedAt.IsZero() {
		return true
	}
	age := now.Sub(snap.CheckedAt)
	if age < 0 {
		age = 0
	}
	if snap.Status == HealthOnline {
		return age >= c.interval
	}
	return age >= c.retry
}

func (c *UpstreamHealthChecker) checkOnce(parent context.Context, force bool) {
	ctx, cancel := context.WithTimeout(parent, time.Minute)
	defer cancel()

	// Token refreshes proactively inside its margin, so polling it keeps the
	// first request after an idle period from paying for the exchange.
	if _, err := c.tokens.Token(ctx); err != nil {
		logger.Debug("token warm-up failed", "err", err)
	}
	if c.models == nil || !c.shouldCheck(c.now(), force) {
		return
	}
	start := c.now()
	models, err := c.models.List(ctx, true)
	snap := UpstreamHealth{
		Status:     statusFor(0, err),
		ResponseMS: c.now().Sub(start).Milliseconds(),
		ModelCount: len(models),
		CheckedAt:  c.now().UTC(),
	}
	c.mu.Lock()
	c.snap, c.has = snap, true
	c.mu.Unlock()
}
