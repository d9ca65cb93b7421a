package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/aspect-build/authgate/internal/logx"
	"github.com/gin-gonic/gin"
	"github.com/juju/clock"
)

// HealthCache memoizes the result of a dependency check for a bounded time.
type HealthCache struct {
	check   func(context.Context) error
	ttl     time.Duration
	timeout time.Duration
	clock   clock.Clock

	mu        sync.Mutex
	checkedAt time.Time
	last      error
	valid     bool
}

// NewHealthCache caches check results for ttl. Each check runs under timeout
// so a hung dependency cannot hold the cache lock indefinitely.
func NewHealthCache(check func(context.Context) error, ttl, timeout time.Duration, clk clock.Clock) *HealthCache {
	if clk == nil {
		clk = clock.WallClock
	}
	return &HealthCache{check: check, ttl: ttl, timeout: timeout, clock: clk}
}

// Check returns the cached result, re-running the check once the TTL lapses.
func (h *HealthCache) Check(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.clock.Now()
	if h.valid && now.Sub(h.checkedAt) < h.ttl {
		return h.last
	}
	ctx, cancel := withDBTimeout(ctx, h.timeout)
	defer cancel()
	h.last = h.check(ctx)
	h.checkedAt = now
	h.valid = true
	if h.last != nil {
		logx.Warnf("health: dependency check failed: %v", h.last)
	}
	return h.last
}

// Invalidate forces the next Check to run the dependency check.
func (h *HealthCache) Invalidate() {
	h.mu.Lock()
	h.valid = false
	h.mu.Unlock()
}

// withDBTimeout bounds a datastore call. A non-positive timeout leaves only
// the caller's deadline in place.
func withDBTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// HandleHealth handles GET /healthz.
func HandleHealth(h *HealthCache) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.Check(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
