// Package ratelimit provides fixed-window request limiters per route class
// and a tiered daily limiter for AI-cost-bearing endpoints.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/david/opportunity-finder/internal/cache"
)

// ErrLimitExceeded is returned by Allow when the window is exhausted.
var ErrLimitExceeded = errors.New("rate limit exceeded")

// Decision is the outcome of one limiter check.
type Decision struct {
	Allowed   bool
	Limit     int
	Used      int
	Remaining int
	ResetAt   time.Time
}

// Limiter is a fixed-window counter keyed by route class and client.
// Counter store errors block the request.
type Limiter struct {
	class    string
	max      int
	window   time.Duration
	message  string
	counters cache.Backend
	log      logrus.FieldLogger
	now      func() time.Time
}

// New returns a limiter for class. A nil counter store disables it.
func New(class string, max int, window time.Duration, message string, counters cache.Backend, logger logrus.FieldLogger) *Limiter {
	if message == "" {
		message = "Too many requests, please try again later."
	}
	return &Limiter{
		class:    class,
		max:      max,
		window:   window,
		message:  message,
		counters: counters,
		log:      logger.WithField("component", "ratelimit").WithField("class", class),
		now:      time.Now,
	}
}

func (l *Limiter) key(identity string) string {
	return fmt.Sprintf("ratelimit:%s:%s", l.class, identity)
}

// Allow counts one request for identity.
func (l *Limiter) Allow(ctx context.Context, identity string) (Decision, error) {
	count, left, err := l.counters.Incr(ctx, l.key(identity), l.window)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit counter: %w", err)
	}
	d := Decision{
		Limit:     l.max,
		Used:      int(count),
		Remaining: max(0, l.max-int(count)),
		ResetAt:   l.now().Add(left),
	}
	if int(count) > l.max {
		return d, ErrLimitExceeded
	}
	d.Allowed = true
	return d, nil
}

// Middleware enforces the limiter per client IP.
func (l *Limiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if l == nil || l.counters == nil {
				return next(c)
			}
			d, err := l.Allow(c.Request().Context(), c.RealIP())
			if err != nil && !errors.Is(err, ErrLimitExceeded) {
				l.log.WithError(err).Error("rate limit store unavailable; blocking request")
				return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
					"success": false,
					"error":   "Rate limiting unavailable, please retry shortly.",
				})
			}
			setHeaders(c, d)
			if !d.Allowed {
				l.log.WithField("ip", c.RealIP()).Warn("rate limit exceeded")
				c.Response().Header().Set("Retry-After", strconv.Itoa(int(time.Until(d.ResetAt).Seconds())+1))
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"success": false,
					"error":   l.message,
					"resetAt": d.ResetAt.UTC().Format(time.RFC3339),
				})
			}
			return next(c)
		}
	}
}

func setHeaders(c echo.Context, d Decision) {
	h := c.Response().Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}
