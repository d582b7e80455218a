package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/david/opportunity-finder/internal/auth"
	"github.com/david/opportunity-finder/internal/cache"
)

type Tier string

const (
	TierAnonymous     Tier = "anonymous"
	TierAuthenticated Tier = "authenticated"
	TierAdmin         Tier = "admin"
)

const (
	aiKeyPrefix = "ai_rate_limit:"
	aiWindow    = 24 * time.Hour
	unlimited   = -1
)

// Caller is the identity and tier an AI request is charged to.
type Caller struct {
	ID   string
	Tier Tier
}

// Usage describes a caller's consumption in the current window.
type Usage struct {
	Tier      Tier      `json:"tier"`
	Limit     int       `json:"limit"`
	Used      int       `json:"used"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
	Unlimited bool      `json:"unlimited"`
}

// AILimiter enforces daily AI request quotas per tier. Counter store
// errors let the request through.
type AILimiter struct {
	counters cache.Backend
	limits   map[Tier]int
	isAdmin  func(echo.Context) bool
	log      logrus.FieldLogger
	now      func() time.Time
}

// NewAILimiter builds the tiered limiter. isAdmin may be nil.
func NewAILimiter(counters cache.Backend, anonymous, authenticated int, isAdmin func(echo.Context) bool, logger logrus.FieldLogger) *AILimiter {
	return &AILimiter{
		counters: counters,
		limits: map[Tier]int{
			TierAnonymous:     anonymous,
			TierAuthenticated: authenticated,
			TierAdmin:         unlimited,
		},
		isAdmin: isAdmin,
		log:     logger.WithField("component", "ai-ratelimit"),
		now:     time.Now,
	}
}

// ResolveCaller picks the user id from a bearer identity, else the client IP.
func (l *AILimiter) ResolveCaller(c echo.Context) Caller {
	if id, ok := auth.IdentityFromContext(c); ok {
		if id.IsAdmin() {
			return Caller{ID: id.UserID.String(), Tier: TierAdmin}
		}
		if l.isAdmin != nil && l.isAdmin(c) {
			return Caller{ID: id.UserID.String(), Tier: TierAdmin}
		}
		return Caller{ID: id.UserID.String(), Tier: TierAuthenticated}
	}
	if l.isAdmin != nil && l.isAdmin(c) {
		return Caller{ID: "admin", Tier: TierAdmin}
	}
	return Caller{ID: "ip:" + c.RealIP(), Tier: TierAnonymous}
}

func (l *AILimiter) key(caller Caller) string {
	return aiKeyPrefix + caller.ID
}

// Usage reports consumption without counting a request.
func (l *AILimiter) Usage(ctx context.Context, caller Caller) (Usage, error) {
	limit := l.limits[caller.Tier]
	if limit == unlimited {
		return Usage{Tier: caller.Tier, Limit: limit, Unlimited: true}, nil
	}
	u := Usage{Tier: caller.Tier, Limit: limit, Remaining: limit, ResetAt: l.now().Add(aiWindow)}
	if l.counters == nil {
		return u, nil
	}
	count, left, err := l.counters.Count(ctx, l.key(caller))
	if err != nil {
		return u, err
	}
	u.Used = int(count)
	u.Remaining = max(0, limit-int(count))
	if left > 0 {
		u.ResetAt = l.now().Add(left)
	}
	return u, nil
}

// Middleware checks the caller's quota before counting the request.
func (l *AILimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			caller := l.ResolveCaller(c)
			limit := l.limits[caller.Tier]
			if limit == unlimited || l.counters == nil {
				return next(c)
			}

			ctx := c.Request().Context()
			log := l.log.WithFields(logrus.Fields{"tier": caller.Tier, "caller": caller.ID})

			usage, err := l.Usage(ctx, caller)
			if err != nil {
				log.WithError(err).Error("AI usage lookup failed; allowing request")
				return next(c)
			}

			if usage.Used >= limit {
				log.WithField("used", usage.Used).Warn("AI rate limit exceeded")
				return c.JSON(http.StatusTooManyRequests, l.limitExceededBody(caller.Tier, usage))
			}

			used, _, err := l.counters.Incr(ctx, l.key(caller), aiWindow)
			if err != nil {
				log.WithError(err).Error("AI usage increment failed; allowing request")
				return next(c)
			}

			setHeaders(c, Decision{
				Limit:     limit,
				Remaining: max(0, limit-int(used)),
				ResetAt:   usage.ResetAt,
			})
			return next(c)
		}
	}
}

func (l *AILimiter) limitExceededBody(tier Tier, u Usage) map[string]interface{} {
	message := fmt.Sprintf("You have reached your daily limit of %d AI requests. Your limit resets at %s.",
		u.Limit, u.ResetAt.UTC().Format(time.RFC3339))
	upgrade := "Contact support for higher limits"
	if tier == TierAnonymous {
		message = fmt.Sprintf("Anonymous users are limited to %d AI requests per day. Sign in for more requests.", u.Limit)
		upgrade = fmt.Sprintf("Sign in for %d requests/day", l.limits[TierAuthenticated])
	}
	return map[string]interface{}{
		"success":     false,
		"error":       "AI request limit exceeded",
		"message":     message,
		"limit":       u.Limit,
		"used":        u.Used,
		"resetAt":     u.ResetAt.UTC().Format(time.RFC3339),
		"upgradeInfo": upgrade,
	}
}
