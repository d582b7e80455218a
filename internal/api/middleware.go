package api

import (
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/david/opportunity-finder/internal/auth"
	"github.com/david/opportunity-finder/internal/security"
)

// requestLogger logs one line per request with secrets removed from the query.
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURIPath:  true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			entry := s.log.WithFields(logrus.Fields{
				"status":   v.Status,
				"duration": v.Latency.String(),
				"ip":       v.RemoteIP,
			})
			if q := c.Request().URL.Query(); len(q) > 0 {
				entry = entry.WithField("query", security.RedactQuery(q).Encode())
			}
			entry.Infof("%s %s", v.Method, v.URIPath)
			return nil
		},
	})
}

func securityHeaders() echo.MiddlewareFunc {
	secure := middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:      "0",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		ReferrerPolicy:     "no-referrer",
	})
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return secure(func(c echo.Context) error {
			c.Response().Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		})
	}
}

// cors allows the configured origins. Outside production an empty list
// allows any origin and localhost origins are always accepted. A browser
// request from any other origin is refused.
func (s *Server) cors() echo.MiddlewareFunc {
	allowed := s.cfg.CORSAllowedOrigins
	production := s.cfg.IsProduction()

	isAllowed := func(origin string) bool {
		if origin == "" || slices.Contains(allowed, origin) {
			return true
		}
		if production {
			return false
		}
		if len(allowed) == 0 {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && (u.Hostname() == "localhost" || u.Hostname() == "127.0.0.1")
	}

	handler := middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOriginFunc: func(origin string) (bool, error) { return isAllowed(origin), nil },
		AllowMethods:    []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{
			echo.HeaderOrigin, "X-Requested-With", echo.HeaderContentType,
			echo.HeaderAccept, echo.HeaderAuthorization, auth.AdminKeyHeader,
		},
		ExposeHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
	})

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		h := handler(next)
		return func(c echo.Context) error {
			origin := strings.TrimSpace(c.Request().Header.Get(echo.HeaderOrigin))
			if !isAllowed(origin) {
				return fail(c, http.StatusForbidden, "Origin not allowed", nil)
			}
			return h(c)
		}
	}
}
