package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
)

const AdminKeyHeader = "X-API-Key"

// AdminGate checks the static admin API key.
type AdminGate struct {
	key        string
	production bool
	log        logrus.FieldLogger
}

func NewAdminGate(key string, production bool, logger logrus.FieldLogger) *AdminGate {
	return &AdminGate{key: strings.TrimSpace(key), production: production, log: logger}
}

func providedKey(c echo.Context) string {
	if k := c.Request().Header.Get(AdminKeyHeader); k != "" {
		return k
	}
	return c.QueryParam("apiKey")
}

// IsAdmin reports whether the request carries the configured admin key.
func (g *AdminGate) IsAdmin(c echo.Context) bool {
	if g.key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(providedKey(c)), []byte(g.key)) == 1
}

// Middleware rejects requests without the admin key. With no key configured
// it allows access in development and refuses it in production.
func (g *AdminGate) Middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if g.key == "" {
			if g.production {
				g.log.Error("ADMIN_API_KEY is not set; refusing admin request")
				return c.JSON(http.StatusInternalServerError, map[string]interface{}{
					"success": false,
					"error":   "Server not configured for admin access",
				})
			}
			return next(c)
		}
		if !g.IsAdmin(c) {
			g.log.WithField("ip", c.RealIP()).Warn("unauthorized admin access attempt")
			return c.JSON(http.StatusUnauthorized, map[string]interface{}{
				"success": false,
				"error":   "Unauthorized admin access",
			})
		}
		return next(c)
	}
}
