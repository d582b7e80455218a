package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

const healthTimeout = 3 * time.Second

func (s *Server) dbHealthy(ctx context.Context) bool {
	if s.deps.DB == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	if err := s.deps.DB.Ping(ctx); err != nil {
		s.log.WithError(err).Warn("database health check failed")
		return false
	}
	return true
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx := c.Request().Context()
	healthy := s.dbHealthy(ctx)

	status, code := "healthy", http.StatusOK
	database := "connected"
	if !healthy {
		status, code = "unhealthy", http.StatusServiceUnavailable
		database = "disconnected"
	}
	embeddings := "not configured"
	if s.deps.EmbeddingsEnabled {
		embeddings = "available"
	}

	return c.JSON(code, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"services": map[string]interface{}{
			"database":   database,
			"cache":      s.deps.Cache.Stats(ctx),
			"embeddings": embeddings,
		},
		"uptime": time.Since(s.started).Round(time.Second).Seconds(),
	})
}

func (s *Server) handleReady(c echo.Context) error {
	if s.dbHealthy(c.Request().Context()) {
		return c.JSON(http.StatusOK, map[string]bool{"ready": true})
	}
	return c.JSON(http.StatusServiceUnavailable, map[string]bool{"ready": false})
}

func (s *Server) handleLive(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]bool{"alive": true})
}
