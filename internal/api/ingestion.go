package api

import (
	"context"
	"errors"
	"html"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/david/opportunity-finder/internal/db"
	"github.com/david/opportunity-finder/internal/ingest"
	"github.com/david/opportunity-finder/internal/security"
)

const (
	defaultLogLimit     = 20
	maxLogLimit         = 100
	maxEmbeddingRequest = 1000
)

// validFeedURL is the request-shape check; the outbound guard runs later.
func validFeedURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// detached keeps long-running admin work alive if the client disconnects.
func detached(c echo.Context) context.Context {
	return context.WithoutCancel(c.Request().Context())
}

func (s *Server) handleRunIngestion(c echo.Context) error {
	s.log.Info("[ingestion] manual run triggered via API")

	result, err := s.deps.Ingest.RunFullIngestion(detached(c))
	if errors.Is(err, ingest.ErrRunInProgress) {
		return fail(c, http.StatusConflict, "Ingestion run already in progress", nil)
	}
	if err != nil {
		s.log.WithError(err).Error("[ingestion] run failed")
		return fail(c, http.StatusInternalServerError, "Ingestion run failed", err.Error())
	}
	return ok(c, map[string]interface{}{
		"sourcesProcessed":    len(result.Sources),
		"totalFetched":        result.TotalFetched,
		"totalInserted":       result.TotalInserted,
		"totalSkipped":        result.TotalSkipped,
		"totalFailed":         result.TotalFailed,
		"embeddingsGenerated": result.EmbeddingsGenerated,
		"results":             result.Sources,
	}, nil)
}

type feedRequest struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

func (s *Server) handleIngestFeed(c echo.Context) error {
	var req feedRequest
	if err := c.Bind(&req); err != nil || !validFeedURL(req.URL) {
		return fail(c, http.StatusBadRequest, "Invalid request body", []string{"url: must be a valid http(s) URL"})
	}

	name := s.plainText(req.Name)
	s.log.WithField("url", security.RedactURL(req.URL)).WithField("name", name).Info("[ingestion] processing single feed")

	result, err := s.deps.Ingest.ProcessRssURL(detached(c), req.URL, name)
	var unsafe *security.UnsafeURLError
	if errors.As(err, &unsafe) {
		return fail(c, http.StatusBadRequest, unsafe.Error(), nil)
	}
	if err != nil {
		s.log.WithError(err).Error("[ingestion] feed processing failed")
		return fail(c, http.StatusInternalServerError, "Feed processing failed", nil)
	}
	return ok(c, result, nil)
}

type embeddingsRequest struct {
	Limit int `json:"limit"`
}

func (s *Server) handleGenerateEmbeddings(c echo.Context) error {
	var req embeddingsRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return fail(c, http.StatusBadRequest, "Invalid request body", nil)
		}
	}
	limit := req.Limit
	if limit <= 0 {
		limit = ingest.RunEmbeddingLimit
	}
	limit = min(limit, maxEmbeddingRequest)

	s.log.WithField("limit", limit).Info("[embeddings] generating via API")
	n, err := s.deps.Ingest.GenerateEmbeddingsForNew(detached(c), limit)
	if err != nil {
		s.log.WithError(err).Error("[embeddings] generation failed")
		return fail(c, http.StatusInternalServerError, "Embedding generation failed", nil)
	}
	return ok(c, map[string]int{"embeddingsGenerated": n}, nil)
}

func (s *Server) handleListSources(c echo.Context) error {
	activeOnly := c.QueryParam("active") == "true"
	sources, err := s.deps.Sources.ListSources(c.Request().Context(), activeOnly)
	if err != nil {
		s.log.WithError(err).Error("failed to fetch sources")
		return fail(c, http.StatusInternalServerError, "Failed to fetch sources", nil)
	}
	return ok(c, sources, map[string]int{"count": len(sources)})
}

type createSourceRequest struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	IsActive *bool  `json:"is_active"`
}

func (s *Server) handleCreateSource(c echo.Context) error {
	var req createSourceRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "Invalid request body", nil)
	}
	name := s.plainText(req.Name)
	var problems []string
	if name == "" {
		problems = append(problems, "name: is required")
	}
	if !validFeedURL(req.URL) {
		problems = append(problems, "url: must be a valid http(s) URL")
	}
	if len(problems) > 0 {
		return fail(c, http.StatusBadRequest, "Invalid request body", problems)
	}

	ctx := c.Request().Context()
	validation := s.deps.Feeds.ValidateFeed(ctx, req.URL)
	if !validation.Valid {
		return fail(c, http.StatusBadRequest, "Invalid RSS feed", validation.Error)
	}

	source, err := s.deps.Sources.CreateSource(ctx, name, req.URL)
	if errors.Is(err, db.ErrDuplicateSource) {
		return fail(c, http.StatusConflict, "RSS source with this URL already exists", nil)
	}
	if err != nil {
		s.log.WithError(err).Error("failed to add source")
		return fail(c, http.StatusInternalServerError, "Failed to add source", nil)
	}
	if req.IsActive != nil && !*req.IsActive {
		if source, err = s.deps.Sources.SetSourceActive(ctx, source.ID, false); err != nil {
			s.log.WithError(err).Error("failed to deactivate new source")
			return fail(c, http.StatusInternalServerError, "Failed to add source", nil)
		}
	}

	s.log.WithField("name", name).WithField("url", security.RedactURL(req.URL)).Info("added RSS source")
	return created(c, source, map[string]interface{}{
		"feedTitle": validation.FeedTitle,
		"itemCount": validation.ItemCount,
	})
}

type updateSourceRequest struct {
	IsActive *bool `json:"is_active"`
}

func (s *Server) handleUpdateSource(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "Invalid source id", nil)
	}
	var req updateSourceRequest
	if err := c.Bind(&req); err != nil || req.IsActive == nil {
		return fail(c, http.StatusBadRequest, "Invalid request body", []string{"is_active: is required"})
	}

	source, err := s.deps.Sources.SetSourceActive(c.Request().Context(), id, *req.IsActive)
	if errors.Is(err, db.ErrNotFound) {
		return fail(c, http.StatusNotFound, "Source not found", nil)
	}
	if err != nil {
		s.log.WithError(err).WithField("id", id).Error("failed to update source")
		return fail(c, http.StatusInternalServerError, "Failed to update source", nil)
	}
	return ok(c, source, nil)
}

type validateRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleValidateFeed(c echo.Context) error {
	var req validateRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.URL) == "" {
		return fail(c, http.StatusBadRequest, "URL is required", nil)
	}

	validation := s.deps.Feeds.ValidateFeed(c.Request().Context(), req.URL)
	return ok(c, map[string]interface{}{
		"valid":     validation.Valid,
		"feedTitle": validation.FeedTitle,
		"itemCount": validation.ItemCount,
		"error":     validation.Error,
		"metadata":  validation.Metadata,
	}, nil)
}

func (s *Server) handleIngestionLogs(c echo.Context) error {
	limit := defaultLogLimit
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, maxLogLimit)
		}
	}
	logs, err := s.deps.Sources.RecentIngestionLogs(c.Request().Context(), limit)
	if err != nil {
		s.log.WithError(err).Error("failed to fetch ingestion logs")
		return fail(c, http.StatusInternalServerError, "Failed to fetch ingestion logs", nil)
	}
	return ok(c, logs, map[string]int{"count": len(logs)})
}

// plainText strips markup from a user-supplied label. The policy escapes
// entities, which would otherwise be stored as literal "&amp;".
func (s *Server) plainText(v string) string {
	return strings.TrimSpace(html.UnescapeString(s.sanitizer.Sanitize(v)))
}
