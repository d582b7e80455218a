package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/david/opportunity-finder/internal/db"
	"github.com/david/opportunity-finder/internal/models"
	"github.com/david/opportunity-finder/internal/search"
)

// parseListQuery reads filters and paging, reporting each invalid
// parameter instead of silently clamping.
func parseListQuery(c echo.Context) (search.Params, []string) {
	p := search.Params{
		Query:   firstQuery(c, "q", "query", "keyword"),
		Type:    strings.TrimSpace(c.QueryParam("type")),
		Field:   strings.TrimSpace(c.QueryParam("field")),
		Country: strings.TrimSpace(c.QueryParam("country")),
		Limit:   search.DefaultLimit,
	}
	var problems []string

	if p.Type != "" && !models.IsValidType(p.Type) {
		problems = append(problems, fmt.Sprintf("type: must be one of %s", typeList()))
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > search.MaxLimit {
			problems = append(problems, fmt.Sprintf("limit: must be an integer between 1 and %d", search.MaxLimit))
		} else {
			p.Limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			problems = append(problems, "offset: must be a non-negative integer")
		} else {
			p.Offset = n
		}
	}
	return p, problems
}

func firstQuery(c echo.Context, names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(c.QueryParam(n)); v != "" {
			return v
		}
	}
	return ""
}

func typeList() string {
	names := make([]string, len(models.OpportunityTypes))
	for i, t := range models.OpportunityTypes {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

func (s *Server) handleListOpportunities(c echo.Context) error {
	p, problems := parseListQuery(c)
	if len(problems) > 0 {
		return fail(c, http.StatusBadRequest, "Invalid query parameters", problems)
	}

	result, cached, err := s.deps.Search.List(c.Request().Context(), p)
	if err != nil {
		s.log.WithError(err).Error("failed to list opportunities")
		return fail(c, http.StatusInternalServerError, "Failed to fetch opportunities", nil)
	}
	return ok(c, result.Opportunities, map[string]interface{}{
		"count":  len(result.Opportunities),
		"total":  result.Total,
		"limit":  p.Limit,
		"offset": p.Offset,
		"cached": cached,
	})
}

func (s *Server) handleSearch(c echo.Context) error {
	p, problems := parseListQuery(c)
	if len(problems) > 0 {
		return fail(c, http.StatusBadRequest, "Invalid query parameters", problems)
	}
	if p.Query == "" {
		return fail(c, http.StatusBadRequest, "Search query is required", nil)
	}
	p.Mode = strings.ToLower(strings.TrimSpace(c.QueryParam("mode")))
	if !search.IsValidMode(p.Mode) {
		return fail(c, http.StatusBadRequest, "Invalid query parameters",
			[]string{fmt.Sprintf("mode: must be one of %s, %s", search.ModeSmart, search.ModeSemantic)})
	}

	res, err := s.deps.Search.Search(c.Request().Context(), p)
	if err != nil {
		s.log.WithError(err).Error("search failed")
		return fail(c, http.StatusInternalServerError, "Search failed", nil)
	}
	return ok(c, res.Opportunities, map[string]interface{}{
		"count":  len(res.Opportunities),
		"limit":  p.Limit,
		"offset": p.Offset,
		"cached": res.Cached,
		"query":  s.sanitizer.Sanitize(p.Query),
		"detectedFilters": map[string]string{
			"type":    res.DetectedFilters.Type,
			"field":   res.DetectedFilters.Field,
			"country": res.DetectedFilters.Country,
		},
	})
}

type chatSearchRequest struct {
	Query   string `json:"query"`
	Type    string `json:"type"`
	Field   string `json:"field"`
	Country string `json:"country"`
	Limit   int    `json:"limit"`
}

func (s *Server) handleChatSearch(c echo.Context) error {
	var req chatSearchRequest
	if err := c.Bind(&req); err != nil {
		return fail(c, http.StatusBadRequest, "Invalid request body", nil)
	}
	if strings.TrimSpace(req.Query) == "" {
		return fail(c, http.StatusBadRequest, "Query is required", nil)
	}
	if req.Type != "" && !models.IsValidType(req.Type) {
		return fail(c, http.StatusBadRequest, "Invalid request body", []string{"type: must be one of " + typeList()})
	}

	res, err := s.deps.Search.SearchForChat(c.Request().Context(), req.Query, search.ChatOptions{
		Type:    req.Type,
		Field:   req.Field,
		Country: req.Country,
		Limit:   min(max(req.Limit, 0), search.MaxLimit),
	})
	if err != nil {
		s.log.WithError(err).Error("chat search failed")
		return fail(c, http.StatusInternalServerError, "Chat search failed", nil)
	}
	return ok(c, res, nil)
}

func (s *Server) handleAIUsage(c echo.Context) error {
	caller := s.aiLimit.ResolveCaller(c)
	usage, err := s.aiLimit.Usage(c.Request().Context(), caller)
	if err != nil {
		s.log.WithError(err).Warn("failed to read AI usage")
	}
	return ok(c, usage, nil)
}

func (s *Server) handleStats(c echo.Context) error {
	stats, cached, err := s.deps.Search.Stats(c.Request().Context())
	if err != nil {
		s.log.WithError(err).Error("failed to get stats")
		return fail(c, http.StatusInternalServerError, "Failed to get statistics", nil)
	}
	return ok(c, stats, map[string]bool{"cached": cached})
}

type option struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

func (s *Server) handleTypes(c echo.Context) error {
	opts := make([]option, 0, len(models.OpportunityTypes))
	for _, t := range models.OpportunityTypes {
		v := string(t)
		opts = append(opts, option{Value: v, Label: strings.ToUpper(v[:1]) + v[1:]})
	}
	return ok(c, opts, nil)
}

func (s *Server) handleFields(c echo.Context) error {
	fields := s.deps.Classifier.Fields()
	opts := make([]option, 0, len(fields))
	for _, f := range fields {
		opts = append(opts, option{Value: f, Label: f})
	}
	return ok(c, opts, nil)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	return uuid.Parse(c.Param("id"))
}

func (s *Server) handleGetOpportunity(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "Invalid opportunity id", nil)
	}
	opp, cached, err := s.deps.Search.Get(c.Request().Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		return fail(c, http.StatusNotFound, "Opportunity not found", nil)
	}
	if err != nil {
		s.log.WithError(err).WithField("id", id).Error("failed to get opportunity")
		return fail(c, http.StatusInternalServerError, "Failed to fetch opportunity", nil)
	}
	return ok(c, opp, map[string]bool{"cached": cached})
}

func (s *Server) handleRelated(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return fail(c, http.StatusBadRequest, "Invalid opportunity id", nil)
	}
	limit := search.RelatedLimit
	if v := c.QueryParam("limit"); v != "" {
		n, convErr := strconv.Atoi(v)
		if convErr != nil || n < 1 || n > search.MaxLimit {
			return fail(c, http.StatusBadRequest, "Invalid query parameters",
				[]string{fmt.Sprintf("limit: must be an integer between 1 and %d", search.MaxLimit)})
		}
		limit = n
	}

	related, err := s.deps.Search.Related(c.Request().Context(), id, limit)
	if errors.Is(err, db.ErrNotFound) {
		return fail(c, http.StatusNotFound, "Opportunity not found", nil)
	}
	if err != nil {
		s.log.WithError(err).WithField("id", id).Error("failed to get related opportunities")
		return fail(c, http.StatusInternalServerError, "Failed to fetch related opportunities", nil)
	}
	return ok(c, related, map[string]int{"count": len(related)})
}
