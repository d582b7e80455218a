package search

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/david/opportunity-finder/internal/models"
)

const snippetLength = 150

// ChatOptions are explicit filters that override detected intent.
type ChatOptions struct {
	Type    string `json:"type,omitempty"`
	Field   string `json:"field,omitempty"`
	Country string `json:"country,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

type ChatResult struct {
	Results           []models.Opportunity `json:"results"`
	FormattedResponse string               `json:"formattedResponse"`
	Intent            Intent               `json:"intent"`
}

// SearchForChat turns free text into a filtered search and a markdown
// summary of the top results.
func (s *Service) SearchForChat(ctx context.Context, query string, opts ChatOptions) (*ChatResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	intent := s.ParseIntent(query)

	p := Params{
		Query:   firstNonEmpty(intent.Keywords, query),
		Type:    firstNonEmpty(opts.Type, intent.Type),
		Field:   firstNonEmpty(opts.Field, intent.Field),
		Country: firstNonEmpty(opts.Country, intent.Country),
		Limit:   opts.Limit,
	}
	if p.Limit <= 0 {
		p.Limit = DefaultChatLimit
	}

	s.log.WithField("query", query).WithField("intent", intent).Info("searching for chat")

	results, err := s.SmartSearch(ctx, p)
	if err != nil {
		return nil, err
	}
	return &ChatResult{
		Results:           results,
		FormattedResponse: FormatResultsForChat(results, ChatDisplayLimit),
		Intent:            intent,
	}, nil
}

// FormatResultsForChat renders up to maxResults opportunities as markdown.
func FormatResultsForChat(results []models.Opportunity, maxResults int) string {
	if len(results) == 0 {
		return "No opportunities found matching your criteria. Try broadening your search or using different keywords."
	}
	if maxResults <= 0 {
		maxResults = ChatDisplayLimit
	}
	shown := results[:min(maxResults, len(results))]

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d opportunities. Here are the top %d:\n\n", len(results), len(shown))

	for i, opp := range shown {
		match := ""
		if opp.Similarity != nil && *opp.Similarity > 0 {
			match = fmt.Sprintf(" (%d%% match)", int(math.Round(*opp.Similarity*100)))
		}
		fmt.Fprintf(&b, "**%d. %s**%s\n", i+1, opp.Title, match)

		if opp.Organization != nil && *opp.Organization != "" {
			fmt.Fprintf(&b, "   %s\n", *opp.Organization)
		}

		var details []string
		if opp.Type != "" {
			details = append(details, capitalizeFirst(string(opp.Type)))
		}
		if opp.Field != "" {
			details = append(details, opp.Field)
		}
		if opp.Country != "" {
			details = append(details, opp.Country)
		}
		if len(details) > 0 {
			fmt.Fprintf(&b, "   %s\n", strings.Join(details, " | "))
		}

		if opp.Description != "" {
			fmt.Fprintf(&b, "   %s\n", snippet(opp.Description, snippetLength))
		}

		fmt.Fprintf(&b, "   [Read more](%s)\n\n", opp.URL)
	}

	if len(results) > maxResults {
		fmt.Fprintf(&b, "_... and %d more opportunities._", len(results)-maxResults)
	}
	return b.String()
}

func snippet(text string, n int) string {
	if utf8.RuneCountInString(text) <= n {
		return text
	}
	return string([]rune(text)[:n]) + "..."
}

func capitalizeFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
