// Package cleaner normalizes raw feed entries into canonical opportunity text.
package cleaner

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/unicode/norm"

	"github.com/david/opportunity-finder/internal/models"
)

const DefaultMaxDescriptionLength = 5000

// StaleAfter is the age past which a posting is treated as likely expired.
const StaleAfter = 90 * 24 * time.Hour

var trackingParams = []string{
	"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content",
	"fbclid", "gclid", "msclkid", "dclid",
	"ref", "source",
	"mc_cid", "mc_eid",
	"_ga", "_gl",
	"ns_mchannel", "ns_source",
}

var controlChars = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F\x{80}-\x{9F}]`)

var orgPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:at|@)\s+([A-Z][A-Za-z0-9\s&\-.']+?)(?:\s+[-–—]|\s*$|,)`),
	regexp.MustCompile(`(?:with|for)\s+([A-Z][A-Za-z0-9\s&\-.']+?)(?:\s+[-–—]|\s*$|,)`),
	regexp.MustCompile(`(?i)^([A-Z][A-Za-z0-9\s&\-.']+?)\s+(?:is\s+)?(?:hiring|seeking|looking)`),
	regexp.MustCompile(`(?i)(?:organization|company|employer):\s*([A-Za-z0-9\s&\-.']+)`),
}

var deadlinePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)deadline:\s*(\w+\s+\d{1,2},?\s+\d{4})`),
	regexp.MustCompile(`(?i)closes?\s+on\s+(\w+\s+\d{1,2},?\s+\d{4})`),
	regexp.MustCompile(`(?i)apply\s+by\s+(\w+\s+\d{1,2},?\s+\d{4})`),
}

var deadlineLayouts = []string{
	"January 2, 2006",
	"January 2 2006",
	"Jan 2, 2006",
	"Jan 2 2006",
}

// StripHTML removes script/style/noscript content and all markup, returning
// the decoded text.
func StripHTML(html string) string {
	if html == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	doc.Find("script, style, noscript").Remove()
	// Line and block breaks would otherwise glue adjacent words together.
	doc.Find("br").ReplaceWithHtml(" ")
	doc.Find("p, div, li, h1, h2, h3, h4, h5, h6, tr").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml(" ")
	})
	return strings.TrimSpace(doc.Text())
}

// NormalizeWhitespace collapses runs of whitespace to single spaces and trims.
func NormalizeWhitespace(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// CleanURL strips tracking parameters and trailing slashes (the root path
// keeps its slash). Unparseable input is returned unchanged.
func CleanURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return raw
	}

	if u.RawQuery != "" {
		q := u.Query()
		changed := false
		for _, p := range trackingParams {
			if q.Has(p) {
				q.Del(p)
				changed = true
			}
		}
		if changed {
			u.RawQuery = q.Encode()
		}
	}

	// Trim every trailing slash; trimming one would leave "/a/" from "/a//"
	// and a second pass would change it again.
	if u.Path != "/" && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimRight(u.Path, "/")
		if u.Path == "" {
			u.Path = "/"
		}
		u.RawPath = ""
	}
	return u.String()
}

// SanitizeUTF8 drops null bytes and control characters and returns NFC text.
func SanitizeUTF8(text string) string {
	if text == "" {
		return ""
	}
	text = strings.ToValidUTF8(text, "")
	text = controlChars.ReplaceAllString(text, "")
	return norm.NFC.String(text)
}

// TruncateDescription cuts text to maxLength runes, preferring a word
// boundary in the last fifth, and appends "...".
func TruncateDescription(text string, maxLength int) string {
	if maxLength <= 0 {
		maxLength = DefaultMaxDescriptionLength
	}
	runes := []rune(text)
	if len(runes) <= maxLength {
		return text
	}
	cut := string(runes[:maxLength])
	if idx := strings.LastIndex(cut, " "); idx > 0 && len([]rune(cut[:idx])) > maxLength*8/10 {
		cut = cut[:idx]
	}
	return cut + "..."
}

// ExtractOrganization applies the organization patterns to text and returns
// the first match, or fallback.
func ExtractOrganization(text, fallback string) string {
	if text == "" {
		return fallback
	}
	for _, p := range orgPatterns {
		if m := p.FindStringSubmatch(text); len(m) > 1 && m[1] != "" {
			if org := NormalizeWhitespace(m[1]); org != "" {
				return org
			}
		}
	}
	return fallback
}

// IsValidURL reports whether raw parses as an absolute http(s) URL.
func IsValidURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// IsLikelyExpired reports whether a deadline phrase names a past date, or
// the posting was published more than 90 days before now.
func IsLikelyExpired(title, description string, publishedAt *time.Time, now time.Time) bool {
	text := strings.ToLower(title + " " + description)
	for _, p := range deadlinePatterns {
		m := p.FindStringSubmatch(text)
		if len(m) < 2 {
			continue
		}
		if d, ok := parseDeadline(m[1]); ok && d.Before(now) {
			return true
		}
	}
	if publishedAt != nil && now.Sub(*publishedAt) > StaleAfter {
		return true
	}
	return false
}

func parseDeadline(s string) (time.Time, bool) {
	s = NormalizeWhitespace(s)
	for _, layout := range deadlineLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Add(24*time.Hour - time.Nanosecond), true
		}
	}
	return time.Time{}, false
}

var pubDateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	time.RFC3339,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParsePublishedAt parses an ISO date, else a feed pubDate. Failures yield nil.
func ParsePublishedAt(isoDate, pubDate string) *time.Time {
	if isoDate = strings.TrimSpace(isoDate); isoDate != "" {
		if t, err := time.Parse(time.RFC3339, isoDate); err == nil {
			t = t.UTC()
			return &t
		}
	}
	pubDate = strings.TrimSpace(pubDate)
	if pubDate == "" {
		return nil
	}
	for _, layout := range pubDateLayouts {
		if t, err := time.Parse(layout, pubDate); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func cleanText(s string) string {
	return NormalizeWhitespace(SanitizeUTF8(StripHTML(s)))
}

// CleanItem composes the cleaning steps for one feed entry.
func CleanItem(item models.FeedItem, maxDescriptionLength int) models.CleanedItem {
	title := cleanText(item.Title)

	body := firstNonEmpty(item.Content, item.ContentSnippet, item.Summary, item.Description)
	description := TruncateDescription(cleanText(body), maxDescriptionLength)

	organization := ExtractOrganization(title, "")
	if organization == "" {
		organization = ExtractOrganization(description, "")
	}
	if organization == "" {
		organization = NormalizeWhitespace(SanitizeUTF8(item.Creator))
	}

	return models.CleanedItem{
		Title:        title,
		URL:          CleanURL(item.Link),
		Description:  description,
		Organization: organization,
		PublishedAt:  ParsePublishedAt(item.IsoDate, item.PubDate),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
