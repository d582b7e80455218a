package cleaner

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/david/opportunity-finder/internal/models"
)

func TestStripHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"paragraph", "<p>Hello World</p>", "Hello World"},
		{"nested", "<div><span>Nested</span></div>", "Nested"},
		{"anchor", `<a href="test">Link Text</a>`, "Link Text"},
		{"entities", "<p>Fish &amp; Chips</p>", "Fish & Chips"},
		{"plain", "Plain text without HTML", "Plain text without HTML"},
		{"empty", "", ""},
		{"script removed", "<p>Keep</p><script>alert(1)</script><style>p{}</style>", "Keep"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripHTML(tt.in))
		})
	}

	assert.Equal(t, "Hello World", NormalizeWhitespace(StripHTML("Hello<br/>World")))
}

func TestNormalizeWhitespace(t *testing.T) {
	assert.Equal(t, "Hello World", NormalizeWhitespace("Hello    World"))
	assert.Equal(t, "Hello World", NormalizeWhitespace("Hello\n\nWorld"))
	assert.Equal(t, "Hello World", NormalizeWhitespace("Hello\t\tWorld"))
	assert.Equal(t, "Hello World", NormalizeWhitespace("  Hello \n\t World  "))
}

func TestCleanURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"  https://example.com  ", "https://example.com"},
		{"https://example.com/page?param=value&other=123", "https://example.com/page?param=value&other=123"},
		{"https://example.com/job/?utm_source=x&utm_medium=y", "https://example.com/job"},
		{"https://example.com/job?id=7&fbclid=abc&ref=tw", "https://example.com/job?id=7"},
		{"https://example.com/", "https://example.com/"},
		{"https://example.com/a//", "https://example.com/a"},
		{"not a url", "not a url"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := CleanURL(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, CleanURL(got), "CleanURL must be idempotent")
		})
	}
}

func TestSanitizeUTF8(t *testing.T) {
	assert.Equal(t, "Hello World", SanitizeUTF8("Hello World"))
	assert.Equal(t, "", SanitizeUTF8(""))
	assert.Equal(t, "abc", SanitizeUTF8("a\x00b\x07c"))
	assert.Equal(t, "abc", SanitizeUTF8("a\u0085b\u009fc"))
	assert.Equal(t, "Title", SanitizeUTF8("\u0080Title\u0099"))
	assert.Contains(t, SanitizeUTF8("Hello 👋 World"), "Hello")
	// e + combining acute composes to a single code point.
	assert.Equal(t, "\u00e9", SanitizeUTF8("e\u0301"))
}

func TestTruncateDescription(t *testing.T) {
	assert.Equal(t, "Hello", TruncateDescription("Hello", 100))

	long := strings.Repeat("A", 200)
	got := TruncateDescription(long, 100)
	assert.LessOrEqual(t, len(got), 103)
	assert.True(t, strings.HasSuffix(got, "..."))

	words := "This is a very long text that needs to be truncated"
	got = TruncateDescription(words, 20)
	assert.Equal(t, "This is a very long...", got)
}

func TestExtractOrganization(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"none", "Software Developer", ""},
		{"at company", "Data Engineer at Acme Corp - Nairobi", "Acme Corp"},
		{"at end", "Summer Internship at Google", "Google"},
		{"for org", "Fellowship for Young Leaders, 2025", "Young Leaders"},
		{"hiring", "Safaricom is hiring graduates", "Safaricom"},
		{"label", "Employer: Kenya Red Cross", "Kenya Red Cross"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractOrganization(tt.in, ""))
		})
	}
	assert.Equal(t, "fallback", ExtractOrganization("", "fallback"))
}

func TestIsValidURL(t *testing.T) {
	assert.True(t, IsValidURL("https://example.com"))
	assert.True(t, IsValidURL("http://test.org/path"))
	assert.False(t, IsValidURL("not a url"))
	assert.False(t, IsValidURL(""))
	assert.False(t, IsValidURL("ftp://example.com/file"))
}

func TestIsLikelyExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	future := now.AddDate(0, 1, 0)
	recent := now.AddDate(0, 0, -10)
	old := now.AddDate(0, -6, 0)

	tests := []struct {
		name        string
		title, desc string
		published   *time.Time
		want        bool
	}{
		{"future date", "Job Title", "Description", &future, false},
		{"no date", "Title", "Description", nil, false},
		{"stale", "Job Opportunity", "Apply now", &old, true},
		{"past deadline", "Scholarship", "Deadline: January 5, 2025", &recent, true},
		{"future deadline", "Scholarship", "Apply by December 31, 2025", &recent, false},
		{"closes on", "Grant", "Applications close on March 3 2025.", nil, true},
		{"unparseable deadline", "Grant", "Deadline: Someday 12, 2025", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsLikelyExpired(tt.title, tt.desc, tt.published, now))
		})
	}
}

func TestCleanItem(t *testing.T) {
	item := models.FeedItem{
		Title:   "<b>Test Title</b>",
		Link:    "https://example.com/job/?utm_campaign=feed",
		Content: "<p>Description &amp; details</p>",
		PubDate: "Mon, 02 Jun 2025 10:00:00 +0000",
		Creator: "  Opportunity   Desk ",
	}
	got := CleanItem(item, 5000)

	assert.Equal(t, "Test Title", got.Title)
	assert.Equal(t, "https://example.com/job", got.URL)
	assert.Equal(t, "Description & details", got.Description)
	assert.Equal(t, "Opportunity Desk", got.Organization)
	if assert.NotNil(t, got.PublishedAt) {
		assert.Equal(t, 2025, got.PublishedAt.Year())
	}
}

func TestCleanItem_MissingFields(t *testing.T) {
	got := CleanItem(models.FeedItem{Title: "Basic Title", Link: "https://example.com", PubDate: "garbage"}, 5000)
	assert.Equal(t, "Basic Title", got.Title)
	assert.Equal(t, "", got.Description)
	assert.Nil(t, got.PublishedAt)
}

func TestCleanItem_BodyPriority(t *testing.T) {
	got := CleanItem(models.FeedItem{Title: "T", Summary: "summary text", Description: "description text"}, 5000)
	assert.Equal(t, "summary text", got.Description)

	got = CleanItem(models.FeedItem{Title: "T", IsoDate: "2025-01-02T03:04:05Z", PubDate: "Mon, 02 Jun 2025 10:00:00 +0000"}, 5000)
	if assert.NotNil(t, got.PublishedAt) {
		assert.Equal(t, time.January, got.PublishedAt.Month())
	}
}
