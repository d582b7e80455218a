// Package classifier labels opportunities with a type, field and country
// using weighted keyword scoring. It is a pure function of its input text.
package classifier

import (
	"math"
	"regexp"
	"strings"
	"sync"

	"github.com/david/opportunity-finder/internal/models"
)

type TypeResult struct {
	Type       models.OpportunityType `json:"type"`
	Confidence float64                `json:"confidence"`
}

type FieldResult struct {
	Field      string  `json:"field"`
	Confidence float64 `json:"confidence"`
}

type CountryResult struct {
	Country    string  `json:"country"`
	Confidence float64 `json:"confidence"`
}

// Result is the combined classification of one opportunity.
type Result struct {
	Type       models.OpportunityType `json:"type"`
	Field      string                 `json:"field"`
	Country    string                 `json:"country"`
	Confidence float64                `json:"confidence"`
}

// Intent holds filters inferred from a free-text query. Empty means none.
type Intent struct {
	Type    string `json:"type,omitempty"`
	Field   string `json:"field,omitempty"`
	Country string `json:"country,omitempty"`
}

type wordRule struct {
	label    string
	patterns []*regexp.Regexp
}

// Classifier holds a taxonomy with its keyword patterns precompiled.
type Classifier struct {
	scoring   Scoring
	types     []Rule
	typeWords []wordRule
	fields    []wordRule
	countries []wordRule
	gazetteer []wordRule
}

// New compiles a Classifier from a taxonomy.
func New(tax *Taxonomy) *Classifier {
	c := &Classifier{
		scoring:   tax.Scoring,
		typeWords: compileRules(tax.Types),
		fields:    compileRules(tax.Fields),
		countries: compileRules(tax.Countries),
	}
	for _, r := range tax.Types {
		lowered := make([]string, 0, len(r.Keywords))
		for _, k := range r.Keywords {
			lowered = append(lowered, strings.ToLower(k))
		}
		c.types = append(c.types, Rule{Label: r.Label, Keywords: lowered})
	}
	for _, name := range tax.Gazetteer {
		if len([]rune(name)) < tax.Scoring.GazetteerMinLength {
			continue
		}
		c.gazetteer = append(c.gazetteer, wordRule{label: name, patterns: []*regexp.Regexp{wordPattern(name)}})
	}
	return c
}

var (
	defaultOnce       sync.Once
	defaultClassifier *Classifier
)

// Default returns a Classifier built from the embedded taxonomy.
func Default() *Classifier {
	defaultOnce.Do(func() {
		tax, err := LoadTaxonomy("")
		if err != nil {
			panic("classifier: embedded taxonomy invalid: " + err.Error())
		}
		defaultClassifier = New(tax)
	})
	return defaultClassifier
}

func wordPattern(keyword string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(keyword) + `\b`)
}

func compileRules(rules []Rule) []wordRule {
	out := make([]wordRule, 0, len(rules))
	for _, r := range rules {
		wr := wordRule{label: r.Label}
		for _, k := range r.Keywords {
			wr.patterns = append(wr.patterns, wordPattern(k))
		}
		out = append(out, wr)
	}
	return out
}

// ClassifyType scores each type by substring hits in title and description.
func (c *Classifier) ClassifyType(title, description string) TypeResult {
	s := c.scoring
	lowerTitle := strings.ToLower(title)
	lowerDesc := strings.ToLower(description)

	best := ""
	bestScore := 0
	for _, rule := range c.types {
		score, titleHits, descHits := 0, 0, 0
		for _, k := range rule.Keywords {
			if strings.Contains(lowerTitle, k) {
				titleHits++
				score += s.TitleWeight
			}
			if strings.Contains(lowerDesc, k) {
				descHits++
				score += s.DescriptionWeight
			}
		}
		if titleHits > 0 && descHits > 0 {
			score += s.CorroborationBonus
		}
		if score > bestScore {
			bestScore = score
			best = rule.Label
		}
	}

	confidence := math.Min(float64(bestScore)/s.TypeNormalizer, 1)
	if confidence < s.TypeFloor || best == "" {
		return TypeResult{Type: models.TypeOther, Confidence: s.FallbackConfidence}
	}
	return TypeResult{Type: models.OpportunityType(best), Confidence: confidence}
}

// ClassifyField scores each field by whole-word keyword hits.
func (c *Classifier) ClassifyField(title, description string) FieldResult {
	s := c.scoring
	best := ""
	bestScore := 0
	for _, rule := range c.fields {
		score := 0
		for _, p := range rule.patterns {
			if p.MatchString(title) {
				score += s.TitleWeight
			}
			if p.MatchString(description) {
				score += s.DescriptionWeight
			}
		}
		if score > bestScore {
			bestScore = score
			best = rule.label
		}
	}

	confidence := math.Min(float64(bestScore)/s.FieldNormalizer, 1)
	if confidence < s.FieldFloor || best == "" {
		return FieldResult{Field: models.DefaultField, Confidence: s.FallbackConfidence}
	}
	return FieldResult{Field: best, Confidence: confidence}
}

// DetectCountry checks the curated pattern table, then the gazetteer, and
// defaults to Global.
func (c *Classifier) DetectCountry(title, description string) CountryResult {
	s := c.scoring
	text := title + " " + description

	for _, rule := range c.countries {
		for _, p := range rule.patterns {
			if p.MatchString(text) {
				confidence := s.CountryDescriptionConfidence
				if p.MatchString(title) {
					confidence = s.CountryTitleConfidence
				}
				return CountryResult{Country: rule.label, Confidence: confidence}
			}
		}
	}

	for _, rule := range c.gazetteer {
		p := rule.patterns[0]
		if p.MatchString(text) {
			confidence := s.GazetteerDescriptionConfidence
			if p.MatchString(title) {
				confidence = s.GazetteerTitleConfidence
			}
			return CountryResult{Country: rule.label, Confidence: confidence}
		}
	}

	return CountryResult{Country: models.DefaultCountry, Confidence: s.FallbackConfidence}
}

// Classify combines the three axes into one result.
func (c *Classifier) Classify(title, description string) Result {
	t := c.ClassifyType(title, description)
	f := c.ClassifyField(title, description)
	co := c.DetectCountry(title, description)
	w := c.scoring.OverallWeights
	return Result{
		Type:       t.Type,
		Field:      f.Field,
		Country:    co.Country,
		Confidence: t.Confidence*w.Type + f.Confidence*w.Field + co.Confidence*w.Country,
	}
}

// ParseIntent returns, per axis, the first label with a whole-word keyword
// hit in query.
func (c *Classifier) ParseIntent(query string) Intent {
	var in Intent
	if label, ok := firstMatch(c.typeWords, query); ok {
		in.Type = label
	}
	if label, ok := firstMatch(c.fields, query); ok {
		in.Field = label
	}
	if label, ok := firstMatch(c.countries, query); ok {
		in.Country = label
	}
	return in
}

// Fields lists the field taxonomy in declaration order.
func (c *Classifier) Fields() []string {
	out := make([]string, 0, len(c.fields)+1)
	for _, r := range c.fields {
		out = append(out, r.label)
	}
	return append(out, models.DefaultField)
}

func firstMatch(rules []wordRule, text string) (string, bool) {
	for _, r := range rules {
		for _, p := range r.patterns {
			if p.MatchString(text) {
				return r.label, true
			}
		}
	}
	return "", false
}
