package classifier

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed taxonomy.yaml
var defaultTaxonomyYAML []byte

// Rule maps a label to the keywords that vote for it.
type Rule struct {
	Label    string   `yaml:"label"`
	Keywords []string `yaml:"keywords"`
}

// OverallWeights combine per-axis confidences into one score.
type OverallWeights struct {
	Type    float64 `yaml:"type"`
	Field   float64 `yaml:"field"`
	Country float64 `yaml:"country"`
}

// Scoring holds the heuristic constants of the classifier.
type Scoring struct {
	TitleWeight                    int            `yaml:"title_weight"`
	DescriptionWeight              int            `yaml:"description_weight"`
	CorroborationBonus             int            `yaml:"corroboration_bonus"`
	TypeNormalizer                 float64        `yaml:"type_normalizer"`
	TypeFloor                      float64        `yaml:"type_floor"`
	FieldNormalizer                float64        `yaml:"field_normalizer"`
	FieldFloor                     float64        `yaml:"field_floor"`
	FallbackConfidence             float64        `yaml:"fallback_confidence"`
	CountryTitleConfidence         float64        `yaml:"country_title_confidence"`
	CountryDescriptionConfidence   float64        `yaml:"country_description_confidence"`
	GazetteerTitleConfidence       float64        `yaml:"gazetteer_title_confidence"`
	GazetteerDescriptionConfidence float64        `yaml:"gazetteer_description_confidence"`
	GazetteerMinLength             int            `yaml:"gazetteer_min_length"`
	OverallWeights                 OverallWeights `yaml:"overall_weights"`
}

// Taxonomy is the full classifier configuration.
type Taxonomy struct {
	Scoring   Scoring  `yaml:"scoring"`
	Types     []Rule   `yaml:"types"`
	Fields    []Rule   `yaml:"fields"`
	Countries []Rule   `yaml:"countries"`
	Gazetteer []string `yaml:"gazetteer"`
}

// LoadTaxonomy reads a taxonomy file. An empty path loads the embedded default.
func LoadTaxonomy(path string) (*Taxonomy, error) {
	data := defaultTaxonomyYAML
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read taxonomy %s: %w", path, err)
		}
	}
	return ParseTaxonomy(data)
}

// ParseTaxonomy decodes and validates taxonomy YAML.
func ParseTaxonomy(data []byte) (*Taxonomy, error) {
	var tax Taxonomy
	if err := yaml.Unmarshal(data, &tax); err != nil {
		return nil, fmt.Errorf("failed to parse taxonomy: %w", err)
	}
	if len(tax.Types) == 0 || len(tax.Fields) == 0 || len(tax.Countries) == 0 {
		return nil, fmt.Errorf("taxonomy must declare types, fields and countries")
	}
	if tax.Scoring.TypeNormalizer <= 0 || tax.Scoring.FieldNormalizer <= 0 {
		return nil, fmt.Errorf("taxonomy normalizers must be positive")
	}
	return &tax, nil
}
