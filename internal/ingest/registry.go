package ingest

import (
	"embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/david/opportunity-finder/internal/models"
)

//go:embed config/sources.yaml
var sourcesYAML embed.FS

// Registry holds the fallback feed list.
type Registry struct {
	Sources []SourceConfig `yaml:"sources"`
}

type SourceConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// LoadRegistry reads the feed list from path, or the embedded default
// when path is empty. Environment variables in the file are expanded.
func LoadRegistry(path string) (*Registry, error) {
	var (
		data []byte
		err  error
	)
	if path != "" {
		data, err = os.ReadFile(path)
	} else {
		data, err = sourcesYAML.ReadFile("config/sources.yaml")
	}
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	var reg Registry
	if err := yaml.Unmarshal([]byte(expanded), &reg); err != nil {
		return nil, err
	}
	for i, s := range reg.Sources {
		if s.Name == "" || s.URL == "" {
			return nil, fmt.Errorf("source %d: name and url are required", i)
		}
	}
	return &reg, nil
}

// RssSources converts the registry entries into active, unsaved sources.
func (r *Registry) RssSources() []models.RssSource {
	out := make([]models.RssSource, 0, len(r.Sources))
	for _, s := range r.Sources {
		out = append(out, models.RssSource{Name: s.Name, URL: s.URL, IsActive: true})
	}
	return out
}

// DefaultSources returns the embedded feed list.
func DefaultSources() []models.RssSource {
	reg, err := LoadRegistry("")
	if err != nil {
		panic(fmt.Sprintf("embedded sources.yaml: %v", err))
	}
	return reg.RssSources()
}
