// Package trust maps signal source identifiers to trust weights and
// categories. The table is data, not code: production loads it from a YAML
// file so weights can be retuned without a redeploy, and tests swap in small
// fixed tables.
package trust

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Category groups sources by provenance.
type Category string

const (
	CategoryOfficial    Category = "official"
	CategoryUserReport  Category = "user_report"
	CategorySocialMedia Category = "social_media"
	CategoryNews        Category = "news"
	CategoryUnknown     Category = "unknown"
)

// Source is one catalogued source's weight and category.
type Source struct {
	Category Category `yaml:"category"`
	Weight   float64  `yaml:"weight"`
}

// Table is an immutable source-trust lookup. Lookups are case-insensitive
// and have no side effects or failure modes; unknown sources resolve to
// DefaultWeight, which must sit below every catalogued weight so a spoofed
// source identifier never outweighs a known one.
type Table struct {
	DefaultWeight float64           `yaml:"default_weight"`
	Sources       map[string]Source `yaml:"sources"`
}

// Load reads a trust table from a YAML file and validates it.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trust table: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML trust table.
func Parse(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse trust table: %w", err)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}

	// Normalize keys once so lookups are case-insensitive.
	normalized := make(map[string]Source, len(t.Sources))
	for name, src := range t.Sources {
		normalized[strings.ToLower(strings.TrimSpace(name))] = src
	}
	t.Sources = normalized
	return &t, nil
}

func (t *Table) validate() error {
	if t.DefaultWeight < 0 || t.DefaultWeight >= 1 {
		return fmt.Errorf("default_weight %.2f out of range [0,1)", t.DefaultWeight)
	}
	if len(t.Sources) == 0 {
		return fmt.Errorf("trust table has no sources")
	}
	for name, src := range t.Sources {
		if src.Weight <= t.DefaultWeight || src.Weight > 1 {
			return fmt.Errorf("source %q weight %.2f must be in (%.2f,1]",
				name, src.Weight, t.DefaultWeight)
		}
		switch src.Category {
		case CategoryOfficial, CategoryUserReport, CategorySocialMedia, CategoryNews:
		default:
			return fmt.Errorf("source %q has unknown category %q", name, src.Category)
		}
	}
	return nil
}

// Weight returns the trust weight for a source identifier in [0,1].
func (t *Table) Weight(source string) float64 {
	if src, ok := t.lookup(source); ok {
		return src.Weight
	}
	return t.DefaultWeight
}

// Category returns the source's category, or CategoryUnknown when the
// identifier is not catalogued.
func (t *Table) Category(source string) Category {
	if src, ok := t.lookup(source); ok {
		return src.Category
	}
	return CategoryUnknown
}

// IsOfficial reports whether the source is a catalogued official agency feed.
func (t *Table) IsOfficial(source string) bool {
	return t.Category(source) == CategoryOfficial
}

func (t *Table) lookup(source string) (Source, bool) {
	src, ok := t.Sources[strings.ToLower(strings.TrimSpace(source))]
	return src, ok
}

// Default returns the built-in table used when no TRUST_TABLE_PATH is
// configured. Weights mirror configs/sources.yaml.
func Default() *Table {
	return &Table{
		DefaultWeight: 0.10,
		Sources: map[string]Source{
			"bmkg":        {Category: CategoryOfficial, Weight: 0.95},
			"bnpb":        {Category: CategoryOfficial, Weight: 0.95},
			"basarnas":    {Category: CategoryOfficial, Weight: 0.90},
			"user_report": {Category: CategoryUserReport, Weight: 0.40},
			"twitter":     {Category: CategorySocialMedia, Weight: 0.20},
			"tiktok":      {Category: CategorySocialMedia, Weight: 0.20},
			"instagram":   {Category: CategorySocialMedia, Weight: 0.20},
			"rss":         {Category: CategoryNews, Weight: 0.50},
			"news":        {Category: CategoryNews, Weight: 0.50},
		},
	}
}
