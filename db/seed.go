package db

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/docutag/monetizer/models"
)

//go:embed seed.yaml
var defaultSeed []byte

// SeedData is the development data set loaded into a fresh store
type SeedData struct {
	Tags          []SeedTag  `yaml:"tags"`
	Rates         []SeedRate `yaml:"rates"`
	CategoryRules []SeedRule `yaml:"category_rules"`
}

// SeedTag is an affiliate tag entry in a seed file
type SeedTag struct {
	AgentID            string  `yaml:"agent_id"`
	Network            string  `yaml:"network"`
	TagType            string  `yaml:"tag_type"`
	TagValue           string  `yaml:"tag_value"`
	Priority           int     `yaml:"priority"`
	CommissionRateHint float64 `yaml:"commission_rate_hint"`
	Inactive           bool    `yaml:"inactive"`
}

// SeedRate is a commission rate entry in a seed file
type SeedRate struct {
	Network     string   `yaml:"network"`
	Category    string   `yaml:"category"`
	Subcategory string   `yaml:"subcategory"`
	Rate        float64  `yaml:"rate"`
	MinRate     *float64 `yaml:"min_rate"`
	MaxRate     *float64 `yaml:"max_rate"`
	Currency    string   `yaml:"currency"`
	Source      string   `yaml:"source"` // Defaults to "default"
}

// SeedRule is a category rule entry in a seed file
type SeedRule struct {
	Category    string   `yaml:"category"`
	Subcategory string   `yaml:"subcategory"`
	Keywords    []string `yaml:"keywords"`
	URLPatterns []string `yaml:"url_patterns"`
	Priority    int      `yaml:"priority"`
}

// DefaultSeed returns the embedded development seed
func DefaultSeed() (*SeedData, error) {
	return ParseSeed(defaultSeed)
}

// LoadSeedFile reads a seed from a YAML file
func LoadSeedFile(path string) (*SeedData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()
	return LoadSeed(f)
}

// LoadSeed reads a seed from YAML
func LoadSeed(r io.Reader) (*SeedData, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes and validates a YAML seed
func ParseSeed(data []byte) (*SeedData, error) {
	var seed SeedData
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed: %w", err)
	}

	for i, t := range seed.Tags {
		if t.AgentID == "" || t.Network == "" || t.TagValue == "" {
			return nil, fmt.Errorf("seed tag %d: agent_id, network and tag_value are required", i)
		}
		if !models.TagType(t.TagType).Valid() {
			return nil, fmt.Errorf("seed tag %d: invalid tag_type %q", i, t.TagType)
		}
	}
	for i, r := range seed.Rates {
		if r.Network == "" || r.Category == "" || r.Rate <= 0 {
			return nil, fmt.Errorf("seed rate %d: network, category and a positive rate are required", i)
		}
		if r.Source != "" && !models.DataSource(r.Source).Valid() {
			return nil, fmt.Errorf("seed rate %d: invalid source %q", i, r.Source)
		}
	}
	for i, r := range seed.CategoryRules {
		if r.Category == "" {
			return nil, fmt.Errorf("seed category rule %d: category is required", i)
		}
	}
	return &seed, nil
}

func (s *SeedData) affiliateTags() []models.AffiliateTag {
	tags := make([]models.AffiliateTag, 0, len(s.Tags))
	for _, t := range s.Tags {
		tags = append(tags, models.AffiliateTag{
			AgentID:            t.AgentID,
			Network:            t.Network,
			TagValue:           t.TagValue,
			TagType:            models.TagType(t.TagType),
			Priority:           t.Priority,
			IsActive:           !t.Inactive,
			CommissionRateHint: t.CommissionRateHint,
		})
	}
	return tags
}

func (s *SeedData) commissionRates(now time.Time) []models.CommissionRate {
	rates := make([]models.CommissionRate, 0, len(s.Rates))
	for _, r := range s.Rates {
		source := models.DataSource(r.Source)
		if source == "" {
			source = models.SourceDefault
		}
		currency := r.Currency
		if currency == "" {
			currency = "INR"
		}
		rates = append(rates, models.CommissionRate{
			Network:     r.Network,
			Category:    r.Category,
			Subcategory: r.Subcategory,
			Rate:        r.Rate,
			MinRate:     r.MinRate,
			MaxRate:     r.MaxRate,
			Currency:    currency,
			DataSource:  source,
			Active:      true,
			LastUpdated: now,
		})
	}
	return rates
}

func (s *SeedData) categoryRules() []models.CategoryRule {
	rules := make([]models.CategoryRule, 0, len(s.CategoryRules))
	for _, r := range s.CategoryRules {
		rules = append(rules, models.CategoryRule{
			Category:    r.Category,
			Subcategory: r.Subcategory,
			Keywords:    append([]string(nil), r.Keywords...),
			URLPatterns: append([]string(nil), r.URLPatterns...),
			Priority:    r.Priority,
			Active:      true,
		})
	}
	return rules
}
