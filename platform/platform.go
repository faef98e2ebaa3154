package platform

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/net/idna"
	"gopkg.in/yaml.v3"

	"github.com/docutag/monetizer/models"
)

//go:embed platforms.yaml
var defaultTable []byte

// ErrInvalidTable is returned when a platform table fails validation
var ErrInvalidTable = errors.New("invalid platform table")

// profileConfig is the YAML form of a platform profile
type profileConfig struct {
	ID                string              `yaml:"id"`
	Name              string              `yaml:"name"`
	Supported         bool                `yaml:"supported"`
	Strategy          string              `yaml:"strategy"`
	AffiliateCapable  bool                `yaml:"affiliate_capable"`
	Default           bool                `yaml:"default"`
	Match             []string            `yaml:"match"`
	ProductIDPatterns []string            `yaml:"product_id_patterns"`
	CategoryPatterns  []string            `yaml:"category_patterns"`
	Hints             map[string][]string `yaml:"hints"`
}

type tableConfig struct {
	Platforms []profileConfig `yaml:"platforms"`
}

type entry struct {
	profile    models.PlatformProfile
	match      []string
	patterns   []*regexp.Regexp
	categories []*regexp.Regexp
}

// Registry holds the configured platform profiles. It is immutable after loading.
type Registry struct {
	entries []*entry
	byID    map[string]*entry
	def     *entry
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
	defaultErr      error
)

// Default returns the registry built from the embedded platform table
func Default() (*Registry, error) {
	defaultOnce.Do(func() {
		defaultRegistry, defaultErr = Parse(defaultTable)
	})
	return defaultRegistry, defaultErr
}

// MustDefault is like Default but panics if the embedded table is invalid
func MustDefault() *Registry {
	r, err := Default()
	if err != nil {
		panic(err)
	}
	return r
}

// LoadFile reads a platform table from a YAML file
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read platform table: %w", err)
	}
	return Parse(data)
}

// Load reads a platform table from r
func Load(r io.Reader) (*Registry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read platform table: %w", err)
	}
	return Parse(data)
}

// Parse builds a registry from YAML
func Parse(data []byte) (*Registry, error) {
	var cfg tableConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse platform table: %w", err)
	}
	if len(cfg.Platforms) == 0 {
		return nil, fmt.Errorf("%w: no platforms defined", ErrInvalidTable)
	}

	reg := &Registry{byID: make(map[string]*entry, len(cfg.Platforms))}
	for _, pc := range cfg.Platforms {
		e, err := buildEntry(pc)
		if err != nil {
			return nil, err
		}
		if _, dup := reg.byID[e.profile.PlatformID]; dup {
			return nil, fmt.Errorf("%w: duplicate platform id %q", ErrInvalidTable, e.profile.PlatformID)
		}
		if pc.Default {
			if reg.def != nil {
				return nil, fmt.Errorf("%w: more than one default platform", ErrInvalidTable)
			}
			reg.def = e
		}
		reg.entries = append(reg.entries, e)
		reg.byID[e.profile.PlatformID] = e
	}
	if reg.def == nil {
		return nil, fmt.Errorf("%w: no default platform", ErrInvalidTable)
	}

	return reg, nil
}

func buildEntry(pc profileConfig) (*entry, error) {
	id := strings.ToLower(strings.TrimSpace(pc.ID))
	if id == "" {
		return nil, fmt.Errorf("%w: platform without id", ErrInvalidTable)
	}

	strategy := models.ScrapingStrategy(pc.Strategy)
	if strategy == "" {
		strategy = models.StrategyGeneric
	}
	if !strategy.Valid() {
		return nil, fmt.Errorf("%w: platform %s has unknown strategy %q", ErrInvalidTable, id, pc.Strategy)
	}

	e := &entry{
		profile: models.PlatformProfile{
			PlatformID:       id,
			DisplayName:      pc.Name,
			IsSupported:      pc.Supported,
			ScrapingStrategy: strategy,
			AffiliateCapable: pc.AffiliateCapable,
			ExtractionHints:  pc.Hints,
		},
	}
	if e.profile.DisplayName == "" {
		e.profile.DisplayName = id
	}

	for _, m := range pc.Match {
		m = strings.ToLower(strings.TrimSpace(m))
		if m != "" {
			e.match = append(e.match, m)
		}
	}

	var err error
	if e.patterns, err = compilePatterns(id, pc.ProductIDPatterns); err != nil {
		return nil, err
	}
	if e.categories, err = compilePatterns(id, pc.CategoryPatterns); err != nil {
		return nil, err
	}

	return e, nil
}

func compilePatterns(id string, patterns []string) ([]*regexp.Regexp, error) {
	var out []*regexp.Regexp
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: platform %s pattern %q: %v", ErrInvalidTable, id, p, err)
		}
		if re.NumSubexp() < 1 {
			return nil, fmt.Errorf("%w: platform %s pattern %q has no capture group", ErrInvalidTable, id, p)
		}
		out = append(out, re)
	}
	return out, nil
}

func firstGroup(patterns []*regexp.Regexp, s string) string {
	for _, re := range patterns {
		if m := re.FindStringSubmatch(s); m != nil {
			for _, g := range m[1:] {
				if g != "" {
					return g
				}
			}
		}
	}
	return ""
}

// NormalizeHost lowercases a hostname and converts IDN labels to ASCII
func NormalizeHost(host string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if ascii, err := idna.Lookup.ToASCII(host); err == nil {
		return ascii
	}
	return host
}

// MatchHost returns the id of the first platform whose match substrings
// appear in host. The default platform never matches.
func (r *Registry) MatchHost(host string) (string, bool) {
	host = NormalizeHost(host)
	if host == "" {
		return "", false
	}
	for _, e := range r.entries {
		if e == r.def {
			continue
		}
		for _, m := range e.match {
			if strings.Contains(host, m) {
				return e.profile.PlatformID, true
			}
		}
	}
	return "", false
}

// ExtractProductID applies a platform's product id patterns to rawURL.
// Platforms without their own patterns use the default platform's.
func (r *Registry) ExtractProductID(platformID, rawURL string) string {
	e, ok := r.byID[platformID]
	if !ok || len(e.patterns) == 0 {
		e = r.def
	}
	return firstGroup(e.patterns, rawURL)
}

// ExtractCategory derives a category hint from the path of rawURL. Platforms
// with category patterns match them against the lowercased path and query;
// the others use the first path segment.
func (r *Registry) ExtractCategory(platformID, rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	path := strings.ToLower(u.Path)

	if e, ok := r.byID[strings.ToLower(platformID)]; ok && len(e.categories) > 0 {
		target := path
		if u.RawQuery != "" {
			target += "?" + strings.ToLower(u.RawQuery)
		}
		return firstGroup(e.categories, target)
	}

	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			return seg
		}
	}
	return ""
}

// Inspect derives a platform hint and a product id from a resolved URL.
// The platform is empty when only the default profile would apply.
func (r *Registry) Inspect(finalURL string) (platformID, productID string) {
	u, err := url.Parse(finalURL)
	if err != nil {
		return "", ""
	}
	platformID, _ = r.MatchHost(u.Hostname())
	return platformID, r.ExtractProductID(platformID, finalURL)
}

// DetectPlatform maps a resolved URL to a profile. It never fails: the resolver's
// hint wins, then hostname matching, then the default profile.
func (r *Registry) DetectPlatform(resolved models.ResolvedURL) models.PlatformProfile {
	e := r.def
	if hinted, ok := r.byID[strings.ToLower(resolved.Platform)]; ok && resolved.Platform != "" {
		e = hinted
	} else if u, err := url.Parse(resolved.FinalURL); err == nil {
		if id, ok := r.MatchHost(u.Hostname()); ok {
			e = r.byID[id]
		}
	}

	profile := cloneProfile(e.profile)
	profile.ProductID = resolved.ProductID
	if profile.ProductID == "" && resolved.FinalURL != "" {
		profile.ProductID = r.ExtractProductID(profile.PlatformID, resolved.FinalURL)
	}
	if resolved.FinalURL != "" {
		profile.Category = r.ExtractCategory(profile.PlatformID, resolved.FinalURL)
	}
	return profile
}

// Profile returns the profile with the given id
func (r *Registry) Profile(id string) (models.PlatformProfile, bool) {
	e, ok := r.byID[strings.ToLower(id)]
	if !ok {
		return models.PlatformProfile{}, false
	}
	return cloneProfile(e.profile), true
}

// Profiles returns all profiles in configured order
func (r *Registry) Profiles() []models.PlatformProfile {
	out := make([]models.PlatformProfile, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, cloneProfile(e.profile))
	}
	return out
}

// DefaultProfile returns the generic fallback profile
func (r *Registry) DefaultProfile() models.PlatformProfile {
	return cloneProfile(r.def.profile)
}

// SupportsAffiliate reports whether the platform can carry affiliate links
func (r *Registry) SupportsAffiliate(id string) bool {
	p, ok := r.Profile(id)
	return ok && p.AffiliateCapable
}

// ScrapingStrategy returns the strategy for a platform, or the default's strategy
func (r *Registry) ScrapingStrategy(id string) models.ScrapingStrategy {
	if p, ok := r.Profile(id); ok {
		return p.ScrapingStrategy
	}
	return r.def.profile.ScrapingStrategy
}

func cloneProfile(p models.PlatformProfile) models.PlatformProfile {
	if p.ExtractionHints != nil {
		hints := make(map[string][]string, len(p.ExtractionHints))
		for k, v := range p.ExtractionHints {
			hints[k] = append([]string(nil), v...)
		}
		p.ExtractionHints = hints
	}
	return p
}
