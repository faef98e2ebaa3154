package models

import "time"

// ResolvedURL is the outcome of following a URL to its final destination
type ResolvedURL struct {
	OriginalURL   string   `json:"original_url"`
	FinalURL      string   `json:"final_url"`
	RedirectChain []string `json:"redirect_chain"`       // Every URL visited, original first and final last
	IsShortened   bool     `json:"is_shortened"`         // Host is a known URL shortening service
	Platform      string   `json:"platform,omitempty"`   // Platform id hint derived from the final URL
	ProductID     string   `json:"product_id,omitempty"` // Product identifier extracted from the final URL
}

// ResolveResult is one element of a batch resolution
type ResolveResult struct {
	URL      string       `json:"url"`
	Resolved *ResolvedURL `json:"resolved,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// ScrapingStrategy tells the scraping collaborator how to read a platform's pages
type ScrapingStrategy string

const (
	StrategyDirect  ScrapingStrategy = "direct"
	StrategyAPI     ScrapingStrategy = "api"
	StrategyGeneric ScrapingStrategy = "generic"
)

// Valid reports whether s is a known strategy
func (s ScrapingStrategy) Valid() bool {
	switch s {
	case StrategyDirect, StrategyAPI, StrategyGeneric:
		return true
	}
	return false
}

// PlatformProfile describes an e-commerce platform
type PlatformProfile struct {
	PlatformID       string              `json:"platform_id"`
	DisplayName      string              `json:"display_name"`
	IsSupported      bool                `json:"is_supported"`
	ScrapingStrategy ScrapingStrategy    `json:"scraping_strategy"`
	AffiliateCapable bool                `json:"affiliate_capable"`
	ExtractionHints  map[string][]string `json:"extraction_hints,omitempty"` // Opaque selector hints keyed by field
	ProductID        string              `json:"product_id,omitempty"`
	Category         string              `json:"category,omitempty"` // Path-derived hint, not a detected category
}

// CategoryRule is an admin-managed keyword rule used for category detection
type CategoryRule struct {
	ID          int64    `json:"id"`
	Category    string   `json:"category"`
	Subcategory string   `json:"subcategory,omitempty"`
	Keywords    []string `json:"keywords"`
	URLPatterns []string `json:"url_patterns"`
	Priority    int      `json:"priority"`
	Active      bool     `json:"active"`
}

// CategoryMatch is the result of category detection
type CategoryMatch struct {
	Category        string   `json:"category"`
	Subcategory     string   `json:"subcategory,omitempty"`
	Confidence      float64  `json:"confidence"` // 0.0-1.0
	MatchedKeywords []string `json:"matched_keywords"`
	MatchedPatterns []string `json:"matched_patterns"`
}

// GeneralCategory is returned when no rule matches
const GeneralCategory = "General"

// NoMatch returns the General category with zero confidence
func NoMatch() CategoryMatch {
	return CategoryMatch{
		Category:        GeneralCategory,
		MatchedKeywords: []string{},
		MatchedPatterns: []string{},
	}
}

// DataSource identifies where a commission rate came from
type DataSource string

const (
	SourceManual  DataSource = "manual"
	SourceCSV     DataSource = "csv"
	SourceAPI     DataSource = "api"
	SourceScraped DataSource = "scraped"
	SourceDefault DataSource = "default"
)

// Valid reports whether d is a known data source
func (d DataSource) Valid() bool {
	switch d {
	case SourceManual, SourceCSV, SourceAPI, SourceScraped, SourceDefault:
		return true
	}
	return false
}

// CommissionRate is a stored rate for a network and category
type CommissionRate struct {
	ID          int64      `json:"id"`
	Network     string     `json:"network"`
	Category    string     `json:"category"`
	Subcategory string     `json:"subcategory,omitempty"`
	Rate        float64    `json:"rate"` // Percentage
	MinRate     *float64   `json:"min_rate,omitempty"`
	MaxRate     *float64   `json:"max_rate,omitempty"`
	Currency    string     `json:"currency"`
	DataSource  DataSource `json:"data_source"`
	Active      bool       `json:"active"`
	LastUpdated time.Time  `json:"last_updated"`
}

// RateResult is the answer to a commission rate lookup
type RateResult struct {
	Rate        float64    `json:"rate"`
	MinRate     *float64   `json:"min_rate,omitempty"`
	MaxRate     *float64   `json:"max_rate,omitempty"`
	Source      string     `json:"source"` // A DataSource, "<source>_average", "default" or "error_fallback"
	Network     string     `json:"network"`
	Category    string     `json:"category"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`
}

// OptimalRate is the best network for a product
type OptimalRate struct {
	Network  string        `json:"network"`
	Rate     RateResult    `json:"rate"`
	Category CategoryMatch `json:"category"`
}

// RateMethod selects the data source priority used for rate lookups
type RateMethod string

const (
	MethodManual      RateMethod = "manual"
	MethodScraping    RateMethod = "scraping"
	MethodAPI         RateMethod = "api"
	MethodPerformance RateMethod = "performance"
)

// Valid reports whether m is a known method
func (m RateMethod) Valid() bool {
	switch m {
	case MethodManual, MethodScraping, MethodAPI, MethodPerformance:
		return true
	}
	return false
}

// TagType selects how an affiliate tag transforms a URL
type TagType string

const (
	TagTypeURL       TagType = "url"       // Tag value replaces the URL
	TagTypeParameter TagType = "parameter" // Tag value is a key=value query parameter
	TagTypeWrapper   TagType = "wrapper"   // Tag value is a redirect pattern with a URL placeholder
)

// Valid reports whether t is a known tag type
func (t TagType) Valid() bool {
	switch t {
	case TagTypeURL, TagTypeParameter, TagTypeWrapper:
		return true
	}
	return false
}

// AffiliateTag is an agent's credential on an affiliate network
type AffiliateTag struct {
	ID                 int64      `json:"id"`
	AgentID            string     `json:"agent_id"`
	Network            string     `json:"network"`
	TagValue           string     `json:"tag_value"`
	TagType            TagType    `json:"tag_type"`
	Priority           int        `json:"priority"` // Lower wins ties
	IsActive           bool       `json:"is_active"`
	CommissionRateHint float64    `json:"commission_rate_hint"`
	SuccessRate        *float64   `json:"success_rate,omitempty"` // EMA in [0,100], nil until first use
	LastUsedAt         *time.Time `json:"last_used_at,omitempty"`
}

// TagApplicationResult is the outcome of monetizing a URL
type TagApplicationResult struct {
	AffiliateURL   string        `json:"affiliate_url"`
	Tag            *AffiliateTag `json:"tag"`
	Category       string        `json:"category,omitempty"`
	CommissionRate *float64      `json:"commission_rate,omitempty"`
	RateSource     string        `json:"rate_source,omitempty"`
}

// FallbackResult is the outcome of monetizing a URL across several tags
type FallbackResult struct {
	AffiliateURL string        `json:"affiliate_url"`
	Tag          *AffiliateTag `json:"tag"`
	Attempt      int           `json:"attempt"` // 1-based index of the tag that succeeded
}

// MonetizeResult is the full resolve, classify and tag pipeline output
type MonetizeResult struct {
	Resolved    ResolvedURL          `json:"resolved"`
	Platform    PlatformProfile      `json:"platform"`
	Application TagApplicationResult `json:"application"`
}

// NextSuccessRate folds one usage observation into a success rate EMA.
// An undefined rate is replaced by the observation.
func NextSuccessRate(prev *float64, success bool) float64 {
	obs := 0.0
	if success {
		obs = 100
	}
	if prev == nil {
		return obs
	}
	next := *prev*0.9 + obs*0.1
	if next < 0 {
		return 0
	}
	if next > 100 {
		return 100
	}
	return next
}

// RateStatistic summarizes the active rates of one network and source
type RateStatistic struct {
	Network string  `json:"network"`
	Source  string  `json:"source"`
	Count   int     `json:"count"`
	Average float64 `json:"average"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
}
