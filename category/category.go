package category

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/text/cases"

	"github.com/docutag/monetizer/metrics"
	"github.com/docutag/monetizer/models"
	"github.com/docutag/monetizer/slug"
)

// RuleSource provides the active category rules
type RuleSource interface {
	ActiveCategoryRules(ctx context.Context) ([]models.CategoryRule, error)
}

// StaticRules is a fixed rule set
type StaticRules []models.CategoryRule

// ActiveCategoryRules returns the active rules
func (s StaticRules) ActiveCategoryRules(context.Context) ([]models.CategoryRule, error) {
	out := make([]models.CategoryRule, 0, len(s))
	for _, r := range s {
		if r.Active {
			out = append(out, r)
		}
	}
	return out, nil
}

// Config contains classifier configuration
type Config struct {
	MemoLimit       int           // Memoized results before the memo is emptied
	RefreshInterval time.Duration // Rule reload interval, 0 loads once
}

// DefaultConfig returns default classifier configuration
func DefaultConfig() Config {
	return Config{
		MemoLimit:       1000,
		RefreshInterval: 5 * time.Minute,
	}
}

const (
	patternWeight      = 5
	titleKeywordWeight = 2
	urlKeywordWeight   = 1
	fullScore          = 20.0
)

type compiledRule struct {
	rule     models.CategoryRule
	keywords []string // case folded, parallel to rule.Keywords
	patterns []string // case folded, parallel to rule.URLPatterns
}

type snapshot struct {
	rules    []compiledRule
	loadedAt time.Time
}

// Classifier detects product categories from URLs and titles
type Classifier struct {
	source RuleSource
	config Config
	logger *slog.Logger
	now    func() time.Time

	rules  atomic.Pointer[snapshot]
	loadMu sync.Mutex

	memoMu sync.Mutex
	memo   map[string]models.CategoryMatch
}

// New creates a classifier reading rules from source
func New(source RuleSource, config Config, logger *slog.Logger) *Classifier {
	if config.MemoLimit <= 0 {
		config.MemoLimit = DefaultConfig().MemoLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		source: source,
		config: config,
		logger: logger,
		now:    time.Now,
		memo:   make(map[string]models.CategoryMatch),
	}
}

// DetectCategory scores url and title against the active rules. It never fails;
// without a match it returns General with zero confidence.
func (c *Classifier) DetectCategory(ctx context.Context, url, title string) models.CategoryMatch {
	key := url + "\x00" + title

	c.memoMu.Lock()
	cached, ok := c.memo[key]
	c.memoMu.Unlock()
	metrics.Hit("category", ok)
	if ok {
		return cloneMatch(cached)
	}

	match := classify(c.snapshot(ctx).rules, url, title)
	metrics.CategoryDetections.WithLabelValues(slug.Category(match.Category)).Inc()

	c.memoMu.Lock()
	c.memo[key] = match
	if len(c.memo) > c.config.MemoLimit {
		c.memo = make(map[string]models.CategoryMatch)
	}
	c.memoMu.Unlock()

	return cloneMatch(match)
}

// Reload replaces the rule snapshot and empties the memo
func (c *Classifier) Reload(ctx context.Context) error {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	rules, err := c.source.ActiveCategoryRules(ctx)
	if err != nil {
		return err
	}
	c.install(rules)
	return nil
}

// ClearCache empties the memo
func (c *Classifier) ClearCache() {
	c.memoMu.Lock()
	c.memo = make(map[string]models.CategoryMatch)
	c.memoMu.Unlock()
}

func (c *Classifier) snapshot(ctx context.Context) *snapshot {
	if snap := c.rules.Load(); snap != nil && !c.stale(snap) {
		return snap
	}

	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	prev := c.rules.Load()
	if prev != nil && !c.stale(prev) {
		return prev
	}

	rules, err := c.source.ActiveCategoryRules(ctx)
	if err != nil {
		c.logger.Error("failed to load category rules", "error", err)
		next := &snapshot{loadedAt: c.now()}
		if prev != nil {
			next.rules = prev.rules
		}
		c.rules.Store(next)
		return next
	}

	return c.install(rules)
}

func (c *Classifier) stale(s *snapshot) bool {
	return c.config.RefreshInterval > 0 && c.now().Sub(s.loadedAt) >= c.config.RefreshInterval
}

func (c *Classifier) install(rules []models.CategoryRule) *snapshot {
	next := &snapshot{rules: compile(rules), loadedAt: c.now()}
	c.rules.Store(next)
	c.ClearCache()
	c.logger.Debug("category rules loaded", "count", len(next.rules))
	return next
}

// Classify scores url and title against rules without memoization
func Classify(rules []models.CategoryRule, url, title string) models.CategoryMatch {
	return classify(compile(rules), url, title)
}

func compile(rules []models.CategoryRule) []compiledRule {
	fold := cases.Fold()
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if !r.Active {
			continue
		}
		cr := compiledRule{rule: r}
		for _, kw := range r.Keywords {
			cr.keywords = append(cr.keywords, fold.String(strings.TrimSpace(kw)))
		}
		for _, p := range r.URLPatterns {
			cr.patterns = append(cr.patterns, fold.String(strings.TrimSpace(p)))
		}
		out = append(out, cr)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].rule.Priority > out[j].rule.Priority
	})
	return out
}

func classify(rules []compiledRule, rawURL, rawTitle string) models.CategoryMatch {
	fold := cases.Fold()
	url := fold.String(rawURL)
	title := fold.String(rawTitle)

	best := models.NoMatch()
	for _, r := range rules {
		score, keywords, patterns := scoreRule(r, url, title)
		if score <= 0 {
			continue
		}

		confidence := score / fullScore
		if confidence > 1 {
			confidence = 1
		}
		if confidence > best.Confidence {
			best = models.CategoryMatch{
				Category:        r.rule.Category,
				Subcategory:     r.rule.Subcategory,
				Confidence:      confidence,
				MatchedKeywords: keywords,
				MatchedPatterns: patterns,
			}
		}
	}
	return best
}

// scoreRule weights URL patterns over title keywords over URL keywords.
// A keyword counted in both title and URL is reported once.
func scoreRule(r compiledRule, url, title string) (float64, []string, []string) {
	priority := float64(r.rule.Priority)
	score := 0.0
	keywords := []string{}
	patterns := []string{}

	for i, p := range r.patterns {
		if p != "" && strings.Contains(url, p) {
			score += patternWeight * priority
			patterns = append(patterns, r.rule.URLPatterns[i])
		}
	}

	for i, kw := range r.keywords {
		if kw == "" {
			continue
		}
		matched := false
		if title != "" && strings.Contains(title, kw) {
			score += titleKeywordWeight * priority
			matched = true
		}
		if strings.Contains(url, kw) {
			score += urlKeywordWeight * priority
			matched = true
		}
		if matched {
			keywords = append(keywords, r.rule.Keywords[i])
		}
	}

	return score, keywords, patterns
}

func cloneMatch(m models.CategoryMatch) models.CategoryMatch {
	m.MatchedKeywords = append([]string{}, m.MatchedKeywords...)
	m.MatchedPatterns = append([]string{}, m.MatchedPatterns...)
	return m
}
