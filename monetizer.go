package monetizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/docutag/monetizer/metrics"
	"github.com/docutag/monetizer/models"
)

var (
	// ErrMalformedTag is returned when a tag cannot be applied to a URL
	ErrMalformedTag = errors.New("malformed affiliate tag")
	// ErrAllTagsFailed is returned when every fallback attempt failed
	ErrAllTagsFailed = errors.New("all affiliate tags failed")
	// ErrNoActiveTags marks an agent without usable tags
	ErrNoActiveTags = errors.New("no active affiliate tags")
)

const (
	urlPlaceholder        = "{{URL}}"
	encodedURLPlaceholder = "{{URL_ENC}}"

	defaultMaxRetries = 3
	rateWeight        = 0.6
	successWeight     = 0.4
)

// TagStore provides an agent's affiliate tags
type TagStore interface {
	ActiveTags(ctx context.Context, agentID string) ([]models.AffiliateTag, error)
}

// UsageTracker records tag outcomes. Implementations serialize updates per tag.
type UsageTracker interface {
	RecordTagUsage(ctx context.Context, tagID int64, success bool, at time.Time) error
}

// CategoryDetector classifies a product
type CategoryDetector interface {
	DetectCategory(ctx context.Context, url, title string) models.CategoryMatch
}

// RateResolver answers commission rate questions
type RateResolver interface {
	GetCommissionRate(ctx context.Context, network, category string, method models.RateMethod) models.RateResult
	GetOptimalRate(ctx context.Context, url, title string, networks []string, method models.RateMethod) models.OptimalRate
}

// URLResolver follows a URL to its destination
type URLResolver interface {
	Resolve(ctx context.Context, rawURL string) (*models.ResolvedURL, error)
}

// PlatformDetector maps a resolved URL to a platform profile
type PlatformDetector interface {
	DetectPlatform(resolved models.ResolvedURL) models.PlatformProfile
}

// Config contains engine configuration
type Config struct {
	TagCacheTTL time.Duration // How long an agent's tags are cached, 0 disables caching
	MaxRetries  int           // Default fallback attempts
}

// DefaultConfig returns default engine configuration
func DefaultConfig() Config {
	return Config{
		TagCacheTTL: 5 * time.Minute,
		MaxRetries:  defaultMaxRetries,
	}
}

// Deps wires the engine to its collaborators. Tags and Usage are required.
type Deps struct {
	Tags       TagStore
	Usage      UsageTracker
	Categories CategoryDetector
	Rates      RateResolver
	Resolver   URLResolver
	Platforms  PlatformDetector
	Logger     *slog.Logger
}

// Engine selects and applies affiliate tags
type Engine struct {
	config Config
	deps   Deps
	cache  *tagCache
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// New creates an engine
func New(config Config, deps Deps) *Engine {
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaultMaxRetries
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		config: config,
		deps:   deps,
		cache:  newTagCache(config.TagCacheTTL),
		logger: logger,
		tracer: otel.Tracer("github.com/docutag/monetizer"),
		now:    time.Now,
	}
}

// SelectOptions narrows tag selection
type SelectOptions struct {
	URL    string
	Title  string
	Method models.RateMethod
}

// ProcessOptions controls ProcessURL
type ProcessOptions struct {
	Title      string
	Method     models.RateMethod
	TrackUsage bool
}

// FallbackOptions controls ProcessURLWithFallback
type FallbackOptions struct {
	MaxRetries int
}

// activeTags returns the agent's active tags, from cache when fresh
func (e *Engine) activeTags(ctx context.Context, agentID string) ([]models.AffiliateTag, error) {
	if tags, ok := e.cache.get(agentID, e.now()); ok {
		metrics.Hit("tags", true)
		return tags, nil
	}
	metrics.Hit("tags", false)

	tags, err := e.deps.Tags.ActiveTags(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tags for agent %s: %w", agentID, err)
	}

	active := make([]models.AffiliateTag, 0, len(tags))
	for _, t := range tags {
		if t.IsActive {
			active = append(active, t)
		}
	}
	e.cache.put(agentID, active, e.now())
	return active, nil
}

// Score blends a tag's commission hint with its success rate; an unused tag counts as 100% successful
func Score(tag models.AffiliateTag) float64 {
	success := 100.0
	if tag.SuccessRate != nil {
		success = *tag.SuccessRate
	}
	return rateWeight*tag.CommissionRateHint + successWeight*success
}

// Rank orders tags by blended score, then ascending priority, then input order
func Rank(tags []models.AffiliateTag) []models.AffiliateTag {
	ranked := append([]models.AffiliateTag(nil), tags...)
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := Score(ranked[i]), Score(ranked[j])
		if si != sj {
			return si > sj
		}
		return ranked[i].Priority < ranked[j].Priority
	})
	return ranked
}

// GetOptimalTag picks the agent's best tag. With both URL and title, the network
// with the highest expected commission wins; otherwise tags are ranked by score.
// It returns nil when the agent has no active tags.
func (e *Engine) GetOptimalTag(ctx context.Context, agentID string, opts SelectOptions) *models.AffiliateTag {
	tags, err := e.activeTags(ctx, agentID)
	if err != nil {
		e.logger.Error("tag lookup failed", "agent_id", agentID, "error", err)
		return nil
	}
	tag := e.selectTag(ctx, tags, opts)
	if tag != nil {
		metrics.TagSelections.WithLabelValues(tag.Network).Inc()
	}
	return tag
}

func (e *Engine) selectTag(ctx context.Context, tags []models.AffiliateTag, opts SelectOptions) *models.AffiliateTag {
	if len(tags) == 0 {
		return nil
	}

	if opts.URL != "" && opts.Title != "" && e.deps.Rates != nil {
		optimal := e.deps.Rates.GetOptimalRate(ctx, opts.URL, opts.Title, networksOf(tags), opts.Method)
		for _, t := range tags {
			if t.Network == optimal.Network {
				tag := t
				return &tag
			}
		}
	}

	best := Rank(tags)[0]
	return &best
}

func sameTag(a, b models.AffiliateTag) bool {
	return a.ID == b.ID && a.Network == b.Network && a.TagValue == b.TagValue
}

// networksOf returns the distinct networks in first-seen order
func networksOf(tags []models.AffiliateTag) []string {
	seen := make(map[string]bool, len(tags))
	var out []string
	for _, t := range tags {
		if !seen[t.Network] {
			seen[t.Network] = true
			out = append(out, t.Network)
		}
	}
	return out
}

// ApplyTag transforms rawURL with tag
func ApplyTag(rawURL string, tag models.AffiliateTag) (string, error) {
	switch tag.TagType {
	case models.TagTypeWrapper:
		return applyWrapper(rawURL, tag.TagValue)
	case models.TagTypeParameter:
		return applyParameter(rawURL, tag.TagValue)
	case models.TagTypeURL:
		if strings.TrimSpace(tag.TagValue) == "" {
			return "", fmt.Errorf("%w: empty url tag %d", ErrMalformedTag, tag.ID)
		}
		return tag.TagValue, nil
	default:
		return "", fmt.Errorf("%w: unknown tag type %q", ErrMalformedTag, tag.TagType)
	}
}

// ApplyTag transforms rawURL with tag
func (e *Engine) ApplyTag(rawURL string, tag models.AffiliateTag) (string, error) {
	return ApplyTag(rawURL, tag)
}

// componentUnescaper restores the marks encodeURIComponent leaves literal
var componentUnescaper = strings.NewReplacer(
	"+", "%20",
	"%21", "!",
	"%27", "'",
	"%28", "(",
	"%29", ")",
	"%2A", "*",
)

// encodeComponent percent-encodes s like encodeURIComponent
func encodeComponent(s string) string {
	return componentUnescaper.Replace(url.QueryEscape(s))
}

func applyWrapper(rawURL, pattern string) (string, error) {
	hasEncoded := strings.Contains(pattern, encodedURLPlaceholder)
	hasRaw := strings.Contains(pattern, urlPlaceholder)

	switch {
	case hasEncoded:
		encoded := encodeComponent(rawURL)
		out := strings.ReplaceAll(pattern, encodedURLPlaceholder, encoded)
		return strings.ReplaceAll(out, urlPlaceholder, encoded), nil
	case hasRaw:
		return strings.ReplaceAll(pattern, urlPlaceholder, rawURL), nil
	default:
		return "", fmt.Errorf("%w: wrapper has no URL placeholder", ErrMalformedTag)
	}
}

func applyParameter(rawURL, param string) (string, error) {
	key, value, ok := strings.Cut(param, "=")
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if !ok || key == "" || value == "" {
		return "", fmt.Errorf("%w: parameter tag must be key=value", ErrMalformedTag)
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: cannot apply parameter to %q", ErrMalformedTag, rawURL)
	}

	u.RawQuery = setQueryParam(u.RawQuery, key, value)
	return u.String(), nil
}

// setQueryParam sets key in a raw query, keeping other pairs and their order.
// The first existing occurrence is replaced and later duplicates dropped.
func setQueryParam(rawQuery, key, value string) string {
	pair := url.QueryEscape(key) + "=" + url.QueryEscape(value)
	if rawQuery == "" {
		return pair
	}

	var parts []string
	replaced := false
	for _, part := range strings.Split(rawQuery, "&") {
		if part == "" {
			continue
		}
		k, _, _ := strings.Cut(part, "=")
		if name, err := url.QueryUnescape(k); err == nil && name == key {
			if !replaced {
				parts = append(parts, pair)
				replaced = true
			}
			continue
		}
		parts = append(parts, part)
	}
	if !replaced {
		parts = append(parts, pair)
	}
	return strings.Join(parts, "&")
}

// ProcessURL monetizes rawURL with the agent's optimal tag. When that tag cannot
// be applied the remaining tags are tried in rank order, and an error is returned
// only if none applies. Without tags the original URL comes back with a nil tag
// and no error.
func (e *Engine) ProcessURL(ctx context.Context, agentID, rawURL string, opts ProcessOptions) (models.TagApplicationResult, error) {
	ctx, span := e.tracer.Start(ctx, "monetizer.ProcessURL",
		trace.WithAttributes(attribute.String("agent.id", agentID)))
	defer span.End()

	result := models.TagApplicationResult{AffiliateURL: rawURL}

	tags, err := e.activeTags(ctx, agentID)
	if err != nil {
		e.logger.Error("tag lookup failed", "agent_id", agentID, "error", err)
		return result, nil
	}
	selected := e.selectTag(ctx, tags, SelectOptions{URL: rawURL, Title: opts.Title, Method: opts.Method})
	if selected == nil {
		e.logger.Info("no active tags, returning original url", "agent_id", agentID, "url", rawURL)
		return result, nil
	}

	// The selected tag goes first, then the rest in rank order.
	candidates := []models.AffiliateTag{*selected}
	for _, t := range Rank(tags) {
		if !sameTag(t, *selected) {
			candidates = append(candidates, t)
		}
	}

	var (
		tag          *models.AffiliateTag
		affiliateURL string
		lastErr      error
	)
	for _, candidate := range candidates {
		applied, err := ApplyTag(rawURL, candidate)
		if err != nil {
			lastErr = fmt.Errorf("failed to apply tag %d: %w", candidate.ID, err)
			e.logger.Warn("affiliate tag failed, trying next",
				"agent_id", agentID,
				"tag_id", candidate.ID,
				"network", candidate.Network,
				"error", err,
			)
			if opts.TrackUsage {
				e.track(ctx, candidate.ID, false)
			}
			continue
		}
		tag = &candidate
		affiliateURL = applied
		break
	}
	if tag == nil {
		return result, lastErr
	}
	metrics.TagSelections.WithLabelValues(tag.Network).Inc()
	span.SetAttributes(attribute.String("tag.network", tag.Network))

	result.AffiliateURL = affiliateURL
	result.Tag = tag

	if opts.Title != "" && e.deps.Categories != nil && e.deps.Rates != nil {
		match := e.deps.Categories.DetectCategory(ctx, rawURL, opts.Title)
		rate := e.deps.Rates.GetCommissionRate(ctx, tag.Network, match.Category, opts.Method)
		result.Category = match.Category
		result.CommissionRate = &rate.Rate
		result.RateSource = rate.Source
	}

	if opts.TrackUsage {
		e.track(ctx, tag.ID, true)
	}

	return result, nil
}

// ProcessURLWithFallback tries the agent's tags in selection order until one
// applies, recording every attempt.
func (e *Engine) ProcessURLWithFallback(ctx context.Context, agentID, rawURL string, opts FallbackOptions) (models.FallbackResult, error) {
	result := models.FallbackResult{AffiliateURL: rawURL}

	tags, err := e.activeTags(ctx, agentID)
	if err != nil {
		e.logger.Error("tag lookup failed", "agent_id", agentID, "error", err)
		return result, nil
	}
	if len(tags) == 0 {
		return result, nil
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = e.config.MaxRetries
	}
	ranked := Rank(tags)
	attempts := min(maxRetries, len(ranked))

	var lastErr error
	for i := 0; i < attempts; i++ {
		tag := ranked[i]

		affiliateURL, err := ApplyTag(rawURL, tag)
		if err != nil {
			lastErr = err
			e.logger.Warn("affiliate tag failed, trying next",
				"agent_id", agentID,
				"tag_id", tag.ID,
				"network", tag.Network,
				"attempt", i+1,
				"error", err,
			)
			e.track(ctx, tag.ID, false)
			continue
		}

		e.track(ctx, tag.ID, true)
		metrics.TagSelections.WithLabelValues(tag.Network).Inc()
		return models.FallbackResult{AffiliateURL: affiliateURL, Tag: &tag, Attempt: i + 1}, nil
	}

	result.Attempt = attempts
	return result, fmt.Errorf("%w after %d attempts: %w", ErrAllTagsFailed, attempts, lastErr)
}

// TrackTagUsage records one use of a tag
func (e *Engine) TrackTagUsage(ctx context.Context, tagID int64, success bool) error {
	if err := e.deps.Usage.RecordTagUsage(ctx, tagID, success, e.now()); err != nil {
		return fmt.Errorf("failed to record usage of tag %d: %w", tagID, err)
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	metrics.TagUsage.WithLabelValues(outcome).Inc()
	return nil
}

func (e *Engine) track(ctx context.Context, tagID int64, success bool) {
	if err := e.TrackTagUsage(ctx, tagID, success); err != nil {
		e.logger.Error("tag usage tracking failed", "tag_id", tagID, "error", err)
	}
}

// ClearCache drops the cached tags of agentID, or of every agent when empty
func (e *Engine) ClearCache(agentID string) {
	e.cache.clear(agentID)
}

// Monetize resolves rawURL, detects its platform and applies the agent's optimal tag
// to the final URL.
func (e *Engine) Monetize(ctx context.Context, agentID, rawURL string, opts ProcessOptions) (models.MonetizeResult, error) {
	if e.deps.Resolver == nil || e.deps.Platforms == nil {
		return models.MonetizeResult{}, errors.New("monetize requires a resolver and a platform detector")
	}

	resolved, err := e.deps.Resolver.Resolve(ctx, rawURL)
	if err != nil {
		return models.MonetizeResult{}, err
	}

	out := models.MonetizeResult{
		Resolved: *resolved,
		Platform: e.deps.Platforms.DetectPlatform(*resolved),
	}

	out.Application, err = e.ProcessURL(ctx, agentID, resolved.FinalURL, opts)
	return out, err
}

type tagCacheEntry struct {
	tags     []models.AffiliateTag
	loadedAt time.Time
}

// tagCache holds per-agent tag lists. Entries are replaced, never mutated.
type tagCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]tagCacheEntry
}

func newTagCache(ttl time.Duration) *tagCache {
	return &tagCache{ttl: ttl, entries: make(map[string]tagCacheEntry)}
}

func (c *tagCache) get(agentID string, now time.Time) ([]models.AffiliateTag, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.RLock()
	entry, ok := c.entries[agentID]
	c.mu.RUnlock()
	if !ok || now.Sub(entry.loadedAt) >= c.ttl {
		return nil, false
	}
	return entry.tags, true
}

func (c *tagCache) put(agentID string, tags []models.AffiliateTag, now time.Time) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[agentID] = tagCacheEntry{tags: tags, loadedAt: now}
	c.mu.Unlock()
}

func (c *tagCache) clear(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if agentID == "" {
		c.entries = make(map[string]tagCacheEntry)
		return
	}
	delete(c.entries, agentID)
}
