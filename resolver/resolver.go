package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/docutag/monetizer/metrics"
	"github.com/docutag/monetizer/models"
	"github.com/docutag/monetizer/platform"
)

// ErrInvalidInputURL is returned when the input is not an absolute http(s) URL
var ErrInvalidInputURL = errors.New("invalid input URL")

// DefaultShortenedDomains lists URL shortening services whose links are followed
var DefaultShortenedDomains = []string{
	"bit.ly",
	"tinyurl.com",
	"amzn.to",
	"fkrt.it",
	"bitli.in",
	"goo.gl",
	"t.co",
	"short.link",
	"cutt.ly",
	"rb.gy",
	"is.gd",
	"v.gd",
	"ow.ly",
	"buff.ly",
}

// DefaultUserAgent mimics a desktop browser; several shorteners refuse bot agents
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Config contains resolver configuration
type Config struct {
	MaxHops           int           // Maximum redirects followed per URL
	HopTimeout        time.Duration // Timeout for a single redirect request
	UserAgent         string
	ShortenedDomains  []string
	Concurrency       int     // Maximum parallel resolutions in ResolveMany
	RequestsPerSecond float64 // Outbound request pacing, 0 disables
	Burst             int
	CacheTTL          time.Duration // How long resolved shortened URLs are cached
}

// DefaultConfig returns default resolver configuration
func DefaultConfig() Config {
	return Config{
		MaxHops:          10,
		HopTimeout:       10 * time.Second,
		UserAgent:        DefaultUserAgent,
		ShortenedDomains: DefaultShortenedDomains,
		Concurrency:      8,
		Burst:            1,
		CacheTTL:         24 * time.Hour,
	}
}

// Cache stores resolutions of shortened URLs
type Cache interface {
	// Get returns nil, nil on a miss
	Get(ctx context.Context, originalURL string) (*models.ResolvedURL, error)
	Set(ctx context.Context, resolved *models.ResolvedURL, ttl time.Duration) error
}

// Option configures a Resolver
type Option func(*Resolver)

// WithCache enables the resolution cache
func WithCache(c Cache) Option {
	return func(r *Resolver) { r.cache = c }
}

// WithPlatforms sets the registry used to derive platform and product id hints
func WithPlatforms(reg *platform.Registry) Option {
	return func(r *Resolver) { r.platforms = reg }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// Resolver follows shortened URLs to their destination
type Resolver struct {
	config       Config
	httpClient   *http.Client // Redirects disabled, one hop per request
	followClient *http.Client // Follows redirects, used when a hop fails
	limiter      *rate.Limiter
	shorteners   []string
	platforms    *platform.Registry
	cache        Cache
	logger       *slog.Logger
	tracer       trace.Tracer
}

// New creates a new Resolver
func New(config Config, opts ...Option) *Resolver {
	def := DefaultConfig()
	if config.MaxHops <= 0 {
		config.MaxHops = def.MaxHops
	}
	if config.HopTimeout <= 0 {
		config.HopTimeout = def.HopTimeout
	}
	if config.UserAgent == "" {
		config.UserAgent = def.UserAgent
	}
	if config.ShortenedDomains == nil {
		config.ShortenedDomains = def.ShortenedDomains
	}
	if config.Concurrency <= 0 {
		config.Concurrency = def.Concurrency
	}

	transport := otelhttp.NewTransport(http.DefaultTransport)

	r := &Resolver{
		config: config,
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		followClient: &http.Client{Transport: transport},
		logger:       slog.Default(),
		tracer:       otel.Tracer("github.com/docutag/monetizer/resolver"),
	}

	if config.RequestsPerSecond > 0 {
		burst := config.Burst
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}

	for _, d := range config.ShortenedDomains {
		if d = platform.NormalizeHost(strings.TrimSpace(d)); d != "" {
			r.shorteners = append(r.shorteners, d)
		}
	}

	for _, opt := range opts {
		opt(r)
	}
	if r.platforms == nil {
		r.platforms = platform.MustDefault()
	}

	return r
}

// SupportedShorteners returns the configured shortening services
func (r *Resolver) SupportedShorteners() []string {
	return append([]string(nil), r.shorteners...)
}

// IsShortened reports whether host belongs to a shortening service
func (r *Resolver) IsShortened(host string) bool {
	host = platform.NormalizeHost(host)
	for _, d := range r.shorteners {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func parseInput(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInputURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https", ErrInvalidInputURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidInputURL)
	}
	return u, nil
}

// Resolve follows rawURL to its final destination. Network failures degrade to the
// last known URL; only an unparseable input is an error.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) (*models.ResolvedURL, error) {
	rawURL = strings.TrimSpace(rawURL)
	u, err := parseInput(rawURL)
	if err != nil {
		metrics.Resolutions.WithLabelValues("invalid").Inc()
		return nil, err
	}

	ctx, span := r.tracer.Start(ctx, "resolver.Resolve",
		trace.WithAttributes(attribute.String("url.original", rawURL)))
	defer span.End()

	result := &models.ResolvedURL{
		OriginalURL:   rawURL,
		FinalURL:      rawURL,
		RedirectChain: []string{rawURL},
	}

	if !r.IsShortened(u.Hostname()) {
		r.annotate(result)
		metrics.Resolutions.WithLabelValues("direct").Inc()
		return result, nil
	}
	result.IsShortened = true

	if cached := r.cached(ctx, rawURL); cached != nil {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		metrics.Resolutions.WithLabelValues("cached").Inc()
		return cached, nil
	}

	start := time.Now()
	degraded := r.follow(ctx, result)
	metrics.ResolutionDuration.Observe(time.Since(start).Seconds())
	metrics.RedirectHops.Observe(float64(len(result.RedirectChain) - 1))

	r.annotate(result)
	span.SetAttributes(
		attribute.String("url.final", result.FinalURL),
		attribute.Int("redirect.hops", len(result.RedirectChain)-1),
	)

	if degraded {
		span.SetStatus(codes.Error, "network resolution degraded")
		metrics.Resolutions.WithLabelValues("degraded").Inc()
		return result, nil
	}

	metrics.Resolutions.WithLabelValues("resolved").Inc()
	r.store(ctx, result)
	return result, nil
}

// follow walks the redirect chain, appending each hop to result.
// It returns true when both the hop and the fallback GET failed.
func (r *Resolver) follow(ctx context.Context, result *models.ResolvedURL) bool {
	current := result.OriginalURL

	for hop := 0; hop < r.config.MaxHops; hop++ {
		next, err := r.hop(ctx, current)
		if err != nil {
			r.logger.Warn("redirect hop failed, retrying with GET", "url", current, "error", err)

			final, ferr := r.fetchFinal(ctx, current)
			if ferr != nil {
				r.logger.Warn("network resolution degraded", "url", result.OriginalURL, "last_url", current, "error", ferr)
				result.FinalURL = current
				return true
			}
			if final != current {
				result.RedirectChain = append(result.RedirectChain, final)
				current = final
			}
			break
		}
		if next == "" {
			break
		}

		result.RedirectChain = append(result.RedirectChain, next)
		current = next
	}

	if len(result.RedirectChain)-1 >= r.config.MaxHops {
		r.logger.Warn("redirect limit reached", "url", result.OriginalURL, "max_hops", r.config.MaxHops)
	}

	result.FinalURL = current
	return false
}

// hop issues one HEAD request and returns the absolute redirect target,
// or "" when the response is not a redirect.
func (r *Resolver) hop(ctx context.Context, current string) (string, error) {
	if err := r.wait(ctx); err != nil {
		return "", err
	}

	hopCtx, cancel := context.WithTimeout(ctx, r.config.HopTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(hopCtx, http.MethodHead, current, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", r.config.UserAgent)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("HEAD request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 || resp.StatusCode >= 400 {
		return "", nil
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return "", nil
	}

	base, err := url.Parse(current)
	if err != nil {
		return "", nil
	}
	ref, err := url.Parse(location)
	if err != nil {
		r.logger.Warn("ignoring unparseable Location header", "url", current, "location", location)
		return "", nil
	}

	return base.ResolveReference(ref).String(), nil
}

// fetchFinal lets the HTTP client follow redirects itself and reports where it ended
func (r *Resolver) fetchFinal(ctx context.Context, current string) (string, error) {
	if err := r.wait(ctx); err != nil {
		return "", err
	}

	getCtx, cancel := context.WithTimeout(ctx, r.config.HopTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(getCtx, http.MethodGet, current, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", r.config.UserAgent)

	resp, err := r.followClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("GET request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	return resp.Request.URL.String(), nil
}

func (r *Resolver) wait(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	return r.limiter.Wait(ctx)
}

func (r *Resolver) annotate(result *models.ResolvedURL) {
	result.Platform, result.ProductID = r.platforms.Inspect(result.FinalURL)
}

func (r *Resolver) cached(ctx context.Context, originalURL string) *models.ResolvedURL {
	if r.cache == nil {
		return nil
	}
	hit, err := r.cache.Get(ctx, originalURL)
	if err != nil {
		r.logger.Warn("resolution cache read failed", "url", originalURL, "error", err)
		return nil
	}
	metrics.Hit("resolution", hit != nil)
	return hit
}

func (r *Resolver) store(ctx context.Context, result *models.ResolvedURL) {
	if r.cache == nil || r.config.CacheTTL <= 0 {
		return
	}
	if err := r.cache.Set(ctx, result, r.config.CacheTTL); err != nil {
		r.logger.Warn("resolution cache write failed", "url", result.OriginalURL, "error", err)
	}
}

// ResolveMany resolves urls concurrently. Results keep input order and one
// failing URL never affects the others.
func (r *Resolver) ResolveMany(ctx context.Context, urls []string) []models.ResolveResult {
	results := make([]models.ResolveResult, len(urls))

	var g errgroup.Group
	g.SetLimit(r.config.Concurrency)

	for i, raw := range urls {
		g.Go(func() error {
			results[i].URL = raw
			resolved, err := r.Resolve(ctx, raw)
			if err != nil {
				results[i].Error = err.Error()
				return nil
			}
			results[i].Resolved = resolved
			return nil
		})
	}
	_ = g.Wait()

	return results
}
