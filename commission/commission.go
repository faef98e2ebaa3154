package commission

import (
	"context"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/docutag/monetizer/metrics"
	"github.com/docutag/monetizer/models"
)

// DefaultNetwork is used when no candidate network is known
const DefaultNetwork = "Amazon Associates"

// GlobalDefaultRate applies to networks missing from DefaultNetworkRates
const GlobalDefaultRate = 3.0

// DefaultNetworkRates are the last-resort rates per network, in percent
var DefaultNetworkRates = map[string]float64{
	"Amazon Associates": 4.0,
	"CueLinks":          6.5,
	"EarnKaro":          4.0,
	"INRDeals":          3.5,
	"MakeMyTrip":        4.0,
	"Booking.com":       4.0,
}

// Source labels that are not stored data sources
const (
	SourceErrorFallback = "error_fallback"
	averageSuffix       = "_average"
)

var sourcePriority = map[models.RateMethod][]models.DataSource{
	models.MethodAPI:         {models.SourceAPI, models.SourceScraped, models.SourceCSV, models.SourceManual, models.SourceDefault},
	models.MethodScraping:    {models.SourceScraped, models.SourceAPI, models.SourceCSV, models.SourceManual, models.SourceDefault},
	models.MethodManual:      {models.SourceManual, models.SourceCSV, models.SourceScraped, models.SourceAPI, models.SourceDefault},
	models.MethodPerformance: {models.SourceAPI, models.SourceScraped, models.SourceManual, models.SourceCSV, models.SourceDefault},
}

const unknownSourceRank = 99

// SourceRank returns the position of source in method's priority list; lower is preferred
func SourceRank(method models.RateMethod, source models.DataSource) int {
	for i, s := range sourcePriority[normalizeMethod(method)] {
		if s == source {
			return i
		}
	}
	return unknownSourceRank
}

func normalizeMethod(m models.RateMethod) models.RateMethod {
	if m.Valid() {
		return m
	}
	return models.MethodManual
}

// RateStore reads stored commission rates
type RateStore interface {
	// ActiveRates returns active rows for an exact network and category
	ActiveRates(ctx context.Context, network, category string) ([]models.CommissionRate, error)
	// ActiveNetworkRates returns every active row for a network
	ActiveNetworkRates(ctx context.Context, network string) ([]models.CommissionRate, error)
	RateStatistics(ctx context.Context) ([]models.RateStatistic, error)
}

// CategoryDetector classifies a product
type CategoryDetector interface {
	DetectCategory(ctx context.Context, url, title string) models.CategoryMatch
}

// Resolver looks up expected commission rates
type Resolver struct {
	store      RateStore
	categories CategoryDetector
	logger     *slog.Logger
}

// New creates a rate resolver
func New(store RateStore, categories CategoryDetector, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, categories: categories, logger: logger}
}

// DefaultRate returns the hardcoded fallback rate for network
func DefaultRate(network string) float64 {
	if rate, ok := DefaultNetworkRates[network]; ok {
		return rate
	}
	return GlobalDefaultRate
}

func defaultResult(network, category, source string) models.RateResult {
	return models.RateResult{
		Rate:     DefaultRate(network),
		Source:   source,
		Network:  network,
		Category: category,
	}
}

// GetCommissionRate returns the expected rate for network and category. It never
// fails and the rate is always positive: exact rows are preferred, then the
// network's average for its best source, then the default table.
func (r *Resolver) GetCommissionRate(ctx context.Context, network, category string, method models.RateMethod) models.RateResult {
	method = normalizeMethod(method)
	result := r.lookup(ctx, network, category, method)
	metrics.RateLookups.WithLabelValues(result.Source).Inc()
	return result
}

func (r *Resolver) lookup(ctx context.Context, network, category string, method models.RateMethod) models.RateResult {
	rows, err := r.store.ActiveRates(ctx, network, category)
	if err != nil {
		r.logger.Error("commission rate lookup failed", "network", network, "category", category, "error", err)
		return defaultResult(network, category, SourceErrorFallback)
	}

	if best, ok := bestRow(rows, method); ok {
		updated := best.LastUpdated
		return models.RateResult{
			Rate:        best.Rate,
			MinRate:     best.MinRate,
			MaxRate:     best.MaxRate,
			Source:      string(best.DataSource),
			Network:     network,
			Category:    category,
			LastUpdated: &updated,
		}
	}

	networkRows, err := r.store.ActiveNetworkRates(ctx, network)
	if err != nil {
		r.logger.Error("network rate lookup failed", "network", network, "error", err)
		return defaultResult(network, category, SourceErrorFallback)
	}

	if source, avg, ok := bestAverage(networkRows, method); ok {
		return models.RateResult{
			Rate:     avg,
			Source:   string(source) + averageSuffix,
			Network:  network,
			Category: category,
		}
	}

	return defaultResult(network, category, string(models.SourceDefault))
}

func usable(row models.CommissionRate) bool {
	return row.Active && row.Rate > 0
}

// bestRow orders rows by source priority, then by rate descending
func bestRow(rows []models.CommissionRate, method models.RateMethod) (models.CommissionRate, bool) {
	candidates := make([]models.CommissionRate, 0, len(rows))
	for _, row := range rows {
		if usable(row) {
			candidates = append(candidates, row)
		}
	}
	if len(candidates) == 0 {
		return models.CommissionRate{}, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := SourceRank(method, candidates[i].DataSource), SourceRank(method, candidates[j].DataSource)
		if ri != rj {
			return ri < rj
		}
		return candidates[i].Rate > candidates[j].Rate
	})
	return candidates[0], true
}

// bestAverage averages the network's rows of the highest priority source present
func bestAverage(rows []models.CommissionRate, method models.RateMethod) (models.DataSource, float64, bool) {
	type acc struct {
		sum   float64
		count int
	}
	groups := map[models.DataSource]*acc{}
	for _, row := range rows {
		if !usable(row) {
			continue
		}
		g, ok := groups[row.DataSource]
		if !ok {
			g = &acc{}
			groups[row.DataSource] = g
		}
		g.sum += row.Rate
		g.count++
	}
	if len(groups) == 0 {
		return "", 0, false
	}

	sources := make([]models.DataSource, 0, len(groups))
	for s := range groups {
		sources = append(sources, s)
	}
	sort.Slice(sources, func(i, j int) bool {
		ri, rj := SourceRank(method, sources[i]), SourceRank(method, sources[j])
		if ri != rj {
			return ri < rj
		}
		return sources[i] < sources[j]
	})

	g := groups[sources[0]]
	return sources[0], g.sum / float64(g.count), true
}

// GetOptimalRate classifies the product once and returns the candidate network
// with the highest rate. Ties keep the earlier candidate.
func (r *Resolver) GetOptimalRate(ctx context.Context, url, title string, networks []string, method models.RateMethod) models.OptimalRate {
	method = normalizeMethod(method)

	match := models.NoMatch()
	if r.categories != nil {
		match = r.categories.DetectCategory(ctx, url, title)
	}

	if len(networks) == 0 {
		return fallbackOptimal(DefaultNetwork)
	}

	results := make([]models.RateResult, len(networks))
	g, gctx := errgroup.WithContext(ctx)
	for i, network := range networks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = r.GetCommissionRate(gctx, network, match.Category, method)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.logger.Warn("optimal rate lookup abandoned", "error", err)
		return fallbackOptimal(networks[0])
	}

	best := 0
	for i := 1; i < len(results); i++ {
		if results[i].Rate > results[best].Rate {
			best = i
		}
	}

	return models.OptimalRate{
		Network:  networks[best],
		Rate:     results[best],
		Category: match,
	}
}

func fallbackOptimal(network string) models.OptimalRate {
	return models.OptimalRate{
		Network:  network,
		Rate:     defaultResult(network, models.GeneralCategory, string(models.SourceDefault)),
		Category: models.NoMatch(),
	}
}

// Statistics summarizes the stored rates per network and source
func (r *Resolver) Statistics(ctx context.Context) ([]models.RateStatistic, error) {
	return r.store.RateStatistics(ctx)
}

// Summarize computes per network and source statistics over active positive rows
func Summarize(rows []models.CommissionRate) []models.RateStatistic {
	type key struct{ network, source string }
	stats := map[key]*models.RateStatistic{}
	var order []key

	for _, row := range rows {
		if !usable(row) {
			continue
		}
		k := key{row.Network, string(row.DataSource)}
		s, ok := stats[k]
		if !ok {
			s = &models.RateStatistic{Network: k.network, Source: k.source, Min: row.Rate, Max: row.Rate}
			stats[k] = s
			order = append(order, k)
		}
		s.Count++
		s.Average += row.Rate
		if row.Rate < s.Min {
			s.Min = row.Rate
		}
		if row.Rate > s.Max {
			s.Max = row.Rate
		}
	}

	out := make([]models.RateStatistic, 0, len(order))
	for _, k := range order {
		s := stats[k]
		s.Average /= float64(s.Count)
		out = append(out, *s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Network != out[j].Network {
			return out[i].Network < out[j].Network
		}
		return out[i].Source < out[j].Source
	})
	return out
}
