package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/docutag/monetizer/commission"
	"github.com/docutag/monetizer/models"
)

type rateKey struct {
	network, category, subcategory string
}

// MemoryStore is an in-process Store for development and tests.
// Reads return copies so callers never share state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	tags     map[int64]*models.AffiliateTag
	nextTag  int64
	rates    map[rateKey]models.CommissionRate
	nextRate int64
	rules    []models.CategoryRule
	nextRule int64
	imports  []ImportRecord
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tags:  make(map[int64]*models.AffiliateTag),
		rates: make(map[rateKey]models.CommissionRate),
	}
}

// NewSeededMemoryStore creates an in-memory store holding seed
func NewSeededMemoryStore(seed *SeedData) (*MemoryStore, error) {
	s := NewMemoryStore()
	ctx := context.Background()
	for _, t := range seed.affiliateTags() {
		tag := t
		if err := s.CreateTag(ctx, &tag); err != nil {
			return nil, err
		}
	}
	if _, err := s.UpsertRates(ctx, seed.commissionRates(time.Now())); err != nil {
		return nil, err
	}
	for _, r := range seed.categoryRules() {
		rule := r
		if err := s.SaveCategoryRule(ctx, &rule); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}

func copyTag(t *models.AffiliateTag) models.AffiliateTag {
	out := *t
	if t.SuccessRate != nil {
		v := *t.SuccessRate
		out.SuccessRate = &v
	}
	if t.LastUsedAt != nil {
		v := *t.LastUsedAt
		out.LastUsedAt = &v
	}
	return out
}

func (s *MemoryStore) listTags(agentID string, activeOnly bool) []models.AffiliateTag {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tags := []models.AffiliateTag{}
	for _, t := range s.tags {
		if t.AgentID != agentID || (activeOnly && !t.IsActive) {
			continue
		}
		tags = append(tags, copyTag(t))
	}
	sort.Slice(tags, func(i, j int) bool {
		if tags[i].Priority != tags[j].Priority {
			return tags[i].Priority < tags[j].Priority
		}
		return tags[i].ID < tags[j].ID
	})
	return tags
}

// ActiveTags returns the agent's active tags ordered by priority
func (s *MemoryStore) ActiveTags(_ context.Context, agentID string) ([]models.AffiliateTag, error) {
	return s.listTags(agentID, true), nil
}

// ListTags returns every tag of the agent
func (s *MemoryStore) ListTags(_ context.Context, agentID string) ([]models.AffiliateTag, error) {
	return s.listTags(agentID, false), nil
}

// GetTag retrieves a tag by ID
func (s *MemoryStore) GetTag(_ context.Context, id int64) (*models.AffiliateTag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tags[id]
	if !ok {
		return nil, fmt.Errorf("tag %d: %w", id, ErrNotFound)
	}
	out := copyTag(t)
	return &out, nil
}

// CreateTag stores a tag and sets its ID
func (s *MemoryStore) CreateTag(_ context.Context, tag *models.AffiliateTag) error {
	if !tag.TagType.Valid() {
		return fmt.Errorf("invalid tag type %q", tag.TagType)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextTag++
	tag.ID = s.nextTag
	stored := copyTag(tag)
	s.tags[tag.ID] = &stored
	return nil
}

// SetTagActive enables or disables a tag
func (s *MemoryStore) SetTagActive(_ context.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tags[id]
	if !ok {
		return fmt.Errorf("tag %d: %w", id, ErrNotFound)
	}
	t.IsActive = active
	return nil
}

// RecordTagUsage stamps the tag and folds the outcome into its success rate
func (s *MemoryStore) RecordTagUsage(_ context.Context, tagID int64, success bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tags[tagID]
	if !ok {
		return fmt.Errorf("tag %d: %w", tagID, ErrNotFound)
	}
	next := models.NextSuccessRate(t.SuccessRate, success)
	t.SuccessRate = &next
	used := at
	t.LastUsedAt = &used
	return nil
}

func (s *MemoryStore) filterRates(match func(models.CommissionRate) bool) []models.CommissionRate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.CommissionRate
	for _, r := range s.rates {
		if r.Active && match(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveRates returns active rows for an exact network and category
func (s *MemoryStore) ActiveRates(_ context.Context, network, category string) ([]models.CommissionRate, error) {
	return s.filterRates(func(r models.CommissionRate) bool {
		return r.Network == network && r.Category == category
	}), nil
}

// ActiveNetworkRates returns every active row for a network
func (s *MemoryStore) ActiveNetworkRates(_ context.Context, network string) ([]models.CommissionRate, error) {
	return s.filterRates(func(r models.CommissionRate) bool {
		return r.Network == network
	}), nil
}

// RateStatistics aggregates active positive rates per network and source
func (s *MemoryStore) RateStatistics(context.Context) ([]models.RateStatistic, error) {
	rows := s.filterRates(func(models.CommissionRate) bool { return true })
	return commission.Summarize(rows), nil
}

// UpsertRates inserts or replaces rows keyed by network, category and subcategory
func (s *MemoryStore) UpsertRates(_ context.Context, rates []models.CommissionRate) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range rates {
		k := rateKey{r.Network, r.Category, r.Subcategory}
		if existing, ok := s.rates[k]; ok {
			r.ID = existing.ID
		} else {
			s.nextRate++
			r.ID = s.nextRate
		}
		if r.LastUpdated.IsZero() {
			r.LastUpdated = time.Now()
		}
		s.rates[k] = r
	}
	return len(rates), nil
}

// RecordImport keeps the audit row of a rate sheet import
func (s *MemoryStore) RecordImport(_ context.Context, record ImportRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	s.imports = append(s.imports, record)
	return nil
}

// Imports returns the recorded imports, oldest first
func (s *MemoryStore) Imports() []ImportRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ImportRecord(nil), s.imports...)
}

// ActiveCategoryRules returns active rules, highest priority first
func (s *MemoryStore) ActiveCategoryRules(context.Context) ([]models.CategoryRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.CategoryRule
	for _, r := range s.rules {
		if !r.Active {
			continue
		}
		r.Keywords = append([]string(nil), r.Keywords...)
		r.URLPatterns = append([]string(nil), r.URLPatterns...)
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out, nil
}

// SaveCategoryRule inserts a rule, or replaces it when ID is set
func (s *MemoryStore) SaveCategoryRule(_ context.Context, rule *models.CategoryRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *rule
	stored.Keywords = append([]string(nil), rule.Keywords...)
	stored.URLPatterns = append([]string(nil), rule.URLPatterns...)

	if rule.ID == 0 {
		s.nextRule++
		rule.ID = s.nextRule
		stored.ID = rule.ID
		s.rules = append(s.rules, stored)
		return nil
	}
	for i := range s.rules {
		if s.rules[i].ID == rule.ID {
			s.rules[i] = stored
			return nil
		}
	}
	return fmt.Errorf("category rule %d: %w", rule.ID, ErrNotFound)
}
