package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq" // PostgreSQL driver and array support

	"github.com/docutag/monetizer/models"
)

// ErrNotFound is returned when a referenced row does not exist
var ErrNotFound = errors.New("not found")

// Store is the persistence surface shared by the PostgreSQL and in-memory stores
type Store interface {
	ActiveTags(ctx context.Context, agentID string) ([]models.AffiliateTag, error)
	ListTags(ctx context.Context, agentID string) ([]models.AffiliateTag, error)
	GetTag(ctx context.Context, id int64) (*models.AffiliateTag, error)
	CreateTag(ctx context.Context, tag *models.AffiliateTag) error
	SetTagActive(ctx context.Context, id int64, active bool) error
	RecordTagUsage(ctx context.Context, tagID int64, success bool, at time.Time) error

	ActiveRates(ctx context.Context, network, category string) ([]models.CommissionRate, error)
	ActiveNetworkRates(ctx context.Context, network string) ([]models.CommissionRate, error)
	RateStatistics(ctx context.Context) ([]models.RateStatistic, error)
	UpsertRates(ctx context.Context, rates []models.CommissionRate) (int, error)
	RecordImport(ctx context.Context, record ImportRecord) error

	ActiveCategoryRules(ctx context.Context) ([]models.CategoryRule, error)
	SaveCategoryRule(ctx context.Context, rule *models.CategoryRule) error

	Close() error
}

// ImportRecord is the audit row of one rate sheet import
type ImportRecord struct {
	BatchID   string
	Source    string
	SheetKey  string // Empty for uploaded sheets
	Rows      int
	Imported  int
	Invalid   int
	CreatedAt time.Time
}

// DB wraps the database connection and provides data access methods
type DB struct {
	conn *sql.DB
}

// Config contains database configuration
type Config struct {
	DSN string // PostgreSQL connection string
}

// New creates a new database connection and applies pending migrations
func New(config Config) (*DB, error) {
	conn, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := Migrate(conn); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// DB returns the underlying database connection for metrics collection
func (db *DB) DB() *sql.DB {
	return db.conn
}

const tagColumns = `id, agent_id, network, tag_value, tag_type, priority, is_active,
	commission_rate_hint, success_rate, last_used_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTag(row rowScanner) (models.AffiliateTag, error) {
	var (
		tag      models.AffiliateTag
		tagType  string
		success  sql.NullFloat64
		lastUsed sql.NullTime
	)
	err := row.Scan(
		&tag.ID,
		&tag.AgentID,
		&tag.Network,
		&tag.TagValue,
		&tagType,
		&tag.Priority,
		&tag.IsActive,
		&tag.CommissionRateHint,
		&success,
		&lastUsed,
	)
	if err != nil {
		return tag, err
	}
	tag.TagType = models.TagType(tagType)
	if success.Valid {
		v := success.Float64
		tag.SuccessRate = &v
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		tag.LastUsedAt = &t
	}
	return tag, nil
}

func (db *DB) queryTags(ctx context.Context, query string, args ...any) ([]models.AffiliateTag, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tags: %w", err)
	}
	defer rows.Close()

	tags := []models.AffiliateTag{}
	for rows.Next() {
		tag, err := scanTag(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tag: %w", err)
		}
		tags = append(tags, tag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tags: %w", err)
	}
	return tags, nil
}

// ActiveTags returns the agent's active tags ordered by priority
func (db *DB) ActiveTags(ctx context.Context, agentID string) ([]models.AffiliateTag, error) {
	return db.queryTags(ctx, `
		SELECT `+tagColumns+`
		FROM monetizer_affiliate_tags
		WHERE agent_id = $1 AND is_active = TRUE
		ORDER BY priority ASC, id ASC
	`, agentID)
}

// ListTags returns every tag of the agent, including inactive ones
func (db *DB) ListTags(ctx context.Context, agentID string) ([]models.AffiliateTag, error) {
	return db.queryTags(ctx, `
		SELECT `+tagColumns+`
		FROM monetizer_affiliate_tags
		WHERE agent_id = $1
		ORDER BY priority ASC, id ASC
	`, agentID)
}

// GetTag retrieves a tag by ID
func (db *DB) GetTag(ctx context.Context, id int64) (*models.AffiliateTag, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+tagColumns+` FROM monetizer_affiliate_tags WHERE id = $1`, id)
	tag, err := scanTag(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("tag %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query tag: %w", err)
	}
	return &tag, nil
}

// CreateTag inserts a tag and sets its ID
func (db *DB) CreateTag(ctx context.Context, tag *models.AffiliateTag) error {
	if !tag.TagType.Valid() {
		return fmt.Errorf("invalid tag type %q", tag.TagType)
	}
	err := db.conn.QueryRowContext(ctx, `
		INSERT INTO monetizer_affiliate_tags
			(agent_id, network, tag_value, tag_type, priority, is_active, commission_rate_hint, success_rate, last_used_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`,
		tag.AgentID,
		tag.Network,
		tag.TagValue,
		string(tag.TagType),
		tag.Priority,
		tag.IsActive,
		tag.CommissionRateHint,
		tag.SuccessRate,
		tag.LastUsedAt,
	).Scan(&tag.ID)
	if err != nil {
		return fmt.Errorf("failed to save tag: %w", err)
	}
	return nil
}

// SetTagActive enables or disables a tag
func (db *DB) SetTagActive(ctx context.Context, id int64, active bool) error {
	result, err := db.conn.ExecContext(ctx,
		"UPDATE monetizer_affiliate_tags SET is_active = $2, updated_at = NOW() WHERE id = $1",
		id, active,
	)
	if err != nil {
		return fmt.Errorf("failed to update tag: %w", err)
	}
	return requireRow(result, id)
}

// RecordTagUsage stamps the tag and folds the outcome into its success rate.
// The update is a single statement so concurrent uses of a tag serialize on the row lock.
func (db *DB) RecordTagUsage(ctx context.Context, tagID int64, success bool, at time.Time) error {
	observation := 0.0
	if success {
		observation = 100
	}
	result, err := db.conn.ExecContext(ctx, `
		UPDATE monetizer_affiliate_tags SET
			success_rate = CASE
				WHEN success_rate IS NULL THEN $2::double precision
				ELSE LEAST(100, GREATEST(0, success_rate * 0.9 + $2::double precision * 0.1))
			END,
			last_used_at = $3,
			updated_at = NOW()
		WHERE id = $1
	`, tagID, observation, at)
	if err != nil {
		return fmt.Errorf("failed to record tag usage: %w", err)
	}
	return requireRow(result, tagID)
}

func requireRow(result sql.Result, id int64) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("tag %d: %w", id, ErrNotFound)
	}
	return nil
}

const rateColumns = `id, network, category, subcategory, rate, min_rate, max_rate,
	currency, data_source, active, last_updated`

func (db *DB) queryRates(ctx context.Context, query string, args ...any) ([]models.CommissionRate, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rates: %w", err)
	}
	defer rows.Close()

	var rates []models.CommissionRate
	for rows.Next() {
		var (
			r       models.CommissionRate
			source  string
			minRate sql.NullFloat64
			maxRate sql.NullFloat64
			updated sql.NullTime
		)
		if err := rows.Scan(
			&r.ID,
			&r.Network,
			&r.Category,
			&r.Subcategory,
			&r.Rate,
			&minRate,
			&maxRate,
			&r.Currency,
			&source,
			&r.Active,
			&updated,
		); err != nil {
			return nil, fmt.Errorf("failed to scan rate: %w", err)
		}
		r.DataSource = models.DataSource(source)
		if minRate.Valid {
			v := minRate.Float64
			r.MinRate = &v
		}
		if maxRate.Valid {
			v := maxRate.Float64
			r.MaxRate = &v
		}
		if updated.Valid {
			r.LastUpdated = updated.Time
		}
		rates = append(rates, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rates: %w", err)
	}
	return rates, nil
}

// ActiveRates returns active rows for an exact network and category
func (db *DB) ActiveRates(ctx context.Context, network, category string) ([]models.CommissionRate, error) {
	return db.queryRates(ctx, `
		SELECT `+rateColumns+`
		FROM monetizer_commission_rates
		WHERE network = $1 AND category = $2 AND active = TRUE
		ORDER BY id
	`, network, category)
}

// ActiveNetworkRates returns every active row for a network
func (db *DB) ActiveNetworkRates(ctx context.Context, network string) ([]models.CommissionRate, error) {
	return db.queryRates(ctx, `
		SELECT `+rateColumns+`
		FROM monetizer_commission_rates
		WHERE network = $1 AND active = TRUE
		ORDER BY id
	`, network)
}

// RateStatistics aggregates active positive rates per network and source
func (db *DB) RateStatistics(ctx context.Context) ([]models.RateStatistic, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT network, data_source, COUNT(*), AVG(rate), MIN(rate), MAX(rate)
		FROM monetizer_commission_rates
		WHERE active = TRUE AND rate > 0
		GROUP BY network, data_source
		ORDER BY network, data_source
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rate statistics: %w", err)
	}
	defer rows.Close()

	stats := []models.RateStatistic{}
	for rows.Next() {
		var s models.RateStatistic
		if err := rows.Scan(&s.Network, &s.Source, &s.Count, &s.Average, &s.Min, &s.Max); err != nil {
			return nil, fmt.Errorf("failed to scan rate statistic: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// UpsertRates inserts or replaces rows keyed by network, category and subcategory
func (db *DB) UpsertRates(ctx context.Context, rates []models.CommissionRate) (int, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO monetizer_commission_rates
			(network, category, subcategory, rate, min_rate, max_rate, currency, data_source, active, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (network, category, subcategory) DO UPDATE SET
			rate = excluded.rate,
			min_rate = excluded.min_rate,
			max_rate = excluded.max_rate,
			currency = excluded.currency,
			data_source = excluded.data_source,
			active = excluded.active,
			last_updated = excluded.last_updated
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rates {
		updated := r.LastUpdated
		if updated.IsZero() {
			updated = time.Now()
		}
		if _, err := stmt.ExecContext(ctx,
			r.Network,
			r.Category,
			r.Subcategory,
			r.Rate,
			r.MinRate,
			r.MaxRate,
			r.Currency,
			string(r.DataSource),
			r.Active,
			updated,
		); err != nil {
			return 0, fmt.Errorf("failed to upsert rate %s/%s: %w", r.Network, r.Category, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return len(rates), nil
}

// RecordImport stores the audit row of a rate sheet import
func (db *DB) RecordImport(ctx context.Context, record ImportRecord) error {
	created := record.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO monetizer_rate_imports (batch_id, source, sheet_key, rows_total, rows_imported, rows_invalid, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)
	`,
		record.BatchID,
		record.Source,
		record.SheetKey,
		record.Rows,
		record.Imported,
		record.Invalid,
		created,
	)
	if err != nil {
		return fmt.Errorf("failed to record import: %w", err)
	}
	return nil
}

// ActiveCategoryRules returns active rules, highest priority first
func (db *DB) ActiveCategoryRules(ctx context.Context) ([]models.CategoryRule, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, category, subcategory, keywords, url_patterns, priority, active
		FROM monetizer_category_rules
		WHERE active = TRUE
		ORDER BY priority DESC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query category rules: %w", err)
	}
	defer rows.Close()

	var rules []models.CategoryRule
	for rows.Next() {
		var r models.CategoryRule
		if err := rows.Scan(
			&r.ID,
			&r.Category,
			&r.Subcategory,
			pq.Array(&r.Keywords),
			pq.Array(&r.URLPatterns),
			&r.Priority,
			&r.Active,
		); err != nil {
			return nil, fmt.Errorf("failed to scan category rule: %w", err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate category rules: %w", err)
	}
	return rules, nil
}

// SaveCategoryRule inserts a rule, or updates it when ID is set
func (db *DB) SaveCategoryRule(ctx context.Context, rule *models.CategoryRule) error {
	keywords := rule.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	patterns := rule.URLPatterns
	if patterns == nil {
		patterns = []string{}
	}

	if rule.ID == 0 {
		err := db.conn.QueryRowContext(ctx, `
			INSERT INTO monetizer_category_rules (category, subcategory, keywords, url_patterns, priority, active)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`, rule.Category, rule.Subcategory, pq.Array(keywords), pq.Array(patterns), rule.Priority, rule.Active).Scan(&rule.ID)
		if err != nil {
			return fmt.Errorf("failed to save category rule: %w", err)
		}
		return nil
	}

	result, err := db.conn.ExecContext(ctx, `
		UPDATE monetizer_category_rules
		SET category = $2, subcategory = $3, keywords = $4, url_patterns = $5, priority = $6, active = $7
		WHERE id = $1
	`, rule.ID, rule.Category, rule.Subcategory, pq.Array(keywords), pq.Array(patterns), rule.Priority, rule.Active)
	if err != nil {
		return fmt.Errorf("failed to update category rule: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("category rule %d: %w", rule.ID, ErrNotFound)
	}
	return nil
}

// Seed loads seed data into the database, skipping the tables that already hold rows
func (db *DB) Seed(ctx context.Context, seed *SeedData) error {
	var count int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM monetizer_affiliate_tags").Scan(&count); err != nil {
		return fmt.Errorf("failed to count tags: %w", err)
	}
	if count == 0 {
		for _, t := range seed.affiliateTags() {
			tag := t
			if err := db.CreateTag(ctx, &tag); err != nil {
				return err
			}
		}
	}

	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM monetizer_commission_rates").Scan(&count); err != nil {
		return fmt.Errorf("failed to count rates: %w", err)
	}
	if count == 0 {
		if _, err := db.UpsertRates(ctx, seed.commissionRates(time.Now())); err != nil {
			return err
		}
	}

	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM monetizer_category_rules").Scan(&count); err != nil {
		return fmt.Errorf("failed to count category rules: %w", err)
	}
	if count == 0 {
		for _, r := range seed.categoryRules() {
			rule := r
			if err := db.SaveCategoryRule(ctx, &rule); err != nil {
				return err
			}
		}
	}
	return nil
}
