package commission

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docutag/monetizer/models"
)

var (
	// ErrInvalidSheet is returned when a rate sheet lacks a usable header
	ErrInvalidSheet = errors.New("invalid rate sheet")
	// ErrInvalidSource is returned for import sources other than csv and manual
	ErrInvalidSource = errors.New("invalid import source")
)

const maxReportedErrors = 20

// RateWriter persists imported rates
type RateWriter interface {
	// UpsertRates inserts or replaces rows keyed by network, category and subcategory
	UpsertRates(ctx context.Context, rates []models.CommissionRate) (int, error)
}

// SheetReader fetches a stored rate sheet
type SheetReader interface {
	ReadSheet(ctx context.Context, key string) ([]byte, error)
}

// ImportReport describes the outcome of a rate sheet import
type ImportReport struct {
	BatchID  string   `json:"batch_id"`
	Source   string   `json:"source"`
	Rows     int      `json:"rows"`
	Imported int      `json:"imported"`
	Invalid  int      `json:"invalid"`
	Errors   []string `json:"errors,omitempty"`
}

// Importer loads commission rates from CSV rate sheets
type Importer struct {
	store  RateWriter
	logger *slog.Logger
	now    func() time.Time
}

// NewImporter creates an importer writing to store
func NewImporter(store RateWriter, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{store: store, logger: logger, now: time.Now}
}

var headerAliases = map[string]string{
	"network":           "network",
	"affiliate_network": "network",
	"category":          "category",
	"subcategory":       "subcategory",
	"rate":              "rate",
	"commission_rate":   "rate",
	"min_rate":          "min_rate",
	"minrate":           "min_rate",
	"max_rate":          "max_rate",
	"maxrate":           "max_rate",
	"currency":          "currency",
}

// ImportCSV parses a rate sheet and upserts its valid rows in one batch.
// Invalid rows are counted and described in the report.
func (im *Importer) ImportCSV(ctx context.Context, r io.Reader, source models.DataSource) (ImportReport, error) {
	if source == "" {
		source = models.SourceCSV
	}
	if source != models.SourceCSV && source != models.SourceManual {
		return ImportReport{}, fmt.Errorf("%w: %q", ErrInvalidSource, source)
	}

	report := ImportReport{BatchID: uuid.NewString(), Source: string(source)}

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return report, fmt.Errorf("%w: failed to read header: %v", ErrInvalidSheet, err)
	}

	columns := map[string]int{}
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if canonical, ok := headerAliases[name]; ok {
			if _, seen := columns[canonical]; !seen {
				columns[canonical] = i
			}
		}
	}
	for _, required := range []string{"network", "category", "rate"} {
		if _, ok := columns[required]; !ok {
			return report, fmt.Errorf("%w: missing %s column", ErrInvalidSheet, required)
		}
	}

	updated := im.now()
	var rates []models.CommissionRate
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			line := 0
			if errors.As(err, &pe) {
				line = pe.Line
			}
			report.Rows++
			im.reject(&report, line, err.Error())
			continue
		}
		if isBlank(record) {
			continue
		}
		report.Rows++
		line, _ := reader.FieldPos(0)

		rate, msg := parseRow(record, columns)
		if msg != "" {
			im.reject(&report, line, msg)
			continue
		}
		rate.DataSource = source
		rate.Active = true
		rate.LastUpdated = updated
		rates = append(rates, rate)
	}

	if len(rates) > 0 {
		n, err := im.store.UpsertRates(ctx, rates)
		if err != nil {
			return report, fmt.Errorf("failed to save imported rates: %w", err)
		}
		report.Imported = n
	}

	im.logger.Info("commission rates imported",
		"batch_id", report.BatchID,
		"source", report.Source,
		"rows", report.Rows,
		"imported", report.Imported,
		"invalid", report.Invalid,
	)
	return report, nil
}

// ImportSheet reads a stored rate sheet and imports it
func (im *Importer) ImportSheet(ctx context.Context, sheets SheetReader, key string, source models.DataSource) (ImportReport, error) {
	data, err := sheets.ReadSheet(ctx, key)
	if err != nil {
		return ImportReport{}, fmt.Errorf("failed to read rate sheet %s: %w", key, err)
	}
	return im.ImportCSV(ctx, bytes.NewReader(data), source)
}

func (im *Importer) reject(report *ImportReport, line int, msg string) {
	report.Invalid++
	if len(report.Errors) < maxReportedErrors {
		report.Errors = append(report.Errors, fmt.Sprintf("line %d: %s", line, msg))
	}
}

func parseRow(record []string, columns map[string]int) (models.CommissionRate, string) {
	field := func(name string) string {
		i, ok := columns[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	rate := models.CommissionRate{
		Network:     field("network"),
		Category:    field("category"),
		Subcategory: field("subcategory"),
		Currency:    strings.ToUpper(field("currency")),
	}
	if rate.Network == "" {
		return rate, "network is required"
	}
	if rate.Category == "" {
		return rate, "category is required"
	}
	if rate.Currency == "" {
		rate.Currency = "INR"
	}

	value, err := parsePercent(field("rate"))
	if err != nil {
		return rate, fmt.Sprintf("invalid rate: %v", err)
	}
	if value <= 0 || value > 100 {
		return rate, fmt.Sprintf("rate %v out of range", value)
	}
	rate.Rate = value

	if s := field("min_rate"); s != "" {
		v, err := parsePercent(s)
		if err != nil {
			return rate, fmt.Sprintf("invalid min_rate: %v", err)
		}
		if v < 0 || v > 100 {
			return rate, fmt.Sprintf("min_rate %v out of range", v)
		}
		rate.MinRate = &v
	}
	if s := field("max_rate"); s != "" {
		v, err := parsePercent(s)
		if err != nil {
			return rate, fmt.Sprintf("invalid max_rate: %v", err)
		}
		if v < 0 || v > 100 {
			return rate, fmt.Sprintf("max_rate %v out of range", v)
		}
		rate.MaxRate = &v
	}
	if rate.MinRate != nil && rate.MaxRate != nil && *rate.MinRate > *rate.MaxRate {
		return rate, "min_rate exceeds max_rate"
	}

	return rate, ""
}

func parsePercent(s string) (float64, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	if s == "" {
		return 0, errors.New("empty value")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%q is not a finite number", s)
	}
	return v, nil
}

func isBlank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
