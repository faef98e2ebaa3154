package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/docutag/monetizer"
	"github.com/docutag/monetizer/commission"
	"github.com/docutag/monetizer/db"
	"github.com/docutag/monetizer/models"
)

const maxBatchURLs = 100

type urlRequest struct {
	URL string `json:"url"`
}

type batchRequest struct {
	URLs []string `json:"urls"`
}

type categoryRequest struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

type optimalRateRequest struct {
	URL      string            `json:"url"`
	Title    string            `json:"title"`
	Networks []string          `json:"networks"`
	Method   models.RateMethod `json:"method"`
}

type sheetImportRequest struct {
	Key    string            `json:"key"`
	Source models.DataSource `json:"source"`
}

type selectRequest struct {
	URL        string            `json:"url"`
	Title      string            `json:"title"`
	Method     models.RateMethod `json:"method"`
	TrackUsage bool              `json:"track_usage"`
}

type fallbackRequest struct {
	URL        string `json:"url"`
	MaxRetries int    `json:"max_retries"`
}

type usageRequest struct {
	Success *bool `json:"success"`
}

type applyRequest struct {
	URL string              `json:"url"`
	Tag models.AffiliateTag `json:"tag"`
}

type createTagRequest struct {
	Network            string         `json:"network"`
	TagValue           string         `json:"tag_value"`
	TagType            models.TagType `json:"tag_type"`
	Priority           int            `json:"priority"`
	CommissionRateHint float64        `json:"commission_rate_hint"`
	IsActive           *bool          `json:"is_active"` // Defaults to true
}

type updateTagRequest struct {
	IsActive *bool `json:"is_active"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleResolve follows one URL to its destination
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req urlRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		respondError(w, http.StatusBadRequest, "url is required")
		return
	}

	resolved, err := s.deps.Resolver.Resolve(r.Context(), req.URL)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resolved)
}

// handleResolveBatch resolves many URLs; per-URL failures are reported inline
func (s *Server) handleResolveBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.URLs) == 0 {
		respondError(w, http.StatusBadRequest, "urls is required")
		return
	}
	if len(req.URLs) > maxBatchURLs {
		respondError(w, http.StatusBadRequest, "too many urls (max "+strconv.Itoa(maxBatchURLs)+")")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"results": s.deps.Resolver.ResolveMany(r.Context(), req.URLs),
	})
}

// handleDetectPlatform resolves a URL and reports its platform profile
func (s *Server) handleDetectPlatform(w http.ResponseWriter, r *http.Request) {
	var req urlRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		respondError(w, http.StatusBadRequest, "url is required")
		return
	}

	resolved, err := s.deps.Resolver.Resolve(r.Context(), req.URL)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"resolved": resolved,
		"platform": s.deps.Platforms.DetectPlatform(*resolved),
	})
}

func (s *Server) handleListPlatforms(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"platforms":  s.deps.Platforms.Profiles(),
		"shorteners": s.deps.Resolver.SupportedShorteners(),
	})
}

func (s *Server) handleDetectCategory(w http.ResponseWriter, r *http.Request) {
	var req categoryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" && req.Title == "" {
		respondError(w, http.StatusBadRequest, "url or title is required")
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Categories.DetectCategory(r.Context(), req.URL, req.Title))
}

// handleSaveCategoryRule stores a rule and reloads the classifier
func (s *Server) handleSaveCategoryRule(w http.ResponseWriter, r *http.Request) {
	var rule models.CategoryRule
	if !decodeJSON(w, r, &rule) {
		return
	}
	rule.Category = strings.TrimSpace(rule.Category)
	if rule.Category == "" {
		respondError(w, http.StatusBadRequest, "category is required")
		return
	}
	if len(rule.Keywords) == 0 && len(rule.URLPatterns) == 0 {
		respondError(w, http.StatusBadRequest, "keywords or url_patterns are required")
		return
	}

	status := http.StatusOK
	if rule.ID == 0 {
		status = http.StatusCreated
	}
	if err := s.deps.Store.SaveCategoryRule(r.Context(), &rule); err != nil {
		s.respondFailure(w, r, err)
		return
	}
	if err := s.deps.Categories.Reload(r.Context()); err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, status, rule)
}

// handleGetRate answers a single network and category lookup
func (s *Server) handleGetRate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	network := q.Get("network")
	if network == "" {
		respondError(w, http.StatusBadRequest, "network is required")
		return
	}
	category := q.Get("category")
	if category == "" {
		category = models.GeneralCategory
	}
	method := models.RateMethod(q.Get("method"))

	respondJSON(w, http.StatusOK, s.deps.Rates.GetCommissionRate(r.Context(), network, category, method))
}

func (s *Server) handleOptimalRate(w http.ResponseWriter, r *http.Request) {
	var req optimalRateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Networks) == 0 {
		respondError(w, http.StatusBadRequest, "networks is required")
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Rates.GetOptimalRate(r.Context(), req.URL, req.Title, req.Networks, req.Method))
}

// handleImportCSV imports a rate sheet posted as the request body
func (s *Server) handleImportCSV(w http.ResponseWriter, r *http.Request) {
	source := models.DataSource(r.URL.Query().Get("source"))
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)

	report, err := s.deps.Importer.ImportCSV(r.Context(), body, source)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	s.recordImport(r.Context(), report, "")
	respondJSON(w, http.StatusOK, report)
}

// handleImportSheet imports a sheet previously stored in the sheet store
func (s *Server) handleImportSheet(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sheets == nil {
		respondError(w, http.StatusNotImplemented, "sheet storage is not configured")
		return
	}
	var req sheetImportRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Key == "" {
		respondError(w, http.StatusBadRequest, "key is required")
		return
	}

	report, err := s.deps.Importer.ImportSheet(r.Context(), s.deps.Sheets, req.Key, req.Source)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	s.recordImport(r.Context(), report, req.Key)
	respondJSON(w, http.StatusOK, report)
}

// recordImport writes the audit row; a failure does not undo the import
func (s *Server) recordImport(ctx context.Context, report commission.ImportReport, key string) {
	record := db.ImportRecord{
		BatchID:  report.BatchID,
		Source:   report.Source,
		SheetKey: key,
		Rows:     report.Rows,
		Imported: report.Imported,
		Invalid:  report.Invalid,
	}
	if err := s.deps.Store.RecordImport(ctx, record); err != nil {
		s.logger.Error("failed to record rate import", "batch_id", report.BatchID, "error", err)
	}
}

// handleUploadSheet stores a CSV sheet for later import
func (s *Server) handleUploadSheet(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sheets == nil {
		respondError(w, http.StatusNotImplemented, "sheet storage is not configured")
		return
	}
	network := chi.URLParam(r, "network")

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(data) == 0 {
		respondError(w, http.StatusBadRequest, "empty sheet")
		return
	}

	key, err := s.deps.Sheets.SaveSheet(r.Context(), network, data)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"key": key})
}

func (s *Server) handleRateStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Rates.Statistics(r.Context())
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"statistics": stats,
	})
}

func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.deps.Store.ListTags(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"tags": tags,
	})
}

// handleCreateTag adds a tag and drops the agent's cached tags
func (s *Server) handleCreateTag(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	var req createTagRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Network == "" || req.TagValue == "" {
		respondError(w, http.StatusBadRequest, "network and tag_value are required")
		return
	}
	if !req.TagType.Valid() {
		respondError(w, http.StatusBadRequest, "invalid tag_type")
		return
	}

	tag := models.AffiliateTag{
		AgentID:            agentID,
		Network:            req.Network,
		TagValue:           req.TagValue,
		TagType:            req.TagType,
		Priority:           req.Priority,
		IsActive:           req.IsActive == nil || *req.IsActive,
		CommissionRateHint: req.CommissionRateHint,
	}
	if err := s.deps.Store.CreateTag(r.Context(), &tag); err != nil {
		s.respondFailure(w, r, err)
		return
	}
	s.deps.Engine.ClearCache(agentID)
	respondJSON(w, http.StatusCreated, tag)
}

// handleUpdateTag toggles a tag and drops its agent's cached tags
func (s *Server) handleUpdateTag(w http.ResponseWriter, r *http.Request) {
	tagID, ok := parseTagID(w, r)
	if !ok {
		return
	}
	var req updateTagRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.IsActive == nil {
		respondError(w, http.StatusBadRequest, "is_active is required")
		return
	}

	if err := s.deps.Store.SetTagActive(r.Context(), tagID, *req.IsActive); err != nil {
		s.respondFailure(w, r, err)
		return
	}
	tag, err := s.deps.Store.GetTag(r.Context(), tagID)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	s.deps.Engine.ClearCache(tag.AgentID)
	respondJSON(w, http.StatusOK, tag)
}

// handleOptimalTag reports the tag ProcessURL would use
func (s *Server) handleOptimalTag(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	tag := s.deps.Engine.GetOptimalTag(r.Context(), chi.URLParam(r, "agentID"), monetizer.SelectOptions{
		URL:    req.URL,
		Title:  req.Title,
		Method: req.Method,
	})
	if tag == nil {
		respondError(w, http.StatusNotFound, monetizer.ErrNoActiveTags.Error())
		return
	}
	respondJSON(w, http.StatusOK, tag)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		respondError(w, http.StatusBadRequest, "url is required")
		return
	}

	result, err := s.deps.Engine.ProcessURL(r.Context(), chi.URLParam(r, "agentID"), req.URL, processOptions(req))
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handleProcessFallback reports exhaustion as 422 with the original URL
func (s *Server) handleProcessFallback(w http.ResponseWriter, r *http.Request) {
	var req fallbackRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		respondError(w, http.StatusBadRequest, "url is required")
		return
	}

	result, err := s.deps.Engine.ProcessURLWithFallback(r.Context(), chi.URLParam(r, "agentID"), req.URL,
		monetizer.FallbackOptions{MaxRetries: req.MaxRetries})
	if errors.Is(err, monetizer.ErrAllTagsFailed) {
		respondJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":         err.Error(),
			"affiliate_url": result.AffiliateURL,
			"attempt":       result.Attempt,
		})
		return
	}
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleMonetize(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		respondError(w, http.StatusBadRequest, "url is required")
		return
	}

	result, err := s.deps.Engine.Monetize(r.Context(), chi.URLParam(r, "agentID"), req.URL, processOptions(req))
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func processOptions(req selectRequest) monetizer.ProcessOptions {
	return monetizer.ProcessOptions{
		Title:      req.Title,
		Method:     req.Method,
		TrackUsage: req.TrackUsage,
	}
}

func (s *Server) handleTagUsage(w http.ResponseWriter, r *http.Request) {
	tagID, ok := parseTagID(w, r)
	if !ok {
		return
	}
	var req usageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Success == nil {
		respondError(w, http.StatusBadRequest, "success is required")
		return
	}

	if err := s.deps.Engine.TrackTagUsage(r.Context(), tagID, *req.Success); err != nil {
		s.respondFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleApplyTag applies a caller-supplied tag without touching the store
func (s *Server) handleApplyTag(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.URL == "" {
		respondError(w, http.StatusBadRequest, "url is required")
		return
	}

	affiliateURL, err := s.deps.Engine.ApplyTag(req.URL, req.Tag)
	if err != nil {
		s.respondFailure(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"affiliate_url": affiliateURL,
	})
}

// handleClearCache drops cached tags of one agent, or every cache when no agent is given
func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent")
	s.deps.Engine.ClearCache(agentID)
	if agentID == "" {
		s.deps.Categories.ClearCache()
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseTagID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "tagID"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid tag id")
		return 0, false
	}
	return id, true
}
