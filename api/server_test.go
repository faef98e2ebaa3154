package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/docutag/monetizer"
	"github.com/docutag/monetizer/category"
	"github.com/docutag/monetizer/commission"
	"github.com/docutag/monetizer/db"
	"github.com/docutag/monetizer/models"
	"github.com/docutag/monetizer/platform"
	"github.com/docutag/monetizer/resolver"
	"github.com/docutag/monetizer/storage"
)

const amazonURL = "https://www.amazon.in/dp/B08N5WRWNW"

func setupTestServer(t *testing.T) (*Server, *db.MemoryStore) {
	t.Helper()

	seed, err := db.DefaultSeed()
	if err != nil {
		t.Fatalf("Failed to load seed: %v", err)
	}
	store, err := db.NewSeededMemoryStore(seed)
	if err != nil {
		t.Fatalf("Failed to seed store: %v", err)
	}

	platforms := platform.MustDefault()

	resolverConfig := resolver.DefaultConfig()
	resolverConfig.ShortenedDomains = []string{"127.0.0.1"}
	resolverConfig.HopTimeout = 2 * time.Second
	res := resolver.New(resolverConfig, resolver.WithPlatforms(platforms))

	categories := category.New(store, category.DefaultConfig(), nil)
	rates := commission.New(store, categories, nil)

	sheets, err := storage.New(storage.Config{BasePath: t.TempDir()})
	if err != nil {
		t.Fatalf("Failed to create sheet storage: %v", err)
	}

	engine := monetizer.New(monetizer.DefaultConfig(), monetizer.Deps{
		Tags:       store,
		Usage:      store,
		Categories: categories,
		Rates:      rates,
		Resolver:   res,
		Platforms:  platforms,
	})

	server, err := NewServer(Config{Addr: ":0", RequestTimeout: 10 * time.Second}, Deps{
		Store:      store,
		Resolver:   res,
		Platforms:  platforms,
		Categories: categories,
		Rates:      rates,
		Importer:   commission.NewImporter(store, nil),
		Engine:     engine,
		Sheets:     sheets,
	})
	if err != nil {
		t.Fatalf("Failed to create test server: %v", err)
	}

	return server, store
}

// do sends body (JSON-encoded unless it is a string) through the full handler chain
func do(t *testing.T, server *Server, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("Failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v (body %q)", err, w.Body.String())
	}
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var errResp map[string]string
	decode(t, w, &errResp)
	return errResp["error"]
}

func TestNewServerRequiresDeps(t *testing.T) {
	if _, err := NewServer(DefaultConfig(), Deps{}); err == nil {
		t.Error("Expected error for missing dependencies")
	}
}

func TestHandleHealth(t *testing.T) {
	server, _ := setupTestServer(t)

	w := do(t, server, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status code = %d, want %d", w.Code, http.StatusOK)
	}

	var resp map[string]string
	decode(t, w, &resp)
	if resp["status"] != "ok" {
		t.Errorf("Status = %q, want ok", resp["status"])
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Error("Expected X-Request-Id header to be set")
	}
}

func TestRequestIDPropagated(t *testing.T) {
	server, _ := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", "req-123")
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-Id"); got != "req-123" {
		t.Errorf("X-Request-Id = %q, want req-123", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server, _ := setupTestServer(t)

	do(t, server, http.MethodGet, "/health", nil)
	w := do(t, server, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status code = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "monetizer_http_request_duration_seconds") {
		t.Error("Expected request duration histogram in metrics output")
	}
}

func TestHandleResolve(t *testing.T) {
	server, _ := setupTestServer(t)

	tests := []struct {
		name           string
		body           interface{}
		wantStatusCode int
		wantErrMsg     string
		checkResponse  func(t *testing.T, resp *models.ResolvedURL)
	}{
		{
			name:           "direct product URL",
			body:           urlRequest{URL: amazonURL},
			wantStatusCode: http.StatusOK,
			checkResponse: func(t *testing.T, resp *models.ResolvedURL) {
				if resp.FinalURL != amazonURL {
					t.Errorf("FinalURL = %q, want %q", resp.FinalURL, amazonURL)
				}
				if resp.IsShortened {
					t.Error("Expected IsShortened to be false")
				}
				if resp.Platform != "amazon" || resp.ProductID != "B08N5WRWNW" {
					t.Errorf("Platform/ProductID = %q/%q, want amazon/B08N5WRWNW", resp.Platform, resp.ProductID)
				}
			},
		},
		{
			name:           "missing URL",
			body:           urlRequest{},
			wantStatusCode: http.StatusBadRequest,
			wantErrMsg:     "url is required",
		},
		{
			name:           "invalid JSON",
			body:           "invalid json",
			wantStatusCode: http.StatusBadRequest,
			wantErrMsg:     "invalid request body",
		},
		{
			name:           "invalid URL scheme",
			body:           urlRequest{URL: "ftp://example.com/file"},
			wantStatusCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, server, http.MethodPost, "/api/resolve", tt.body)

			if w.Code != tt.wantStatusCode {
				t.Fatalf("Status code = %d, want %d (body %s)", w.Code, tt.wantStatusCode, w.Body.String())
			}
			if tt.wantErrMsg != "" {
				if msg := errorMessage(t, w); msg != tt.wantErrMsg {
					t.Errorf("Error message = %q, want %q", msg, tt.wantErrMsg)
				}
			}
			if tt.checkResponse != nil {
				var resp models.ResolvedURL
				decode(t, w, &resp)
				tt.checkResponse(t, &resp)
			}
		})
	}
}

func TestHandleResolveShortened(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/s":
			http.Redirect(w, r, "/landing", http.StatusMovedPermanently)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	server, _ := setupTestServer(t)

	w := do(t, server, http.MethodPost, "/api/resolve", urlRequest{URL: srv.URL + "/s"})
	if w.Code != http.StatusOK {
		t.Fatalf("Status code = %d, want %d", w.Code, http.StatusOK)
	}

	var resp models.ResolvedURL
	decode(t, w, &resp)
	if !resp.IsShortened {
		t.Error("Expected IsShortened to be true")
	}
	if resp.FinalURL != srv.URL+"/landing" {
		t.Errorf("FinalURL = %q, want %q", resp.FinalURL, srv.URL+"/landing")
	}
	if len(resp.RedirectChain) != 2 {
		t.Errorf("RedirectChain = %v, want 2 entries", resp.RedirectChain)
	}
}

func TestHandleResolveBatch(t *testing.T) {
	server, _ := setupTestServer(t)

	w := do(t, server, http.MethodPost, "/api/resolve/batch", batchRequest{
		URLs: []string{amazonURL, "not a url", "https://www.flipkart.com/p/itm123"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Status code = %d, want %d", w.Code, http.StatusOK)
	}

	var resp struct {
		Results []models.ResolveResult `json:"results"`
	}
	decode(t, w, &resp)

	if len(resp.Results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(resp.Results))
	}
	if resp.Results[0].Resolved == nil || resp.Results[0].URL != amazonURL {
		t.Errorf("First result = %+v, want resolved %s", resp.Results[0], amazonURL)
	}
	if resp.Results[1].Error == "" || resp.Results[1].Resolved != nil {
		t.Errorf("Second result = %+v, want an error", resp.Results[1])
	}
	if resp.Results[2].Resolved == nil {
		t.Errorf("Third result = %+v, want resolved", resp.Results[2])
	}
}

func TestHandleResolveBatchLimits(t *testing.T) {
	server, _ := setupTestServer(t)

	w := do(t, server, http.MethodPost, "/api/resolve/batch", batchRequest{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Empty batch status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	urls := make([]string, maxBatchURLs+1)
	for i := range urls {
		urls[i] = amazonURL
	}
	w = do(t, server, http.MethodPost, "/api/resolve/batch", batchRequest{URLs: urls})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Oversized batch status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleDetectPlatform(t *testing.T) {
	server, _ := setupTestServer(t)

	w := do(t, server, http.MethodPost, "/api/platform", urlRequest{URL: amazonURL})
	if w.Code != http.StatusOK {
		t.Fatalf("Status code = %d, want %d", w.Code, http.StatusOK)
	}

	var resp struct {
		Resolved models.ResolvedURL     `json:"resolved"`
		Platform models.PlatformProfile `json:"platform"`
	}
	decode(t, w, &resp)
	if resp.Platform.PlatformID != "amazon" {
		t.Errorf("PlatformID = %q, want amazon", resp.Platform.PlatformID)
	}
	if resp.Platform.ProductID != "B08N5WRWNW" {
		t.Errorf("ProductID = %q, want B08N5WRWNW", resp.Platform.ProductID)
	}
	if !resp.Platform.AffiliateCapable {
		t.Error("Expected amazon to be affiliate capable")
	}
}

func TestHandleListPlatforms(t *testing.T) {
	server, _ := setupTestServer(t)

	w := do(t, server, http.MethodGet, "/api/platforms", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status code = %d, want %d", w.Code, http.StatusOK)
	}

	var resp struct {
		Platforms  []models.PlatformProfile `json:"platforms"`
		Shorteners []string                 `json:"shorteners"`
	}
	decode(t, w, &resp)
	if len(resp.Platforms) == 0 {
		t.Error("Expected platforms in response")
	}
	if len(resp.Shorteners) != 1 || resp.Shorteners[0] != "127.0.0.1" {
		t.Errorf("Shorteners = %v, want [127.0.0.1]", resp.Shorteners)
	}
}

func TestHandleDetectCategory(t *testing.T) {
	server, _ := setupTestServer(t)

	w := do(t, server, http.MethodPost, "/api/category", categoryRequest{
		URL:   "https://www.myntra.com/shirts/123",
		Title: "Cotton shirt dress",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Status code = %d, want %d", w.Code, http.StatusOK)
	}

	var match models.CategoryMatch
	decode(t, w, &match)
	if match.Category != "Fashion" {
		t.Errorf("Category = %q, want Fashion", match.Category)
	}
	if match.Confidence <= 0 || match.Confidence > 1 {
		t.Errorf("Confidence = %v, want (0, 1]", match.Confidence)
	}

	w = do(t, server, http.MethodPost, "/api/category", categoryRequest{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Empty request status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleSaveCategoryRule(t *testing.T) {
	server, _ := setupTestServer(t)

	w := do(t, server, http.MethodPost, "/api/category/rules", models.CategoryRule{
		Category: "Toys",
		Keywords: []string{"lego", "toy"},
		Priority: 20,
		Active:   true,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Status code = %d, want %d (body %s)", w.Code, http.StatusCreated, w.Body.String())
	}
	var rule models.CategoryRule
	decode(t, w, &rule)
	if rule.ID == 0 {
		t.Error("Expected rule ID to be assigned")
	}

	w = do(t, server, http.MethodPost, "/api/category", categoryRequest{Title: "Lego toy castle"})
	var match models.CategoryMatch
	decode(t, w, &match)
	if match.Category != "Toys" {
		t.Errorf("Category after reload = %q, want Toys", match.Category)
	}

	w = do(t, server, http.MethodPost, "/api/category/rules", models.CategoryRule{Category: "Empty"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Rule without keywords status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleGetRate(t *testing.T) {
	server, _ := setupTestServer(t)

	tests := []struct {
		name           string
		target         string
		wantStatusCode int
		wantRate       float64
		wantSource     string
	}{
		{
			name:           "exact row",
			target:         "/api/rates?network=CueLinks&category=Fashion",
			wantStatusCode: http.StatusOK,
			wantRate:       8,
			wantSource:     "default",
		},
		{
			name:           "network average",
			target:         "/api/rates?network=EarnKaro&category=Travel",
			wantStatusCode: http.StatusOK,
			wantRate:       4,
			wantSource:     "default_average",
		},
		{
			name:           "unknown network",
			target:         "/api/rates?network=Nowhere&category=Fashion",
			wantStatusCode: http.StatusOK,
			wantRate:       commission.DefaultRate("Nowhere"),
			wantSource:     "default",
		},
		{
			name:           "missing network",
			target:         "/api/rates?category=Fashion",
			wantStatusCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, server, http.MethodGet, tt.target, nil)
			if w.Code != tt.wantStatusCode {
				t.Fatalf("Status code = %d, want %d", w.Code, tt.wantStatusCode)
			}
			if w.Code != http.StatusOK {
				return
			}
			var rate models.RateResult
			decode(t, w, &rate)
			if rate.Rate != tt.wantRate {
				t.Errorf("Rate = %v, want %v", rate.Rate, tt.wantRate)
			}
			if rate.Source != tt.wantSource {
				t.Errorf("Source = %q, want %q", rate.Source, tt.wantSource)
			}
		})
	}
}

func TestHandleOptimalRate(t *testing.T) {
	server, _ := setupTestServer(t)

	w := do(t, server, http.MethodPost, "/api/rates/optimal", optimalRateRequest{
		URL:      "https://www.myntra.com/shirts/123",
		Title:    "Cotton shirt dress",
		Networks: []string{"Amazon Associates", "CueLinks"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Status code = %d, want %d", w.Code, http.StatusOK)
	}

	var optimal models.OptimalRate
	decode(t, w, &optimal)
	if optimal.Network != "CueLinks" {
		t.Errorf("Network = %q, want CueLinks", optimal.Network)
	}
	if optimal.Rate.Rate != 8 {
		t.Errorf("Rate = %v, want 8", optimal.Rate.Rate)
	}
	if optimal.Category.Category != "Fashion" {
		t.Errorf("Category = %q, want Fashion", optimal.Category.Category)
	}

	w = do(t, server, http.MethodPost, "/api/rates/optimal", optimalRateRequest{Title: "shirt"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Missing networks status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleImportCSV(t *testing.T) {
	server, store := setupTestServer(t)

	sheet := "network,category,rate\nCueLinks,Fashion,9.5\nCueLinks,Toys,abc\n"
	w := do(t, server, http.MethodPost, "/api/rates/import?source=csv", sheet)
	if w.Code != http.StatusOK {
		t.Fatalf("Status code = %d, want %d (body %s)", w.Code, http.StatusOK, w.Body.String())
	}

	var report commission.ImportReport
	decode(t, w, &report)
	if report.Imported != 1 || report.Invalid != 1 {
		t.Errorf("Imported/Invalid = %d/%d, want 1/1", report.Imported, report.Invalid)
	}
	if report.BatchID == "" {
		t.Error("Expected batch ID in report")
	}

	imports := store.Imports()
	if len(imports) != 1 || imports[0].BatchID != report.BatchID {
		t.Errorf("Recorded imports = %+v, want batch %s", imports, report.BatchID)
	}

	w = do(t, server, http.MethodGet, "/api/rates?network=CueLinks&category=Fashion", nil)
	var rate models.RateResult
	decode(t, w, &rate)
	if rate.Rate != 9.5 || rate.Source != "csv" {
		t.Errorf("Rate after import = %v (%s), want 9.5 (csv)", rate.Rate, rate.Source)
	}
}

func TestHandleImportCSVErrors(t *testing.T) {
	server, _ := setupTestServer(t)

	tests := []struct {
		name   string
		target string
		body   string
	}{
		{name: "invalid source", target: "/api/rates/import?source=api", body: "network,category,rate\nCueLinks,Fashion,9\n"},
		{name: "empty sheet", target: "/api/rates/import", body: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, server, http.MethodPost, tt.target, tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Status code = %d, want %d (body %s)", w.Code, http.StatusBadRequest, w.Body.String())
			}
		})
	}
}

func TestHandleSheetUploadAndImport(t *testing.T) {
	server, store := setupTestServer(t)

	w := do(t, server, http.MethodPut, "/api/rates/sheets/CueLinks", "network,category,rate\nCueLinks,Gaming,6.5\n")
	if w.Code != http.StatusCreated {
		t.Fatalf("Upload status = %d, want %d (body %s)", w.Code, http.StatusCreated, w.Body.String())
	}
	var uploaded map[string]string
	decode(t, w, &uploaded)
	if !strings.HasPrefix(uploaded["key"], "rate-sheets/") || !strings.HasSuffix(uploaded["key"], "/cuelinks.csv") {
		t.Fatalf("Key = %q, want rate-sheets/.../cuelinks.csv", uploaded["key"])
	}

	w = do(t, server, http.MethodPost, "/api/rates/import/sheet", sheetImportRequest{Key: uploaded["key"]})
	if w.Code != http.StatusOK {
		t.Fatalf("Import status = %d, want %d (body %s)", w.Code, http.StatusOK, w.Body.String())
	}
	var report commission.ImportReport
	decode(t, w, &report)
	if report.Imported != 1 {
		t.Errorf("Imported = %d, want 1", report.Imported)
	}

	imports := store.Imports()
	if len(imports) != 1 || imports[0].SheetKey != uploaded["key"] {
		t.Errorf("Recorded imports = %+v, want sheet key %s", imports, uploaded["key"])
	}

	w = do(t, server, http.MethodPost, "/api/rates/import/sheet", sheetImportRequest{Key: "rate-sheets/1999/01/missing.csv"})
	if w.Code != http.StatusNotFound {
		t.Errorf("Missing sheet status = %d, want %d", w.Code, http.StatusNotFound)
	}

	w = do(t, server, http.MethodPost, "/api/rates/import/sheet", sheetImportRequest{Key: "../etc/passwd"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Escaping key status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleRateStats(t *testing.T) {
	server, _ := setupTestServer(t)

	w := do(t, server, http.MethodGet, "/api/rates/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status code = %d, want %d", w.Code, http.StatusOK)
	}

	var resp struct {
		Statistics []models.RateStatistic `json:"statistics"`
	}
	decode(t, w, &resp)

	found := false
	for _, s := range resp.Statistics {
		if s.Network == "CueLinks" && s.Source == "default" {
			found = true
			if s.Count != 5 || s.Max != 10 || s.Min != 4 {
				t.Errorf("CueLinks stats = %+v, want count 5, min 4, max 10", s)
			}
		}
	}
	if !found {
		t.Errorf("Expected CueLinks statistics, got %+v", resp.Statistics)
	}
}

func TestHandleProcess(t *testing.T) {
	server, _ := setupTestServer(t)

	w := do(t, server, http.MethodPost, "/api/agents/prime-picks/process", selectRequest{URL: amazonURL})
	if w.Code != http.StatusOK {
		t.Fatalf("Status code = %d, want %d (body %s)", w.Code, http.StatusOK, w.Body.String())
	}

	var result models.TagApplicationResult
	decode(t, w, &result)
	want := amazonURL + "?tag=pickntrust03-21"
	if result.AffiliateURL != want {
		t.Errorf("AffiliateURL = %q, want %q", result.AffiliateURL, want)
	}
	if result.Tag == nil || result.Tag.Network != "Amazon Associates" {
		t.Errorf("Tag = %+v, want Amazon Associates", result.Tag)
	}
}

func TestHandleProcessWithTitle(t *testing.T) {
	server, _ := setupTestServer(t)

	w := do(t, server, http.MethodPost, "/api/agents/click-picks/process", selectRequest{
		URL:        "https://www.myntra.com/shirts/123",
		Title:      "Cotton shirt dress",
		TrackUsage: true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Status code = %d, want %d (body %s)", w.Code, http.StatusOK, w.Body.String())
	}

	var result models.TagApplicationResult
	decode(t, w, &result)
	if result.Tag == nil || result.Tag.Network != "CueLinks" {
		t.Fatalf("Tag = %+v, want CueLinks", result.Tag)
	}
	if result.Category != "Fashion" {
		t.Errorf("Category = %q, want Fashion", result.Category)
	}
	if result.CommissionRate == nil || *result.CommissionRate != 8 {
		t.Errorf("CommissionRate = %v, want 8", result.CommissionRate)
	}
	if !strings.HasPrefix(result.AffiliateURL, "https://linksredirect.com/?cid=243942&source=linkkit&url=https%3A%2F%2Fwww.myntra.com") {
		t.Errorf("AffiliateURL = %q, want CueLinks wrapper", result.AffiliateURL)
	}
}

func TestHandleProcessNoTags(t *testing.T) {
	server, _ := setupTestServer(t)

	w := do(t, server, http.MethodPost, "/api/agents/nobody/process", selectRequest{URL: amazonURL})
	if w.Code != http.StatusOK {
		t.Fatalf("Status code = %d, want %d", w.Code, http.StatusOK)
	}

	var result models.TagApplicationResult
	decode(t, w, &result)
	if result.AffiliateURL != amazonURL {
		t.Errorf("AffiliateURL = %q, want original %q", result.AffiliateURL, amazonURL)
	}
	if result.Tag != nil {
		t.Errorf("Tag = %+v, want nil", result.Tag)
	}

	w = do(t, server, http.MethodPost, "/api/agents/nobody/process", selectRequest{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Missing url status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleOptimalTag(t *testing.T) {
	server, _ := setupTestServer(t)

	w := do(t, server, http.MethodPost, "/api/agents/click-picks/optimal-tag", selectRequest{})
	if w.Code != http.StatusOK {
		t.Fatalf("Status code = %d, want %d", w.Code, http.StatusOK)
	}
	var tag models.AffiliateTag
	decode(t, w, &tag)
	if tag.Network != "CueLinks" {
		t.Errorf("Network = %q, want CueLinks", tag.Network)
	}

	w = do(t, server, http.MethodPost, "/api/agents/nobody/optimal-tag", selectRequest{})
	if w.Code != http.StatusNotFound {
		t.Fatalf("Status code = %d, want %d", w.Code, http.StatusNotFound)
	}
	if msg := errorMessage(t, w); msg != monetizer.ErrNoActiveTags.Error() {
		t.Errorf("Error message = %q, want %q", msg, monetizer.ErrNoActiveTags.Error())
	}
}

func TestHandleProcessFallback(t *testing.T) {
	server, store := setupTestServer(t)

	w := do(t, server, http.MethodPost, "/api/agents/click-picks/process-fallback", fallbackRequest{URL: amazonURL})
	if w.Code != http.StatusOK {
		t.Fatalf("Status code = %d, want %d (body %s)", w.Code, http.StatusOK, w.Body.String())
	}

	var result models.FallbackResult
	decode(t, w, &result)
	if result.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", result.Attempt)
	}
	if result.Tag == nil || result.Tag.Network != "CueLinks" {
		t.Fatalf("Tag = %+v, want CueLinks", result.Tag)
	}

	tag, err := store.GetTag(context.Background(), result.Tag.ID)
	if err != nil {
		t.Fatalf("GetTag failed: %v", err)
	}
	if tag.SuccessRate == nil || *tag.SuccessRate != 100 {
		t.Errorf("SuccessRate = %v, want 100 after a successful attempt", tag.SuccessRate)
	}
}

func TestHandleProcessFallbackExhausted(t *testing.T) {
	server, _ := setupTestServer(t)

	w := do(t, server, http.MethodPost, "/api/agents/broken/tags", createTagRequest{
		Network:  "CueLinks",
		TagValue: "https://linksredirect.com/?cid=1",
		TagType:  models.TagTypeWrapper,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Create status = %d, want %d (body %s)", w.Code, http.StatusCreated, w.Body.String())
	}

	w = do(t, server, http.MethodPost, "/api/agents/broken/process-fallback", fallbackRequest{URL: amazonURL})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Status code = %d, want %d (body %s)", w.Code, http.StatusUnprocessableEntity, w.Body.String())
	}

	var resp struct {
		Error        string `json:"error"`
		AffiliateURL string `json:"affiliate_url"`
		Attempt      int    `json:"attempt"`
	}
	decode(t, w, &resp)
	if resp.AffiliateURL != amazonURL {
		t.Errorf("AffiliateURL = %q, want original URL", resp.AffiliateURL)
	}
	if resp.Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", resp.Attempt)
	}
	if resp.Error == "" {
		t.Error("Expected error message")
	}
}

func TestHandleMonetize(t *testing.T) {
	server, _ := setupTestServer(t)

	w := do(t, server, http.MethodPost, "/api/agents/prime-picks/monetize", selectRequest{URL: amazonURL})
	if w.Code != http.StatusOK {
		t.Fatalf("Status code = %d, want %d (body %s)", w.Code, http.StatusOK, w.Body.String())
	}

	var result models.MonetizeResult
	decode(t, w, &result)
	if result.Platform.PlatformID != "amazon" {
		t.Errorf("PlatformID = %q, want amazon", result.Platform.PlatformID)
	}
	if result.Resolved.FinalURL != amazonURL {
		t.Errorf("FinalURL = %q, want %q", result.Resolved.FinalURL, amazonURL)
	}
	if result.Application.AffiliateURL != amazonURL+"?tag=pickntrust03-21" {
		t.Errorf("AffiliateURL = %q", result.Application.AffiliateURL)
	}

	w = do(t, server, http.MethodPost, "/api/agents/prime-picks/monetize", selectRequest{URL: "mailto:someone@example.com"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Invalid URL status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleTagLifecycle(t *testing.T) {
	server, _ := setupTestServer(t)

	// Prime the tag cache so the later toggle has something to invalidate
	w := do(t, server, http.MethodPost, "/api/agents/solo/optimal-tag", selectRequest{})
	if w.Code != http.StatusNotFound {
		t.Fatalf("Status code = %d, want %d", w.Code, http.StatusNotFound)
	}

	w = do(t, server, http.MethodPost, "/api/agents/solo/tags", createTagRequest{
		Network:            "EarnKaro",
		TagValue:           "ref=solo",
		TagType:            models.TagTypeParameter,
		CommissionRateHint: 5,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Create status = %d, want %d (body %s)", w.Code, http.StatusCreated, w.Body.String())
	}
	var created models.AffiliateTag
	decode(t, w, &created)
	if created.ID == 0 || !created.IsActive || created.AgentID != "solo" {
		t.Fatalf("Created tag = %+v", created)
	}

	w = do(t, server, http.MethodPost, "/api/agents/solo/optimal-tag", selectRequest{})
	if w.Code != http.StatusOK {
		t.Fatalf("Optimal tag after create = %d, want %d", w.Code, http.StatusOK)
	}

	w = do(t, server, http.MethodPatch, fmt.Sprintf("/api/tags/%d", created.ID), map[string]bool{"is_active": false})
	if w.Code != http.StatusOK {
		t.Fatalf("Patch status = %d, want %d (body %s)", w.Code, http.StatusOK, w.Body.String())
	}

	w = do(t, server, http.MethodPost, "/api/agents/solo/optimal-tag", selectRequest{})
	if w.Code != http.StatusNotFound {
		t.Errorf("Optimal tag after disable = %d, want %d", w.Code, http.StatusNotFound)
	}

	w = do(t, server, http.MethodGet, "/api/agents/solo/tags", nil)
	var list struct {
		Tags []models.AffiliateTag `json:"tags"`
	}
	decode(t, w, &list)
	if len(list.Tags) != 1 || list.Tags[0].IsActive {
		t.Errorf("Tags = %+v, want one inactive tag", list.Tags)
	}
}

func TestHandleCreateTagValidation(t *testing.T) {
	server, _ := setupTestServer(t)

	tests := []struct {
		name string
		body createTagRequest
	}{
		{name: "missing network", body: createTagRequest{TagValue: "a=b", TagType: models.TagTypeParameter}},
		{name: "missing value", body: createTagRequest{Network: "CueLinks", TagType: models.TagTypeParameter}},
		{name: "unknown type", body: createTagRequest{Network: "CueLinks", TagValue: "a=b", TagType: "cookie"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, server, http.MethodPost, "/api/agents/x/tags", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Status code = %d, want %d", w.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestHandleUpdateTagNotFound(t *testing.T) {
	server, _ := setupTestServer(t)

	w := do(t, server, http.MethodPatch, "/api/tags/9999", map[string]bool{"is_active": false})
	if w.Code != http.StatusNotFound {
		t.Errorf("Status code = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestHandleTagUsage(t *testing.T) {
	server, store := setupTestServer(t)

	tests := []struct {
		name           string
		target         string
		body           interface{}
		wantStatusCode int
	}{
		{name: "success", target: "/api/tags/1/usage", body: map[string]bool{"success": true}, wantStatusCode: http.StatusNoContent},
		{name: "missing success", target: "/api/tags/1/usage", body: map[string]string{}, wantStatusCode: http.StatusBadRequest},
		{name: "invalid id", target: "/api/tags/abc/usage", body: map[string]bool{"success": true}, wantStatusCode: http.StatusBadRequest},
		{name: "unknown tag", target: "/api/tags/9999/usage", body: map[string]bool{"success": true}, wantStatusCode: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, server, http.MethodPost, tt.target, tt.body)
			if w.Code != tt.wantStatusCode {
				t.Errorf("Status code = %d, want %d (body %s)", w.Code, tt.wantStatusCode, w.Body.String())
			}
		})
	}

	tag, err := store.GetTag(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetTag failed: %v", err)
	}
	if tag.SuccessRate == nil || *tag.SuccessRate != 100 {
		t.Errorf("SuccessRate = %v, want 100", tag.SuccessRate)
	}
	if tag.LastUsedAt == nil {
		t.Error("Expected LastUsedAt to be set")
	}
}

func TestHandleApplyTag(t *testing.T) {
	server, _ := setupTestServer(t)

	tests := []struct {
		name           string
		body           applyRequest
		wantStatusCode int
		wantURL        string
	}{
		{
			name: "parameter",
			body: applyRequest{
				URL: "https://www.flipkart.com/p/itm123?pid=1",
				Tag: models.AffiliateTag{TagType: models.TagTypeParameter, TagValue: "affid=me"},
			},
			wantStatusCode: http.StatusOK,
			wantURL:        "https://www.flipkart.com/p/itm123?pid=1&affid=me",
		},
		{
			name: "wrapper",
			body: applyRequest{
				URL: "https://a.com/x y",
				Tag: models.AffiliateTag{TagType: models.TagTypeWrapper, TagValue: "https://r.example/?u={{URL_ENC}}"},
			},
			wantStatusCode: http.StatusOK,
			wantURL:        "https://r.example/?u=https%3A%2F%2Fa.com%2Fx%20y",
		},
		{
			name: "malformed",
			body: applyRequest{
				URL: amazonURL,
				Tag: models.AffiliateTag{TagType: models.TagTypeParameter, TagValue: "novalue"},
			},
			wantStatusCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, server, http.MethodPost, "/api/tags/apply", tt.body)
			if w.Code != tt.wantStatusCode {
				t.Fatalf("Status code = %d, want %d (body %s)", w.Code, tt.wantStatusCode, w.Body.String())
			}
			if tt.wantURL == "" {
				return
			}
			var resp map[string]string
			decode(t, w, &resp)
			if resp["affiliate_url"] != tt.wantURL {
				t.Errorf("affiliate_url = %q, want %q", resp["affiliate_url"], tt.wantURL)
			}
		})
	}
}

func TestHandleClearCache(t *testing.T) {
	server, _ := setupTestServer(t)

	for _, target := range []string{"/api/cache?agent=prime-picks", "/api/cache"} {
		w := do(t, server, http.MethodDelete, target, nil)
		if w.Code != http.StatusNoContent {
			t.Errorf("%s status = %d, want %d", target, w.Code, http.StatusNoContent)
		}
	}
}

func TestCORSPreflight(t *testing.T) {
	server, _ := setupTestServer(t)

	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{"https://admin.example.com"}
	withCORS, err := NewServer(cfg, server.deps)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	req := httptest.NewRequest(http.MethodOptions, "/api/resolve", nil)
	req.Header.Set("Origin", "https://admin.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	withCORS.Handler().ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://admin.example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q, want https://admin.example.com", got)
	}
}

func TestRecoverer(t *testing.T) {
	server, _ := setupTestServer(t)

	h := server.recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Status code = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", resolver.ErrInvalidInputURL), http.StatusBadRequest},
		{fmt.Errorf("wrap: %w", monetizer.ErrMalformedTag), http.StatusBadRequest},
		{commission.ErrInvalidSheet, http.StatusBadRequest},
		{commission.ErrInvalidSource, http.StatusBadRequest},
		{storage.ErrInvalidKey, http.StatusBadRequest},
		{fmt.Errorf("tag 3: %w", db.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("read: %w", fs.ErrNotExist), http.StatusNotFound},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
