package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/docutag/monetizer"
	"github.com/docutag/monetizer/category"
	"github.com/docutag/monetizer/commission"
	"github.com/docutag/monetizer/db"
	"github.com/docutag/monetizer/metrics"
	"github.com/docutag/monetizer/platform"
	"github.com/docutag/monetizer/resolver"
	"github.com/docutag/monetizer/storage"
)

const maxBodyBytes = 5 << 20

// Server represents the API server
type Server struct {
	config  Config
	deps    Deps
	router  chi.Router
	handler http.Handler
	server  *http.Server
	logger  *slog.Logger
}

// Config contains server configuration
type Config struct {
	Addr           string
	CORSEnabled    bool
	AllowedOrigins []string
	RequestTimeout time.Duration // Deadline applied to every request context
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		CORSEnabled:    true,
		AllowedOrigins: []string{"*"},
		RequestTimeout: 30 * time.Second,
	}
}

// Deps are the components the API serves. Sheets is optional.
type Deps struct {
	Store      db.Store
	Resolver   *resolver.Resolver
	Platforms  *platform.Registry
	Categories *category.Classifier
	Rates      *commission.Resolver
	Importer   *commission.Importer
	Engine     *monetizer.Engine
	Sheets     storage.SheetStore
	Logger     *slog.Logger
}

// NewServer creates a new API server
func NewServer(config Config, deps Deps) (*Server, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("store is required")
	case deps.Resolver == nil:
		return nil, errors.New("resolver is required")
	case deps.Platforms == nil:
		return nil, errors.New("platform registry is required")
	case deps.Categories == nil:
		return nil, errors.New("category classifier is required")
	case deps.Rates == nil || deps.Importer == nil:
		return nil, errors.New("rate resolver and importer are required")
	case deps.Engine == nil:
		return nil, errors.New("engine is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config: config,
		deps:   deps,
		router: chi.NewRouter(),
		logger: logger,
	}
	s.registerRoutes()

	var handler http.Handler = s.router
	if config.CORSEnabled {
		origins := config.AllowedOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		handler = cors.New(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", "X-Request-Id"},
			MaxAge:         86400,
		}).Handler(handler)
	}
	s.handler = otelhttp.NewHandler(handler, "monetizer-api")

	s.server = &http.Server{
		Addr:         config.Addr,
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute, // Batch resolution can take several hop timeouts
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up all API routes
func (s *Server) registerRoutes() {
	r := s.router
	r.Use(s.requestID)
	r.Use(s.recoverer)
	r.Use(s.logging)
	r.Use(s.timeout)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/resolve", s.handleResolve)
		r.Post("/resolve/batch", s.handleResolveBatch)

		r.Post("/platform", s.handleDetectPlatform)
		r.Get("/platforms", s.handleListPlatforms)

		r.Post("/category", s.handleDetectCategory)
		r.Post("/category/rules", s.handleSaveCategoryRule)

		r.Route("/rates", func(r chi.Router) {
			r.Get("/", s.handleGetRate)
			r.Post("/optimal", s.handleOptimalRate)
			r.Post("/import", s.handleImportCSV)
			r.Post("/import/sheet", s.handleImportSheet)
			r.Put("/sheets/{network}", s.handleUploadSheet)
			r.Get("/stats", s.handleRateStats)
		})

		r.Route("/agents/{agentID}", func(r chi.Router) {
			r.Get("/tags", s.handleListTags)
			r.Post("/tags", s.handleCreateTag)
			r.Post("/optimal-tag", s.handleOptimalTag)
			r.Post("/process", s.handleProcess)
			r.Post("/process-fallback", s.handleProcessFallback)
			r.Post("/monetize", s.handleMonetize)
		})

		r.Post("/tags/apply", s.handleApplyTag)
		r.Patch("/tags/{tagID}", s.handleUpdateTag)
		r.Post("/tags/{tagID}/usage", s.handleTagUsage)

		r.Delete("/cache", s.handleClearCache)
	})
}

// Handler returns the fully wrapped HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the API server
func (s *Server) Start() error {
	s.logger.Info("starting API server", "addr", s.config.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server and closes the store
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	return s.deps.Store.Close()
}

type ctxKey int

const ctxKeyRequestID ctxKey = iota

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKeyRequestID, reqID)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic serving request",
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", requestIDFrom(r.Context()),
					"panic", fmt.Sprint(rec),
				)
				respondError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// logging records latency for every route and logs all but health checks
func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Observe(elapsed.Seconds())

		if r.URL.Path != "/health" {
			s.logger.Info("request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration", elapsed,
				"request_id", requestIDFrom(r.Context()),
			)
		}
	})
}

func (s *Server) timeout(next http.Handler) http.Handler {
	if s.config.RequestTimeout <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, resolver.ErrInvalidInputURL),
		errors.Is(err, monetizer.ErrMalformedTag),
		errors.Is(err, commission.ErrInvalidSheet),
		errors.Is(err, commission.ErrInvalidSource),
		errors.Is(err, storage.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, db.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// respondFailure logs server-side failures and sends err with its mapped status
func (s *Server) respondFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", requestIDFrom(r.Context()),
			"error", err,
		)
	}
	respondError(w, status, err.Error())
}

// decodeJSON reads a size-limited JSON body into v
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
