package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"

	"github.com/docutag/monetizer"
	"github.com/docutag/monetizer/category"
	"github.com/docutag/monetizer/resolver"
	"github.com/docutag/monetizer/storage"
)

// Config is the service configuration read from the environment
type Config struct {
	Port           string        `env:"PORT" envDefault:"8080"`
	DisableCORS    bool          `env:"DISABLE_CORS"`
	AllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"` // Per request deadline in the HTTP API
	ServiceName    string        `env:"OTEL_SERVICE_NAME" envDefault:"monetizer"`
	PlatformsFile  string        `env:"PLATFORMS_FILE"` // Optional platform table replacing the embedded one
	SeedFile       string        `env:"SEED_FILE"`      // Optional seed replacing the embedded one
	RedisURL       string        `env:"REDIS_URL"`      // Resolution cache; in-process cache when empty

	Database Database
	Storage  Storage
	Resolver Resolver
	Category Category
	Engine   Engine
}

// Database configures PostgreSQL; the in-memory store is used when Host is empty
type Database struct {
	Host     string `env:"DB_HOST"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"docutag"`
	Password string `env:"DB_PASSWORD" envDefault:"docutag_dev_pass"`
	Name     string `env:"DB_NAME" envDefault:"monetizer"`
	SSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`
}

// Storage configures rate sheet storage; S3 is used when a bucket is set
type Storage struct {
	BasePath       string `env:"STORAGE_BASE_PATH" envDefault:"./storage"`
	S3Endpoint     string `env:"S3_ENDPOINT"`
	S3Region       string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Bucket       string `env:"S3_BUCKET"`
	S3AccessKeyID  string `env:"S3_ACCESS_KEY_ID"`
	S3SecretKey    string `env:"S3_SECRET_ACCESS_KEY"`
	S3UsePathStyle bool   `env:"S3_USE_PATH_STYLE"`
}

// Resolver configures redirect following
type Resolver struct {
	MaxHops           int           `env:"MAX_REDIRECTS" envDefault:"10"`
	HopTimeout        time.Duration `env:"HOP_TIMEOUT" envDefault:"10s"`
	UserAgent         string        `env:"RESOLVER_USER_AGENT"`
	ShortenedDomains  []string      `env:"SHORTENER_DOMAINS" envSeparator:","`
	Concurrency       int           `env:"RESOLVE_CONCURRENCY" envDefault:"8"`
	RequestsPerSecond float64       `env:"RESOLVE_RPS"`
	Burst             int           `env:"RESOLVE_BURST" envDefault:"1"`
	CacheTTL          time.Duration `env:"RESOLVE_CACHE_TTL" envDefault:"24h"`
}

// Category configures the category classifier
type Category struct {
	RefreshInterval time.Duration `env:"CATEGORY_REFRESH_INTERVAL" envDefault:"5m"`
	MemoLimit       int           `env:"CATEGORY_MEMO_LIMIT" envDefault:"1000"`
}

// Engine configures tag selection
type Engine struct {
	TagCacheTTL time.Duration `env:"TAG_CACHE_TTL" envDefault:"5m"`
	MaxRetries  int           `env:"MAX_TAG_RETRIES" envDefault:"3"`
}

// Load reads .env files, when present, and parses the environment.
// Variables already set in the environment win over .env entries.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
		slog.Default().Debug("no .env file loaded", "error", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Resolver.MaxHops <= 0 {
		return fmt.Errorf("MAX_REDIRECTS must be positive, got %d", c.Resolver.MaxHops)
	}
	if c.Resolver.HopTimeout <= 0 {
		return fmt.Errorf("HOP_TIMEOUT must be positive, got %s", c.Resolver.HopTimeout)
	}
	if c.Engine.MaxRetries <= 0 {
		return fmt.Errorf("MAX_TAG_RETRIES must be positive, got %d", c.Engine.MaxRetries)
	}
	if c.Storage.S3Bucket != "" && (c.Storage.S3AccessKeyID == "" || c.Storage.S3SecretKey == "") {
		return errors.New("S3_BUCKET requires S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY")
	}
	return nil
}

// DSN returns the PostgreSQL connection string, or "" when no database is configured
func (c *Config) DSN() string {
	d := c.Database
	if d.Host == "" {
		return ""
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// UseS3 reports whether rate sheets go to object storage
func (c *Config) UseS3() bool {
	return c.Storage.S3Bucket != ""
}

// S3Config returns the object storage configuration
func (c *Config) S3Config() storage.S3Config {
	s := c.Storage
	return storage.S3Config{
		Endpoint:        s.S3Endpoint,
		Region:          s.S3Region,
		Bucket:          s.S3Bucket,
		AccessKeyID:     s.S3AccessKeyID,
		SecretAccessKey: s.S3SecretKey,
		UsePathStyle:    s.S3UsePathStyle,
	}
}

// ResolverConfig returns the resolver configuration, keeping defaults for unset values
func (c *Config) ResolverConfig() resolver.Config {
	rc := resolver.DefaultConfig()
	r := c.Resolver
	rc.MaxHops = r.MaxHops
	rc.HopTimeout = r.HopTimeout
	if r.UserAgent != "" {
		rc.UserAgent = r.UserAgent
	}
	if len(r.ShortenedDomains) > 0 {
		rc.ShortenedDomains = r.ShortenedDomains
	}
	if r.Concurrency > 0 {
		rc.Concurrency = r.Concurrency
	}
	rc.RequestsPerSecond = r.RequestsPerSecond
	if r.Burst > 0 {
		rc.Burst = r.Burst
	}
	rc.CacheTTL = r.CacheTTL
	return rc
}

// CategoryConfig returns the classifier configuration
func (c *Config) CategoryConfig() category.Config {
	return category.Config{
		MemoLimit:       c.Category.MemoLimit,
		RefreshInterval: c.Category.RefreshInterval,
	}
}

// EngineConfig returns the tag engine configuration
func (c *Config) EngineConfig() monetizer.Config {
	return monetizer.Config{
		TagCacheTTL: c.Engine.TagCacheTTL,
		MaxRetries:  c.Engine.MaxRetries,
	}
}
