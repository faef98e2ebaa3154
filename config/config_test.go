package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Port = %s, want 8080", cfg.Port)
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Errorf("RequestTimeout = %s", cfg.RequestTimeout)
	}
	if cfg.DSN() != "" {
		t.Errorf("DSN = %q, want empty without DB_HOST", cfg.DSN())
	}
	if cfg.UseS3() {
		t.Error("UseS3 true without a bucket")
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}

	rc := cfg.ResolverConfig()
	if rc.MaxHops != 10 || rc.HopTimeout != 10*time.Second || rc.CacheTTL != 24*time.Hour {
		t.Errorf("resolver config = %+v", rc)
	}
	if rc.UserAgent == "" || len(rc.ShortenedDomains) == 0 {
		t.Error("resolver defaults not kept")
	}

	if ec := cfg.EngineConfig(); ec.TagCacheTTL != 5*time.Minute || ec.MaxRetries != 3 {
		t.Errorf("engine config = %+v", ec)
	}
	if cc := cfg.CategoryConfig(); cc.MemoLimit != 1000 || cc.RefreshInterval != 5*time.Minute {
		t.Errorf("category config = %+v", cc)
	}
}

func TestLoadEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PORT", "9090")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("DB_NAME", "affiliates")
	t.Setenv("SHORTENER_DOMAINS", "amzn.to,bit.ly")
	t.Setenv("RESOLVE_RPS", "2.5")
	t.Setenv("TAG_CACHE_TTL", "0s")
	t.Setenv("S3_BUCKET", "sheets")
	t.Setenv("S3_ACCESS_KEY_ID", "key")
	t.Setenv("S3_SECRET_ACCESS_KEY", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != "9090" {
		t.Errorf("Port = %s", cfg.Port)
	}
	want := "host=db.internal port=5432 user=docutag password=docutag_dev_pass dbname=affiliates sslmode=disable"
	if cfg.DSN() != want {
		t.Errorf("DSN = %q, want %q", cfg.DSN(), want)
	}

	rc := cfg.ResolverConfig()
	if len(rc.ShortenedDomains) != 2 || rc.ShortenedDomains[1] != "bit.ly" || rc.RequestsPerSecond != 2.5 {
		t.Errorf("resolver config = %+v", rc)
	}
	if cfg.EngineConfig().TagCacheTTL != 0 {
		t.Error("TAG_CACHE_TTL=0s should disable the tag cache")
	}

	if !cfg.UseS3() || cfg.S3Config().Bucket != "sheets" || cfg.S3Config().Region != "us-east-1" {
		t.Errorf("s3 config = %+v", cfg.S3Config())
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("PORT=7070\nDB_HOST=from-file\nREDIS_URL=redis://cache:6379/0\n"), 0644); err != nil {
		t.Fatalf("failed to write .env: %v", err)
	}
	t.Setenv("DB_HOST", "from-env")
	// values loaded from the file outlive the test, so restore them
	t.Setenv("PORT", "")
	os.Unsetenv("PORT")
	t.Setenv("REDIS_URL", "")
	os.Unsetenv("REDIS_URL")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "7070" || cfg.RedisURL != "redis://cache:6379/0" {
		t.Errorf("values from .env not applied: port %s, redis %s", cfg.Port, cfg.RedisURL)
	}
	if cfg.Database.Host != "from-env" {
		t.Errorf("DB_HOST = %s, environment should win over .env", cfg.Database.Host)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"zero hops", map[string]string{"MAX_REDIRECTS": "0"}, "MAX_REDIRECTS"},
		{"zero retries", map[string]string{"MAX_TAG_RETRIES": "0"}, "MAX_TAG_RETRIES"},
		{"bucket without credentials", map[string]string{"S3_BUCKET": "sheets"}, "S3_BUCKET"},
		{"bad duration", map[string]string{"HOP_TIMEOUT": "soon"}, "failed to parse environment"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %s", err, tt.want)
			}
		})
	}
}
