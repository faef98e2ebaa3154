package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/docutag/monetizer/slug"
)

// ErrInvalidKey is returned for sheet keys that escape the storage root
var ErrInvalidKey = errors.New("invalid sheet key")

// SheetStore keeps uploaded commission rate sheets
type SheetStore interface {
	// SaveSheet stores a CSV sheet for network and returns its key
	SaveSheet(ctx context.Context, network string, data []byte) (string, error)
	ReadSheet(ctx context.Context, key string) ([]byte, error)
	DeleteSheet(ctx context.Context, key string) error
}

// Config contains storage configuration
type Config struct {
	BasePath string // Base directory for all stored files
}

// DefaultConfig returns default storage configuration
func DefaultConfig() Config {
	return Config{
		BasePath: "./storage",
	}
}

// Storage handles filesystem storage operations
type Storage struct {
	config Config
	now    func() time.Time
}

// New creates a new Storage instance
func New(config Config) (*Storage, error) {
	if err := os.MkdirAll(config.BasePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base storage directory: %w", err)
	}

	return &Storage{
		config: config,
		now:    time.Now,
	}, nil
}

// sheetKey builds rate-sheets/YYYY/MM/<network-slug>.csv
func sheetKey(network string, now time.Time) string {
	name := slug.Network(network)
	return path.Join("rate-sheets", fmt.Sprintf("%04d", now.Year()), fmt.Sprintf("%02d", int(now.Month())), name+".csv")
}

// cleanKey normalizes a key and rejects absolute or parent-relative paths
func cleanKey(key string) (string, error) {
	key = strings.ReplaceAll(strings.TrimSpace(key), "\\", "/")
	if key == "" || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return cleaned, nil
}

// SaveSheet writes a sheet under rate-sheets/YYYY/MM/, replacing this month's sheet for the network
func (s *Storage) SaveSheet(_ context.Context, network string, data []byte) (string, error) {
	key := sheetKey(network, s.now())
	fullPath := s.GetFullPath(key)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create sheet directory: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write sheet file: %w", err)
	}
	return key, nil
}

// ReadSheet reads a sheet from the filesystem
func (s *Storage) ReadSheet(_ context.Context, key string) ([]byte, error) {
	key, err := cleanKey(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.GetFullPath(key))
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet file: %w", err)
	}
	return data, nil
}

// DeleteSheet deletes a sheet; deleting a missing sheet is not an error
func (s *Storage) DeleteSheet(_ context.Context, key string) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}

	if err := os.Remove(s.GetFullPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete sheet file: %w", err)
	}
	return nil
}

// GetFullPath returns the full filesystem path for a key
func (s *Storage) GetFullPath(key string) string {
	return filepath.Join(s.config.BasePath, filepath.FromSlash(key))
}
