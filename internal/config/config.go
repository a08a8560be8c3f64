// Package config loads configuration from a .env file and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all media store configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string
	AppEnv      string

	// Logging
	LogLevel  string
	LogFormat string

	// Backblaze B2 (all four required, otherwise the backend is disabled)
	B2KeyID           string
	B2Key             string
	B2BucketName      string
	B2BucketID        string
	B2APIURL          string
	B2DownloadAuthTTL time.Duration
	B2URLMode         string

	// Hosting-mode sidecar object storage
	SidecarEnabled    bool
	SidecarEndpoint   string
	SidecarBucketID   string
	SidecarStorageURL string
	SidecarAudience   string

	// Optional S3-compatible backend
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string

	// Local filesystem fallback
	LocalMediaDir string

	// Provenance (optional, in-memory when empty)
	DatabaseURL string

	// Transport
	HTTPTimeout    time.Duration
	HTTPMaxRetries int

	// Uploads
	MaxUploadSize int64
}

// Load reads configuration from .env (if present) and environment variables.
func Load() (*Config, error) {
	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:        envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:       envOr("METRICS_ADDR", ":9090"),
		AppEnv:            envOr("APP_ENV", "development"),
		LogLevel:          envOr("LOG_LEVEL", "info"),
		LogFormat:         envOr("LOG_FORMAT", "json"),
		B2KeyID:           os.Getenv("B2_APPLICATION_KEY_ID"),
		B2Key:             os.Getenv("B2_APPLICATION_KEY"),
		B2BucketName:      os.Getenv("B2_BUCKET_NAME"),
		B2BucketID:        os.Getenv("B2_BUCKET_ID"),
		B2APIURL:          envOr("B2_API_URL", "https://api.backblazeb2.com"),
		B2DownloadAuthTTL: envDuration("B2_DOWNLOAD_AUTH_TTL", 24*time.Hour),
		B2URLMode:         envOr("B2_URL_MODE", "signed"),
		SidecarEnabled:    envBool("SIDECAR_ENABLED", hostingModeDetected()),
		SidecarEndpoint:   envOr("SIDECAR_ENDPOINT", "http://127.0.0.1:1106"),
		SidecarBucketID:   os.Getenv("SIDECAR_BUCKET_ID"),
		SidecarStorageURL: envOr("SIDECAR_STORAGE_URL", "https://storage.googleapis.com"),
		SidecarAudience:   envOr("SIDECAR_AUDIENCE", "replit"),
		S3Endpoint:        os.Getenv("S3_ENDPOINT"),
		S3Bucket:          os.Getenv("S3_BUCKET"),
		S3AccessKey:       os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:       os.Getenv("S3_SECRET_KEY"),
		S3Region:          envOr("S3_REGION", "us-east-1"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		HTTPTimeout:       envDuration("HTTP_TIMEOUT", 60*time.Second),
		HTTPMaxRetries:    envInt("HTTP_MAX_RETRIES", 2),
		MaxUploadSize:     envInt64("MAX_UPLOAD_SIZE", 50*1024*1024), // 50MB default
	}
	cfg.LocalMediaDir = envOr("LOCAL_MEDIA_DIR", defaultLocalDir(cfg.IsProduction()))

	if cfg.B2DownloadAuthTTL > 7*24*time.Hour {
		return nil, fmt.Errorf("B2_DOWNLOAD_AUTH_TTL must not exceed one week, got %s", cfg.B2DownloadAuthTTL)
	}
	if cfg.HTTPMaxRetries < 0 {
		return nil, fmt.Errorf("HTTP_MAX_RETRIES must be >= 0")
	}

	return cfg, nil
}

// IsProduction reports whether the process runs as a production deployment.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production" || os.Getenv("REPLIT_DEPLOYMENT") == "1"
}

// B2Configured reports whether every B2 credential is present.
func (c *Config) B2Configured() bool {
	return c.B2KeyID != "" && c.B2Key != "" && c.B2BucketName != "" && c.B2BucketID != ""
}

// SidecarConfigured reports whether hosting mode is on and names a bucket.
// Hosting mode without a bucket leaves the sidecar backend unavailable.
func (c *Config) SidecarConfigured() bool {
	return c.SidecarEnabled && c.SidecarBucketID != ""
}

// S3Configured reports whether the optional S3-compatible backend is set up.
func (c *Config) S3Configured() bool {
	return c.S3Endpoint != "" && c.S3Bucket != "" && c.S3AccessKey != "" && c.S3SecretKey != ""
}

// hostingModeDetected looks for the deployment flag or the hosting-provided
// domain variables that signal the object storage sidecar is reachable.
func hostingModeDetected() bool {
	return os.Getenv("REPLIT_DEPLOYMENT") == "1" ||
		os.Getenv("REPLIT_DOMAINS") != "" ||
		os.Getenv("REPL_ID") != ""
}

// defaultLocalDir keeps production uploads on a persistent volume and never
// under the OS temp directory.
func defaultLocalDir(production bool) string {
	if production {
		return "/data/media"
	}
	return filepath.Join(".", "uploads")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
