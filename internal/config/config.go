// Package config loads and validates process configuration from the
// environment. There is no file-based or flag-based configuration surface;
// every recognized key is read once at startup and the process refuses to
// start if validation fails.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// WorkerRole selects which component a process instance runs as.
type WorkerRole string

const (
	RoleDownload     WorkerRole = "download"
	RoleUploadGDrive WorkerRole = "upload-gdrive"
	RoleUploadS3     WorkerRole = "upload-s3"
	RoleHealthMonitor WorkerRole = "health-monitor"
	RoleAll          WorkerRole = "all"
)

// Config is the fully-validated process configuration.
type Config struct {
	TorrentDownloadPath string
	DatabaseURL         string
	RedisConnString     string
	WorkerRole          WorkerRole
	WorkerConcurrency   int
	LogFormat           string

	BackblazeKeyID  string
	BackblazeAppKey string
	BackblazeBucket string
	BackblazeMount  string

	HealthCheckInterval time.Duration
	HealthStaleThreshold time.Duration

	HTTPAddr string

	// UploadBandwidthLimitBytesPerSec caps outbound upload throughput per
	// provider; 0 leaves transfers unshaped.
	UploadBandwidthLimitBytesPerSec int
}

// Load reads Config from the environment and validates it.
func Load() (*Config, error) {
	c := &Config{
		TorrentDownloadPath:  getenvDefault("TORRENT_DOWNLOAD_PATH", "/app/downloads"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisConnString:      os.Getenv("REDIS_CONNECTION_STRING"),
		WorkerRole:           WorkerRole(getenvDefault("WORKER_ROLE", string(RoleAll))),
		LogFormat:            getenvDefault("LOG_FORMAT", "console"),
		BackblazeKeyID:       os.Getenv("BACKBLAZE_KEY_ID"),
		BackblazeAppKey:      os.Getenv("BACKBLAZE_APP_KEY"),
		BackblazeBucket:      os.Getenv("BACKBLAZE_BUCKET"),
		BackblazeMount:       getenvDefault("BACKBLAZE_MOUNT_PATH", "/mnt/backblaze"),
		HTTPAddr:             getenvDefault("HEALTHZ_ADDR", ":8091"),
	}

	var err error
	c.WorkerConcurrency, err = getenvIntDefault("WORKER_CONCURRENCY", 50)
	if err != nil {
		return nil, fmt.Errorf("WORKER_CONCURRENCY: %w", err)
	}
	c.HealthCheckInterval, err = getenvDurationDefault("JOB_HEALTH_CHECK_INTERVAL", 2*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("JOB_HEALTH_CHECK_INTERVAL: %w", err)
	}
	c.HealthStaleThreshold, err = getenvDurationDefault("JOB_HEALTH_STALE_THRESHOLD", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("JOB_HEALTH_STALE_THRESHOLD: %w", err)
	}
	c.UploadBandwidthLimitBytesPerSec, err = getenvIntDefault("UPLOAD_BANDWIDTH_LIMIT_BYTES_PER_SEC", 0)
	if err != nil {
		return nil, fmt.Errorf("UPLOAD_BANDWIDTH_LIMIT_BYTES_PER_SEC: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks field-level invariants, failing fast with one error at a
// time before any worker loop starts.
func (c *Config) Validate() error {
	if c.TorrentDownloadPath == "" {
		return fmt.Errorf("TORRENT_DOWNLOAD_PATH must not be empty")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.RedisConnString == "" {
		return fmt.Errorf("REDIS_CONNECTION_STRING is required")
	}
	switch c.WorkerRole {
	case RoleDownload, RoleUploadGDrive, RoleUploadS3, RoleHealthMonitor, RoleAll:
	default:
		return fmt.Errorf("WORKER_ROLE %q is not recognized", c.WorkerRole)
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.WorkerConcurrency)
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be 'console' or 'json', got %q", c.LogFormat)
	}
	if c.UploadBandwidthLimitBytesPerSec < 0 {
		return fmt.Errorf("UPLOAD_BANDWIDTH_LIMIT_BYTES_PER_SEC must not be negative")
	}
	if c.BackblazeConfigured() {
		if c.BackblazeKeyID == "" || c.BackblazeAppKey == "" || c.BackblazeBucket == "" {
			return fmt.Errorf("BACKBLAZE_KEY_ID, BACKBLAZE_APP_KEY and BACKBLAZE_BUCKET must all be set together")
		}
	}
	return nil
}

// BackblazeConfigured reports whether any Backblaze setting was supplied,
// used both by Validate's group check and by the upload executor to decide
// whether the configured mount path needs to exist.
func (c *Config) BackblazeConfigured() bool {
	return c.BackblazeKeyID != "" || c.BackblazeAppKey != "" || c.BackblazeBucket != ""
}

// ParseEndpointHost validates an S3-compatible endpoint the way a storage
// profile's endpoint field is validated before use.
func ParseEndpointHost(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint %q has no host", endpoint)
	}
	return u.Host, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func getenvDurationDefault(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	return time.ParseDuration(v)
}
