package config

import (
	"fmt"
	"time"

	"github.com/veranemoloko/attachment-fetcher/internal/checksum"
	"github.com/veranemoloko/attachment-fetcher/internal/session"
)

// Source kinds selectable with AF_SOURCE.
const (
	SourceManifest    = "manifest"
	SourceObjectStore = "objectstore"
)

// Config holds all application configuration settings.
type Config struct {
	Environment string `envconfig:"ENV" default:"development"`

	HTTPPort    int           `envconfig:"HTTP_PORT" default:"8080"`
	HTTPTimeout time.Duration `envconfig:"HTTP_TIMEOUT" default:"15s"`

	DownloadDir string `envconfig:"DOWNLOAD_DIR" default:"./storage"`
	DBPath      string `envconfig:"DB_PATH" default:"./data/ledger.db"`
	StateFile   string `envconfig:"STATE_FILE" default:"./data/tasks.json"`

	Concurrency      int           `envconfig:"CONCURRENCY" default:"3"`
	MaxRetries       int           `envconfig:"MAX_RETRIES" default:"3"`
	RetryBaseDelay   time.Duration `envconfig:"RETRY_BASE_DELAY" default:"1s"`
	RetryMaxDelay    time.Duration `envconfig:"RETRY_MAX_DELAY" default:"60s"`
	ChunkSize        int           `envconfig:"CHUNK_SIZE" default:"32768"`
	ProgressInterval time.Duration `envconfig:"PROGRESS_INTERVAL" default:"1s"`
	PauseGrace       time.Duration `envconfig:"PAUSE_GRACE" default:"2s"`
	SpeedLimit       int64         `envconfig:"SPEED_LIMIT" default:"0"`
	StopMode         string        `envconfig:"STOP_MODE" default:"pause"`
	EventBuffer      int           `envconfig:"EVENT_BUFFER" default:"64"`
	HistorySize      int           `envconfig:"HISTORY_SIZE" default:"100"`
	ChecksumAlgo     string        `envconfig:"CHECKSUM_ALGORITHM" default:"sha256"`

	Source      string `envconfig:"SOURCE" default:"manifest"`
	ManifestURL string `envconfig:"MANIFEST_URL"`

	// AllowPrivateRefs lets ad-hoc tasks point at loopback and private
	// addresses. Off by default.
	AllowPrivateRefs bool `envconfig:"ALLOW_PRIVATE_REFS" default:"false"`

	ObjectStoreEndpoint  string `envconfig:"OBJECTSTORE_ENDPOINT"`
	ObjectStoreAccessKey string `envconfig:"OBJECTSTORE_ACCESS_KEY"`
	ObjectStoreSecretKey string `envconfig:"OBJECTSTORE_SECRET_KEY"`
	ObjectStoreBucket    string `envconfig:"OBJECTSTORE_BUCKET"`
	ObjectStorePrefix    string `envconfig:"OBJECTSTORE_PREFIX"`
	ObjectStoreUseSSL    bool   `envconfig:"OBJECTSTORE_USE_SSL" default:"true"`
	ObjectStoreRegion    string `envconfig:"OBJECTSTORE_REGION"`

	Containers []string `envconfig:"CONTAINERS"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
}

// Validate checks the configuration for invalid or missing values.
// Returns an error describing the first invalid setting found.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}

	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive: %d", c.Concurrency)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative: %d", c.MaxRetries)
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("invalid retry delays: base %s, max %s", c.RetryBaseDelay, c.RetryMaxDelay)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive: %d", c.ChunkSize)
	}
	if c.ProgressInterval <= 0 {
		return fmt.Errorf("progress interval must be positive: %s", c.ProgressInterval)
	}
	if c.PauseGrace < 0 {
		return fmt.Errorf("pause grace cannot be negative: %s", c.PauseGrace)
	}
	if c.SpeedLimit < 0 {
		return fmt.Errorf("speed limit cannot be negative: %d", c.SpeedLimit)
	}
	if _, err := session.ParseStopMode(c.StopMode); err != nil {
		return err
	}
	if c.EventBuffer <= 0 || c.HistorySize <= 0 {
		return fmt.Errorf("event buffer and history size must be positive")
	}
	if _, err := checksum.Algorithm(c.ChecksumAlgo); err != nil {
		return err
	}

	switch c.Source {
	case SourceManifest:
		if c.ManifestURL == "" {
			return fmt.Errorf("manifest url cannot be empty")
		}
	case SourceObjectStore:
		if c.ObjectStoreEndpoint == "" || c.ObjectStoreBucket == "" {
			return fmt.Errorf("object store endpoint and bucket are required")
		}
	default:
		return fmt.Errorf("unknown source %q", c.Source)
	}

	if c.DownloadDir == "" {
		return fmt.Errorf("download directory cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.StateFile == "" {
		return fmt.Errorf("state file cannot be empty")
	}

	return nil
}
