package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/MimeLyc/easy-downloader/internal/backend"
	"github.com/MimeLyc/easy-downloader/internal/tracker"
	"github.com/MimeLyc/easy-downloader/pkg/log"
)

// Config holds all application configuration.
//
// Environment Variables:
// Backend:
// - API_URL: extraction backend base URL (default: http://localhost:8000/api)
// - API_TIMEOUT: request timeout in seconds (default: 30)
// - USER_AGENT: User-Agent header sent to the backend (optional)
//
// Tracking:
// - POLL_INTERVAL_MS: status poll interval (default: 1000)
// - SETTLE_DELAY_MS: pause before fetching a finished artifact (default: 500)
// - FETCH_STAGGER_MS: gap between consecutive artifact fetches (default: 500)
// - MAX_TRANSIENT_FAILURES: consecutive failed polls before giving up, 0 = never (default: 30)
//
// Storage:
// - DOWNLOAD_DIR: where artifacts are saved (default: ./downloads)
// - DATA_DIR: local state directory (default: ~/.easy-downloader)
// - CONSENT_FILE: terms acceptance file (default: $DATA_DIR/consent.json)
//
// Serving and scheduling:
// - HTTP_ADDR: local control API address (default: 127.0.0.1:8080)
// - SCHEDULE_CRON: cron expression for scheduled batches (optional)
// - SCHEDULE_DIR: inbox of *.txt URL lists for scheduled batches (default: $DATA_DIR/inbox)
//
// Defaults for submissions:
// - DEFAULT_KIND, DEFAULT_FORMAT, DEFAULT_RESOLUTION, DEFAULT_AUDIO_BITRATE
//
// - LOG_LEVEL: debug, info, warn or error (default: info)
type Config struct {
	Backend  BackendConfig   `json:"backend"`
	Tracking TrackingConfig  `json:"tracking"`
	Storage  StorageConfig   `json:"storage"`
	HTTP     HTTPConfig      `json:"http"`
	Schedule ScheduleConfig  `json:"schedule"`
	Defaults backend.Options `json:"defaults"`
	LogLevel string          `json:"log_level"`
}

type BackendConfig struct {
	APIURL    string        `json:"api_url"`
	Timeout   time.Duration `json:"timeout"`
	UserAgent string        `json:"user_agent"`
}

type TrackingConfig struct {
	PollInterval         time.Duration `json:"poll_interval"`
	SettleDelay          time.Duration `json:"settle_delay"`
	FetchStagger         time.Duration `json:"fetch_stagger"`
	MaxTransientFailures int           `json:"max_transient_failures"`
}

type StorageConfig struct {
	DownloadDir string `json:"download_dir"`
	DataDir     string `json:"data_dir"`
	ConsentFile string `json:"consent_file"`
}

type HTTPConfig struct {
	Addr string `json:"addr"`
}

type ScheduleConfig struct {
	CronExpr string `json:"cron_expr"`
	Dir      string `json:"dir"`
}

// Option is a function type for configuring Config
type Option func(*Config)

func WithAPIURL(apiURL string) Option {
	return func(c *Config) {
		if strings.TrimSpace(apiURL) != "" {
			c.Backend.APIURL = apiURL
		}
	}
}

func WithDownloadDir(dir string) Option {
	return func(c *Config) {
		if strings.TrimSpace(dir) != "" {
			c.Storage.DownloadDir = dir
		}
	}
}

func WithHTTPAddr(addr string) Option {
	return func(c *Config) {
		if strings.TrimSpace(addr) != "" {
			c.HTTP.Addr = addr
		}
	}
}

func WithSchedule(cronExpr, dir string) Option {
	return func(c *Config) {
		if strings.TrimSpace(cronExpr) != "" {
			c.Schedule.CronExpr = cronExpr
		}
		if strings.TrimSpace(dir) != "" {
			c.Schedule.Dir = dir
		}
	}
}

// New loads a .env file from the working directory, if present, and then
// reads the environment. Variables already set win over the file.
func New(opts ...Option) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return NewFromEnv(opts...)
}

// NewFromEnv creates a new Config instance with values from environment variables and options
func NewFromEnv(opts ...Option) (*Config, error) {
	dataDir := getEnvString("DATA_DIR", defaultDataDir())

	config := &Config{
		Backend: BackendConfig{
			APIURL:    getEnvString("API_URL", "http://localhost:8000/api"),
			Timeout:   getEnvSeconds("API_TIMEOUT", 30*time.Second),
			UserAgent: getEnvString("USER_AGENT", "easy-downloader"),
		},
		Tracking: TrackingConfig{
			PollInterval:         getEnvMillis("POLL_INTERVAL_MS", tracker.DefaultPollInterval),
			SettleDelay:          getEnvMillis("SETTLE_DELAY_MS", tracker.DefaultSettleDelay),
			FetchStagger:         getEnvMillis("FETCH_STAGGER_MS", 500*time.Millisecond),
			MaxTransientFailures: getEnvInt("MAX_TRANSIENT_FAILURES", 30),
		},
		Storage: StorageConfig{
			DownloadDir: getEnvString("DOWNLOAD_DIR", "downloads"),
			DataDir:     dataDir,
			ConsentFile: getEnvString("CONSENT_FILE", filepath.Join(dataDir, "consent.json")),
		},
		HTTP: HTTPConfig{
			Addr: getEnvString("HTTP_ADDR", "127.0.0.1:8080"),
		},
		Schedule: ScheduleConfig{
			CronExpr: getEnvString("SCHEDULE_CRON", ""),
			Dir:      getEnvString("SCHEDULE_DIR", filepath.Join(dataDir, "inbox")),
		},
		Defaults: backend.Options{
			Kind:         backend.Kind(strings.ToLower(getEnvString("DEFAULT_KIND", string(backend.KindVideo)))),
			Format:       getEnvString("DEFAULT_FORMAT", "mp4"),
			Resolution:   getEnvString("DEFAULT_RESOLUTION", "720p"),
			AudioBitrate: getEnvString("DEFAULT_AUDIO_BITRATE", "192k"),
		},
		LogLevel: getEnvString("LOG_LEVEL", "info"),
	}

	// Apply custom options
	for _, opt := range opts {
		opt(config)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	log.Debug("Config: %+v", config)
	return config, nil
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	u, err := url.Parse(c.Backend.APIURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("API_URL must be an absolute URL, got %q", c.Backend.APIURL)
	}
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("API_TIMEOUT must be greater than 0")
	}
	if c.Tracking.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL_MS must be greater than 0")
	}
	if c.Tracking.SettleDelay < 0 || c.Tracking.FetchStagger < 0 {
		return fmt.Errorf("SETTLE_DELAY_MS and FETCH_STAGGER_MS must not be negative")
	}
	if c.Tracking.MaxTransientFailures < 0 {
		return fmt.Errorf("MAX_TRANSIENT_FAILURES must not be negative")
	}
	if strings.TrimSpace(c.Storage.DownloadDir) == "" {
		return fmt.Errorf("DOWNLOAD_DIR is required")
	}
	if err := c.Defaults.Validate(); err != nil {
		return fmt.Errorf("invalid default download options: %w", err)
	}
	if c.Schedule.CronExpr != "" {
		if _, err := cron.ParseStandard(c.Schedule.CronExpr); err != nil {
			return fmt.Errorf("invalid SCHEDULE_CRON: %w", err)
		}
	}
	return nil
}

func (c *Config) BackendClientConfig() *backend.Config {
	return &backend.Config{
		BaseURL:   c.Backend.APIURL,
		Timeout:   c.Backend.Timeout,
		UserAgent: c.Backend.UserAgent,
	}
}

func (c *Config) TrackerOptions() tracker.Options {
	return tracker.Options{
		PollInterval:         c.Tracking.PollInterval,
		SettleDelay:          c.Tracking.SettleDelay,
		MaxTransientFailures: c.Tracking.MaxTransientFailures,
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".easy-downloader"
	}
	return filepath.Join(home, ".easy-downloader")
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		log.Warn("Ignoring %s=%q: not an integer", key, value)
	}
	return defaultValue
}

func getEnvMillis(key string, defaultValue time.Duration) time.Duration {
	return time.Duration(getEnvInt(key, int(defaultValue/time.Millisecond))) * time.Millisecond
}

func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	return time.Duration(getEnvInt(key, int(defaultValue/time.Second))) * time.Second
}
