package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/easy-downloader/internal/backend"
)

func TestNewFromEnv_Defaults(t *testing.T) {
	for _, key := range []string{
		"API_URL", "API_TIMEOUT", "POLL_INTERVAL_MS", "SETTLE_DELAY_MS", "FETCH_STAGGER_MS",
		"MAX_TRANSIENT_FAILURES", "HTTP_ADDR", "SCHEDULE_CRON", "SCHEDULE_DIR", "DEFAULT_KIND",
		"DEFAULT_FORMAT", "DEFAULT_RESOLUTION", "DEFAULT_AUDIO_BITRATE", "DOWNLOAD_DIR",
	} {
		t.Setenv(key, "")
	}

	cfg, err := NewFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8000/api", cfg.Backend.APIURL)
	assert.Equal(t, 30*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, time.Second, cfg.Tracking.PollInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Tracking.SettleDelay)
	assert.Equal(t, 500*time.Millisecond, cfg.Tracking.FetchStagger)
	assert.Equal(t, 30, cfg.Tracking.MaxTransientFailures)
	assert.Equal(t, "127.0.0.1:8080", cfg.HTTP.Addr)
	assert.Equal(t, "downloads", cfg.Storage.DownloadDir)
	assert.Equal(t, backend.Options{Kind: backend.KindVideo, Format: "mp4", Resolution: "720p", AudioBitrate: "192k"}, cfg.Defaults)

	opts := cfg.TrackerOptions()
	assert.Equal(t, time.Second, opts.PollInterval)
	assert.Equal(t, 30, opts.MaxTransientFailures)

	bc := cfg.BackendClientConfig()
	assert.Equal(t, cfg.Backend.APIURL, bc.BaseURL)
	require.NoError(t, bc.Validate())
}

func TestNewFromEnv_FromEnvAndOptions(t *testing.T) {
	t.Setenv("API_URL", "http://media.lan:9000/api")
	t.Setenv("POLL_INTERVAL_MS", "250")
	t.Setenv("API_TIMEOUT", "not-a-number")
	t.Setenv("DEFAULT_KIND", "Audio")
	t.Setenv("DEFAULT_FORMAT", "mp3")

	cfg, err := NewFromEnv(WithHTTPAddr(":9999"), WithDownloadDir("/srv/media"), WithSchedule("*/5 * * * *", ""))
	require.NoError(t, err)

	assert.Equal(t, "http://media.lan:9000/api", cfg.Backend.APIURL)
	assert.Equal(t, 250*time.Millisecond, cfg.Tracking.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, backend.KindAudio, cfg.Defaults.Kind)
	assert.Equal(t, ":9999", cfg.HTTP.Addr)
	assert.Equal(t, "/srv/media", cfg.Storage.DownloadDir)
	assert.Equal(t, "*/5 * * * *", cfg.Schedule.CronExpr)
}

func TestNewFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		opts []Option
	}{
		{name: "relative api url", env: map[string]string{"API_URL": "localhost:8000"}},
		{name: "zero poll interval", env: map[string]string{"POLL_INTERVAL_MS": "0"}},
		{name: "bad cron", env: map[string]string{"SCHEDULE_CRON": "every minute"}},
		{name: "unknown kind", env: map[string]string{"DEFAULT_KIND": "podcast"}},
		{name: "negative failures", env: map[string]string{"MAX_TRANSIENT_FAILURES": "-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := NewFromEnv(tt.opts...)
			require.Error(t, err)
		})
	}
}

func TestNew_LoadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("FETCH_STAGGER_MS=750\nHTTP_ADDR=:7000\n"), 0o600))
	chdir(t, dir)
	t.Setenv("HTTP_ADDR", ":7100")
	// Setenv registers a restore; unset the value godotenv may add
	t.Setenv("FETCH_STAGGER_MS", "")
	require.NoError(t, os.Unsetenv("FETCH_STAGGER_MS"))

	cfg, err := New()
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, cfg.Tracking.FetchStagger)
	assert.Equal(t, ":7100", cfg.HTTP.Addr, "real environment wins over .env")
}

func TestNew_WithoutDotEnv(t *testing.T) {
	chdir(t, t.TempDir())
	_, err := New()
	require.NoError(t, err)
}

// chdir changes the working directory for the test and restores it on cleanup.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
