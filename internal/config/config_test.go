package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadFrom(t *testing.T, dir string) *Config {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load()
	require.NoError(t, err)
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg := loadFrom(t, t.TempDir())

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "docpipe.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "processing_locks", cfg.Lock.Table)
	assert.Equal(t, 30, cfg.Lock.RetentionDays)
	assert.False(t, cfg.Lock.FailClosed)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Models.PrimaryModel)
	assert.Equal(t, "claude-sonnet-4-5-20250929", cfg.Models.FallbackModel)
	assert.Equal(t, int64(9000), cfg.Models.MaxTokens)
	assert.Equal(t, 8, cfg.Retry.MaxAttempts)
	assert.Equal(t, "pdftotext", cfg.OCR.PdfToTextPath)
	assert.Equal(t, "outbox_tasks", cfg.Queue.Table)
	assert.Equal(t, 2.0, cfg.Batch.ItemsPerSecond)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 300, cfg.Monitoring.CheckIntervalSecs)
	assert.Equal(t, 24, cfg.Monitoring.LookbackWindowHours)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	content := `
store:
  driver: postgres
  database_url: postgres://localhost/docpipe
models:
  primary_model: claude-haiku-4-5-20251001
  max_tokens: 4000
lock:
  fail_closed: true
monitoring:
  manual_review_rate: 0.5
  webhook_url: https://hooks.example.com/docpipe
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644))

	cfg := loadFrom(t, dir)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/docpipe", cfg.Store.DatabaseURL)
	assert.Equal(t, int64(4000), cfg.Models.MaxTokens)
	assert.True(t, cfg.Lock.FailClosed)
	assert.Equal(t, 0.5, cfg.Monitoring.ManualReviewRate)
	assert.Equal(t, "https://hooks.example.com/docpipe", cfg.Monitoring.WebhookURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)

	// File values do not clobber unrelated defaults.
	assert.Equal(t, "claude-sonnet-4-5-20250929", cfg.Models.FallbackModel)
	assert.Equal(t, 8, cfg.Retry.MaxAttempts)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DOCPIPE_STORE_DRIVER", "postgres")
	t.Setenv("DOCPIPE_MODELS_API_KEY", "sk-test-123")
	t.Setenv("DOCPIPE_SERVER_PORT", "9090")

	cfg := loadFrom(t, t.TempDir())

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "sk-test-123", cfg.Models.APIKey)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestLoadBadFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [not a map"), 0o644))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	_, err = Load()
	assert.Error(t, err)
}

func TestRetryDurations(t *testing.T) {
	r := RetryConfig{BaseDelaySecs: 2, MaxDelaySecs: 120}
	assert.Equal(t, "2s", r.BaseDelay().String())
	assert.Equal(t, "2m0s", r.MaxDelay().String())
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	assert.Error(t, InitLogger(LogConfig{Level: "nope", Format: "json"}))
}
