package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.Tick.Std())
	assert.Equal(t, 3, cfg.Scheduler.ErrorThreshold)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeFile(t, "prism.yml", `
server:
  addr: ":9000"
  allowed_origins: ["https://app.example.com"]
database:
  driver: postgres
  dsn: postgres://localhost/prism
scheduler:
  tick: 10s
  host_spacing: 1s
notify:
  event_log_dir: /var/lib/prism/events
  retention: 2h
`)
	cfg, err := Load(path, "")
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.Tick.Std())
	assert.Equal(t, time.Second, cfg.Scheduler.HostSpacing.Std())
	assert.Equal(t, 2*time.Hour, cfg.Notify.Retention.Std())
	assert.Equal(t, "/var/lib/prism/events", cfg.Notify.EventLogDir)

	// Unset keys keep their defaults.
	assert.Equal(t, 40, cfg.Server.RateBurst)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.FetchTimeout.Std())
}

func TestLoad_BadFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"), "")
	assert.Error(t, err)

	path := writeFile(t, "bad.yml", "scheduler:\n  tick: soon\n")
	_, err = Load(path, "")
	assert.Error(t, err)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "prism.yml", "server:\n  addr: \":9000\"\n")
	t.Setenv("PRISM_SERVER_ADDR", ":7000")
	t.Setenv("PRISM_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("PRISM_SCHEDULER_WORKERS", "4")
	t.Setenv("PRISM_FETCH_TIMEOUT", "5s")

	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 4, cfg.Scheduler.Workers)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.FetchTimeout.Std())
}

func TestLoad_Dotenv(t *testing.T) {
	envFile := writeFile(t, "test.env", "PRISM_JWT_SECRET=from-dotenv\nPRISM_LOG_LEVEL=debug\n")
	t.Setenv("PRISM_LOG_LEVEL", "warn")
	t.Cleanup(func() { _ = os.Unsetenv("PRISM_JWT_SECRET") })

	cfg, err := Load("", envFile)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Server.JWTSecret)
	assert.Equal(t, "warn", cfg.Logging.Level, "the process environment wins over .env")
}

func TestApplyEnv_InvalidValues(t *testing.T) {
	env := map[string]string{
		"PRISM_RATE_BURST":     "lots",
		"PRISM_SCHEDULER_TICK": "5",
	}
	err := applyEnv(Default(), func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PRISM_RATE_BURST")
	assert.Contains(t, err.Error(), "PRISM_SCHEDULER_TICK")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	cfg.Database.Driver = "mysql"
	cfg.Logging.Format = "xml"
	cfg.Scheduler.Tick = Duration(-time.Second)
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.driver")
	assert.Contains(t, err.Error(), "logging.format")
	assert.Contains(t, err.Error(), "scheduler.tick")
}
