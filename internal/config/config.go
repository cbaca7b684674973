// Package config loads the service configuration.
//
// Values are layered: built-in defaults, then the YAML file, then a .env
// file, then PRISM_* environment variables. Command-line flags are applied
// by the caller on top of the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "PRISM_"

// Duration is a time.Duration written as a Go duration string ("90s").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

type Server struct {
	Addr            string   `yaml:"addr"`
	JWTSecret       string   `yaml:"jwt_secret"`
	JWTIssuer       string   `yaml:"jwt_issuer"`
	RateLimit       float64  `yaml:"rate_limit"`
	RateBurst       int      `yaml:"rate_burst"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	PingInterval    Duration `yaml:"ping_interval"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

type Database struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type Scheduler struct {
	Tick               Duration `yaml:"tick"`
	Workers            int      `yaml:"workers"`
	FetchTimeout       Duration `yaml:"fetch_timeout"`
	PerHostConcurrency int      `yaml:"per_host_concurrency"`
	HostSpacing        Duration `yaml:"host_spacing"`
	ErrorThreshold     int      `yaml:"error_threshold"`
	MaxBackoff         Duration `yaml:"max_backoff"`
	JobHistory         int      `yaml:"job_history"`
	DuplicatePolicy    string   `yaml:"duplicate_policy"`
	EntryRetention     Duration `yaml:"entry_retention"`
	UserAgent          string   `yaml:"user_agent"`
	MaxBodyBytes       int64    `yaml:"max_body_bytes"`
}

type Notify struct {
	// EventLogDir holds the durable event log. Empty keeps events in memory.
	EventLogDir  string   `yaml:"event_log_dir"`
	BufferSize   int      `yaml:"buffer_size"`
	Retention    Duration `yaml:"retention"`
	MaxEvents    int      `yaml:"max_events"`
	JanitorEvery Duration `yaml:"janitor_every"`
	AckEviction  bool     `yaml:"ack_eviction"`
}

type Logging struct {
	// Format is "json" or "text".
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// Config is the complete service configuration.
type Config struct {
	Server    Server    `yaml:"server"`
	Database  Database  `yaml:"database"`
	Scheduler Scheduler `yaml:"scheduler"`
	Notify    Notify    `yaml:"notify"`
	Logging   Logging   `yaml:"logging"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: Server{
			Addr:            ":8080",
			RateLimit:       10,
			RateBurst:       40,
			PingInterval:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Database: Database{
			Driver: "sqlite",
			DSN:    "prismfeeder.db",
		},
		Scheduler: Scheduler{
			Tick:               Duration(30 * time.Second),
			FetchTimeout:       Duration(30 * time.Second),
			PerHostConcurrency: 2,
			HostSpacing:        Duration(500 * time.Millisecond),
			ErrorThreshold:     3,
			MaxBackoff:         Duration(24 * time.Hour),
			JobHistory:         200,
			DuplicatePolicy:    "last_wins",
		},
		Notify: Notify{
			BufferSize:   256,
			Retention:    Duration(24 * time.Hour),
			MaxEvents:    100_000,
			JanitorEvery: Duration(time.Minute),
		},
		Logging: Logging{
			Format: "json",
			Level:  "info",
		},
	}
}

// Load builds the configuration from path and envFile on top of the
// defaults. A missing path or envFile is not an error when it was not
// explicitly requested (empty argument).
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		fileCfg, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("config.Load: error merging %s: %w", path, err)
		}
	}

	if err := loadDotenv(envFile); err != nil {
		return nil, err
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.loadFile: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config.loadFile: %s: %w", path, err)
	}
	return &cfg, nil
}

// loadDotenv reads envFile, or ./.env when envFile is empty. Variables
// already present in the environment win.
func loadDotenv(envFile string) error {
	if envFile == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("config: load %s: %w", envFile, err)
	}
	return nil
}

type envVar struct {
	name string
	set  func(c *Config, v string) error
}

var envVars = []envVar{
	{"SERVER_ADDR", func(c *Config, v string) error { c.Server.Addr = v; return nil }},
	{"JWT_SECRET", func(c *Config, v string) error { c.Server.JWTSecret = v; return nil }},
	{"JWT_ISSUER", func(c *Config, v string) error { c.Server.JWTIssuer = v; return nil }},
	{"RATE_LIMIT", func(c *Config, v string) error { return parseFloat(v, &c.Server.RateLimit) }},
	{"RATE_BURST", func(c *Config, v string) error { return parseInt(v, &c.Server.RateBurst) }},
	{"ALLOWED_ORIGINS", func(c *Config, v string) error { c.Server.AllowedOrigins = splitList(v); return nil }},
	{"DATABASE_DRIVER", func(c *Config, v string) error { c.Database.Driver = v; return nil }},
	{"DATABASE_DSN", func(c *Config, v string) error { c.Database.DSN = v; return nil }},
	{"SCHEDULER_TICK", func(c *Config, v string) error { return parseDuration(v, &c.Scheduler.Tick) }},
	{"SCHEDULER_WORKERS", func(c *Config, v string) error { return parseInt(v, &c.Scheduler.Workers) }},
	{"FETCH_TIMEOUT", func(c *Config, v string) error { return parseDuration(v, &c.Scheduler.FetchTimeout) }},
	{"USER_AGENT", func(c *Config, v string) error { c.Scheduler.UserAgent = v; return nil }},
	{"ENTRY_RETENTION", func(c *Config, v string) error { return parseDuration(v, &c.Scheduler.EntryRetention) }},
	{"EVENT_LOG_DIR", func(c *Config, v string) error { c.Notify.EventLogDir = v; return nil }},
	{"EVENT_RETENTION", func(c *Config, v string) error { return parseDuration(v, &c.Notify.Retention) }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.Logging.Format = v; return nil }},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Logging.Level = v; return nil }},
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	var errs []error
	for _, ev := range envVars {
		v, ok := lookup(EnvPrefix + ev.name)
		if !ok {
			continue
		}
		if err := ev.set(cfg, strings.TrimSpace(v)); err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, ev.name, err))
		}
	}
	return errors.Join(errs...)
}

func parseInt(v string, dst *int) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func parseFloat(v string, dst *float64) error {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return err
	}
	*dst = f
	return nil
}

func parseDuration(v string, dst *Duration) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = Duration(d)
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver: unsupported driver %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn: must be set"))
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format: want json or text, got %q", c.Logging.Format))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	switch strings.ToLower(c.Scheduler.DuplicatePolicy) {
	case "", "last_wins", "last", "first_wins", "first":
	default:
		errs = append(errs, fmt.Errorf("scheduler.duplicate_policy: unknown policy %q", c.Scheduler.DuplicatePolicy))
	}
	for name, d := range map[string]Duration{
		"scheduler.tick":          c.Scheduler.Tick,
		"scheduler.fetch_timeout": c.Scheduler.FetchTimeout,
		"scheduler.host_spacing":  c.Scheduler.HostSpacing,
		"notify.retention":        c.Notify.Retention,
		"server.ping_interval":    c.Server.PingInterval,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s: must not be negative", name))
		}
	}
	return errors.Join(errs...)
}
