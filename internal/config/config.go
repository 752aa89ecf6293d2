package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models vpk.yml, the per-workspace settings file. Every field has a
// working default; the file only needs the values being overridden.
type Config struct {
	Server struct {
		Addr      string `yaml:"addr"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
	Cache struct {
		RedisAddr  string `yaml:"redis_addr"`
		TTLSeconds int    `yaml:"ttl_seconds"`
	} `yaml:"cache"`
	Jobs struct {
		Workers         int `yaml:"workers"`
		StaleAfterHours int `yaml:"stale_after_hours"`
		ReminderHour    int `yaml:"reminder_hour"`
		ReportHour      int `yaml:"report_hour"`
		ReportMinute    int `yaml:"report_minute"`
	} `yaml:"jobs"`
	SMTP struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		From     string `yaml:"from"`
	} `yaml:"smtp"`
	Admin struct {
		Email    string `yaml:"email"`
		Name     string `yaml:"name"`
		Password string `yaml:"password"`
	} `yaml:"admin"`
}

// Default returns the built-in configuration: local server, 30-second
// listing cache, 8-hour staleness threshold, reminders at 18:00 UTC, and
// the monthly report on the 1st at 00:05 UTC.
func Default() *Config {
	var cfg Config
	cfg.Server.Addr = ":8888"
	cfg.Cache.TTLSeconds = 30
	cfg.Jobs.Workers = 2
	cfg.Jobs.StaleAfterHours = 8
	cfg.Jobs.ReminderHour = 18
	cfg.Jobs.ReportHour = 0
	cfg.Jobs.ReportMinute = 5
	cfg.SMTP.Port = 587
	cfg.Admin.Email = "admin@parking.local"
	cfg.Admin.Name = "Administrator"
	return &cfg
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("config.cache.ttl_seconds must be positive")
	}
	if c.Jobs.Workers < 1 {
		return fmt.Errorf("config.jobs.workers must be at least 1")
	}
	if c.Jobs.StaleAfterHours < 1 {
		return fmt.Errorf("config.jobs.stale_after_hours must be at least 1")
	}
	if c.Jobs.ReminderHour < 0 || c.Jobs.ReminderHour > 23 {
		return fmt.Errorf("config.jobs.reminder_hour must be 0-23")
	}
	if c.Jobs.ReportHour < 0 || c.Jobs.ReportHour > 23 {
		return fmt.Errorf("config.jobs.report_hour must be 0-23")
	}
	if c.Jobs.ReportMinute < 0 || c.Jobs.ReportMinute > 59 {
		return fmt.Errorf("config.jobs.report_minute must be 0-59")
	}
	if c.SMTP.Host != "" && c.SMTP.From == "" {
		return fmt.Errorf("config.smtp.from is required when smtp.host is set")
	}
	return nil
}

// CacheTTL returns the listing-cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// StaleAfter returns the booking staleness threshold as a duration.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Jobs.StaleAfterHours) * time.Hour
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "vpk.yml")
}

// Load reads the workspace config, falling back to defaults when the file
// does not exist. Values absent from the file keep their defaults.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes, layered over
// the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GenerateDefault returns the default config as YAML, for 'vpk config init'.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `server:
  addr: ":8888"
  jwt_secret: ""          # required for 'vpk serve'; also VPK_JWT_SECRET

cache:
  redis_addr: ""          # e.g. "localhost:6379"; empty disables the listing cache
  ttl_seconds: 30

jobs:
  workers: 2
  stale_after_hours: 8
  reminder_hour: 18       # daily reminder send hour, UTC
  report_hour: 0          # monthly report: 1st of month, UTC
  report_minute: 5

smtp:
  host: ""                # empty logs messages instead of sending
  port: 587
  username: ""
  password: ""
  from: ""

admin:
  email: admin@parking.local
  name: Administrator
  password: ""            # set to bootstrap the admin account on 'vpk serve'
`
