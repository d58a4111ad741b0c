package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "CLASSBELL_"

type Config struct {
	DatabasePath string         `koanf:"database_path"`
	Timezone     string         `koanf:"timezone"`
	Log          LogConfig      `koanf:"log"`
	Server       ServerConfig   `koanf:"server"`
	Dispatch     DispatchConfig `koanf:"dispatch"`
	Planner      PlannerConfig  `koanf:"planner"`
	SMTP         SMTPConfig     `koanf:"smtp"`
	Telegram     TelegramConfig `koanf:"telegram"`
	CalDAV       CalDAVConfig   `koanf:"caldav"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type ServerConfig struct {
	Port        string `koanf:"port"`
	APIUsername string `koanf:"api_username"`
	APIPassword string `koanf:"api_password"`
}

type DispatchConfig struct {
	Schedule     string        `koanf:"schedule"` // cron spec, "@every 5m" by default
	BatchSize    int           `koanf:"batch_size"`
	Workers      int           `koanf:"workers"`
	SendTimeout  time.Duration `koanf:"send_timeout"`
	RatePerSec   float64       `koanf:"rate_per_sec"` // 0 disables throttling
	RunOnStartup bool          `koanf:"run_on_startup"`
}

type PlannerConfig struct {
	// Dedupe switches planning to insert-if-absent keyed on
	// (class, user, channel). Off reproduces duplicate items on re-planning.
	Dedupe bool `koanf:"dedupe"`
}

type SMTPConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	From     string `koanf:"from"`
}

// Configured mirrors the "host, user and password all set" rule.
func (c SMTPConfig) Configured() bool {
	return c.Host != "" && c.Username != "" && c.Password != ""
}

type TelegramConfig struct {
	Token    string `koanf:"token"`
	Commands bool   `koanf:"commands"` // run the chat-linking bot alongside push delivery
}

type CalDAVConfig struct {
	URL          string `koanf:"url"`
	Username     string `koanf:"username"`
	Password     string `koanf:"password"`
	CalendarPath string `koanf:"calendar_path"`
	SyncSchedule string `koanf:"sync_schedule"`
	HorizonDays  int    `koanf:"horizon_days"`
}

func (c CalDAVConfig) Enabled() bool {
	return c.Username != "" && c.Password != "" && c.CalendarPath != ""
}

// Load merges defaults, an optional YAML file and environment variables,
// in that order of precedence.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config file: %w", err)
		}
	}

	// CLASSBELL_SMTP__HOST -> smtp.host
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	applyLegacyEnv(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyLegacyEnv honours the plain SMTP_* variables deployments already set.
func applyLegacyEnv(k *koanf.Koanf) {
	legacy := map[string]string{
		"SMTP_HOST": "smtp.host",
		"SMTP_USER": "smtp.username",
		"SMTP_PASS": "smtp.password",
		"SMTP_FROM": "smtp.from",
	}
	for envKey, path := range legacy {
		if v := os.Getenv(envKey); v != "" && k.String(path) == "" {
			_ = k.Set(path, v)
		}
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			_ = k.Set("smtp.port", port)
		}
	}
}

func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone: %w", err)
	}
	if c.Dispatch.Schedule == "" {
		return fmt.Errorf("dispatch.schedule is required")
	}
	if c.Dispatch.BatchSize <= 0 {
		return fmt.Errorf("dispatch.batch_size must be positive")
	}
	if c.Dispatch.Workers <= 0 {
		return fmt.Errorf("dispatch.workers must be positive")
	}
	if c.Dispatch.SendTimeout <= 0 {
		return fmt.Errorf("dispatch.send_timeout must be positive")
	}
	if c.Dispatch.RatePerSec < 0 {
		return fmt.Errorf("dispatch.rate_per_sec must not be negative")
	}
	return nil
}

// Location returns the deployment time zone used to render class times.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
