// Package config handles server configuration: defaults, an optional .env
// file, a YAML overlay, SNIFFGUARD_* environment variables and finally
// command-line flags, each layer overriding the previous one.
package config

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"
)

type Config struct {
	Server struct {
		Addr           string        `yaml:"addr"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		PongWait       time.Duration `yaml:"pong_wait"`
		SendBuffer     int           `yaml:"send_buffer"`
	} `yaml:"server"`
	Database struct {
		Driver string `yaml:"driver"` // sqlite3|postgres
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`
	Auth struct {
		JWTSecret    string `yaml:"jwt_secret"`
		CookieSecret string `yaml:"cookie_secret"`
	} `yaml:"auth"`
	Chat struct {
		PageSize   int `yaml:"page_size"`
		MaxMembers int `yaml:"max_members"`
	} `yaml:"chat"`
	RateLimit struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	Sweeper struct {
		Enabled bool   `yaml:"enabled"`
		Cron    string `yaml:"cron"`
	} `yaml:"sweeper"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// LoadDefaults populates Config with development defaults.
// NOTE: the secrets are placeholders and must be overridden in production.
func (c *Config) LoadDefaults() {
	c.Server.Addr = ":8080"
	c.Server.WriteTimeout = 10 * time.Second
	c.Server.PongWait = 60 * time.Second
	c.Server.SendBuffer = 256
	c.Database.Driver = "sqlite3"
	c.Database.DSN = "sniffguard.db"
	c.Auth.JWTSecret = "secretKey"
	c.Auth.CookieSecret = "cookieSecretKey"
	c.Chat.PageSize = 50
	c.Chat.MaxMembers = 1000
	c.RateLimit.RPS = 20
	c.RateLimit.Burst = 40
	c.Sweeper.Enabled = true
	c.Sweeper.Cron = "* * * * *"
	c.Log.Level = "info"
}

// Validate reports the first setting the server cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite3 or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Chat.PageSize <= 0 {
		return fmt.Errorf("chat.page_size must be positive")
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	if c.Sweeper.Enabled && !gronx.New().IsValid(c.Sweeper.Cron) {
		return fmt.Errorf("sweeper.cron %q is not a valid cron expression", c.Sweeper.Cron)
	}
	return nil
}
