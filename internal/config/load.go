package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix = "SNIFFGUARD_"
	// EnvConfigPath names the YAML file when --config is not given.
	EnvConfigPath = envPrefix + "CONFIG"
)

// Load builds the effective configuration. A missing .env file is fine; a
// missing YAML file that was asked for is not. flags may be nil.
func Load(flags *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}
	cfg.LoadDefaults()

	path := os.Getenv(EnvConfigPath)
	if flags != nil && flags.Changed("config") {
		path, _ = flags.GetString("config")
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if flags != nil {
		if err := cfg.ApplyFlags(flags); err != nil {
			return nil, err
		}
	}
	return cfg, cfg.Validate()
}

// LoadFile overlays the YAML file at path. Keys absent from the file keep
// their current values.
func (c *Config) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays SNIFFGUARD_* variables read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(name string, dst *int) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("ADDR", &c.Server.Addr)
	if v, ok := lookup(envPrefix + "ALLOWED_ORIGINS"); ok && v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}
	dur("WRITE_TIMEOUT", &c.Server.WriteTimeout)
	dur("PONG_WAIT", &c.Server.PongWait)
	num("SEND_BUFFER", &c.Server.SendBuffer)
	str("DB_DRIVER", &c.Database.Driver)
	str("DB_DSN", &c.Database.DSN)
	str("JWT_SECRET", &c.Auth.JWTSecret)
	str("COOKIE_SECRET", &c.Auth.CookieSecret)
	num("PAGE_SIZE", &c.Chat.PageSize)
	num("MAX_MEMBERS", &c.Chat.MaxMembers)
	if v, ok := lookup(envPrefix + "RATE_RPS"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sRATE_RPS: %w", envPrefix, err))
		} else {
			c.RateLimit.RPS = f
		}
	}
	num("RATE_BURST", &c.RateLimit.Burst)
	if v, ok := lookup(envPrefix + "SWEEPER_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sSWEEPER_ENABLED: %w", envPrefix, err))
		} else {
			c.Sweeper.Enabled = b
		}
	}
	str("SWEEPER_CRON", &c.Sweeper.Cron)
	str("LOG_LEVEL", &c.Log.Level)
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// RegisterFlags defines the command-line overrides.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "path to a YAML config file (env "+EnvConfigPath+")")
	flags.String("addr", "", "HTTP listen address")
	flags.String("db-driver", "", "database driver: sqlite3 or postgres")
	flags.String("db-dsn", "", "database DSN")
	flags.String("jwt-secret", "", "HMAC secret for bearer tokens")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.StringSlice("allowed-origins", nil, "accepted websocket Origin headers")
	flags.Bool("sweeper", true, "run the disappearing-message sweeper")
}

// ApplyFlags overlays only the flags that were set explicitly.
func (c *Config) ApplyFlags(flags *pflag.FlagSet) error {
	strs := map[string]*string{
		"addr":       &c.Server.Addr,
		"db-driver":  &c.Database.Driver,
		"db-dsn":     &c.Database.DSN,
		"jwt-secret": &c.Auth.JWTSecret,
		"log-level":  &c.Log.Level,
	}
	for name, dst := range strs {
		if !flags.Changed(name) {
			continue
		}
		v, err := flags.GetString(name)
		if err != nil {
			return err
		}
		*dst = v
	}
	if flags.Changed("allowed-origins") {
		v, err := flags.GetStringSlice("allowed-origins")
		if err != nil {
			return err
		}
		c.Server.AllowedOrigins = v
	}
	if flags.Changed("sweeper") {
		v, err := flags.GetBool("sweeper")
		if err != nil {
			return err
		}
		c.Sweeper.Enabled = v
	}
	return nil
}
