// Package config loads server settings from defaults, an optional TOML file
// and environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DriverTable  = "table"
	DriverSQLite = "sqlite"

	DefaultPort            = "8080"
	DefaultConfigFile      = "taskboard.toml"
	DefaultEventsChannel   = "taskboard-events"
	DefaultDeduperTTL      = 24 * time.Hour
	DefaultTasksCacheTTL   = 30 * time.Second
	DefaultJWKSRefresh     = time.Hour
	DefaultMoveMaxAttempts = 5
)

// Config holds every server setting.
type Config struct {
	Port      string `toml:"port"`
	Debug     bool   `toml:"debug"`
	LogFormat string `toml:"log_format"`

	Storage StorageConfig `toml:"storage"`
	Redis   RedisConfig   `toml:"redis"`
	Events  EventsConfig  `toml:"events"`
	Auth    AuthConfig    `toml:"auth"`

	MoveMaxAttempts int `toml:"move_max_attempts"`
}

// StorageConfig selects and configures the task store.
type StorageConfig struct {
	Driver           string `toml:"driver"`
	ConnectionString string `toml:"connection_string"`
	TasksTable       string `toml:"tasks_table"`
	ProjectsTable    string `toml:"projects_table"`
	UsersTable       string `toml:"users_table"`
	SQLitePath       string `toml:"sqlite_path"`
}

// RedisConfig configures the cache, deduper and event relay. An empty
// connection string disables all three.
type RedisConfig struct {
	ConnectionString string        `toml:"connection_string"`
	DeduperTTL       time.Duration `toml:"deduper_ttl"`
	TasksCacheTTL    time.Duration `toml:"tasks_cache_ttl"`
}

// EventsConfig configures event distribution beyond the local hub.
type EventsConfig struct {
	Channel string `toml:"channel"`
	// Queue names an optional Azure Storage queue receiving a durable copy of events.
	Queue string `toml:"queue"`
}

// AuthConfig configures bearer token validation.
type AuthConfig struct {
	Domain       string        `toml:"domain"`
	Audience     string        `toml:"audience"`
	LocalMode    bool          `toml:"local_mode"`
	SharedSecret string        `toml:"shared_secret"`
	JWKSRefresh  time.Duration `toml:"jwks_refresh"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:      DefaultPort,
		LogFormat: "text",
		Storage: StorageConfig{
			Driver:        DriverTable,
			TasksTable:    "Tasks",
			ProjectsTable: "Projects",
			UsersTable:    "Users",
			SQLitePath:    "data/taskboard.db",
		},
		Redis: RedisConfig{
			DeduperTTL:    DefaultDeduperTTL,
			TasksCacheTTL: DefaultTasksCacheTTL,
		},
		Events:          EventsConfig{Channel: DefaultEventsChannel},
		Auth:            AuthConfig{JWKSRefresh: DefaultJWKSRefresh},
		MoveMaxAttempts: DefaultMoveMaxAttempts,
	}
}

// Load builds the configuration:
// 1. Defaults
// 2. TOML file (path, else TASKBOARD_CONFIG, else ./taskboard.toml when present)
// 3. Environment variables
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("TASKBOARD_CONFIG")
	}
	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}
	if err := loadFile(cfg, path, explicit); err != nil {
		return nil, err
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile decodes path into cfg. A missing file is only an error when it was
// asked for explicitly.
func loadFile(cfg *Config, path string, explicit bool) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("config file %s: %w", path, err)
	}
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("loading config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config file %s: unknown key %s", path, undecoded[0])
	}
	return nil
}

// Validate reports missing or inconsistent settings.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverTable:
		if c.Storage.ConnectionString == "" || c.Storage.TasksTable == "" ||
			c.Storage.ProjectsTable == "" || c.Storage.UsersTable == "" {
			return errors.New("missing storage config")
		}
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			return errors.New("missing sqlite path")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Storage.Driver)
	}
	if c.Events.Queue != "" && c.Storage.ConnectionString == "" {
		return errors.New("events queue requires a storage connection string")
	}
	if c.Auth.LocalMode {
		if c.Auth.SharedSecret == "" {
			return errors.New("local auth mode requires a shared secret")
		}
	} else if c.Auth.Domain == "" || c.Auth.Audience == "" {
		return errors.New("missing Auth0 config")
	}
	if c.MoveMaxAttempts <= 0 {
		return errors.New("move_max_attempts must be greater than zero")
	}
	if c.Redis.DeduperTTL <= 0 {
		return errors.New("deduper_ttl must be greater than zero")
	}
	if c.Redis.TasksCacheTTL < 0 {
		return errors.New("tasks_cache_ttl must not be negative")
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// JWKSURL is the key set location of the configured Auth0 tenant.
func (c AuthConfig) JWKSURL() string {
	return fmt.Sprintf("https://%s/.well-known/jwks.json", c.Domain)
}

// Issuer is the expected token issuer of the configured Auth0 tenant.
func (c AuthConfig) Issuer() string {
	return "https://" + c.Domain + "/"
}
