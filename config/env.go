package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// loadFromEnv overrides cfg from environment variables.
func loadFromEnv(cfg *Config) error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) error {
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		*dst = b
		return nil
	}
	duration := func(name string, dst *time.Duration) error {
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		*dst = d
		return nil
	}
	integer := func(name string, dst *int) error {
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		*dst = n
		return nil
	}

	str("PORT", &cfg.Port)
	str("LOG_FORMAT", &cfg.LogFormat)
	str("STORE_DRIVER", &cfg.Storage.Driver)
	str("STORAGE_CONNECTION_STRING", &cfg.Storage.ConnectionString)
	str("TASKS_TABLE", &cfg.Storage.TasksTable)
	str("PROJECTS_TABLE", &cfg.Storage.ProjectsTable)
	str("USERS_TABLE", &cfg.Storage.UsersTable)
	str("SQLITE_PATH", &cfg.Storage.SQLitePath)
	str("REDIS_CONNECTION_STRING", &cfg.Redis.ConnectionString)
	str("EVENTS_CHANNEL", &cfg.Events.Channel)
	str("EVENTS_QUEUE", &cfg.Events.Queue)
	str("AUTH0_DOMAIN", &cfg.Auth.Domain)
	str("AUTH0_AUDIENCE", &cfg.Auth.Audience)
	str("LOCAL_AUTH_SHARED_SECRET", &cfg.Auth.SharedSecret)

	for _, fn := range []func() error{
		func() error { return boolean("DEBUG", &cfg.Debug) },
		func() error { return boolean("LOCAL_AUTH_MODE", &cfg.Auth.LocalMode) },
		func() error { return duration("DEDUPER_TTL", &cfg.Redis.DeduperTTL) },
		func() error { return duration("TASKS_CACHE_TTL", &cfg.Redis.TasksCacheTTL) },
		func() error { return duration("JWKS_CACHE_TTL", &cfg.Auth.JWKSRefresh) },
		func() error { return integer("MOVE_MAX_ATTEMPTS", &cfg.MoveMaxAttempts) },
	} {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}
