// Package config reads the service settings from the environment.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"ameno-api/reminder"
)

// Auth selects how bearer tokens are verified.
type Auth struct {
	// TestMode accepts HS256 tokens signed with TestSecret.
	TestMode   bool
	TestSecret string
	Domain     string
	Audience   string
}

// JWKSURL is the key set of the Auth0 tenant.
func (a Auth) JWKSURL() string {
	return fmt.Sprintf("https://%s/.well-known/jwks.json", a.Domain)
}

func (a Auth) Issuer() string {
	return "https://" + a.Domain + "/"
}

// Logging configures the logrus output.
type Logging struct {
	Debug      bool
	JSON       bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type Config struct {
	Logging Logging

	StorageConnectionString string
	TasksTable              string
	ProfilesTable           string
	ReminderQueue           string

	Redis      *redis.Options
	CacheTTL   time.Duration
	DeduperTTL time.Duration

	Auth Auth

	DispatchWorkers      int
	DispatchBatch        int
	DispatchPollInterval time.Duration
	Recurrence           reminder.Mode
	AppName              string
	DefaultTimezone      *time.Location

	ListenAddr string
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (Config, error) {
	var errs []error
	env := func(key string) string { return strings.TrimSpace(getenv(key)) }

	cfg := Config{
		StorageConnectionString: env("STORAGE_CONNECTION_STRING"),
		TasksTable:              orDefault(env("TASKS_TABLE"), "Tasks"),
		ProfilesTable:           orDefault(env("PROFILES_TABLE"), "Profiles"),
		ReminderQueue:           orDefault(env("REMINDER_QUEUE"), "reminders"),
		AppName:                 env("APP_NAME"),
	}
	if cfg.StorageConnectionString == "" {
		errs = append(errs, errors.New("missing STORAGE_CONNECTION_STRING"))
	}

	cfg.Logging.Debug = boolEnv(env("DEBUG"))
	cfg.Logging.JSON = strings.EqualFold(env("LOG_FORMAT"), "json")
	cfg.Logging.File = env("LOG_FILE")
	cfg.Logging.MaxSizeMB = intEnv(env, "LOG_MAX_SIZE_MB", 100, &errs)
	cfg.Logging.MaxBackups = intEnv(env, "LOG_MAX_BACKUPS", 5, &errs)
	cfg.Logging.MaxAgeDays = intEnv(env, "LOG_MAX_AGE_DAYS", 28, &errs)

	if conn := env("REDIS_CONNECTION_STRING"); conn == "" {
		errs = append(errs, errors.New("missing REDIS_CONNECTION_STRING"))
	} else {
		cfg.Redis = ParseRedis(conn)
	}
	cfg.CacheTTL = durationEnv(env, "CACHE_TTL", 5*time.Minute, &errs)
	cfg.DeduperTTL = durationEnv(env, "DEDUPER_TTL", 24*time.Hour, &errs)

	if mode := strings.ToLower(env("LOCAL_AUTH_MODE")); mode != "" {
		switch mode {
		case "hs256":
			cfg.Auth.TestMode = true
			cfg.Auth.TestSecret = env("LOCAL_AUTH_SHARED_SECRET")
			if cfg.Auth.TestSecret == "" {
				errs = append(errs, errors.New("LOCAL_AUTH_SHARED_SECRET must be set when LOCAL_AUTH_MODE=hs256"))
			}
		default:
			errs = append(errs, fmt.Errorf("unsupported LOCAL_AUTH_MODE %q", mode))
		}
	} else if env("AUTH0_TEST_MODE") == "1" {
		cfg.Auth.TestMode = true
		cfg.Auth.TestSecret = env("TEST_JWT_SECRET")
		if cfg.Auth.TestSecret == "" {
			errs = append(errs, errors.New("TEST_JWT_SECRET must be set when AUTH0_TEST_MODE=1"))
		}
	} else {
		cfg.Auth.Domain = env("AUTH0_DOMAIN")
		cfg.Auth.Audience = env("AUTH0_AUDIENCE")
		if cfg.Auth.Domain == "" || cfg.Auth.Audience == "" {
			errs = append(errs, errors.New("missing Auth0 config"))
		}
	}

	cfg.DispatchWorkers = intEnv(env, "DISPATCH_WORKERS", 4, &errs)
	cfg.DispatchBatch = intEnv(env, "DISPATCH_BATCH", 16, &errs)
	if cfg.DispatchBatch > 32 {
		errs = append(errs, errors.New("invalid DISPATCH_BATCH: at most 32 messages per dequeue"))
	}
	cfg.DispatchPollInterval = durationEnv(env, "DISPATCH_POLL_INTERVAL", time.Second, &errs)

	mode, err := reminder.ParseMode(env("REMINDER_RECURRENCE"))
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Recurrence = mode

	cfg.DefaultTimezone = time.UTC
	if tz := env("DEFAULT_TIMEZONE"); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid DEFAULT_TIMEZONE: %w", err))
		} else {
			cfg.DefaultTimezone = loc
		}
	}

	cfg.ListenAddr = ":8080"
	if port := env("PORT"); port != "" {
		cfg.ListenAddr = ":" + port
	} else if port := env("FUNCTIONS_CUSTOMHANDLER_PORT"); port != "" {
		cfg.ListenAddr = ":" + port
	}

	return cfg, errors.Join(errs...)
}

// ParseRedis accepts a redis:// URL or an Azure style
// "host:port,password=...,ssl=true" connection string.
func ParseRedis(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(kv[1]), "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func boolEnv(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

func intEnv(env func(string) string, key string, def int, errs *[]error) int {
	v := env(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		*errs = append(*errs, fmt.Errorf("invalid %s: must be a positive integer", key))
		return def
	}
	return n
}

func durationEnv(env func(string) string, key string, def time.Duration, errs *[]error) time.Duration {
	v := env(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		*errs = append(*errs, fmt.Errorf("invalid %s: must be a positive duration", key))
		return def
	}
	return d
}
