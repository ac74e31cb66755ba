package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "CITYCREW"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabaseDriver  = DatabaseDriverSQLite
	defaultDatabasePath    = "citycrew.db"
	defaultLogLevel        = "info"
	defaultCookieName      = "citycrew_session"
	defaultIssuer          = "citycrew"
	defaultPresenceBackend = PresenceBackendDatabase
	defaultMediaDir        = "media"
	defaultMediaBaseURL    = "/media"
	defaultExpoPushURL     = "https://exp.host/--/api/v2/push/send"
	defaultConcurrency     = 10
)

const (
	DatabaseDriverSQLite   = "sqlite"
	DatabaseDriverPostgres = "postgres"

	PresenceBackendDatabase = "database"
	PresenceBackendRedis    = "redis"
)

// AppConfig captures runtime configuration for the API server and the push worker.
type AppConfig struct {
	HTTPAddress       string
	DatabaseDriver    string
	DatabasePath      string
	DatabaseDSN       string
	LogLevel          string
	SigningSecret     string
	Issuer            string
	CookieName        string
	RedisURL          string
	PresenceBackend   string
	MediaDir          string
	MediaPublicURL    string
	ExpoPushURL       string
	WorkerConcurrency int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("presence.backend", defaultPresenceBackend)
	configViper.SetDefault("media.dir", defaultMediaDir)
	configViper.SetDefault("media.public_base_url", defaultMediaBaseURL)
	configViper.SetDefault("push.expo_url", defaultExpoPushURL)
	configViper.SetDefault("worker.concurrency", defaultConcurrency)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabaseDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:      configViper.GetString("database.path"),
		DatabaseDSN:       configViper.GetString("database.dsn"),
		LogLevel:          configViper.GetString("log.level"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		Issuer:            configViper.GetString("auth.issuer"),
		CookieName:        configViper.GetString("auth.cookie_name"),
		RedisURL:          configViper.GetString("redis.url"),
		PresenceBackend:   strings.ToLower(strings.TrimSpace(configViper.GetString("presence.backend"))),
		MediaDir:          configViper.GetString("media.dir"),
		MediaPublicURL:    configViper.GetString("media.public_base_url"),
		ExpoPushURL:       configViper.GetString("push.expo_url"),
		WorkerConcurrency: configViper.GetInt("worker.concurrency"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DatabaseDriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported database.driver %q", c.DatabaseDriver)
	}
	switch c.PresenceBackend {
	case PresenceBackendDatabase:
	case PresenceBackendRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return fmt.Errorf("redis.url is required for the redis presence backend")
		}
	default:
		return fmt.Errorf("unsupported presence.backend %q", c.PresenceBackend)
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be positive")
	}
	return nil
}
