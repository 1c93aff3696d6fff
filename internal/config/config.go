package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "PAGELINK"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabaseType  = DatabaseDriverSQLite
	defaultDatabasePath  = "pagelink.db"
	defaultLogLevel      = "info"
	defaultLogFormat     = "json"
	defaultCookieName    = "app_session"
	defaultIssuer        = "tauth"
	defaultRatePerMinute = 30
	defaultRateBurst     = 10
)

const (
	// DatabaseDriverSQLite selects the embedded SQLite database.
	DatabaseDriverSQLite = "sqlite"
	// DatabaseDriverPostgres selects a PostgreSQL server reached through database.dsn.
	DatabaseDriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	TAuthSigningKey string
	TAuthIssuer     string
	TAuthCookieName string
	DatabaseDriver  string
	DatabasePath    string
	DatabaseDSN     string
	LogLevel        string
	LogFormat       string
	AdminToken      string
	SiteHosts       []string
	RatePerMinute   int
	RateBurst       int
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
	configViper.SetDefault("database.driver", defaultDatabaseType)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.issuer", defaultIssuer)
	configViper.SetDefault("ratelimit.per_minute", defaultRatePerMinute)
	configViper.SetDefault("ratelimit.burst", defaultRateBurst)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		TAuthSigningKey: configViper.GetString("tauth.signing_secret"),
		TAuthIssuer:     configViper.GetString("tauth.issuer"),
		TAuthCookieName: configViper.GetString("tauth.cookie_name"),
		DatabaseDriver:  strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:    configViper.GetString("database.path"),
		DatabaseDSN:     configViper.GetString("database.dsn"),
		LogLevel:        configViper.GetString("log.level"),
		LogFormat:       configViper.GetString("log.format"),
		AdminToken:      configViper.GetString("admin.token"),
		SiteHosts:       splitList(configViper.GetStringSlice("site.hosts")),
		RatePerMinute:   configViper.GetInt("ratelimit.per_minute"),
		RateBurst:       configViper.GetInt("ratelimit.burst"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
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
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.RatePerMinute <= 0 {
		return fmt.Errorf("ratelimit.per_minute must be positive")
	}
	if c.RateBurst <= 0 {
		return fmt.Errorf("ratelimit.burst must be positive")
	}
	return nil
}

// splitList flattens comma separated entries; env values reach viper as one string.
func splitList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part != "" {
				result = append(result, part)
			}
		}
	}
	return result
}
