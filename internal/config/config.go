package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "LOGBOOK"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabaseDriver  = DatabaseDriverSQLite
	defaultDatabasePath    = "logbook.db"
	defaultLogLevel        = "info"
	defaultChangelogPath   = "CHANGELOG.md"
	defaultGitHubAPIURL    = "https://api.github.com/"
	defaultCookieName      = "app_session"
	defaultSessionIssuer   = "tauth"
	defaultDashboardURL    = "/dash"
	defaultRedisChannel    = "logbook.releases"
	defaultOtelSampleRatio = 0.1
)

const (
	// DatabaseDriverSQLite selects the embedded pure-Go SQLite driver.
	DatabaseDriverSQLite = "sqlite"
	// DatabaseDriverPostgres selects the Postgres driver.
	DatabaseDriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress          string
	LogLevel             string
	DatabaseDriver       string
	DatabasePath         string
	DatabaseDSN          string
	WebhookSecret        string
	GitHubAppID          int64
	GitHubPrivateKey     string
	GitHubAPIURL         string
	ChangelogPath        string
	SessionSigningSecret string
	SessionCookieName    string
	SessionIssuer        string
	DashboardURL         string
	RedisAddress         string
	RedisChannel         string
	OtelEnabled          bool
	OtelEndpoint         string
	OtelSampleRatio      float64
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
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("github.api_url", defaultGitHubAPIURL)
	configViper.SetDefault("github.changelog_path", defaultChangelogPath)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("app.dashboard_url", defaultDashboardURL)
	configViper.SetDefault("redis.channel", defaultRedisChannel)
	configViper.SetDefault("otel.enabled", false)
	configViper.SetDefault("otel.sample_ratio", defaultOtelSampleRatio)
}

// Load parses runtime configuration from viper.
//
// The webhook secret is intentionally optional here: a missing secret is
// reported per delivery as a server misconfiguration.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		LogLevel:             configViper.GetString("log.level"),
		DatabaseDriver:       strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:         configViper.GetString("database.path"),
		DatabaseDSN:          configViper.GetString("database.dsn"),
		WebhookSecret:        configViper.GetString("github.webhook_secret"),
		GitHubAppID:          configViper.GetInt64("github.app_id"),
		GitHubPrivateKey:     normalizePrivateKey(configViper.GetString("github.private_key")),
		GitHubAPIURL:         configViper.GetString("github.api_url"),
		ChangelogPath:        configViper.GetString("github.changelog_path"),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionCookieName:    configViper.GetString("session.cookie_name"),
		SessionIssuer:        configViper.GetString("session.issuer"),
		DashboardURL:         configViper.GetString("app.dashboard_url"),
		RedisAddress:         strings.TrimSpace(configViper.GetString("redis.address")),
		RedisChannel:         configViper.GetString("redis.channel"),
		OtelEnabled:          configViper.GetBool("otel.enabled"),
		OtelEndpoint:         strings.TrimSpace(configViper.GetString("otel.endpoint")),
		OtelSampleRatio:      configViper.GetFloat64("otel.sample_ratio"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadDatabase reads only the logging and database settings, for commands
// that never serve traffic.
func LoadDatabase(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		LogLevel:       configViper.GetString("log.level"),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:   configViper.GetString("database.path"),
		DatabaseDSN:    configViper.GetString("database.dsn"),
	}
	if err := cfg.validateDatabase(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// WebhookSecretFrom reads only the webhook secret, used when the config file changes.
func WebhookSecretFrom(configViper *viper.Viper) string {
	return configViper.GetString("github.webhook_secret")
}

func (c AppConfig) validate() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if c.GitHubAppID <= 0 {
		return fmt.Errorf("github.app_id is required")
	}
	if strings.TrimSpace(c.GitHubPrivateKey) == "" {
		return fmt.Errorf("github.private_key is required")
	}
	if strings.TrimSpace(c.ChangelogPath) == "" {
		return fmt.Errorf("github.changelog_path is required")
	}
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.OtelSampleRatio < 0 || c.OtelSampleRatio > 1 {
		return fmt.Errorf("otel.sample_ratio must be within [0, 1]")
	}
	return nil
}

func (c AppConfig) validateDatabase() error {
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
	return nil
}

// normalizePrivateKey restores newlines in PEM keys passed through single-line env vars.
func normalizePrivateKey(value string) string {
	return strings.ReplaceAll(strings.TrimSpace(value), `\n`, "\n")
}
