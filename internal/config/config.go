package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix = "CANVASNOTES"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabaseDriver   = DriverSQLite
	defaultDatabasePath     = "canvasnotes.db"
	defaultLogLevel         = "info"
	defaultCookieName       = "app_session"
	defaultSessionIssuer    = "canvasnotes"
	defaultServerURL        = "http://127.0.0.1:8080"
	defaultDraftsPath       = "canvasnotes-drafts.db"
	defaultDebounce         = 1200 * time.Millisecond
	defaultHeartbeat        = 20 * time.Second
	defaultRevisionInterval = 30 * time.Second
	defaultRevisionKeep     = 20
	defaultReachability     = 15 * time.Second
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	DatabaseDriver string
	DatabasePath   string
	DatabaseURL    string
	LogLevel       string
	SigningSecret  string
	CookieName     string
	SessionIssuer  string
}

// AgentConfig captures runtime configuration for the autosave agent.
type AgentConfig struct {
	ServerURL            string
	AuthToken            string
	DraftsPath           string
	LogLevel             string
	DebounceDelay        time.Duration
	HeartbeatInterval    time.Duration
	RevisionInterval     time.Duration
	RevisionKeep         int
	ReachabilityInterval time.Duration
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
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.issuer", defaultSessionIssuer)

	configViper.SetDefault("server.url", defaultServerURL)
	configViper.SetDefault("drafts.path", defaultDraftsPath)
	configViper.SetDefault("autosave.debounce", defaultDebounce)
	configViper.SetDefault("autosave.heartbeat", defaultHeartbeat)
	configViper.SetDefault("autosave.revision_interval", defaultRevisionInterval)
	configViper.SetDefault("autosave.revision_keep", defaultRevisionKeep)
	configViper.SetDefault("reachability.interval", defaultReachability)
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are skipped; existing variables win.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Load parses server configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		AllowedOrigins: splitList(configViper.GetStringSlice("http.allowed_origins")),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:   configViper.GetString("database.path"),
		DatabaseURL:    configViper.GetString("database.url"),
		LogLevel:       configViper.GetString("log.level"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		CookieName:     configViper.GetString("auth.cookie_name"),
		SessionIssuer:  configViper.GetString("auth.issuer"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadAgent parses agent configuration from viper.
func LoadAgent(configViper *viper.Viper) (AgentConfig, error) {
	cfg := AgentConfig{
		ServerURL:            strings.TrimRight(strings.TrimSpace(configViper.GetString("server.url")), "/"),
		AuthToken:            strings.TrimSpace(configViper.GetString("auth.token")),
		DraftsPath:           configViper.GetString("drafts.path"),
		LogLevel:             configViper.GetString("log.level"),
		DebounceDelay:        configViper.GetDuration("autosave.debounce"),
		HeartbeatInterval:    configViper.GetDuration("autosave.heartbeat"),
		RevisionInterval:     configViper.GetDuration("autosave.revision_interval"),
		RevisionKeep:         configViper.GetInt("autosave.revision_keep"),
		ReachabilityInterval: configViper.GetDuration("reachability.interval"),
	}

	if err := cfg.validate(); err != nil {
		return AgentConfig{}, err
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
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("database.url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	return nil
}

func (c AgentConfig) validate() error {
	parsed, err := url.Parse(c.ServerURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("server.url must be an absolute url")
	}
	if c.AuthToken == "" {
		return fmt.Errorf("auth.token is required")
	}
	if strings.TrimSpace(c.DraftsPath) == "" {
		return fmt.Errorf("drafts.path is required")
	}
	if c.DebounceDelay <= 0 || c.HeartbeatInterval <= 0 || c.RevisionInterval <= 0 || c.ReachabilityInterval <= 0 {
		return fmt.Errorf("autosave and reachability intervals must be positive")
	}
	if c.RevisionKeep <= 0 {
		return fmt.Errorf("autosave.revision_keep must be positive")
	}
	return nil
}

// splitList accepts both repeated values and a single comma separated value,
// as environment variables arrive as one string.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
