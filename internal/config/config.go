package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port              string   `mapstructure:"PORT"`
	Env               string   `mapstructure:"ENV"`
	DatabaseURL       string   `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32    `mapstructure:"DB_MIN_CONNS"`
	BaseURL           string   `mapstructure:"APP_BASE_URL"`
	CORSOrigins       []string `mapstructure:"CORS_ORIGINS"`
	SearchUseQuery    bool     `mapstructure:"SEARCH_USE_QUERY_SERVICE"`
	FTSEndpoint       string   `mapstructure:"FTS_ENDPOINT"`
	SearchMaxKeys     int      `mapstructure:"SEARCH_MAX_KEYS"`
	StoreTimeoutSecs  int      `mapstructure:"STORE_TIMEOUT_SECONDS"`
	IGParamsFile      string   `mapstructure:"IG_SEARCH_PARAMS_FILE"`
	TokenExpiryHours  int      `mapstructure:"OAUTH_TOKEN_EXPIRY_HOURS"`
	SessionTTLMinutes int      `mapstructure:"SESSION_TTL_MINUTES"`
	AdminClientID     string   `mapstructure:"ADMIN_UI_CLIENT_ID"`
	AdminClientSecret string   `mapstructure:"ADMIN_UI_CLIENT_SECRET"`
	AdminClientScopes string   `mapstructure:"ADMIN_UI_CLIENT_SCOPES"`
	TLSEnabled        bool     `mapstructure:"TLS_ENABLED"`
	TLSCertFile       string   `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile        string   `mapstructure:"TLS_KEY_FILE"`
}

// Load reads configuration from an optional YAML file (FHIRVAULT_CONFIG,
// default ./config.yaml) with environment variables taking precedence.
func Load() (*Config, error) {
	v := viper.New()
	cfgFile := os.Getenv("FHIRVAULT_CONFIG")
	if cfgFile == "" {
		cfgFile = "config.yaml"
	}
	v.SetConfigFile(cfgFile)
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("APP_BASE_URL", "http://localhost:8080/fhir")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("SEARCH_USE_QUERY_SERVICE", false)
	v.SetDefault("FTS_ENDPOINT", "http://localhost:8094")
	v.SetDefault("SEARCH_MAX_KEYS", 10000)
	v.SetDefault("STORE_TIMEOUT_SECONDS", 30)
	v.SetDefault("OAUTH_TOKEN_EXPIRY_HOURS", 1)
	v.SetDefault("SESSION_TTL_MINUTES", 30)
	v.SetDefault("ADMIN_UI_CLIENT_ID", "admin-ui")
	v.SetDefault("ADMIN_UI_CLIENT_SCOPES", "system/*.*")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("APP_BASE_URL")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("SEARCH_USE_QUERY_SERVICE")
	v.BindEnv("FTS_ENDPOINT")
	v.BindEnv("SEARCH_MAX_KEYS")
	v.BindEnv("STORE_TIMEOUT_SECONDS")
	v.BindEnv("IG_SEARCH_PARAMS_FILE")
	v.BindEnv("OAUTH_TOKEN_EXPIRY_HOURS")
	v.BindEnv("SESSION_TTL_MINUTES")
	v.BindEnv("ADMIN_UI_CLIENT_ID")
	v.BindEnv("ADMIN_UI_CLIENT_SECRET")
	v.BindEnv("ADMIN_UI_CLIENT_SCOPES")
	v.BindEnv("TLS_ENABLED")
	v.BindEnv("TLS_CERT_FILE")
	v.BindEnv("TLS_KEY_FILE")

	// Try reading the config file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Issuer returns the OAuth2 issuer identifier: the application base URL with
// a trailing "/fhir" segment removed. Tokens minted by the authorization
// server and the discovery documents both use this value.
func (c *Config) Issuer() string {
	return strings.TrimSuffix(strings.TrimSuffix(c.BaseURL, "/"), "/fhir")
}

// FHIRBaseURL returns the externally visible base URL of the FHIR endpoint.
func (c *Config) FHIRBaseURL() string {
	return strings.TrimSuffix(c.BaseURL, "/")
}

// Validate checks that the configuration is safe to run. In production the
// built-in admin client must have an explicit secret, and TLS needs both a
// certificate and a key file.
func (c *Config) Validate() error {
	if c.IsProduction() && c.AdminClientSecret == "" {
		return fmt.Errorf("ADMIN_UI_CLIENT_SECRET is required in production")
	}
	if c.TokenExpiryHours <= 0 {
		return fmt.Errorf("OAUTH_TOKEN_EXPIRY_HOURS must be positive, got %d", c.TokenExpiryHours)
	}
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}
	return nil
}
