package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/authgateway/internal/platform/auth"
)

// Rule source names accepted by ROLE_MAPPINGS_SOURCE.
const (
	RuleSourceDefault  = "default"
	RuleSourceFile     = "file"
	RuleSourcePostgres = "postgres"
)

type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	AuthServerURL      string        `mapstructure:"AUTH_SERVER_URL"`
	AuthRealm          string        `mapstructure:"AUTH_REALM"`
	AuthClientID       string        `mapstructure:"AUTH_CLIENT_ID"`
	AuthAlgorithms     []string      `mapstructure:"AUTH_ALGORITHMS"`
	AuthTestMode       bool          `mapstructure:"AUTH_TEST_MODE"`
	AuthMinTokenAge    time.Duration `mapstructure:"AUTH_MIN_TOKEN_AGE"`
	AuthMaxTokenAge    time.Duration `mapstructure:"AUTH_MAX_TOKEN_AGE"`
	AuthCheckTokenType bool          `mapstructure:"AUTH_CHECK_TOKEN_TYPE"`
	AuthClockSkew      time.Duration `mapstructure:"AUTH_CLOCK_SKEW"`

	JWKSTimeout         time.Duration `mapstructure:"JWKS_TIMEOUT"`
	JWKSRefreshInterval time.Duration `mapstructure:"JWKS_REFRESH_INTERVAL"`

	RoleMappingsSource         string        `mapstructure:"ROLE_MAPPINGS_SOURCE"`
	RoleMappingsFile           string        `mapstructure:"ROLE_MAPPINGS_FILE"`
	RoleMappingsReloadInterval time.Duration `mapstructure:"ROLE_MAPPINGS_RELOAD_INTERVAL"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	UpstreamURL    string        `mapstructure:"UPSTREAM_URL"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`

	OTelEndpoint    string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`
}

var keys = []string{
	"PORT", "ENV",
	"AUTH_SERVER_URL", "AUTH_REALM", "AUTH_CLIENT_ID", "AUTH_ALGORITHMS",
	"AUTH_TEST_MODE", "AUTH_MIN_TOKEN_AGE", "AUTH_MAX_TOKEN_AGE",
	"AUTH_CHECK_TOKEN_TYPE", "AUTH_CLOCK_SKEW",
	"JWKS_TIMEOUT", "JWKS_REFRESH_INTERVAL",
	"ROLE_MAPPINGS_SOURCE", "ROLE_MAPPINGS_FILE", "ROLE_MAPPINGS_RELOAD_INTERVAL",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"CORS_ORIGINS", "REQUEST_TIMEOUT", "UPSTREAM_URL",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_SERVICE_NAME",
}

// Load reads configuration from the environment and an optional .env file
// in the working directory. Environment variables win.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_ALGORITHMS", "RS256")
	v.SetDefault("AUTH_CHECK_TOKEN_TYPE", true)
	v.SetDefault("JWKS_TIMEOUT", auth.DefaultKeyFetchTimeout)
	v.SetDefault("JWKS_REFRESH_INTERVAL", auth.DefaultKeyRefreshInterval)
	v.SetDefault("ROLE_MAPPINGS_SOURCE", RuleSourceDefault)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", 30*time.Second)
	v.SetDefault("OTEL_SERVICE_NAME", "auth-gateway")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.AuthAlgorithms = splitList(cfg.AuthAlgorithms)
	cfg.CORSOrigins = splitList(cfg.CORSOrigins)

	return cfg, nil
}

// splitList normalizes comma-separated values that may arrive either as a
// single element or already split.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return strings.EqualFold(c.Env, "development")
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production") || strings.EqualFold(c.Env, "prod")
}

// testModeEnvs are the only environments in which AUTH_TEST_MODE may be set.
var testModeEnvs = []string{"development", "test"}

// AllowsTestMode reports whether literal test tokens may be enabled in the
// configured environment.
func (c *Config) AllowsTestMode() bool {
	for _, env := range testModeEnvs {
		if strings.EqualFold(c.Env, env) {
			return true
		}
	}
	return false
}

// Validator returns the token validator settings.
func (c *Config) Validator() auth.ValidatorConfig {
	return auth.ValidatorConfig{
		ServerURL:  c.AuthServerURL,
		Realm:      c.AuthRealm,
		ClientID:   c.AuthClientID,
		Algorithms: c.AuthAlgorithms,
		ClockSkew:  c.AuthClockSkew,
	}
}

// KeyResolver returns the JWKS client settings.
func (c *Config) KeyResolver() auth.KeyResolverConfig {
	return auth.KeyResolverConfig{
		Timeout:         c.JWKSTimeout,
		RefreshInterval: c.JWKSRefreshInterval,
	}
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if err := c.Validator().Validate(); err != nil {
		return err
	}

	if c.AuthTestMode && !c.AllowsTestMode() {
		return fmt.Errorf("AUTH_TEST_MODE is only allowed when ENV is %s, got ENV=%q",
			strings.Join(testModeEnvs, " or "), c.Env)
	}

	if c.AuthMinTokenAge < 0 || c.AuthMaxTokenAge < 0 {
		return fmt.Errorf("AUTH_MIN_TOKEN_AGE and AUTH_MAX_TOKEN_AGE must not be negative")
	}
	if c.AuthMinTokenAge > 0 && c.AuthMaxTokenAge > 0 && c.AuthMinTokenAge >= c.AuthMaxTokenAge {
		return fmt.Errorf("AUTH_MIN_TOKEN_AGE (%s) must be less than AUTH_MAX_TOKEN_AGE (%s)",
			c.AuthMinTokenAge, c.AuthMaxTokenAge)
	}
	if c.AuthClockSkew < 0 {
		return fmt.Errorf("AUTH_CLOCK_SKEW must not be negative")
	}
	if c.JWKSTimeout <= 0 {
		return fmt.Errorf("JWKS_TIMEOUT must be positive")
	}

	switch c.RoleMappingsSource {
	case RuleSourceDefault:
	case RuleSourceFile:
		if c.RoleMappingsFile == "" {
			return fmt.Errorf("ROLE_MAPPINGS_FILE is required when ROLE_MAPPINGS_SOURCE is %q", RuleSourceFile)
		}
	case RuleSourcePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when ROLE_MAPPINGS_SOURCE is %q", RuleSourcePostgres)
		}
	default:
		return fmt.Errorf("ROLE_MAPPINGS_SOURCE must be %q, %q, or %q, got %q",
			RuleSourceDefault, RuleSourceFile, RuleSourcePostgres, c.RoleMappingsSource)
	}

	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	if c.UpstreamURL != "" {
		u, err := url.Parse(c.UpstreamURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("UPSTREAM_URL must be an absolute URL, got %q", c.UpstreamURL)
		}
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
