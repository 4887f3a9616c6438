package config

import (
	"strings"
	"testing"
	"time"
)

func setAuthEnv(t *testing.T) {
	t.Helper()
	t.Setenv("AUTH_SERVER_URL", "https://idp.example.org")
	t.Setenv("AUTH_REALM", "healthcare")
	t.Setenv("AUTH_CLIENT_ID", "patient-portal")
}

func TestLoad_Defaults(t *testing.T) {
	setAuthEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8000" {
		t.Errorf("expected default port 8000, got %s", cfg.Port)
	}
	if len(cfg.AuthAlgorithms) != 1 || cfg.AuthAlgorithms[0] != "RS256" {
		t.Errorf("expected default algorithms [RS256], got %v", cfg.AuthAlgorithms)
	}
	if !cfg.AuthCheckTokenType {
		t.Error("expected token type check on by default")
	}
	if cfg.JWKSTimeout != 30*time.Second {
		t.Errorf("expected 30s JWKS timeout, got %s", cfg.JWKSTimeout)
	}
	if cfg.RoleMappingsSource != RuleSourceDefault {
		t.Errorf("expected default rule source, got %s", cfg.RoleMappingsSource)
	}
	if cfg.AuthTestMode {
		t.Error("expected test mode off by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_FromEnvironment(t *testing.T) {
	setAuthEnv(t)
	t.Setenv("AUTH_ALGORITHMS", "RS256, ES256")
	t.Setenv("AUTH_MIN_TOKEN_AGE", "2s")
	t.Setenv("AUTH_MAX_TOKEN_AGE", "12h")
	t.Setenv("AUTH_TEST_MODE", "true")
	t.Setenv("CORS_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("DB_MAX_CONNS", "25")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Join(cfg.AuthAlgorithms, "|") != "RS256|ES256" {
		t.Errorf("unexpected algorithms %v", cfg.AuthAlgorithms)
	}
	if cfg.AuthMinTokenAge != 2*time.Second || cfg.AuthMaxTokenAge != 12*time.Hour {
		t.Errorf("unexpected token ages %s/%s", cfg.AuthMinTokenAge, cfg.AuthMaxTokenAge)
	}
	if !cfg.AuthTestMode {
		t.Error("expected test mode on")
	}
	if len(cfg.CORSOrigins) != 2 {
		t.Errorf("expected 2 CORS origins, got %v", cfg.CORSOrigins)
	}
	if cfg.DBMaxConns != 25 {
		t.Errorf("expected 25 max conns, got %d", cfg.DBMaxConns)
	}

	v := cfg.Validator()
	if v.Issuer() != "https://idp.example.org/realms/healthcare" {
		t.Errorf("unexpected issuer %s", v.Issuer())
	}
}

func validConfig() *Config {
	return &Config{
		Env:                "development",
		AuthServerURL:      "https://idp.example.org",
		AuthRealm:          "healthcare",
		AuthClientID:       "patient-portal",
		AuthAlgorithms:     []string{"RS256"},
		JWKSTimeout:        30 * time.Second,
		RoleMappingsSource: RuleSourceDefault,
		DBMaxConns:         10,
		DBMinConns:         2,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing server url", func(c *Config) { c.AuthServerURL = "" }, "identity provider URL"},
		{"missing realm", func(c *Config) { c.AuthRealm = "" }, "realm"},
		{"symmetric algorithm", func(c *Config) { c.AuthAlgorithms = []string{"HS256"} }, "HS256"},
		{"test mode in production", func(c *Config) { c.Env = "production"; c.AuthTestMode = true }, "AUTH_TEST_MODE"},
		{"test mode in prod", func(c *Config) { c.Env = "prod"; c.AuthTestMode = true }, "AUTH_TEST_MODE"},
		{"test mode in capitalized production", func(c *Config) { c.Env = "Production"; c.AuthTestMode = true }, "AUTH_TEST_MODE"},
		{"test mode in staging", func(c *Config) { c.Env = "staging"; c.AuthTestMode = true }, "AUTH_TEST_MODE"},
		{"test mode with empty env", func(c *Config) { c.Env = ""; c.AuthTestMode = true }, "AUTH_TEST_MODE"},
		{"test mode in development", func(c *Config) { c.AuthTestMode = true }, ""},
		{"test mode in test", func(c *Config) { c.Env = "test"; c.AuthTestMode = true }, ""},
		{"test mode in uppercase development", func(c *Config) { c.Env = "DEVELOPMENT"; c.AuthTestMode = true }, ""},
		{"negative age", func(c *Config) { c.AuthMinTokenAge = -time.Second }, "must not be negative"},
		{"min not below max", func(c *Config) { c.AuthMinTokenAge = time.Hour; c.AuthMaxTokenAge = time.Hour }, "must be less than"},
		{"only max age", func(c *Config) { c.AuthMaxTokenAge = time.Hour }, ""},
		{"negative skew", func(c *Config) { c.AuthClockSkew = -time.Second }, "AUTH_CLOCK_SKEW"},
		{"zero jwks timeout", func(c *Config) { c.JWKSTimeout = 0 }, "JWKS_TIMEOUT"},
		{"file source without path", func(c *Config) { c.RoleMappingsSource = RuleSourceFile }, "ROLE_MAPPINGS_FILE"},
		{"postgres source without url", func(c *Config) { c.RoleMappingsSource = RuleSourcePostgres }, "DATABASE_URL"},
		{"unknown source", func(c *Config) { c.RoleMappingsSource = "ldap" }, "ROLE_MAPPINGS_SOURCE"},
		{"pool sizes", func(c *Config) { c.DBMinConns = 20 }, "DB_MIN_CONNS"},
		{"relative upstream", func(c *Config) { c.UpstreamURL = "/emr" }, "UPSTREAM_URL"},
		{"tls without cert", func(c *Config) { c.TLSEnabled = true; c.TLSKeyFile = "k" }, "TLS_CERT_FILE"},
		{"tls without key", func(c *Config) { c.TLSEnabled = true; c.TLSCertFile = "c" }, "TLS_KEY_FILE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() || !c.IsProduction() {
		t.Error("expected production mode")
	}

	c.Env = "Prod"
	if !c.IsProduction() || c.AllowsTestMode() {
		t.Error("expected Prod to count as production")
	}
}
