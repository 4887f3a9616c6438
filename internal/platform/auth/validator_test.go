package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func expectCode(t *testing.T, err error, status int, code Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	var authErr *Error
	if !errors.As(err, &authErr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if authErr.Code != code {
		t.Errorf("expected code %s, got %s (%v)", code, authErr.Code, err)
	}
	if authErr.Status != status {
		t.Errorf("expected status %d, got %d", status, authErr.Status)
	}
}

func TestValidatorConfig_Issuer(t *testing.T) {
	cfg := ValidatorConfig{ServerURL: "https://idp.example.org/", Realm: "healthcare"}
	if got, want := cfg.Issuer(), "https://idp.example.org/realms/healthcare"; got != want {
		t.Errorf("Issuer() = %q, want %q", got, want)
	}
}

func TestValidatorConfig_Validate(t *testing.T) {
	base := ValidatorConfig{ServerURL: "https://idp", Realm: "r", ClientID: "c"}

	tests := []struct {
		name    string
		mutate  func(*ValidatorConfig)
		wantErr bool
	}{
		{"defaults", func(*ValidatorConfig) {}, false},
		{"ES256", func(c *ValidatorConfig) { c.Algorithms = []string{"ES256"} }, false},
		{"HS256 rejected", func(c *ValidatorConfig) { c.Algorithms = []string{"RS256", "HS256"} }, true},
		{"none rejected", func(c *ValidatorConfig) { c.Algorithms = []string{"none"} }, true},
		{"missing url", func(c *ValidatorConfig) { c.ServerURL = "" }, true},
		{"missing realm", func(c *ValidatorConfig) { c.Realm = "" }, true},
		{"missing client", func(c *ValidatorConfig) { c.ClientID = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTokenValidator_ValidToken(t *testing.T) {
	idp := newTestIdP(t)
	v := idp.newValidator(t)

	in := idp.claims()
	in.ResourceAccess = map[string]RoleSet{"account": {Roles: []string{"view-profile"}}}
	in.Specialty = strPtr("cardiology")

	claims, err := v.Validate(context.Background(), idp.sign(t, in))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Subject != "user-123" {
		t.Errorf("subject = %q", claims.Subject)
	}
	if claims.PreferredUsername != "dr.house" {
		t.Errorf("preferred_username = %q", claims.PreferredUsername)
	}
	if claims.Specialty == nil || *claims.Specialty != "cardiology" {
		t.Errorf("specialty = %v", claims.Specialty)
	}
	roles := claims.RawRoles()
	if len(roles) != 2 || roles[0] != "healthcare-provider" || roles[1] != "view-profile" {
		t.Errorf("raw roles = %v", roles)
	}
}

func TestTokenValidator_RejectsBadTokens(t *testing.T) {
	idp := newTestIdP(t)
	v := idp.newValidator(t)
	other := generateRSAKey(t)

	tests := []struct {
		name  string
		token func() string
	}{
		{"bad signature", func() string {
			return signRS256(t, testKID, other, idp.claims())
		}},
		{"tampered payload", func() string {
			parts := strings.Split(idp.sign(t, idp.claims()), ".")
			escalated := idp.claims()
			escalated.RealmAccess = RoleSet{Roles: []string{"platform-admin"}}
			forged := signRS256(t, testKID, other, escalated)
			return parts[0] + "." + strings.Split(forged, ".")[1] + "." + parts[2]
		}},
		{"wrong issuer", func() string {
			c := idp.claims()
			c.Issuer = idp.serverURL() + "/realms/other"
			return idp.sign(t, c)
		}},
		{"wrong audience", func() string {
			c := idp.claims()
			c.Audience = jwt.ClaimStrings{"another-client"}
			return idp.sign(t, c)
		}},
		{"expired", func() string {
			c := idp.claims()
			c.IssuedAt = jwt.NewNumericDate(time.Now().Add(-2 * time.Hour))
			c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
			return idp.sign(t, c)
		}},
		{"missing exp", func() string {
			c := idp.claims()
			c.ExpiresAt = nil
			return idp.sign(t, c)
		}},
		{"not yet valid", func() string {
			c := idp.claims()
			c.NotBefore = jwt.NewNumericDate(time.Now().Add(time.Hour))
			return idp.sign(t, c)
		}},
		{"missing kid", func() string {
			return signRS256(t, "", idp.key, idp.claims())
		}},
		{"symmetric algorithm", func() string {
			token := jwt.NewWithClaims(jwt.SigningMethodHS256, idp.claims())
			token.Header["kid"] = testKID
			s, err := token.SignedString([]byte("shared-secret"))
			if err != nil {
				t.Fatalf("sign: %v", err)
			}
			return s
		}},
		{"three garbage segments", func() string { return "abc.def.ghi" }},
		{"not a jwt", func() string { return "opaque-token" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(context.Background(), tt.token())
			expectCode(t, err, http.StatusUnauthorized, CodeInvalidToken)
		})
	}
}

func TestTokenValidator_KeyResolutionFailureIsInfrastructureError(t *testing.T) {
	idp := newTestIdP(t)
	v := idp.newValidator(t)
	token := idp.sign(t, idp.claims())

	idp.failing.Store(true)
	_, err := v.Validate(context.Background(), token)
	expectCode(t, err, http.StatusInternalServerError, CodeAuthenticationError)

	var kre *KeyResolutionError
	if !errors.As(err, &kre) {
		t.Errorf("expected cause to be *KeyResolutionError, got %v", err)
	}
}

func TestTokenValidator_UnknownKIDIsAuthenticationError(t *testing.T) {
	idp := newTestIdP(t)
	v := idp.newValidator(t)

	_, err := v.Validate(context.Background(), signRS256(t, "unpublished", generateRSAKey(t), idp.claims()))
	expectCode(t, err, http.StatusInternalServerError, CodeAuthenticationError)
	if !errors.Is(err, ErrUnknownKID) {
		t.Errorf("expected cause to wrap ErrUnknownKID, got %v", err)
	}
}

func TestTokenValidator_UnreachableIdP(t *testing.T) {
	cfg := ValidatorConfig{
		ServerURL: "http://127.0.0.1:1",
		Realm:     testRealm,
		ClientID:  testClientID,
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	strategy, err := NewSignatureStrategy(cfg, NewKeyResolver(ctx, KeyResolverConfig{Timeout: time.Second}))
	if err != nil {
		t.Fatalf("NewSignatureStrategy: %v", err)
	}

	idp := newTestIdP(t)
	c := idp.claims()
	c.Issuer = cfg.Issuer()
	_, err = NewTokenValidator(strategy).Validate(context.Background(), idp.sign(t, c))
	expectCode(t, err, http.StatusInternalServerError, CodeAuthenticationError)
}

func TestTokenValidator_ClockSkew(t *testing.T) {
	idp := newTestIdP(t)
	cfg := idp.validatorConfig()
	cfg.ClockSkew = time.Minute
	strategy, err := NewSignatureStrategy(cfg, newTestResolver(t))
	if err != nil {
		t.Fatalf("NewSignatureStrategy: %v", err)
	}

	c := idp.claims()
	c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-30 * time.Second))
	if _, err := NewTokenValidator(strategy).Validate(context.Background(), idp.sign(t, c)); err != nil {
		t.Errorf("expected token within leeway to pass, got %v", err)
	}
}

func TestNewStrategy(t *testing.T) {
	idp := newTestIdP(t)

	s, err := NewStrategy(idp.validatorConfig(), newTestResolver(t), false)
	if err != nil {
		t.Fatalf("NewStrategy: %v", err)
	}
	if _, ok := s.(*SignatureStrategy); !ok {
		t.Errorf("expected *SignatureStrategy outside test mode, got %T", s)
	}

	s, err = NewStrategy(idp.validatorConfig(), newTestResolver(t), true)
	if err != nil {
		t.Fatalf("NewStrategy: %v", err)
	}
	if _, ok := s.(*LiteralStrategy); !ok {
		t.Errorf("expected *LiteralStrategy in test mode, got %T", s)
	}

	bad := idp.validatorConfig()
	bad.Algorithms = []string{"HS256"}
	if _, err := NewStrategy(bad, newTestResolver(t), true); err == nil {
		t.Error("expected symmetric algorithm to be refused")
	}
}
