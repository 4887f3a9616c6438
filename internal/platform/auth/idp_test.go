package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

const (
	testRealm    = "healthcare"
	testClientID = "patient-portal"
	testKID      = "signing-key-1"
)

// testIdP is an in-process identity provider publishing a JWKS at the
// Keycloak certificate path.
type testIdP struct {
	server *httptest.Server
	key    *rsa.PrivateKey

	mu        sync.Mutex
	published map[string]*rsa.PrivateKey

	failing  atomic.Bool
	certHits atomic.Int32
}

func newTestIdP(t *testing.T) *testIdP {
	t.Helper()
	p := &testIdP{
		key:       generateRSAKey(t),
		published: make(map[string]*rsa.PrivateKey),
	}
	p.published[testKID] = p.key

	mux := http.NewServeMux()
	mux.HandleFunc("/realms/"+testRealm+"/protocol/openid-connect/certs", p.serveCerts)
	mux.HandleFunc("/realms/"+testRealm+"/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":   p.issuer(),
			"jwks_uri": JWKSURL(p.issuer()),
			"id_token_signing_alg_values_supported": []string{"RS256", "ES256"},
		})
	})
	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

func (p *testIdP) issuer() string {
	return p.server.URL + "/realms/" + testRealm
}

func (p *testIdP) serverURL() string {
	return p.server.URL
}

func (p *testIdP) publish(kid string, key *rsa.PrivateKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published[kid] = key
}

func (p *testIdP) serveCerts(w http.ResponseWriter, r *http.Request) {
	p.certHits.Add(1)
	if p.failing.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	set := jwk.NewSet()
	for kid, priv := range p.published {
		key, err := jwk.FromRaw(&priv.PublicKey)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = key.Set(jwk.KeyIDKey, kid)
		_ = key.Set(jwk.AlgorithmKey, jwa.RS256)
		_ = key.Set(jwk.KeyUsageKey, "sig")
		_ = set.AddKey(key)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(set)
}

// validatorConfig returns a config that accepts tokens from p.
func (p *testIdP) validatorConfig() ValidatorConfig {
	return ValidatorConfig{
		ServerURL:  p.serverURL(),
		Realm:      testRealm,
		ClientID:   testClientID,
		Algorithms: []string{"RS256"},
	}
}

// newValidator builds a signature-verifying validator against p.
func (p *testIdP) newValidator(t *testing.T) *TokenValidator {
	t.Helper()
	strategy, err := NewSignatureStrategy(p.validatorConfig(), newTestResolver(t))
	if err != nil {
		t.Fatalf("NewSignatureStrategy: %v", err)
	}
	return NewTokenValidator(strategy)
}

func newTestResolver(t *testing.T) *KeyResolver {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewKeyResolver(ctx, KeyResolverConfig{Timeout: 2 * time.Second})
}

// claims returns claims that pass every validation rule for p.
func (p *testIdP) claims() *TokenClaims {
	now := time.Now()
	return &TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-123",
			Issuer:    p.issuer(),
			Audience:  jwt.ClaimStrings{testClientID},
			ID:        "jti-123",
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		TokenType:         BearerTokenType,
		PreferredUsername: "dr.house",
		RealmAccess:       RoleSet{Roles: []string{"healthcare-provider"}},
	}
}

func (p *testIdP) sign(t *testing.T, claims *TokenClaims) string {
	t.Helper()
	return signRS256(t, testKID, p.key, claims)
}

func signRS256(t *testing.T, kid string, key *rsa.PrivateKey, claims *TokenClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return s
}

func generateRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return key
}

func strPtr(s string) *string { return &s }
