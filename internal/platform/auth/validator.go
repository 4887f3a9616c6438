package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/authgateway/internal/platform/telemetry"
)

var (
	errMissingKID       = errors.New("token header has no kid")
	errDisallowedMethod = errors.New("token signing algorithm is not allowed")
)

// DefaultAlgorithms is the signing algorithm Keycloak realms use by default.
var DefaultAlgorithms = []string{"RS256"}

// ValidatorConfig describes the identity provider realm tokens must come from.
type ValidatorConfig struct {
	// ServerURL is the identity provider base URL, e.g. https://idp.example.org.
	ServerURL string
	Realm     string
	// ClientID is the expected audience.
	ClientID string
	// Algorithms lists the accepted asymmetric signing algorithms.
	Algorithms []string
	// ClockSkew is the leeway applied to exp, nbf and iat checks.
	ClockSkew time.Duration
}

// Issuer returns the expected "iss" claim: {ServerURL}/realms/{Realm}.
func (c ValidatorConfig) Issuer() string {
	return strings.TrimRight(c.ServerURL, "/") + "/realms/" + c.Realm
}

func (c ValidatorConfig) algorithms() []string {
	if len(c.Algorithms) == 0 {
		return DefaultAlgorithms
	}
	return c.Algorithms
}

// Validate rejects incomplete configuration and any symmetric algorithm.
func (c ValidatorConfig) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("auth: identity provider URL is required")
	}
	if c.Realm == "" {
		return fmt.Errorf("auth: realm is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("auth: client id is required")
	}
	for _, alg := range c.algorithms() {
		if !isAsymmetric(alg) {
			return fmt.Errorf("auth: signing algorithm %q is not allowed, only asymmetric algorithms are accepted", alg)
		}
	}
	return nil
}

func isAsymmetric(alg string) bool {
	switch alg {
	case "RS256", "RS384", "RS512",
		"PS256", "PS384", "PS512",
		"ES256", "ES384", "ES512",
		"EdDSA":
		return true
	}
	return false
}

// ValidationStrategy turns a bearer string into verified claims. Errors are
// *Error values carrying INVALID_TOKEN or AUTHENTICATION_ERROR.
type ValidationStrategy interface {
	Validate(ctx context.Context, token string) (*TokenClaims, error)
}

// SignatureStrategy verifies tokens against the realm's published keys.
type SignatureStrategy struct {
	issuer     string
	algorithms []string
	keys       SigningKeyResolver
	parser     *jwt.Parser
}

// NewSignatureStrategy builds the production validation strategy.
func NewSignatureStrategy(cfg ValidatorConfig, keys SigningKeyResolver) (*SignatureStrategy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	algs := cfg.algorithms()
	return &SignatureStrategy{
		issuer:     cfg.Issuer(),
		algorithms: algs,
		keys:       keys,
		parser: jwt.NewParser(
			jwt.WithValidMethods(algs),
			jwt.WithIssuer(cfg.Issuer()),
			jwt.WithAudience(cfg.ClientID),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithLeeway(cfg.ClockSkew),
		),
	}, nil
}

// Validate reads the kid from the unverified header, resolves the signing
// key, then verifies signature, issuer, audience, algorithm and time window.
func (s *SignatureStrategy) Validate(ctx context.Context, token string) (*TokenClaims, error) {
	unverified, _, err := jwt.NewParser().ParseUnverified(token, &TokenClaims{})
	if err != nil {
		return nil, errInvalidToken(fmt.Errorf("decode token header: %w", err))
	}

	alg, _ := unverified.Header["alg"].(string)
	if !s.allowed(alg) {
		return nil, errInvalidToken(fmt.Errorf("%w: %q", errDisallowedMethod, alg))
	}

	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return nil, errInvalidToken(errMissingKID)
	}

	key, err := s.keys.SigningKey(ctx, s.issuer, kid)
	if err != nil {
		return nil, errAuthentication(err)
	}

	claims := &TokenClaims{}
	if _, err := s.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return key, nil
	}); err != nil {
		return nil, errInvalidToken(err)
	}
	return claims, nil
}

func (s *SignatureStrategy) allowed(alg string) bool {
	for _, a := range s.algorithms {
		if a == alg {
			return true
		}
	}
	return false
}

// TokenValidator is the entry point used by the authentication middleware.
type TokenValidator struct {
	strategy ValidationStrategy
	tracer   trace.Tracer
}

// NewTokenValidator wraps a strategy chosen at startup.
func NewTokenValidator(strategy ValidationStrategy) *TokenValidator {
	return &TokenValidator{strategy: strategy, tracer: otel.Tracer(telemetry.TracerName)}
}

// NewStrategy selects the validation strategy for the given mode. Test mode
// layers the literal-token substitution over signature verification.
func NewStrategy(cfg ValidatorConfig, keys SigningKeyResolver, testMode bool) (ValidationStrategy, error) {
	sig, err := NewSignatureStrategy(cfg, keys)
	if err != nil {
		return nil, err
	}
	if testMode {
		return NewLiteralStrategy(sig, cfg.Issuer(), cfg.ClientID), nil
	}
	return sig, nil
}

// Validate verifies token and returns its claims or an *Error.
func (v *TokenValidator) Validate(ctx context.Context, token string) (*TokenClaims, error) {
	ctx, span := v.tracer.Start(ctx, "auth.TokenValidator.Validate")
	defer span.End()

	claims, err := v.strategy.Validate(ctx, token)
	if err != nil {
		authErr := AsError(err)
		span.SetAttributes(attribute.String("auth.result", string(authErr.Code)))
		span.RecordError(err)
		if authErr.Code == CodeAuthenticationError {
			span.SetStatus(codes.Error, authErr.Message)
		}
		return nil, authErr
	}
	span.SetAttributes(attribute.String("auth.subject", claims.Subject))
	return claims, nil
}
