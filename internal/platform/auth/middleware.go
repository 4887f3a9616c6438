package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/authgateway/internal/platform/telemetry"
)

type contextKey string

const (
	UserKey        contextKey = "domain_user"
	AccessTokenKey contextKey = "access_token"
	UserIDKey      contextKey = "user_id"
	UserRolesKey   contextKey = "user_roles"
)

// TokenVerifier validates a bearer string. *TokenValidator implements it.
type TokenVerifier interface {
	Validate(ctx context.Context, token string) (*TokenClaims, error)
}

// RuleProvider returns the current ordered role-mapping rule list.
type RuleProvider interface {
	Rules() []RoleMappingRule
}

// StaticRules is a RuleProvider over a fixed list.
type StaticRules []RoleMappingRule

func (r StaticRules) Rules() []RoleMappingRule { return r }

// AuthenticatorConfig configures the authentication middleware.
type AuthenticatorConfig struct {
	Validator TokenVerifier
	Rules     RuleProvider
	// MinTokenAge rejects tokens issued less than this long ago. Zero disables.
	MinTokenAge time.Duration
	// MaxTokenAge rejects tokens issued more than this long ago. Zero disables.
	MaxTokenAge time.Duration
	// CheckTokenType requires the typ claim to be "Bearer".
	CheckTokenType bool
	// Revocations is consulted for the token's jti when set.
	Revocations RevocationStore
	Logger      zerolog.Logger
	// Skipper bypasses authentication for matching requests.
	Skipper func(echo.Context) bool
	// Now is the clock used for the age checks. Defaults to time.Now.
	Now func() time.Time
}

// Authenticator turns a bearer token into a DomainUser attached to the
// request context. No state is carried between requests.
type Authenticator struct {
	cfg AuthenticatorConfig
}

// NewAuthenticator validates cfg and returns the middleware owner.
func NewAuthenticator(cfg AuthenticatorConfig) (*Authenticator, error) {
	if cfg.Validator == nil {
		return nil, fmt.Errorf("auth: authenticator requires a token validator")
	}
	if cfg.Rules == nil {
		return nil, fmt.Errorf("auth: authenticator requires role mapping rules")
	}
	if cfg.MinTokenAge < 0 || cfg.MaxTokenAge < 0 {
		return nil, fmt.Errorf("auth: token age thresholds must not be negative")
	}
	if cfg.MinTokenAge > 0 && cfg.MaxTokenAge > 0 && cfg.MinTokenAge >= cfg.MaxTokenAge {
		return nil, fmt.Errorf("auth: minimum token age %s must be below maximum %s", cfg.MinTokenAge, cfg.MaxTokenAge)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Authenticator{cfg: cfg}, nil
}

// Middleware returns the echo middleware. Rejections are returned as
// *echo.HTTPError carrying an ErrorResponse body.
func (a *Authenticator) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if a.cfg.Skipper != nil && a.cfg.Skipper(c) {
				return next(c)
			}

			ctx, err := a.Authenticate(c.Request().Context(), c.Request().Header.Get(echo.HeaderAuthorization))
			if err != nil {
				authErr := AsError(err)
				a.logRejection(c, authErr)
				telemetry.RecordAuthDecision("authenticate", string(authErr.Code))
				return authErr.HTTPError()
			}

			telemetry.RecordAuthDecision("authenticate", "ok")
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// Authenticate runs the per-request state machine for an Authorization
// header value and returns a context carrying the DomainUser.
func (a *Authenticator) Authenticate(ctx context.Context, header string) (context.Context, error) {
	token, ok := bearerToken(header)
	if !ok {
		return nil, errMissingToken()
	}

	claims, err := a.cfg.Validator.Validate(ctx, token)
	if err != nil {
		return nil, err
	}

	if err := a.checkAge(claims); err != nil {
		return nil, err
	}
	if a.cfg.CheckTokenType && claims.TokenType != BearerTokenType {
		return nil, newError(http.StatusUnauthorized, CodeInvalidTokenType,
			fmt.Sprintf("token type %q is not accepted", claims.TokenType), nil)
	}
	if err := a.checkRevoked(ctx, claims); err != nil {
		return nil, err
	}

	user := Materialize(claims, MapRoles(claims, a.cfg.Rules.Rules()))
	return WithUser(ctx, user, token), nil
}

func (a *Authenticator) checkAge(claims *TokenClaims) error {
	if a.cfg.MinTokenAge == 0 && a.cfg.MaxTokenAge == 0 {
		return nil
	}
	if claims.IssuedAt == nil {
		return errInvalidToken(fmt.Errorf("token has no iat claim"))
	}
	age := a.cfg.Now().Sub(claims.IssuedAt.Time)
	if a.cfg.MinTokenAge > 0 && age < a.cfg.MinTokenAge {
		return newError(http.StatusUnauthorized, CodeTokenTooNew, "token was issued too recently", nil)
	}
	if a.cfg.MaxTokenAge > 0 && age > a.cfg.MaxTokenAge {
		return newError(http.StatusUnauthorized, CodeTokenTooOld, "token was issued too long ago", nil)
	}
	return nil
}

func (a *Authenticator) checkRevoked(ctx context.Context, claims *TokenClaims) error {
	if a.cfg.Revocations == nil {
		return nil
	}
	revoked, err := a.cfg.Revocations.IsRevoked(ctx, refFromClaims(claims))
	if err != nil {
		return errAuthentication(fmt.Errorf("check revocation for %s: %w", claims.Subject, err))
	}
	if revoked {
		return newError(http.StatusUnauthorized, CodeTokenRevoked, "token has been revoked", nil)
	}
	return nil
}

func (a *Authenticator) logRejection(c echo.Context, authErr *Error) {
	ev := a.cfg.Logger.Debug()
	if authErr.Status >= http.StatusInternalServerError {
		ev = a.cfg.Logger.Error()
	}
	ev.Err(authErr.Cause).
		Str("code", string(authErr.Code)).
		Str("method", c.Request().Method).
		Str("path", c.Request().URL.Path).
		Msg("request rejected")
}

// bearerToken extracts the token from "Bearer <token>". The scheme is
// matched case-insensitively.
func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// WithUser returns ctx carrying user and the raw token it was built from.
func WithUser(ctx context.Context, user DomainUser, token string) context.Context {
	ctx = context.WithValue(ctx, UserKey, user)
	ctx = context.WithValue(ctx, AccessTokenKey, token)
	ctx = context.WithValue(ctx, UserIDKey, user.ID)
	ctx = context.WithValue(ctx, UserRolesKey, []string{string(user.Role)})
	return ctx
}

// UserFromContext returns a copy of the authenticated user.
func UserFromContext(ctx context.Context) (DomainUser, bool) {
	u, ok := ctx.Value(UserKey).(DomainUser)
	if !ok {
		return DomainUser{}, false
	}
	return u.clone(), true
}

// AccessTokenFromContext returns the bearer token the user was built from.
func AccessTokenFromContext(ctx context.Context) string {
	t, _ := ctx.Value(AccessTokenKey).(string)
	return t
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}
