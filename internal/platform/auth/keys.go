package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/ehr/authgateway/internal/platform/telemetry"
)

const (
	// DefaultKeyFetchTimeout bounds every request to the JWKS endpoint.
	DefaultKeyFetchTimeout = 30 * time.Second
	// DefaultKeyRefreshInterval is how long a fetched key set is served
	// before the next lookup refetches it.
	DefaultKeyRefreshInterval = 15 * time.Minute
	// forcedRefreshCooldown limits refreshes triggered by unknown kids.
	forcedRefreshCooldown = 10 * time.Second

	certsPath = "/protocol/openid-connect/certs"
)

// ErrUnknownKID is returned when the identity provider answered but does
// not publish the requested key id, even after a refresh.
var ErrUnknownKID = errors.New("key id not published by issuer")

// KeyResolutionError reports that a signing key could not be obtained from
// the identity provider. It indicates an infrastructure fault rather than a
// bad token.
type KeyResolutionError struct {
	Issuer string
	KID    string
	Err    error
}

func (e *KeyResolutionError) Error() string {
	return fmt.Sprintf("resolve signing key %q for issuer %s: %v", e.KID, e.Issuer, e.Err)
}

func (e *KeyResolutionError) Unwrap() error { return e.Err }

// SigningKeyResolver returns the public key for a key id published by an
// issuer.
type SigningKeyResolver interface {
	SigningKey(ctx context.Context, issuer, kid string) (any, error)
}

// KeyResolverConfig configures a KeyResolver.
type KeyResolverConfig struct {
	// Timeout bounds each JWKS request. Defaults to DefaultKeyFetchTimeout.
	Timeout time.Duration
	// RefreshInterval is the maximum age of a cached key set.
	RefreshInterval time.Duration
	// HTTPClient overrides the client used for JWKS requests.
	HTTPClient *http.Client
}

// KeyResolver caches one key-set client per issuer. Clients are built lazily
// on first use; concurrent first requests for the same issuer share a single
// construction. Each client keeps its own key-by-kid cache.
type KeyResolver struct {
	ctx             context.Context
	httpClient      *http.Client
	timeout         time.Duration
	refreshInterval time.Duration
	tracer          trace.Tracer

	clients sync.Map // issuer -> *keySetClient
	group   singleflight.Group
}

// NewKeyResolver creates a resolver. ctx bounds the lifetime of key-set
// fetches and should live as long as the process.
func NewKeyResolver(ctx context.Context, cfg KeyResolverConfig) *KeyResolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultKeyFetchTimeout
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultKeyRefreshInterval
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &KeyResolver{
		ctx:             ctx,
		httpClient:      client,
		timeout:         cfg.Timeout,
		refreshInterval: cfg.RefreshInterval,
		tracer:          otel.Tracer(telemetry.TracerName),
	}
}

// JWKSURL returns the Keycloak certificate endpoint for a realm issuer.
func JWKSURL(issuer string) string {
	return strings.TrimRight(issuer, "/") + certsPath
}

// SigningKey returns the raw public key (e.g. *rsa.PublicKey) for kid.
func (r *KeyResolver) SigningKey(ctx context.Context, issuer, kid string) (any, error) {
	ctx, span := r.tracer.Start(ctx, "auth.KeyResolver.SigningKey",
		trace.WithAttributes(attribute.String("auth.issuer", issuer), attribute.String("auth.kid", kid)))
	defer span.End()

	start := time.Now()
	key, err := r.signingKey(ctx, issuer, kid)
	telemetry.ObserveKeyFetch(time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &KeyResolutionError{Issuer: issuer, KID: kid, Err: err}
	}
	return key, nil
}

func (r *KeyResolver) signingKey(ctx context.Context, issuer, kid string) (any, error) {
	client, err := r.client(issuer)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	key, err := client.lookup(ctx, kid)
	if err != nil {
		return nil, err
	}

	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("extract raw key: %w", err)
	}
	return raw, nil
}

// client returns the key-set client for issuer, constructing it at most once.
func (r *KeyResolver) client(issuer string) (*keySetClient, error) {
	if c, ok := r.clients.Load(issuer); ok {
		return c.(*keySetClient), nil
	}

	v, err, _ := r.group.Do(issuer, func() (any, error) {
		if c, ok := r.clients.Load(issuer); ok {
			return c, nil
		}
		c := newKeySetClient(r.ctx, JWKSURL(issuer), r.httpClient, r.timeout, r.refreshInterval)
		r.clients.Store(issuer, c)
		telemetry.KeyClientCreated()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*keySetClient), nil
}

// keySetClient holds the last key set fetched from one JWKS URL. A set is
// stored only after a successful fetch, so a failed or abandoned fetch never
// replaces usable keys.
type keySetClient struct {
	jwksURL    string
	httpClient *http.Client
	// base carries the process lifetime; fetches run detached from the
	// request that triggered them.
	base    context.Context
	timeout time.Duration
	maxAge  time.Duration

	set          atomic.Pointer[cachedKeySet]
	fetches      singleflight.Group
	lastForcedAt atomic.Int64
}

type cachedKeySet struct {
	keys      jwk.Set
	fetchedAt time.Time
}

func newKeySetClient(base context.Context, jwksURL string, httpClient *http.Client, timeout, maxAge time.Duration) *keySetClient {
	return &keySetClient{
		jwksURL:    jwksURL,
		httpClient: httpClient,
		base:       base,
		timeout:    timeout,
		maxAge:     maxAge,
	}
}

// lookup finds kid in the cached set, refreshing once if the kid is unknown
// to pick up rotated keys.
func (c *keySetClient) lookup(ctx context.Context, kid string) (jwk.Key, error) {
	set, err := c.current(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	if key, ok := set.LookupKeyID(kid); ok {
		return key, nil
	}

	now := time.Now().UnixNano()
	last := c.lastForcedAt.Load()
	if now-last < int64(forcedRefreshCooldown) || !c.lastForcedAt.CompareAndSwap(last, now) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKID, kid)
	}

	set, err = c.fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("refresh jwks: %w", err)
	}
	if key, ok := set.LookupKeyID(kid); ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKID, kid)
}

// current returns the cached set, fetching it when missing or older than
// maxAge. A stale set is still served when the refetch fails.
func (c *keySetClient) current(ctx context.Context) (jwk.Set, error) {
	cached := c.set.Load()
	if cached != nil && time.Since(cached.fetchedAt) < c.maxAge {
		return cached.keys, nil
	}
	set, err := c.fetch(ctx)
	if err != nil {
		if cached != nil {
			return cached.keys, nil
		}
		return nil, err
	}
	return set, nil
}

// fetch downloads the key set once for all concurrent callers. A caller
// whose ctx ends stops waiting; the shared fetch carries on under its own
// timeout and stores its result only on success.
func (c *keySetClient) fetch(ctx context.Context) (jwk.Set, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := c.fetches.DoChan(c.jwksURL, func() (any, error) {
		fetchCtx := trace.ContextWithSpanContext(c.base, trace.SpanContextFromContext(ctx))
		fetchCtx, cancel := context.WithTimeout(fetchCtx, c.timeout)
		defer cancel()

		set, err := jwk.Fetch(fetchCtx, c.jwksURL, jwk.WithHTTPClient(c.httpClient))
		if err != nil {
			return nil, err
		}
		c.set.Store(&cachedKeySet{keys: set, fetchedAt: time.Now()})
		return set, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(jwk.Set), nil
	}
}
