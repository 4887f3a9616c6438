package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/authgateway/internal/config"
	"github.com/ehr/authgateway/internal/platform/audit"
	"github.com/ehr/authgateway/internal/platform/auth"
	"github.com/ehr/authgateway/internal/platform/db"
	"github.com/ehr/authgateway/internal/platform/middleware"
	"github.com/ehr/authgateway/internal/platform/rules"
	"github.com/ehr/authgateway/internal/platform/telemetry"
)

// gateway holds the dependencies the HTTP surface is built from.
type gateway struct {
	cfg         *config.Config
	logger      zerolog.Logger
	authn       *auth.Authenticator
	revocations auth.RevocationStore
	// pool is nil when no database is configured.
	pool      db.Pool
	idpClient *http.Client
	// upstream is nil when UPSTREAM_URL is unset; /emr is then not served.
	upstream *url.URL
}

func (g *gateway) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(telemetry.TracingMiddleware())
	e.Use(telemetry.MetricsMiddleware())
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(g.logger))
	e.Use(middleware.Recovery(g.logger))
	e.Use(middleware.SecurityHeaders(g.cfg.TLSEnabled))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  g.cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders:  []string{echo.HeaderAuthorization, echo.HeaderContentType, middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader},
	}))
	e.Use(middleware.RequestTimeout(g.cfg.RequestTimeout, "/emr/"))
	var (
		decisions *audit.PostgresRecorder
		recorder  middleware.AuditRecorder
	)
	if g.pool != nil {
		decisions = audit.NewPostgresRecorder(g.pool)
		recorder = decisions
	}
	e.Use(middleware.Audit(g.logger, recorder))
	e.Use(g.authn.Middleware())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if g.pool != nil {
		e.GET("/health/db", db.HealthHandler(g.pool))
	}
	e.GET("/health/idp", auth.DiscoveryHandler(g.idpClient, g.cfg.Validator().Issuer()))
	e.GET("/metrics", telemetry.PrometheusHandler())

	api := e.Group("/api/v1")
	api.GET("/me", handleMe)

	provider := api.Group("/provider", auth.RequireVerifiedProvider())
	provider.Any("/*", handleAuthorized)

	cardiology := api.Group("/cardiology", auth.RequireSpecialty(auth.SpecialtyCardiology))
	cardiology.Any("/*", handleAuthorized)

	auth.RegisterRevocationRoutes(e.Group(""), g.revocations)
	if decisions != nil {
		audit.RegisterRoutes(e.Group(""), decisions)
	}

	if g.upstream != nil {
		emr := e.Group("/emr", middleware.IdentityHeaders(), echomw.ProxyWithConfig(echomw.ProxyConfig{
			Balancer: echomw.NewRoundRobinBalancer([]*echomw.ProxyTarget{{URL: g.upstream}}),
			Rewrite:  map[string]string{"/emr/*": "/$1"},
		}))
		emr.Any("/*", echo.NotFoundHandler)
	}

	return e
}

func handleMe(c echo.Context) error {
	user, ok := auth.UserFromContext(c.Request().Context())
	if !ok {
		return echo.ErrUnauthorized
	}
	return c.JSON(http.StatusOK, user)
}

// handleAuthorized confirms that the request passed the route's guards.
func handleAuthorized(c echo.Context) error {
	user, _ := auth.UserFromContext(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "authorized",
		"path":      c.Request().URL.Path,
		"user_id":   user.ID,
		"role":      user.Role,
		"specialty": user.Specialty,
	})
}

// sourceFor picks the rule source named by ROLE_MAPPINGS_SOURCE.
func sourceFor(cfg *config.Config, pool db.Pool) (rules.Source, error) {
	switch cfg.RoleMappingsSource {
	case config.RuleSourceFile:
		return rules.FileSource{Path: cfg.RoleMappingsFile}, nil
	case config.RuleSourcePostgres:
		if pool == nil {
			return nil, fmt.Errorf("postgres rule source requires DATABASE_URL")
		}
		return rules.NewPostgresSource(pool), nil
	default:
		return rules.DefaultSource{}, nil
	}
}

// ruleSource is sourceFor for one-shot commands; it opens its own pool when
// the source needs one.
func ruleSource(ctx context.Context, cfg *config.Config) (rules.Source, func(), error) {
	if cfg.RoleMappingsSource != config.RuleSourcePostgres {
		src, err := sourceFor(cfg, nil)
		return src, func() {}, err
	}
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	src, err := sourceFor(cfg, pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return src, pool.Close, nil
}

// newRevocationStore uses Redis when REDIS_URL is set so revocations are
// shared across replicas, and an in-process store otherwise.
func newRevocationStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (auth.RevocationStore, func(), error) {
	if cfg.RedisURL == "" {
		store := auth.NewMemoryRevocationStore()
		logger.Warn().Msg("REDIS_URL not set, revocations are kept in memory and not shared between instances")
		return store, store.Close, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info().Str("addr", opts.Addr).Msg("connected to redis")
	return auth.NewRedisRevocationStore(client, ""), func() { _ = client.Close() }, nil
}

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.NewProvider(ctx, telemetry.TelemetryConfig{
		ServiceName:    cfg.OTelServiceName,
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTelEndpoint,
		Insecure:       !cfg.IsProduction(),
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	if cfg.AuthTestMode {
		logger.Warn().Msg("AUTH_TEST_MODE is enabled: literal test tokens are accepted without signature verification")
	}

	g := &gateway{
		cfg:       cfg,
		logger:    logger,
		idpClient: &http.Client{Timeout: cfg.JWKSTimeout},
	}

	if cfg.DatabaseURL != "" {
		pool, err := openPool(ctx, cfg)
		if err != nil {
			return err
		}
		defer pool.Close()
		g.pool = pool
		logger.Info().Msg("connected to database")
	}

	src, err := sourceFor(cfg, g.pool)
	if err != nil {
		return err
	}
	ruleSet, err := rules.NewSet(ctx, src, logger)
	if err != nil {
		return err
	}
	go ruleSet.Watch(ctx, cfg.RoleMappingsReloadInterval)
	logger.Info().Str("source", cfg.RoleMappingsSource).Int("rules", len(ruleSet.Rules())).Msg("role mapping rules loaded")

	keys := auth.NewKeyResolver(ctx, cfg.KeyResolver())
	strategy, err := auth.NewStrategy(cfg.Validator(), keys, cfg.AuthTestMode)
	if err != nil {
		return err
	}

	revocations, closeRevocations, err := newRevocationStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRevocations()
	g.revocations = revocations

	g.authn, err = auth.NewAuthenticator(auth.AuthenticatorConfig{
		Validator:      auth.NewTokenValidator(strategy),
		Rules:          ruleSet,
		MinTokenAge:    cfg.AuthMinTokenAge,
		MaxTokenAge:    cfg.AuthMaxTokenAge,
		CheckTokenType: cfg.AuthCheckTokenType,
		Revocations:    revocations,
		Logger:         logger,
		Skipper:        auth.AuthSkipper,
	})
	if err != nil {
		return err
	}

	if cfg.UpstreamURL != "" {
		if g.upstream, err = url.Parse(cfg.UpstreamURL); err != nil {
			return fmt.Errorf("parse UPSTREAM_URL: %w", err)
		}
	}

	e := g.routes()

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("issuer", cfg.Validator().Issuer()).Msg("starting gateway")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("gateway stopped")
	return nil
}
