package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/clinicalcanvas/canvas/internal/config"
	"github.com/clinicalcanvas/canvas/internal/domain/clinicaldoc"
	"github.com/clinicalcanvas/canvas/internal/platform/auth"
	"github.com/clinicalcanvas/canvas/internal/platform/db"
	"github.com/clinicalcanvas/canvas/internal/platform/hipaa"
	"github.com/clinicalcanvas/canvas/internal/platform/middleware"
	"github.com/clinicalcanvas/canvas/internal/platform/telemetry"
	"github.com/clinicalcanvas/canvas/internal/platform/webhook"
)

// documentRoutes maps each document type to its collection path.
var documentRoutes = []struct {
	docType clinicaldoc.DocumentType
	path    string
}{
	{clinicaldoc.TypeClinicalNote, "/clinical-notes"},
	{clinicaldoc.TypeTreatmentPlan, "/treatment-plans"},
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		DatabaseURL: cfg.DatabaseURL,
		MaxConns:    cfg.DBMaxConns,
		MinConns:    cfg.DBMinConns,
		SlowQuery:   time.Duration(cfg.DBSlowQueryMS) * time.Millisecond,
	}
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	switch cfg.ResolvedAuthMode() {
	case config.AuthModeDevelopment:
		return auth.DevAuthMiddleware()
	case config.AuthModeHMAC:
		return auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		})
	default:
		return auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		})
	}
}

func webhookEndpoints(cfg *config.Config) []webhook.Endpoint {
	eps := make([]webhook.Endpoint, 0, len(cfg.WebhookURLs))
	for _, u := range cfg.WebhookURLs {
		eps = append(eps, webhook.Endpoint{URL: u, Secret: cfg.WebhookSecret})
	}
	return eps
}

// newServer builds the Echo instance. The returned controllers are already
// mounted; callers register observers on them.
func newServer(cfg *config.Config, pool *pgxpool.Pool, fieldCipher hipaa.FieldCipher, metrics *telemetry.Metrics, logger zerolog.Logger) (*echo.Echo, []*clinicaldoc.Controller) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	if metrics != nil {
		e.Use(metrics.Middleware())
	}
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Tenant-ID"},
		ExposeHeaders: []string{middleware.RequestIDHeader, "Retry-After"},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/metrics", "/health"))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	if metrics != nil {
		e.GET("/metrics", metrics.Handler())
	}

	apiV1 := e.Group("/api/v1",
		authMiddleware(cfg),
		middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			BurstSize:         cfg.RateLimitBurst,
		}),
		db.TenantMiddleware(pool, cfg.DefaultTenant),
		middleware.Audit(logger),
	)

	store := clinicaldoc.NewStorePG(pool, clinicaldoc.WithFieldCipher(fieldCipher))
	recorder := hipaa.NewRecorder(pool)
	txm := db.NewTxManager(pool, cfg.DefaultTenant)

	var controllers []*clinicaldoc.Controller
	for _, r := range documentRoutes {
		ctrl := clinicaldoc.NewController(r.docType, store, recorder, txm, logger)
		if metrics != nil {
			ctrl.SetMetrics(metrics)
		}
		clinicaldoc.NewHandler(ctrl).RegisterRoutes(apiV1.Group(r.path))
		controllers = append(controllers, ctrl)
	}
	return e, controllers
}

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	if cfg.ResolvedAuthMode() == config.AuthModeDevelopment {
		logger.Warn().Msg("development auth is active: every request runs as the dev user with the admin role; do not use this configuration in production")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, poolConfig(cfg), logger)
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	var metrics *telemetry.Metrics
	if cfg.MetricsEnabled {
		metrics = telemetry.New()
		metrics.RegisterPoolStats(func() (int32, int32, int32) {
			s := pool.Stat()
			return s.AcquiredConns(), s.IdleConns(), s.TotalConns()
		})
	}

	fieldCipher, err := hipaa.NewFieldCipher(cfg.PHIKey)
	if err != nil {
		return fmt.Errorf("phi encryption: %w", err)
	}
	if hipaa.IsPassThrough(fieldCipher) {
		logger.Warn().Msg("PHI encryption disabled: PHI_ENCRYPTION_KEY is not set")
	}

	e, controllers := newServer(cfg, pool, fieldCipher, metrics, logger)

	if eps := webhookEndpoints(cfg); len(eps) > 0 {
		opts := []webhook.Option{}
		if metrics != nil {
			opts = append(opts, webhook.WithMetrics(metrics))
		}
		dispatcher, err := webhook.NewDispatcher(eps, logger, opts...)
		if err != nil {
			return err
		}
		workerCtx, cancelWorkers := context.WithCancel(context.Background())
		defer cancelWorkers()
		dispatcher.Start(workerCtx)
		defer dispatcher.Close()

		notifier := clinicaldoc.NewWebhookNotifier(dispatcher)
		for _, ctrl := range controllers {
			ctrl.Observe(notifier)
		}
		logger.Info().Int("endpoints", len(eps)).Msg("webhook delivery enabled")
	}

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
