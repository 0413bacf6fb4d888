package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/docqa/deid/internal/config"
	"github.com/docqa/deid/internal/deid"
	"github.com/docqa/deid/internal/platform/auth"
	"github.com/docqa/deid/internal/platform/db"
	"github.com/docqa/deid/internal/platform/middleware"
	"github.com/docqa/deid/internal/platform/telemetry"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the de-identification API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(os.Stdout, cfg.Env, cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	eng, err := newEngine(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build engine")
		return err
	}
	defer eng.Close()
	go watchDenylist(ctx, cfg.DenylistFile, eng.denylist, logger)

	e := newServer(cfg, eng, logger)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Str("ledger", cfg.LedgerBackend).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			logger.Error().Err(err).Msg("server error")
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer wires the middleware chain and routes. It does not start
// listening.
func newServer(cfg *config.Config, eng *engine, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	metrics := telemetry.NewMetrics()
	metrics.Register(statsCollector(eng))

	e.Use(middleware.Recovery(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders(!cfg.IsDev()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	if cfg.DevAuth() {
		logger.Warn().Msg("no AUTH_SIGNING_KEY in development, every request is treated as admin")
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}))
	e.Use(middleware.Audit(logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
			"ledger":  cfg.LedgerBackend,
		})
	})
	if eng.pool != nil {
		e.GET("/health/db", db.PoolHealthHandler(eng.pool))
	}
	e.GET("/metrics", metrics.Handler())

	api := e.Group("/api/deid")
	deid.NewHandler(eng.svc).RegisterRoutes(api)
	return e
}

// statsCollector exports the engine counters and, with the postgres ledger,
// the pool gauges.
func statsCollector(eng *engine) telemetry.Collector {
	return func(w *telemetry.Writer) {
		st := eng.svc.Stats()
		w.Header("deid_documents_processed_total", "Documents anonymized successfully.", "counter")
		w.Sample("deid_documents_processed_total", "", float64(st.DocumentsProcessed))
		w.Header("deid_documents_failed_total", "Anonymization calls that failed.", "counter")
		w.Sample("deid_documents_failed_total", "", float64(st.DocumentsFailed))
		w.Header("deid_entities_replaced_total", "Replacements performed, by entity type.", "counter")
		for _, et := range deid.EntityTypes {
			w.Sample("deid_entities_replaced_total", fmt.Sprintf("entity_type=%q", et), float64(st.ByEntityType[string(et)]))
		}
		w.Header("deid_processing_seconds_total", "Time spent anonymizing documents.", "counter")
		w.Sample("deid_processing_seconds_total", "", float64(st.TotalProcessingMs)/1000)

		if eng.pool == nil {
			return
		}
		ps := db.GetPoolStats(eng.pool)
		w.Header("db_pool_acquired_connections", "Connections currently in use.", "gauge")
		w.Sample("db_pool_acquired_connections", "", float64(ps.AcquiredConns))
		w.Header("db_pool_idle_connections", "Idle pool connections.", "gauge")
		w.Sample("db_pool_idle_connections", "", float64(ps.IdleConns))
	}
}
