package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/claimsedi/internal/config"
	"github.com/ehr/claimsedi/internal/domain/claim"
	"github.com/ehr/claimsedi/internal/domain/edi"
	"github.com/ehr/claimsedi/internal/platform/auth"
	"github.com/ehr/claimsedi/internal/platform/db"
	"github.com/ehr/claimsedi/internal/platform/metrics"
	"github.com/ehr/claimsedi/internal/platform/middleware"
	"github.com/ehr/claimsedi/internal/platform/secrets"
	"github.com/ehr/claimsedi/internal/platform/sftp"
	"github.com/ehr/claimsedi/internal/platform/x12"
)

const version = "0.1.0"

// app holds the wired submission components shared by the server and the
// one-shot CLI commands.
type app struct {
	svc       *edi.Service
	payers    claim.PayerRepository
	countMode x12.CountMode
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	}
}

func newApp(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*app, error) {
	cipher, err := secrets.NewCipher(cfg.EDISecretKey, logger)
	if err != nil {
		return nil, err
	}

	hostKeyPolicy, err := sftp.ParseHostKeyPolicy(cfg.SFTPHostKeyPolicy)
	if err != nil {
		return nil, err
	}
	if hostKeyPolicy == sftp.HostKeyInsecure {
		logger.Warn().Msg("SFTP host key verification disabled (SFTP_HOST_KEY_POLICY=insecure)")
	}
	hostKeys := sftp.HostKeyVerifier{
		Policy:         hostKeyPolicy,
		KnownHostsFile: cfg.SFTPKnownHostsFile,
		Logger:         logger,
	}

	countMode, err := x12.ParseCountMode(cfg.EDISECountMode)
	if err != nil {
		return nil, err
	}
	policy, err := edi.ParseBothPolicy(cfg.EDIBothPolicy)
	if err != nil {
		return nil, err
	}
	allocator, err := newAllocator(cfg.EDIControlNumbers, pool)
	if err != nil {
		return nil, err
	}

	encoder := edi.NewEncoder(edi.EncoderConfig{
		SubmitterID:      cfg.EDISubmitterID,
		SubmitterName:    cfg.EDISubmitterName,
		SubmitterContact: cfg.EDISubmitterContact,
		SubmitterPhone:   cfg.EDISubmitterPhone,
		ReceiverID:       cfg.EDIReceiverID,
		UsageIndicator:   cfg.EDIUsageIndicator,
		CountMode:        countMode,
	})

	graphs := claim.NewGraphRepoPG(pool)
	payers := claim.NewPayerRepoPG(pool)

	svc := edi.NewService(
		graphs,
		payers,
		encoder,
		allocator,
		edi.NewSFTPTransport(cipher, hostKeys, logger),
		edi.NewAPITransport(nil, cipher, logger),
		policy,
		logger.With().Str("component", "edi").Logger(),
	)

	logger.Info().
		Str("count_mode", countMode.String()).
		Str("both_policy", policy.String()).
		Str("control_numbers", cfg.EDIControlNumbers).
		Str("host_key_policy", hostKeyPolicy.String()).
		Msg("edi service configured")

	return &app{svc: svc, payers: payers, countMode: countMode}, nil
}

// poolStatsCollector refreshes the connection pool gauges on every scrape.
func poolStatsCollector(pool *pgxpool.Pool) func(*metrics.Registry) {
	return func(r *metrics.Registry) {
		stat := pool.Stat()
		r.SetGauge(metrics.DBPoolAcquiredConns, "Database connections currently in use.", int64(stat.AcquiredConns()))
		r.SetGauge(metrics.DBPoolIdleConns, "Idle database connections.", int64(stat.IdleConns()))
		r.SetGauge(metrics.DBPoolTotalConns, "Total database connections.", int64(stat.TotalConns()))
	}
}

func newAllocator(mode string, pool *pgxpool.Pool) (edi.ControlNumberAllocator, error) {
	mode, err := edi.ParseAllocatorMode(mode)
	if err != nil {
		return nil, err
	}
	if mode == "random" {
		return edi.RandomAllocator{}, nil
	}
	return edi.NewSequenceAllocator(pool), nil
}

// resolveSigningKey decodes the hex AUTH_SIGNING_KEY. An empty value yields
// nil so tokens are verified against the issuer's JWKS instead.
func resolveSigningKey(value string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}
	decoded, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("invalid AUTH_SIGNING_KEY hex value: %w", err)
	}
	return decoded, nil
}

// verifyDocument re-parses an encoded document and writes its report to w.
// The document must satisfy the configured count mode.
func verifyDocument(w io.Writer, doc string, mode x12.CountMode) error {
	report, err := edi.CheckDocument([]byte(doc))
	if err != nil {
		return err
	}
	if err := writeJSON(w, report); err != nil {
		return err
	}
	if !report.Satisfies(mode) {
		return fmt.Errorf("SE count %s does not satisfy the configured %s count", report.SECount, mode)
	}
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	a, err := newApp(cfg, pool, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure edi service")
	}

	reg := metrics.New()
	reg.AddCollector(poolStatsCollector(pool))
	a.svc.WithRecorder(reg)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(reg.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Practice-ID"},
	}))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(cfg.DefaultPractice))
	} else {
		signingKey, err := resolveSigningKey(cfg.AuthSigningKey)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid auth configuration")
		}
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: signingKey,
			Skipper:    auth.AuthSkipper,
		}))
	}

	// API group
	apiV1 := e.Group("/api/v1")

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	apiV1.Use(db.PracticeMiddleware(pool, cfg.DefaultPractice))
	apiV1.Use(middleware.Audit(logger))
	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	edi.NewHandler(a.svc, a.payers).RegisterRoutes(apiV1)

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", reg.Handler())

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
