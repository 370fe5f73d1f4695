package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/assessments/internal/catalog"
	"github.com/ehr/assessments/internal/config"
	"github.com/ehr/assessments/internal/domain/assessment"
	"github.com/ehr/assessments/internal/domain/clinician"
	"github.com/ehr/assessments/internal/platform/auth"
	"github.com/ehr/assessments/internal/platform/blobstore"
	"github.com/ehr/assessments/internal/platform/db"
	"github.com/ehr/assessments/internal/platform/metrics"
	"github.com/ehr/assessments/internal/platform/middleware"
)

const version = "0.1.0"

// devClinician is the identity used by development auth when a request
// names no clinician.
var devClinician = auth.Clinician{
	ID:    "00000000-0000-0000-0000-000000000001",
	Name:  "Development Admin",
	Roles: []string{auth.RoleAdmin},
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "assessment-server",
		Short:        "School health assessment API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(schemaCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the assessment API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func loadCatalog(dir string) (*catalog.Registry, error) {
	if dir == "" {
		return catalog.Default()
	}
	return catalog.Load(dir)
}

func newBlobStore(ctx context.Context, cfg *config.Config) (blobstore.BlobStore, error) {
	switch cfg.BlobBackend {
	case "s3":
		client, err := blobstore.NewS3Client(ctx)
		if err != nil {
			return nil, err
		}
		return blobstore.NewS3BlobStore(client, cfg.S3Bucket, cfg.S3Prefix, cfg.S3URLTTL), nil
	default:
		return blobstore.NewInMemoryBlobStore(), nil
	}
}

func authMiddleware(cfg *config.Config) (echo.MiddlewareFunc, error) {
	if cfg.ResolvedAuthMode() == "development" {
		return auth.DevAuthMiddleware(devClinician), nil
	}
	key, err := cfg.SigningKey()
	if err != nil {
		return nil, err
	}
	return auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: key,
	}), nil
}

// newServer wires the HTTP surface. The pool backs the repositories and
// the database health check; it is not touched until a request needs it.
func newServer(cfg *config.Config, logger zerolog.Logger, pool *pgxpool.Pool, reg *catalog.Registry, blobs blobstore.BlobStore) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Metrics())
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled || cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, auth.HeaderClinicianID, auth.HeaderClinicianName},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.UploadBodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	authMW, err := authMiddleware(cfg)
	if err != nil {
		return nil, err
	}

	apiV1 := e.Group("/api/v1")
	apiV1.Use(authMW)
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	apiV1.Use(middleware.Audit(logger))

	clinicianSvc := clinician.NewService(clinician.NewRepoPG(pool))
	clinician.NewHandler(clinicianSvc).RegisterRoutes(apiV1)

	assessmentSvc := assessment.NewService(reg, assessment.NewRepoPG(pool), clinicianSvc, blobs, assessment.Options{
		LookupConcurrency: cfg.AuthorLookupConcurrency,
		AttachmentURL:     "/api/v1/attachments/",
		Logger:            logger,
	})
	assessment.NewHandler(assessmentSvc).RegisterRoutes(apiV1)

	blobstore.NewBlobHandler(blobs).RegisterRoutes(apiV1.Group("", auth.RequireRole(auth.ClinicalRoles...)))

	return e, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Env)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for _, w := range cfg.Warnings() {
		logger.Warn().Msg(w)
	}

	reg, err := loadCatalog(cfg.CatalogDir)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	logger.Info().Int("types", len(reg.All())).Str("dir", cfg.CatalogDir).Msg("loaded assessment catalog")

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init blob store: %w", err)
	}
	logger.Info().Str("backend", cfg.BlobBackend).Msg("blob store ready")

	e, err := newServer(cfg, logger, pool, reg, blobs)
	if err != nil {
		return err
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
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}
