package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/docvault/internal/config"
	"github.com/ehr/docvault/internal/domain/documents"
	"github.com/ehr/docvault/internal/platform/db"
	"github.com/ehr/docvault/internal/platform/fetch"
	"github.com/ehr/docvault/internal/platform/hipaa"
	"github.com/ehr/docvault/internal/platform/middleware"
	"github.com/ehr/docvault/internal/platform/pathguard"
	"github.com/ehr/docvault/internal/platform/refcache"
	"github.com/ehr/docvault/internal/platform/urlguard"
	"github.com/ehr/docvault/migrations"
)

const version = "0.1.0"

// defaultBodyLimit applies to every request that is not a document upload.
const defaultBodyLimit = 1 << 20

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "docvault-server",
		Short:         "Encrypted clinical document server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(checkCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the document API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
				count, err := db.NewMigrator(pool, migrations.FS, ".").Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
				statuses, err := db.NewMigrator(pool, migrations.FS, ".").Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	})

	return cmd
}

func withPool(ctx context.Context, fn func(ctx context.Context, pool *pgxpool.Pool) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, pool)
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// checkCmd runs the path and URL validators offline so operators can see how
// a value would be treated without sending a request.
func checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run the input validators against a value",
	}

	pathCmd := &cobra.Command{
		Use:   "path <raw>",
		Short: "Validate a file path against the uploads directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, _ := cmd.Flags().GetString("base")
			res := pathguard.Validate(args[0], base)
			if !res.OK() {
				fmt.Fprintf(cmd.OutOrStdout(), "rejected (%s): %s\n", res.Violation.Kind, res.Violation)
				return res.Err()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok %s\n", res.Path)
			return nil
		},
	}
	pathCmd.Flags().String("base", middleware.DefaultUploadsDir, "Base directory paths must stay inside")
	cmd.AddCommand(pathCmd)

	urlCmd := &cobra.Command{
		Use:   "url <raw>",
		Short: "Validate an import URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			allowed, _ := cmd.Flags().GetStringSlice("allow")
			// Same check the import client runs before each request.
			client := fetch.New(fetch.Options{AllowedHosts: allowed, Logger: zerolog.Nop()})
			if err := client.Check(args[0]); err != nil {
				var v *urlguard.Violation
				if errors.As(err, &v) {
					fmt.Fprintf(cmd.OutOrStdout(), "rejected (%s): %s\n", v.Kind, v)
				}
				return err
			}
			scope := "any public host"
			if hosts := client.AllowedHosts(); len(hosts) > 0 {
				scope = "allowed hosts " + strings.Join(hosts, ", ")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok %s (%s)\n", args[0], scope)
			return nil
		},
	}
	urlCmd.Flags().StringSlice("allow", nil, "Allowed host (repeatable or comma separated)")
	cmd.AddCommand(urlCmd)

	return cmd
}

// server holds what newEcho wires together. pool may be nil in tests; the
// per-request connection and the database health check are then skipped.
type server struct {
	cfg     *config.Config
	logger  zerolog.Logger
	pool    *pgxpool.Pool
	catalog *documents.Catalog
	cipher  hipaa.Cipher
	aliases refcache.Store
	fetcher documents.Fetcher
	// recorders receive every audit entry in addition to the log line.
	recorders []middleware.AuditRecorder
}

func newEcho(s server) *echo.Echo {
	cfg := s.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(s.logger)

	// Global middleware
	e.Use(middleware.Recovery(s.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(s.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Content-Type", "X-Request-ID", middleware.ActorHeader},
	}))
	e.Use(middleware.SanitizeWithLogger(s.logger))
	e.Use(middleware.BodyLimit(defaultBodyLimit, cfg.MaxUploadBytes))
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}

	// Audit middleware
	e.Use(middleware.Audit(s.logger, s.recorders...))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if s.pool != nil {
		e.GET("/health/db", db.HealthHandler(s.pool, s.logger))
	}

	apiV1 := e.Group("/api/v1")

	// Rate limiting middleware
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	resolver := documents.NewResolver(documents.ResolverConfig{
		Catalog:  s.catalog,
		Cipher:   s.cipher,
		Aliases:  s.aliases,
		AliasTTL: cfg.AliasCacheTTL,
		BaseDir:  cfg.UploadsDir,
		Logger:   s.logger,
	})
	svc := documents.NewService(documents.ServiceConfig{
		Catalog:   s.catalog,
		Cipher:    s.cipher,
		Fetcher:   s.fetcher,
		MaxUpload: cfg.MaxUploadBytes,
		BaseDir:   cfg.UploadsDir,
		Logger:    s.logger,
	})
	// Store-backed routes pin one connection per request; Import takes its
	// own inside the upsert transaction once the fetch is done.
	var storeMW []echo.MiddlewareFunc
	if s.pool != nil {
		storeMW = append(storeMW, db.ConnMiddleware(s.pool))
	}
	documents.NewHandler(svc, resolver, cfg.UploadsDir, s.logger).RegisterRoutes(apiV1, storeMW...)

	return e
}

// auditWriteTimeout bounds the access-log insert done after each audited
// request.
const auditWriteTimeout = 2 * time.Second

func accessRecorder(log *hipaa.AccessLogger) middleware.AuditRecorder {
	return middleware.AuditRecorderFunc(func(entry middleware.AuditEntry) error {
		ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
		defer cancel()
		return log.LogAccess(ctx, accessRecordFrom(entry))
	})
}

func accessRecordFrom(entry middleware.AuditEntry) *hipaa.AccessRecord {
	rec := &hipaa.AccessRecord{
		Actor:         entry.Actor,
		Action:        entry.Action,
		DocumentClass: entry.DocumentClass,
		Reference:     entry.Reference,
		StatusCode:    entry.StatusCode,
		IPAddress:     entry.IPAddress,
		UserAgent:     entry.UserAgent,
		RequestID:     entry.RequestID,
		AccessedAt:    entry.Timestamp,
	}
	if id, err := uuid.Parse(entry.OwnerID); err == nil {
		rec.OwnerID = &id
	}
	return rec
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func runServer() error {
	// Logger
	logger := newLogger(os.Getenv("ENV"))

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	keys, err := cfg.KeyConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid encryption keys")
	}
	cipher, err := hipaa.NewEncryptionService(keys, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize document encryption")
	}

	// Database
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Alias cache
	var aliases refcache.Store
	if cfg.RedisURL != "" {
		rc, err := refcache.NewRedisFromURL(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer rc.Close()
		aliases = rc
		logger.Info().Msg("using redis alias cache")
	} else {
		mem := refcache.NewBoundedMemory(cfg.AliasCacheEntries)
		mem.StartCleanup(ctx, time.Minute)
		aliases = mem
	}

	fetcher := fetch.New(fetch.Options{
		Timeout:      cfg.ImportTimeout,
		MaxBytes:     cfg.MaxUploadBytes,
		AllowedHosts: cfg.AllowedImportHosts,
		Logger:       logger,
	})
	if len(cfg.AllowedImportHosts) == 0 {
		logger.Warn().Msg("ALLOWED_IMPORT_HOSTS is empty, URL import accepts any public host")
	} else {
		logger.Info().Strs("hosts", cfg.AllowedImportHosts).Msg("URL import restricted to allowed hosts")
	}

	e := newEcho(server{
		cfg:     cfg,
		logger:  logger,
		pool:    pool,
		catalog: documents.NewCatalogPG(pool),
		cipher:  cipher,
		aliases: aliases,
		fetcher: fetcher,
		recorders: []middleware.AuditRecorder{
			accessRecorder(hipaa.NewAccessLogger(pool)),
		},
	})

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("uploads_dir", cfg.UploadsDir).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
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
