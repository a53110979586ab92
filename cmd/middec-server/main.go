package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/middec/middec/internal/config"
	"github.com/middec/middec/internal/domain/calculation"
	"github.com/middec/middec/internal/domain/identity"
	"github.com/middec/middec/internal/domain/risk"
	"github.com/middec/middec/internal/domain/submission"
	"github.com/middec/middec/internal/platform/auth"
	"github.com/middec/middec/internal/platform/db"
	"github.com/middec/middec/internal/platform/middleware"
	"github.com/middec/middec/internal/platform/websocket"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "middec-server",
		Short: "Obstetric risk calculator API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run PostgreSQL migrations",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, closeFn, err := openMigrator(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			migrator, closeFn, err := openMigrator(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	// migrate down - keep as warning
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is destructive and not supported by the built-in runner.")
			fmt.Println("Restore from a backup or write a forward migration instead.")
			return nil
		},
	})

	return cmd
}

func openMigrator(ctx context.Context) (*db.Migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.StoreDriver != config.DriverPostgres {
		return nil, nil, fmt.Errorf("migrations only apply to STORE_DRIVER=postgres (got %q); sqlite creates its schema on open", cfg.StoreDriver)
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, db.Migrations()), pool.Close, nil
}

// backend is the storage selected by STORE_DRIVER.
type backend struct {
	calculations calculation.Store
	users        identity.UserRepository
	checker      db.Checker
	closers      []func()
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backend, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		store := calculation.NewPGStore(pool)

		// Inserts on any node wake live queries on this one.
		listenCtx, stopListening := context.WithCancel(context.Background())
		listener := db.NewChangeListener(cfg.DatabaseURL, calculation.Collection, logger)
		go func() {
			if err := listener.Run(listenCtx, func(string) { store.Changed() }); err != nil {
				logger.Error().Err(err).Msg("change listener stopped")
			}
		}()

		logger.Info().Msg("connected to database")
		return &backend{
			calculations: store,
			users:        identity.NewUserRepoPG(pool),
			checker:      db.PGChecker(pool),
			closers:      []func(){pool.Close, stopListening},
		}, nil

	case config.DriverSQLite:
		sqlDB, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite database")
		return &backend{
			calculations: calculation.NewSQLiteStore(sqlDB),
			users:        identity.NewUserRepoSQLite(sqlDB),
			checker:      db.SQLChecker(sqlDB),
			closers:      []func(){func() { sqlDB.Close() }},
		}, nil

	case config.DriverMemory:
		logger.Warn().Msg("using in-memory store; records are lost on restart")
		return &backend{
			calculations: calculation.NewMemoryStore(),
			users:        identity.NewMemoryUserRepo(),
			checker:      db.MemoryChecker(),
		}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// server is the wired HTTP surface plus the pieces that need an orderly
// shutdown.
type server struct {
	echo        *echo.Echo
	hub         *websocket.Hub
	submissions *submission.Handler
	outbox      *submission.Outbox
	revocations *auth.TokenRevocationStore
	logger      zerolog.Logger
}

func newServer(cfg *config.Config, b *backend, scorer risk.Scorer, logger zerolog.Logger) (*server, error) {
	key, err := cfg.SigningKey()
	if err != nil {
		return nil, err
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	revocations := auth.NewTokenRevocationStore()
	jwtCfg := auth.JWTConfig{
		Issuer:      cfg.AuthIssuer,
		SigningKey:  key,
		Revocations: revocations,
		Skipper:     auth.AuthSkipper,
	}

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(echomw.BodyLimit("1M"))

	// Auth middleware
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	apiV1 := e.Group("/api/v1")

	// Rate limiting middleware
	rateLimitCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
		rateLimitCfg.BurstSize = cfg.RateLimitBurst
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(b.checker))

	// Identity domain
	issuer := auth.NewTokenIssuer(cfg.AuthIssuer, key, cfg.TokenTTL)
	identitySvc := identity.NewService(b.users, issuer, revocations, logger)
	identity.NewHandler(identitySvc).RegisterRoutes(apiV1)
	auth.RegisterRevocationRoutes(apiV1, revocations, cfg.TokenTTL)

	// Calculations and live queries
	hub := websocket.NewHub(logger)
	calcSvc := calculation.NewService(b.calculations, logger)
	calculation.NewHandler(calcSvc, hub, logger).RegisterRoutes(apiV1)

	// Submission workflow
	outbox := submission.NewOutbox(calcSvc, logger,
		submission.WithMaxAttempts(cfg.OutboxMaxAttempts),
		submission.WithQueueSize(cfg.OutboxQueueSize),
	)
	submissions := submission.NewHandler(scorer, outbox, cfg.SubmitDelay, logger)
	submissions.RegisterRoutes(apiV1)

	return &server{
		echo:        e,
		hub:         hub,
		submissions: submissions,
		outbox:      outbox,
		revocations: revocations,
		logger:      logger,
	}, nil
}

// shutdown tells live clients the server is going away, stops accepting
// requests, lets pending assessments finish and drains queued records.
func (s *server) shutdown(ctx context.Context) error {
	if err := s.hub.Shutdown(ctx, calculation.LiveFrame{Type: calculation.FrameClosing}); err != nil {
		s.logger.Warn().Err(err).Msg("live clients did not close in time")
	}
	err := s.echo.Shutdown(ctx)
	if werr := s.submissions.Wait(ctx); werr != nil {
		s.logger.Warn().Err(werr).Int64("in_flight", s.submissions.InFlight()).Msg("assessments still pending, their records will be dropped")
		if err == nil {
			err = werr
		}
	}
	if oerr := s.outbox.Close(ctx); oerr != nil {
		s.logger.Warn().Err(oerr).Interface("stats", s.outbox.Stats()).Msg("outbox not fully drained")
		if err == nil {
			err = oerr
		}
	}
	s.revocations.Close()
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

	// Storage
	ctx := context.Background()
	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer b.Close()

	srv, err := newServer(cfg, b, risk.NewRandomScorer(nil), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreDriver).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = srv.echo.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = srv.echo.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown incomplete")
	}
	logger.Info().Msg("server stopped")
	return nil
}
