package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinic/emr/internal/config"
	"github.com/clinic/emr/internal/domain/billing"
	"github.com/clinic/emr/internal/domain/catalog"
	"github.com/clinic/emr/internal/domain/order"
	"github.com/clinic/emr/internal/domain/registry"
	"github.com/clinic/emr/internal/domain/result"
	"github.com/clinic/emr/internal/domain/workflow"
	"github.com/clinic/emr/internal/platform/auth"
	"github.com/clinic/emr/internal/platform/cache"
	"github.com/clinic/emr/internal/platform/db"
	"github.com/clinic/emr/internal/platform/events"
	"github.com/clinic/emr/internal/platform/metrics"
	"github.com/clinic/emr/internal/platform/middleware"
	"github.com/clinic/emr/internal/platform/validate"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "emr-server",
		Short: "Clinic service-order and settlement API server",
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
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				count, err := db.NewMigrator(pool, dir).Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withPool(func(ctx context.Context, pool *pgxpool.Pool) error {
				statuses, err := db.NewMigrator(pool, dir).Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printStatus(cmd, statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "./migrations", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printStatus(cmd *cobra.Command, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		state, at := "pending", ""
		if s.Applied {
			state = "applied"
			at = s.AppliedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, state, at)
	}
}

func withPool(fn func(ctx context.Context, pool *pgxpool.Pool) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, pool)
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// services is everything the router needs. runServer builds it from
// Postgres; tests build it from whatever they like.
type services struct {
	catalog  catalog.Repository
	orders   *order.Service
	results  *result.Service
	billing  *billing.Service
	workflow *workflow.Service
	metrics  *metrics.Metrics
	dbHealth echo.HandlerFunc
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	var c cache.Cache = cache.Nop{}
	if cfg.RedisURL != "" {
		rc, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, catalog cache disabled")
		} else {
			defer rc.Close()
			c = rc
			logger.Info().Msg("connected to redis")
		}
	}

	var pub events.Publisher = events.Nop{}
	if cfg.AMQPURL != "" {
		ap, err := events.DialAMQP(cfg.AMQPURL, cfg.EventsExchange)
		if err != nil {
			logger.Warn().Err(err).Msg("amqp unavailable, domain events disabled")
		} else {
			defer ap.Close()
			pub = ap
			logger.Info().Str("exchange", cfg.EventsExchange).Msg("publishing domain events")
		}
	}

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(reg)
	}

	svcs := wire(pool, c, pub, m, cfg, logger)

	e, err := newServer(cfg, svcs, logger)
	if err != nil {
		return err
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("auth_mode", cfg.ResolvedAuthMode()).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func wire(pool *pgxpool.Pool, c cache.Cache, pub events.Publisher, m *metrics.Metrics, cfg *config.Config, logger zerolog.Logger) *services {
	tx := db.NewTxManager(pool)
	reg := registry.NewRepoPG(pool)
	cat := catalog.NewCachedRepository(catalog.NewRepoPG(pool), c, cfg.CatalogCacheTTL, logger)
	orderRepo := order.NewRepoPG(pool)

	orderSvc := order.NewService(orderRepo, tx, cat, reg, cfg.OrderCodePrefix, cfg.CodeMaxAttempts)
	orderSvc.SetPublisher(pub)
	orderSvc.SetMetrics(m)
	orderSvc.SetLogger(logger)

	resultSvc := result.NewService(result.NewRepoPG(pool), orderRepo, reg, tx)
	resultSvc.SetPublisher(pub)
	resultSvc.SetLogger(logger)

	billingSvc := billing.NewService(billing.NewRepoPG(pool), tx, reg, cfg.InvoiceCodePrefix, cfg.CodeMaxAttempts)
	billingSvc.SetPublisher(pub)
	billingSvc.SetMetrics(m)
	billingSvc.SetLogger(logger)

	return &services{
		catalog:  cat,
		orders:   orderSvc,
		results:  resultSvc,
		billing:  billingSvc,
		workflow: workflow.NewService(orderRepo),
		metrics:  m,
		dbHealth: db.HealthHandler(pool),
	}
}

func newServer(cfg *config.Config, svcs *services, logger zerolog.Logger) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validate.New()

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	if svcs.metrics != nil {
		e.Use(middleware.Metrics(svcs.metrics))
	}
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	if cfg.BodyLimit != "" {
		e.Use(echomw.BodyLimit(cfg.BodyLimit))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if svcs.dbHealth != nil {
		e.GET("/health/db", svcs.dbHealth)
	}
	if svcs.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(svcs.metrics.Handler()))
	}

	authMW, err := authMiddleware(cfg)
	if err != nil {
		return nil, err
	}
	rl := middleware.RateLimitConfig{RequestsPerSecond: cfg.RateLimitRPS, BurstSize: cfg.RateLimitBurst}
	if rl.BurstSize <= 0 {
		rl = middleware.DefaultRateLimitConfig()
	}
	apiV1 := e.Group("/api/v1", middleware.RateLimit(rl), authMW, middleware.Audit(logger))

	catalog.NewHandler(svcs.catalog).RegisterRoutes(apiV1)
	order.NewHandler(svcs.orders).RegisterRoutes(apiV1)
	workflow.NewHandler(svcs.workflow).RegisterRoutes(apiV1)
	result.NewHandler(svcs.results).RegisterRoutes(apiV1)
	billing.NewHandler(svcs.billing).RegisterRoutes(apiV1)

	return e, nil
}

func authMiddleware(cfg *config.Config) (echo.MiddlewareFunc, error) {
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
	switch mode := cfg.ResolvedAuthMode(); mode {
	case "development":
		return auth.DevAuthMiddleware(jwtCfg), nil
	case "jwt":
		return auth.JWTMiddleware(jwtCfg), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", mode)
	}
}
