package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/chata/chata/internal/config"
	"github.com/chata/chata/internal/domain/report"
	"github.com/chata/chata/internal/platform/auth"
	"github.com/chata/chata/internal/platform/db"
	"github.com/chata/chata/internal/platform/hipaa"
	"github.com/chata/chata/internal/platform/kvstore"
	"github.com/chata/chata/internal/platform/middleware"
	"github.com/chata/chata/internal/platform/submission"
	"github.com/chata/chata/internal/platform/websocket"
	"github.com/chata/chata/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:           "chata-server",
		Short:         "CHATA assessment report API server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(rotateKeysCmd())
	rootCmd.AddCommand(idCmd())
	rootCmd.AddCommand(submitCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		return nil, logger, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, logger, nil
}

// app holds everything the commands share.
type app struct {
	cfg        *config.Config
	logger     zerolog.Logger
	pool       *pgxpool.Pool
	store      kvstore.Store
	encryption *hipaa.EncryptionService
	bridge     *report.Bridge
	service    *report.Service
	catalog    *report.Catalog
	hub        *websocket.Hub
}

func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if strings.EqualFold(cfg.StoreEngine, kvstore.EnginePostgres) {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		logger.Info().Msg("connected to database")
	}

	store, err := kvstore.Open(kvstore.Options{Engine: cfg.StoreEngine, Path: cfg.StorePath, Pool: a.pool})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = store

	enc, err := hipaa.NewEncryptionService(hipaa.KeyConfig{
		Key:      cfg.HIPAAEncryptionKey,
		Version:  cfg.HIPAAKeyVersion,
		Previous: cfg.HIPAAPreviousKeys,
	}, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.encryption = enc

	catalog, err := report.DefaultCatalog()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.catalog = catalog

	a.bridge = report.NewBridge(store, logger, report.WithCipher(enc))
	a.service = report.NewService(report.NewSessionStore(), a.bridge, logger)
	a.service.SetCatalog(catalog)
	a.hub = websocket.NewHub(logger)
	a.service.SetEventPublisher(a.hub)

	if err := wireSubmission(a); err != nil {
		a.Close()
		return nil, err
	}

	logger.Info().
		Str("store_engine", cfg.StoreEngine).
		Bool("encryption", enc.IsEnabled()).
		Int("catalog_milestones", catalog.Len()).
		Msg("report service ready")
	return a, nil
}

func wireSubmission(a *app) error {
	cfg := a.cfg
	formURL, err := cfg.ResolveURL(cfg.FormAPIURL)
	if err != nil {
		return err
	}
	key, err := submission.ParsePayloadKey(cfg.SubmissionPayloadKey)
	if err != nil {
		return err
	}

	var scripts report.ScriptURLs
	for _, s := range []struct {
		dst *string
		raw string
	}{
		{&scripts.Report, cfg.AppsScriptReportURL},
		{&scripts.Email, cfg.AppsScriptEmailURL},
		{&scripts.Sheets, cfg.AppsScriptSheetsURL},
	} {
		if *s.dst, err = cfg.ResolveURL(s.raw); err != nil {
			return err
		}
	}

	if formURL == "" {
		a.logger.Warn().Msg("FORM_API_URL is empty; report submission disabled")
		return nil
	}
	client := submission.NewClient(submission.Config{
		FormAPIURL: formURL,
		PayloadKey: key,
		Timeout:    cfg.SubmissionTimeout,
	}, a.logger)
	a.service.SetSubmitter(client, scripts)
	a.service.SetPoller(&submission.Poller{
		Caller:      client,
		Interval:    cfg.PollInterval,
		MaxAttempts: cfg.PollMaxAttempts,
	})
	return nil
}

// requestTimeout covers the slowest handler: a processing call that polls
// for its document after the submission round trip.
func requestTimeout(cfg *config.Config) time.Duration {
	d := cfg.SubmissionTimeout + time.Duration(cfg.PollMaxAttempts)*(cfg.PollInterval+cfg.SubmissionTimeout)
	if d < 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

func newServer(a *app) *echo.Echo {
	cfg, logger := a.cfg, a.logger

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	if cfg.ResolvedAuthMode() == "development" {
		logger.Warn().Msg("development auth: every request is treated as an admin")
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":      "ok",
			"version":     version,
			"ws_clients":  a.hub.ClientCount(),
			"encryption":  a.encryption.IsEnabled(),
			"storeEngine": cfg.StoreEngine,
		})
	})
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool))
	}

	apiV1 := e.Group("/api/v1",
		middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			BurstSize:         cfg.RateLimitBurst,
		}),
		middleware.BodyLimit(cfg.BodyLimit),
		middleware.RequestTimeout(requestTimeout(cfg)),
		middleware.Audit(logger),
	)
	report.NewHandler(a.service, a.catalog).RegisterRoutes(apiV1)

	websocket.NewHandler(a.hub, cfg.CORSOrigins).RegisterRoutes(e.Group(""))
	return e
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the report API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			return runServer(cfg, logger)
		},
	}
}

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.pool != nil {
		n, err := db.NewMigrator(a.pool, migrations.FS).Up(ctx)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info().Int("applied", n).Msg("migrations up to date")
	}

	if cfg.CleanupInterval > 0 {
		a.service.StartCleanup(ctx, cfg.CleanupInterval, cfg.FormRetentionDays)
	}

	e := newServer(a)
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema used by STORE_ENGINE=postgres",
	}

	withMigrator := func(fn func(ctx context.Context, m *db.Migrator, logger zerolog.Logger) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required")
			}
			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()
			return fn(ctx, db.NewMigrator(pool, migrations.FS), logger)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: withMigrator(func(ctx context.Context, m *db.Migrator, logger zerolog.Logger) error {
			n, err := m.Up(ctx)
			if err != nil {
				return err
			}
			logger.Info().Int("applied", n).Msg("migrations applied")
			return nil
		}),
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: withMigrator(func(ctx context.Context, m *db.Migrator, _ zerolog.Logger) error {
			statuses, err := m.Status(ctx)
			if err != nil {
				return err
			}
			for _, s := range statuses {
				state := "pending"
				if s.Applied && s.AppliedAt != nil {
					state = "applied " + s.AppliedAt.Format(time.RFC3339)
				}
				fmt.Printf("%03d  %-40s %s\n", s.Version, s.Name, state)
			}
			return nil
		}),
	})
	return cmd
}

func cleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete stored reports not updated within the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("max-age-days") {
				days = cfg.FormRetentionDays
			}
			a, err := buildApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.service.CleanupOldForms(cmd.Context(), days)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d report(s) older than %d day(s)\n", n, days)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "max-age-days", 30, "retention window in days")
	return cmd
}

func rotateKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-keys",
		Short: "Re-encrypt stored reports sealed under a previous key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			if !a.encryption.IsEnabled() {
				return fmt.Errorf("HIPAA_ENCRYPTION_KEY is not set")
			}
			res := a.bridge.RotateKeys(cmd.Context())
			if !res.OK() {
				return res.Err
			}
			fmt.Printf("re-encrypted %d report(s)\n", res.Value)
			return nil
		},
	}
}

func idCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "id",
		Short: "Generate or check CHATA IDs",
	}

	var name string
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Generate a CHATA ID for a clinician",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := report.GenerateChataID(name)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	generate.Flags().StringVar(&name, "name", "", "clinician full name")
	generate.MarkFlagRequired("name")

	validate := &cobra.Command{
		Use:   "validate <id>",
		Short: "Check that an ID has the CHATA format",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !report.ValidateChataID(args[0]) {
				return fmt.Errorf("%q is not a valid CHATA ID", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), "valid")
			return nil
		},
	}

	cmd.AddCommand(generate, validate)
	return cmd
}

func submitCmd() *cobra.Command {
	var await string
	cmd := &cobra.Command{
		Use:   "submit <chata-id>",
		Short: "Submit a stored report and optionally wait for its document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !report.ValidateChataID(args[0]) {
				return fmt.Errorf("%q is not a valid CHATA ID", args[0])
			}
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			id := report.ChataID(args[0])
			res, err := a.service.SubmitReport(ctx, id)
			if err != nil {
				return err
			}
			msg := ""
			if res.Response != nil {
				msg = res.Response.Message
			}
			fmt.Fprintf(cmd.OutOrStdout(), "submitted %s: %s\n", id, msg)

			if await == "" {
				return nil
			}
			out, err := a.service.AwaitDocument(ctx, id, report.Script(await))
			if err != nil {
				return err
			}
			if !out.Done() {
				return fmt.Errorf("%s script: %s (after %d attempt(s))", await, out.Result.Error, out.Attempts)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "document: %s\n", out.Result.DocumentURL())
			return nil
		},
	}
	cmd.Flags().StringVar(&await, "await", "", "processing script to poll afterwards (report, email or sheets)")
	return cmd
}
