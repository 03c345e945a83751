package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ReelForgeLabs/reelforge/internal/payments"
	"github.com/ReelForgeLabs/reelforge/internal/poller"
	"github.com/ReelForgeLabs/reelforge/internal/provider"
	"github.com/ReelForgeLabs/reelforge/internal/store/gormstore"
	"github.com/ReelForgeLabs/reelforge/internal/sweeper"
	"github.com/ReelForgeLabs/reelforge/internal/webserver"
	"github.com/ReelForgeLabs/reelforge/pkg/billing"
	"github.com/ReelForgeLabs/reelforge/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL      = "database-url"
	flagListenAddr       = "listen-addr"
	flagAllowedOrigins   = "allowed-origins"
	flagJWTSigningKey    = "jwt-signing-key"
	flagJWTIssuer        = "jwt-issuer"
	flagCallbackBaseURL  = "callback-base-url"
	flagDashScopeBaseURL = "dashscope-base-url"
	flagDashScopeAPIKey  = "dashscope-api-key"
	flagSoraBaseURL      = "sora-base-url"
	flagSoraAPIKey       = "sora-api-key"
	flagPollInterval     = "poll-interval"
	flagSweepInterval    = "sweep-interval"

	defaultDatabaseURL = "sqlite:///tmp/reelforge.db"
	defaultListenAddr  = ":8080"
	defaultJWTIssuer   = "reelforge"
)

type runtimeConfig struct {
	DatabaseURL      string
	ListenAddr       string
	AllowedOrigins   []string
	JWTSigningKey    string
	JWTIssuer        string
	CallbackBaseURL  string
	DashScopeBaseURL string
	DashScopeAPIKey  string
	SoraBaseURL      string
	SoraAPIKey       string
	PollInterval     time.Duration
	SweepInterval    time.Duration
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "reelforged: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "reelforged",
		Short:         "Video generation billing backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or SQLite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().StringSlice(flagAllowedOrigins, nil, "CORS allowed origins")
	cmd.Flags().String(flagJWTSigningKey, "", "HS256 signing key for bearer tokens")
	cmd.Flags().String(flagJWTIssuer, defaultJWTIssuer, "expected JWT issuer")
	cmd.Flags().String(flagCallbackBaseURL, "", "public base URL for provider callbacks")
	cmd.Flags().String(flagDashScopeBaseURL, "", "DashScope API base URL (default public endpoint)")
	cmd.Flags().String(flagDashScopeAPIKey, "", "DashScope API key")
	cmd.Flags().String(flagSoraBaseURL, "", "Sora relay API base URL")
	cmd.Flags().String(flagSoraAPIKey, "", "Sora relay API key")
	cmd.Flags().Duration(flagPollInterval, poller.DefaultInterval, "provider poll interval")
	cmd.Flags().Duration(flagSweepInterval, sweeper.DefaultInterval, "expiry/repair sweep interval")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		flagDatabaseURL:      "DATABASE_URL",
		flagListenAddr:       "LISTEN_ADDR",
		flagAllowedOrigins:   "ALLOWED_ORIGINS",
		flagJWTSigningKey:    "JWT_SIGNING_KEY",
		flagJWTIssuer:        "JWT_ISSUER",
		flagCallbackBaseURL:  "CALLBACK_BASE_URL",
		flagDashScopeBaseURL: "DASHSCOPE_BASE_URL",
		flagDashScopeAPIKey:  "DASHSCOPE_API_KEY",
		flagSoraBaseURL:      "SORA_BASE_URL",
		flagSoraAPIKey:       "SORA_API_KEY",
		flagPollInterval:     "POLL_INTERVAL",
		flagSweepInterval:    "SWEEP_INTERVAL",
	}
	for flagName, envName := range bindings {
		configKey := strings.ReplaceAll(flagName, "-", "_")
		if err := viper.BindEnv(configKey, envName); err != nil {
			return err
		}
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString("database_url")
	cfg.ListenAddr = viper.GetString("listen_addr")
	cfg.AllowedOrigins = viper.GetStringSlice("allowed_origins")
	cfg.JWTSigningKey = viper.GetString("jwt_signing_key")
	cfg.JWTIssuer = viper.GetString("jwt_issuer")
	cfg.CallbackBaseURL = viper.GetString("callback_base_url")
	cfg.DashScopeBaseURL = viper.GetString("dashscope_base_url")
	cfg.DashScopeAPIKey = viper.GetString("dashscope_api_key")
	cfg.SoraBaseURL = viper.GetString("sora_base_url")
	cfg.SoraAPIKey = viper.GetString("sora_api_key")
	cfg.PollInterval = viper.GetDuration("poll_interval")
	cfg.SweepInterval = viper.GetDuration("sweep_interval")

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.ListenAddr == "" {
		return fmt.Errorf("listen addr is required")
	}
	if cfg.JWTSigningKey == "" {
		return fmt.Errorf("jwt signing key is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	clock := func() int64 { return time.Now().UTC().Unix() }

	ledgerStore := gormstore.NewLedgerStore(gormDB)
	ledgerService, err := ledger.NewService(ledgerStore, clock,
		ledger.WithOperationLogger(&zapOperationLogger{logger: logger}))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	jobStore := gormstore.NewJobStore(gormDB)
	jobRegistry, err := billing.NewRegistry(jobStore, clock)
	if err != nil {
		return fmt.Errorf("job registry init: %w", err)
	}
	recorder := &ledgerRecorder{ledger: ledgerService}
	reconciler, err := billing.NewReconciler(jobStore, recorder, clock,
		billing.WithReconcileLogger(&zapReconcileLogger{logger: logger}))
	if err != nil {
		return fmt.Errorf("reconciler init: %w", err)
	}

	providerRegistry := provider.NewRegistry(
		provider.NewDashScope(cfg.DashScopeBaseURL, cfg.DashScopeAPIKey),
		provider.NewSora(cfg.SoraBaseURL, cfg.SoraAPIKey),
	)
	paymentRegistry := payments.NewRegistry(
		payments.NewStripe(),
		payments.NewWeChatPay(),
	)
	capturer := payments.NewCapturer(ledgerService, time.Now)

	httpServer := webserver.New(webserver.Config{
		ListenAddr:      cfg.ListenAddr,
		AllowedOrigins:  cfg.AllowedOrigins,
		JWTSigningKey:   cfg.JWTSigningKey,
		JWTIssuer:       cfg.JWTIssuer,
		CallbackBaseURL: cfg.CallbackBaseURL,
	}, logger, ledgerService, jobRegistry, reconciler, providerRegistry, paymentRegistry, capturer)

	jobPoller := poller.New(jobStore, jobRegistry, reconciler, providerRegistry,
		poller.Config{Interval: cfg.PollInterval}, time.Now, logger)
	housekeeper := sweeper.New(ledgerService, reconciler,
		sweeper.Config{Interval: cfg.SweepInterval}, time.Now, logger)

	go jobPoller.Run(ctx)
	go housekeeper.Run(ctx)

	return httpServer.Run(ctx)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "reelforge.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

// prepareSchema auto-migrates on sqlite only; postgres schemas are managed by
// migrations applied out of band.
func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	if err := db.AutoMigrate(&gormstore.LedgerEntry{}, &gormstore.Job{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
