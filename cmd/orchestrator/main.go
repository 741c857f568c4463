// Package main is the entry point for the casarerpa-orchestrator binary.
// It wires all internal packages together and starts the fleet: the
// robot/admin WebSocket endpoints, the REST API, and the background sweep
// scheduler.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Initialize encryption and open the database
//  4. Build repositories, audit log, telemetry, event bus, resilience
//  5. Build the robot manager, auth service, and HTTP router
//  6. Start the sweep scheduler and HTTP server
//  7. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/casarerpa/casarerpa/internal/api"
	"github.com/casarerpa/casarerpa/internal/audit"
	"github.com/casarerpa/casarerpa/internal/auth"
	"github.com/casarerpa/casarerpa/internal/eventbus"
	"github.com/casarerpa/casarerpa/internal/resilience"
	"github.com/casarerpa/casarerpa/internal/robotmanager"
	"github.com/casarerpa/casarerpa/internal/session"
	"github.com/casarerpa/casarerpa/internal/storage"
	"github.com/casarerpa/casarerpa/internal/sweep"
	"github.com/casarerpa/casarerpa/internal/telemetry"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	bindAddr             string
	dbDriver             string
	dbDSN                string
	secretKey            string
	logLevel             string
	dataDir              string
	secureCookies        bool
	heartbeatTimeoutSecs int
	defaultJobTimeoutMS  int64
	auditRetentionDays   int
	oidcIssuerURL        string
	oidcClientID         string
	oidcClientSecret     string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeOf(err))
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "casarerpa-orchestrator",
		Short: "CasareRPA orchestrator — dispatches workflow jobs to robot agents",
		Long: `The CasareRPA orchestrator is the central component of the fleet.
It accepts robot connections over WebSocket, dispatches submitted jobs to
eligible robots, tracks heartbeats and job state, and exposes a REST API
for job submission and fleet visibility.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	// spec §6.5's documented "core reads": orchestrator bind address,
	// heartbeat timeout seconds, default job timeout.
	root.PersistentFlags().StringVar(&cfg.bindAddr, "bind-addr", envOrDefault("CASARERPA_BIND_ADDR", ":8080"), "HTTP and WebSocket listen address")
	root.PersistentFlags().IntVar(&cfg.heartbeatTimeoutSecs, "heartbeat-timeout", envOrDefaultInt("CASARERPA_HEARTBEAT_TIMEOUT", 90), "Seconds without a heartbeat before a robot is considered disconnected")
	root.PersistentFlags().Int64Var(&cfg.defaultJobTimeoutMS, "default-job-timeout-ms", envOrDefaultInt64("CASARERPA_DEFAULT_JOB_TIMEOUT_MS", 5*60*1000), "Default job timeout in milliseconds, applied when a submission omits one")

	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("CASARERPA_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("CASARERPA_DB_DSN", "./casarerpa.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("CASARERPA_SECRET_KEY", ""), "Master secret key for encrypting credentials at rest (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("CASARERPA_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("CASARERPA_DATA_DIR", "./data"), "Directory for orchestrator data (RSA keys, etc.)")
	root.PersistentFlags().BoolVar(&cfg.secureCookies, "secure-cookies", envOrDefault("CASARERPA_SECURE_COOKIES", "false") == "true", "Set Secure flag on the OIDC state cookie (enable in production over HTTPS)")
	root.PersistentFlags().IntVar(&cfg.auditRetentionDays, "audit-retention-days", envOrDefaultInt("CASARERPA_AUDIT_RETENTION_DAYS", 90), "Days of audit events to retain before the cleanup sweep deletes them")

	root.PersistentFlags().StringVar(&cfg.oidcIssuerURL, "oidc-issuer-url", envOrDefault("CASARERPA_OIDC_ISSUER_URL", ""), "OIDC issuer URL (empty disables SSO login)")
	root.PersistentFlags().StringVar(&cfg.oidcClientID, "oidc-client-id", envOrDefault("CASARERPA_OIDC_CLIENT_ID", ""), "OIDC client ID")
	root.PersistentFlags().StringVar(&cfg.oidcClientSecret, "oidc-client-secret", envOrDefault("CASARERPA_OIDC_CLIENT_SECRET", ""), "OIDC client secret")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("casarerpa-orchestrator %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return initErrorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return configErrorf("secret key is required — set --secret-key or CASARERPA_SECRET_KEY")
	}
	if cfg.heartbeatTimeoutSecs <= 0 {
		return configErrorf("heartbeat-timeout must be positive, got %d", cfg.heartbeatTimeoutSecs)
	}
	if cfg.defaultJobTimeoutMS <= 0 {
		return configErrorf("default-job-timeout-ms must be positive, got %d", cfg.defaultJobTimeoutMS)
	}
	if cfg.auditRetentionDays <= 0 {
		return configErrorf("audit-retention-days must be positive, got %d", cfg.auditRetentionDays)
	}

	logger.Info("starting casarerpa orchestrator",
		zap.String("version", version),
		zap.String("bind_addr", cfg.bindAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
		zap.Int("heartbeat_timeout_secs", cfg.heartbeatTimeoutSecs),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Encryption ---
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(cfg.secretKey))
	if err := storage.InitEncryption(keyBytes); err != nil {
		return initErrorf("failed to initialize encryption: %w", err)
	}

	// --- 2. Database ---
	gormDB, err := storage.New(storage.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return initErrorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return initErrorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	models := append(append([]any{}, storage.RobotModels()...), storage.TenantModels()...)
	models = append(models, audit.Models()...)
	if err := storage.Migrate(gormDB, models...); err != nil {
		return initErrorf("failed to migrate database: %w", err)
	}

	robotRepo := storage.NewRobotRepository(gormDB)
	_ = storage.NewTenantRepository(gormDB) // reserved for a future tenant-admin surface; not yet exposed over REST
	auditRepo := audit.New(gormDB)

	// --- 3. Telemetry / event bus / resilience ---
	promReg := prometheus.NewRegistry()
	prom := telemetry.NewPrometheus(promReg)
	bus := eventbus.New(logger)
	breakers := resilience.NewRegistry(resilience.DefaultSettings())

	// --- 4. Auth ---
	jwtManager, err := buildJWTManager(cfg.dataDir, logger)
	if err != nil {
		return initErrorf("failed to initialize JWT manager: %w", err)
	}

	operatorStore := auth.NewMemoryOperatorStore()
	localProvider := auth.NewLocalAuthProvider(operatorStore, jwtManager)

	var oidcProvider *auth.OIDCAuthProvider
	if cfg.oidcIssuerURL != "" {
		oidcProvider, err = auth.NewOIDCAuthProvider(ctx, auth.OIDCConfig{
			IssuerURL:    cfg.oidcIssuerURL,
			ClientID:     cfg.oidcClientID,
			ClientSecret: cfg.oidcClientSecret,
			DefaultRole:  "operator",
		}, operatorStore, jwtManager)
		if err != nil {
			return initErrorf("failed to initialize OIDC provider: %w", err)
		}
	}
	authService := auth.NewService(jwtManager, localProvider, oidcProvider)

	// --- 5. Robot manager ---
	manager := robotmanager.New(bus, breakers, logger,
		robotmanager.WithRobotRepository(robotRepo),
		robotmanager.WithHeartbeatTimeout(time.Duration(cfg.heartbeatTimeoutSecs)*time.Second),
	)

	// --- 6. Sweep scheduler ---
	sweepCfg := sweep.DefaultConfig()
	sweepCfg.AuditRetentionDays = cfg.auditRetentionDays
	sched, err := sweep.New(manager, auditRepo, sweepCfg, logger)
	if err != nil {
		return initErrorf("failed to create sweep scheduler: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return initErrorf("failed to start sweep scheduler: %w", err)
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Warn("sweep scheduler shutdown error", zap.Error(err))
		}
	}()

	// --- 7. HTTP server: REST API + robot/admin WebSocket endpoints ---
	router := api.NewRouter(api.RouterConfig{
		AuthService:         authService,
		RobotManager:        manager,
		AuditRepo:           auditRepo,
		Logger:              logger,
		Secure:              cfg.secureCookies,
		DefaultJobTimeoutMS: cfg.defaultJobTimeoutMS,
	})

	mux := http.NewServeMux()
	mux.Handle("/api/v1/", router)
	mux.Handle("/metrics", prom.Handler())
	mux.HandleFunc("/ws/robot", func(w http.ResponseWriter, r *http.Request) {
		sess, err := session.Upgrade(w, r, logger)
		if err != nil {
			logger.Warn("robot websocket upgrade failed", zap.Error(err))
			return
		}
		sess.Serve(manager, version)
	})
	mux.HandleFunc("/ws/admin", func(w http.ResponseWriter, r *http.Request) {
		sess, err := session.UpgradeAdmin(w, r, logger)
		if err != nil {
			logger.Warn("admin websocket upgrade failed", zap.Error(err))
			return
		}
		sess.Serve(manager)
	})

	httpSrv := &http.Server{
		Addr:         cfg.bindAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.bindAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down casarerpa orchestrator")
	case err := <-serveErr:
		if err != nil {
			cancel()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
			_ = httpSrv.Shutdown(shutdownCtx)
			shutdownCancel()
			return runtimeErrorf("http server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("casarerpa orchestrator stopped")
	return nil
}

// buildJWTManager loads RSA keys from the data directory if available, or
// generates ephemeral in-memory keys for development.
func buildJWTManager(dataDir string, logger *zap.Logger) (*auth.JWTManager, error) {
	privPath := filepath.Join(dataDir, "jwt_private.pem")
	pubPath := filepath.Join(dataDir, "jwt_public.pem")

	if _, err := os.Stat(privPath); err == nil {
		logger.Info("loading JWT keys from disk", zap.String("private", privPath))
		return auth.NewJWTManagerFromFiles(privPath, pubPath, "casarerpa-orchestrator")
	}

	logger.Warn("JWT key files not found — using ephemeral in-memory keys (tokens will be invalidated on restart)",
		zap.String("expected_private", privPath),
	)
	return auth.NewJWTManagerGenerated("casarerpa-orchestrator")
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func envOrDefaultInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return n
}
