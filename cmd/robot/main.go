// Package main is the entry point for the casarerpa-robot binary.
// It wires all internal packages together and starts the connection loop.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Open the robot's local SQLite checkpoint store
//  4. Build the node registry and the job handler that drives the runner
//  5. Dial the orchestrator and run the read/heartbeat loop
//  6. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/casarerpa/casarerpa/internal/checkpoint"
	"github.com/casarerpa/casarerpa/internal/eventbus"
	"github.com/casarerpa/casarerpa/internal/execctx"
	"github.com/casarerpa/casarerpa/internal/nodes"
	"github.com/casarerpa/casarerpa/internal/offlinequeue"
	"github.com/casarerpa/casarerpa/internal/robotagent"
	"github.com/casarerpa/casarerpa/internal/runner"
	"github.com/casarerpa/casarerpa/internal/storage"
	"github.com/casarerpa/casarerpa/internal/values"
	"github.com/casarerpa/casarerpa/internal/workflow"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	orchestratorURL           string
	robotID                   string
	robotName                 string
	environment               string
	tenantID                  string
	capabilities              []string
	maxConcurrentJobs         int
	dataDir                   string
	logLevel                  string
	defaultCheckpointInterval int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "casarerpa-robot",
		Short: "CasareRPA robot — executes workflow jobs dispatched by the orchestrator",
		Long: `The CasareRPA robot connects to the orchestrator over a persistent
WebSocket, receives workflow jobs, and executes them node-by-node using
the same graph runner the orchestrator validates workflows against.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.orchestratorURL, "orchestrator-url", envOrDefault("CASARERPA_ORCHESTRATOR_URL", "ws://localhost:8080/ws/robot"), "Orchestrator WebSocket URL")
	root.PersistentFlags().StringVar(&cfg.robotID, "robot-id", envOrDefault("CASARERPA_ROBOT_ID", defaultRobotID()), "Unique robot identifier")
	root.PersistentFlags().StringVar(&cfg.robotName, "robot-name", envOrDefault("CASARERPA_ROBOT_NAME", ""), "Human-readable robot name")
	root.PersistentFlags().StringVar(&cfg.environment, "environment", envOrDefault("CASARERPA_ENVIRONMENT", "production"), "Deployment environment label")
	root.PersistentFlags().StringVar(&cfg.tenantID, "tenant-id", envOrDefault("CASARERPA_TENANT_ID", ""), "Tenant this robot belongs to")
	root.PersistentFlags().StringSliceVar(&cfg.capabilities, "capability", envOrDefaultSlice("CASARERPA_CAPABILITIES"), "Capability tag this robot advertises (repeatable)")
	root.PersistentFlags().IntVar(&cfg.maxConcurrentJobs, "max-concurrent-jobs", envOrDefaultInt("CASARERPA_MAX_CONCURRENT_JOBS", 1), "Maximum jobs this robot accepts concurrently")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("CASARERPA_DATA_DIR", defaultStateDir()), "Directory for the robot's local checkpoint database")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("CASARERPA_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	// spec §6.5's "default checkpoint interval": how many executed nodes
	// elapse between auto-save checkpoints, absent a barrier node.
	root.PersistentFlags().IntVar(&cfg.defaultCheckpointInterval, "default-checkpoint-interval", envOrDefaultInt("CASARERPA_DEFAULT_CHECKPOINT_INTERVAL", 5), "Nodes executed between automatic checkpoints")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("casarerpa-robot %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting casarerpa robot",
		zap.String("version", version),
		zap.String("robot_id", cfg.robotID),
		zap.String("orchestrator_url", cfg.orchestratorURL),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	// --- Local checkpoint store ---
	// Each robot keeps its own SQLite database for offline durability: if
	// the connection to the orchestrator drops mid-run, the checkpoint
	// survives a robot process restart (spec §4.9's offline-queue mirror,
	// applied locally rather than orchestrator-side).
	gormDB, err := storage.New(storage.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(cfg.dataDir, "robot-state.db"),
		Logger:   logger,
		LogLevel: gormlogger.Error,
	})
	if err != nil {
		return fmt.Errorf("failed to open local checkpoint database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	if err := storage.Migrate(gormDB, offlinequeue.Models()...); err != nil {
		return fmt.Errorf("failed to migrate local checkpoint database: %w", err)
	}

	queue := offlinequeue.New(gormDB)
	chkpt := checkpoint.New(queue, logger)

	// --- Node registry ---
	registry := nodes.NewRegistry()
	nodes.RegisterControlFlow(registry)
	nodes.RegisterLoopNodes(registry)
	nodes.RegisterRetryNodes(registry)

	handler := &jobHandler{
		registry:           registry,
		checkpointMgr:      chkpt,
		checkpointInterval: cfg.defaultCheckpointInterval,
		logger:             logger,
	}

	reg := robotagent.Registration{
		RobotID:           values.RobotID(cfg.robotID),
		RobotName:         cfg.robotName,
		Hostname:          hostname(),
		Environment:       cfg.environment,
		TenantID:          values.TenantID(cfg.tenantID),
		Capabilities:      cfg.capabilities,
		MaxConcurrentJobs: cfg.maxConcurrentJobs,
	}

	client, err := robotagent.Dial(ctx, cfg.orchestratorURL, reg, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to orchestrator: %w", err)
	}
	defer client.Close()

	logger.Info("connected to orchestrator, awaiting job assignments")

	runErr := client.Run(ctx, handler)
	if runErr != nil && ctx.Err() == nil {
		logger.Warn("connection to orchestrator closed", zap.Error(runErr))
	}

	logger.Info("casarerpa robot stopped")
	return nil
}

// jobHandler drives the workflow runner for every job_assign frame the
// robotagent.Client dispatches. One eventbus.Bus per job keeps failed
// workflow events from one job from ever being mistaken for another's.
type jobHandler struct {
	registry           *nodes.Registry
	checkpointMgr      *checkpoint.Manager
	checkpointInterval int
	logger             *zap.Logger
}

func (h *jobHandler) HandleJob(ctx context.Context, client *robotagent.Client, job robotagent.JobAssignment) {
	log := h.logger.With(zap.String("job_id", string(job.JobID)))

	var doc workflow.Document
	if err := json.Unmarshal(job.WorkflowData, &doc); err != nil {
		log.Warn("rejecting job: malformed workflow document", zap.Error(err))
		_ = client.RejectJob(job.JobID, fmt.Sprintf("malformed workflow document: %v", err))
		return
	}

	graph, err := workflow.Load(doc, h.registry)
	if err != nil {
		log.Warn("rejecting job: workflow failed to load", zap.Error(err))
		_ = client.RejectJob(job.JobID, fmt.Sprintf("workflow failed to load: %v", err))
		return
	}

	if err := client.AcceptJob(job.JobID); err != nil {
		log.Warn("failed to send job_accept", zap.Error(err))
		return
	}

	execCtx := execctx.New(job.JobID, h.logger)
	for name, value := range job.Variables {
		execCtx.Set(name, value)
	}

	bus := eventbus.New(h.logger)

	run := runner.New(graph, execCtx, bus, h.logger,
		runner.WithCheckpointManager(h.checkpointMgr),
		runner.WithAutoSave(h.checkpointInterval),
	)

	state := run.Run(job.JobID, doc.Metadata.Name)

	switch state {
	case runner.StateCompleted:
		_ = client.CompleteJob(job.JobID, true, execCtx.Variables())
	default:
		result := execCtx.Variables()
		if failure := run.Failure(); failure != nil {
			result["error"] = failure.Message
			result["failed_node"] = string(failure.FailedNode)
		}
		_ = client.CompleteJob(job.JobID, false, result)
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// defaultRobotID derives a stable-enough identifier when none is configured
// explicitly; operators running a fleet of robots should always set
// --robot-id so restarts keep a robot's identity (and its tenant
// assignment) consistent.
func defaultRobotID() string {
	h, err := os.Hostname()
	if err != nil {
		return "robot-unknown"
	}
	return "robot-" + h
}

// defaultStateDir returns the platform-appropriate default state directory.
func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".casarerpa-robot")
	}
	return ".casarerpa-robot"
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

func envOrDefaultSlice(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
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
