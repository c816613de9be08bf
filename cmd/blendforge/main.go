package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/thomaker/blendforge/internal/config"
	"github.com/thomaker/blendforge/internal/entity"
	"github.com/thomaker/blendforge/internal/entitygen"
	"github.com/thomaker/blendforge/internal/executor"
	"github.com/thomaker/blendforge/internal/hub"
	"github.com/thomaker/blendforge/internal/oracle"
	"github.com/thomaker/blendforge/internal/orchestrator"
	"github.com/thomaker/blendforge/internal/publisher"
	"github.com/thomaker/blendforge/internal/session"
	"github.com/thomaker/blendforge/internal/store"
	"github.com/thomaker/blendforge/internal/validator"
	"github.com/thomaker/blendforge/pkg/models"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath  string
	envFile     string
	verbose     bool
	metricsAddr string

	entityCount int

	publishRepoID string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "blendforge",
		Short: "BlendForge - resilient 3D object dataset generator",
		Long: `BlendForge turns a list of object descriptions into a validated dataset of
Blender scripts and rendered images. Each object is retried until a render
passes quality and semantic checks, progress is checkpointed for restarts,
and accepted results are published to Hugging Face in batches.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to environment file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the dataset generation pipeline",
		Long: `Run the complete generation pipeline:
1. Load the entity list and skip everything already accepted
2. For each entity: generate Blender code, execute it, validate the render
3. Retry failed entities up to the configured attempt budget
4. Checkpoint every terminal result
5. Optional: publish accepted results to Hugging Face in batches`,
		RunE: runPipeline,
	}
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Expose Prometheus metrics on this address (e.g. :9090)")

	entitiesCmd := &cobra.Command{
		Use:   "entities",
		Short: "Generate new entities through the oracle",
		Long: `Ask the oracle for new (object, description) pairs and append them to the
configured entities file, deduplicated against everything already there.`,
		RunE: generateEntities,
	}
	entitiesCmd.Flags().IntVar(&entityCount, "count", 50, "Number of new entities to generate")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show checkpoint progress",
		Long:  "Summarize the checkpoint database: accepted, exhausted and unpublished records.",
		RunE:  showStatus,
	}

	publishCmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish all unpublished accepted records",
		Long: `Drain the checkpoint store into Hugging Face batches, including a final
partial batch. Useful after an interrupted run.`,
		RunE: publishAll,
	}
	publishCmd.Flags().StringVar(&publishRepoID, "repo-id", "", "Override the configured Hugging Face repository")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(entitiesCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(publishCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *config.Secrets, error) {
	if envFile != "" {
		if err := config.LoadEnvFile(envFile); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load env file: %v\n", err)
		}
	}
	return config.Load(configPath)
}

func logLevel() slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, secrets, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	sessionMgr, err := session.NewManager("output", slog.Default())
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	logger, logFile, err := session.SetupLogger(sessionMgr, logLevel())
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() {
		if logFile != nil {
			_ = logFile.Sync()
			_ = logFile.Close()
		}
	}()

	logger.Info("BlendForge starting",
		"version", Version,
		"config", configPath,
		"session_dir", sessionMgr.Dir())

	if err := sessionMgr.BackupConfig(configPath); err != nil {
		return fmt.Errorf("failed to backup config: %w", err)
	}
	for _, dir := range []string{sessionMgr.WorkDir(), sessionMgr.ExportDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create session subdirectory: %w", err)
		}
	}

	if metricsAddr != "" {
		go serveMetrics(metricsAddr, logger)
	}

	entities, err := entity.Load(cfg.Pipeline.EntitiesFile)
	if err != nil {
		return err
	}
	entities = entity.Slice(entities, cfg.Pipeline.Offset, cfg.Pipeline.Limit)
	if len(entities) == 0 {
		return fmt.Errorf("no entities to process (offset %d, limit %d)", cfg.Pipeline.Offset, cfg.Pipeline.Limit)
	}

	st, err := store.Open(cfg.Pipeline.CheckpointDB, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("Failed to close checkpoint store", "error", err)
		}
	}()

	oracleClient := oracle.NewClient(cfg.Oracle, secrets.OracleAPIKey, logger)
	exec := executor.New(cfg.Executor, logger)
	matcher := validator.NewHTTPMatcher(cfg.Matcher, secrets.MatcherAPIKey, logger)
	val := validator.New(cfg.Validator, matcher, logger)

	var pub orchestrator.BatchPublisher
	if cfg.Pipeline.PublishEnabled {
		if cfg.HuggingFace.RepoID == "" {
			return fmt.Errorf("huggingface.repo_id must be set when publishing is enabled")
		}
		if secrets.HuggingFaceToken == "" {
			return fmt.Errorf("HUGGING_FACE_TOKEN must be set when publishing is enabled")
		}
		sink := hub.NewClient(cfg.HuggingFace, secrets.HuggingFaceToken, logger)
		pub = publisher.New(st, sink, cfg.Pipeline.BatchSize, sessionMgr.ExportDir(), logger)
	}

	orch := orchestrator.New(cfg, oracleClient, exec, val, st, pub, sessionMgr.WorkDir(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats, err := orch.Run(ctx, entities)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("Run interrupted; completed entities are checkpointed",
				"session_dir", sessionMgr.Dir())
			printSummary(stats)
			return fmt.Errorf("run interrupted (rerun to resume from the checkpoint)")
		}
		return fmt.Errorf("run failed: %w", err)
	}

	printSummary(stats)
	logger.Info("All done! 🎉", "session_dir", sessionMgr.Dir())
	return nil
}

func printSummary(stats *models.PipelineStats) {
	fmt.Println()
	fmt.Println("Run summary")
	fmt.Println("===========")
	fmt.Printf("Entities:            %d (processed %d, skipped %d)\n",
		stats.TotalEntities, stats.Processed, stats.Skipped)
	fmt.Printf("Accepted:            %d\n", stats.Accepted)
	fmt.Printf("Exhausted:           %d\n", stats.Exhausted)
	fmt.Println()
	fmt.Println("Attempt failures")
	fmt.Printf("  Generation:        %d\n", stats.GenerationFailures)
	fmt.Printf("  Execution:         %d\n", stats.ExecutionFailures)
	fmt.Printf("  Quality rejects:   %d\n", stats.RejectedQuality)
	fmt.Printf("  No object:         %d\n", stats.RejectedNoObject)
	fmt.Printf("  Wrong object:      %d\n", stats.RejectedWrongObject)
	fmt.Println()
	fmt.Printf("Duration:            %s", stats.TotalDuration.Round(time.Second))
	if stats.Processed > 0 {
		fmt.Printf(" (avg %s per entity)", stats.AverageDuration.Round(time.Second))
	}
	fmt.Println()
}

func generateEntities(cmd *cobra.Command, args []string) error {
	cfg, secrets, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel()}))

	var existing []models.Entity
	if _, err := os.Stat(cfg.Pipeline.EntitiesFile); err == nil {
		existing, err = entity.Load(cfg.Pipeline.EntitiesFile)
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	oracleClient := oracle.NewClient(cfg.Oracle, secrets.OracleAPIKey, logger)
	generated, err := entitygen.New(oracleClient, logger).Generate(ctx, entityCount, existing)
	if err != nil {
		return err
	}
	if len(generated) == 0 {
		return fmt.Errorf("oracle produced no new entities")
	}

	if err := entity.Save(cfg.Pipeline.EntitiesFile, append(existing, generated...)); err != nil {
		return err
	}

	fmt.Printf("Added %d entities to %s (%d total)\n",
		len(generated), cfg.Pipeline.EntitiesFile, len(existing)+len(generated))
	return nil
}

func showStatus(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	st, err := store.Open(cfg.Pipeline.CheckpointDB, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	accepted, exhausted, err := st.Counts()
	if err != nil {
		return err
	}
	cursor, err := st.Cursor()
	if err != nil {
		return err
	}
	unpublished, err := st.AcceptedAfter(cursor, accepted+1)
	if err != nil {
		return err
	}

	fmt.Printf("Checkpoint: %s\n", cfg.Pipeline.CheckpointDB)
	fmt.Printf("  Accepted:     %d\n", accepted)
	fmt.Printf("  Exhausted:    %d\n", exhausted)
	fmt.Printf("  Unpublished:  %d\n", len(unpublished))
	return nil
}

func publishAll(cmd *cobra.Command, args []string) error {
	cfg, secrets, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if publishRepoID != "" {
		cfg.HuggingFace.RepoID = publishRepoID
	}
	if cfg.HuggingFace.RepoID == "" {
		return fmt.Errorf("set huggingface.repo_id in the config or pass --repo-id")
	}
	if secrets.HuggingFaceToken == "" {
		return fmt.Errorf("HUGGING_FACE_TOKEN environment variable must be set")
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel()}))

	sessionMgr, err := session.NewManager("output", logger)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if err := os.MkdirAll(sessionMgr.ExportDir(), 0755); err != nil {
		return err
	}

	st, err := store.Open(cfg.Pipeline.CheckpointDB, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink := hub.NewClient(cfg.HuggingFace, secrets.HuggingFaceToken, logger)
	pub := publisher.New(st, sink, cfg.Pipeline.BatchSize, sessionMgr.ExportDir(), logger)

	if err := pub.Flush(ctx); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}

	fmt.Println("All accepted records published.")
	return nil
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	logger.Info("Serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("Metrics server stopped", "error", err)
	}
}
