package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/rdelgatto/graphscribe/internal/api"
	"github.com/rdelgatto/graphscribe/internal/checkpoint"
	"github.com/rdelgatto/graphscribe/internal/config"
	"github.com/rdelgatto/graphscribe/internal/extract"
	"github.com/rdelgatto/graphscribe/internal/graph"
	"github.com/rdelgatto/graphscribe/internal/metrics"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
)

var (
	configPath string
	envFile    string
	verbose    bool
	failedOnly bool
	clearAll   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "graphscribe",
		Short: "graphscribe - podcast knowledge graph extraction",
		Long: `graphscribe extracts entities, relationships and insights from podcast
transcripts using a language model, and records fine-grained checkpoints so an
interrupted run resumes exactly where it left off.`,
		Version: fmt.Sprintf("%s (commit: %s)", Version, GitCommit),
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the extraction pipeline over the transcript directory",
		Long: `Run the extraction pipeline:
1. Parse .vtt transcripts into windowed segments
2. Compute the residual worklist from checkpoints
3. Extract knowledge per segment through the batch engine
4. Optional: merge results into Neo4j

Re-running after an interruption resumes from the checkpoints automatically.`,
		RunE: runPipeline,
	}
	runCmd.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	runCmd.Flags().StringVar(&envFile, "env-file", ".env", "Path to environment file")
	runCmd.Flags().BoolVar(&failedOnly, "failed-only", false, "Only retry segments whose last attempt failed")
	runCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	resumeCmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume only episodes a previous run left unfinished",
		Long: `Resume processes only episodes with an incomplete checkpoint record:
interrupted, failed or partial. Episodes never attempted are left alone; use
"run" to process everything.`,
		RunE: resumePipeline,
	}
	resumeCmd.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	resumeCmd.Flags().StringVar(&envFile, "env-file", ".env", "Path to environment file")
	resumeCmd.Flags().BoolVar(&failedOnly, "failed-only", false, "Only retry segments whose last attempt failed")
	resumeCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	checkpointCmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Manage checkpoints",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List episodes that are not yet complete",
		RunE:  listCheckpoints,
	}
	listCmd.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")

	inspectCmd := &cobra.Command{
		Use:   "inspect <episode-id>",
		Short: "Show segment-level checkpoint state for one episode",
		Args:  cobra.ExactArgs(1),
		RunE:  inspectCheckpoint,
	}
	inspectCmd.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")

	clearCmd := &cobra.Command{
		Use:   "clear [episode-id]",
		Short: "Irreversibly delete checkpoints for one episode, or all with --all",
		RunE:  clearCheckpoints,
	}
	clearCmd.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	clearCmd.Flags().BoolVar(&clearAll, "all", false, "Clear every checkpoint")

	checkpointCmd.AddCommand(listCmd, inspectCmd, clearCmd)
	rootCmd.AddCommand(runCmd, resumeCmd, checkpointCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func openManager(cfg *config.Config, logger *slog.Logger) (*checkpoint.Manager, error) {
	var (
		store checkpoint.Store
		err   error
	)
	switch cfg.Checkpoint.Backend {
	case "files":
		store, err = checkpoint.NewFileStore(cfg.Checkpoint.Dir, logger)
	default:
		if mkErr := os.MkdirAll(cfg.Checkpoint.Dir, 0755); mkErr != nil {
			return nil, fmt.Errorf("create checkpoint directory: %w", mkErr)
		}
		store, err = checkpoint.OpenSQLite(filepath.Join(cfg.Checkpoint.Dir, "checkpoints.db"))
	}
	if err != nil {
		return nil, err
	}
	return checkpoint.NewManager(store, logger), nil
}

func runPipeline(cmd *cobra.Command, args []string) error {
	return executePipeline(false)
}

func resumePipeline(cmd *cobra.Command, args []string) error {
	return executePipeline(true)
}

// executePipeline runs the extraction pipeline. With resumeOnly set, the
// worklist is restricted to episodes a previous run left incomplete.
func executePipeline(resumeOnly bool) error {
	if envFile != "" {
		if err := loadEnvFile(envFile); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load env file: %v\n", err)
		}
	}

	cfg, secrets, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Pipeline.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("Serving metrics", "addr", cfg.Pipeline.MetricsAddr)
			if err := http.ListenAndServe(cfg.Pipeline.MetricsAddr, mux); err != nil {
				logger.Warn("Metrics listener stopped", "error", err)
			}
		}()
	}

	manager, err := openManager(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := manager.Close(); err != nil {
			logger.Error("Failed to close checkpoint store", "error", err)
		}
	}()

	var graphSink extract.GraphSink
	if cfg.Graph.Enabled {
		writer, err := graph.NewWriter(ctx, cfg.Graph, secrets.Neo4jPassword, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := writer.Close(context.Background()); err != nil {
				logger.Error("Failed to close graph writer", "error", err)
			}
		}()
		graphSink = writer
	}

	collector := metrics.NewCollector(logger)
	client := api.NewClient(collector, logger)

	episodes, err := extract.DiscoverEpisodes(
		cfg.Pipeline.TranscriptDir,
		time.Duration(cfg.Pipeline.WindowSeconds)*time.Second,
		logger)
	if err != nil {
		return err
	}
	if len(episodes) == 0 {
		return fmt.Errorf("no transcripts found in %s", cfg.Pipeline.TranscriptDir)
	}

	if resumeOnly {
		episodes, err = extract.ResumableEpisodes(ctx, manager, episodes)
		if err != nil {
			return err
		}
		if len(episodes) == 0 {
			fmt.Println("Nothing to resume: no incomplete episodes.")
			return nil
		}
	}

	pipeline, err := extract.New(cfg, secrets, client, manager, graphSink, collector, logger)
	if err != nil {
		return err
	}

	summary, err := pipeline.Run(ctx, episodes, failedOnly)
	printSummary(summary)
	if err != nil {
		return err
	}
	if summary.SegmentsFailed > 0 {
		fmt.Fprintln(os.Stderr, "Some segments failed; re-run with --failed-only to retry them.")
	}
	return nil
}

func printSummary(s extract.Summary) {
	fmt.Printf("\nRun %s\n", s.RunID)
	fmt.Printf("  episodes:           %d (%d complete)\n", s.Episodes, s.EpisodesCompleted)
	fmt.Printf("  segments submitted: %d\n", s.SegmentsSubmitted)
	fmt.Printf("  segments succeeded: %d\n", s.SegmentsSucceeded)
	fmt.Printf("  segments failed:    %d\n", s.SegmentsFailed)
	fmt.Printf("  segments skipped:   %d (already complete)\n", s.SegmentsSkipped)
	fmt.Printf("  elapsed:            %s\n", s.Elapsed.Round(time.Millisecond))
	fmt.Printf("  avg rate:           %.2f items/s\n", s.Engine.AverageRate)
	fmt.Printf("  final batch size:   %d\n", s.Engine.OptimalBatchSize)
}

func listCheckpoints(cmd *cobra.Command, args []string) error {
	cfg, _, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger()

	manager, err := openManager(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = manager.Close() }()

	incomplete, err := manager.IncompleteEpisodes(context.Background())
	if err != nil {
		return err
	}
	if len(incomplete) == 0 {
		fmt.Println("No incomplete episodes.")
		return nil
	}

	for _, ep := range incomplete {
		fmt.Printf("%-40s %-12s %d/%d completed, %d failed (%.1f%%)\n",
			ep.EpisodeID, ep.State,
			ep.SegmentsCompleted, ep.SegmentsTotal, ep.SegmentsFailed,
			ep.Progress()*100)
	}
	return nil
}

func inspectCheckpoint(cmd *cobra.Command, args []string) error {
	cfg, _, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger()

	manager, err := openManager(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = manager.Close() }()

	ctx := context.Background()
	episodeID := args[0]

	ep, err := manager.LoadEpisode(ctx, episodeID)
	if err != nil {
		return err
	}
	if ep == nil {
		fmt.Printf("Episode %s: not started\n", episodeID)
		return nil
	}

	fmt.Printf("Episode %s: %s, %d/%d completed, %d failed\n",
		ep.EpisodeID, ep.State, ep.SegmentsCompleted, ep.SegmentsTotal, ep.SegmentsFailed)

	failed, err := manager.FailedSegments(ctx, episodeID)
	if err != nil {
		return err
	}
	for _, seg := range failed {
		fmt.Printf("  failed: %-30s %s\n", seg.SegmentID, seg.Error)
	}
	return nil
}

func clearCheckpoints(cmd *cobra.Command, args []string) error {
	if !clearAll && len(args) == 0 {
		return fmt.Errorf("specify an episode id or --all")
	}

	cfg, _, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger()

	manager, err := openManager(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = manager.Close() }()

	ctx := context.Background()
	if clearAll {
		return manager.ClearAll(ctx)
	}
	return manager.Clear(ctx, args[0])
}

// loadEnvFile reads KEY=VALUE lines into the process environment, skipping
// comments and blank lines. Existing variables win.
func loadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
	return scanner.Err()
}
