// Package extract runs per-episode knowledge extraction: it asks the
// checkpoint manager what is left to do, builds prioritized work items, and
// drives them through the batch execution engine.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"

	"github.com/rdelgatto/graphscribe/internal/api"
	"github.com/rdelgatto/graphscribe/internal/checkpoint"
	"github.com/rdelgatto/graphscribe/internal/config"
	"github.com/rdelgatto/graphscribe/internal/engine"
	"github.com/rdelgatto/graphscribe/internal/metrics"
	"github.com/rdelgatto/graphscribe/internal/transcript"
	"github.com/rdelgatto/graphscribe/internal/util"
	"github.com/rdelgatto/graphscribe/pkg/models"
)

// Episode is one transcript split into segments.
type Episode struct {
	ID       string
	Title    string
	Segments []transcript.Segment
}

// Completer is the extraction model client used per segment.
type Completer interface {
	ChatCompletion(ctx context.Context, modelCfg config.ModelConfig, apiKey string, messages []api.Message) (*api.ChatCompletionResponse, error)
}

// GraphSink receives completed extractions. A nil sink disables graph output.
type GraphSink interface {
	WriteExtraction(ctx context.Context, episodeID, segmentID string, ex models.Extraction) error
}

// Summary reports what one pipeline run did.
type Summary struct {
	RunID             string
	Episodes          int
	EpisodesCompleted int
	SegmentsSubmitted int
	SegmentsSucceeded int
	SegmentsFailed    int
	SegmentsSkipped   int
	Elapsed           time.Duration
	Engine            engine.Statistics
}

// Pipeline wires the checkpoint manager, the batch engine and the model
// client into a resumable extraction run.
type Pipeline struct {
	cfg         *config.Config
	secrets     *config.Secrets
	client      Completer
	checkpoints *checkpoint.Manager
	graph       GraphSink
	proc        *engine.BatchProcessor
	logger      *slog.Logger
	runID       string
}

// New creates a pipeline. Engine misconfiguration errors immediately.
func New(
	cfg *config.Config,
	secrets *config.Secrets,
	client Completer,
	checkpoints *checkpoint.Manager,
	graph GraphSink,
	collector *metrics.Collector,
	logger *slog.Logger,
) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}

	monitor := engine.NewResourceMonitor(logger)
	proc, err := engine.New(engine.Config{
		Workers:          cfg.Engine.Workers,
		InitialBatchSize: cfg.Engine.InitialBatchSize,
		MaxBatchSize:     cfg.Engine.MaxBatchSize,
		MemoryLimitMB:    cfg.Engine.MemoryLimitMB,
		HistorySize:      cfg.Engine.HistorySize,
		StopTimeout:      time.Duration(cfg.Engine.StopTimeoutSeconds) * time.Second,
	}, monitor, collector, logger)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		cfg:         cfg,
		secrets:     secrets,
		client:      client,
		checkpoints: checkpoints,
		graph:       graph,
		proc:        proc,
		logger:      logger,
		runID:       uuid.New().String(),
	}, nil
}

// Run processes every episode's residual worklist. With failedOnly set, only
// segments whose last recorded state is failed are resubmitted; otherwise
// everything not completed (including stale in_progress records) runs again.
func (p *Pipeline) Run(ctx context.Context, episodes []Episode, failedOnly bool) (Summary, error) {
	start := time.Now()
	summary := Summary{RunID: p.runID, Episodes: len(episodes)}

	p.logger.Info("Starting extraction run",
		"run_id", p.runID,
		"episodes", len(episodes),
		"failed_only", failedOnly)

	for _, ep := range episodes {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if err := p.runEpisode(ctx, ep, failedOnly, &summary); err != nil {
			return summary, err
		}
	}

	summary.Elapsed = time.Since(start)
	summary.Engine = p.proc.Statistics()

	p.logger.Info("Extraction run finished",
		"run_id", p.runID,
		"episodes_completed", summary.EpisodesCompleted,
		"segments_submitted", summary.SegmentsSubmitted,
		"segments_succeeded", summary.SegmentsSucceeded,
		"segments_failed", summary.SegmentsFailed,
		"segments_skipped", summary.SegmentsSkipped,
		"elapsed", summary.Elapsed)
	return summary, nil
}

func (p *Pipeline) runEpisode(ctx context.Context, ep Episode, failedOnly bool, summary *Summary) error {
	worklist, err := p.residualWorklist(ctx, ep, failedOnly)
	if err != nil {
		return err
	}
	summary.SegmentsSkipped += len(ep.Segments) - len(worklist)

	if len(worklist) == 0 {
		p.logger.Info("Episode already complete", "episode_id", ep.ID)
		if cp, err := p.checkpoints.RefreshEpisode(ctx, ep.ID, len(ep.Segments)); err == nil && cp.IsComplete() {
			summary.EpisodesCompleted++
		}
		return nil
	}

	p.logger.Info("Processing episode",
		"episode_id", ep.ID,
		"segments_total", len(ep.Segments),
		"segments_pending", len(worklist))

	if err := p.checkpoints.SaveEpisode(ctx, models.EpisodeCheckpoint{
		EpisodeID:     ep.ID,
		State:         models.StateInProgress,
		SegmentsTotal: len(ep.Segments),
	}); err != nil {
		p.logger.Warn("Failed to checkpoint episode start", "episode_id", ep.ID, "error", err)
	}

	segmentsByID := make(map[string]transcript.Segment, len(worklist))
	for _, item := range worklist {
		segmentsByID[item.ID] = item.Payload.(transcript.Segment)
	}

	bar := progressbar.Default(int64(len(worklist)), ep.ID)
	results, err := p.proc.ProcessItems(ctx, worklist, engine.Options{
		Process: p.processSegment,
		Progress: func(completed, total int) {
			_ = bar.Set(completed)
		},
		Sink: func(res models.WorkResult) {
			p.persistResult(ctx, segmentsByID[res.ItemID], res, summary)
		},
	})
	if err != nil {
		return fmt.Errorf("process episode %s: %w", ep.ID, err)
	}
	_ = bar.Finish()

	for _, res := range results {
		if !res.Success {
			p.logger.Error("Segment failed",
				"episode_id", ep.ID,
				"segment_id", res.ItemID,
				"error", res.Error)
		}
	}

	cp, err := p.checkpoints.RefreshEpisode(ctx, ep.ID, len(ep.Segments))
	if err != nil {
		return err
	}
	if cp.IsComplete() {
		summary.EpisodesCompleted++
	}
	p.logger.Info("Episode finished",
		"episode_id", ep.ID,
		"state", cp.State,
		"progress", fmt.Sprintf("%.1f%%", cp.Progress()*100))
	return nil
}

// residualWorklist builds the episode's WorkItems from checkpoint state.
// Previously failed segments get a priority bump so targeted retries run
// ahead of fresh work.
func (p *Pipeline) residualWorklist(ctx context.Context, ep Episode, failedOnly bool) ([]models.WorkItem, error) {
	failed, err := p.checkpoints.FailedSegments(ctx, ep.ID)
	if err != nil {
		return nil, err
	}
	failedIDs := make(map[string]bool, len(failed))
	for _, cp := range failed {
		failedIDs[cp.SegmentID] = true
	}

	segmentIDs := make([]string, len(ep.Segments))
	for i, seg := range ep.Segments {
		segmentIDs[i] = seg.ID
	}
	pending, err := p.checkpoints.PendingSegmentIDs(ctx, ep.ID, segmentIDs)
	if err != nil {
		return nil, err
	}
	pendingIDs := make(map[string]bool, len(pending))
	for _, id := range pending {
		pendingIDs[id] = true
	}

	var items []models.WorkItem
	for _, seg := range ep.Segments {
		if failedOnly && !failedIDs[seg.ID] {
			continue
		}
		if !pendingIDs[seg.ID] {
			continue
		}
		priority := 0
		if failedIDs[seg.ID] && p.cfg.Pipeline.RetryPriorityBump != nil {
			priority = *p.cfg.Pipeline.RetryPriorityBump
		}
		items = append(items, models.WorkItem{
			ID:       seg.ID,
			Payload:  seg,
			Priority: priority,
			Metadata: map[string]string{"episode_title": ep.Title},
		})
	}
	return items, nil
}

// processSegment is the engine's per-item callable: render the prompt, call
// the model, parse the structured reply.
func (p *Pipeline) processSegment(ctx context.Context, item models.WorkItem) (any, error) {
	seg := item.Payload.(transcript.Segment)

	if err := p.checkpoints.MarkSegmentStarted(ctx, seg.ID, seg.EpisodeID); err != nil {
		p.logger.Warn("Failed to checkpoint segment start",
			"segment_id", seg.ID, "error", err)
	}

	prompt, err := util.RenderTemplate(p.cfg.PromptTemplates.SegmentExtraction, map[string]any{
		"EpisodeTitle": item.Metadata["episode_title"],
		"SegmentID":    seg.ID,
		"Text":         seg.Text,
	})
	if err != nil {
		return nil, fmt.Errorf("render extraction template: %w", err)
	}

	messages := []api.Message{}
	if p.cfg.PromptTemplates.SystemPrompt != "" {
		messages = append(messages, api.Message{Role: "system", Content: p.cfg.PromptTemplates.SystemPrompt})
	}
	messages = append(messages, api.Message{Role: "user", Content: prompt})

	modelCfg := p.cfg.Models["extraction"]
	resp, err := p.client.ChatCompletion(ctx, modelCfg, p.secrets.APIKey, messages)
	if err != nil {
		return nil, err
	}

	content := resp.Choices[0].Message.Content
	jsonStr := util.SanitizeJSON(util.ExtractJSON(content))

	var extraction models.Extraction
	if err := json.Unmarshal([]byte(jsonStr), &extraction); err != nil {
		return nil, fmt.Errorf("parse extraction reply for %s: %w (reply: %s)",
			seg.ID, err, util.TruncateString(content, 200))
	}
	return extraction, nil
}

// persistResult records the checkpoint transition for one finished segment.
// The graph write happens before the completed checkpoint so a crash between
// the two re-runs the segment rather than losing its output.
func (p *Pipeline) persistResult(ctx context.Context, seg transcript.Segment, res models.WorkResult, summary *Summary) {
	summary.SegmentsSubmitted++

	if !res.Success {
		summary.SegmentsFailed++
		if err := p.checkpoints.MarkSegmentFailed(ctx, seg.ID, seg.EpisodeID, res.Error); err != nil {
			p.logger.Error("Failed to checkpoint segment failure",
				"segment_id", seg.ID, "error", err)
		}
		return
	}

	extraction := res.Output.(models.Extraction)

	if p.graph != nil {
		if err := p.graph.WriteExtraction(ctx, seg.EpisodeID, seg.ID, extraction); err != nil {
			summary.SegmentsFailed++
			p.logger.Error("Graph write failed", "segment_id", seg.ID, "error", err)
			if cpErr := p.checkpoints.MarkSegmentFailed(ctx, seg.ID, seg.EpisodeID, err.Error()); cpErr != nil {
				p.logger.Error("Failed to checkpoint segment failure",
					"segment_id", seg.ID, "error", cpErr)
			}
			return
		}
	}

	data, err := json.Marshal(extraction)
	if err != nil {
		data = nil
	}
	if err := p.checkpoints.MarkSegmentCompleted(ctx, seg.ID, seg.EpisodeID, data); err != nil {
		p.logger.Error("Failed to checkpoint segment completion",
			"segment_id", seg.ID, "error", err)
		return
	}
	summary.SegmentsSucceeded++
}

// Statistics exposes the engine's live counters for monitoring.
func (p *Pipeline) Statistics() engine.Statistics {
	return p.proc.Statistics()
}
