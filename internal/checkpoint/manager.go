package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rdelgatto/graphscribe/pkg/models"
)

// Manager wraps a Store with the segment/episode state machine. It decides
// nothing about retry policy itself: callers rebuild the next run's worklist
// from IncompleteEpisodes and PendingSegments, where anything not completed
// (including stale in_progress records left by a killed process) counts as
// still to do.
type Manager struct {
	store  Store
	logger *slog.Logger
}

// NewManager creates a checkpoint manager over the given store.
func NewManager(store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, logger: logger}
}

// SaveSegment persists a segment checkpoint, overwriting any previous record
// for the same (segment_id, episode_id) pair. Safe to repeat with the same
// terminal state.
func (m *Manager) SaveSegment(ctx context.Context, cp models.SegmentCheckpoint) error {
	if cp.SegmentID == "" || cp.EpisodeID == "" {
		return fmt.Errorf("segment checkpoint requires segment and episode ids")
	}
	if err := m.store.PutSegment(ctx, cp); err != nil {
		return fmt.Errorf("save segment checkpoint %s/%s: %w", cp.EpisodeID, cp.SegmentID, err)
	}
	return nil
}

// SaveEpisode persists an episode checkpoint keyed by episode_id.
func (m *Manager) SaveEpisode(ctx context.Context, cp models.EpisodeCheckpoint) error {
	if cp.EpisodeID == "" {
		return fmt.Errorf("episode checkpoint requires an episode id")
	}
	if err := m.store.PutEpisode(ctx, cp); err != nil {
		return fmt.Errorf("save episode checkpoint %s: %w", cp.EpisodeID, err)
	}
	return nil
}

// LoadSegment returns the last recorded checkpoint for a segment, or nil if
// none was ever recorded. Callers treat nil as not started.
func (m *Manager) LoadSegment(ctx context.Context, segmentID, episodeID string) (*models.SegmentCheckpoint, error) {
	return m.store.GetSegment(ctx, segmentID, episodeID)
}

// LoadEpisode returns the last recorded checkpoint for an episode, or nil.
func (m *Manager) LoadEpisode(ctx context.Context, episodeID string) (*models.EpisodeCheckpoint, error) {
	return m.store.GetEpisode(ctx, episodeID)
}

// MarkSegmentStarted records the in_progress transition for a new attempt.
func (m *Manager) MarkSegmentStarted(ctx context.Context, segmentID, episodeID string) error {
	return m.SaveSegment(ctx, models.SegmentCheckpoint{
		SegmentID: segmentID,
		EpisodeID: episodeID,
		State:     models.StateInProgress,
		StartTime: time.Now().UTC(),
	})
}

// MarkSegmentCompleted records a successful outcome along with its result
// payload so resumed runs need not recompute it.
func (m *Manager) MarkSegmentCompleted(ctx context.Context, segmentID, episodeID string, data json.RawMessage) error {
	prev, err := m.store.GetSegment(ctx, segmentID, episodeID)
	if err != nil {
		return err
	}
	cp := models.SegmentCheckpoint{
		SegmentID: segmentID,
		EpisodeID: episodeID,
		State:     models.StateCompleted,
		EndTime:   time.Now().UTC(),
		Data:      data,
	}
	if prev != nil {
		cp.StartTime = prev.StartTime
	}
	return m.SaveSegment(ctx, cp)
}

// MarkSegmentFailed records a failed outcome with the captured error text.
func (m *Manager) MarkSegmentFailed(ctx context.Context, segmentID, episodeID, errMsg string) error {
	prev, err := m.store.GetSegment(ctx, segmentID, episodeID)
	if err != nil {
		return err
	}
	cp := models.SegmentCheckpoint{
		SegmentID: segmentID,
		EpisodeID: episodeID,
		State:     models.StateFailed,
		EndTime:   time.Now().UTC(),
		Error:     errMsg,
	}
	if prev != nil {
		cp.StartTime = prev.StartTime
	}
	return m.SaveSegment(ctx, cp)
}

// RefreshEpisode recomputes an episode checkpoint from its segment records
// and persists it. segmentsTotal is the authoritative segment count for the
// episode, which may exceed the number of recorded segments.
func (m *Manager) RefreshEpisode(ctx context.Context, episodeID string, segmentsTotal int) (models.EpisodeCheckpoint, error) {
	segments, err := m.store.EpisodeSegments(ctx, episodeID)
	if err != nil {
		return models.EpisodeCheckpoint{}, fmt.Errorf("list segments for %s: %w", episodeID, err)
	}

	cp := models.EpisodeCheckpoint{
		EpisodeID:     episodeID,
		SegmentsTotal: segmentsTotal,
	}
	for _, seg := range segments {
		switch seg.State {
		case models.StateCompleted:
			cp.SegmentsCompleted++
		case models.StateFailed:
			cp.SegmentsFailed++
		}
	}

	switch {
	case cp.IsComplete():
		cp.State = models.StateCompleted
	case cp.SegmentsFailed == segmentsTotal && segmentsTotal > 0:
		cp.State = models.StateFailed
	case cp.SegmentsFailed > 0 && cp.SegmentsCompleted+cp.SegmentsFailed == segmentsTotal:
		cp.State = models.StatePartial
	default:
		cp.State = models.StateInProgress
	}

	if err := m.SaveEpisode(ctx, cp); err != nil {
		return models.EpisodeCheckpoint{}, err
	}
	return cp, nil
}

// IncompleteEpisodes returns every episode whose persisted state is not
// completed: in_progress, failed and partial all count. Corrupt records are
// the store's problem to skip; enumeration never aborts on them.
func (m *Manager) IncompleteEpisodes(ctx context.Context) ([]models.EpisodeCheckpoint, error) {
	episodes, err := m.store.Episodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list episodes: %w", err)
	}

	incomplete := make([]models.EpisodeCheckpoint, 0, len(episodes))
	for _, ep := range episodes {
		if ep.State != models.StateCompleted {
			incomplete = append(incomplete, ep)
		}
	}
	return incomplete, nil
}

// FailedSegments returns the segments of an episode whose last recorded state
// is failed, for building a targeted-retry worklist.
func (m *Manager) FailedSegments(ctx context.Context, episodeID string) ([]models.SegmentCheckpoint, error) {
	segments, err := m.store.EpisodeSegments(ctx, episodeID)
	if err != nil {
		return nil, fmt.Errorf("list segments for %s: %w", episodeID, err)
	}

	var failed []models.SegmentCheckpoint
	for _, seg := range segments {
		if seg.State == models.StateFailed {
			failed = append(failed, seg)
		}
	}
	return failed, nil
}

// PendingSegmentIDs filters the authoritative segment id list of an episode
// down to those not yet completed. A missing record and a stale in_progress
// record are both treated as retryable.
func (m *Manager) PendingSegmentIDs(ctx context.Context, episodeID string, segmentIDs []string) ([]string, error) {
	recorded, err := m.store.EpisodeSegments(ctx, episodeID)
	if err != nil {
		return nil, fmt.Errorf("list segments for %s: %w", episodeID, err)
	}

	completed := make(map[string]bool, len(recorded))
	for _, seg := range recorded {
		if seg.State == models.StateCompleted {
			completed[seg.SegmentID] = true
		}
	}

	var pending []string
	for _, id := range segmentIDs {
		if !completed[id] {
			pending = append(pending, id)
		}
	}
	return pending, nil
}

// Clear irreversibly deletes all checkpoint records for one episode. Used
// only by an explicit reset operation, never by the engine itself.
func (m *Manager) Clear(ctx context.Context, episodeID string) error {
	if err := m.store.DeleteEpisode(ctx, episodeID); err != nil {
		return fmt.Errorf("clear checkpoints for %s: %w", episodeID, err)
	}
	m.logger.Info("Cleared episode checkpoints", "episode_id", episodeID)
	return nil
}

// ClearAll irreversibly deletes every checkpoint record.
func (m *Manager) ClearAll(ctx context.Context) error {
	if err := m.store.DeleteAll(ctx); err != nil {
		return fmt.Errorf("clear all checkpoints: %w", err)
	}
	m.logger.Info("Cleared all checkpoints")
	return nil
}

// Close releases the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}
