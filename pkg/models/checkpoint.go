package models

import (
	"encoding/json"
	"time"
)

// CheckpointState represents the processing state of a segment or episode
type CheckpointState string

const (
	StateNotStarted CheckpointState = "not_started"
	StateInProgress CheckpointState = "in_progress"
	StateCompleted  CheckpointState = "completed"
	StateFailed     CheckpointState = "failed"
	// StatePartial marks an episode whose segments are a mix of completed
	// and failed. Segments themselves never reach this state.
	StatePartial CheckpointState = "partial"
)

// IsTerminal reports whether the state will not change without a new attempt.
// An in_progress record read back after a restart is retryable, never
// evidence of an active worker.
func (s CheckpointState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// SegmentCheckpoint records the processing state of one segment within an
// episode. One record exists per (segment_id, episode_id) pair and is
// overwritten on each state transition.
type SegmentCheckpoint struct {
	SegmentID string          `json:"segment_id"`
	EpisodeID string          `json:"episode_id"`
	State     CheckpointState `json:"state"`
	StartTime time.Time       `json:"start_time"`
	EndTime   time.Time       `json:"end_time,omitempty"`
	Error     string          `json:"error,omitempty"`
	// Data carries the serialized extraction result so downstream consumers
	// need not recompute it on resume.
	Data json.RawMessage `json:"data,omitempty"`
}

// EpisodeCheckpoint aggregates segment outcomes for one episode.
type EpisodeCheckpoint struct {
	EpisodeID         string          `json:"episode_id"`
	State             CheckpointState `json:"state"`
	SegmentsTotal     int             `json:"segments_total"`
	SegmentsCompleted int             `json:"segments_completed"`
	SegmentsFailed    int             `json:"segments_failed"`
}

// IsComplete reports whether every segment completed successfully.
func (e *EpisodeCheckpoint) IsComplete() bool {
	return e.SegmentsCompleted == e.SegmentsTotal && e.SegmentsFailed == 0
}

// Progress returns the completed fraction, 0 when no segments are known.
func (e *EpisodeCheckpoint) Progress() float64 {
	if e.SegmentsTotal == 0 {
		return 0
	}
	return float64(e.SegmentsCompleted) / float64(e.SegmentsTotal)
}
