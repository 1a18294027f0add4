package checkpoint

import (
	"context"

	"github.com/rdelgatto/graphscribe/pkg/models"
)

// Store is the durable backing medium for checkpoint records. Records are
// addressed by (segment_id, episode_id) and episode_id keys; writes are
// idempotent overwrites with last-write-wins semantics. Absence of a record
// is reported as (nil, nil), never as an error.
type Store interface {
	PutSegment(ctx context.Context, cp models.SegmentCheckpoint) error
	GetSegment(ctx context.Context, segmentID, episodeID string) (*models.SegmentCheckpoint, error)
	EpisodeSegments(ctx context.Context, episodeID string) ([]models.SegmentCheckpoint, error)

	PutEpisode(ctx context.Context, cp models.EpisodeCheckpoint) error
	GetEpisode(ctx context.Context, episodeID string) (*models.EpisodeCheckpoint, error)
	Episodes(ctx context.Context) ([]models.EpisodeCheckpoint, error)

	DeleteEpisode(ctx context.Context, episodeID string) error
	DeleteAll(ctx context.Context) error

	Close() error
}
