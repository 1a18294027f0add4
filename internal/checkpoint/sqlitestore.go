package checkpoint

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rdelgatto/graphscribe/pkg/models"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped when the checkpoint schema changes. A mismatched
// database must be cleared before use.
const schemaVersion = 1

// ErrSchemaMismatch indicates the database schema version doesn't match the
// expected version.
var ErrSchemaMismatch = errors.New("checkpoint schema version mismatch")

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// SQLiteStore persists checkpoints in a single SQLite database, suitable for
// runs over many episodes where per-file checkpoints get unwieldy.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite initializes or connects to the checkpoint database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &SQLiteStore{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableExists == 0 {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin schema tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return tx.Commit()
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (clear checkpoints or delete %s)",
			ErrSchemaMismatch, version, schemaVersion, s.path)
	}
	return nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func (s *SQLiteStore) execWithRetry(ctx context.Context, query string, args ...any) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseNullableTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *SQLiteStore) PutSegment(ctx context.Context, cp models.SegmentCheckpoint) error {
	return s.execWithRetry(ctx, `
		INSERT INTO segment_checkpoints (segment_id, episode_id, state, start_time, end_time, error, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (segment_id, episode_id) DO UPDATE SET
			state = excluded.state,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			error = excluded.error,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		cp.SegmentID, cp.EpisodeID, string(cp.State),
		nullableTime(cp.StartTime), nullableTime(cp.EndTime),
		cp.Error, []byte(cp.Data), time.Now().UTC().Format(time.RFC3339Nano))
}

func (s *SQLiteStore) GetSegment(ctx context.Context, segmentID, episodeID string) (*models.SegmentCheckpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT segment_id, episode_id, state, start_time, end_time, error, data
		FROM segment_checkpoints WHERE segment_id = ? AND episode_id = ?`,
		segmentID, episodeID)

	cp, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query segment checkpoint: %w", err)
	}
	return cp, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSegment(row rowScanner) (*models.SegmentCheckpoint, error) {
	var (
		cp         models.SegmentCheckpoint
		state      string
		start, end sql.NullString
		errMsg     sql.NullString
		data       []byte
	)
	if err := row.Scan(&cp.SegmentID, &cp.EpisodeID, &state, &start, &end, &errMsg, &data); err != nil {
		return nil, err
	}
	cp.State = models.CheckpointState(state)
	cp.StartTime = parseNullableTime(start)
	cp.EndTime = parseNullableTime(end)
	cp.Error = errMsg.String
	if len(data) > 0 {
		cp.Data = data
	}
	return &cp, nil
}

func (s *SQLiteStore) EpisodeSegments(ctx context.Context, episodeID string) ([]models.SegmentCheckpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT segment_id, episode_id, state, start_time, end_time, error, data
		FROM segment_checkpoints WHERE episode_id = ? ORDER BY segment_id`,
		episodeID)
	if err != nil {
		return nil, fmt.Errorf("query segment checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var segments []models.SegmentCheckpoint
	for rows.Next() {
		cp, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan segment checkpoint: %w", err)
		}
		segments = append(segments, *cp)
	}
	return segments, rows.Err()
}

func (s *SQLiteStore) PutEpisode(ctx context.Context, cp models.EpisodeCheckpoint) error {
	return s.execWithRetry(ctx, `
		INSERT INTO episode_checkpoints (episode_id, state, segments_total, segments_completed, segments_failed, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (episode_id) DO UPDATE SET
			state = excluded.state,
			segments_total = excluded.segments_total,
			segments_completed = excluded.segments_completed,
			segments_failed = excluded.segments_failed,
			updated_at = excluded.updated_at`,
		cp.EpisodeID, string(cp.State),
		cp.SegmentsTotal, cp.SegmentsCompleted, cp.SegmentsFailed,
		time.Now().UTC().Format(time.RFC3339Nano))
}

func (s *SQLiteStore) GetEpisode(ctx context.Context, episodeID string) (*models.EpisodeCheckpoint, error) {
	var (
		cp    models.EpisodeCheckpoint
		state string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT episode_id, state, segments_total, segments_completed, segments_failed
		FROM episode_checkpoints WHERE episode_id = ?`,
		episodeID).Scan(&cp.EpisodeID, &state, &cp.SegmentsTotal, &cp.SegmentsCompleted, &cp.SegmentsFailed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query episode checkpoint: %w", err)
	}
	cp.State = models.CheckpointState(state)
	return &cp, nil
}

func (s *SQLiteStore) Episodes(ctx context.Context) ([]models.EpisodeCheckpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT episode_id, state, segments_total, segments_completed, segments_failed
		FROM episode_checkpoints ORDER BY episode_id`)
	if err != nil {
		return nil, fmt.Errorf("query episode checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var episodes []models.EpisodeCheckpoint
	for rows.Next() {
		var (
			cp    models.EpisodeCheckpoint
			state string
		)
		if err := rows.Scan(&cp.EpisodeID, &state, &cp.SegmentsTotal, &cp.SegmentsCompleted, &cp.SegmentsFailed); err != nil {
			return nil, fmt.Errorf("scan episode checkpoint: %w", err)
		}
		cp.State = models.CheckpointState(state)
		episodes = append(episodes, cp)
	}
	return episodes, rows.Err()
}

func (s *SQLiteStore) DeleteEpisode(ctx context.Context, episodeID string) error {
	if err := s.execWithRetry(ctx, "DELETE FROM segment_checkpoints WHERE episode_id = ?", episodeID); err != nil {
		return fmt.Errorf("delete segment checkpoints: %w", err)
	}
	if err := s.execWithRetry(ctx, "DELETE FROM episode_checkpoints WHERE episode_id = ?", episodeID); err != nil {
		return fmt.Errorf("delete episode checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteAll(ctx context.Context) error {
	if err := s.execWithRetry(ctx, "DELETE FROM segment_checkpoints"); err != nil {
		return fmt.Errorf("delete segment checkpoints: %w", err)
	}
	if err := s.execWithRetry(ctx, "DELETE FROM episode_checkpoints"); err != nil {
		return fmt.Errorf("delete episode checkpoints: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
