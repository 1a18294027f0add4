package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rdelgatto/graphscribe/pkg/models"
)

const (
	episodesDirName = "episodes"
	segmentsDirName = "segments"
)

// FileStore persists checkpoints as JSON files under a root directory:
// episodes/<episode_id>.json and segments/<episode_id>/<segment_id>.json.
// Writes go to a temp file first and are renamed into place so a crash never
// leaves a half-written record. Unreadable records are logged and skipped
// during enumeration.
type FileStore struct {
	root   string
	logger *slog.Logger
}

// NewFileStore creates the directory layout under root.
func NewFileStore(root string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, dir := range []string{root, filepath.Join(root, episodesDirName), filepath.Join(root, segmentsDirName)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create checkpoint directory: %w", err)
		}
	}
	return &FileStore{root: root, logger: logger}, nil
}

func (s *FileStore) episodePath(episodeID string) string {
	return filepath.Join(s.root, episodesDirName, sanitizeID(episodeID)+".json")
}

func (s *FileStore) segmentPath(segmentID, episodeID string) string {
	return filepath.Join(s.root, segmentsDirName, sanitizeID(episodeID), sanitizeID(segmentID)+".json")
}

// sanitizeID keeps record keys usable as file names.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, id)
}

// writeAtomic marshals v and renames it into place.
func (s *FileStore) writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create record directory: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

func (s *FileStore) PutSegment(ctx context.Context, cp models.SegmentCheckpoint) error {
	return s.writeAtomic(s.segmentPath(cp.SegmentID, cp.EpisodeID), cp)
}

func (s *FileStore) GetSegment(ctx context.Context, segmentID, episodeID string) (*models.SegmentCheckpoint, error) {
	data, err := os.ReadFile(s.segmentPath(segmentID, episodeID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read segment checkpoint: %w", err)
	}

	var cp models.SegmentCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		// A corrupt record reads as never recorded.
		s.logger.Warn("Skipping corrupt segment checkpoint",
			"segment_id", segmentID, "episode_id", episodeID, "error", err)
		return nil, nil
	}
	return &cp, nil
}

func (s *FileStore) EpisodeSegments(ctx context.Context, episodeID string) ([]models.SegmentCheckpoint, error) {
	dir := filepath.Join(s.root, segmentsDirName, sanitizeID(episodeID))
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read segment directory: %w", err)
	}

	var segments []models.SegmentCheckpoint
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			s.logger.Warn("Skipping unreadable segment checkpoint", "file", entry.Name(), "error", err)
			continue
		}
		var cp models.SegmentCheckpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			s.logger.Warn("Skipping corrupt segment checkpoint", "file", entry.Name(), "error", err)
			continue
		}
		segments = append(segments, cp)
	}
	return segments, nil
}

func (s *FileStore) PutEpisode(ctx context.Context, cp models.EpisodeCheckpoint) error {
	return s.writeAtomic(s.episodePath(cp.EpisodeID), cp)
}

func (s *FileStore) GetEpisode(ctx context.Context, episodeID string) (*models.EpisodeCheckpoint, error) {
	data, err := os.ReadFile(s.episodePath(episodeID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read episode checkpoint: %w", err)
	}

	var cp models.EpisodeCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		s.logger.Warn("Skipping corrupt episode checkpoint", "episode_id", episodeID, "error", err)
		return nil, nil
	}
	return &cp, nil
}

func (s *FileStore) Episodes(ctx context.Context) ([]models.EpisodeCheckpoint, error) {
	dir := filepath.Join(s.root, episodesDirName)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read episode directory: %w", err)
	}

	var episodes []models.EpisodeCheckpoint
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			s.logger.Warn("Skipping unreadable episode checkpoint", "file", entry.Name(), "error", err)
			continue
		}
		var cp models.EpisodeCheckpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			s.logger.Warn("Skipping corrupt episode checkpoint", "file", entry.Name(), "error", err)
			continue
		}
		episodes = append(episodes, cp)
	}
	return episodes, nil
}

func (s *FileStore) DeleteEpisode(ctx context.Context, episodeID string) error {
	if err := os.Remove(s.episodePath(episodeID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete episode checkpoint: %w", err)
	}
	segDir := filepath.Join(s.root, segmentsDirName, sanitizeID(episodeID))
	if err := os.RemoveAll(segDir); err != nil {
		return fmt.Errorf("delete segment checkpoints: %w", err)
	}
	return nil
}

func (s *FileStore) DeleteAll(ctx context.Context) error {
	for _, dir := range []string{episodesDirName, segmentsDirName} {
		full := filepath.Join(s.root, dir)
		if err := os.RemoveAll(full); err != nil {
			return fmt.Errorf("delete checkpoint directory: %w", err)
		}
		if err := os.MkdirAll(full, 0755); err != nil {
			return fmt.Errorf("recreate checkpoint directory: %w", err)
		}
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
