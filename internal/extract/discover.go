package extract

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rdelgatto/graphscribe/internal/checkpoint"
	"github.com/rdelgatto/graphscribe/internal/transcript"
)

// DiscoverEpisodes scans dir for .vtt transcripts and windows each one into
// segments. The file name (without extension) becomes the episode id, so
// checkpoints line up across runs. Unparseable files are logged and skipped.
func DiscoverEpisodes(dir string, window time.Duration, logger *slog.Logger) ([]Episode, error) {
	if logger == nil {
		logger = slog.Default()
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read transcript directory: %w", err)
	}

	var episodes []Episode
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".vtt") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		f, err := os.Open(path)
		if err != nil {
			logger.Warn("Skipping unreadable transcript", "file", entry.Name(), "error", err)
			continue
		}
		cues, err := transcript.ParseVTT(f)
		_ = f.Close()
		if err != nil {
			logger.Warn("Skipping unparseable transcript", "file", entry.Name(), "error", err)
			continue
		}

		id := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		segments := transcript.Window(id, cues, window)
		if len(segments) == 0 {
			logger.Warn("Transcript produced no segments", "file", entry.Name())
			continue
		}

		episodes = append(episodes, Episode{
			ID:       id,
			Title:    id,
			Segments: segments,
		})
	}

	sort.Slice(episodes, func(i, j int) bool { return episodes[i].ID < episodes[j].ID })
	return episodes, nil
}

// ResumableEpisodes filters episodes down to those a previous run started but
// did not finish: an incomplete checkpoint record exists. Episodes never
// attempted have no record and are excluded; a full run picks those up.
func ResumableEpisodes(ctx context.Context, checkpoints *checkpoint.Manager, episodes []Episode) ([]Episode, error) {
	incomplete, err := checkpoints.IncompleteEpisodes(ctx)
	if err != nil {
		return nil, err
	}

	ids := make(map[string]bool, len(incomplete))
	for _, cp := range incomplete {
		ids[cp.EpisodeID] = true
	}

	var resumable []Episode
	for _, ep := range episodes {
		if ids[ep.ID] {
			resumable = append(resumable, ep)
		}
	}
	return resumable, nil
}
