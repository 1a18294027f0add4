package checkpoint

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/rdelgatto/graphscribe/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// runStoreTests executes the same manager behavior suite against any Store
// backend.
func runStoreTests(t *testing.T, open func(t *testing.T) Store) {
	t.Run("SegmentRoundTrip", func(t *testing.T) {
		mgr := NewManager(open(t), testLogger())
		defer mgr.Close()
		ctx := context.Background()

		// Never recorded reads as nil.
		cp, err := mgr.LoadSegment(ctx, "seg-1", "ep-1")
		if err != nil {
			t.Fatalf("LoadSegment failed: %v", err)
		}
		if cp != nil {
			t.Fatal("expected nil for an unrecorded segment")
		}

		if err := mgr.MarkSegmentStarted(ctx, "seg-1", "ep-1"); err != nil {
			t.Fatalf("MarkSegmentStarted failed: %v", err)
		}
		cp, err = mgr.LoadSegment(ctx, "seg-1", "ep-1")
		if err != nil {
			t.Fatalf("LoadSegment failed: %v", err)
		}
		if cp == nil || cp.State != models.StateInProgress {
			t.Fatalf("expected in_progress, got %+v", cp)
		}
		if cp.StartTime.IsZero() {
			t.Error("start time should be set on the started transition")
		}

		data := json.RawMessage(`{"entities":[]}`)
		if err := mgr.MarkSegmentCompleted(ctx, "seg-1", "ep-1", data); err != nil {
			t.Fatalf("MarkSegmentCompleted failed: %v", err)
		}
		cp, err = mgr.LoadSegment(ctx, "seg-1", "ep-1")
		if err != nil {
			t.Fatalf("LoadSegment failed: %v", err)
		}
		if cp.State != models.StateCompleted {
			t.Errorf("expected completed, got %s", cp.State)
		}
		if cp.StartTime.IsZero() {
			t.Error("completion should preserve the start time of the attempt")
		}
		if cp.EndTime.IsZero() {
			t.Error("completion should record an end time")
		}
		if string(cp.Data) != string(data) {
			t.Errorf("expected stored data %s, got %s", data, cp.Data)
		}
	})

	t.Run("SaveIsIdempotent", func(t *testing.T) {
		mgr := NewManager(open(t), testLogger())
		defer mgr.Close()
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			if err := mgr.MarkSegmentFailed(ctx, "seg-1", "ep-1", "timeout"); err != nil {
				t.Fatalf("MarkSegmentFailed attempt %d failed: %v", i, err)
			}
		}
		cp, err := mgr.LoadSegment(ctx, "seg-1", "ep-1")
		if err != nil {
			t.Fatalf("LoadSegment failed: %v", err)
		}
		if cp.State != models.StateFailed || cp.Error != "timeout" {
			t.Errorf("expected failed/timeout, got %+v", cp)
		}

		segs, err := mgr.FailedSegments(ctx, "ep-1")
		if err != nil {
			t.Fatalf("FailedSegments failed: %v", err)
		}
		if len(segs) != 1 {
			t.Errorf("repeated saves must not duplicate records, got %d", len(segs))
		}
	})

	t.Run("SaveRejectsEmptyIDs", func(t *testing.T) {
		mgr := NewManager(open(t), testLogger())
		defer mgr.Close()
		ctx := context.Background()

		if err := mgr.SaveSegment(ctx, models.SegmentCheckpoint{SegmentID: "s"}); err == nil {
			t.Error("expected error for missing episode id")
		}
		if err := mgr.SaveEpisode(ctx, models.EpisodeCheckpoint{}); err == nil {
			t.Error("expected error for missing episode id")
		}
	})

	t.Run("RefreshEpisodeStates", func(t *testing.T) {
		mgr := NewManager(open(t), testLogger())
		defer mgr.Close()
		ctx := context.Background()

		// One completed, one failed, one stale in_progress out of four.
		mustMark := func(err error) {
			t.Helper()
			if err != nil {
				t.Fatalf("mark failed: %v", err)
			}
		}
		mustMark(mgr.MarkSegmentCompleted(ctx, "s1", "ep", nil))
		mustMark(mgr.MarkSegmentFailed(ctx, "s2", "ep", "boom"))
		mustMark(mgr.MarkSegmentStarted(ctx, "s3", "ep"))

		cp, err := mgr.RefreshEpisode(ctx, "ep", 4)
		if err != nil {
			t.Fatalf("RefreshEpisode failed: %v", err)
		}
		if cp.State != models.StateInProgress {
			t.Errorf("expected in_progress with work remaining, got %s", cp.State)
		}
		if cp.SegmentsCompleted != 1 || cp.SegmentsFailed != 1 || cp.SegmentsTotal != 4 {
			t.Errorf("unexpected counts: %+v", cp)
		}

		// All four done, one failed: partial.
		mustMark(mgr.MarkSegmentCompleted(ctx, "s3", "ep", nil))
		mustMark(mgr.MarkSegmentCompleted(ctx, "s4", "ep", nil))
		cp, err = mgr.RefreshEpisode(ctx, "ep", 4)
		if err != nil {
			t.Fatalf("RefreshEpisode failed: %v", err)
		}
		if cp.State != models.StatePartial {
			t.Errorf("expected partial with a failed segment, got %s", cp.State)
		}

		// Retry the failure: completed.
		mustMark(mgr.MarkSegmentCompleted(ctx, "s2", "ep", nil))
		cp, err = mgr.RefreshEpisode(ctx, "ep", 4)
		if err != nil {
			t.Fatalf("RefreshEpisode failed: %v", err)
		}
		if cp.State != models.StateCompleted {
			t.Errorf("expected completed after retry, got %s", cp.State)
		}
	})

	t.Run("RefreshEpisodeAllFailed", func(t *testing.T) {
		mgr := NewManager(open(t), testLogger())
		defer mgr.Close()
		ctx := context.Background()

		if err := mgr.MarkSegmentFailed(ctx, "s1", "ep", "x"); err != nil {
			t.Fatalf("MarkSegmentFailed failed: %v", err)
		}
		if err := mgr.MarkSegmentFailed(ctx, "s2", "ep", "y"); err != nil {
			t.Fatalf("MarkSegmentFailed failed: %v", err)
		}
		cp, err := mgr.RefreshEpisode(ctx, "ep", 2)
		if err != nil {
			t.Fatalf("RefreshEpisode failed: %v", err)
		}
		if cp.State != models.StateFailed {
			t.Errorf("expected failed when every segment failed, got %s", cp.State)
		}
	})

	t.Run("IncompleteEpisodes", func(t *testing.T) {
		mgr := NewManager(open(t), testLogger())
		defer mgr.Close()
		ctx := context.Background()

		save := func(id string, state models.CheckpointState) {
			t.Helper()
			if err := mgr.SaveEpisode(ctx, models.EpisodeCheckpoint{EpisodeID: id, State: state}); err != nil {
				t.Fatalf("SaveEpisode failed: %v", err)
			}
		}
		save("done", models.StateCompleted)
		save("running", models.StateInProgress)
		save("broken", models.StateFailed)
		save("mixed", models.StatePartial)

		incomplete, err := mgr.IncompleteEpisodes(ctx)
		if err != nil {
			t.Fatalf("IncompleteEpisodes failed: %v", err)
		}
		if len(incomplete) != 3 {
			t.Fatalf("expected 3 incomplete episodes, got %d", len(incomplete))
		}
		for _, ep := range incomplete {
			if ep.EpisodeID == "done" {
				t.Error("completed episode must not appear in the resume worklist")
			}
		}
	})

	t.Run("PendingSegmentIDs", func(t *testing.T) {
		mgr := NewManager(open(t), testLogger())
		defer mgr.Close()
		ctx := context.Background()

		if err := mgr.MarkSegmentCompleted(ctx, "s1", "ep", nil); err != nil {
			t.Fatalf("MarkSegmentCompleted failed: %v", err)
		}
		if err := mgr.MarkSegmentFailed(ctx, "s2", "ep", "boom"); err != nil {
			t.Fatalf("MarkSegmentFailed failed: %v", err)
		}
		// s3 crashed mid-run, s4 was never attempted.
		if err := mgr.MarkSegmentStarted(ctx, "s3", "ep"); err != nil {
			t.Fatalf("MarkSegmentStarted failed: %v", err)
		}

		pending, err := mgr.PendingSegmentIDs(ctx, "ep", []string{"s1", "s2", "s3", "s4"})
		if err != nil {
			t.Fatalf("PendingSegmentIDs failed: %v", err)
		}
		want := map[string]bool{"s2": true, "s3": true, "s4": true}
		if len(pending) != len(want) {
			t.Fatalf("expected %d pending segments, got %v", len(want), pending)
		}
		for _, id := range pending {
			if !want[id] {
				t.Errorf("unexpected pending segment %s", id)
			}
		}
	})

	t.Run("Clear", func(t *testing.T) {
		mgr := NewManager(open(t), testLogger())
		defer mgr.Close()
		ctx := context.Background()

		if err := mgr.MarkSegmentCompleted(ctx, "s1", "ep-a", nil); err != nil {
			t.Fatalf("MarkSegmentCompleted failed: %v", err)
		}
		if err := mgr.MarkSegmentCompleted(ctx, "s1", "ep-b", nil); err != nil {
			t.Fatalf("MarkSegmentCompleted failed: %v", err)
		}
		if _, err := mgr.RefreshEpisode(ctx, "ep-a", 1); err != nil {
			t.Fatalf("RefreshEpisode failed: %v", err)
		}
		if _, err := mgr.RefreshEpisode(ctx, "ep-b", 1); err != nil {
			t.Fatalf("RefreshEpisode failed: %v", err)
		}

		if err := mgr.Clear(ctx, "ep-a"); err != nil {
			t.Fatalf("Clear failed: %v", err)
		}
		cp, err := mgr.LoadSegment(ctx, "s1", "ep-a")
		if err != nil {
			t.Fatalf("LoadSegment failed: %v", err)
		}
		if cp != nil {
			t.Error("cleared episode segments should read as nil")
		}
		ep, err := mgr.LoadEpisode(ctx, "ep-b")
		if err != nil {
			t.Fatalf("LoadEpisode failed: %v", err)
		}
		if ep == nil {
			t.Error("clearing one episode must not touch another")
		}

		if err := mgr.ClearAll(ctx); err != nil {
			t.Fatalf("ClearAll failed: %v", err)
		}
		ep, err = mgr.LoadEpisode(ctx, "ep-b")
		if err != nil {
			t.Fatalf("LoadEpisode failed: %v", err)
		}
		if ep != nil {
			t.Error("ClearAll should remove every episode record")
		}
	})
}

func TestManagerWithFileStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		store, err := NewFileStore(t.TempDir(), testLogger())
		if err != nil {
			t.Fatalf("NewFileStore failed: %v", err)
		}
		return store
	})
}

func TestManagerWithSQLiteStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		store, err := OpenSQLite(filepath.Join(t.TempDir(), "checkpoints.db"))
		if err != nil {
			t.Fatalf("OpenSQLite failed: %v", err)
		}
		return store
	})
}
