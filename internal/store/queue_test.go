package store

import (
	"context"
	"testing"
)

func TestQueueTrackerDepth(t *testing.T) {
	tracker := NewMemoryQueueTracker()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := tracker.Track(ctx, id); err != nil {
			t.Fatalf("track failed: %v", err)
		}
	}

	depth, err := tracker.Depth(ctx)
	if err != nil {
		t.Fatalf("depth failed: %v", err)
	}
	if depth != 3 {
		t.Errorf("expected depth 3, got %d", depth)
	}
}

func TestQueueTrackerUntrackRemovesAllOccurrences(t *testing.T) {
	tracker := NewMemoryQueueTracker()
	ctx := context.Background()

	// The same id can be tracked twice when a retry races the initial
	// submission; untrack clears every occurrence.
	_ = tracker.Track(ctx, "a")
	_ = tracker.Track(ctx, "b")
	_ = tracker.Track(ctx, "a")

	if err := tracker.Untrack(ctx, "a"); err != nil {
		t.Fatalf("untrack failed: %v", err)
	}
	depth, _ := tracker.Depth(ctx)
	if depth != 1 {
		t.Errorf("expected depth 1 after untracking all a's, got %d", depth)
	}
}

func TestQueueTrackerUntrackMissingIsNoop(t *testing.T) {
	tracker := NewMemoryQueueTracker()
	ctx := context.Background()

	if err := tracker.Untrack(ctx, "nope"); err != nil {
		t.Errorf("untrack of absent id must not error, got %v", err)
	}
	depth, _ := tracker.Depth(ctx)
	if depth != 0 {
		t.Errorf("expected depth 0, got %d", depth)
	}
}
