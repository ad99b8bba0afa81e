package stats

import (
	"strings"
	"sync"
	"testing"
)

func TestTrackerCountsConcurrently(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				tr.IncrementMessage("FighterState", 30)
			}
		}()
	}
	wg.Wait()
	tr.IncrementMessage("GameStart", 12)
	tr.AddResync(3)
	tr.AddResync(1)

	s := tr.Snapshot()
	if s.Messages["FighterState"] != 1000 || s.TotalMessages() != 1001 {
		t.Fatalf("unexpected message counts %+v", s.Messages)
	}
	if s.BytesRead != 30012 {
		t.Fatalf("unexpected bytes %d", s.BytesRead)
	}
	if s.ResyncRuns != 2 || s.ResyncDiscarded != 4 {
		t.Fatalf("unexpected resync counters %d/%d", s.ResyncRuns, s.ResyncDiscarded)
	}
}

func TestSnapshotLinesAreHumanized(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 1500; i++ {
		tr.IncrementFramesCommitted()
	}
	tr.IncrementMessage("GameEnd", 1)
	lines := tr.SnapshotLines()
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	if !strings.Contains(lines[1], "1,500 committed") {
		t.Fatalf("unexpected frames line %q", lines[1])
	}
	if lines[2] != "Messages by tag: GameEnd=1" {
		t.Fatalf("unexpected tag line %q", lines[2])
	}
}

func TestNilTrackerAndReset(t *testing.T) {
	var none *Tracker
	none.IncrementMessage("GameEnd", 1)
	none.IncrementOrphanSample()
	if got := none.Snapshot().TotalMessages(); got != 0 {
		t.Fatalf("nil tracker reported %d messages", got)
	}

	tr := NewTracker()
	tr.IncrementMessage("GameEnd", 1)
	tr.IncrementUnmappedSlot()
	tr.Reset()
	s := tr.Snapshot()
	if s.TotalMessages() != 0 || s.UnmappedSlots != 0 || s.BytesRead != 0 {
		t.Fatalf("reset left counters behind: %+v", s)
	}
	if !strings.Contains(tr.SnapshotLines()[2], "(none)") {
		t.Fatalf("empty tag line should say (none)")
	}
}
