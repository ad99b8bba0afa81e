// Package stats tracks per-connection protocol counters (messages by tag,
// dropped samples, committed frames, resync discards) for the periodic
// console summary and the metrics endpoint.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Tracker is safe for concurrent use. The worker increments message counters
// while the owner goroutine increments synchronizer counters. A nil *Tracker
// ignores all updates.
type Tracker struct {
	// counters live in sync.Map + atomic.Uint64 so per-message increments don't fight over a mutex
	messageCounts   sync.Map // tag name -> *atomic.Uint64
	start           atomic.Int64
	bytesRead       atomic.Uint64
	unmappedSlots   atomic.Uint64
	orphanSamples   atomic.Uint64
	framesCommitted atomic.Uint64
	resyncDiscarded atomic.Uint64
	resyncRuns      atomic.Uint64
	sessionsStarted atomic.Uint64
	trainingResets  atomic.Uint64
	connectFailures atomic.Uint64
	unexpectedDrops atomic.Uint64
}

// NewTracker creates a new stats tracker
func NewTracker() *Tracker {
	t := &Tracker{}
	t.start.Store(time.Now().UnixNano())
	return t
}

// IncrementMessage counts one message of the given tag and its wire size (tag byte included).
func (t *Tracker) IncrementMessage(tag string, size int) {
	if t == nil {
		return
	}
	incrementCounter(&t.messageCounts, tag)
	t.bytesRead.Add(uint64(size))
}

// IncrementUnmappedSlot counts a FighterState dropped because its slot was not announced.
func (t *Tracker) IncrementUnmappedSlot() {
	if t != nil {
		t.unmappedSlots.Add(1)
	}
}

// IncrementOrphanSample counts a sample dropped because no session was active
// or its index was out of range.
func (t *Tracker) IncrementOrphanSample() {
	if t != nil {
		t.orphanSamples.Add(1)
	}
}

// IncrementFramesCommitted counts one committed frame.
func (t *Tracker) IncrementFramesCommitted() {
	if t != nil {
		t.framesCommitted.Add(1)
	}
}

// AddResync records one resync run and how many samples it discarded.
func (t *Tracker) AddResync(discarded int) {
	if t == nil {
		return
	}
	t.resyncRuns.Add(1)
	t.resyncDiscarded.Add(uint64(discarded))
}

// IncrementSessions counts a started or resumed session.
func (t *Tracker) IncrementSessions() {
	if t != nil {
		t.sessionsStarted.Add(1)
	}
}

// IncrementTrainingResets counts an inferred training reset.
func (t *Tracker) IncrementTrainingResets() {
	if t != nil {
		t.trainingResets.Add(1)
	}
}

// IncrementConnectFailures counts failed dials and handshakes.
func (t *Tracker) IncrementConnectFailures() {
	if t != nil {
		t.connectFailures.Add(1)
	}
}

// IncrementUnexpectedDisconnects counts connections lost mid-stream.
func (t *Tracker) IncrementUnexpectedDisconnects() {
	if t != nil {
		t.unexpectedDrops.Add(1)
	}
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Messages              map[string]uint64
	BytesRead             uint64
	UnmappedSlots         uint64
	OrphanSamples         uint64
	FramesCommitted       uint64
	ResyncRuns            uint64
	ResyncDiscarded       uint64
	SessionsStarted       uint64
	TrainingResets        uint64
	ConnectFailures       uint64
	UnexpectedDisconnects uint64
	Uptime                time.Duration
}

// Snapshot copies the current counter values.
func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{Messages: map[string]uint64{}}
	}
	counts := make(map[string]uint64)
	t.messageCounts.Range(func(key, value any) bool {
		counts[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return Snapshot{
		Messages:              counts,
		BytesRead:             t.bytesRead.Load(),
		UnmappedSlots:         t.unmappedSlots.Load(),
		OrphanSamples:         t.orphanSamples.Load(),
		FramesCommitted:       t.framesCommitted.Load(),
		ResyncRuns:            t.resyncRuns.Load(),
		ResyncDiscarded:       t.resyncDiscarded.Load(),
		SessionsStarted:       t.sessionsStarted.Load(),
		TrainingResets:        t.trainingResets.Load(),
		ConnectFailures:       t.connectFailures.Load(),
		UnexpectedDisconnects: t.unexpectedDrops.Load(),
		Uptime:                time.Since(time.Unix(0, t.start.Load())),
	}
}

// TotalMessages returns the sum of all per-tag message counts.
func (s Snapshot) TotalMessages() uint64 {
	var total uint64
	for _, v := range s.Messages {
		total += v
	}
	return total
}

// Reset resets all counters
func (t *Tracker) Reset() {
	if t == nil {
		return
	}
	t.messageCounts.Range(func(key, _ any) bool {
		t.messageCounts.Delete(key)
		return true
	})
	for _, c := range []*atomic.Uint64{
		&t.bytesRead, &t.unmappedSlots, &t.orphanSamples, &t.framesCommitted,
		&t.resyncRuns, &t.resyncDiscarded, &t.sessionsStarted, &t.trainingResets,
		&t.connectFailures, &t.unexpectedDrops,
	} {
		c.Store(0)
	}
	t.start.Store(time.Now().UnixNano())
}

// SnapshotLines returns human-readable stats ready for console display.
func (t *Tracker) SnapshotLines() []string {
	s := t.Snapshot()
	lines := make([]string, 0, 3)
	lines = append(lines, fmt.Sprintf("Stream: %s messages (%s) in %s",
		humanize.Comma(int64(s.TotalMessages())),
		humanize.Bytes(s.BytesRead),
		s.Uptime.Truncate(time.Second)))
	lines = append(lines, fmt.Sprintf("Frames: %s committed, %s resync discards over %s runs, %s unmapped, %s orphaned",
		humanize.Comma(int64(s.FramesCommitted)),
		humanize.Comma(int64(s.ResyncDiscarded)),
		humanize.Comma(int64(s.ResyncRuns)),
		humanize.Comma(int64(s.UnmappedSlots)),
		humanize.Comma(int64(s.OrphanSamples))))
	lines = append(lines, formatCounts("Messages by tag", s.Messages))
	return lines
}

func formatCounts(label string, counts map[string]uint64) string {
	var builder strings.Builder
	builder.WriteString(label)
	builder.WriteString(": ")
	if len(counts) == 0 {
		builder.WriteString("(none)")
		return builder.String()
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if i > 0 {
			builder.WriteString(", ")
		}
		fmt.Fprintf(&builder, "%s=%s", k, humanize.Comma(int64(counts[k])))
	}
	return builder.String()
}

func incrementCounter(m *sync.Map, key string) {
	if strings.TrimSpace(key) == "" {
		return
	}
	if value, ok := m.Load(key); ok {
		value.(*atomic.Uint64).Add(1)
		return
	}
	counter := &atomic.Uint64{}
	actual, loaded := m.LoadOrStore(key, counter)
	if loaded {
		actual.(*atomic.Uint64).Add(1)
		return
	}
	counter.Add(1)
}
