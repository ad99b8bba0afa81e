// Package session turns the protocol event stream into sessions: it owns the
// active match or training room, assembles per-fighter samples into frames,
// infers training resets, and notifies registered listeners.
//
// Everything in this package except Session's read accessors runs on the
// single owner goroutine that drains the protocol event queue.
package session

import (
	"fmt"
	"sync"
	"time"

	"fightlink/mapping"
	"fightlink/telemetry"
)

// Session is one match or training room. The controller appends frames while
// it is active; once closed it never changes again. Read accessors are safe
// from any goroutine so listeners may hand sessions to other workers.
type Session struct {
	kind     telemetry.SessionKind
	stage    telemetry.StageID
	fighters []telemetry.FighterID
	tags     []string
	table    *mapping.Table

	mu        sync.RWMutex
	frames    []telemetry.Frame
	startedAt time.Time
	endedAt   time.Time
	closed    bool
}

func newSession(kind telemetry.SessionKind, stage telemetry.StageID, fighters []telemetry.FighterID, tags []string, table *mapping.Table, now time.Time) *Session {
	return &Session{
		kind:      kind,
		stage:     stage,
		fighters:  append([]telemetry.FighterID(nil), fighters...),
		tags:      append([]string(nil), tags...),
		table:     table,
		startedAt: now,
	}
}

func (s *Session) Kind() telemetry.SessionKind { return s.kind }
func (s *Session) StageID() telemetry.StageID  { return s.stage }
func (s *Session) FighterCount() int           { return len(s.fighters) }

// FighterIDs returns the fighter kinds in index order.
func (s *Session) FighterIDs() []telemetry.FighterID {
	return append([]telemetry.FighterID(nil), s.fighters...)
}

// Tags returns the display tags in index order.
func (s *Session) Tags() []string {
	return append([]string(nil), s.tags...)
}

// Mapping returns the table that was current when the session started.
func (s *Session) Mapping() *mapping.Table { return s.table }

// StageName resolves the stage through the session's mapping snapshot.
func (s *Session) StageName() string {
	if name, ok := s.table.StageName(s.stage); ok {
		return name
	}
	return fmt.Sprintf("stage %d", s.stage)
}

// FighterName resolves the fighter at index i.
func (s *Session) FighterName(i int) string {
	if i < 0 || i >= len(s.fighters) {
		return ""
	}
	if name, ok := s.table.FighterName(s.fighters[i]); ok {
		return name
	}
	return fmt.Sprintf("fighter %d", s.fighters[i])
}

// FrameCount returns the number of committed frames.
func (s *Session) FrameCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.frames)
}

// Frame returns committed frame i.
func (s *Session) Frame(i int) (telemetry.Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.frames) {
		return telemetry.Frame{}, false
	}
	return s.frames[i], true
}

// Frames returns a copy of the timeline. Frames themselves are never mutated
// after commit, so the fighter slices are shared.
func (s *Session) Frames() []telemetry.Frame {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]telemetry.Frame(nil), s.frames...)
}

func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Session) StartedAt() time.Time { return s.startedAt }

// EndedAt returns the close time, zero while the session is active.
func (s *Session) EndedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endedAt
}

// Duration is the wall time covered so far (or in total once closed).
func (s *Session) Duration(now time.Time) time.Duration {
	end := s.EndedAt()
	if end.IsZero() {
		end = now
	}
	return end.Sub(s.startedAt)
}

func (s *Session) String() string {
	return fmt.Sprintf("%s on %s (%d fighters)", s.kind, s.StageName(), len(s.fighters))
}

func (s *Session) appendFrame(f telemetry.Frame) {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
}

func (s *Session) close(now time.Time) {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.endedAt = now
	}
	s.mu.Unlock()
}
