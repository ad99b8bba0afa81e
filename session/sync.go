package session

import "fightlink/telemetry"

// StateBuffer is the FIFO of not-yet-committed samples for one fighter.
type StateBuffer struct {
	states []telemetry.FighterState
}

func (b *StateBuffer) Len() int { return len(b.states) }

func (b *StateBuffer) push(s telemetry.FighterState) {
	b.states = append(b.states, s)
}

func (b *StateBuffer) front() telemetry.FighterState {
	return b.states[0]
}

func (b *StateBuffer) pop() telemetry.FighterState {
	s := b.states[0]
	b.states = b.states[1:]
	if len(b.states) == 0 {
		b.states = nil
	}
	return s
}

func (b *StateBuffer) contains(framesLeft uint32) bool {
	for _, s := range b.states {
		if s.FramesLeft == framesLeft {
			return true
		}
	}
	return false
}

// discardUntil drops leading samples until the front carries framesLeft (or
// the buffer is empty) and returns how many were dropped.
func (b *StateBuffer) discardUntil(framesLeft uint32) int {
	n := 0
	for len(b.states) > 0 && b.states[0].FramesLeft != framesLeft {
		b.pop()
		n++
	}
	return n
}

// SyncResult reports what one Push did.
type SyncResult struct {
	// Frames committed by this push, in commit order.
	Frames []telemetry.Frame
	// Discarded counts samples dropped by resync.
	Discarded int
	// Resyncs counts resync runs.
	Resyncs int
	// Dropped is set when the fighter index was out of range.
	Dropped bool
}

// Synchronizer buffers per-fighter samples that arrive in arbitrary
// inter-fighter order and assembles them into index-aligned frames using the
// shared "frames left" countdown as a logical clock.
type Synchronizer struct {
	buffers []StateBuffer
	next    uint32
}

// Reset empties all buffers, sizes them for fighterCount and restarts frame
// numbering at zero.
func (s *Synchronizer) Reset(fighterCount int) {
	s.buffers = make([]StateBuffer, fighterCount)
	s.next = 0
}

// Buffered returns the depth of each fighter's buffer.
func (s *Synchronizer) Buffered() []int {
	out := make([]int, len(s.buffers))
	for i := range s.buffers {
		out[i] = s.buffers[i].Len()
	}
	return out
}

// Committed returns the number of frames committed since Reset.
func (s *Synchronizer) Committed() uint32 { return s.next }

// Purpose: Accept one sample and commit every frame that becomes complete.
// Key aspects: Steps repeat until neither a commit nor a resync makes
// progress, so a realignment commits the shared frame right away.
// Upstream: Controller on FighterStateReceived.
// Downstream: step.
func (s *Synchronizer) Push(idx int, state telemetry.FighterState) SyncResult {
	var res SyncResult
	if idx < 0 || idx >= len(s.buffers) {
		res.Dropped = true
		return res
	}
	s.buffers[idx].push(state)
	for s.step(&res) {
	}
	return res
}

func (s *Synchronizer) haveAtLeast(n int) bool {
	for i := range s.buffers {
		if s.buffers[i].Len() < n {
			return false
		}
	}
	return true
}

func (s *Synchronizer) framesLeftMatch() bool {
	first := s.buffers[0].front().FramesLeft
	for i := 1; i < len(s.buffers); i++ {
		if s.buffers[i].front().FramesLeft != first {
			return false
		}
	}
	return true
}

func (s *Synchronizer) commit(res *SyncResult) {
	f := telemetry.Frame{Index: s.next, Fighters: make([]telemetry.FighterState, len(s.buffers))}
	for i := range s.buffers {
		f.Fighters[i] = s.buffers[i].pop().WithFrameIndex(s.next)
	}
	s.next++
	res.Frames = append(res.Frames, f)
}

// step runs one pass of the algorithm and reports whether it changed the buffers.
func (s *Synchronizer) step(res *SyncResult) bool {
	if len(s.buffers) == 0 || !s.haveAtLeast(1) {
		return false
	}

	lead := s.buffers[0].front().FramesLeft
	if s.framesLeftMatch() {
		// Timed match, or untimed once the first frame established sync.
		if lead != 0 || s.next > 0 {
			s.commit(res)
			return true
		}
	}

	if s.haveAtLeast(2) && lead != 0 {
		target := s.highestFront()
		for target > 0 && !s.everyHas(target) && s.anyHas(target) {
			target--
		}
		discarded := 0
		for i := range s.buffers {
			discarded += s.buffers[i].discardUntil(target)
		}
		res.Resyncs++
		res.Discarded += discarded
		return discarded > 0
	}

	// Untimed with no sync signal: accept the oldest sample of each fighter.
	if s.haveAtLeast(2) {
		s.commit(res)
		return true
	}
	return false
}

func (s *Synchronizer) highestFront() uint32 {
	v := s.buffers[0].front().FramesLeft
	for i := 1; i < len(s.buffers); i++ {
		if fl := s.buffers[i].front().FramesLeft; fl > v {
			v = fl
		}
	}
	return v
}

func (s *Synchronizer) everyHas(framesLeft uint32) bool {
	for i := range s.buffers {
		if !s.buffers[i].contains(framesLeft) {
			return false
		}
	}
	return true
}

func (s *Synchronizer) anyHas(framesLeft uint32) bool {
	for i := range s.buffers {
		if s.buffers[i].contains(framesLeft) {
			return true
		}
	}
	return false
}
