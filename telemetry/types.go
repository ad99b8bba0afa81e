// Package telemetry holds the value types shared by the wire codec, the
// synchronizer and the listeners: per-fighter state samples and the
// synchronized frames assembled from them.
package telemetry

import (
	"fmt"
	"time"
)

// FighterID identifies a fighter kind (character) as numbered by the console.
type FighterID uint8

// StageID identifies a stage as numbered by the console.
type StageID uint16

// StatusID is a fighter status enum value. Values below the fighter-specific
// range share names across all fighters; the mapping table resolves both.
type StatusID uint16

// HitStatusID is the hurtbox state of a fighter (normal, invincible, ...).
type HitStatusID uint8

// MotionID is the 40-bit hashed identifier of an animation.
type MotionID uint64

// MotionMask keeps the low 40 bits carried on the wire.
const MotionMask MotionID = (1 << 40) - 1

// SessionKind distinguishes a versus match from a training room.
type SessionKind uint8

const (
	KindGame SessionKind = iota
	KindTraining
)

func (k SessionKind) String() string {
	switch k {
	case KindGame:
		return "game"
	case KindTraining:
		return "training"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Flags is the packed boolean bitfield of a fighter state.
type Flags uint8

const (
	FlagAttackConnected Flags = 1 << iota
	FlagFacingDirection
	FlagOpponentInHitlag
)

// MakeFlags packs the three booleans carried by a fighter state.
func MakeFlags(attackConnected, facingDirection, opponentInHitlag bool) Flags {
	var f Flags
	if attackConnected {
		f |= FlagAttackConnected
	}
	if facingDirection {
		f |= FlagFacingDirection
	}
	if opponentInHitlag {
		f |= FlagOpponentInHitlag
	}
	return f
}

func (f Flags) AttackConnected() bool  { return f&FlagAttackConnected != 0 }
func (f Flags) FacingDirection() bool  { return f&FlagFacingDirection != 0 }
func (f Flags) OpponentInHitlag() bool { return f&FlagOpponentInHitlag != 0 }

// FighterState is one fighter's instantaneous state as reported by the console.
// It is a value type; FrameIndex is only meaningful once the state has been
// committed as part of a Frame.
type FighterState struct {
	TimeStamp  time.Time
	FrameIndex uint32
	FramesLeft uint32
	PosX       float32
	PosY       float32
	Damage     float32
	Hitstun    float32
	Shield     float32
	Status     StatusID
	Motion     MotionID
	HitStatus  HitStatusID
	Stocks     uint8
	Flags      Flags
}

// WithFrameIndex returns a copy of the state stamped with the committed frame index.
func (s FighterState) WithFrameIndex(idx uint32) FighterState {
	s.FrameIndex = idx
	return s
}

// Frame is one synchronized tick: exactly one state per fighter, index-aligned
// with the session's fighter list.
type Frame struct {
	Index    uint32
	Fighters []FighterState
}

// FramesLeft returns the shared countdown value of the frame (0 in untimed modes).
func (f Frame) FramesLeft() uint32 {
	if len(f.Fighters) == 0 {
		return 0
	}
	return f.Fighters[0].FramesLeft
}

// TimeStamp returns the earliest receive time across the frame's fighters.
func (f Frame) TimeStamp() time.Time {
	var ts time.Time
	for i, s := range f.Fighters {
		if i == 0 || s.TimeStamp.Before(ts) {
			ts = s.TimeStamp
		}
	}
	return ts
}
