package protocol

import (
	"fightlink/mapping"
	"fightlink/telemetry"
	"fightlink/wire"
)

// Event is one item on the worker→owner queue. The concrete types below form
// a closed set; consumers switch on the dynamic type.
type Event interface {
	isEvent()
}

// AttemptConnect is emitted before dialing.
type AttemptConnect struct {
	Host string
	Port int
}

// ConnectFailed is emitted when dialing or the handshake fails. No
// Disconnected follows it.
type ConnectFailed struct {
	Host string
	Port int
	Err  error
}

// Connected is emitted once the version handshake succeeded.
type Connected struct {
	Host string
	Port int
}

// MappingReceived carries a freshly built table when the console's checksum
// differed from the cache. The table is owned by the receiver from now on.
type MappingReceived struct {
	Table *mapping.Table
}

// MappingReady is emitted when negotiation finished, whether the cache was
// reused or replaced.
type MappingReady struct {
	Checksum uint32
	Updated  bool
}

// Disconnected is the last event of a connection that reached Connected. Err
// is nil when the disconnect was requested locally.
type Disconnected struct {
	Err error
}

// GameStarted is emitted for GameStart and GameResume.
type GameStarted struct {
	Info    wire.GameInfo
	Resumed bool
}

// GameEnded is emitted for GameEnd.
type GameEnded struct{}

// TrainingStarted is emitted for TrainingStart and TrainingResume.
type TrainingStarted struct {
	Info    wire.TrainingInfo
	Resumed bool
}

// TrainingEnded is emitted for TrainingEnd.
type TrainingEnded struct{}

// FighterStateReceived carries one sample already remapped from its console
// slot to the fighter index of the running session.
type FighterStateReceived struct {
	Index int
	State telemetry.FighterState
}

func (AttemptConnect) isEvent()       {}
func (ConnectFailed) isEvent()        {}
func (Connected) isEvent()            {}
func (MappingReceived) isEvent()      {}
func (MappingReady) isEvent()         {}
func (Disconnected) isEvent()         {}
func (GameStarted) isEvent()          {}
func (GameEnded) isEvent()            {}
func (TrainingStarted) isEvent()      {}
func (TrainingEnded) isEvent()        {}
func (FighterStateReceived) isEvent() {}
