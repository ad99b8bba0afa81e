package session

import "fightlink/telemetry"

// ConnectionListener observes the connection lifecycle.
type ConnectionListener interface {
	OnAttemptConnect(host string, port int)
	OnConnectFailed(err error, host string, port int)
	OnConnected(host string, port int)
	// OnDisconnected is called after any open session was ended. err is nil
	// for a requested disconnect.
	OnDisconnected(err error)
}

// GameListener observes versus matches.
type GameListener interface {
	OnGameStarted(s *Session)
	OnGameResumed(s *Session)
	OnGameEnded(s *Session)
}

// TrainingListener observes training rooms. A reset replaces the session in
// one step; no separate ended/started pair is delivered for it.
type TrainingListener interface {
	OnTrainingStarted(s *Session)
	OnTrainingResumed(s *Session)
	OnTrainingReset(old, cur *Session)
	OnTrainingEnded(s *Session)
}

// FrameListener observes every committed frame.
type FrameListener interface {
	OnFrame(s *Session, f telemetry.Frame)
}

// Dispatcher fans notifications out to registered listeners in registration
// order. It is only used from the owner goroutine.
type Dispatcher struct {
	conn     []ConnectionListener
	game     []GameListener
	training []TrainingListener
	frame    []FrameListener
}

func (d *Dispatcher) AddConnectionListener(l ConnectionListener) { d.conn = append(d.conn, l) }
func (d *Dispatcher) AddGameListener(l GameListener)             { d.game = append(d.game, l) }
func (d *Dispatcher) AddTrainingListener(l TrainingListener)     { d.training = append(d.training, l) }
func (d *Dispatcher) AddFrameListener(l FrameListener)           { d.frame = append(d.frame, l) }

// Register adds l under every listener interface it implements and reports
// whether it matched any.
func (d *Dispatcher) Register(l any) bool {
	matched := false
	if v, ok := l.(ConnectionListener); ok {
		d.AddConnectionListener(v)
		matched = true
	}
	if v, ok := l.(GameListener); ok {
		d.AddGameListener(v)
		matched = true
	}
	if v, ok := l.(TrainingListener); ok {
		d.AddTrainingListener(v)
		matched = true
	}
	if v, ok := l.(FrameListener); ok {
		d.AddFrameListener(v)
		matched = true
	}
	return matched
}

func (d *Dispatcher) attemptConnect(host string, port int) {
	for _, l := range d.conn {
		l.OnAttemptConnect(host, port)
	}
}

func (d *Dispatcher) connectFailed(err error, host string, port int) {
	for _, l := range d.conn {
		l.OnConnectFailed(err, host, port)
	}
}

func (d *Dispatcher) connected(host string, port int) {
	for _, l := range d.conn {
		l.OnConnected(host, port)
	}
}

func (d *Dispatcher) disconnected(err error) {
	for _, l := range d.conn {
		l.OnDisconnected(err)
	}
}

func (d *Dispatcher) gameStarted(s *Session, resumed bool) {
	for _, l := range d.game {
		if resumed {
			l.OnGameResumed(s)
		} else {
			l.OnGameStarted(s)
		}
	}
}

func (d *Dispatcher) gameEnded(s *Session) {
	for _, l := range d.game {
		l.OnGameEnded(s)
	}
}

func (d *Dispatcher) trainingStarted(s *Session, resumed bool) {
	for _, l := range d.training {
		if resumed {
			l.OnTrainingResumed(s)
		} else {
			l.OnTrainingStarted(s)
		}
	}
}

func (d *Dispatcher) trainingReset(old, cur *Session) {
	for _, l := range d.training {
		l.OnTrainingReset(old, cur)
	}
}

func (d *Dispatcher) trainingEnded(s *Session) {
	for _, l := range d.training {
		l.OnTrainingEnded(s)
	}
}

func (d *Dispatcher) frameCommitted(s *Session, f telemetry.Frame) {
	for _, l := range d.frame {
		l.OnFrame(s, f)
	}
}
