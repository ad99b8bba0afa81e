package emulator

import (
	"context"
	"errors"
	"testing"
	"time"

	"fightlink/mapping"
	"fightlink/protocol"
	"fightlink/recorder"
	sess "fightlink/session"
	"fightlink/telemetry"
	"fightlink/wire"
)

// watcher records what the controller reports; it is only touched from the
// controller goroutine until done is closed.
type watcher struct {
	done      chan struct{}
	connected bool
	failErr   error
	discErr   error
	games     []*sess.Session
	ended     []*sess.Session
	resets    int
	trainings int
	frames    int
	lastFrame telemetry.Frame
}

func newWatcher() *watcher { return &watcher{done: make(chan struct{})} }

func (w *watcher) OnAttemptConnect(string, int) {}

func (w *watcher) OnConnectFailed(err error, _ string, _ int) {
	w.failErr = err
	close(w.done)
}

func (w *watcher) OnConnected(string, int) { w.connected = true }

func (w *watcher) OnDisconnected(err error) {
	w.discErr = err
	close(w.done)
}

func (w *watcher) OnGameStarted(s *sess.Session) { w.games = append(w.games, s) }
func (w *watcher) OnGameResumed(s *sess.Session) { w.games = append(w.games, s) }
func (w *watcher) OnGameEnded(s *sess.Session)   { w.ended = append(w.ended, s) }

func (w *watcher) OnTrainingStarted(*sess.Session)    { w.trainings++ }
func (w *watcher) OnTrainingResumed(*sess.Session)    { w.trainings++ }
func (w *watcher) OnTrainingReset(_, _ *sess.Session) { w.resets++ }
func (w *watcher) OnTrainingEnded(s *sess.Session)    { w.ended = append(w.ended, s) }

func (w *watcher) OnFrame(_ *sess.Session, f telemetry.Frame) {
	w.frames++
	w.lastFrame = f
}

// runAgainst connects a client and controller to srv and returns once the
// connection is over.
func runAgainst(t *testing.T, srv *Server, cached *mapping.Table) (*watcher, *protocol.Client, *sess.Controller) {
	t.Helper()
	client := protocol.NewClient(protocol.Options{DialTimeout: 2 * time.Second, Cached: cached})
	d := &sess.Dispatcher{}
	w := newWatcher()
	d.Register(w)
	ctrl := sess.NewController(sess.Options{Mapping: cached}, d)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- ctrl.Run(ctx, client.Events()) }()

	addr := srv.Addr()
	if err := client.Connect(ctx, addr.IP.String(), addr.Port); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	select {
	case <-w.done:
	case <-time.After(10 * time.Second):
		t.Fatalf("connection did not finish")
	}
	cancel()
	<-runErr
	client.Close()
	return w, client, ctrl
}

func listen(t *testing.T, opts Options) *Server {
	t.Helper()
	srv, err := Listen("127.0.0.1:0", opts)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

func TestMatchEndToEnd(t *testing.T) {
	script, err := SyntheticMatch(MatchOptions{Frames: 120, FlipEvery: 7, Seed: 1})
	if err != nil {
		t.Fatalf("SyntheticMatch: %v", err)
	}
	srv := listen(t, Options{Script: script, NoDelay: true, CloseWhenDone: true})

	w, client, ctrl := runAgainst(t, srv, nil)
	if !w.connected {
		t.Fatalf("expected connected before disconnect")
	}
	if !errors.Is(w.discErr, protocol.ErrUnexpectedDisconnect) {
		t.Fatalf("expected unexpected disconnect after hang-up, got %v", w.discErr)
	}
	if len(w.games) != 1 || len(w.ended) != 1 || w.games[0] != w.ended[0] {
		t.Fatalf("expected one game started and ended, got %d/%d", len(w.games), len(w.ended))
	}
	g := w.ended[0]
	if g.FrameCount() != 120 || w.frames != 120 {
		t.Fatalf("expected 120 frames, session has %d and listener saw %d", g.FrameCount(), w.frames)
	}
	if g.FighterName(0) != "FOX" || g.FighterName(1) != "DONKEY" || g.StageName() != "BATTLEFIELD" {
		t.Fatalf("names not resolved: %q %q %q", g.FighterName(0), g.FighterName(1), g.StageName())
	}
	if w.lastFrame.Index != 119 || w.lastFrame.FramesLeft() != 8*60*60-119 {
		t.Fatalf("unexpected last frame index=%d left=%d", w.lastFrame.Index, w.lastFrame.FramesLeft())
	}
	want := DefaultMapping()
	if got := client.Mapping(); got == nil || got.Checksum() != want.Checksum() || mapping.ComputeChecksum(got) != want.Checksum() {
		t.Fatalf("client mapping does not match the emulated console")
	}
	if ctrl.Mapping() != client.Mapping() {
		t.Fatalf("controller should adopt the received mapping")
	}
}

func TestCachedMappingIsReused(t *testing.T) {
	script, err := SyntheticMatch(MatchOptions{Frames: 10})
	if err != nil {
		t.Fatalf("SyntheticMatch: %v", err)
	}
	cached := DefaultMapping()
	srv := listen(t, Options{Mapping: cached, Script: script, NoDelay: true, CloseWhenDone: true})
	w, client, ctrl := runAgainst(t, srv, cached)
	if client.Mapping() != cached || ctrl.Mapping() != cached {
		t.Fatalf("cached table should be kept when checksums match")
	}
	if w.frames != 10 {
		t.Fatalf("expected 10 frames, got %d", w.frames)
	}
}

func TestTrainingResetEndToEnd(t *testing.T) {
	script := SyntheticTraining(TrainingOptions{Frames: 60, ResetAt: 30})
	srv := listen(t, Options{Script: script, NoDelay: true, CloseWhenDone: true})
	w, _, _ := runAgainst(t, srv, nil)
	if w.trainings != 1 || w.resets != 1 {
		t.Fatalf("expected one start and one reset, got %d/%d", w.trainings, w.resets)
	}
	if len(w.ended) != 1 {
		t.Fatalf("expected the final room to end once, got %d", len(w.ended))
	}
	if n := w.ended[0].FrameCount(); n != 30 {
		t.Fatalf("expected 30 frames after the reset, got %d", n)
	}
	if w.frames != 60 {
		t.Fatalf("expected 60 frames across both rooms, got %d", w.frames)
	}
}

func TestVersionMismatchFailsConnect(t *testing.T) {
	srv := listen(t, Options{Major: 2})
	w, client, _ := runAgainst(t, srv, nil)
	var vm *protocol.VersionMismatchError
	if !errors.As(w.failErr, &vm) {
		t.Fatalf("expected version mismatch, got %v", w.failErr)
	}
	if w.connected {
		t.Fatalf("mismatch must not report connected")
	}
	if client.Mapping() != nil {
		t.Fatalf("no mapping should be negotiated")
	}
}

func TestCloseHangsUpIdleClients(t *testing.T) {
	srv, err := Listen("127.0.0.1:0", Options{})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	client := protocol.NewClient(protocol.Options{})
	defer client.Close()
	addr := srv.Addr()
	if err := client.Connect(context.Background(), addr.IP.String(), addr.Port); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	deadline := time.After(5 * time.Second)
	for ready := false; !ready; {
		select {
		case ev := <-client.Events():
			_, ready = ev.(protocol.MappingReady)
		case <-deadline:
			t.Fatalf("handshake did not complete")
		}
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for {
		select {
		case ev := <-client.Events():
			if d, ok := ev.(protocol.Disconnected); ok {
				if d.Err == nil {
					t.Fatalf("server hang-up should carry an error")
				}
				if srv.Served() != 1 {
					t.Fatalf("expected one client served, got %d", srv.Served())
				}
				return
			}
		case <-deadline:
			t.Fatalf("client never saw the hang-up")
		}
	}
}

func TestSyntheticMatchValidates(t *testing.T) {
	if _, err := SyntheticMatch(MatchOptions{Slots: []uint8{0, 1, 2}}); err == nil {
		t.Fatalf("expected error for mismatched slot and fighter counts")
	}
	if _, err := SyntheticMatch(MatchOptions{Frames: 100, FramesLeft: 10}); err == nil {
		t.Fatalf("expected error when frames exceed the clock")
	}
}

func TestFromCaptureKeepsSpacing(t *testing.T) {
	msgs := []recorder.Message{
		{Offset: 10 * time.Millisecond, Message: wire.Message{Tag: wire.GameEnd}},
		{Offset: 25 * time.Millisecond, Message: wire.Message{Tag: wire.TrainingStart, Payload: []byte{0, 0x20, 1, 2}}},
		{Offset: 20 * time.Millisecond, Message: wire.Message{Tag: wire.TrainingEnd}},
	}
	s := FromCapture(msgs)
	if len(s) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(s))
	}
	if s[0].Delay != 10*time.Millisecond || s[1].Delay != 15*time.Millisecond || s[2].Delay != 0 {
		t.Fatalf("unexpected delays %v %v %v", s[0].Delay, s[1].Delay, s[2].Delay)
	}
	if len(s[1].Data) != 5 || s[1].Data[0] != byte(wire.TrainingStart) {
		t.Fatalf("unexpected step data %v", s[1].Data)
	}
	if s.Bytes() != 7 || s.Duration() != 25*time.Millisecond {
		t.Fatalf("unexpected totals bytes=%d duration=%s", s.Bytes(), s.Duration())
	}
}
