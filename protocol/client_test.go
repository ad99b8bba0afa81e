package protocol

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"fightlink/mapping"
	"fightlink/stats"
	"fightlink/telemetry"
	"fightlink/wire"
)

// fakeConsole drives the console side of a net.Pipe.
type fakeConsole struct {
	t    *testing.T
	conn net.Conn
}

func (f *fakeConsole) expect(tags ...wire.MessageType) bool {
	f.t.Helper()
	buf := make([]byte, len(tags))
	if _, err := io.ReadFull(f.conn, buf); err != nil {
		f.t.Errorf("console: read %v: %v", tags, err)
		return false
	}
	for i, tag := range tags {
		if wire.MessageType(buf[i]) != tag {
			f.t.Errorf("console: expected %s, got %s", tag, wire.MessageType(buf[i]))
			return false
		}
	}
	return true
}

func (f *fakeConsole) send(b []byte) bool {
	f.t.Helper()
	if _, err := f.conn.Write(b); err != nil {
		f.t.Errorf("console: write: %v", err)
		return false
	}
	return true
}

// handshake answers version 1.0 and the given checksum, expecting the cache
// to be current, and consumes the resume requests.
func (f *fakeConsole) handshake(sum uint32) bool {
	return f.expect(wire.ProtocolVersion) &&
		f.send(wire.AppendVersion(nil, 1, 0)) &&
		f.expect(wire.MappingInfoChecksum) &&
		f.send(wire.AppendChecksum(nil, wire.MappingInfoChecksum, sum)) &&
		f.expect(wire.GameResume, wire.TrainingResume)
}

func newPipeClient(t *testing.T, opts Options) (*Client, *fakeConsole) {
	t.Helper()
	cli, srv := net.Pipe()
	opts.Dial = func(context.Context, string, string) (net.Conn, error) {
		return cli, nil
	}
	c := NewClient(opts)
	t.Cleanup(func() {
		c.Close()
		_ = srv.Close()
	})
	return c, &fakeConsole{t: t, conn: srv}
}

func collect(t *testing.T, c *Client) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			events = append(events, ev)
			switch ev.(type) {
			case ConnectFailed, Disconnected:
				return events
			}
		case <-timeout:
			t.Fatalf("timed out waiting for terminal event, got %#v", events)
		}
	}
}

func sampleState(framesLeft uint32) telemetry.FighterState {
	return telemetry.FighterState{FramesLeft: framesLeft, PosX: 1.5, Damage: 12, Stocks: 4}
}

func TestHandshakeCachedMappingAndSlotRemap(t *testing.T) {
	tracker := stats.NewTracker()
	c, console := newPipeClient(t, Options{Cached: mapping.New(0xABCD), Stats: tracker})

	go func() {
		defer console.conn.Close()
		if !console.handshake(0xABCD) {
			return
		}
		msg, err := wire.AppendGameInfo(nil, wire.GameStart, wire.GameInfo{
			Stage:    0x5b,
			Slots:    []uint8{2, 5},
			Fighters: []telemetry.FighterID{0x14, 0x02},
			Tags:     []string{"A", "B"},
		})
		if err != nil {
			t.Errorf("AppendGameInfo: %v", err)
			return
		}
		msg = wire.AppendFighterState(msg, 5, sampleState(100))
		msg = wire.AppendFighterState(msg, 7, sampleState(100))
		msg = wire.AppendFighterState(msg, 2, sampleState(100))
		msg = wire.AppendTag(msg, wire.GameEnd)
		console.send(msg)
	}()

	if err := c.Connect(context.Background(), "console", 42069); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	events := collect(t, c)
	if len(events) != 8 {
		t.Fatalf("expected 8 events, got %d: %#v", len(events), events)
	}
	if _, ok := events[0].(AttemptConnect); !ok {
		t.Fatalf("expected AttemptConnect first, got %#v", events[0])
	}
	if _, ok := events[1].(Connected); !ok {
		t.Fatalf("expected Connected, got %#v", events[1])
	}
	if ready, ok := events[2].(MappingReady); !ok || ready.Updated || ready.Checksum != 0xABCD {
		t.Fatalf("expected cached MappingReady, got %#v", events[2])
	}
	started, ok := events[3].(GameStarted)
	if !ok || started.Resumed || started.Info.Stage != 0x5b {
		t.Fatalf("expected GameStarted, got %#v", events[3])
	}
	first, ok := events[4].(FighterStateReceived)
	if !ok || first.Index != 1 {
		t.Fatalf("expected sample for index 1, got %#v", events[4])
	}
	second, ok := events[5].(FighterStateReceived)
	if !ok || second.Index != 0 {
		t.Fatalf("expected sample for index 0, got %#v", events[5])
	}
	if _, ok := events[6].(GameEnded); !ok {
		t.Fatalf("expected GameEnded, got %#v", events[6])
	}
	dis := events[7].(Disconnected)
	if !errors.Is(dis.Err, ErrUnexpectedDisconnect) {
		t.Fatalf("expected unexpected disconnect, got %v", dis.Err)
	}
	if got := tracker.Snapshot().UnmappedSlots; got != 1 {
		t.Fatalf("expected 1 unmapped slot, got %d", got)
	}
}

func TestHandshakeVersionMismatchClosesWithoutWrites(t *testing.T) {
	c, console := newPipeClient(t, Options{})
	done := make(chan error, 1)
	go func() {
		if !console.expect(wire.ProtocolVersion) || !console.send(wire.AppendVersion(nil, 2, 0)) {
			done <- errors.New("handshake script failed")
			return
		}
		var b [1]byte
		_, err := console.conn.Read(b[:])
		done <- err
	}()

	if err := c.Connect(context.Background(), "console", 42069); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	events := collect(t, c)
	failed, ok := events[len(events)-1].(ConnectFailed)
	if !ok {
		t.Fatalf("expected ConnectFailed, got %#v", events)
	}
	var vm *VersionMismatchError
	if !errors.As(failed.Err, &vm) || vm.Major != 2 || vm.Minor != 0 {
		t.Fatalf("expected VersionMismatchError 2.0, got %v", failed.Err)
	}
	for _, ev := range events {
		if _, ok := ev.(Connected); ok {
			t.Fatalf("Connected must not be emitted on version mismatch")
		}
	}
	select {
	case err := <-done:
		if err != io.EOF {
			t.Fatalf("expected socket closed with no further writes, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("console never observed the close")
	}
}

func TestHandshakeSkipsOutOfBandBeforeVersion(t *testing.T) {
	c, console := newPipeClient(t, Options{Cached: mapping.New(7)})
	go func() {
		defer console.conn.Close()
		if !console.expect(wire.ProtocolVersion) {
			return
		}
		msg := wire.AppendTag(nil, wire.GameEnd)
		msg = wire.AppendVersion(msg, 1, 0)
		if !console.send(msg) || !console.expect(wire.MappingInfoChecksum) {
			return
		}
		if !console.send(wire.AppendChecksum(nil, wire.MappingInfoChecksum, 7)) {
			return
		}
		console.expect(wire.GameResume, wire.TrainingResume)
	}()
	if err := c.Connect(context.Background(), "console", 1); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	events := collect(t, c)
	if _, ok := events[1].(Connected); !ok {
		t.Fatalf("expected Connected after skipping, got %#v", events)
	}
}

func TestHandshakeRefreshesMapping(t *testing.T) {
	cached := mapping.New(1)
	c, console := newPipeClient(t, Options{Cached: cached})
	go func() {
		defer console.conn.Close()
		if !console.expect(wire.ProtocolVersion) || !console.send(wire.AppendVersion(nil, 1, 0)) {
			return
		}
		if !console.expect(wire.MappingInfoChecksum) || !console.send(wire.AppendChecksum(nil, wire.MappingInfoChecksum, 2)) {
			return
		}
		if !console.expect(wire.MappingInfoRequest) {
			return
		}
		msg := wire.AppendChecksum(nil, wire.MappingInfoRequest, 2)
		msg = wire.AppendFighterKind(msg, wire.FighterKindRecord{ID: 0x14, Name: "FALCO"})
		msg = wire.AppendStatusKind(msg, wire.StatusKindRecord{Fighter: wire.BaseStatusFighter, Status: 0, Name: "WAIT"})
		msg = wire.AppendStatusKind(msg, wire.StatusKindRecord{Fighter: 0x14, Status: 0x1f0, Name: "SPECIAL_N"})
		msg = wire.AppendStageKind(msg, wire.StageKindRecord{ID: 0x5b, Name: "FINAL DESTINATION"})
		msg = wire.AppendHitStatusKind(msg, wire.HitStatusKindRecord{ID: 1, Name: "XLU"})
		msg = wire.AppendTag(msg, wire.MappingInfoRequestComplete)
		if !console.send(msg) {
			return
		}
		console.expect(wire.GameResume, wire.TrainingResume)
	}()

	if err := c.Connect(context.Background(), "console", 42069); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	events := collect(t, c)
	var received *mapping.Table
	var ready MappingReady
	for _, ev := range events {
		switch e := ev.(type) {
		case MappingReceived:
			received = e.Table
		case MappingReady:
			ready = e
		}
	}
	if received == nil {
		t.Fatalf("expected MappingReceived, got %#v", events)
	}
	if !ready.Updated || ready.Checksum != 2 {
		t.Fatalf("unexpected MappingReady %#v", ready)
	}
	if name, _ := received.FighterName(0x14); name != "FALCO" {
		t.Fatalf("expected FALCO, got %q", name)
	}
	if name, _ := received.StatusName(0x14, 0x1f0); name != "SPECIAL_N" {
		t.Fatalf("expected specific status, got %q", name)
	}
	if name, _ := received.StatusName(0x02, 0); name != "WAIT" {
		t.Fatalf("expected base status, got %q", name)
	}
	if cached.Counts() != (mapping.Counts{}) || cached.Checksum() != 1 {
		t.Fatalf("cached table must not be mutated")
	}
	if c.Mapping() != received {
		t.Fatalf("client should remember the refreshed table")
	}
}

func TestHandshakeRecordBeforeRequestIsMalformed(t *testing.T) {
	c, console := newPipeClient(t, Options{})
	go func() {
		defer console.conn.Close()
		if !console.expect(wire.ProtocolVersion) || !console.send(wire.AppendVersion(nil, 1, 0)) {
			return
		}
		if !console.expect(wire.MappingInfoChecksum) {
			return
		}
		console.send(wire.AppendFighterKind(nil, wire.FighterKindRecord{ID: 1, Name: "FOX"}))
	}()
	if err := c.Connect(context.Background(), "console", 42069); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	events := collect(t, c)
	dis, ok := events[len(events)-1].(Disconnected)
	if !ok {
		t.Fatalf("expected Disconnected, got %#v", events)
	}
	var mh *MalformedHandshakeError
	if !errors.As(dis.Err, &mh) || mh.Stage != "mapping" {
		t.Fatalf("expected malformed mapping handshake, got %v", dis.Err)
	}
}

func TestShortReadIsUnexpectedDisconnect(t *testing.T) {
	c, console := newPipeClient(t, Options{Cached: mapping.New(9)})
	go func() {
		defer console.conn.Close()
		if !console.handshake(9) {
			return
		}
		full := wire.AppendFighterState(nil, 0, sampleState(10))
		console.send(full[:11])
	}()
	if err := c.Connect(context.Background(), "console", 42069); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	events := collect(t, c)
	dis := events[len(events)-1].(Disconnected)
	if !errors.Is(dis.Err, ErrUnexpectedDisconnect) || !errors.Is(dis.Err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected unexpected disconnect from short read, got %v", dis.Err)
	}
}

func TestDisconnectRequestIsClean(t *testing.T) {
	c, console := newPipeClient(t, Options{Cached: mapping.New(3)})
	ready := make(chan struct{})
	go func() {
		if !console.handshake(3) {
			return
		}
		close(ready)
		_, _ = io.Copy(io.Discard, console.conn)
	}()
	if err := c.Connect(context.Background(), "console", 42069); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatalf("handshake did not complete")
	}
	c.Disconnect()
	events := collect(t, c)
	dis, ok := events[len(events)-1].(Disconnected)
	if !ok || dis.Err != nil {
		t.Fatalf("expected clean Disconnected, got %#v", events[len(events)-1])
	}
	if c.State() != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", c.State())
	}
}

func TestDisconnectDuringVersionWaitFailsConnect(t *testing.T) {
	c, console := newPipeClient(t, Options{Cached: mapping.New(3)})
	asked := make(chan struct{})
	go func() {
		if !console.expect(wire.ProtocolVersion) {
			return
		}
		close(asked)
		_, _ = io.Copy(io.Discard, console.conn)
	}()
	if err := c.Connect(context.Background(), "console", 42069); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	select {
	case <-asked:
	case <-time.After(5 * time.Second):
		t.Fatalf("version request never arrived")
	}
	c.Disconnect()
	events := collect(t, c)
	if len(events) != 2 {
		t.Fatalf("expected AttemptConnect + ConnectFailed, got %#v", events)
	}
	failed, ok := events[1].(ConnectFailed)
	if !ok || !errors.Is(failed.Err, ErrShutdown) {
		t.Fatalf("expected ConnectFailed with ErrShutdown, got %#v", events[1])
	}
	c.Close()
	for ev := range c.Events() {
		if _, ok := ev.(Disconnected); ok {
			t.Fatalf("Disconnected after a failed connect: %#v", ev)
		}
	}
}

// pipeDialer hands out one pipe per Dial call, in order.
type pipeDialer struct {
	mu    sync.Mutex
	conns []net.Conn
}

func (d *pipeDialer) dial(context.Context, string, string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil, errors.New("no more pipes")
	}
	nc := d.conns[0]
	d.conns = d.conns[1:]
	return nc, nil
}

func TestConnectReplacesConnectionStuckInHandshake(t *testing.T) {
	cli1, srv1 := net.Pipe()
	cli2, srv2 := net.Pipe()
	dialer := &pipeDialer{conns: []net.Conn{cli1, cli2}}
	c := NewClient(Options{Cached: mapping.New(3), Dial: dialer.dial})
	t.Cleanup(func() {
		c.Close()
		_ = srv1.Close()
		_ = srv2.Close()
	})

	first := &fakeConsole{t: t, conn: srv1}
	asked := make(chan struct{})
	go func() {
		if !first.expect(wire.ProtocolVersion) {
			return
		}
		close(asked)
		// never answers
		_, _ = io.Copy(io.Discard, srv1)
	}()
	second := &fakeConsole{t: t, conn: srv2}
	go func() {
		if !second.handshake(3) {
			return
		}
		_, _ = io.Copy(io.Discard, srv2)
	}()

	if err := c.Connect(context.Background(), "console", 1); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	select {
	case <-asked:
	case <-time.After(5 * time.Second):
		t.Fatalf("first connection never asked for the version")
	}

	errc := make(chan error, 1)
	go func() { errc <- c.Connect(context.Background(), "console", 2) }()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("second Connect: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("second Connect did not return while replacing the active connection")
	}

	events := collect(t, c)
	if len(events) != 2 {
		t.Fatalf("expected AttemptConnect + ConnectFailed for the first link, got %#v", events)
	}
	if a, ok := events[0].(AttemptConnect); !ok || a.Port != 1 {
		t.Fatalf("expected AttemptConnect to port 1, got %#v", events[0])
	}
	if f, ok := events[1].(ConnectFailed); !ok || !errors.Is(f.Err, ErrShutdown) {
		t.Fatalf("expected ConnectFailed with ErrShutdown, got %#v", events[1])
	}
	select {
	case ev := <-c.Events():
		if a, ok := ev.(AttemptConnect); !ok || a.Port != 2 {
			t.Fatalf("expected AttemptConnect to port 2, got %#v", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no event from the replacement connection")
	}
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if _, ok := ev.(MappingReady); ok {
				return
			}
			if _, ok := ev.(ConnectFailed); ok {
				t.Fatalf("replacement connection failed: %#v", ev)
			}
		case <-timeout:
			t.Fatalf("replacement connection never finished its handshake")
		}
	}
}

// lateFailConn holds back write errors so the worker's final event is queued
// well after its socket was closed.
type lateFailConn struct {
	net.Conn
	writing chan struct{}
	once    sync.Once
}

func (c *lateFailConn) Write(b []byte) (int, error) {
	c.once.Do(func() { close(c.writing) })
	n, err := c.Conn.Write(b)
	if err != nil {
		time.Sleep(50 * time.Millisecond)
	}
	return n, err
}

func TestCloseDuringDisconnectWaitsForFinalEvent(t *testing.T) {
	cli, srv := net.Pipe()
	defer srv.Close()
	nc := &lateFailConn{Conn: cli, writing: make(chan struct{})}
	c := NewClient(Options{Dial: func(context.Context, string, string) (net.Conn, error) {
		return nc, nil
	}})
	if err := c.Connect(context.Background(), "console", 42069); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	select {
	case <-nc.writing:
	case <-time.After(5 * time.Second):
		t.Fatalf("worker never wrote the version request")
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.Disconnect()
	}()
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		c.Close()
	}()

	terminal := 0
	timeout := time.After(5 * time.Second)
	for open := true; open; {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				open = false
				break
			}
			switch ev.(type) {
			case ConnectFailed, Disconnected:
				terminal++
			}
		case <-timeout:
			t.Fatalf("event stream never closed")
		}
	}
	wg.Wait()
	if terminal != 1 {
		t.Fatalf("expected exactly one terminal event, got %d", terminal)
	}
}

func TestContextCancelDisconnects(t *testing.T) {
	c, console := newPipeClient(t, Options{Cached: mapping.New(3)})
	go func() {
		if !console.handshake(3) {
			return
		}
		_, _ = io.Copy(io.Discard, console.conn)
	}()
	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Connect(ctx, "console", 42069); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	for ev := range c.Events() {
		if _, ok := ev.(MappingReady); ok {
			break
		}
	}
	cancel()
	events := collect(t, c)
	if dis, ok := events[len(events)-1].(Disconnected); !ok || dis.Err != nil {
		t.Fatalf("expected clean Disconnected after cancel, got %#v", events)
	}
}

func TestConnectErrorReported(t *testing.T) {
	tracker := stats.NewTracker()
	c := NewClient(Options{
		Stats: tracker,
		Dial: func(context.Context, string, string) (net.Conn, error) {
			return nil, errors.New("connection refused")
		},
	})
	defer c.Close()
	if err := c.Connect(context.Background(), "nowhere", 1); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	events := collect(t, c)
	if len(events) != 2 {
		t.Fatalf("expected AttemptConnect + ConnectFailed, got %#v", events)
	}
	failed := events[1].(ConnectFailed)
	var ce *ConnectError
	if !errors.As(failed.Err, &ce) || ce.Host != "nowhere" || ce.Port != 1 {
		t.Fatalf("expected ConnectError, got %v", failed.Err)
	}
	if tracker.Snapshot().ConnectFailures != 1 {
		t.Fatalf("expected connect failure counted")
	}
}

func TestEventQueuePreservesOrderWithoutBlocking(t *testing.T) {
	q := newEventQueue(1)
	for i := 0; i < 100; i++ {
		q.send(FighterStateReceived{Index: i})
	}
	q.close()
	i := 0
	for ev := range q.out {
		if got := ev.(FighterStateReceived).Index; got != i {
			t.Fatalf("expected index %d, got %d", i, got)
		}
		i++
	}
	if i != 100 {
		t.Fatalf("expected 100 events, got %d", i)
	}
}

func TestSlotRemapper(t *testing.T) {
	var r SlotRemapper
	r.SetGame([]uint8{0, 3})
	if idx, ok := r.Index(3); !ok || idx != 1 {
		t.Fatalf("expected slot 3 -> 1, got %d %v", idx, ok)
	}
	if _, ok := r.Index(1); ok {
		t.Fatalf("slot 1 should be unmapped")
	}
	r.SetTraining()
	if idx, ok := r.Index(1); !ok || idx != 1 || r.Len() != 2 {
		t.Fatalf("expected training layout, got %d %v len=%d", idx, ok, r.Len())
	}
}
