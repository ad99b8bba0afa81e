package protocol

import (
	"context"
	"errors"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"fightlink/internal/ratelimit"
	"fightlink/mapping"
	"fightlink/stats"
	"fightlink/wire"
)

// State is the connection-level state visible to callers. Session states
// (in game, in training) are tracked by the session controller.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Tap observes the raw steady-state stream of a connection from the worker
// goroutine. Implementations must not block for long.
type Tap interface {
	OnConnected(host string, port int)
	OnMessage(msg wire.Message)
	OnDisconnected(err error)
}

// DialFunc opens the transport. It matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Options configures a Client.
type Options struct {
	DialTimeout time.Duration
	QueueSize   int
	// Cached is the mapping table loaded from disk, compared by checksum
	// during negotiation. It is never mutated.
	Cached *mapping.Table
	Tap    Tap
	Stats  *stats.Tracker
	Dial   DialFunc
}

// Client owns at most one connection to a console at a time and publishes
// everything it learns as ordered events on Events().
type Client struct {
	opts     Options
	queue    *eventQueue
	table    atomic.Pointer[mapping.Table]
	state    atomic.Int32
	unmapped *ratelimit.Counter

	mu      sync.Mutex
	active  *conn
	closed  bool
	workers sync.WaitGroup
}

// NewClient creates a client. The event channel stays open until Close.
func NewClient(opts Options) *Client {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.Dial == nil {
		d := &net.Dialer{Timeout: opts.DialTimeout}
		opts.Dial = d.DialContext
	}
	c := &Client{
		opts:     opts,
		queue:    newEventQueue(opts.QueueSize),
		unmapped: ratelimit.NewCounter(5 * time.Second),
	}
	c.table.Store(opts.Cached)
	return c
}

// Events returns the ordered event stream. It is closed by Close after the
// last connection's events were delivered.
func (c *Client) Events() <-chan Event {
	return c.queue.out
}

// State reports the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Mapping returns the most recent mapping table known to the client.
func (c *Client) Mapping() *mapping.Table {
	return c.table.Load()
}

// Connect starts a worker for host:port and returns immediately; the outcome
// is reported through events. An existing connection is torn down first so
// only one connection is ever active. Cancelling ctx has the same effect as
// Disconnect.
func (c *Client) Connect(ctx context.Context, host string, port int) error {
	c.mu.Lock()
	// The old worker needs mu to finish, so it is stopped unlocked. Another
	// Connect may slip in meanwhile; loop until the slot stays empty.
	for c.active != nil && !c.closed {
		old := c.active
		c.active = nil
		c.mu.Unlock()
		log.Printf("Protocol: replacing active connection to %s:%d", old.host, old.port)
		old.stop()
		c.mu.Lock()
	}
	defer c.mu.Unlock()
	if c.closed {
		return ErrShutdown
	}
	cn := &conn{
		client: c,
		host:   host,
		port:   port,
		done:   make(chan struct{}),
	}
	c.active = cn
	c.state.Store(int32(StateConnecting))
	stopAfter := context.AfterFunc(ctx, cn.requestStop)
	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		defer stopAfter()
		cn.run(ctx)
	}()
	return nil
}

// Disconnect stops the active connection, if any, and waits for its worker
// to finish. The connection's final event has been queued when it returns.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cn := c.active
	c.active = nil
	c.mu.Unlock()
	if cn != nil {
		cn.stop()
	}
}

// Close disconnects and closes the event stream once every worker, including
// one a concurrent Disconnect is still stopping, has queued its final event.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cn := c.active
	c.active = nil
	c.mu.Unlock()
	if cn != nil {
		cn.stop()
	}
	c.workers.Wait()
	c.queue.close()
}

func (c *Client) emit(ev Event) {
	c.queue.send(ev)
}

// finished clears the active slot when the worker ends on its own.
func (c *Client) finished(cn *conn) {
	c.mu.Lock()
	if c.active == cn {
		c.active = nil
	}
	c.mu.Unlock()
	c.state.CompareAndSwap(int32(cn.lastState), int32(StateDisconnected))
}

// conn is one connection attempt and its worker.
type conn struct {
	client   *Client
	host     string
	port     int
	stopping atomic.Bool
	netMu    sync.Mutex
	nc       net.Conn
	done     chan struct{}

	// lastState is only touched by the worker goroutine
	lastState State
}

func (cn *conn) setState(s State) {
	cn.lastState = s
	cn.client.state.Store(int32(s))
}

// requestStop flags the worker and unblocks a pending read by closing the
// socket. Safe to call more than once and from any goroutine.
func (cn *conn) requestStop() {
	cn.stopping.Store(true)
	cn.netMu.Lock()
	if cn.nc != nil {
		_ = cn.nc.Close()
	}
	cn.netMu.Unlock()
}

func (cn *conn) stop() {
	cn.requestStop()
	<-cn.done
}

func (cn *conn) stopped() bool {
	return cn.stopping.Load()
}

// Purpose: Drive one connection from dial to final event.
// Key aspects: Every path ends with exactly one terminal event: ConnectFailed
// before Connected, Disconnected after it.
// Upstream: Client.Connect goroutine.
// Downstream: negotiator, readLoop, Tap.
func (cn *conn) run(ctx context.Context) {
	c := cn.client
	defer close(cn.done)
	defer c.finished(cn)

	c.emit(AttemptConnect{Host: cn.host, Port: cn.port})
	log.Printf("Protocol: connecting to %s:%d", cn.host, cn.port)
	cn.setState(StateConnecting)

	spanCtx, span := tracer().Start(context.WithoutCancel(ctx), "protocol.connect")
	span.SetAttributes(attribute.String("console.host", cn.host), attribute.Int("console.port", cn.port))

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	nc, err := c.opts.Dial(dialCtx, "tcp", net.JoinHostPort(cn.host, strconv.Itoa(cn.port)))
	cancel()
	if err != nil {
		err = &ConnectError{Host: cn.host, Port: cn.port, Err: err}
		endSpan(span, err)
		cn.fail(err)
		return
	}
	cn.netMu.Lock()
	cn.nc = nc
	cn.netMu.Unlock()
	if cn.stopped() {
		_ = nc.Close()
		endSpan(span, ErrShutdown)
		cn.fail(ErrShutdown)
		return
	}
	defer nc.Close()

	cn.setState(StateHandshaking)
	dec := wire.NewDecoder(nc)
	neg := &negotiator{
		dec:     dec,
		w:       nc,
		stopped: cn.stopped,
		tap: func(msg wire.Message) {
			c.opts.Stats.IncrementMessage(msg.Tag.String(), 1+len(msg.Payload))
		},
	}
	if err := neg.negotiateVersion(spanCtx); err != nil {
		_ = nc.Close()
		endSpan(span, err)
		cn.fail(err)
		return
	}
	c.emit(Connected{Host: cn.host, Port: cn.port})
	log.Printf("Protocol: connected to %s:%d", cn.host, cn.port)

	table, updated, err := neg.negotiateMapping(spanCtx, c.table.Load())
	endSpan(span, err)
	if err != nil {
		cn.lost(err)
		return
	}
	if updated {
		c.table.Store(table)
		c.emit(MappingReceived{Table: table})
	}
	c.emit(MappingReady{Checksum: table.Checksum(), Updated: updated})

	if _, err := nc.Write(wire.AppendTag(nil, wire.GameResume, wire.TrainingResume)); err != nil {
		cn.lost(err)
		return
	}
	cn.setState(StateConnected)
	if c.opts.Tap != nil {
		c.opts.Tap.OnConnected(cn.host, cn.port)
	}
	err = cn.readLoop(dec)
	if c.opts.Tap != nil {
		c.opts.Tap.OnDisconnected(err)
	}
	cn.lost(err)
}

func (cn *conn) fail(err error) {
	c := cn.client
	c.opts.Stats.IncrementConnectFailures()
	log.Printf("Protocol: connection to %s:%d failed: %v", cn.host, cn.port, err)
	c.emit(ConnectFailed{Host: cn.host, Port: cn.port, Err: err})
}

// lost reports the end of a connection that reached Connected. A nil error
// or a failure caused by a requested stop means a clean disconnect.
func (cn *conn) lost(err error) {
	c := cn.client
	if cn.stopped() || errors.Is(err, ErrShutdown) {
		err = nil
	}
	if err != nil {
		c.opts.Stats.IncrementUnexpectedDisconnects()
		log.Printf("Protocol: lost connection to %s:%d: %v", cn.host, cn.port, err)
	} else {
		log.Printf("Protocol: disconnected from %s:%d", cn.host, cn.port)
	}
	c.emit(Disconnected{Err: err})
}
