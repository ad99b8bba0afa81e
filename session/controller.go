package session

import (
	"context"
	"log"
	"time"

	"github.com/dustin/go-humanize"

	"fightlink/buffer"
	"fightlink/internal/ratelimit"
	"fightlink/mapping"
	"fightlink/protocol"
	"fightlink/stats"
	"fightlink/telemetry"
)

// DefaultResetDebounce is how long a TrainingEnd waits for a TrainingStart
// before it is treated as a real end.
const DefaultResetDebounce = time.Second

// Training sessions always carry these tags; the console does not send any.
var trainingTags = []string{"Player 1", "CPU"}

// Options configures a Controller.
type Options struct {
	ResetDebounce time.Duration
	// Mapping is the table loaded at startup; replaced when the console sends a new one.
	Mapping *mapping.Table
	// MappingCachePath receives refreshed tables. Empty disables saving.
	MappingCachePath string
	Stats            *stats.Tracker
	// Recent, when set, receives a copy of every committed frame.
	Recent *buffer.RingBuffer
}

// Controller interprets protocol events into session lifecycle changes. It is
// single-threaded: Run (or direct Handle calls) must come from one goroutine.
type Controller struct {
	opts       Options
	dispatcher *Dispatcher
	table      *mapping.Table
	active     *Session
	sync       Synchronizer
	now        func() time.Time

	pendingEnd  bool
	debounceGen uint64
	debounce    *time.Timer
	debounceC   chan uint64
	done        chan struct{}

	orphans *ratelimit.Counter
	resyncs *ratelimit.Counter
}

// NewController creates a controller notifying d.
func NewController(opts Options, d *Dispatcher) *Controller {
	if opts.ResetDebounce <= 0 {
		opts.ResetDebounce = DefaultResetDebounce
	}
	if d == nil {
		d = &Dispatcher{}
	}
	return &Controller{
		opts:       opts,
		dispatcher: d,
		table:      opts.Mapping,
		now:        time.Now,
		debounceC:  make(chan uint64, 1),
		done:       make(chan struct{}),
		orphans:    ratelimit.NewCounter(5 * time.Second),
		resyncs:    ratelimit.NewCounter(5 * time.Second),
	}
}

// Active returns the open session, or nil.
func (c *Controller) Active() *Session { return c.active }

// Mapping returns the current mapping table.
func (c *Controller) Mapping() *mapping.Table { return c.table }

// Run drains events until the channel closes or ctx ends. Any open session is
// ended before it returns.
func (c *Controller) Run(ctx context.Context, events <-chan protocol.Event) error {
	defer close(c.done)
	defer c.finish()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.Handle(ev)
		case gen := <-c.debounceC:
			c.debounceFired(gen)
		}
	}
}

func (c *Controller) finish() {
	c.flushPendingEnd()
	c.endSessionIfNecessary()
}

// Handle applies one event.
func (c *Controller) Handle(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.AttemptConnect:
		c.dispatcher.attemptConnect(e.Host, e.Port)
	case protocol.ConnectFailed:
		c.dispatcher.connectFailed(e.Err, e.Host, e.Port)
	case protocol.Connected:
		c.dispatcher.connected(e.Host, e.Port)
	case protocol.MappingReceived:
		c.replaceMapping(e.Table)
	case protocol.MappingReady:
		log.Printf("Session: mapping %08x ready (updated=%v)", e.Checksum, e.Updated)
	case protocol.Disconnected:
		c.flushPendingEnd()
		c.endSessionIfNecessary()
		c.dispatcher.disconnected(e.Err)
	case protocol.GameStarted:
		c.cancelDebounce()
		c.endSessionIfNecessary()
		s := c.begin(telemetry.KindGame, e.Info.Stage, e.Info.Fighters, e.Info.Tags)
		c.dispatcher.gameStarted(s, e.Resumed)
	case protocol.GameEnded:
		c.flushPendingEnd()
		c.endSessionIfNecessary()
	case protocol.TrainingStarted:
		c.trainingStarted(e)
	case protocol.TrainingEnded:
		c.armDebounce()
	case protocol.FighterStateReceived:
		c.fighterState(e.Index, e.State)
	default:
		log.Printf("Session: ignoring event %T", ev)
	}
}

// Purpose: Start, resume or reset a training room.
// Key aspects: A start that arrives while a TrainingEnd is still debouncing
// replaces the old session in one step and emits a single reset.
// Upstream: Handle.
// Downstream: Dispatcher training notifications.
func (c *Controller) trainingStarted(e protocol.TrainingStarted) {
	fighters := []telemetry.FighterID{e.Info.Human, e.Info.CPU}
	reset := !e.Resumed && c.pendingEnd && c.active != nil && c.active.Kind() == telemetry.KindTraining
	c.cancelDebounce()
	if reset {
		old := c.active
		old.close(c.now())
		c.active = nil
		s := c.begin(telemetry.KindTraining, e.Info.Stage, fighters, trainingTags)
		c.opts.Stats.IncrementTrainingResets()
		log.Printf("Session: training reset after %s frames", humanize.Comma(int64(old.FrameCount())))
		c.dispatcher.trainingReset(old, s)
		return
	}
	c.endSessionIfNecessary()
	s := c.begin(telemetry.KindTraining, e.Info.Stage, fighters, trainingTags)
	c.dispatcher.trainingStarted(s, e.Resumed)
}

func (c *Controller) begin(kind telemetry.SessionKind, stage telemetry.StageID, fighters []telemetry.FighterID, tags []string) *Session {
	s := newSession(kind, stage, fighters, tags, c.table, c.now())
	c.active = s
	c.sync.Reset(s.FighterCount())
	c.opts.Stats.IncrementSessions()
	log.Printf("Session: %s started", s)
	return s
}

func (c *Controller) endSessionIfNecessary() {
	s := c.active
	if s == nil {
		return
	}
	c.active = nil
	c.sync.Reset(0)
	now := c.now()
	s.close(now)
	log.Printf("Session: %s ended after %s frames (%s)", s, humanize.Comma(int64(s.FrameCount())), s.Duration(now).Truncate(time.Millisecond))
	if s.Kind() == telemetry.KindGame {
		c.dispatcher.gameEnded(s)
	} else {
		c.dispatcher.trainingEnded(s)
	}
}

func (c *Controller) fighterState(idx int, state telemetry.FighterState) {
	if c.active == nil {
		c.opts.Stats.IncrementOrphanSample()
		if total, ok := c.orphans.Inc(); ok {
			log.Printf("Session: dropping fighter state with no active session (%d total)", total)
		}
		return
	}
	res := c.sync.Push(idx, state)
	if res.Dropped {
		c.opts.Stats.IncrementOrphanSample()
		if total, ok := c.orphans.Inc(); ok {
			log.Printf("Session: dropping fighter state for index %d of %d (%d total)", idx, c.active.FighterCount(), total)
		}
		return
	}
	for i := 0; i < res.Resyncs; i++ {
		discarded := 0
		if i == 0 {
			discarded = res.Discarded
		}
		c.opts.Stats.AddResync(discarded)
	}
	if res.Discarded > 0 {
		if total, ok := c.resyncs.Inc(); ok {
			log.Printf("Session: resync discarded %d samples (%d resyncs total)", res.Discarded, total)
		}
	}
	for _, f := range res.Frames {
		c.active.appendFrame(f)
		c.opts.Stats.IncrementFramesCommitted()
		if c.opts.Recent != nil {
			c.opts.Recent.Add(c.active.Kind(), f)
		}
		c.dispatcher.frameCommitted(c.active, f)
	}
}

func (c *Controller) replaceMapping(t *mapping.Table) {
	if t == nil {
		return
	}
	c.table = t
	if c.opts.MappingCachePath == "" {
		return
	}
	if err := mapping.Save(c.opts.MappingCachePath, t); err != nil {
		log.Printf("Session: failed to save mapping cache %s: %v", c.opts.MappingCachePath, err)
		return
	}
	log.Printf("Session: saved mapping %08x to %s", t.Checksum(), c.opts.MappingCachePath)
}

func (c *Controller) armDebounce() {
	c.cancelDebounce()
	c.pendingEnd = true
	gen := c.debounceGen
	c.debounce = time.AfterFunc(c.opts.ResetDebounce, func() {
		select {
		case c.debounceC <- gen:
		case <-c.done:
		}
	})
}

// cancelDebounce forgets a pending TrainingEnd without ending anything.
func (c *Controller) cancelDebounce() {
	c.pendingEnd = false
	c.debounceGen++
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
}

// flushPendingEnd finalizes a debouncing TrainingEnd immediately.
func (c *Controller) flushPendingEnd() {
	if !c.pendingEnd {
		return
	}
	c.cancelDebounce()
	c.endSessionIfNecessary()
}

func (c *Controller) debounceFired(gen uint64) {
	if gen != c.debounceGen || !c.pendingEnd {
		return
	}
	c.cancelDebounce()
	c.endSessionIfNecessary()
}
