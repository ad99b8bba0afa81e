// Package metrics exposes the client's health over HTTP: Prometheus series
// fed by session listener callbacks and the protocol stats tracker, and a
// JSON status document with the link state, the open session and the most
// recent frames.
package metrics

import (
	"sync"
	"time"

	"fightlink/session"
	"fightlink/stats"
	"fightlink/telemetry"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fightlink"

// SessionInfo is the status view of one session.
type SessionInfo struct {
	Kind      string    `json:"kind"`
	Stage     string    `json:"stage"`
	Fighters  []string  `json:"fighters"`
	Tags      []string  `json:"tags"`
	Frames    int       `json:"frames"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}

// LinkInfo is the status view of the console link.
type LinkInfo struct {
	State     string    `json:"state"`
	Console   string    `json:"console,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Since     time.Time `json:"since"`
}

// Collector implements the session listener interfaces. Callbacks arrive on
// the controller goroutine; HTTP handlers read the copied state under mu.
type Collector struct {
	sessions       *prometheus.CounterVec
	resets         prometheus.Counter
	frames         *prometheus.CounterVec
	connected      prometheus.Gauge
	connectFails   prometheus.Counter
	disconnects    *prometheus.CounterVec
	sessionFrames  *prometheus.HistogramVec
	sessionSeconds *prometheus.HistogramVec

	mu     sync.RWMutex
	link   LinkInfo
	active *SessionInfo
	last   *SessionInfo
	now    func() time.Time
}

// NewCollector registers all series with reg. When tracker is non-nil its
// counters are exported as well.
func NewCollector(reg prometheus.Registerer, tracker *stats.Tracker) *Collector {
	factory := promauto.With(reg)
	c := &Collector{
		sessions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Sessions started or resumed, by kind.",
		}, []string{"kind"}),
		resets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "training_resets_total",
			Help:      "Training rooms restarted in place.",
		}),
		frames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_committed_total",
			Help:      "Synchronized frames committed, by session kind.",
		}, []string{"kind"}),
		connected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "console_connected",
			Help:      "1 while a console link is up.",
		}),
		connectFails: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Dial or handshake failures.",
		}),
		disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Links that ended after connecting, by reason.",
		}, []string{"reason"}),
		sessionFrames: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_frames",
			Help:      "Frames per finished session.",
			Buckets:   prometheus.ExponentialBuckets(60, 2, 10),
		}, []string{"kind"}),
		sessionSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Wall-clock length of finished sessions.",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 10),
		}, []string{"kind"}),
		now: time.Now,
	}
	c.link = LinkInfo{State: "disconnected", Since: c.now()}
	if tracker != nil {
		registerTracker(factory, tracker)
	}
	return c
}

func registerTracker(factory promauto.Factory, t *stats.Tracker) {
	counter := func(name, help string, read func(stats.Snapshot) uint64) {
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read(t.Snapshot())) })
	}
	counter("messages_total", "Messages read from the console.", stats.Snapshot.TotalMessages)
	counter("bytes_read_total", "Bytes read from the console.", func(s stats.Snapshot) uint64 { return s.BytesRead })
	counter("unmapped_slots_total", "Fighter states for slots the match did not announce.", func(s stats.Snapshot) uint64 { return s.UnmappedSlots })
	counter("orphan_samples_total", "Fighter states with no session to belong to.", func(s stats.Snapshot) uint64 { return s.OrphanSamples })
	counter("resyncs_total", "Synchronizer resynchronizations.", func(s stats.Snapshot) uint64 { return s.ResyncRuns })
	counter("resync_discarded_total", "Samples discarded while resynchronizing.", func(s stats.Snapshot) uint64 { return s.ResyncDiscarded })
	counter("unexpected_disconnects_total", "Links lost without a local request.", func(s stats.Snapshot) uint64 { return s.UnexpectedDisconnects })
}

// Link returns the current link view.
func (c *Collector) Link() LinkInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.link
}

// Sessions returns copies of the open and the last finished session views.
func (c *Collector) Sessions() (active, last *SessionInfo) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyInfo(c.active), copyInfo(c.last)
}

func copyInfo(s *SessionInfo) *SessionInfo {
	if s == nil {
		return nil
	}
	cp := *s
	return &cp
}

func (c *Collector) setLink(state, console string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if console == "" && state != "disconnected" {
		console = c.link.Console
	}
	c.link = LinkInfo{State: state, Console: console, Since: c.now()}
	if err != nil {
		c.link.LastError = err.Error()
	}
}

func describe(s *session.Session) *SessionInfo {
	info := &SessionInfo{
		Kind:      s.Kind().String(),
		Stage:     s.StageName(),
		Tags:      s.Tags(),
		Frames:    s.FrameCount(),
		StartedAt: s.StartedAt(),
		EndedAt:   s.EndedAt(),
	}
	for i := 0; i < s.FighterCount(); i++ {
		info.Fighters = append(info.Fighters, s.FighterName(i))
	}
	return info
}

func (c *Collector) started(s *session.Session) {
	c.sessions.WithLabelValues(s.Kind().String()).Inc()
	c.mu.Lock()
	c.active = describe(s)
	c.mu.Unlock()
}

func (c *Collector) ended(s *session.Session) {
	kind := s.Kind().String()
	c.sessionFrames.WithLabelValues(kind).Observe(float64(s.FrameCount()))
	c.sessionSeconds.WithLabelValues(kind).Observe(s.Duration(c.now()).Seconds())
	c.mu.Lock()
	c.last = describe(s)
	c.active = nil
	c.mu.Unlock()
}

func (c *Collector) OnAttemptConnect(host string, port int) {
	c.setLink("connecting", hostPort(host, port), nil)
}

func (c *Collector) OnConnectFailed(err error, host string, port int) {
	c.connectFails.Inc()
	c.setLink("disconnected", hostPort(host, port), err)
}

func (c *Collector) OnConnected(host string, port int) {
	c.connected.Set(1)
	c.setLink("connected", hostPort(host, port), nil)
}

func (c *Collector) OnDisconnected(err error) {
	c.connected.Set(0)
	reason := "requested"
	if err != nil {
		reason = "lost"
	}
	c.disconnects.WithLabelValues(reason).Inc()
	c.setLink("disconnected", "", err)
}

func (c *Collector) OnGameStarted(s *session.Session)     { c.started(s) }
func (c *Collector) OnGameResumed(s *session.Session)     { c.started(s) }
func (c *Collector) OnGameEnded(s *session.Session)       { c.ended(s) }
func (c *Collector) OnTrainingStarted(s *session.Session) { c.started(s) }
func (c *Collector) OnTrainingResumed(s *session.Session) { c.started(s) }
func (c *Collector) OnTrainingEnded(s *session.Session)   { c.ended(s) }

func (c *Collector) OnTrainingReset(old, cur *session.Session) {
	c.resets.Inc()
	c.ended(old)
	c.started(cur)
}

func (c *Collector) OnFrame(s *session.Session, _ telemetry.Frame) {
	c.frames.WithLabelValues(s.Kind().String()).Inc()
	c.mu.Lock()
	if c.active != nil {
		c.active.Frames = s.FrameCount()
	}
	c.mu.Unlock()
}
