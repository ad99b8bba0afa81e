package metrics

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"fightlink/buffer"
	"fightlink/stats"
	"fightlink/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultRecent = 10
	maxRecent     = 600
)

// Server serves /metrics, /status and /healthz.
type Server struct {
	collector *Collector
	gatherer  prometheus.Gatherer
	tracker   *stats.Tracker
	recent    *buffer.RingBuffer
	srv       *http.Server
	ln        net.Listener
}

// NewServer builds the HTTP surface. recent and tracker may be nil.
func NewServer(c *Collector, g prometheus.Gatherer, tracker *stats.Tracker, recent *buffer.RingBuffer) *Server {
	s := &Server{collector: c, gatherer: g, tracker: tracker, recent: recent}
	s.srv = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router returns the chi router; exposed for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/status", s.handleStatus)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return r
}

// Start binds addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics: listen %s: %w", addr, err)
	}
	s.ln = ln
	log.Printf("Metrics: serving on http://%s", ln.Addr())
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Metrics: server stopped: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address after Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type frameView struct {
	Kind       string                   `json:"kind"`
	Index      uint32                   `json:"index"`
	FramesLeft uint32                   `json:"frames_left"`
	Fighters   []telemetry.FighterState `json:"fighters"`
}

type statusView struct {
	Link     LinkInfo     `json:"link"`
	Active   *SessionInfo `json:"active,omitempty"`
	Last     *SessionInfo `json:"last,omitempty"`
	Stats    statsView    `json:"stats"`
	Recent   []frameView  `json:"recent"`
	BufferKB int          `json:"buffer_kb"`
}

type statsView struct {
	Messages        map[string]uint64 `json:"messages"`
	BytesRead       uint64            `json:"bytes_read"`
	FramesCommitted uint64            `json:"frames_committed"`
	ResyncRuns      uint64            `json:"resync_runs"`
	ResyncDiscarded uint64            `json:"resync_discarded"`
	UnmappedSlots   uint64            `json:"unmapped_slots"`
	OrphanSamples   uint64            `json:"orphan_samples"`
	Uptime          string            `json:"uptime"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	n := defaultRecent
	if q := r.URL.Query().Get("frames"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v < 0 {
			http.Error(w, "frames must be a non-negative integer", http.StatusBadRequest)
			return
		}
		n = min(v, maxRecent)
	}
	view := statusView{Recent: []frameView{}}
	if s.collector != nil {
		view.Link = s.collector.Link()
		view.Active, view.Last = s.collector.Sessions()
	}
	snap := s.tracker.Snapshot()
	view.Stats = statsView{
		Messages:        snap.Messages,
		BytesRead:       snap.BytesRead,
		FramesCommitted: snap.FramesCommitted,
		ResyncRuns:      snap.ResyncRuns,
		ResyncDiscarded: snap.ResyncDiscarded,
		UnmappedSlots:   snap.UnmappedSlots,
		OrphanSamples:   snap.OrphanSamples,
		Uptime:          snap.Uptime.Truncate(time.Second).String(),
	}
	if s.recent != nil && n > 0 {
		for _, e := range s.recent.GetRecent(n) {
			view.Recent = append(view.Recent, frameView{
				Kind:       e.Kind.String(),
				Index:      e.Frame.Index,
				FramesLeft: e.Frame.FramesLeft(),
				Fighters:   e.Frame.Fighters,
			})
		}
		view.BufferKB = s.recent.GetSizeKB()
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	if err := enc.Encode(view); err != nil {
		log.Printf("Metrics: encode status: %v", err)
	}
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
