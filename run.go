package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"fightlink/buffer"
	"fightlink/config"
	"fightlink/mapping"
	"fightlink/metrics"
	"fightlink/protocol"
	"fightlink/publish"
	"fightlink/recorder"
	"fightlink/session"
	"fightlink/stats"
)

type runFlags struct {
	host      string
	port      int
	reconnect time.Duration
}

func runCmd(load func() (*config.Config, error)) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to a console and follow its sessions",
		Long: `Connect to the console named by console.host (or --host), negotiate the
protocol and mappings, and follow matches and training rooms until
interrupted. Sessions are logged and, when configured, exported as metrics,
published over MQTT and captured to disk.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if flags.host != "" {
				cfg.Console.Host = flags.host
			}
			if flags.port > 0 {
				cfg.Console.Port = flags.port
			}
			if cfg.Console.Host == "" {
				return errors.New("no console host configured; set console.host or pass --host")
			}
			return runClient(cmd.Context(), cfg, flags.reconnect)
		},
	}

	cmd.Flags().StringVar(&flags.host, "host", "", "console address (overrides console.host)")
	cmd.Flags().IntVarP(&flags.port, "port", "p", 0, "console port (overrides console.port)")
	cmd.Flags().DurationVar(&flags.reconnect, "reconnect", 0, "reconnect after this delay when the link ends (0 exits instead)")

	return cmd
}

// linkWatcher reports the end of each connection attempt to the run loop.
type linkWatcher struct {
	ended chan error
}

func newLinkWatcher() *linkWatcher { return &linkWatcher{ended: make(chan error, 1)} }

func (w *linkWatcher) signal(err error) {
	select {
	case w.ended <- err:
	default:
	}
}

func (w *linkWatcher) OnAttemptConnect(string, int)               {}
func (w *linkWatcher) OnConnected(string, int)                    {}
func (w *linkWatcher) OnConnectFailed(err error, _ string, _ int) { w.signal(err) }
func (w *linkWatcher) OnDisconnected(err error)                   { w.signal(err) }

// Purpose: Run the client until interrupted or the console link ends.
// Key aspects: Listeners are registered before the first event is drained;
// shutdown closes the client first so every session end reaches listeners
// before exporters are torn down.
// Upstream: runCmd.
// Downstream: protocol.Client, session.Controller, metrics, publish, recorder.
func runClient(parent context.Context, cfg *config.Config, reconnect time.Duration) error {
	fanout, logErr := setupLogging(cfg.Logging, os.Stdout)
	log.SetFlags(0)
	log.SetOutput(fanout)
	defer fanout.Close()
	if logErr != nil {
		log.Printf("Logging: file logging disabled: %v", logErr)
	}
	cfg.Print()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cached, err := mapping.Load(cfg.Mapping.CachePath)
	if err != nil {
		log.Printf("Mapping: no usable cache (%v); will fetch from console", err)
		cached = nil
	} else {
		c := cached.Counts()
		log.Printf("Mapping: loaded %08x from %s (%d fighters, %d stages)", cached.Checksum(), cfg.Mapping.CachePath, c.Fighters, c.Stages)
	}

	tracker := stats.NewTracker()
	recent := buffer.NewRingBuffer(cfg.Session.RecentFrames)
	dispatcher := &session.Dispatcher{}
	watch := newLinkWatcher()
	dispatcher.Register(watch)

	var tap protocol.Tap
	if cfg.Capture.Enabled {
		rec, err := recorder.Open(cfg.Capture.Path)
		if err != nil {
			return fmt.Errorf("open capture store: %w", err)
		}
		defer func() {
			if err := rec.Close(); err != nil {
				log.Printf("Recorder: close: %v", err)
			}
		}()
		log.Printf("Recorder: capturing to %s", cfg.Capture.Path)
		tap = rec
	}

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		collector := metrics.NewCollector(reg, tracker)
		dispatcher.Register(collector)
		srv := metrics.NewServer(collector, reg, tracker, recent)
		if err := srv.Start(cfg.Metrics.Listen); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Printf("Metrics: shutdown: %v", err)
			}
		}()
	}

	if cfg.MQTT.Enabled {
		pub := publish.New(publish.Config{
			Broker:      cfg.MQTT.Broker,
			Port:        cfg.MQTT.Port,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			FrameEvery:  cfg.MQTT.FrameEvery,
		})
		if err := pub.Connect(); err != nil {
			log.Printf("Publish: warning: %v (continuing without MQTT)", err)
		} else {
			dispatcher.Register(pub)
			defer pub.Close()
		}
	}

	client := protocol.NewClient(protocol.Options{
		DialTimeout: cfg.DialTimeout(),
		QueueSize:   cfg.Session.EventQueue,
		Cached:      cached,
		Tap:         tap,
		Stats:       tracker,
	})
	ctrl := session.NewController(session.Options{
		ResetDebounce:    cfg.ResetDebounce(),
		Mapping:          cached,
		MappingCachePath: cfg.Mapping.CachePath,
		Stats:            tracker,
		Recent:           recent,
	}, dispatcher)

	// The controller stops when the client closes its event stream, not on
	// ctx, so the final session end and disconnect are always delivered.
	ctrlDone := make(chan struct{})
	go func() {
		defer close(ctrlDone)
		_ = ctrl.Run(context.Background(), client.Events())
	}()

	fanout.SetRotateHook(func(prev, next string) {
		log.Printf("Logging: rotated %s -> %s", filepath.Base(prev), filepath.Base(next))
		for _, line := range tracker.SnapshotLines() {
			fanout.WriteFileOnly(line)
		}
	})
	if interval := cfg.StatsInterval(); interval > 0 {
		go displayStats(ctx, interval, tracker, fanout)
	}

	linkErr := followConsole(ctx, client, watch, cfg.Console.Host, cfg.Console.Port, reconnect)

	if ctx.Err() != nil {
		log.Println("Shutting down gracefully...")
	}
	client.Close()
	<-ctrlDone
	for _, line := range tracker.SnapshotLines() {
		log.Print(line)
	}
	return linkErr
}

// followConsole connects and, when reconnect is positive, keeps reconnecting
// each time the link ends. It returns nil when ctx ends and the last link
// error otherwise.
func followConsole(ctx context.Context, client *protocol.Client, watch *linkWatcher, host string, port int, reconnect time.Duration) error {
	for {
		if err := client.Connect(ctx, host, port); err != nil {
			return err
		}
		var linkErr error
		select {
		case <-ctx.Done():
			return nil
		case linkErr = <-watch.ended:
		}
		if reconnect <= 0 {
			return linkErr
		}
		log.Printf("Run: link ended (%v); reconnecting in %s", linkErr, reconnect)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnect):
		}
	}
}

// displayStats logs the tracker summary on a fixed interval. The summary also
// goes to the log file verbatim so daily files carry a running record.
func displayStats(ctx context.Context, interval time.Duration, tracker *stats.Tracker, fanout *logFanout) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var gc pauseWindow
	var mem runtime.MemStats
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runtime.ReadMemStats(&mem)
			lines := append(tracker.SnapshotLines(), runtimeLine(&mem, gc.observe(&mem), runtime.NumGoroutine()))
			for _, line := range lines {
				fmt.Println(line)
				fanout.WriteFileOnly(line)
			}
		}
	}
}
