// Package emulator plays the console side of the telemetry protocol over TCP.
// It answers the version and mapping handshake like the real console and then
// streams a Script, which makes it possible to exercise the client, the
// synchronizer and every listener without hardware.
package emulator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"fightlink/mapping"
	"fightlink/wire"
)

const defaultWriteDeadline = 2 * time.Second

// Options configures what the emulated console reports and plays.
type Options struct {
	// Major/Minor override the advertised protocol version. A zero Major
	// advertises the version this module speaks.
	Major uint8
	Minor uint8
	// Mapping defaults to DefaultMapping().
	Mapping *mapping.Table
	Script  Script
	// Speed scales playback; 2 plays twice as fast. Zero means real time.
	Speed float64
	// NoDelay ignores step delays entirely.
	NoDelay bool
	Loop    bool
	// CloseWhenDone hangs up after the script finishes instead of idling.
	CloseWhenDone bool
}

// Server is a listening emulated console. Each accepted client gets its own
// handshake and its own playback of the script.
type Server struct {
	opts     Options
	listener net.Listener
	shutdown chan struct{}
	once     sync.Once
	wg       sync.WaitGroup

	clientsMu sync.Mutex
	clients   map[net.Conn]struct{}

	served atomic.Uint64
}

// Listen binds addr (use "127.0.0.1:0" for an ephemeral port) and starts
// accepting clients.
func Listen(addr string, opts Options) (*Server, error) {
	if opts.Mapping == nil {
		opts.Mapping = DefaultMapping()
	}
	if opts.Major == 0 {
		opts.Major, opts.Minor = wire.VersionMajor, wire.VersionMinor
	}
	if opts.Speed <= 0 {
		opts.Speed = 1
	}
	ln, err := listenWithReuse(addr)
	if err != nil {
		return nil, fmt.Errorf("emulator: listen %s: %w", addr, err)
	}
	s := &Server{
		opts:     opts,
		listener: ln,
		shutdown: make(chan struct{}),
		clients:  make(map[net.Conn]struct{}),
	}
	log.Printf("Emulator: listening on %s (protocol %d.%d, mapping %08x, %d steps)",
		ln.Addr(), opts.Major, opts.Minor, opts.Mapping.Checksum(), len(opts.Script))
	s.wg.Add(1)
	go s.acceptConnections()
	return s, nil
}

func listenWithReuse(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			controlErr := c.Control(func(fd uintptr) {
				sockErr = setReuseAddr(fd)
			})
			if controlErr != nil {
				return controlErr
			}
			return sockErr
		},
	}
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		// Fall back for platforms that reject the control call.
		return net.Listen("tcp", addr)
	}
	return listener, nil
}

// Addr returns the bound address.
func (s *Server) Addr() *net.TCPAddr {
	addr, _ := s.listener.Addr().(*net.TCPAddr)
	return addr
}

// Served returns how many clients have been accepted.
func (s *Server) Served() uint64 { return s.served.Load() }

// Close stops accepting, hangs up every client and waits for their goroutines.
func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		close(s.shutdown)
		err = s.listener.Close()
		s.clientsMu.Lock()
		for c := range s.clients {
			c.Close()
		}
		s.clientsMu.Unlock()
		s.wg.Wait()
	})
	return err
}

func (s *Server) acceptConnections() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("Emulator: accept: %v", err)
			continue
		}
		s.clientsMu.Lock()
		select {
		case <-s.shutdown:
			s.clientsMu.Unlock()
			conn.Close()
			return
		default:
		}
		s.clients[conn] = struct{}{}
		s.clientsMu.Unlock()
		s.served.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleClient(conn)
			s.clientsMu.Lock()
			delete(s.clients, conn)
			s.clientsMu.Unlock()
		}()
	}
}

// session is one connected client.
type session struct {
	s       *Server
	conn    net.Conn
	writeMu sync.Mutex
	done    chan struct{}
	playing bool
}

// Purpose: Serve one client from handshake to hang-up.
// Key aspects: Requests are single tag bytes; replies and script playback
// share the connection under writeMu. Playback starts at the first resume
// request, which a client sends once it considers the handshake complete.
// Upstream: acceptConnections.
// Downstream: play.
func (s *Server) handleClient(conn net.Conn) {
	log.Printf("Emulator: client %s connected", conn.RemoteAddr())
	cs := &session{s: s, conn: conn, done: make(chan struct{})}
	var playback sync.WaitGroup
	defer func() {
		close(cs.done)
		conn.Close()
		playback.Wait()
	}()
	r := bufio.NewReader(conn)
	for {
		b, err := r.ReadByte()
		if err != nil {
			log.Printf("Emulator: client %s gone: %v", conn.RemoteAddr(), err)
			return
		}
		tag := wire.MessageType(b)
		var reply []byte
		switch tag {
		case wire.ProtocolVersion:
			reply = wire.AppendVersion(nil, s.opts.Major, s.opts.Minor)
		case wire.MappingInfoChecksum:
			reply = wire.AppendChecksum(nil, wire.MappingInfoChecksum, s.opts.Mapping.Checksum())
		case wire.MappingInfoRequest:
			reply = appendMapping(nil, s.opts.Mapping)
		case wire.GameResume, wire.TrainingResume:
			if !cs.playing {
				cs.playing = true
				playback.Add(1)
				go func() {
					defer playback.Done()
					cs.play()
				}()
			}
		default:
			log.Printf("Emulator: ignoring request %s from %s", tag, conn.RemoteAddr())
		}
		if len(reply) > 0 {
			if err := cs.write(reply); err != nil {
				return
			}
		}
	}
}

func (cs *session) write(p []byte) error {
	cs.writeMu.Lock()
	defer cs.writeMu.Unlock()
	_ = cs.conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline))
	_, err := cs.conn.Write(p)
	return err
}

func (cs *session) play() {
	opts := cs.s.opts
	for {
		for _, step := range opts.Script {
			if !opts.NoDelay && step.Delay > 0 {
				t := time.NewTimer(time.Duration(float64(step.Delay) / opts.Speed))
				select {
				case <-t.C:
				case <-cs.done:
					t.Stop()
					return
				case <-cs.s.shutdown:
					t.Stop()
					return
				}
			}
			if len(step.Data) == 0 {
				continue
			}
			if err := cs.write(step.Data); err != nil {
				return
			}
		}
		if !opts.Loop || len(opts.Script) == 0 {
			break
		}
	}
	if opts.CloseWhenDone {
		log.Printf("Emulator: script finished, closing %s", cs.conn.RemoteAddr())
		cs.conn.Close()
	}
}
