// Package recorder captures the raw steady-state message stream of each
// console connection into SQLite so a session can be inspected offline or
// replayed through the emulator, without slowing the protocol worker.
package recorder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"fightlink/sqliteutil"
	"fightlink/wire"
)

const (
	defaultQueue = 4096
	batchSize    = 256
	flushEvery   = 500 * time.Millisecond
)

type opKind int

const (
	opStart opKind = iota
	opMessage
	opEnd
)

type op struct {
	kind opKind
	at   time.Time
	host string
	port int
	msg  wire.Message
	err  error
}

// Recorder implements protocol.Tap. Calls enqueue work for a single writer
// goroutine; when the queue is full messages are dropped and counted rather
// than stalling the socket reader.
type Recorder struct {
	db      *sql.DB
	ops     chan op
	done    chan struct{}
	dropped atomic.Uint64
	written atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) the capture database at path and starts the writer.
func Open(path string) (*Recorder, error) {
	db, res, err := sqliteutil.Open(path, "capture", 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("recorder: %w", err)
	}
	if res.Quarantined {
		log.Printf("Recorder: previous capture db quarantined to %s", res.QuarantinePath)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("recorder: schema: %w", err)
	}
	r := &Recorder{
		db:   db,
		ops:  make(chan op, defaultQueue),
		done: make(chan struct{}),
	}
	go r.writer()
	return r, nil
}

func initSchema(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS captures (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    host TEXT NOT NULL,
    port INTEGER NOT NULL,
    started_at INTEGER NOT NULL,
    ended_at INTEGER,
    messages INTEGER NOT NULL DEFAULT 0,
    bytes INTEGER NOT NULL DEFAULT 0,
    end_reason TEXT
);
CREATE TABLE IF NOT EXISTS capture_messages (
    capture_id INTEGER NOT NULL REFERENCES captures(id),
    seq INTEGER NOT NULL,
    offset_ms INTEGER NOT NULL,
    tag INTEGER NOT NULL,
    payload BLOB,
    PRIMARY KEY (capture_id, seq)
);`
	_, err := db.Exec(schema)
	return err
}

// OnConnected opens a new capture.
func (r *Recorder) OnConnected(host string, port int) {
	r.enqueue(op{kind: opStart, at: time.Now(), host: host, port: port}, true)
}

// OnMessage appends msg to the open capture.
func (r *Recorder) OnMessage(msg wire.Message) {
	r.enqueue(op{kind: opMessage, at: msg.TimeStamp, msg: msg}, false)
}

// OnDisconnected closes the open capture.
func (r *Recorder) OnDisconnected(err error) {
	r.enqueue(op{kind: opEnd, at: time.Now(), err: err}, true)
}

// Dropped returns how many messages were not recorded because the writer fell behind.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Written returns how many messages were committed to disk.
func (r *Recorder) Written() uint64 { return r.written.Load() }

func (r *Recorder) enqueue(o op, mustDeliver bool) {
	if r == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	if mustDeliver {
		r.ops <- o
		return
	}
	select {
	case r.ops <- o:
	default:
		if n := r.dropped.Add(1); n == 1 || n%1000 == 0 {
			log.Printf("Recorder: writer behind, %d messages dropped", n)
		}
	}
}

// Close flushes pending work and closes the database. Tap calls made after
// Close are ignored.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.ops)
	r.mu.Unlock()
	<-r.done
	return r.db.Close()
}

// capture is the writer's view of the open capture.
type capture struct {
	id      int64
	started time.Time
	seq     int64
	bytes   int64
	pending []op
}

// Purpose: Serialize all database writes on one goroutine.
// Key aspects: Messages are inserted in batched transactions, flushed by size,
// by timer, and at capture boundaries.
// Upstream: Open.
// Downstream: SQLite.
func (r *Recorder) writer() {
	defer close(r.done)
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()
	var cur *capture
	for {
		select {
		case o, ok := <-r.ops:
			if !ok {
				if cur != nil {
					r.flush(cur)
					r.finish(cur, time.Now(), errors.New("recorder closed"))
				}
				return
			}
			switch o.kind {
			case opStart:
				if cur != nil {
					r.flush(cur)
					r.finish(cur, o.at, errors.New("superseded"))
				}
				cur = r.start(o)
			case opMessage:
				if cur == nil {
					continue
				}
				cur.pending = append(cur.pending, o)
				if len(cur.pending) >= batchSize {
					r.flush(cur)
				}
			case opEnd:
				if cur != nil {
					r.flush(cur)
					r.finish(cur, o.at, o.err)
					cur = nil
				}
			}
		case <-ticker.C:
			if cur != nil {
				r.flush(cur)
			}
		}
	}
}

func (r *Recorder) start(o op) *capture {
	res, err := r.db.Exec(`INSERT INTO captures (host, port, started_at) VALUES (?, ?, ?)`,
		o.host, o.port, o.at.UTC().UnixMilli())
	if err != nil {
		log.Printf("Recorder: failed to open capture: %v", err)
		return nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		log.Printf("Recorder: failed to read capture id: %v", err)
		return nil
	}
	log.Printf("Recorder: capture %d started for %s:%d", id, o.host, o.port)
	return &capture{id: id, started: o.at}
}

func (r *Recorder) flush(c *capture) {
	if len(c.pending) == 0 {
		return
	}
	batch := c.pending
	c.pending = c.pending[:0]
	tx, err := r.db.Begin()
	if err != nil {
		log.Printf("Recorder: begin batch: %v", err)
		return
	}
	stmt, err := tx.Prepare(`INSERT INTO capture_messages (capture_id, seq, offset_ms, tag, payload) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		log.Printf("Recorder: prepare batch: %v", err)
		return
	}
	defer stmt.Close()
	seq, size := c.seq, c.bytes
	for _, o := range batch {
		offset := o.at.Sub(c.started).Milliseconds()
		if offset < 0 {
			offset = 0
		}
		if _, err := stmt.Exec(c.id, seq, offset, int(o.msg.Tag), o.msg.Payload); err != nil {
			_ = tx.Rollback()
			log.Printf("Recorder: insert message: %v", err)
			return
		}
		seq++
		size += int64(1 + len(o.msg.Payload))
	}
	if err := tx.Commit(); err != nil {
		log.Printf("Recorder: commit batch: %v", err)
		return
	}
	c.seq, c.bytes = seq, size
	r.written.Add(uint64(len(batch)))
}

func (r *Recorder) finish(c *capture, at time.Time, cause error) {
	if c == nil {
		return
	}
	reason := "disconnect"
	if cause != nil {
		reason = cause.Error()
	}
	_, err := r.db.Exec(`UPDATE captures SET ended_at = ?, messages = ?, bytes = ?, end_reason = ? WHERE id = ?`,
		at.UTC().UnixMilli(), c.seq, c.bytes, reason, c.id)
	if err != nil {
		log.Printf("Recorder: failed to close capture %d: %v", c.id, err)
		return
	}
	log.Printf("Recorder: capture %d closed with %d messages", c.id, c.seq)
}

// Capture describes one recorded connection.
type Capture struct {
	ID        int64
	Host      string
	Port      int
	StartedAt time.Time
	EndedAt   time.Time // zero while recording or after a crash
	Messages  int64
	Bytes     int64
	EndReason string
}

// Message is one recorded message with its offset from the capture start.
type Message struct {
	Seq    int64
	Offset time.Duration
	wire.Message
}

// List returns all captures, newest first.
func (r *Recorder) List(ctx context.Context) ([]Capture, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, host, port, started_at, ended_at, messages, bytes, end_reason
FROM captures ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("recorder: list: %w", err)
	}
	defer rows.Close()
	var out []Capture
	for rows.Next() {
		c, err := scanCapture(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCapture(s scanner) (Capture, error) {
	var (
		c       Capture
		started int64
		ended   sql.NullInt64
		reason  sql.NullString
	)
	if err := s.Scan(&c.ID, &c.Host, &c.Port, &started, &ended, &c.Messages, &c.Bytes, &reason); err != nil {
		return Capture{}, fmt.Errorf("recorder: scan capture: %w", err)
	}
	c.StartedAt = time.UnixMilli(started).UTC()
	if ended.Valid {
		c.EndedAt = time.UnixMilli(ended.Int64).UTC()
	}
	c.EndReason = reason.String
	return c, nil
}

// ErrNoCapture is returned by Load for an unknown capture ID.
var ErrNoCapture = errors.New("recorder: no such capture")

// Load returns a capture and its messages in recorded order. Message time
// stamps are rebuilt from the capture start and the stored offsets.
func (r *Recorder) Load(ctx context.Context, id int64) (Capture, []Message, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, host, port, started_at, ended_at, messages, bytes, end_reason
FROM captures WHERE id = ?`, id)
	c, err := scanCapture(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Capture{}, nil, ErrNoCapture
		}
		return Capture{}, nil, err
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT seq, offset_ms, tag, payload FROM capture_messages
WHERE capture_id = ? ORDER BY seq`, id)
	if err != nil {
		return Capture{}, nil, fmt.Errorf("recorder: load %d: %w", id, err)
	}
	defer rows.Close()
	var msgs []Message
	for rows.Next() {
		var (
			m       Message
			offset  int64
			tag     int
			payload []byte
		)
		if err := rows.Scan(&m.Seq, &offset, &tag, &payload); err != nil {
			return Capture{}, nil, fmt.Errorf("recorder: scan message: %w", err)
		}
		m.Offset = time.Duration(offset) * time.Millisecond
		m.Tag = wire.MessageType(tag)
		m.TimeStamp = c.StartedAt.Add(m.Offset)
		m.Payload = payload
		msgs = append(msgs, m)
	}
	return c, msgs, rows.Err()
}
