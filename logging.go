package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"fightlink/config"

	"golang.org/x/term"
)

const (
	logTimestampLayout = "2006/01/02 15:04:05.000"
	logFilePrefix      = "fightlink-"
	logFileDateLayout  = "2006-01-02"
	maxPartialLine     = 16 * 1024
)

// lineSink receives complete log lines.
type lineSink interface {
	WriteLine(line string, now time.Time)
	Close() error
}

type writerSink struct {
	w          io.Writer
	timestamps bool
}

func (s *writerSink) WriteLine(line string, now time.Time) {
	if s.timestamps {
		line = now.Format(logTimestampLayout) + " " + line
	}
	_, _ = io.WriteString(s.w, line+"\n")
}

func (s *writerSink) Close() error { return nil }

// rotateHook runs after the file sink switched to a new day, outside its lock.
type rotateHook func(prevPath, newPath string)

// dailyFileSink writes one file per UTC day and prunes files older than the
// retention window whenever it opens a new one.
type dailyFileSink struct {
	dir       string
	retention int

	mu       sync.Mutex
	day      string
	path     string
	file     *os.File
	hook     rotateHook
	lastWarn time.Time
}

// Purpose: Create the file sink and prune stale files once up front.
// Key aspects: The first file is opened lazily on the first line.
// Upstream: setupLogging.
// Downstream: pruneLogs.
func newDailyFileSink(dir string, retentionDays int) (*dailyFileSink, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("log directory is empty")
	}
	if retentionDays <= 0 {
		retentionDays = 7
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory %q: %w", dir, err)
	}
	if err := pruneLogs(dir, time.Now().UTC(), retentionDays); err != nil {
		fmt.Fprintf(os.Stderr, "Logging: prune %s: %v\n", dir, err)
	}
	return &dailyFileSink{dir: dir, retention: retentionDays}, nil
}

func (s *dailyFileSink) WriteLine(line string, now time.Time) {
	now = now.UTC()
	day := now.Format(logFileDateLayout)

	s.mu.Lock()
	var hook rotateHook
	var prev string
	if s.file == nil || s.day != day {
		prev = s.path
		if s.open(day, now) && prev != "" && prev != s.path {
			hook = s.hook
		}
	}
	if s.file != nil {
		if _, err := s.file.WriteString(now.Format(logTimestampLayout) + " " + line + "\n"); err != nil {
			s.warn(now, fmt.Errorf("write %s: %w", s.path, err))
		}
	}
	newPath := s.path
	s.mu.Unlock()

	if hook != nil {
		hook(prev, newPath)
	}
}

// open switches to the file for day. Caller holds mu.
func (s *dailyFileSink) open(day string, now time.Time) bool {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	path := filepath.Join(s.dir, logFilePrefix+day+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.warn(now, fmt.Errorf("open %s: %w", path, err))
		return false
	}
	s.file, s.day, s.path = f, day, path
	if err := pruneLogs(s.dir, now, s.retention); err != nil {
		s.warn(now, fmt.Errorf("prune: %w", err))
	}
	return true
}

// warn reports sink failures on stderr at most once a minute.
func (s *dailyFileSink) warn(now time.Time, err error) {
	if !s.lastWarn.IsZero() && now.Sub(s.lastWarn) < time.Minute {
		return
	}
	s.lastWarn = now
	fmt.Fprintf(os.Stderr, "Logging: %v\n", err)
}

func (s *dailyFileSink) SetRotateHook(h rotateHook) {
	s.mu.Lock()
	s.hook = h
	s.mu.Unlock()
}

func (s *dailyFileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.day, s.path = nil, "", ""
	return err
}

// logFanout is the io.Writer handed to log.SetOutput. It splits the byte
// stream into lines and copies each line to the console and file sinks.
type logFanout struct {
	mu      sync.Mutex
	partial []byte
	console lineSink
	file    *dailyFileSink
}

// Purpose: Wire logging from config without failing startup.
// Key aspects: Console timestamps are only added on a terminal; under a
// supervisor the journal stamps lines itself. A file sink error is returned
// alongside a working console-only fanout.
// Upstream: main startup.
// Downstream: newDailyFileSink.
func setupLogging(cfg config.LoggingConfig, console io.Writer) (*logFanout, error) {
	f := &logFanout{console: &writerSink{w: console, timestamps: isTerminal(console)}}
	if !cfg.Enabled {
		return f, nil
	}
	sink, err := newDailyFileSink(cfg.Dir, cfg.RetentionDays)
	if err != nil {
		return f, err
	}
	f.file = sink
	return f, nil
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	return ok && term.IsTerminal(int(file.Fd()))
}

// SetRotateHook forwards to the file sink; a no-op without file logging.
func (f *logFanout) SetRotateHook(h rotateHook) {
	f.mu.Lock()
	sink := f.file
	f.mu.Unlock()
	if sink != nil {
		sink.SetRotateHook(h)
	}
}

func (f *logFanout) Write(p []byte) (int, error) {
	f.mu.Lock()
	f.partial = append(f.partial, p...)
	var lines []string
	for {
		i := bytes.IndexByte(f.partial, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimRight(f.partial[:i], "\r")))
		f.partial = f.partial[i+1:]
	}
	if len(f.partial) > maxPartialLine {
		lines = append(lines, string(f.partial))
		f.partial = nil
	}
	if len(f.partial) == 0 {
		f.partial = nil
	}
	console, file := f.console, f.file
	f.mu.Unlock()

	now := time.Now()
	for _, line := range lines {
		if console != nil {
			console.WriteLine(line, now)
		}
		if file != nil {
			file.WriteLine(line, now)
		}
	}
	return len(p), nil
}

// WriteFileOnly records a line in the log file without echoing it to the
// console; used for the periodic stats summary.
func (f *logFanout) WriteFileOnly(line string) {
	f.mu.Lock()
	file := f.file
	f.mu.Unlock()
	if file != nil {
		file.WriteLine(line, time.Now())
	}
}

func (f *logFanout) Close() error {
	f.mu.Lock()
	file := f.file
	f.file = nil
	f.mu.Unlock()
	if file != nil {
		return file.Close()
	}
	return nil
}

func parseLogFileDate(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, logFilePrefix) || filepath.Ext(name) != ".log" {
		return time.Time{}, false
	}
	day := strings.TrimSuffix(strings.TrimPrefix(name, logFilePrefix), ".log")
	t, err := time.ParseInLocation(logFileDateLayout, day, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// pruneLogs removes log files dated before the retention window. Today
// counts as the first retained day.
func pruneLogs(dir string, now time.Time, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	y, m, d := now.UTC().Date()
	cutoff := time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -(retentionDays - 1))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if day, ok := parseLogFileDate(e.Name()); ok && day.Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	return nil
}
