package main

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fightlink/config"
)

func TestParseLogFileDate(t *testing.T) {
	parsed, ok := parseLogFileDate("fightlink-2026-01-22.log")
	if !ok {
		t.Fatalf("expected parse to succeed")
	}
	if parsed.Year() != 2026 || parsed.Month() != time.January || parsed.Day() != 22 {
		t.Fatalf("unexpected parsed date: %s", parsed.Format(time.RFC3339))
	}
	for _, name := range []string{"notes.txt", "2026-01-22.log", "fightlink-22-Jan-2026.log"} {
		if _, ok := parseLogFileDate(name); ok {
			t.Fatalf("expected %q to be rejected", name)
		}
	}
}

func TestPruneLogs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"fightlink-2026-01-20.log",
		"fightlink-2026-01-21.log",
		"fightlink-2026-01-22.log",
		"notes.txt",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	now := time.Date(2026, time.January, 22, 12, 0, 0, 0, time.UTC)
	if err := pruneLogs(dir, now, 2); err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "fightlink-2026-01-20.log")); !os.IsNotExist(err) {
		t.Fatalf("expected oldest log removed, stat err=%v", err)
	}
	for _, name := range []string{"fightlink-2026-01-21.log", "fightlink-2026-01-22.log", "notes.txt"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s to remain: %v", name, err)
		}
	}
}

func TestDailyFileSinkRotates(t *testing.T) {
	dir := t.TempDir()
	sink, err := newDailyFileSink(dir, 30)
	if err != nil {
		t.Fatalf("newDailyFileSink: %v", err)
	}
	defer sink.Close()

	var prev, next string
	sink.SetRotateHook(func(p, n string) { prev, next = p, n })

	day1 := time.Date(2026, time.January, 22, 23, 59, 0, 0, time.UTC)
	sink.WriteLine("first", day1)
	if prev != "" {
		t.Fatalf("opening the first file is not a rotation")
	}
	sink.WriteLine("second", day1.Add(2*time.Minute))
	if filepath.Base(prev) != "fightlink-2026-01-22.log" || filepath.Base(next) != "fightlink-2026-01-23.log" {
		t.Fatalf("unexpected rotation %q -> %q", prev, next)
	}
	data, err := os.ReadFile(next)
	if err != nil {
		t.Fatalf("read new log: %v", err)
	}
	if !strings.HasSuffix(string(data), " second\n") {
		t.Fatalf("unexpected log content %q", data)
	}
}

func TestRotateHookMayLog(t *testing.T) {
	dir := t.TempDir()
	fanout, err := setupLogging(config.LoggingConfig{Enabled: true, Dir: dir, RetentionDays: 2}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("setupLogging: %v", err)
	}
	defer fanout.Close()
	logger := log.New(fanout, "", 0)
	logger.Print("prime")

	// Pretend the current file is from yesterday so the next line rotates.
	fanout.file.mu.Lock()
	fanout.file.day = "2000-01-01"
	fanout.file.path = filepath.Join(dir, "fightlink-2000-01-01.log")
	fanout.file.mu.Unlock()

	hooked := make(chan struct{})
	fanout.SetRotateHook(func(string, string) {
		logger.Print("rotated")
		close(hooked)
	})
	done := make(chan struct{})
	go func() {
		logger.Print("trigger")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("logging from the rotate hook deadlocked")
	}
	<-hooked
}

func TestFanoutSplitsLinesAndSkipsConsoleTimestamps(t *testing.T) {
	var console bytes.Buffer
	fanout, err := setupLogging(config.LoggingConfig{}, &console)
	if err != nil {
		t.Fatalf("setupLogging: %v", err)
	}
	_, _ = fanout.Write([]byte("Protocol: one\nProtocol: tw"))
	_, _ = fanout.Write([]byte("o\r\n"))
	if got := console.String(); got != "Protocol: one\nProtocol: two\n" {
		t.Fatalf("unexpected console output %q", got)
	}
	fanout.WriteFileOnly("not on console")
	if strings.Contains(console.String(), "not on console") {
		t.Fatalf("file-only line leaked to console")
	}
}
