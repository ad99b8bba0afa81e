// Package sqliteutil holds the SQLite open path shared by on-disk stores: a
// bounded health check that quarantines unreadable files so startup never
// stalls on a damaged capture database, followed by a tuned open.
package sqliteutil

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// PreflightResult reports the outcome of a SQLite preflight check.
type PreflightResult struct {
	Healthy         bool   // No issues detected; safe to proceed.
	Fresh           bool   // No database existed yet.
	Quarantined     bool   // The database was renamed aside.
	QuarantinePath  string // Path of the quarantined database (main file only).
	Elapsed         time.Duration
	CheckpointError error // Nil when checkpoint succeeded.
	CheckError      error // Nil when quick_check succeeded.
}

// Preflight runs a bounded WAL checkpoint + quick_check on an existing
// database. On failure it renames the database (and sidecars) to a
// timestamped quarantine path so the caller can start over with a fresh file.
func Preflight(path, role string, timeout time.Duration, logf func(string, ...any)) (PreflightResult, error) {
	res := PreflightResult{}
	if strings.TrimSpace(path) == "" {
		return res, errors.New("preflight: empty path")
	}
	if logf == nil {
		logf = log.Printf
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	start := time.Now()
	existing := collectExisting(path)
	if !existing[0].have {
		res.Healthy = true
		res.Fresh = true
		return res, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return res, fmt.Errorf("preflight: open %s db: %w", role, err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(ctx, fmt.Sprintf("pragma busy_timeout=%d", timeout.Milliseconds())); err != nil {
		return res, fmt.Errorf("preflight: set busy_timeout %s: %w", role, err)
	}

	res.CheckpointError = runCheckpoint(ctx, db)
	res.CheckError = quickCheck(ctx, db)
	res.Elapsed = time.Since(start)
	if res.CheckpointError == nil && res.CheckError == nil {
		res.Healthy = true
		return res, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("preflight: %s db timed out after %s", role, timeout)
	}

	_ = db.Close()
	quarantinePath, err := quarantine(path, existing, logf)
	if err != nil {
		return res, fmt.Errorf("preflight: %s db quarantine failed: %w (checkpoint=%v, quick_check=%v)", role, err, res.CheckpointError, res.CheckError)
	}
	res.Quarantined = true
	res.QuarantinePath = quarantinePath
	cause := res.CheckError
	if res.CheckpointError != nil {
		cause = res.CheckpointError
	}
	logf("%s db preflight failed (%v); quarantined to %s; elapsed=%s", role, cause, quarantinePath, res.Elapsed)
	return res, nil
}

// Open preflights path, creates its directory and returns a handle tuned for a
// single writer: one connection, WAL journal and a busy timeout.
func Open(path, role string, timeout time.Duration) (*sql.DB, PreflightResult, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, PreflightResult{}, fmt.Errorf("%s db: ensure dir: %w", role, err)
	}
	res, err := Preflight(path, role, timeout, nil)
	if err != nil {
		return nil, res, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, res, fmt.Errorf("%s db: open: %w", role, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"pragma journal_mode=WAL",
		fmt.Sprintf("pragma busy_timeout=%d", timeout.Milliseconds()),
		"pragma synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, res, fmt.Errorf("%s db: %s: %w", role, pragma, err)
		}
	}
	return db, res, nil
}

func runCheckpoint(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, "pragma wal_checkpoint(TRUNCATE)")
	return err
}

func quickCheck(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, "pragma quick_check")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return err
		}
		if strings.TrimSpace(status) != "ok" {
			return fmt.Errorf("quick_check reported %q", status)
		}
	}
	return rows.Err()
}

type fileState struct {
	path string
	have bool
}

// collectExisting returns the main file first, then its sidecars.
func collectExisting(path string) []fileState {
	targets := []string{path, path + "-wal", path + "-shm", path + "-journal"}
	out := make([]fileState, 0, len(targets))
	for _, t := range targets {
		_, err := os.Stat(t)
		out = append(out, fileState{path: t, have: err == nil})
	}
	return out
}

func quarantine(path string, existing []fileState, logf func(string, ...any)) (string, error) {
	ts := time.Now().UTC().Format("20060102T150405Z")
	for _, state := range existing {
		if !state.have {
			continue
		}
		if err := os.Rename(state.path, state.path+".bad-"+ts); err != nil {
			if os.IsNotExist(err) {
				// sidecars can vanish during the failed checkpoint
				logf("preflight: %s disappeared before quarantine", state.path)
				continue
			}
			return "", err
		}
	}
	return path + ".bad-" + ts, nil
}
