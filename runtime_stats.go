package main

import (
	"fmt"
	"runtime"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
)

// pauseWindow tracks GC pauses between summary ticks. Frames arrive every
// 16.7ms, so a pause longer than that shows up as a late frame downstream.
// displayStats owns the instance; it is not safe for concurrent use.
type pauseWindow struct {
	lastNumGC uint32
	primed    bool
}

// pauseStats summarizes the pauses of one window.
type pauseStats struct {
	Count int
	P99   time.Duration
	Max   time.Duration
	// Partial is set when more collections ran than the runtime's pause
	// ring remembers; only the most recent ones were considered.
	Partial bool
}

// observe returns the pauses recorded since the previous call. The first call
// only primes the window.
func (w *pauseWindow) observe(mem *runtime.MemStats) pauseStats {
	if mem == nil {
		return pauseStats{}
	}
	if !w.primed {
		w.lastNumGC, w.primed = mem.NumGC, true
		return pauseStats{}
	}
	if mem.NumGC <= w.lastNumGC {
		return pauseStats{}
	}
	fresh := int(mem.NumGC - w.lastNumGC)
	w.lastNumGC = mem.NumGC

	ring := len(mem.PauseNs)
	var out pauseStats
	if fresh > ring {
		fresh, out.Partial = ring, true
	}
	pauses := make([]time.Duration, 0, fresh)
	// PauseNs[(NumGC+255)%256] is the most recent pause.
	idx := int((mem.NumGC + uint32(ring) - 1) % uint32(ring))
	for range fresh {
		if ns := mem.PauseNs[idx]; ns > 0 {
			pauses = append(pauses, time.Duration(ns))
		}
		idx = (idx + ring - 1) % ring
	}
	if len(pauses) == 0 {
		return out
	}
	slices.Sort(pauses)
	out.Count = len(pauses)
	out.P99 = pauses[int(float64(len(pauses)-1)*0.99)]
	out.Max = pauses[len(pauses)-1]
	return out
}

// runtimeLine renders heap, goroutine and GC pause figures for the periodic
// summary.
func runtimeLine(mem *runtime.MemStats, gc pauseStats, goroutines int) string {
	line := fmt.Sprintf("Runtime: heap %s, %d goroutines", humanize.IBytes(mem.HeapAlloc), goroutines)
	if gc.Count == 0 {
		return line + ", no GC since last summary"
	}
	line += fmt.Sprintf(", %d GC pauses p99 %s max %s", gc.Count, gc.P99, gc.Max)
	if gc.Partial {
		line += " (most recent only)"
	}
	if gc.Max > frameBudget {
		line += ", longer than a frame"
	}
	return line
}

const frameBudget = time.Second / 60
