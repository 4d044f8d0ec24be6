package main

import (
	"fmt"
	"runtime"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
)

// runtimeSampler reports heap and GC pause figures for the periodic stats
// line. Only displayStats calls it, one sample per tick.
type runtimeSampler struct {
	seenGC uint32
	primed bool
}

// gcPauses returns the pauses recorded since the previous call, newest first.
// The runtime only keeps the last len(PauseNs) pauses; older ones are lost.
func (s *runtimeSampler) gcPauses(mem *runtime.MemStats) []time.Duration {
	if mem == nil {
		return nil
	}
	if !s.primed || mem.NumGC <= s.seenGC {
		s.primed = true
		s.seenGC = mem.NumGC
		return nil
	}
	n := int(mem.NumGC - s.seenGC)
	s.seenGC = mem.NumGC
	ring := len(mem.PauseNs)
	n = min(n, ring)
	out := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		idx := (int(mem.NumGC) - 1 - i) % ring
		if idx < 0 {
			idx += ring
		}
		if ns := mem.PauseNs[idx]; ns > 0 {
			out = append(out, time.Duration(ns))
		}
	}
	return out
}

func (s *runtimeSampler) line(mem *runtime.MemStats, goroutines int) string {
	pauses := s.gcPauses(mem)
	gc := "no GC"
	if len(pauses) > 0 {
		gc = fmt.Sprintf("%d GC, p99 pause %s", len(pauses), pausePercentile(pauses, 0.99))
	}
	return fmt.Sprintf("Runtime: heap %s, %d goroutines, %s",
		humanize.Bytes(mem.HeapAlloc), goroutines, gc)
}

func (s *runtimeSampler) sample() string {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return s.line(&mem, runtime.NumGoroutine())
}

func pausePercentile(pauses []time.Duration, q float64) time.Duration {
	if len(pauses) == 0 {
		return 0
	}
	sorted := slices.Clone(pauses)
	slices.Sort(sorted)
	return sorted[int(float64(len(sorted)-1)*q)]
}
