package main

import (
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestRuntimeSamplerFirstCallPrimes(t *testing.T) {
	var mem runtime.MemStats
	mem.NumGC = 4
	mem.PauseNs[3] = 100

	var s runtimeSampler
	if got := s.gcPauses(&mem); got != nil {
		t.Fatalf("expected nil on first sample, got %v", got)
	}
	if got := s.gcPauses(&mem); got != nil {
		t.Fatalf("expected nil without new GC cycles, got %v", got)
	}
}

func TestRuntimeSamplerReturnsNewPauses(t *testing.T) {
	var mem runtime.MemStats
	mem.NumGC = 2
	var s runtimeSampler
	s.gcPauses(&mem)

	mem.NumGC = 5
	mem.PauseNs[2] = 10
	mem.PauseNs[3] = 20
	mem.PauseNs[4] = 30
	got := s.gcPauses(&mem)
	if len(got) != 3 || got[0] != 30 || got[2] != 10 {
		t.Fatalf("unexpected pauses %v", got)
	}
	if p := pausePercentile(got, 0.99); p != 20*time.Nanosecond {
		t.Fatalf("expected p99 of 20ns, got %v", p)
	}
}

func TestRuntimeSamplerWrapsRing(t *testing.T) {
	var mem runtime.MemStats
	var s runtimeSampler
	s.gcPauses(&mem)

	mem.NumGC = 1000
	for i := range mem.PauseNs {
		mem.PauseNs[i] = 50
	}
	got := s.gcPauses(&mem)
	if len(got) != len(mem.PauseNs) {
		t.Fatalf("expected %d pauses, got %d", len(mem.PauseNs), len(got))
	}
}

func TestRuntimeSamplerLine(t *testing.T) {
	var mem runtime.MemStats
	mem.HeapAlloc = 2 * 1000 * 1000
	var s runtimeSampler
	line := s.line(&mem, 7)
	if !strings.HasPrefix(line, "Runtime: heap 2.0 MB, 7 goroutines, no GC") {
		t.Fatalf("unexpected line %q", line)
	}
}
