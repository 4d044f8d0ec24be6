package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ghbridge/config"
)

func TestLogFileNameRoundTrip(t *testing.T) {
	when := time.Date(2026, time.January, 22, 23, 59, 0, 0, time.UTC)
	name := logFileNameForDate(when)
	if name != "bridge-2026-01-22.log" {
		t.Fatalf("unexpected log filename %q", name)
	}
	parsed, ok := parseLogFileDate(name)
	if !ok || parsed.Day() != 22 || parsed.Month() != time.January {
		t.Fatalf("unexpected parse %v ok=%v", parsed, ok)
	}
	for _, bad := range []string{"notes.txt", "bridge-22-Jan-2026.log", "other-2026-01-22.log"} {
		if _, ok := parseLogFileDate(bad); ok {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestCleanupOldLogs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"bridge-2026-01-20.log", "bridge-2026-01-21.log", "bridge-2026-01-22.log", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	now := time.Date(2026, time.January, 22, 12, 0, 0, 0, time.UTC)
	if err := cleanupOldLogs(dir, now, 2); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "bridge-2026-01-20.log")); !os.IsNotExist(err) {
		t.Fatalf("expected oldest log to be removed, stat err=%v", err)
	}
	for _, name := range []string{"bridge-2026-01-21.log", "bridge-2026-01-22.log", "notes.txt"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s to remain: %v", name, err)
		}
	}
}

func TestDailyFileSinkRotatesByDay(t *testing.T) {
	dir := t.TempDir()
	sink, err := newDailyFileSink(dir, 7)
	if err != nil {
		t.Fatalf("newDailyFileSink: %v", err)
	}
	defer sink.Close()

	day1 := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	sink.WriteLine("first", day1)
	sink.WriteLine("second", day1.Add(24*time.Hour))

	first, err := os.ReadFile(filepath.Join(dir, "bridge-2026-03-01.log"))
	if err != nil || !strings.Contains(string(first), "first") {
		t.Fatalf("expected first day log, got %q err=%v", first, err)
	}
	second, err := os.ReadFile(filepath.Join(dir, "bridge-2026-03-02.log"))
	if err != nil || !strings.Contains(string(second), "second") {
		t.Fatalf("expected second day log, got %q err=%v", second, err)
	}
}

func TestLogFanoutSplitsLines(t *testing.T) {
	var console bytes.Buffer
	fanout, err := setupLogging(config.LoggingConfig{ConsoleTimestamps: "always"}, &console)
	if err != nil {
		t.Fatalf("setupLogging: %v", err)
	}
	_, _ = fanout.Write([]byte("alpha\nbe"))
	_, _ = fanout.Write([]byte("ta\r\n"))
	_, _ = fanout.Write([]byte("partial"))
	if err := fanout.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(console.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), console.String())
	}
	for i, want := range []string{"alpha", "beta", "partial"} {
		if !strings.HasSuffix(lines[i], " "+want) {
			t.Fatalf("line %d: expected suffix %q, got %q", i, want, lines[i])
		}
	}
}

func TestSetupLoggingWritesFile(t *testing.T) {
	dir := t.TempDir()
	fanout, err := setupLogging(config.LoggingConfig{Enabled: true, Dir: dir, RetentionDays: 3}, nil)
	if err != nil {
		t.Fatalf("setupLogging: %v", err)
	}
	_, _ = fanout.Write([]byte("hello file\n"))
	if err := fanout.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one log file, got %v err=%v", entries, err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if !strings.Contains(string(data), "hello file") {
		t.Fatalf("expected line in file, got %q", data)
	}
}

func TestConsoleTimestampModes(t *testing.T) {
	var buf bytes.Buffer
	if !consoleWantsTimestamps("auto", &buf) {
		t.Fatalf("expected non-file writers to get timestamps in auto mode")
	}
	if consoleWantsTimestamps("never", os.Stdout) {
		t.Fatalf("expected never to disable timestamps")
	}
	fanout, _ := setupLogging(config.LoggingConfig{ConsoleTimestamps: "never"}, &buf)
	_, _ = fanout.Write([]byte("plain\n"))
	if buf.String() != "plain\n" {
		t.Fatalf("expected bare line, got %q", buf.String())
	}
}
