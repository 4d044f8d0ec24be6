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

	"ghbridge/config"

	"golang.org/x/term"
)

const (
	logTimestampLayout = "2006/01/02 15:04:05"
	logFileDateLayout  = "2006-01-02"
	logFilePrefix      = "bridge-"
	logFileSuffix      = ".log"
	maxLogLineBytes    = 16 * 1024
)

// lineSink receives complete log lines from the fan-out writer.
type lineSink interface {
	WriteLine(line string, now time.Time)
	Close() error
}

type consoleSink struct {
	w             io.Writer
	withTimestamp bool
}

func (s *consoleSink) WriteLine(line string, now time.Time) {
	if s == nil || s.w == nil {
		return
	}
	if s.withTimestamp {
		line = formatLogTimestamp(now) + " " + line
	}
	_, _ = io.WriteString(s.w, line+"\n")
}

func (s *consoleSink) Close() error { return nil }

// dailyFileSink appends lines to one file per UTC day and prunes files older
// than the retention window whenever it opens a new day.
type dailyFileSink struct {
	mu            sync.Mutex
	dir           string
	retentionDays int
	day           string
	file          *os.File
	lastErrorAt   time.Time
}

// Purpose: Prepare the log directory and prune stale files.
// Key aspects: Cleanup failures are reported but do not fail startup.
// Upstream: setupLogging.
// Downstream: os.MkdirAll, cleanupOldLogs.
func newDailyFileSink(dir string, retentionDays int) (*dailyFileSink, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("log directory is empty")
	}
	if retentionDays <= 0 {
		retentionDays = 7
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %q: %w", dir, err)
	}
	if err := cleanupOldLogs(dir, time.Now().UTC(), retentionDays); err != nil {
		fmt.Fprintf(os.Stderr, "Logging: cleanup failed for %s: %v\n", dir, err)
	}
	return &dailyFileSink{dir: dir, retentionDays: retentionDays}, nil
}

func (s *dailyFileSink) WriteLine(line string, now time.Time) {
	if s == nil {
		return
	}
	now = now.UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	if day := now.Format(logFileDateLayout); s.file == nil || s.day != day {
		s.openLocked(day, now)
	}
	if s.file == nil {
		return
	}
	if _, err := s.file.WriteString(formatLogTimestamp(now) + " " + line + "\n"); err != nil {
		s.reportErrorLocked(now, fmt.Errorf("write failed: %w", err))
	}
}

func (s *dailyFileSink) openLocked(day string, now time.Time) {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	path := filepath.Join(s.dir, logFileNameForDate(now))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.reportErrorLocked(now, fmt.Errorf("open failed for %s: %w", path, err))
		return
	}
	s.file = file
	s.day = day
	if err := cleanupOldLogs(s.dir, now, s.retentionDays); err != nil {
		s.reportErrorLocked(now, fmt.Errorf("cleanup failed: %w", err))
	}
}

// reportErrorLocked writes to stderr at most once a minute; the logger itself
// cannot be used here.
func (s *dailyFileSink) reportErrorLocked(now time.Time, err error) {
	if !s.lastErrorAt.IsZero() && now.Sub(s.lastErrorAt) < time.Minute {
		return
	}
	s.lastErrorAt = now
	fmt.Fprintf(os.Stderr, "Logging: %v\n", err)
}

func (s *dailyFileSink) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.day = ""
	return err
}

// logFanout is installed with log.SetOutput and splits the stream into lines
// for the console and (optionally) the daily file.
type logFanout struct {
	mu    sync.Mutex
	buf   []byte
	sinks []lineSink
}

// Purpose: Wire the standard logger to console and file sinks.
// Key aspects: Returns a usable fan-out even when the file sink fails so the
// bridge keeps logging to the console.
// Upstream: main startup.
// Downstream: newDailyFileSink.
func setupLogging(cfg config.LoggingConfig, console io.Writer) (*logFanout, error) {
	fanout := &logFanout{}
	if console != nil {
		fanout.sinks = append(fanout.sinks, &consoleSink{w: console, withTimestamp: consoleWantsTimestamps(cfg.ConsoleTimestamps, console)})
	}
	if !cfg.Enabled {
		return fanout, nil
	}
	fileSink, err := newDailyFileSink(cfg.Dir, cfg.RetentionDays)
	if err != nil {
		return fanout, err
	}
	fanout.sinks = append(fanout.sinks, fileSink)
	return fanout, nil
}

func (f *logFanout) Write(p []byte) (int, error) {
	if f == nil {
		return len(p), nil
	}
	f.mu.Lock()
	f.buf = append(f.buf, p...)
	var lines []string
	for {
		idx := bytes.IndexByte(f.buf, '\n')
		if idx < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimRight(f.buf[:idx], "\r")))
		f.buf = f.buf[idx+1:]
	}
	if len(f.buf) > maxLogLineBytes {
		lines = append(lines, string(f.buf))
		f.buf = nil
	}
	if len(f.buf) == 0 {
		f.buf = nil
	}
	sinks := f.sinks
	f.mu.Unlock()

	now := time.Now().UTC()
	for _, line := range lines {
		for _, sink := range sinks {
			sink.WriteLine(line, now)
		}
	}
	return len(p), nil
}

// Close flushes any partial line and closes every sink.
func (f *logFanout) Close() error {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	rest := f.buf
	f.buf = nil
	sinks := f.sinks
	f.sinks = nil
	f.mu.Unlock()

	now := time.Now().UTC()
	var firstErr error
	for _, sink := range sinks {
		if len(rest) > 0 {
			sink.WriteLine(string(rest), now)
		}
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// consoleWantsTimestamps resolves "auto" by checking for a terminal; process
// supervisors that capture stdout usually stamp lines themselves.
func consoleWantsTimestamps(mode string, console io.Writer) bool {
	switch mode {
	case "always":
		return true
	case "never":
		return false
	}
	f, ok := console.(*os.File)
	if !ok {
		return true
	}
	return term.IsTerminal(int(f.Fd()))
}

func formatLogTimestamp(now time.Time) string {
	return now.UTC().Format(logTimestampLayout)
}

func logFileNameForDate(now time.Time) string {
	return logFilePrefix + now.UTC().Format(logFileDateLayout) + logFileSuffix
}

func parseLogFileDate(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, logFilePrefix) || !strings.HasSuffix(name, logFileSuffix) {
		return time.Time{}, false
	}
	base := strings.TrimSuffix(strings.TrimPrefix(name, logFilePrefix), logFileSuffix)
	parsed, err := time.ParseInLocation(logFileDateLayout, base, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

// cleanupOldLogs keeps the newest retentionDays days (today included).
func cleanupOldLogs(dir string, now time.Time, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	y, m, d := now.UTC().Date()
	cutoff := time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -(retentionDays - 1))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		date, ok := parseLogFileDate(entry.Name())
		if ok && date.Before(cutoff) {
			_ = os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
	return nil
}
