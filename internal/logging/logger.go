// Package logging writes JSON log files under ~/.connectauth/logs and tags
// records with the attempt and trace they belong to.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel/trace"
)

const (
	filePrefix = "connectauth-"
	fileSuffix = ".log"

	// DefaultRetention is how many log files New keeps, its own included.
	DefaultRetention = 20
)

// Option configures New.
type Option func(*settings)

type settings struct {
	dir       string
	level     log.Level
	retention int
	now       func() time.Time
}

// WithDir writes log files under dir instead of DefaultDir.
func WithDir(dir string) Option {
	return func(s *settings) { s.dir = strings.TrimSpace(dir) }
}

// WithLevel sets the minimum level. Unknown names keep info.
func WithLevel(level string) Option {
	return func(s *settings) {
		if parsed, err := log.ParseLevel(strings.TrimSpace(level)); err == nil {
			s.level = parsed
		}
	}
}

// WithRetention keeps the newest n log files. Zero or less keeps all.
func WithRetention(n int) Option {
	return func(s *settings) { s.retention = n }
}

// WithClock names files from now instead of the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// FileLogger owns one log file.
type FileLogger struct {
	Logger *log.Logger
	file   *os.File
	path   string
}

// DefaultDir returns ~/.connectauth/logs.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".connectauth", "logs"), nil
}

// New opens a fresh log file and drops files beyond the retention limit.
// Nothing is written to stdout or stderr.
func New(options ...Option) (*FileLogger, error) {
	s := settings{level: log.InfoLevel, retention: DefaultRetention, now: time.Now}
	for _, option := range options {
		if option != nil {
			option(&s)
		}
	}
	if s.dir == "" {
		dir, err := DefaultDir()
		if err != nil {
			return nil, err
		}
		s.dir = dir
	}
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	path := filepath.Join(s.dir, filePrefix+s.now().UTC().Format("20060102-150405.000")+fileSuffix)
	// #nosec G304 -- path is built from the log directory and a timestamp.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	logger := log.NewWithOptions(file, log.Options{
		Level:           s.level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       log.JSONFormatter,
	})
	if removed, err := prune(s.dir, s.retention); err != nil {
		logger.Warn("log retention failed", "err", err)
	} else if removed > 0 {
		logger.Debug("pruned old log files", "removed", removed)
	}
	return &FileLogger{Logger: logger, file: file, path: path}, nil
}

// Close closes the log file.
func (f *FileLogger) Close() error {
	if f == nil || f.file == nil {
		return nil
	}
	return f.file.Close()
}

// Path returns the log file path.
func (f *FileLogger) Path() string {
	if f == nil {
		return ""
	}
	return f.path
}

// ForAttempt tags logger with attemptID and, when ctx carries a recording
// span, its trace_id and span_id.
func ForAttempt(ctx context.Context, logger *log.Logger, attemptID string) *log.Logger {
	tagged := OrDiscard(logger).With("attempt_id", attemptID)
	if ctx == nil {
		return tagged
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		tagged = tagged.With("trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
	}
	return tagged
}

// Discard returns a logger that drops every record.
func Discard() *log.Logger {
	return log.New(io.Discard)
}

// OrDiscard returns logger, or a discarding logger when it is nil.
func OrDiscard(logger *log.Logger) *log.Logger {
	if logger == nil {
		return Discard()
	}
	return logger
}

// prune removes the oldest connectauth log files so at most keep remain.
// Timestamped names sort chronologically.
func prune(dir string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	names := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.Type().IsRegular() && strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileSuffix) {
			names = append(names, name)
		}
	}
	if len(names) <= keep {
		return 0, nil
	}
	sort.Strings(names)
	removed := 0
	for _, name := range names[:len(names)-keep] {
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
