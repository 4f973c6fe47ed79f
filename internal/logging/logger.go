// Package logging writes agentdeck's structured JSON log file.
package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Option configures RuntimeLogger creation.
type Option func(*newOptions)

type newOptions struct {
	dir       string
	sessionID string
	agent     string
	level     log.Level
}

// WithSessionID configures the session_id field and log file suffix.
func WithSessionID(sessionID string) Option {
	return func(opts *newOptions) {
		opts.sessionID = strings.TrimSpace(sessionID)
	}
}

// WithAgent configures the agent field used in emitted log records.
func WithAgent(agent string) Option {
	return func(opts *newOptions) {
		opts.agent = strings.TrimSpace(agent)
	}
}

// WithLevel sets the minimum level from a name such as "debug" or "warn".
// Unknown names keep the info default.
func WithLevel(level string) Option {
	return func(opts *newOptions) {
		if parsed, err := log.ParseLevel(strings.TrimSpace(level)); err == nil {
			opts.level = parsed
		}
	}
}

// WithDir overrides the log directory (default ~/.agentdeck/logs).
func WithDir(dir string) Option {
	return func(opts *newOptions) {
		opts.dir = strings.TrimSpace(dir)
	}
}

// RuntimeLogger writes structured JSON logs to disk.
type RuntimeLogger struct {
	Logger     *log.Logger
	file       *os.File
	path       string
	baseLogger *log.Logger
	sessionID  string
	agent      string
}

// New initializes logging under ~/.agentdeck/logs without writing to stdout.
func New(ctx context.Context, options ...Option) (*RuntimeLogger, error) {
	resolved := resolveOptions(options)

	logDir := resolved.dir
	if logDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		logDir = filepath.Join(homeDir, ".agentdeck", "logs")
	}
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	timestamp := time.Now().UTC().Format("20060102-150405")
	fileName := fmt.Sprintf("agentdeck-%s.log", timestamp)
	if resolved.sessionID != "" {
		fileName = fmt.Sprintf("agentdeck-%s-%s.log", timestamp, resolved.sessionID)
	}
	filePath := filepath.Join(logDir, fileName)
	// #nosec G304 -- filePath is constructed from trusted local paths.
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	logger := log.NewWithOptions(file, log.Options{
		Level:           resolved.level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	logger.SetFormatter(log.JSONFormatter)

	runtimeLogger := &RuntimeLogger{
		file:       file,
		path:       filePath,
		baseLogger: logger,
		sessionID:  resolved.sessionID,
		agent:      resolved.agent,
	}
	runtimeLogger.rebuildLogger()
	runtimeLogger.Logger.With("log_file", filePath).Info("logger initialized")

	_ = ctx
	return runtimeLogger, nil
}

// WithSessionID updates the session_id field for subsequent log records.
func (r *RuntimeLogger) WithSessionID(sessionID string) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.sessionID = strings.TrimSpace(sessionID)
	r.rebuildLogger()
	return r
}

// WithAgent updates the agent field for subsequent log records.
func (r *RuntimeLogger) WithAgent(agent string) *RuntimeLogger {
	if r == nil {
		return nil
	}
	r.agent = strings.TrimSpace(agent)
	r.rebuildLogger()
	return r
}

// Close flushes and closes the log file.
func (r *RuntimeLogger) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	return r.file.Close()
}

// Path returns the current log file path.
func (r *RuntimeLogger) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

func (r *RuntimeLogger) rebuildLogger() {
	if r == nil || r.baseLogger == nil {
		return
	}
	var fields []any
	if r.sessionID != "" {
		fields = append(fields, "session_id", r.sessionID)
	}
	if r.agent != "" {
		fields = append(fields, "agent", r.agent)
	}
	r.Logger = r.baseLogger.With(fields...)
}

func resolveOptions(options []Option) newOptions {
	resolved := newOptions{level: log.InfoLevel}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(&resolved)
	}
	return resolved
}
