// Package logging provides leveled console and file logging for zoom-meeting-download
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tribloom/Zoom-Meeting-Download/internal/config"
)

// LogLevel represents the severity level of a log entry
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	default:
		return "unknown"
	}
}

type contextKey string

// RunIDKey is the context key for the id of one download run
const RunIDKey contextKey = "run_id"

// FileNameLayout is the timestamp layout prefixed to persistent log files
const FileNameLayout = "2006-01-02.15.04.05"

// Logger defines the interface for logging operations
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})

	DebugWithContext(ctx context.Context, format string, args ...interface{})
	InfoWithContext(ctx context.Context, format string, args ...interface{})
	WarnWithContext(ctx context.Context, format string, args ...interface{})
	ErrorWithContext(ctx context.Context, format string, args ...interface{})

	LogUserAction(action string, user string, metadata map[string]interface{})
	LogPerformance(metrics PerformanceMetrics)
	LogAPIRequest(request APIRequest)
	LogAPIResponse(response APIResponse)

	GetLevel() LogLevel
	SetLevel(level LogLevel)
	SetOutput(w io.Writer)
	FilePath() string
	Close() error
}

// PerformanceMetrics represents timing data for one operation
type PerformanceMetrics struct {
	Operation      string                 `json:"operation"`
	Duration       time.Duration          `json:"-"`
	BytesProcessed int64                  `json:"bytes_processed"`
	Success        bool                   `json:"success"`
	Error          string                 `json:"error,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// APIRequest represents an outbound Zoom API request
type APIRequest struct {
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	RequestID string            `json:"request_id"`
	Timestamp time.Time         `json:"timestamp"`
}

// APIResponse represents a Zoom API response
type APIResponse struct {
	StatusCode int           `json:"status_code"`
	Body       string        `json:"body,omitempty"`
	RequestID  string        `json:"request_id"`
	Duration   time.Duration `json:"-"`
	Timestamp  time.Time     `json:"timestamp"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	RunID     string    `json:"run_id,omitempty"`
}

// loggerImpl implements the Logger interface; writes are serialized so
// download workers can share one instance
type loggerImpl struct {
	mu         sync.Mutex
	level      LogLevel
	jsonFormat bool
	writers    []io.Writer
	fileHandle *os.File
	filePath   string
}

// NewLogger creates a new Logger instance with the given configuration.
// When no explicit file is configured but a directory is, the log file is
// named after the current time so every run keeps its own log.
func NewLogger(cfg config.LoggingConfig) (Logger, error) {
	level, err := parseLogLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	logger := &loggerImpl{
		level:      level,
		jsonFormat: cfg.JSONFormat,
	}

	if cfg.ConsoleEnabled() {
		logger.writers = append(logger.writers, os.Stdout)
	}

	path := cfg.File
	if path == "" && cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory %s: %w", cfg.Dir, err)
		}
		path = filepath.Join(cfg.Dir, time.Now().Format(FileNameLayout)+"-zoom-download.log")
	}

	if path != "" {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
		}
		logger.fileHandle = file
		logger.filePath = path
		logger.writers = append(logger.writers, file)
	}

	return logger, nil
}

// Nop returns a logger that discards everything
func Nop() Logger {
	return &loggerImpl{level: ErrorLevel + 1}
}

func parseLogLevel(level string) (LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel, nil
	case "info":
		return InfoLevel, nil
	case "warn":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level: %s", level)
	}
}

func (l *loggerImpl) log(level LogLevel, ctx context.Context, format string, args ...interface{}) {
	if level < l.GetLevel() {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     strings.ToUpper(level.String()),
		Message:   fmt.Sprintf(format, args...),
	}

	if ctx != nil {
		if runID, ok := GetRunID(ctx); ok {
			entry.RunID = runID
		}
	}

	var output string
	if l.jsonFormat {
		data, _ := json.Marshal(entry)
		output = string(data) + "\n"
	} else {
		timestamp := entry.Timestamp.Format("2006-01-02T15:04:05Z")
		if entry.RunID != "" {
			output = fmt.Sprintf("%s [%s] [%s] %s\n", timestamp, entry.Level, entry.RunID, entry.Message)
		} else {
			output = fmt.Sprintf("%s [%s] %s\n", timestamp, entry.Level, entry.Message)
		}
	}

	l.write(output)
}

// writeStructuredEntry writes a message with additional key/value fields
func (l *loggerImpl) writeStructuredEntry(level LogLevel, message string, fields map[string]interface{}) {
	if level < l.GetLevel() {
		return
	}

	timestamp := time.Now().UTC()
	levelName := strings.ToUpper(level.String())

	var output string
	if l.jsonFormat {
		entryMap := map[string]interface{}{
			"timestamp": timestamp,
			"level":     levelName,
			"message":   message,
		}
		for key, value := range fields {
			entryMap[key] = value
		}
		data, _ := json.Marshal(entryMap)
		output = string(data) + "\n"
	} else {
		keys := make([]string, 0, len(fields))
		for key := range fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		var pairs []string
		for _, key := range keys {
			pairs = append(pairs, fmt.Sprintf("%s=%v", key, fields[key]))
		}
		fieldStr := ""
		if len(pairs) > 0 {
			fieldStr = " " + strings.Join(pairs, " ")
		}
		output = fmt.Sprintf("%s [%s] %s%s\n", timestamp.Format("2006-01-02T15:04:05Z"), levelName, message, fieldStr)
	}

	l.write(output)
}

func (l *loggerImpl) write(output string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, writer := range l.writers {
		writer.Write([]byte(output))
	}
}

// Debug logs a debug message
func (l *loggerImpl) Debug(format string, args ...interface{}) {
	l.log(DebugLevel, nil, format, args...)
}

// Info logs an info message
func (l *loggerImpl) Info(format string, args ...interface{}) {
	l.log(InfoLevel, nil, format, args...)
}

// Warn logs a warning message
func (l *loggerImpl) Warn(format string, args ...interface{}) {
	l.log(WarnLevel, nil, format, args...)
}

// Error logs an error message
func (l *loggerImpl) Error(format string, args ...interface{}) {
	l.log(ErrorLevel, nil, format, args...)
}

func (l *loggerImpl) DebugWithContext(ctx context.Context, format string, args ...interface{}) {
	l.log(DebugLevel, ctx, format, args...)
}

func (l *loggerImpl) InfoWithContext(ctx context.Context, format string, args ...interface{}) {
	l.log(InfoLevel, ctx, format, args...)
}

func (l *loggerImpl) WarnWithContext(ctx context.Context, format string, args ...interface{}) {
	l.log(WarnLevel, ctx, format, args...)
}

func (l *loggerImpl) ErrorWithContext(ctx context.Context, format string, args ...interface{}) {
	l.log(ErrorLevel, ctx, format, args...)
}

// LogUserAction logs a run-level action taken for a Zoom user
func (l *loggerImpl) LogUserAction(action string, user string, metadata map[string]interface{}) {
	fields := map[string]interface{}{
		"action": action,
		"user":   user,
	}
	for key, value := range metadata {
		fields[key] = value
	}

	l.writeStructuredEntry(InfoLevel, fmt.Sprintf("User action: %s", action), fields)
}

// LogPerformance logs timing for a completed operation
func (l *loggerImpl) LogPerformance(metrics PerformanceMetrics) {
	fields := map[string]interface{}{
		"operation":       metrics.Operation,
		"duration_ms":     metrics.Duration.Milliseconds(),
		"bytes_processed": metrics.BytesProcessed,
		"success":         metrics.Success,
	}
	if metrics.Error != "" {
		fields["error"] = metrics.Error
	}
	for key, value := range metrics.Metadata {
		fields[key] = value
	}

	l.writeStructuredEntry(InfoLevel, fmt.Sprintf("Performance: %s completed in %v", metrics.Operation, metrics.Duration), fields)
}

// LogAPIRequest logs an outbound API request with the bearer credential masked
func (l *loggerImpl) LogAPIRequest(request APIRequest) {
	if request.Timestamp.IsZero() {
		request.Timestamp = time.Now().UTC()
	}

	fields := map[string]interface{}{
		"method":     request.Method,
		"url":        request.URL,
		"request_id": request.RequestID,
	}

	if len(request.Headers) > 0 {
		sanitized := make(map[string]string, len(request.Headers))
		for key, value := range request.Headers {
			if strings.EqualFold(key, "authorization") {
				sanitized[key] = "***"
			} else {
				sanitized[key] = value
			}
		}
		fields["headers"] = sanitized
	}

	l.writeStructuredEntry(DebugLevel, fmt.Sprintf("API Request: %s %s", request.Method, request.URL), fields)
}

// LogAPIResponse logs an API response; bodies are truncated
func (l *loggerImpl) LogAPIResponse(response APIResponse) {
	if response.Timestamp.IsZero() {
		response.Timestamp = time.Now().UTC()
	}

	fields := map[string]interface{}{
		"status_code": response.StatusCode,
		"request_id":  response.RequestID,
		"duration_ms": response.Duration.Milliseconds(),
		"success":     response.Success,
	}
	if response.Error != "" {
		fields["error"] = response.Error
	}
	if response.Body != "" {
		if len(response.Body) > 1000 {
			fields["body"] = response.Body[:1000] + "... (truncated)"
		} else {
			fields["body"] = response.Body
		}
	}

	l.writeStructuredEntry(DebugLevel, fmt.Sprintf("API Response: %d (%v)", response.StatusCode, response.Duration), fields)
}

func (l *loggerImpl) GetLevel() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

func (l *loggerImpl) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetOutput replaces every writer with w (mainly for testing)
func (l *loggerImpl) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writers = []io.Writer{w}
}

// FilePath returns the persistent log file path, empty when file logging is off
func (l *loggerImpl) FilePath() string {
	return l.filePath
}

// Close closes the log file if one is open
func (l *loggerImpl) Close() error {
	if l.fileHandle != nil {
		return l.fileHandle.Close()
	}
	return nil
}

// Separator logs a banner around title, used to mark run phases
func Separator(logger Logger, title string) {
	line := strings.Repeat("=", 79)
	logger.Info("%s", line)
	logger.Info("%s", title)
	logger.Info("%s", line)
}

// DryRunPrefix marks actions that were only simulated
const DryRunPrefix = "Would have: "

// WithRunID returns a context carrying the run id
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// GetRunID extracts the run id from a context
func GetRunID(ctx context.Context) (string, bool) {
	runID, ok := ctx.Value(RunIDKey).(string)
	return runID, ok
}

// GenerateRunID returns a new random run id
func GenerateRunID() string {
	return uuid.New().String()
}

// GenerateRequestID returns an id for a single API request
func GenerateRequestID() string {
	return "req-" + uuid.New().String()
}
