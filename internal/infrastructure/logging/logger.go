package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the structured logging interface used across the daemon.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// DefaultLogger writes JSON log lines through the standard library logger.
type DefaultLogger struct {
	out *log.Logger
}

// NewDefaultLogger creates a logger writing to the process-wide log output.
func NewDefaultLogger() Logger {
	return &DefaultLogger{out: log.Default()}
}

// NewWriterLogger creates a logger writing JSON lines to w.
func NewWriterLogger(w io.Writer) Logger {
	return &DefaultLogger{out: log.New(w, "", 0)}
}

// NewFileLogger creates a logger writing to a size-rotated log file.
// Rotation keeps maxBackups compressed files of maxSizeMB each.
func NewFileLogger(path string, maxSizeMB, maxBackups int) Logger {
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}
	return NewWriterLogger(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	})
}

// logEntry is the serialized shape of a single log line.
type logEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields"`
}

// fieldsToMap converts alternating key/value pairs to a map. Malformed
// entries (non-string key, missing value) are kept under positional keys so
// nothing silently disappears from the log.
func fieldsToMap(fields []interface{}) map[string]interface{} {
	result := make(map[string]interface{})

	for i := 0; i < len(fields); i += 2 {
		if i+1 < len(fields) {
			if key, ok := fields[i].(string); ok {
				result[key] = fields[i+1]
			} else {
				result[fmt.Sprintf("field_%d", i/2)] = fields[i]
				result[fmt.Sprintf("field_%d_value", i/2)] = fields[i+1]
			}
		} else {
			result[fmt.Sprintf("field_%d", i/2)] = fields[i]
		}
	}

	return result
}

func (l *DefaultLogger) logStructured(level, msg string, fields []interface{}) {
	entry := logEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     level,
		Message:   msg,
		Fields:    fieldsToMap(fields),
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		// Some field failed to marshal; fall back to its string form so the
		// line is still emitted.
		fallback := logEntry{
			Timestamp: entry.Timestamp,
			Level:     level,
			Message:   msg,
			Fields: map[string]interface{}{
				"original_fields": fmt.Sprintf("%v", fields),
				"marshal_error":   err.Error(),
			},
		}
		if jsonBytes, err = json.Marshal(fallback); err != nil {
			l.out.Printf("[%s] %s %v", level, msg, fields)
			return
		}
	}

	l.out.Println(string(jsonBytes))
}

func (l *DefaultLogger) Debug(msg string, fields ...interface{}) {
	l.logStructured("DEBUG", msg, fields)
}

func (l *DefaultLogger) Info(msg string, fields ...interface{}) {
	l.logStructured("INFO", msg, fields)
}

func (l *DefaultLogger) Warn(msg string, fields ...interface{}) {
	l.logStructured("WARN", msg, fields)
}

func (l *DefaultLogger) Error(msg string, fields ...interface{}) {
	l.logStructured("ERROR", msg, fields)
}

// StoreError is the subset of the repository error type the logging layer
// needs, declared here to avoid a dependency cycle with the errors package.
type StoreError interface {
	Error() string
	GetCode() string
	IsRetryable() bool
	GetContext() map[string]string
	GetTimestamp() time.Time
}

// LogStoreError logs a persistence failure with its classification context.
func LogStoreError(logger Logger, err error, operation string, context map[string]interface{}) {
	if logger == nil {
		logger = NewDefaultLogger()
	}

	if storeErr, ok := err.(StoreError); ok {
		fields := []interface{}{
			"operation", operation,
			"error_code", storeErr.GetCode(),
			"retryable", storeErr.IsRetryable(),
			"timestamp", storeErr.GetTimestamp(),
		}
		for k, v := range storeErr.GetContext() {
			fields = append(fields, k, v)
		}
		for k, v := range context {
			fields = append(fields, k, v)
		}
		logger.Error(fmt.Sprintf("Store error: %s", err.Error()), fields...)
		return
	}

	fields := []interface{}{
		"operation", operation,
		"error_type", fmt.Sprintf("%T", err),
	}
	for k, v := range context {
		fields = append(fields, k, v)
	}
	logger.Error(fmt.Sprintf("Unexpected error: %s", err.Error()), fields...)
}

// LogStoreOperation logs a completed persistence operation with its duration.
func LogStoreOperation(logger Logger, operation string, duration time.Duration, context map[string]interface{}) {
	if logger == nil {
		logger = NewDefaultLogger()
	}

	fields := []interface{}{
		"operation", operation,
		"duration_ms", duration.Milliseconds(),
	}
	for k, v := range context {
		fields = append(fields, k, v)
	}
	logger.Info(fmt.Sprintf("Store operation completed: %s", operation), fields...)
}
