package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Logger wraps logrus with additional functionality
type Logger struct {
	*logrus.Logger
	serviceName string
	version     string
}

// Config holds logging configuration
type Config struct {
	Level       string `json:"level"`
	Format      string `json:"format"`
	Output      string `json:"output"`
	ServiceName string `json:"service_name"`
	Version     string `json:"version"`
}

// ContextKey type for context keys
type ContextKey string

const (
	// CorrelationIDKey is the context key for correlation ID
	CorrelationIDKey ContextKey = "correlation_id"
	// TaskIDKey is the context key for the task being executed
	TaskIDKey ContextKey = "task_id"
	// WorkerIDKey is the context key for the executing worker
	WorkerIDKey ContextKey = "worker_id"
)

// NewLogger creates a new structured logger
func NewLogger(config *Config) (*Logger, error) {
	if config == nil {
		config = &Config{
			Level:       "info",
			Format:      "json",
			Output:      "stdout",
			ServiceName: "keel",
			Version:     "unknown",
		}
	}

	logger := logrus.New()

	// Set log level
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	logger.SetLevel(level)

	// Set formatter
	switch strings.ToLower(config.Format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	default:
		return nil, fmt.Errorf("unsupported log format: %s", config.Format)
	}

	// Set output
	switch strings.ToLower(config.Output) {
	case "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		// Assume it's a file path
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logger.SetOutput(file)
	}

	return &Logger{
		Logger:      logger,
		serviceName: config.ServiceName,
		version:     config.Version,
	}, nil
}

// WithContext creates a logger with context fields
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithFields(logrus.Fields{
		"service": l.serviceName,
		"version": l.version,
	})

	if correlationID := ctx.Value(CorrelationIDKey); correlationID != nil {
		entry = entry.WithField("correlation_id", correlationID)
	}
	if taskID := ctx.Value(TaskIDKey); taskID != nil {
		entry = entry.WithField("task_id", taskID)
	}
	if workerID := ctx.Value(WorkerIDKey); workerID != nil {
		entry = entry.WithField("worker_id", workerID)
	}

	return entry
}

// WithFields creates a logger with additional fields
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	baseFields := logrus.Fields{
		"service": l.serviceName,
		"version": l.version,
	}

	for k, v := range fields {
		baseFields[k] = v
	}

	return l.Logger.WithFields(baseFields)
}

// WithError creates a logger with error field
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.WithFields(logrus.Fields{
		"error":      err.Error(),
		"error_type": fmt.Sprintf("%T", err),
	})
}

// WithComponent creates a logger with component field
func (l *Logger) WithComponent(component string) *logrus.Entry {
	return l.WithFields(logrus.Fields{
		"component": component,
	})
}

// LogTaskEvent logs task lifecycle events
func (l *Logger) LogTaskEvent(ctx context.Context, event, taskID, category string, fields logrus.Fields) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"event":    event,
		"task_id":  taskID,
		"category": category,
	})

	if fields != nil {
		entry = entry.WithFields(fields)
	}

	entry.Info("Task event")
}

// LogRetryEvent logs retry engine events
func (l *Logger) LogRetryEvent(ctx context.Context, category string, attempt int, delay time.Duration, err error) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"event":    "retry",
		"category": category,
		"attempt":  attempt,
		"delay":    delay.String(),
		"error":    err.Error(),
	}).Warn("Retrying operation")
}

// LogBudgetEvent logs error budget decisions
func (l *Logger) LogBudgetEvent(ctx context.Context, status string, errorsLastHour int, shouldContinue bool, reason string) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"event":            "budget_decision",
		"status":           status,
		"errors_last_hour": errorsLastHour,
		"should_continue":  shouldContinue,
		"reason":           reason,
	})

	if shouldContinue {
		entry.Info("Error budget decision")
	} else {
		entry.Error("Error budget exhausted")
	}
}

// LogPanic logs panic with full context
func (l *Logger) LogPanic(ctx context.Context, recovered interface{}, message string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"panic":       recovered,
		"stack_trace": getStackTrace(),
	}).Error(message)
}

// NewCorrelationID generates a new correlation ID
func NewCorrelationID() string {
	return uuid.New().String()
}

// WithCorrelationID adds correlation ID to context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

// WithTaskID adds the task ID to context
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, TaskIDKey, taskID)
}

// WithWorkerID adds the worker ID to context
func WithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, WorkerIDKey, workerID)
}

// GetCorrelationID retrieves correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if id := ctx.Value(CorrelationIDKey); id != nil {
		return id.(string)
	}
	return ""
}

// getStackTrace returns the current stack trace
func getStackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// SetOutput sets the logger output
func (l *Logger) SetOutput(output io.Writer) {
	l.Logger.SetOutput(output)
}

// Global logger instance
var globalLogger *Logger

// init initializes the global logger
func init() {
	var err error
	globalLogger, err = NewLogger(nil)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize global logger: %v", err))
	}
}

// GetLogger returns the global logger instance
func GetLogger() *Logger {
	return globalLogger
}

// SetGlobalLogger sets the global logger instance
func SetGlobalLogger(logger *Logger) {
	globalLogger = logger
}

// Info logs an info message with key-value pairs
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.WithFields(parseKeysAndValues(keysAndValues)).Info(msg)
}

// Warn logs a warning message with key-value pairs
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.WithFields(parseKeysAndValues(keysAndValues)).Warn(msg)
}

// Error logs an error message with key-value pairs
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.WithFields(parseKeysAndValues(keysAndValues)).Error(msg)
}

// Debug logs a debug message with key-value pairs
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.WithFields(parseKeysAndValues(keysAndValues)).Debug(msg)
}

// parseKeysAndValues converts key-value pairs to logrus.Fields
func parseKeysAndValues(keysAndValues []interface{}) logrus.Fields {
	fields := make(logrus.Fields)

	for i := 0; i < len(keysAndValues); i += 2 {
		if i+1 < len(keysAndValues) {
			key := fmt.Sprintf("%v", keysAndValues[i])
			value := keysAndValues[i+1]
			fields[key] = value
		}
	}

	return fields
}
