package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level represents log level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// DefaultLogDir is where file loggers write when it is writable.
const DefaultLogDir = "/var/log/taskguard"

// Logger provides structured logging with file output support.
// Loggers derived with WithField share the parent's writer and lock.
type Logger struct {
	level      Level
	jsonFormat bool
	out        *output
	fields     map[string]interface{}
	logFile    *os.File
	component  string
}

type output struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLogger creates a new logger writing to stdout
func NewLogger(level Level, jsonFormat bool) *Logger {
	return &Logger{
		level:      level,
		jsonFormat: jsonFormat,
		out:        &output{w: os.Stdout},
		fields:     make(map[string]interface{}),
	}
}

// Default returns the logger used when a component is given none: INFO, text, stderr.
func Default() *Logger {
	l := NewLogger(INFO, false)
	l.SetOutput(os.Stderr)
	return l
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *Logger {
	l := NewLogger(FATAL+1, false)
	l.SetOutput(io.Discard)
	return l
}

// NewFileLogger creates a logger that writes to <DefaultLogDir>/<component>.log and stdout.
// Falls back to ./logs if DefaultLogDir is not writable.
func NewFileLogger(component string, level Level, jsonFormat bool) (*Logger, error) {
	logPath := GetLogPath(component)
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", filepath.Dir(logPath), err)
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	logger := &Logger{
		level:      level,
		jsonFormat: jsonFormat,
		out:        &output{w: io.MultiWriter(logFile, os.Stdout)},
		fields:     make(map[string]interface{}),
		logFile:    logFile,
		component:  component,
	}

	logger.Info(fmt.Sprintf("Logger initialized: %s -> %s", component, logPath))

	return logger, nil
}

// SetOutput sets the output writer
func (l *Logger) SetOutput(w io.Writer) {
	l.out.mu.Lock()
	l.out.w = w
	l.out.mu.Unlock()
}

// Enabled reports whether messages at level would be written.
func (l *Logger) Enabled(level Level) bool {
	return level >= l.level
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func (l *Logger) log(level Level, message string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	mergedFields := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		mergedFields[k] = v
	}
	for k, v := range fields {
		mergedFields[k] = v
	}

	l.out.mu.Lock()
	if l.jsonFormat {
		entry := LogEntry{
			Timestamp: time.Now().Format(time.RFC3339),
			Level:     level.String(),
			Message:   message,
			Fields:    mergedFields,
		}
		data, err := json.Marshal(entry)
		if err != nil {
			l.out.mu.Unlock()
			log.Printf("Failed to marshal log entry: %v", err)
			return
		}
		fmt.Fprintln(l.out.w, string(data))
	} else {
		timestamp := time.Now().Format("2006-01-02 15:04:05")
		fmt.Fprintf(l.out.w, "[%s] %s: %s", timestamp, level.String(), message)
		if len(mergedFields) > 0 {
			fmt.Fprintf(l.out.w, " %v", mergedFields)
		}
		fmt.Fprintln(l.out.w)
	}
	l.out.mu.Unlock()

	if level == FATAL {
		os.Exit(1)
	}
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields ...map[string]interface{}) {
	l.log(DEBUG, message, first(fields))
}

// Info logs an info message
func (l *Logger) Info(message string, fields ...map[string]interface{}) {
	l.log(INFO, message, first(fields))
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields ...map[string]interface{}) {
	l.log(WARN, message, first(fields))
}

// Error logs an error message
func (l *Logger) Error(message string, fields ...map[string]interface{}) {
	l.log(ERROR, message, first(fields))
}

// Fatal logs a fatal message and exits. Only binaries should call it.
func (l *Logger) Fatal(message string, fields ...map[string]interface{}) {
	l.log(FATAL, message, first(fields))
}

func first(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// WithField adds a field to the logger context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	newFields := make(map[string]interface{}, len(l.fields)+1)
	for k, v := range l.fields {
		newFields[k] = v
	}
	newFields[key] = value
	return &Logger{
		level:      l.level,
		jsonFormat: l.jsonFormat,
		out:        l.out,
		fields:     newFields,
		component:  l.component,
	}
}

// ParseLevel parses a log level string
func ParseLevel(level string) Level {
	switch level {
	case "DEBUG", "debug":
		return DEBUG
	case "INFO", "info":
		return INFO
	case "WARN", "warn", "WARNING", "warning":
		return WARN
	case "ERROR", "error":
		return ERROR
	case "FATAL", "fatal":
		return FATAL
	default:
		return INFO
	}
}

// Close closes the log file if opened
func (l *Logger) Close() error {
	if l.logFile != nil {
		l.Info("Logger closing")
		return l.logFile.Close()
	}
	return nil
}

// isWritable checks if directory is writable
func isWritable(path string) bool {
	if err := os.MkdirAll(path, 0755); err != nil {
		return false
	}

	testFile := filepath.Join(path, ".write_test")
	f, err := os.Create(testFile)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(testFile)
	return true
}

// GetLogPath returns the expected log path for a component
func GetLogPath(component string) string {
	baseDir := DefaultLogDir
	if !isWritable(baseDir) {
		baseDir = "./logs"
	}
	return filepath.Join(baseDir, component+".log")
}
