// Package logging provides config-driven categorized file-based logging
// for stratus. Logs are written to the configured directory with separate
// files per category. When logging is disabled every call is a no-op, so
// hot paths can log unconditionally.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot        Category = "boot"        // Startup and wiring
	CategoryBus         Category = "bus"         // Message bus dispatch
	CategoryAgents      Category = "agents"      // Agent lifecycle and handlers
	CategoryDevices     Category = "devices"     // Device registry
	CategoryDistributor Category = "distributor" // Task distribution loop
	CategoryResults     Category = "results"     // Subtask result collection
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Options controls logger initialization.
type Options struct {
	Enabled bool
	Dir     string
	Level   string // debug, info, warn, error
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex

	configMu sync.RWMutex
	enabled  bool
	logsDir  string
	logLevel = LevelInfo
)

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

// Initialize sets up the logging directory. Should be called once at
// startup; when opts.Enabled is false every logger is a silent no-op.
func Initialize(opts Options) error {
	configMu.Lock()
	enabled = opts.Enabled
	logsDir = opts.Dir
	switch opts.Level {
	case "debug":
		logLevel = LevelDebug
	case "info", "":
		logLevel = LevelInfo
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}
	configMu.Unlock()

	if !opts.Enabled {
		return nil
	}
	if opts.Dir == "" {
		return fmt.Errorf("logging enabled but no directory configured")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== stratus logging initialized ===")
	boot.Info("Logs directory: %s", opts.Dir)
	boot.Info("Log level: %s", opts.Level)
	return nil
}

// IsEnabled returns whether file logging is active.
func IsEnabled() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return enabled
}

// Get returns (or creates) a logger for the given category. Returns a
// no-op logger if logging is disabled.
func Get(category Category) *Logger {
	if !IsEnabled() {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	// Double-check after acquiring write lock
	if l, ok := loggers[category]; ok {
		return l
	}

	// Date-prefixed file name for easy rotation
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

// Debug logs a debug message (only if level <= debug).
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	l.logger.Printf("[DEBUG] %s", fmt.Sprintf(format, args...))
}

// Info logs an informational message (only if level <= info).
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	l.logger.Printf("[INFO] %s", fmt.Sprintf(format, args...))
}

// Warn logs a warning message (only if level <= warn).
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	l.logger.Printf("[WARN] %s", fmt.Sprintf(format, args...))
}

// Error logs an error message (always logged if logger exists).
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Printf("[ERROR] %s", fmt.Sprintf(format, args...))
}

// CloseAll closes all open log files (call at shutdown).
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootWarn logs warning to the boot category
func BootWarn(format string, args ...interface{}) {
	Get(CategoryBoot).Warn(format, args...)
}

// BootError logs error to the boot category
func BootError(format string, args ...interface{}) {
	Get(CategoryBoot).Error(format, args...)
}

// Bus logs to the bus category
func Bus(format string, args ...interface{}) {
	Get(CategoryBus).Info(format, args...)
}

// BusDebug logs debug to the bus category
func BusDebug(format string, args ...interface{}) {
	Get(CategoryBus).Debug(format, args...)
}

// BusWarn logs warning to the bus category
func BusWarn(format string, args ...interface{}) {
	Get(CategoryBus).Warn(format, args...)
}

// BusError logs error to the bus category
func BusError(format string, args ...interface{}) {
	Get(CategoryBus).Error(format, args...)
}

// Agents logs to the agents category
func Agents(format string, args ...interface{}) {
	Get(CategoryAgents).Info(format, args...)
}

// AgentsDebug logs debug to the agents category
func AgentsDebug(format string, args ...interface{}) {
	Get(CategoryAgents).Debug(format, args...)
}

// AgentsWarn logs warning to the agents category
func AgentsWarn(format string, args ...interface{}) {
	Get(CategoryAgents).Warn(format, args...)
}

// Devices logs to the devices category
func Devices(format string, args ...interface{}) {
	Get(CategoryDevices).Info(format, args...)
}

// DevicesDebug logs debug to the devices category
func DevicesDebug(format string, args ...interface{}) {
	Get(CategoryDevices).Debug(format, args...)
}

// DevicesWarn logs warning to the devices category
func DevicesWarn(format string, args ...interface{}) {
	Get(CategoryDevices).Warn(format, args...)
}

// Distributor logs to the distributor category
func Distributor(format string, args ...interface{}) {
	Get(CategoryDistributor).Info(format, args...)
}

// DistributorDebug logs debug to the distributor category
func DistributorDebug(format string, args ...interface{}) {
	Get(CategoryDistributor).Debug(format, args...)
}

// DistributorWarn logs warning to the distributor category
func DistributorWarn(format string, args ...interface{}) {
	Get(CategoryDistributor).Warn(format, args...)
}

// DistributorError logs error to the distributor category
func DistributorError(format string, args ...interface{}) {
	Get(CategoryDistributor).Error(format, args...)
}

// Results logs to the results category
func Results(format string, args ...interface{}) {
	Get(CategoryResults).Info(format, args...)
}

// ResultsDebug logs debug to the results category
func ResultsDebug(format string, args ...interface{}) {
	Get(CategoryResults).Debug(format, args...)
}

// ResultsWarn logs warning to the results category
func ResultsWarn(format string, args ...interface{}) {
	Get(CategoryResults).Warn(format, args...)
}

// ResultsError logs error to the results category
func ResultsError(format string, args ...interface{}) {
	Get(CategoryResults).Error(format, args...)
}

// =============================================================================
// TIMING HELPERS - For performance logging
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithInfo ends the timer and logs at info level
func (t *Timer) StopWithInfo() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Info("%s completed in %v", t.op, elapsed)
	return elapsed
}
