// Package logger provides a process-wide structured logger.
package logger

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"
)

var singleton atomic.Pointer[slog.Logger]

func init() {
	Initialize()
}

// unstructuredLogs returns true unless UNSTRUCTURED_LOGS is explicitly "false".
func unstructuredLogs() bool {
	v, err := strconv.ParseBool(os.Getenv("UNSTRUCTURED_LOGS"))
	if err != nil {
		return true
	}
	return v
}

// Initialize creates the singleton logger. Text output by default; set
// UNSTRUCTURED_LOGS=false for JSON. Safe to call more than once.
func Initialize() {
	level := slog.LevelInfo
	if v, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && v {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if unstructuredLogs() {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	singleton.Store(slog.New(handler))
}

func get() *slog.Logger {
	if l := singleton.Load(); l != nil {
		return l
	}
	Initialize()
	return singleton.Load()
}

// Debug logs at debug level.
func Debug(msg string, args ...any) { get().Debug(msg, args...) }

// Debugf logs a formatted message at debug level.
func Debugf(format string, args ...any) { get().Debug(fmt.Sprintf(format, args...)) }

// Debugw logs at debug level with key-value pairs.
func Debugw(msg string, keysAndValues ...any) { get().Debug(msg, keysAndValues...) }

// Info logs at info level.
func Info(msg string, args ...any) { get().Info(msg, args...) }

// Infof logs a formatted message at info level.
func Infof(format string, args ...any) { get().Info(fmt.Sprintf(format, args...)) }

// Infow logs at info level with key-value pairs.
func Infow(msg string, keysAndValues ...any) { get().Info(msg, keysAndValues...) }

// Warn logs at warn level.
func Warn(msg string, args ...any) { get().Warn(msg, args...) }

// Warnf logs a formatted message at warn level.
func Warnf(format string, args ...any) { get().Warn(fmt.Sprintf(format, args...)) }

// Warnw logs at warn level with key-value pairs.
func Warnw(msg string, keysAndValues ...any) { get().Warn(msg, keysAndValues...) }

// Error logs at error level.
func Error(msg string, args ...any) { get().Error(msg, args...) }

// Errorf logs a formatted message at error level.
func Errorf(format string, args ...any) { get().Error(fmt.Sprintf(format, args...)) }

// Errorw logs at error level with key-value pairs.
func Errorw(msg string, keysAndValues ...any) { get().Error(msg, keysAndValues...) }

// Panicf logs a formatted message at error level and panics.
func Panicf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	get().Error(msg)
	panic(msg)
}
