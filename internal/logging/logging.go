// Package logging holds the leveled line format shared by every component:
// "RFC3339 LEVEL component: message".
package logging

import (
	"fmt"
	"io"
	"log"
	"strings"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger writes leveled lines for one component.
type Logger struct {
	out       *log.Logger
	min       Level
	component string
}

func New(out *log.Logger, min Level, component string) *Logger {
	return &Logger{out: out, min: min, component: component}
}

// Discard returns a logger that drops everything. Tests use it.
func Discard() *Logger {
	return New(log.New(io.Discard, "", 0), LevelError+1, "")
}

// With returns a logger for another component sharing the same sink.
func (l *Logger) With(component string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{out: l.out, min: l.min, component: component}
}

func (l *Logger) Logf(level Level, format string, args ...any) {
	if l == nil || level < l.min {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.out.Printf("%s %s %s: %s", time.Now().Format(time.RFC3339), level, l.component, msg)
}

func (l *Logger) Debugf(format string, args ...any) { l.Logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any) { l.Logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any) { l.Logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.Logf(LevelError, format, args...) }
