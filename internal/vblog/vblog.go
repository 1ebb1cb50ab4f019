// Package vblog provides the small level-gated logger used across the
// engine, standing in for the kernel driver's cdebug/dev_err/dev_notice
// calls (spec.md §2a). There is no package-level default: a Logger is
// always constructed explicitly and threaded through, since the engine
// carries no global mutable state.
package vblog

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Config controls a Logger's verbosity and destination. Level defaults
// to LevelInfo; set Debug true to match the kernel module's debug
// parameter and drop the floor to LevelDebug.
type Config struct {
	Debug  bool
	Output io.Writer
}

type Logger struct {
	mu     sync.Mutex
	logger *log.Logger
	level  Level
}

func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	level := LevelInfo
	if cfg.Debug {
		level = LevelDebug
	}
	return &Logger{logger: log.New(out, "", log.LstdFlags), level: level}
}

func formatArgs(args []any) string {
	if len(args) == 0 {
		return ""
	}
	var s string
	for i := 0; i+1 < len(args); i += 2 {
		if s != "" {
			s += " "
		}
		s += fmt.Sprintf("%v=%v", args[i], args[i+1])
	}
	if s == "" {
		return ""
	}
	return " " + s
}

func (l *Logger) log(level Level, prefix, msg string, args ...any) {
	if level < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Printf("%s %s%s", prefix, msg, formatArgs(args))
}

func (l *Logger) Debug(msg string, args ...any) { l.log(LevelDebug, "[DEBUG]", msg, args...) }
func (l *Logger) Info(msg string, args ...any)   { l.log(LevelInfo, "[INFO]", msg, args...) }
func (l *Logger) Warn(msg string, args ...any)   { l.log(LevelWarn, "[WARN]", msg, args...) }
func (l *Logger) Error(msg string, args ...any)  { l.log(LevelError, "[ERROR]", msg, args...) }
