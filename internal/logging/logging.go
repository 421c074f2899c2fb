// Package logging provides the crawler's leveled logger. It wraps
// zerolog with a thin Debug/Info/Warn/Error surface, plus a hook that
// forwards every message to an EventEmitter for the run-log.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// EventEmitter receives a copy of every logged message, with its fields
// (including structured error_event records, see ErrorEvent).
// runlog.EventRecorder implements it by appending each message as one
// line of the JSON event log.
type EventEmitter interface {
	Emit(level string, message string, fields map[string]interface{})
}

// Logger is the leveled logger threaded through every component.
type Logger struct {
	zl      zerolog.Logger
	verbose bool
	emitter EventEmitter
}

// Options configures New.
type Options struct {
	Level      string // LOG_LEVEL: debug, info, warn, error
	FilePath   string // LOG_FILE_PATH; empty means stderr
	Verbose    bool
	Console    bool // use a human-readable console writer (local dev)
	Emitter    EventEmitter
}

// New builds a Logger per Options.
func New(opts Options) (*Logger, error) {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stderr
	if opts.FilePath != "" {
		f, err := os.OpenFile(opts.FilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		out = f
	} else if opts.Console {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}

	zl := zerolog.New(out).Level(level).With().Timestamp().Logger()

	return &Logger{zl: zl, verbose: opts.Verbose, emitter: opts.Emitter}, nil
}

func (l *Logger) emit(level, msg string, fields map[string]interface{}) {
	if l.emitter != nil {
		l.emitter.Emit(level, msg, fields)
	}
}

// Debug logs a message only when verbose mode is enabled.
func (l *Logger) Debug(msg string, fields map[string]interface{}) {
	if !l.verbose {
		return
	}
	ev := l.zl.Debug()
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
	l.emit("debug", msg, fields)
}

// Info logs an informational message.
func (l *Logger) Info(msg string, fields map[string]interface{}) {
	ev := l.zl.Info()
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
	l.emit("info", msg, fields)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields map[string]interface{}) {
	ev := l.zl.Warn()
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
	l.emit("warn", msg, fields)
}

// Error logs an error, carrying the structured error_event fields
// (error_type, error_source, url, proxy, retry_index, action_required,
// details).
func (l *Logger) Error(msg string, fields map[string]interface{}) {
	ev := l.zl.Error()
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
	l.emit("error", msg, fields)
}

// ErrorEvent is the structured payload attached alongside every logged
// error.
type ErrorEvent struct {
	ErrorType      string                 `json:"error_type"`
	ErrorSource    string                 `json:"error_source"` // http, browser, image, sheet, state, proxy
	URL            string                 `json:"url,omitempty"`
	Proxy          string                 `json:"proxy,omitempty"`
	RetryIndex     int                    `json:"retry_index,omitempty"`
	ActionRequired string                 `json:"action_required,omitempty"`
	Details        map[string]interface{} `json:"details,omitempty"`
}

// Fields renders an ErrorEvent into the map shape Error expects.
func (e ErrorEvent) Fields() map[string]interface{} {
	return map[string]interface{}{
		"error_type":      e.ErrorType,
		"error_source":    e.ErrorSource,
		"url":             e.URL,
		"proxy":           e.Proxy,
		"retry_index":     e.RetryIndex,
		"action_required": e.ActionRequired,
		"details":         e.Details,
	}
}
