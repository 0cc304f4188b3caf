// Package diag is the diagnostics sink shared by datakit components.
//
// A Debugger logs leveled messages through log/slog and can "break" on
// messages at or above a configured level. Breaking never alters the
// caller's control flow: it invokes the OnBreak hook, which hosts use to stop
// in a debugger, fail a test or dump state.
package diag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Level orders diagnostic messages.
type Level int

const (
	LevelVerbose Level = iota
	LevelInfo
	LevelWarn
	LevelError
	// LevelOff disables logging or breaking when used as a threshold.
	LevelOff
)

// String returns the lower-case level name.
func (l Level) String() string {
	switch l {
	case LevelVerbose:
		return "verbose"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelOff:
		return "off"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel parses a level name as written in configuration files.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "verbose", "debug":
		return LevelVerbose, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	case "off", "none":
		return LevelOff, nil
	}
	return LevelOff, fmt.Errorf("unknown log level %q", s)
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelVerbose:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// Action is what the debugger did with a message.
type Action int

const (
	ActionNone Action = iota
	ActionLogged
	ActionLoggedAndBreak
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionLogged:
		return "logged"
	case ActionLoggedAndBreak:
		return "logged+break"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Sink is the diagnostics interface consumed by other packages.
type Sink interface {
	Log(level Level, msg string, args ...any) Action
	HandleError(err error) Action
}

// Debugger is the default Sink.
type Debugger struct {
	mu           sync.RWMutex
	logger       *slog.Logger
	logLevel     Level
	breakOnLevel Level
	onBreak      func(level Level, msg string)
}

// Option configures a Debugger.
type Option func(*Debugger)

// WithLogger sets the slog logger messages are written to.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Debugger) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithLogLevel sets the minimum level that is logged.
func WithLogLevel(l Level) Option {
	return func(d *Debugger) { d.logLevel = l }
}

// WithBreakOnLevel sets the minimum level that triggers a break.
func WithBreakOnLevel(l Level) Option {
	return func(d *Debugger) { d.breakOnLevel = l }
}

// WithOnBreak installs the hook invoked on a break.
func WithOnBreak(fn func(level Level, msg string)) Option {
	return func(d *Debugger) { d.onBreak = fn }
}

// New creates a debugger logging at Info and never breaking.
func New(opts ...Option) *Debugger {
	d := &Debugger{
		logger:       slog.Default(),
		logLevel:     LevelInfo,
		breakOnLevel: LevelOff,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Discard returns a debugger that drops everything.
func Discard() *Debugger {
	return New(WithLogLevel(LevelOff))
}

// SetLogLevel changes the logging threshold.
func (d *Debugger) SetLogLevel(l Level) {
	d.mu.Lock()
	d.logLevel = l
	d.mu.Unlock()
}

// SetBreakOnLevel changes the break threshold.
func (d *Debugger) SetBreakOnLevel(l Level) {
	d.mu.Lock()
	d.breakOnLevel = l
	d.mu.Unlock()
}

// LogLevel returns the logging threshold.
func (d *Debugger) LogLevel() Level {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.logLevel
}

// BreakOnLevel returns the break threshold.
func (d *Debugger) BreakOnLevel() Level {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.breakOnLevel
}

// Log records msg at level. Messages below the log level are dropped; a
// message at or above the break level also triggers a break.
func (d *Debugger) Log(level Level, msg string, args ...any) Action {
	if level >= LevelOff {
		return ActionNone
	}

	d.mu.RLock()
	logger, logLevel, breakLevel, onBreak := d.logger, d.logLevel, d.breakOnLevel, d.onBreak
	d.mu.RUnlock()

	if level < logLevel {
		return ActionNone
	}
	logger.Log(context.Background(), level.slogLevel(), msg, args...)

	if level < breakLevel {
		return ActionLogged
	}
	if onBreak != nil {
		onBreak(level, msg)
	}
	return ActionLoggedAndBreak
}

// HandleError logs err at error level. A nil error is ignored.
func (d *Debugger) HandleError(err error) Action {
	if err == nil {
		return ActionNone
	}
	return d.Log(LevelError, err.Error())
}

var _ Sink = (*Debugger)(nil)
