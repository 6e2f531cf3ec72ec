// Package trust is the diagnostic logging contract for the dispatch core.
// Subsystems hold a Logger and emit non-fatal diagnostics through it; the
// core functions identically when no sink is attached.
package trust

import "fmt"

type MaskLevel int

const (
	Nothing   MaskLevel = 0x0
	ErrorMask MaskLevel = 0x1
	WarnMask  MaskLevel = 0x2
	InfoMask  MaskLevel = 0x4
	DebugMask MaskLevel = 0x8
)

// Sink receives every message that passes the level mask.  The message
// arrives fully formatted; module is the short subsystem name that produced
// it.
type Sink func(level MaskLevel, module string, message string)

// Logger is what the subsystems consume.  A nil Logger is legal everywhere.
type Logger interface {
	Errorf(format string, params ...interface{})
	Warnf(format string, params ...interface{})
	Infof(format string, params ...interface{})
	Debugf(format string, params ...interface{})
}

// Log is the standard Logger: a module name, a level mask and a sink.
type Log struct {
	module string
	sink   Sink
	level  MaskLevel
}

// NewLog creates a Logger for one module.  A nil sink discards everything.
func NewLog(module string, sink Sink) *Log {
	return &Log{
		module: module,
		sink:   sink,
		level:  ErrorMask | WarnMask | InfoMask | DebugMask,
	}
}

// SetLevel sets the mask.  Asking for a level implies every level more
// severe than it, so SetLevel(DebugMask) turns everything on and
// SetLevel(ErrorMask) leaves only errors.  It returns the previous mask.
func (l *Log) SetLevel(mask MaskLevel) MaskLevel {
	result := Nothing
	switch {
	case mask&DebugMask > 0:
		result |= DebugMask
		fallthrough
	case mask&InfoMask > 0:
		result |= InfoMask
		fallthrough
	case mask&WarnMask > 0:
		result |= WarnMask
		fallthrough
	case mask&ErrorMask > 0:
		result |= ErrorMask
	}
	prev := l.level
	l.level = result
	return prev
}

func (l *Log) Level() MaskLevel {
	return l.level
}

func (l *Log) LevelToString() string {
	result := ""
	switch {
	case l.level&DebugMask > 0:
		result += "debug "
		fallthrough
	case l.level&InfoMask > 0:
		result += "info "
		fallthrough
	case l.level&WarnMask > 0:
		result += "warn "
		fallthrough
	case l.level&ErrorMask > 0:
		result += "error"
	}
	return result
}

func (l *Log) logf(level MaskLevel, format string, params ...interface{}) {
	if l == nil || l.sink == nil || l.level&level == 0 {
		return
	}
	l.sink(level, l.module, fmt.Sprintf(format, params...))
}

func (l *Log) Errorf(format string, params ...interface{}) {
	l.logf(ErrorMask, format, params...)
}

func (l *Log) Warnf(format string, params ...interface{}) {
	l.logf(WarnMask, format, params...)
}

func (l *Log) Infof(format string, params ...interface{}) {
	l.logf(InfoMask, format, params...)
}

func (l *Log) Debugf(format string, params ...interface{}) {
	l.logf(DebugMask, format, params...)
}

// ConsolePrefix returns the tag the console sink prints for a level.
func ConsolePrefix(level MaskLevel) string {
	switch {
	case level&ErrorMask > 0:
		return "ERROR:"
	case level&WarnMask > 0:
		return " WARN:"
	case level&InfoMask > 0:
		return " INFO:"
	case level&DebugMask > 0:
		return "DEBUG:"
	}
	return "     :"
}

// Console is a Sink that writes to stdout, one line per message.
func Console(level MaskLevel, module string, message string) {
	fmt.Printf("%s[%s] %s\n", ConsolePrefix(level), module, message)
}
