// Package diag carries the engine's diagnostics. Engine components report
// through a Sink; the host decides where the messages go.
package diag

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Sink interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warningf(format string, args ...any)
	Errorf(format string, args ...any)
}

type nop struct{}

func (nop) Debugf(string, ...any)   {}
func (nop) Infof(string, ...any)    {}
func (nop) Warningf(string, ...any) {}
func (nop) Errorf(string, ...any)   {}

// Nop discards everything.
var Nop Sink = nop{}

type holder struct{ sink Sink }

var current atomic.Pointer[holder]

// Set replaces the process-wide sink. A nil sink restores Nop.
func Set(s Sink) {
	if s == nil {
		s = Nop
	}
	current.Store(&holder{sink: s})
}

// Current returns the process-wide sink, Nop until Set is called.
func Current() Sink {
	if h := current.Load(); h != nil {
		return h.sink
	}
	return Nop
}

type zerologSink struct {
	logger zerolog.Logger
}

// NewZerolog adapts a zerolog logger. Messages are formatted before they are
// handed to the logger so that level filtering stays with the logger.
func NewZerolog(logger zerolog.Logger) Sink {
	return &zerologSink{logger: logger}
}

func (z *zerologSink) Debugf(format string, args ...any)   { z.logger.Debug().Msgf(format, args...) }
func (z *zerologSink) Infof(format string, args ...any)    { z.logger.Info().Msgf(format, args...) }
func (z *zerologSink) Warningf(format string, args ...any) { z.logger.Warn().Msgf(format, args...) }
func (z *zerologSink) Errorf(format string, args ...any)   { z.logger.Error().Msgf(format, args...) }

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

type Entry struct {
	Level   Level
	Message string
}

// Recorder keeps every message in memory.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

func (r *Recorder) add(l Level, format string, args []any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Level: l, Message: fmt.Sprintf(format, args...)})
}

func (r *Recorder) Debugf(format string, args ...any)   { r.add(LevelDebug, format, args) }
func (r *Recorder) Infof(format string, args ...any)    { r.add(LevelInfo, format, args) }
func (r *Recorder) Warningf(format string, args ...any) { r.add(LevelWarning, format, args) }
func (r *Recorder) Errorf(format string, args ...any)   { r.add(LevelError, format, args) }

func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Messages returns the messages recorded at level l.
func (r *Recorder) Messages(l Level) []string {
	var out []string
	for _, e := range r.Entries() {
		if e.Level == l {
			out = append(out, e.Message)
		}
	}
	return out
}
