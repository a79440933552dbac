// Package tracelog is a reference adapter: it records the events woven code
// produces and renders them as JSON lines.
package tracelog

import (
	"io"
	"sync"

	"github.com/rs/zerolog"
)

type Kind string

const (
	KindEnter Kind = "enter"
	KindLeave Kind = "leave"
	KindLog   Kind = "log"
)

// Event is one adapter call. Names and Values are nil when the woven code
// passed the absent marker and empty when it passed a zero-length array.
type Event struct {
	Seq    int
	Kind   Kind
	Logger string
	Method string
	Depth  int
	Names  []string
	Values []any
	Start  int64
	End    int64

	Message      string
	CallerType   string
	CallerMethod string
}

func (e Event) Elapsed() int64 { return e.End - e.Start }

// Recorder keeps events in memory and, when it has an output, writes each
// event as a JSON line as soon as it is recorded.
type Recorder struct {
	mu     sync.Mutex
	out    *stickyWriter
	log    zerolog.Logger
	events []Event
	depth  int
}

func NewRecorder(out io.Writer) *Recorder {
	r := &Recorder{}
	if out != nil {
		r.out = &stickyWriter{w: out}
		r.log = zerolog.New(r.out)
	}
	return r
}

// stickyWriter keeps the first write error and drops everything after it.
type stickyWriter struct {
	w   io.Writer
	err error
}

func (s *stickyWriter) Write(p []byte) (int, error) {
	if s.err == nil {
		_, s.err = s.w.Write(p)
	}
	return len(p), nil
}

func (r *Recorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch e.Kind {
	case KindEnter:
		e.Depth = r.depth
		r.depth++
	case KindLeave:
		if r.depth > 0 {
			r.depth--
		}
		e.Depth = r.depth
	default:
		e.Depth = r.depth
	}
	e.Seq = len(r.events) + 1
	r.events = append(r.events, e)
	if r.out != nil && r.out.err == nil {
		emit(r.log, e)
	}
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Err reports the first write error, after which output stops.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.out == nil {
		return nil
	}
	return r.out.err
}

// Shape lists kind and method of every event, e.g. "enter Demo.A::f".
func (r *Recorder) Shape() []string {
	events := r.Events()
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = string(e.Kind) + " " + e.Method
	}
	return out
}
