package tracelog

import (
	"fmt"

	"github.com/smith-xyz/go-trace-weaver/pkg/adapter"
	"github.com/smith-xyz/go-trace-weaver/pkg/bytecode"
	"github.com/smith-xyz/go-trace-weaver/pkg/vm"
)

// Logger is the host value GetLogger hands to woven code.
type Logger struct {
	Type string
	rec  *Recorder
}

// Bind implements the adapter contract on m, recording into rec. When
// staticLogger is set, calls that still target the static facade are
// recorded too, without caller context.
func Bind(m *vm.Machine, c adapter.Contract, staticLogger string, rec *Recorder) {
	m.Bind(c.GetLogger(), func(args []vm.Value) (vm.Value, error) {
		name := "<unknown>"
		if tv, ok := args[0].(vm.TypeValue); ok {
			name = tv.String()
		}
		return &Logger{Type: name, rec: rec}, nil
	})
	m.BindType(c.Logger, func(ref *bytecode.MethodRef, args []vm.Value) (vm.Value, error) {
		logger, ok := args[0].(*Logger)
		if !ok {
			return nil, vm.NewException("System.InvalidCastException", fmt.Sprintf("%s called on %s", ref.Name, vm.Format(args[0])))
		}
		return nil, logger.dispatch(ref, args[1:])
	})
	if staticLogger != "" {
		m.BindType(staticLogger, func(ref *bytecode.MethodRef, args []vm.Value) (vm.Value, error) {
			rec.record(logEvent(staticLogger, ref.Name, args))
			return nil, nil
		})
	}
}

func (l *Logger) dispatch(ref *bytecode.MethodRef, args []vm.Value) error {
	switch ref.Name {
	case adapter.TraceEnterMethod:
		if len(args) != 3 {
			return arity(ref, len(args))
		}
		l.rec.record(Event{
			Kind:   KindEnter,
			Logger: l.Type,
			Method: str(args[0]),
			Names:  stringItems(args[1]),
			Values: items(args[2]),
		})
	case adapter.TraceLeaveMethod:
		if len(args) != 5 {
			return arity(ref, len(args))
		}
		l.rec.record(Event{
			Kind:   KindLeave,
			Logger: l.Type,
			Method: str(args[0]),
			Start:  ticks(args[1]),
			End:    ticks(args[2]),
			Names:  stringItems(args[3]),
			Values: items(args[4]),
		})
	default:
		if len(args) < 2 {
			return arity(ref, len(args))
		}
		n := len(args) - 2
		e := logEvent(l.Type, ref.Name, args[:n])
		e.CallerType, e.CallerMethod = str(args[n]), str(args[n+1])
		l.rec.record(e)
	}
	return nil
}

// logEvent treats the first argument as the message and keeps the rest.
func logEvent(logger, method string, args []vm.Value) Event {
	e := Event{Kind: KindLog, Logger: logger, Method: method}
	if len(args) > 0 {
		if s, ok := args[0].(string); ok {
			e.Message = s
		} else {
			e.Message = vm.Format(args[0])
		}
		if len(args) > 1 {
			e.Values = append([]any(nil), args[1:]...)
		}
	}
	return e
}

func arity(ref *bytecode.MethodRef, n int) error {
	return vm.NewException("System.ArgumentException", fmt.Sprintf("%s: unexpected %d arguments", ref.Name, n))
}

func str(v vm.Value) string {
	if s, ok := v.(string); ok {
		return s
	}
	return vm.Format(v)
}

func ticks(v vm.Value) int64 {
	n, _ := v.(int64)
	return n
}

func stringItems(v vm.Value) []string {
	arr, ok := v.(*vm.Array)
	if !ok {
		return nil
	}
	out := make([]string, len(arr.Items))
	for i, item := range arr.Items {
		out[i] = str(item)
	}
	return out
}

func items(v vm.Value) []any {
	arr, ok := v.(*vm.Array)
	if !ok {
		return nil
	}
	return append([]any{}, arr.Items...)
}
