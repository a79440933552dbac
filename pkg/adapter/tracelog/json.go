package tracelog

import (
	"io"

	"github.com/rs/zerolog"

	"github.com/smith-xyz/go-trace-weaver/pkg/vm"
)

// WriteJSON writes e to w as one JSON line.
func WriteJSON(w io.Writer, e Event) {
	emit(zerolog.New(w), e)
}

func emit(logger zerolog.Logger, e Event) {
	ev := logger.Log().
		Int("seq", e.Seq).
		Str("event", string(e.Kind)).
		Str("logger", e.Logger).
		Str("method", e.Method).
		Int("depth", e.Depth)

	switch e.Kind {
	case KindLeave:
		ev.Int64("elapsed", e.Elapsed())
	case KindLog:
		ev.Str("message", e.Message)
		if e.CallerType != "" || e.CallerMethod != "" {
			ev.Str("caller", e.CallerType+"::"+e.CallerMethod)
		}
	}

	if e.Names != nil {
		values := zerolog.Dict()
		for i, name := range e.Names {
			var v any
			if i < len(e.Values) {
				v = e.Values[i]
			}
			values.Interface(name, plain(v))
		}
		ev.Dict("values", values)
	} else if e.Kind == KindLog && len(e.Values) > 0 {
		args := zerolog.Arr()
		for _, v := range e.Values {
			args.Interface(plain(v))
		}
		ev.Array("args", args)
	}
	ev.Send()
}

// plain converts a VM value into something encoding/json renders: arrays
// become slices and objects become maps carrying their type under "$type".
func plain(v any) any {
	switch x := v.(type) {
	case nil, int64, string:
		return x
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = plain(item)
		}
		return out
	case *vm.Array:
		return plain(x.Items)
	case *vm.Object:
		out := make(map[string]any, len(x.Fields)+1)
		for name, f := range x.Fields {
			out[name] = plain(f)
		}
		out["$type"] = x.Type.String()
		return out
	}
	return vm.Format(v)
}
