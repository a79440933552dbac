package weaver

import (
	"github.com/smith-xyz/go-trace-weaver/pkg/adapter"
	"github.com/smith-xyz/go-trace-weaver/pkg/bytecode"
	"github.com/smith-xyz/go-trace-weaver/pkg/iledit"
)

const (
	startLocal     = "$start"
	returnLocal    = "$ret"
	exceptionLocal = "$exception"
)

// InjectTraces adds enter and leave calls to every selected user-written
// method. Generated bodies are never traced themselves; their decision only
// matters for the method they were produced from.
func (w *Weaver) InjectTraces() *Weaver {
	for _, m := range w.mod.AllMethods() {
		if !w.traceable(m) {
			continue
		}
		if reason := w.unsafeBody(m); reason != "" {
			w.skip(m, "%s", reason)
			continue
		}
		w.instrument(m)
		w.stats.Traced++
		w.sink.Debugf("traced %s", m.Key())
	}
	return w
}

func (w *Weaver) traceable(m *bytecode.MethodDef) bool {
	switch {
	case m.Generated, m.Origin != "":
		return false
	case m.IsTypeInitializer():
		return false
	case m.IsConstructor() && !w.cfg.TraceConstructors:
		return false
	}
	return w.engine.ShouldTrace(m)
}

// unsafeBody explains why m cannot be rewritten, or returns "".
func (w *Weaver) unsafeBody(m *bytecode.MethodDef) string {
	switch {
	case m.Body == nil:
		return "method has no body"
	case m.Body.Len() == 0:
		return "body is empty"
	}
	if err := m.Body.Check(); err != nil {
		return err.Error()
	}
	if iledit.NewProcessor(m.Body).FallsThrough() {
		return "control can run off the end of the body"
	}
	if _, err := iledit.StackDepths(m); err != nil {
		return err.Error()
	}
	return ""
}

func (w *Weaver) instrument(m *bytecode.MethodDef) {
	log := w.loggerFor(m.DeclaringType())
	p := iledit.NewProcessor(m.Body)
	identity := m.Identity()
	first := m.Body.First()
	returns := p.Returns()

	start := p.NewLocal(startLocal, bytecode.Int)
	ret := -1
	if !bytecode.IsVoid(m.ReturnType()) {
		ret = p.NewLocal(returnLocal, m.ReturnType())
	}

	if w.cfg.TraceExceptions {
		w.protect(m, p, log, identity, start, ret, returns)
	} else {
		for _, h := range returns {
			var code []bytecode.Instruction
			if ret >= 0 {
				code = append(code, bytecode.Op(bytecode.StLoc, ret))
			}
			code = append(code, w.exit(m, log, identity, start, ret)...)
			// Handles come from Returns on this body, so they cannot be foreign.
			_, _ = p.InsertBeforeRetarget(h, code...)
		}
	}

	_, _ = p.InsertBefore(first, w.enter(m, log, identity, start)...)
}

// protect wraps the original body in a catch handler that reports the
// exception and rethrows. Normal exits leave the protected region before
// their TraceLeave runs; each has its own epilogue after the handler.
func (w *Weaver) protect(m *bytecode.MethodDef, p *iledit.Processor, log *bytecode.FieldRef, identity string, start, ret int, returns []bytecode.Handle) {
	first := m.Body.First()
	exc := p.NewLocal(exceptionLocal, bytecode.Object)
	catch := []bytecode.Instruction{bytecode.Op(bytecode.StLoc, exc)}
	catch = append(catch, w.leave(log, identity, start, []string{adapter.ExceptionSlot}, loadLocal(exc, bytecode.Object))...)
	catch = append(catch, bytecode.Op(bytecode.Rethrow))
	handler := p.Append(catch...)

	exits := make([]bytecode.Handle, len(returns))
	for i := range returns {
		exits[i] = p.Append(append(w.exit(m, log, identity, start, ret), bytecode.Op(bytecode.Ret))...)[0]
	}

	end := bytecode.NoHandle
	if len(exits) > 0 {
		end = exits[0]
	}
	m.Body.Handlers = append(m.Body.Handlers, bytecode.Handler{
		TryStart:     first,
		TryEnd:       handler[0],
		HandlerStart: handler[0],
		HandlerEnd:   end,
	})

	for i, h := range returns {
		if ret < 0 {
			_ = p.Replace(h, bytecode.Op(bytecode.Leave, exits[i]))
			continue
		}
		_ = p.Replace(h, bytecode.Op(bytecode.StLoc, ret))
		_, _ = p.InsertAfter(h, bytecode.Op(bytecode.Leave, exits[i]))
	}
}

// exit reports a normal return. A non-void result is read from and left
// back on the stack from the $ret local.
func (w *Weaver) exit(m *bytecode.MethodDef, log *bytecode.FieldRef, identity string, start, ret int) []bytecode.Instruction {
	if ret < 0 {
		return w.leave(log, identity, start, nil, nil)
	}
	code := w.leave(log, identity, start, []string{adapter.ReturnSlot}, loadLocal(ret, m.ReturnType()))
	return append(code, bytecode.Op(bytecode.LdLoc, ret))
}

func (w *Weaver) enter(m *bytecode.MethodDef, log *bytecode.FieldRef, identity string, start int) []bytecode.Instruction {
	names := make([]string, len(m.Params))
	values := make([][]bytecode.Instruction, len(m.Params))
	for i, param := range m.Params {
		names[i] = param.Name
		load := []bytecode.Instruction{bytecode.Op(bytecode.LdArg, m.ArgBase()+i)}
		values[i] = append(load, iledit.BoxAs(param.Type)...)
	}
	code := iledit.NewCallBuilder().
		LoadStatic(log).
		LoadString(identity).
		StringArray(names).
		ObjectArray(values).
		Call(w.contract.TraceEnter())
	return append(code,
		bytecode.Op(bytecode.Call, adapter.Timestamp()),
		bytecode.Op(bytecode.StLoc, start),
	)
}

// leave reads the end timestamp as an argument of the call itself, so each
// exit path takes its own reading.
func (w *Weaver) leave(log *bytecode.FieldRef, identity string, start int, names []string, value []bytecode.Instruction) []bytecode.Instruction {
	var values [][]bytecode.Instruction
	if value != nil {
		values = [][]bytecode.Instruction{value}
	}
	return iledit.NewCallBuilder().
		LoadStatic(log).
		LoadString(identity).
		LoadLocal(start).
		Emit(bytecode.Op(bytecode.Call, adapter.Timestamp())).
		StringArray(names).
		ObjectArray(values).
		Call(w.contract.TraceLeave())
}

func loadLocal(index int, t bytecode.TypeRef) []bytecode.Instruction {
	return append([]bytecode.Instruction{bytecode.Op(bytecode.LdLoc, index)}, iledit.BoxAs(t)...)
}
