package weaver

import (
	"strconv"

	"github.com/smith-xyz/go-trace-weaver/pkg/bytecode"
	"github.com/smith-xyz/go-trace-weaver/pkg/iledit"
)

// RewriteFacadeCalls turns every static facade call into a call on the
// caller's logger that also passes the caller's type and method name. Code
// in generated bodies reports the method it was generated from.
func (w *Weaver) RewriteFacadeCalls() *Weaver {
	if !w.cfg.HasStaticLogger() {
		return w
	}
	for _, m := range w.mod.AllMethods() {
		if m.Body == nil {
			continue
		}
		sites := w.facadeSites(m.Body)
		if len(sites) == 0 {
			continue
		}
		caller := m.Logical()
		log := w.loggerFor(caller.DeclaringType())
		temps := make(map[string]int)
		p := iledit.NewProcessor(m.Body)
		for _, h := range sites {
			call := m.Body.Instr(h).Operand.(*bytecode.MethodRef)
			code := w.facadeCall(p, temps, call, log, caller)
			if err := p.Replace(h, code[0]); err != nil {
				w.skip(m, "%v", err)
				break
			}
			_, _ = p.InsertAfter(h, code[1:]...)
			w.stats.FacadeCalls++
		}
		if caller != m {
			w.sink.Debugf("facade calls in %s attributed to %s", m.Key(), caller.Key())
		}
	}
	return w
}

func (w *Weaver) facadeSites(body *bytecode.Body) []bytecode.Handle {
	var out []bytecode.Handle
	for _, h := range body.Handles() {
		ins := body.Instr(h)
		if ins.Op != bytecode.Call {
			continue
		}
		ref := ins.Operand.(*bytecode.MethodRef)
		if !ref.HasThis && bytecode.BaseName(ref.DeclaringType) == w.cfg.StaticLoggerType {
			out = append(out, h)
		}
	}
	return out
}

// facadeCall parks the original arguments in locals so the logger can be
// loaded underneath them, then reloads them followed by the caller context.
func (w *Weaver) facadeCall(p *iledit.Processor, temps map[string]int, call *bytecode.MethodRef,
	log *bytecode.FieldRef, caller *bytecode.MethodDef) []bytecode.Instruction {
	slots := make([]int, len(call.Params))
	for i, t := range call.Params {
		key := strconv.Itoa(i) + ":" + t.String()
		slot, ok := temps[key]
		if !ok {
			slot = p.NewLocal("$facade"+strconv.Itoa(i), t)
			temps[key] = slot
		}
		slots[i] = slot
	}

	b := iledit.NewCallBuilder()
	for i := len(slots) - 1; i >= 0; i-- {
		b.Emit(bytecode.Op(bytecode.StLoc, slots[i]))
	}
	b.LoadStatic(log)
	for _, slot := range slots {
		b.LoadLocal(slot)
	}
	return b.
		LoadString(caller.DeclaringType().FullName()).
		LoadString(caller.Name).
		Call(w.contract.Facade(call))
}
