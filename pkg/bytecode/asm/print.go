package asm

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/smith-xyz/go-trace-weaver/pkg/bytecode"
)

// Format returns the text form of mod. Parse(Format(mod)) yields an
// equivalent module.
func Format(mod *bytecode.Module) string {
	var sb strings.Builder
	_ = Print(&sb, mod)
	return sb.String()
}

func Print(w io.Writer, mod *bytecode.Module) error {
	bw := bufio.NewWriter(w)
	pr := &printer{w: bw}
	pr.printf(0, "module %s", mod.Name)
	for _, r := range mod.References {
		pr.printf(0, "ref %s", r)
	}
	keys := make([]string, 0, len(mod.Attributes))
	for k := range mod.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		pr.printf(0, "attr %s %s", k, strconv.Quote(mod.Attributes[k]))
	}
	for _, t := range mod.Types {
		pr.blank()
		pr.printType(0, t, t.FullName())
	}
	return bw.Flush()
}

type printer struct {
	w *bufio.Writer
}

func (pr *printer) printf(depth int, format string, args ...any) {
	pr.w.WriteString(strings.Repeat("  ", depth))
	fmt.Fprintf(pr.w, format, args...)
	pr.w.WriteByte('\n')
}

func (pr *printer) blank() { pr.w.WriteByte('\n') }

func (pr *printer) annotations(depth int, anns []bytecode.Annotation) {
	for _, a := range anns {
		if a.Target != nil {
			pr.printf(depth, "@%s %s", a.Kind, *a.Target)
		} else {
			pr.printf(depth, "@%s", a.Kind)
		}
	}
}

func modifierText(vis bytecode.Visibility, static, generated bool) string {
	s := vis.String()
	if static {
		s += " static"
	}
	if generated {
		s += " generated"
	}
	return s
}

func genericName(name string, params []string) string {
	if len(params) == 0 {
		return name
	}
	return name + "<" + strings.Join(params, ",") + ">"
}

func (pr *printer) printType(depth int, t *bytecode.TypeDef, name string) {
	pr.annotations(depth, t.Annotations)
	pr.printf(depth, "type %s %s {", modifierText(t.Visibility, false, t.Generated), genericName(name, t.GenericParams))
	for _, f := range t.Fields {
		pr.printf(depth+1, "field %s %s %s", modifierText(f.Visibility, f.Static, f.Generated), f.Type, f.Name)
	}
	for _, m := range t.Methods {
		pr.printMethod(depth+1, m)
	}
	for _, n := range t.Nested {
		pr.printType(depth+1, n, n.Name)
	}
	pr.printf(depth, "}")
}

func (pr *printer) printMethod(depth int, m *bytecode.MethodDef) {
	pr.annotations(depth, m.Annotations)
	params := make([]string, len(m.Params))
	for i, p := range m.Params {
		params[i] = p.Type.String() + " " + p.Name
	}
	header := fmt.Sprintf("method %s %s %s(%s)",
		modifierText(m.Visibility, m.Static, m.Generated),
		m.ReturnType(), genericName(m.Name, m.GenericParams), strings.Join(params, ", "))
	if m.Origin != "" {
		header += " origin " + strconv.Quote(m.Origin)
	}
	if m.Body == nil {
		pr.printf(depth, "%s", header)
		return
	}
	pr.printf(depth, "%s {", header)
	pr.printBody(depth+1, m)
	pr.printf(depth, "}")
}

func (pr *printer) printBody(depth int, m *bytecode.MethodDef) {
	body := m.Body
	for _, l := range body.Locals {
		pr.printf(depth, "local %s %s", l.Type, l.Name)
	}
	labels := labelHandles(body)
	name := func(h bytecode.Handle) string { return "L" + strconv.Itoa(labels[h]) }
	for _, hd := range body.Handlers {
		line := fmt.Sprintf("try %s %s catch %s", name(hd.TryStart), name(hd.TryEnd), name(hd.HandlerStart))
		if hd.HandlerEnd != bytecode.NoHandle {
			line += " " + name(hd.HandlerEnd)
		}
		pr.printf(depth, "%s", line)
	}
	for i := 0; i < body.Len(); i++ {
		h := body.At(i)
		if _, ok := labels[h]; ok {
			pr.printf(depth-1, "%s:", name(h))
		}
		ins := body.Instr(h)
		if sp := ins.Seq; sp != nil {
			if sp.Column != 0 {
				pr.printf(depth, ".line %s %d %d", sp.File, sp.Line, sp.Column)
			} else {
				pr.printf(depth, ".line %s %d", sp.File, sp.Line)
			}
		}
		pr.printf(depth, "%s", instructionText(m, ins, name))
	}
}

// labelHandles numbers every branch target and handler boundary in body order.
func labelHandles(body *bytecode.Body) map[bytecode.Handle]int {
	targets := make(map[bytecode.Handle]bool)
	for i := 0; i < body.Len(); i++ {
		ins := body.Instr(body.At(i))
		if ins.Op.IsBranch() {
			targets[ins.Operand.(bytecode.Handle)] = true
		}
	}
	for _, hd := range body.Handlers {
		targets[hd.TryStart] = true
		targets[hd.TryEnd] = true
		targets[hd.HandlerStart] = true
		if hd.HandlerEnd != bytecode.NoHandle {
			targets[hd.HandlerEnd] = true
		}
	}
	labels := make(map[bytecode.Handle]int, len(targets))
	for i := 0; i < body.Len(); i++ {
		if h := body.At(i); targets[h] {
			labels[h] = len(labels)
		}
	}
	return labels
}

func instructionText(m *bytecode.MethodDef, ins bytecode.Instruction, label func(bytecode.Handle) string) string {
	switch v := ins.Operand.(type) {
	case nil:
		return ins.Op.String()
	case int:
		return ins.Op.String() + " " + indexText(m, ins.Op, v)
	case int64:
		return ins.Op.String() + " " + strconv.FormatInt(v, 10)
	case string:
		return ins.Op.String() + " " + strconv.Quote(v)
	case bytecode.Handle:
		return ins.Op.String() + " " + label(v)
	case *bytecode.MethodRef:
		return ins.Op.String() + " " + v.String()
	case *bytecode.FieldRef:
		return ins.Op.String() + " " + v.String()
	case bytecode.TypeRef:
		return ins.Op.String() + " " + v.String()
	}
	return ins.Op.String()
}

func indexText(m *bytecode.MethodDef, op bytecode.OpCode, idx int) string {
	switch op {
	case bytecode.LdArg, bytecode.StArg:
		if !m.Static && idx == 0 {
			return "this"
		}
		if p := idx - m.ArgBase(); p >= 0 && p < len(m.Params) && usableName(m.Params[p].Name) {
			return m.Params[p].Name
		}
	case bytecode.LdLoc, bytecode.StLoc:
		if idx < len(m.Body.Locals) {
			if n := m.Body.Locals[idx].Name; usableName(n) && m.Body.LocalIndex(n) == idx {
				return n
			}
		}
	}
	return strconv.Itoa(idx)
}

// usableName reports whether a name can be written in place of a slot number
// without being read back as one.
func usableName(s string) bool {
	if s == "" || s == "this" || (s[0] >= '0' && s[0] <= '9') {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !bytecode.IsNameByte(s[i]) {
			return false
		}
	}
	return true
}
