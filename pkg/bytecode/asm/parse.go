// Package asm reads and writes the text form of bytecode modules.
//
//	module Demo
//	ref Tracer.Adapter
//
//	@traceon private
//	type public Demo.Calculator {
//	  field private static int calls
//	  method public static int Add(int a, int b) {
//	    .line calc.src 4
//	    ldarg a
//	    ldarg b
//	    add
//	    ret
//	  }
//	}
//
// Types are written without spaces (Box<int,string>, !T, int[]). Labels are
// identifiers followed by a colon; branch operands and try regions refer to
// them. A method header may end with origin "<key>" to name the user method a
// generated body belongs to.
package asm

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/smith-xyz/go-trace-weaver/pkg/bytecode"
)

type parser struct {
	file    string
	line    int
	mod     *bytecode.Module
	pending []bytecode.Annotation
	types   []*bytecode.TypeDef
	method  *methodState
}

type methodState struct {
	def      *bytecode.MethodDef
	labels   map[string]bytecode.Handle
	open     []string
	fixups   []labelFixup
	tries    []tryState
	seq      *bytecode.SequencePoint
	firstTok int
}

type labelFixup struct {
	at    bytecode.Handle
	label string
	line  int
}

type tryState struct {
	labels [4]string
	line   int
}

// Parse assembles a module from its text form. file is only used in errors.
func Parse(file, src string) (*bytecode.Module, error) {
	p := &parser{file: file}
	sc := bufio.NewScanner(strings.NewReader(src))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		p.line++
		text := strings.TrimSpace(stripComment(sc.Text()))
		if text == "" {
			continue
		}
		if err := p.parseLine(text); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	if p.mod == nil {
		return nil, p.errorf("missing module declaration")
	}
	if p.method != nil || len(p.types) > 0 {
		return nil, p.errorf("unexpected end of input: unclosed block")
	}
	if err := p.mod.Resolve(); err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	return p.mod, nil
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("%s:%d: %s", p.file, p.line, fmt.Sprintf(format, args...))
}

func stripComment(s string) string {
	inString := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if inString {
				i++
			}
		case '"':
			inString = !inString
		case '#':
			if !inString {
				return s[:i]
			}
		}
	}
	return s
}

func (p *parser) parseLine(text string) error {
	if p.method != nil {
		return p.parseBodyLine(text)
	}
	word, rest := cut(text)
	switch word {
	case "module":
		if p.mod != nil {
			return p.errorf("duplicate module declaration")
		}
		if rest == "" {
			return p.errorf("module needs a name")
		}
		p.mod = &bytecode.Module{Name: rest}
		return nil
	case "}":
		if len(p.types) == 0 {
			return p.errorf("unbalanced '}'")
		}
		p.types = p.types[:len(p.types)-1]
		return nil
	}
	if p.mod == nil {
		return p.errorf("expected module declaration")
	}
	switch word {
	case "ref":
		p.mod.AddReference(rest)
	case "attr":
		key, value := cut(rest)
		s, err := strconv.Unquote(value)
		if err != nil {
			return p.errorf("attr value: %v", err)
		}
		p.mod.SetAttribute(key, s)
	case "@traceon", "@notrace":
		a := bytecode.Annotation{Kind: bytecode.AnnotationTraceOn}
		if word == "@notrace" {
			a.Kind = bytecode.AnnotationNoTrace
		}
		if rest != "" {
			v, err := bytecode.ParseVisibility(rest)
			if err != nil {
				return p.errorf("%v", err)
			}
			a.Target = &v
		}
		p.pending = append(p.pending, a)
	case "type":
		return p.parseType(rest)
	case "field":
		return p.parseField(rest)
	case "method":
		return p.parseMethod(rest)
	default:
		return p.errorf("unexpected %q", word)
	}
	return nil
}

type modifiers struct {
	vis       bytecode.Visibility
	static    bool
	generated bool
}

func parseModifiers(tokens []string) (modifiers, []string) {
	var m modifiers
	i := 0
	for ; i < len(tokens); i++ {
		switch tokens[i] {
		case "static":
			m.static = true
		case "generated":
			m.generated = true
		default:
			v, err := bytecode.ParseVisibility(tokens[i])
			if err != nil {
				return m, tokens[i:]
			}
			m.vis = v
		}
	}
	return m, nil
}

func (p *parser) takeAnnotations() []bytecode.Annotation {
	a := p.pending
	p.pending = nil
	return a
}

func (p *parser) parseType(rest string) error {
	fields := strings.Fields(rest)
	if len(fields) == 0 || fields[len(fields)-1] != "{" {
		return p.errorf("type declaration must end with '{'")
	}
	mods, tail := parseModifiers(fields[:len(fields)-1])
	if len(tail) != 1 {
		return p.errorf("type declaration needs exactly one name")
	}
	name, generics, err := splitGenericName(tail[0])
	if err != nil {
		return p.errorf("%v", err)
	}
	t := &bytecode.TypeDef{
		Name:          name,
		Visibility:    mods.vis,
		GenericParams: generics,
		Generated:     mods.generated,
		Annotations:   p.takeAnnotations(),
	}
	if len(p.types) == 0 {
		if i := strings.LastIndexByte(name, '.'); i >= 0 {
			t.Namespace, t.Name = name[:i], name[i+1:]
		}
		p.mod.Types = append(p.mod.Types, t)
	} else {
		p.types[len(p.types)-1].AddNested(t)
	}
	p.types = append(p.types, t)
	return nil
}

func (p *parser) current() (*bytecode.TypeDef, error) {
	if len(p.types) == 0 {
		return nil, p.errorf("member outside of a type")
	}
	return p.types[len(p.types)-1], nil
}

func (p *parser) parseField(rest string) error {
	t, err := p.current()
	if err != nil {
		return err
	}
	mods, tail := parseModifiers(strings.Fields(rest))
	if len(tail) != 2 {
		return p.errorf("field needs a type and a name")
	}
	ft, err := bytecode.ParseType(tail[0])
	if err != nil {
		return p.errorf("%v", err)
	}
	t.Fields = append(t.Fields, &bytecode.FieldDef{
		Name:       tail[1],
		Type:       ft,
		Visibility: mods.vis,
		Static:     mods.static,
		Generated:  mods.generated,
	})
	return nil
}

func (p *parser) parseMethod(rest string) error {
	t, err := p.current()
	if err != nil {
		return err
	}
	open := strings.IndexByte(rest, '(')
	end := -1
	if open >= 0 {
		end = strings.IndexByte(rest[open:], ')')
	}
	if end < 0 {
		return p.errorf("method needs a parameter list")
	}
	end += open
	mods, tail := parseModifiers(strings.Fields(rest[:open]))
	if len(tail) != 2 {
		return p.errorf("method needs a return type and a name")
	}
	ret, err := bytecode.ParseType(tail[0])
	if err != nil {
		return p.errorf("%v", err)
	}
	name, generics, err := splitGenericName(tail[1])
	if err != nil {
		return p.errorf("%v", err)
	}
	m := &bytecode.MethodDef{
		Name:          name,
		Visibility:    mods.vis,
		Static:        mods.static,
		Generated:     mods.generated,
		GenericParams: generics,
		Return:        ret,
		Annotations:   p.takeAnnotations(),
	}
	for _, part := range splitTopLevel(rest[open+1 : end]) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		pf := strings.Fields(part)
		if len(pf) != 2 {
			return p.errorf("parameter %q needs a type and a name", part)
		}
		pt, err := bytecode.ParseType(pf[0])
		if err != nil {
			return p.errorf("%v", err)
		}
		m.Params = append(m.Params, bytecode.Param{Name: pf[1], Type: pt})
	}
	trailer := strings.TrimSpace(rest[end+1:])
	hasBody := strings.HasSuffix(trailer, "{")
	trailer = strings.TrimSpace(strings.TrimSuffix(trailer, "{"))
	if trailer != "" {
		word, value := cut(trailer)
		if word != "origin" {
			return p.errorf("unexpected %q after parameters", word)
		}
		origin, err := strconv.Unquote(value)
		if err != nil {
			return p.errorf("origin: %v", err)
		}
		m.Origin = origin
	}
	t.AddMethod(m)
	if hasBody {
		m.Body = &bytecode.Body{}
		p.method = &methodState{def: m, labels: make(map[string]bytecode.Handle)}
	}
	return nil
}

func (p *parser) parseBodyLine(text string) error {
	ms := p.method
	body := ms.def.Body
	if text == "}" {
		return p.finishMethod()
	}
	if strings.HasSuffix(text, ":") && !strings.ContainsAny(text, " \t") {
		label := strings.TrimSuffix(text, ":")
		if _, dup := ms.labels[label]; dup || contains(ms.open, label) {
			return p.errorf("duplicate label %s", label)
		}
		ms.open = append(ms.open, label)
		return nil
	}
	word, rest := cut(text)
	switch word {
	case "local":
		f := strings.Fields(rest)
		if len(f) != 2 {
			return p.errorf("local needs a type and a name")
		}
		lt, err := bytecode.ParseType(f[0])
		if err != nil {
			return p.errorf("%v", err)
		}
		body.AddLocal(f[1], lt)
		return nil
	case "try":
		f := strings.Fields(rest)
		if (len(f) != 4 && len(f) != 5) || f[2] != "catch" {
			return p.errorf("expected: try <start> <end> catch <handler> [<end>]")
		}
		ts := tryState{line: p.line}
		ts.labels[0], ts.labels[1], ts.labels[2] = f[0], f[1], f[3]
		if len(f) == 5 {
			ts.labels[3] = f[4]
		}
		ms.tries = append(ms.tries, ts)
		return nil
	case ".line":
		f := strings.Fields(rest)
		if len(f) < 2 || len(f) > 3 {
			return p.errorf("expected: .line <file> <line> [<column>]")
		}
		sp := &bytecode.SequencePoint{File: f[0]}
		var err error
		if sp.Line, err = strconv.Atoi(f[1]); err != nil {
			return p.errorf("line: %v", err)
		}
		if len(f) == 3 {
			if sp.Column, err = strconv.Atoi(f[2]); err != nil {
				return p.errorf("column: %v", err)
			}
		}
		ms.seq = sp
		return nil
	}
	op, ok := bytecode.LookupOpCode(word)
	if !ok {
		return p.errorf("unknown instruction %q", word)
	}
	ins := bytecode.Instruction{Op: op, Seq: ms.seq}
	ms.seq = nil
	var label string
	switch op.Operand() {
	case bytecode.OperandNone:
		if rest != "" {
			return p.errorf("%s takes no operand", op)
		}
	case bytecode.OperandIndex:
		idx, err := p.indexOperand(op, rest)
		if err != nil {
			return err
		}
		ins.Operand = idx
	case bytecode.OperandInt:
		v, err := strconv.ParseInt(rest, 0, 64)
		if err != nil {
			return p.errorf("%s: %v", op, err)
		}
		ins.Operand = v
	case bytecode.OperandString:
		s, err := strconv.Unquote(rest)
		if err != nil {
			return p.errorf("%s: %v", op, err)
		}
		ins.Operand = s
	case bytecode.OperandType:
		t, err := bytecode.ParseType(rest)
		if err != nil {
			return p.errorf("%v", err)
		}
		ins.Operand = t
	case bytecode.OperandBranch:
		if rest == "" {
			return p.errorf("%s needs a label", op)
		}
		label = rest
		ins.Operand = bytecode.NoHandle
	case bytecode.OperandMethod:
		r, err := ParseMethodRef(rest)
		if err != nil {
			return p.errorf("%v", err)
		}
		ins.Operand = r
	case bytecode.OperandField:
		r, err := ParseFieldRef(rest)
		if err != nil {
			return p.errorf("%v", err)
		}
		ins.Operand = r
	}
	h := body.Append(ins)[0]
	for _, l := range ms.open {
		ms.labels[l] = h
	}
	ms.open = ms.open[:0]
	if label != "" {
		ms.fixups = append(ms.fixups, labelFixup{at: h, label: label, line: p.line})
	}
	return nil
}

func (p *parser) indexOperand(op bytecode.OpCode, rest string) (int, error) {
	if n, err := strconv.Atoi(rest); err == nil {
		return n, nil
	}
	m := p.method.def
	switch op {
	case bytecode.LdArg, bytecode.StArg:
		if rest == "this" && !m.Static {
			return 0, nil
		}
		for i, prm := range m.Params {
			if prm.Name == rest {
				return m.ArgBase() + i, nil
			}
		}
		return 0, p.errorf("%s: unknown argument %q", op, rest)
	default:
		if i := m.Body.LocalIndex(rest); i >= 0 {
			return i, nil
		}
		return 0, p.errorf("%s: unknown local %q", op, rest)
	}
}

func (p *parser) finishMethod() error {
	ms := p.method
	body := ms.def.Body
	if len(ms.open) > 0 {
		return p.errorf("label %s does not precede an instruction", ms.open[0])
	}
	for _, f := range ms.fixups {
		h, ok := ms.labels[f.label]
		if !ok {
			return fmt.Errorf("%s:%d: unknown label %s", p.file, f.line, f.label)
		}
		ins := body.Instr(f.at)
		ins.Operand = h
		body.Set(f.at, ins)
	}
	for _, ts := range ms.tries {
		var hs [4]bytecode.Handle
		for i, l := range ts.labels {
			if l == "" {
				hs[i] = bytecode.NoHandle
				continue
			}
			h, ok := ms.labels[l]
			if !ok {
				return fmt.Errorf("%s:%d: unknown label %s", p.file, ts.line, l)
			}
			hs[i] = h
		}
		body.Handlers = append(body.Handlers, bytecode.Handler{
			TryStart: hs[0], TryEnd: hs[1], HandlerStart: hs[2], HandlerEnd: hs[3],
		})
	}
	if err := body.Check(); err != nil {
		return p.errorf("%s: %v", ms.def.Name, err)
	}
	p.method = nil
	return nil
}

// ParseMethodRef reads "[instance] <ret> <Decl>::<Name>(<types>)".
func ParseMethodRef(s string) (*bytecode.MethodRef, error) {
	s = strings.TrimSpace(s)
	r := &bytecode.MethodRef{}
	if rest, ok := strings.CutPrefix(s, "instance "); ok {
		r.HasThis = true
		s = strings.TrimSpace(rest)
	}
	retText, target := cut(s)
	ret, err := bytecode.ParseType(retText)
	if err != nil {
		return nil, err
	}
	r.Return = ret
	decl, member, ok := strings.Cut(target, "::")
	if !ok {
		return nil, fmt.Errorf("method reference %q needs Type::Name", s)
	}
	if r.DeclaringType, err = bytecode.ParseType(decl); err != nil {
		return nil, err
	}
	open := strings.IndexByte(member, '(')
	if open <= 0 || !strings.HasSuffix(member, ")") {
		return nil, fmt.Errorf("method reference %q needs a parameter list", s)
	}
	r.Name = member[:open]
	for _, part := range splitTopLevel(member[open+1 : len(member)-1]) {
		if part == "" {
			continue
		}
		t, err := bytecode.ParseType(part)
		if err != nil {
			return nil, err
		}
		r.Params = append(r.Params, t)
	}
	return r, nil
}

// ParseFieldRef reads "<type> <Decl>::<name>".
func ParseFieldRef(s string) (*bytecode.FieldRef, error) {
	typeText, target := cut(strings.TrimSpace(s))
	ft, err := bytecode.ParseType(typeText)
	if err != nil {
		return nil, err
	}
	decl, name, ok := strings.Cut(target, "::")
	if !ok || name == "" {
		return nil, fmt.Errorf("field reference %q needs Type::name", s)
	}
	dt, err := bytecode.ParseType(decl)
	if err != nil {
		return nil, err
	}
	return &bytecode.FieldRef{DeclaringType: dt, Name: name, Type: ft}, nil
}

func cut(s string) (string, string) {
	word, rest, _ := strings.Cut(s, " ")
	return word, strings.TrimSpace(rest)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// splitTopLevel splits on commas that are not nested inside angle brackets.
func splitTopLevel(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '<':
			depth++
		case '>':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	return append(parts, strings.TrimSpace(s[start:]))
}

func splitGenericName(s string) (string, []string, error) {
	open := strings.IndexByte(s, '<')
	if open < 0 {
		return s, nil, nil
	}
	if !strings.HasSuffix(s, ">") || open == 0 {
		return "", nil, fmt.Errorf("malformed generic name %q", s)
	}
	var params []string
	for _, g := range splitTopLevel(s[open+1 : len(s)-1]) {
		if g == "" {
			return "", nil, fmt.Errorf("empty generic parameter in %q", s)
		}
		params = append(params, g)
	}
	return s[:open], params, nil
}
