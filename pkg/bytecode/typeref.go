package bytecode

import (
	"fmt"
	"strings"
)

// TypeRef is a reference to a type from inside a module. A Named reference to a
// generic definition denotes the open definition; code that touches members of
// a generic type from within that type must use an Instance.
type TypeRef interface {
	String() string
	typeRef()
}

type Named struct {
	Name string
}

type Instance struct {
	Generic string
	Args    []TypeRef
}

// GenericParam is a generic parameter, written !T.
type GenericParam struct {
	Name string
}

type Array struct {
	Elem TypeRef
}

func (Named) typeRef()        {}
func (Instance) typeRef()     {}
func (GenericParam) typeRef() {}
func (Array) typeRef()        {}

func (n Named) String() string { return n.Name }

func (i Instance) String() string {
	args := make([]string, len(i.Args))
	for idx, a := range i.Args {
		args[idx] = a.String()
	}
	return i.Generic + "<" + strings.Join(args, ",") + ">"
}

func (p GenericParam) String() string { return "!" + p.Name }

func (a Array) String() string { return a.Elem.String() + "[]" }

var (
	Void       = Named{Name: "void"}
	Int        = Named{Name: "int"}
	String     = Named{Name: "string"}
	Object     = Named{Name: "object"}
	TypeHandle = Named{Name: "type"}
)

func IsVoid(t TypeRef) bool {
	return t == nil || t.String() == Void.Name
}

func SameType(a, b TypeRef) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.String() == b.String()
}

// BaseName returns the definition name a reference points at: the generic
// name for an instance, the name itself for a named reference.
func BaseName(t TypeRef) string {
	switch v := t.(type) {
	case Named:
		return v.Name
	case Instance:
		return v.Generic
	}
	return ""
}

func ParseType(s string) (TypeRef, error) {
	p := typeParser{src: s}
	t, err := p.parse()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, fmt.Errorf("unexpected %q in type %q", p.src[p.pos:], s)
	}
	return t, nil
}

func MustParseType(s string) TypeRef {
	t, err := ParseType(s)
	if err != nil {
		panic(err)
	}
	return t
}

type typeParser struct {
	src string
	pos int
}

func (p *typeParser) parse() (TypeRef, error) {
	p.skipSpace()
	var t TypeRef
	if p.peek() == '!' {
		p.pos++
		name := p.ident()
		if name == "" {
			return nil, fmt.Errorf("missing generic parameter name in %q", p.src)
		}
		t = GenericParam{Name: name}
	} else {
		name := p.ident()
		if name == "" {
			return nil, fmt.Errorf("missing type name at offset %d in %q", p.pos, p.src)
		}
		p.skipSpace()
		if p.peek() != '<' {
			t = Named{Name: name}
		} else {
			p.pos++
			var args []TypeRef
			for {
				arg, err := p.parse()
				if err != nil {
					return nil, err
				}
				args = append(args, arg)
				p.skipSpace()
				switch p.peek() {
				case ',':
					p.pos++
					continue
				case '>':
					p.pos++
				default:
					return nil, fmt.Errorf("unterminated type arguments in %q", p.src)
				}
				break
			}
			t = Instance{Generic: name, Args: args}
		}
	}
	for strings.HasPrefix(p.src[p.pos:], "[]") {
		p.pos += 2
		t = Array{Elem: t}
	}
	return t, nil
}

func (p *typeParser) peek() byte {
	if p.pos < len(p.src) {
		return p.src[p.pos]
	}
	return 0
}

func (p *typeParser) skipSpace() {
	for p.pos < len(p.src) && p.src[p.pos] == ' ' {
		p.pos++
	}
}

func (p *typeParser) ident() string {
	start := p.pos
	for p.pos < len(p.src) && IsNameByte(p.src[p.pos]) {
		p.pos++
	}
	return p.src[start:p.pos]
}

// IsNameByte reports whether c may appear in a type or member name.
func IsNameByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '_', c == '.', c == '/', c == '$', c == '`':
		return true
	}
	return false
}
