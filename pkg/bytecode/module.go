// Package bytecode models compiled modules: types, methods and the
// instruction streams of their bodies, together with the sequence points a
// symbol file attaches to instructions.
package bytecode

import (
	"fmt"
	"strings"
)

type Visibility uint8

const (
	Private Visibility = iota
	Protected
	Internal
	Public
)

var visibilityNames = [...]string{"private", "protected", "internal", "public"}

func (v Visibility) String() string {
	if int(v) < len(visibilityNames) {
		return visibilityNames[v]
	}
	return fmt.Sprintf("visibility(%d)", uint8(v))
}

func ParseVisibility(s string) (Visibility, error) {
	for i, name := range visibilityNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return Visibility(i), nil
		}
	}
	return 0, fmt.Errorf("unknown visibility %q", s)
}

type AnnotationKind uint8

const (
	AnnotationTraceOn AnnotationKind = iota + 1
	AnnotationNoTrace
)

func (k AnnotationKind) String() string {
	switch k {
	case AnnotationTraceOn:
		return "traceon"
	case AnnotationNoTrace:
		return "notrace"
	}
	return fmt.Sprintf("annotation(%d)", uint8(k))
}

// Annotation marks a type or method for tracing. Target is optional.
type Annotation struct {
	Kind   AnnotationKind
	Target *Visibility
}

type Module struct {
	Name       string
	References []string
	Attributes map[string]string
	Types      []*TypeDef

	// HasSymbols is set when the module was paired with a symbol file and
	// its sequence points must be written back.
	HasSymbols bool
}

type TypeDef struct {
	Namespace     string
	Name          string
	Visibility    Visibility
	GenericParams []string
	Generated     bool
	Annotations   []Annotation
	Fields        []*FieldDef
	Methods       []*MethodDef
	Nested        []*TypeDef

	declaring *TypeDef
}

type FieldDef struct {
	Name       string
	Type       TypeRef
	Visibility Visibility
	Static     bool
	Generated  bool
}

type Param struct {
	Name string
	Type TypeRef
}

type MethodDef struct {
	Name          string
	Visibility    Visibility
	Static        bool
	Generated     bool
	GenericParams []string
	Params        []Param
	Return        TypeRef
	Annotations   []Annotation
	// Origin is the key of the user-written method a generated body was
	// produced from (closures, state machines).
	Origin string
	Body   *Body

	declaring *TypeDef
	origin    *MethodDef
}

type MethodRef struct {
	DeclaringType TypeRef
	Name          string
	Params        []TypeRef
	Return        TypeRef
	HasThis       bool
}

type FieldRef struct {
	DeclaringType TypeRef
	Name          string
	Type          TypeRef
}

func typeList(ts []TypeRef) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = t.String()
	}
	return strings.Join(parts, ",")
}

// Key identifies the referenced overload, e.g. "Demo.Calc::Add(int,int)".
func (r *MethodRef) Key() string {
	return r.DeclaringType.String() + "::" + r.Name + "(" + typeList(r.Params) + ")"
}

func (r *MethodRef) String() string {
	prefix := ""
	if r.HasThis {
		prefix = "instance "
	}
	ret := TypeRef(Void)
	if r.Return != nil {
		ret = r.Return
	}
	return prefix + ret.String() + " " + r.Key()
}

func (r *FieldRef) Key() string {
	return r.DeclaringType.String() + "::" + r.Name
}

func (r *FieldRef) String() string {
	return r.Type.String() + " " + r.Key()
}

func (t *TypeDef) DeclaringType() *TypeDef { return t.declaring }

// FullName is the namespace-qualified name; nested types are joined with '/'.
func (t *TypeDef) FullName() string {
	if t.declaring != nil {
		return t.declaring.FullName() + "/" + t.Name
	}
	if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "." + t.Name
}

// NamespaceName is the namespace of the outermost declaring type.
func (t *TypeDef) NamespaceName() string {
	for t.declaring != nil {
		t = t.declaring
	}
	return t.Namespace
}

func (t *TypeDef) IsGeneric() bool { return len(t.GenericParams) > 0 }

func (t *TypeDef) Field(name string) *FieldDef {
	for _, f := range t.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func (t *TypeDef) AddNested(n *TypeDef) {
	n.declaring = t
	n.Namespace = ""
	t.Nested = append(t.Nested, n)
	for _, m := range n.Methods {
		m.declaring = n
	}
}

func (t *TypeDef) AddMethod(m *MethodDef) {
	m.declaring = t
	t.Methods = append(t.Methods, m)
}

// FindMethod looks up an overload by name and parameter type strings.
func (t *TypeDef) FindMethod(name string, params []TypeRef) *MethodDef {
	want := typeList(params)
	for _, m := range t.Methods {
		if m.Name == name && typeList(m.ParamTypes()) == want {
			return m
		}
	}
	return nil
}

func (t *TypeDef) TypeInitializer() *MethodDef {
	for _, m := range t.Methods {
		if m.IsTypeInitializer() {
			return m
		}
	}
	return nil
}

func (m *MethodDef) DeclaringType() *TypeDef { return m.declaring }

func (m *MethodDef) IsConstructor() bool { return m.Name == ".ctor" }

func (m *MethodDef) IsTypeInitializer() bool { return m.Name == ".cctor" }

func (m *MethodDef) ReturnType() TypeRef {
	if m.Return == nil {
		return Void
	}
	return m.Return
}

func (m *MethodDef) ParamTypes() []TypeRef {
	out := make([]TypeRef, len(m.Params))
	for i, p := range m.Params {
		out[i] = p.Type
	}
	return out
}

// Identity is the stable "DeclaringType::Name" string reported in trace events.
func (m *MethodDef) Identity() string {
	return m.declaring.FullName() + "::" + m.Name
}

// Key distinguishes overloads: Identity plus the parameter types.
func (m *MethodDef) Key() string {
	return m.Identity() + "(" + typeList(m.ParamTypes()) + ")"
}

// ArgBase is the argument slot of the first declared parameter.
func (m *MethodDef) ArgBase() int {
	if m.Static {
		return 0
	}
	return 1
}

// Logical returns the user-written method this body implements: the origin
// chain's root for generated bodies, the method itself otherwise.
func (m *MethodDef) Logical() *MethodDef {
	cur := m
	for i := 0; cur.origin != nil && i < 64; i++ {
		cur = cur.origin
	}
	return cur
}

// Ref builds a reference to m as seen from code in its own module. Generic
// declaring types are referenced through their self-instantiation.
func (m *MethodDef) Ref() *MethodRef {
	return &MethodRef{
		DeclaringType: SelfType(m.declaring),
		Name:          m.Name,
		Params:        m.ParamTypes(),
		Return:        m.ReturnType(),
		HasThis:       !m.Static,
	}
}

// SelfType is the reference code inside t uses for t: the instance over its
// own generic parameters when t is generic, the plain name otherwise.
func SelfType(t *TypeDef) TypeRef {
	if !t.IsGeneric() {
		return Named{Name: t.FullName()}
	}
	args := make([]TypeRef, len(t.GenericParams))
	for i, p := range t.GenericParams {
		args[i] = GenericParam{Name: p}
	}
	return Instance{Generic: t.FullName(), Args: args}
}

// Resolve links declaring types and origins after the type tree was built or
// decoded. A generated method whose origin cannot be found is an error.
func (mod *Module) Resolve() error {
	byKey := make(map[string]*MethodDef)
	var walk func(t *TypeDef, parent *TypeDef)
	walk = func(t *TypeDef, parent *TypeDef) {
		t.declaring = parent
		for _, m := range t.Methods {
			m.declaring = t
			byKey[m.Key()] = m
		}
		for _, n := range t.Nested {
			walk(n, t)
		}
	}
	for _, t := range mod.Types {
		walk(t, nil)
	}
	for _, m := range byKey {
		m.origin = nil
		if m.Origin == "" {
			continue
		}
		o, ok := byKey[m.Origin]
		if !ok {
			return fmt.Errorf("%s: origin %q not found", m.Key(), m.Origin)
		}
		if o == m {
			return fmt.Errorf("%s: method is its own origin", m.Key())
		}
		m.origin = o
	}
	return nil
}

// AllTypes returns every type, outer types before the types nested in them.
func (mod *Module) AllTypes() []*TypeDef {
	var out []*TypeDef
	var walk func(t *TypeDef)
	walk = func(t *TypeDef) {
		out = append(out, t)
		for _, n := range t.Nested {
			walk(n)
		}
	}
	for _, t := range mod.Types {
		walk(t)
	}
	return out
}

func (mod *Module) AllMethods() []*MethodDef {
	var out []*MethodDef
	for _, t := range mod.AllTypes() {
		out = append(out, t.Methods...)
	}
	return out
}

func (mod *Module) FindType(fullName string) *TypeDef {
	for _, t := range mod.AllTypes() {
		if t.FullName() == fullName {
			return t
		}
	}
	return nil
}

func (mod *Module) FindMethod(key string) *MethodDef {
	for _, m := range mod.AllMethods() {
		if m.Key() == key {
			return m
		}
	}
	return nil
}

// ResolveMethod finds the definition a reference points at, or nil when the
// reference targets another module.
func (mod *Module) ResolveMethod(r *MethodRef) *MethodDef {
	t := mod.FindType(BaseName(r.DeclaringType))
	if t == nil {
		return nil
	}
	return t.FindMethod(r.Name, r.Params)
}

func (mod *Module) AddReference(identity string) bool {
	for _, r := range mod.References {
		if r == identity {
			return false
		}
	}
	mod.References = append(mod.References, identity)
	return true
}

func (mod *Module) SetAttribute(key, value string) {
	if mod.Attributes == nil {
		mod.Attributes = make(map[string]string)
	}
	mod.Attributes[key] = value
}
