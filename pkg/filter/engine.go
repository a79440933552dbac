package filter

import (
	"fmt"

	"github.com/smith-xyz/go-trace-weaver/pkg/bytecode"
)

type Source uint8

const (
	SourceDefault Source = iota
	SourceMethod
	SourceType
	SourceAssembly
)

func (s Source) String() string {
	switch s {
	case SourceMethod:
		return "method"
	case SourceType:
		return "type"
	case SourceAssembly:
		return "assembly"
	}
	return "default"
}

// Decision records whether a method is traced and what decided it.
type Decision struct {
	Trace  bool
	Source Source
	Rule   string
}

// Engine resolves decisions per logical method. Generated bodies share the
// decision of the user method they were produced from.
type Engine struct {
	rules RuleSet
	cache map[string]Decision
}

func NewEngine(rules RuleSet) *Engine {
	return &Engine{rules: rules, cache: make(map[string]Decision)}
}

func (e *Engine) ShouldTrace(m *bytecode.MethodDef) bool {
	return e.Decide(m).Trace
}

func (e *Engine) Decide(m *bytecode.MethodDef) Decision {
	logical := m.Logical()
	key := logical.Key()
	if d, ok := e.cache[key]; ok {
		return d
	}
	d := e.resolve(logical)
	e.cache[key] = d
	return d
}

// Precompute fills the decision cache for every method of mod and returns
// the number of traced logical methods.
func (e *Engine) Precompute(mod *bytecode.Module) int {
	traced := 0
	seen := make(map[string]bool)
	for _, m := range mod.AllMethods() {
		key := m.Logical().Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		if e.Decide(m).Trace {
			traced++
		}
	}
	return traced
}

func (e *Engine) resolve(m *bytecode.MethodDef) Decision {
	if d, ok := methodDecision(m); ok {
		return d
	}
	for t := m.DeclaringType(); t != nil; t = t.DeclaringType() {
		if a, ok := typeAnnotation(t, m.Visibility); ok {
			return Decision{
				Trace:  a.Kind == bytecode.AnnotationTraceOn,
				Source: SourceType,
				Rule:   fmt.Sprintf("%s on %s", annotationText(a), t.FullName()),
			}
		}
	}
	if r, ok := e.rules.Match(m.DeclaringType().NamespaceName(), m.Visibility); ok {
		return Decision{Trace: r.Kind == TraceOn, Source: SourceAssembly, Rule: r.String()}
	}
	return Decision{Source: SourceDefault, Rule: "no rule matched"}
}

// methodDecision applies method annotations, which ignore their target.
func methodDecision(m *bytecode.MethodDef) (Decision, bool) {
	var on *bytecode.Annotation
	for i, a := range m.Annotations {
		switch a.Kind {
		case bytecode.AnnotationNoTrace:
			return Decision{Source: SourceMethod, Rule: annotationText(a)}, true
		case bytecode.AnnotationTraceOn:
			if on == nil {
				on = &m.Annotations[i]
			}
		}
	}
	if on != nil {
		return Decision{Trace: true, Source: SourceMethod, Rule: annotationText(*on)}, true
	}
	return Decision{}, false
}

// typeAnnotation picks the annotation of t that decides a member of the
// given visibility. As on methods, an applicable NoTrace beats TraceOn.
func typeAnnotation(t *bytecode.TypeDef, vis bytecode.Visibility) (bytecode.Annotation, bool) {
	var on *bytecode.Annotation
	for i, a := range t.Annotations {
		if !appliesTo(a, vis) {
			continue
		}
		if a.Kind == bytecode.AnnotationNoTrace {
			return a, true
		}
		if on == nil {
			on = &t.Annotations[i]
		}
	}
	if on != nil {
		return *on, true
	}
	return bytecode.Annotation{}, false
}

// appliesTo reports whether a type annotation covers a member of the given
// visibility. TraceOn(t) covers t and wider, NoTrace(t) covers t and narrower.
func appliesTo(a bytecode.Annotation, vis bytecode.Visibility) bool {
	if a.Target == nil {
		return true
	}
	if a.Kind == bytecode.AnnotationNoTrace {
		return vis <= *a.Target
	}
	return vis >= *a.Target
}

func annotationText(a bytecode.Annotation) string {
	if a.Target == nil {
		return "@" + a.Kind.String()
	}
	return fmt.Sprintf("@%s(%s)", a.Kind, *a.Target)
}
