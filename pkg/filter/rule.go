// Package filter decides which methods get traced.
package filter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/smith-xyz/go-trace-weaver/pkg/bytecode"
)

type ScopeKind uint8

const (
	ScopeAll ScopeKind = iota
	ScopeExact
	ScopePrefix
)

// Scope matches the namespace of a method's outermost declaring type.
type Scope struct {
	Kind ScopeKind
	Name string
}

var All = Scope{Kind: ScopeAll}

func Exact(name string) Scope  { return Scope{Kind: ScopeExact, Name: name} }
func Prefix(name string) Scope { return Scope{Kind: ScopePrefix, Name: name} }

// ParseScope reads "*", "Name.*" or "Name".
func ParseScope(text string) (Scope, error) {
	text = strings.TrimSpace(text)
	switch {
	case text == "*":
		return All, nil
	case text == "":
		return Scope{}, fmt.Errorf("empty namespace scope")
	}
	kind := ScopeExact
	if name, ok := strings.CutSuffix(text, ".*"); ok {
		kind, text = ScopePrefix, name
	}
	for _, seg := range strings.Split(text, ".") {
		if seg == "" || !validSegment(seg) {
			return Scope{}, fmt.Errorf("malformed namespace scope %q", text)
		}
	}
	return Scope{Kind: kind, Name: text}, nil
}

func validSegment(seg string) bool {
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		if c == '.' || c == '/' || !bytecode.IsNameByte(c) {
			return false
		}
	}
	return true
}

// Contains reports whether namespace falls under the scope. A prefix scope
// covers the namespace it names and every namespace below it.
func (s Scope) Contains(namespace string) bool {
	switch s.Kind {
	case ScopeAll:
		return true
	case ScopeExact:
		return namespace == s.Name
	case ScopePrefix:
		return namespace == s.Name || strings.HasPrefix(namespace, s.Name+".")
	}
	return false
}

// Specificity orders scopes: an exact name beats a prefix of the same depth,
// and deeper names beat shallower ones.
func (s Scope) Specificity() int {
	if s.Kind == ScopeAll {
		return 0
	}
	n := 2 * (strings.Count(s.Name, ".") + 1)
	if s.Kind == ScopeExact {
		n++
	}
	return n
}

func (s Scope) String() string {
	switch s.Kind {
	case ScopeAll:
		return "*"
	case ScopePrefix:
		return s.Name + ".*"
	}
	return s.Name
}

type RuleKind uint8

const (
	TraceOn RuleKind = iota + 1
	NoTrace
)

func (k RuleKind) String() string {
	if k == NoTrace {
		return "noTrace"
	}
	return "traceOn"
}

// Rule is one assembly-level filter entry. Min and Max only apply to TraceOn.
type Rule struct {
	Kind  RuleKind
	Scope Scope
	Min   bytecode.Visibility
	Max   bytecode.Visibility
}

func (r Rule) Matches(namespace string, vis bytecode.Visibility) bool {
	if !r.Scope.Contains(namespace) {
		return false
	}
	if r.Kind == NoTrace {
		return true
	}
	return vis >= r.Min && vis <= r.Max
}

func (r Rule) String() string {
	if r.Kind == NoTrace {
		return fmt.Sprintf("noTrace(%s)", r.Scope)
	}
	return fmt.Sprintf("traceOn(%s, %s..%s)", r.Scope, r.Min, r.Max)
}

// DefaultRule is used whenever no assembly-level rules are configured.
var DefaultRule = Rule{Kind: TraceOn, Scope: All, Min: bytecode.Public, Max: bytecode.Public}

// RuleSet holds rules most specific first, NoTrace ahead of TraceOn on ties.
type RuleSet struct {
	rules []Rule
}

func NewRuleSet(rules ...Rule) RuleSet {
	if len(rules) == 0 {
		return RuleSet{rules: []Rule{DefaultRule}}
	}
	sorted := append([]Rule(nil), rules...)
	sort.SliceStable(sorted, func(i, j int) bool {
		si, sj := sorted[i].Scope.Specificity(), sorted[j].Scope.Specificity()
		if si != sj {
			return si > sj
		}
		return sorted[i].Kind == NoTrace && sorted[j].Kind != NoTrace
	})
	return RuleSet{rules: sorted}
}

func (rs RuleSet) Rules() []Rule {
	if rs.rules == nil {
		return []Rule{DefaultRule}
	}
	return append([]Rule(nil), rs.rules...)
}

// Match returns the first rule that covers the namespace and visibility.
func (rs RuleSet) Match(namespace string, vis bytecode.Visibility) (Rule, bool) {
	for _, r := range rs.Rules() {
		if r.Matches(namespace, vis) {
			return r, true
		}
	}
	return Rule{}, false
}
