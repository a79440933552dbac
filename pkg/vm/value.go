package vm

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/smith-xyz/go-trace-weaver/pkg/bytecode"
)

// Value is one stack slot: int64, string, nil, *Array, *Object, TypeValue or
// a value owned by a host binding.
type Value = any

type Array struct {
	Elem  bytecode.TypeRef
	Items []Value
}

type Object struct {
	Type   bytecode.TypeRef
	Fields map[string]Value
}

// TypeValue is what ldtype pushes.
type TypeValue struct {
	Type bytecode.TypeRef
}

func (t TypeValue) String() string { return t.Type.String() }

// Exception is a thrown value travelling up the call stack. Host bindings
// return one to throw into the running program.
type Exception struct {
	Value Value
}

func (e *Exception) Error() string {
	return "unhandled exception: " + Format(e.Value)
}

// NewException builds an exception object of the given type with a message
// field.
func NewException(typeName, message string) *Exception {
	return &Exception{Value: &Object{
		Type:   bytecode.Named{Name: typeName},
		Fields: map[string]Value{"message": message},
	}}
}

func zeroValue(t bytecode.TypeRef) Value {
	if n, ok := t.(bytecode.Named); ok && n.Name == bytecode.Int.Name {
		return int64(0)
	}
	return nil
}

func truthy(v Value) bool {
	switch x := v.(type) {
	case nil:
		return false
	case int64:
		return x != 0
	}
	return true
}

// Format renders a value for messages and listings.
func Format(v Value) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case int64:
		return strconv.FormatInt(x, 10)
	case string:
		return strconv.Quote(x)
	case *Array:
		parts := make([]string, len(x.Items))
		for i, item := range x.Items {
			parts[i] = Format(item)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case *Object:
		names := make([]string, 0, len(x.Fields))
		for name := range x.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, len(names))
		for i, name := range names {
			parts[i] = name + ": " + Format(x.Fields[name])
		}
		return x.Type.String() + "{" + strings.Join(parts, ", ") + "}"
	case TypeValue:
		return x.String()
	}
	return fmt.Sprintf("%v", v)
}
