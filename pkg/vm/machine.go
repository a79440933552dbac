// Package vm executes bytecode modules. It exists to observe what woven code
// does: host bindings stand in for adapter modules and the runtime.
package vm

import (
	"errors"
	"fmt"
	"time"

	"github.com/smith-xyz/go-trace-weaver/pkg/adapter"
	"github.com/smith-xyz/go-trace-weaver/pkg/bytecode"
)

var (
	ErrOpenGeneric    = errors.New("member referenced through open generic definition")
	ErrUnknownMethod  = errors.New("unknown method")
	ErrInvalidProgram = errors.New("invalid program")
	ErrCallDepth      = errors.New("call depth exceeded")
)

const defaultMaxDepth = 256

// HostFunc implements one method outside the module. Instance methods
// receive the receiver as args[0].
type HostFunc func(args []Value) (Value, error)

// HostMethod implements every method of a type outside the module.
type HostMethod func(ref *bytecode.MethodRef, args []Value) (Value, error)

type Option func(*Machine)

func WithMaxDepth(n int) Option {
	return func(m *Machine) { m.maxDepth = n }
}

// WithClock replaces the tick source behind Stopwatch::GetTimestamp.
func WithClock(clock func() int64) Option {
	return func(m *Machine) { m.clock = clock }
}

type Machine struct {
	mod      *bytecode.Module
	funcs    map[string]HostFunc
	types    map[string]HostMethod
	statics  map[string]Value
	inited   map[string]bool
	maxDepth int
	depth    int
	clock    func() int64
}

func New(mod *bytecode.Module, opts ...Option) *Machine {
	start := time.Now()
	m := &Machine{
		mod:      mod,
		funcs:    make(map[string]HostFunc),
		types:    make(map[string]HostMethod),
		statics:  make(map[string]Value),
		inited:   make(map[string]bool),
		maxDepth: defaultMaxDepth,
		clock:    func() int64 { return int64(time.Since(start)) },
	}
	for _, opt := range opts {
		opt(m)
	}
	m.Bind(adapter.Timestamp(), func([]Value) (Value, error) { return m.clock(), nil })
	return m
}

func (m *Machine) Module() *bytecode.Module { return m.mod }

// Bind implements the referenced method with fn. Bindings win over module
// definitions.
func (m *Machine) Bind(ref *bytecode.MethodRef, fn HostFunc) {
	m.funcs[ref.Key()] = fn
}

// BindType implements every method declared by typeName that has no
// individual binding.
func (m *Machine) BindType(typeName string, fn HostMethod) {
	m.types[typeName] = fn
}

// Static returns the current value of a static field, keyed "Type::name".
func (m *Machine) Static(key string) (Value, bool) {
	v, ok := m.statics[key]
	return v, ok
}

// Invoke runs the method with the given key. Go ints are accepted for int
// arguments.
func (m *Machine) Invoke(key string, args ...Value) (Value, error) {
	def := m.mod.FindMethod(key)
	if def == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, key)
	}
	want := len(def.Params)
	if !def.Static {
		want++
	}
	if len(args) != want {
		return nil, fmt.Errorf("%w: %s takes %d arguments, got %d", ErrInvalidProgram, key, want, len(args))
	}
	converted := make([]Value, len(args))
	for i, a := range args {
		if n, ok := a.(int); ok {
			a = int64(n)
		}
		converted[i] = a
	}
	return m.call(def, converted)
}

func (m *Machine) call(def *bytecode.MethodDef, args []Value) (Value, error) {
	if def.Body == nil {
		return nil, fmt.Errorf("%w: %s has no body", ErrInvalidProgram, def.Key())
	}
	if err := m.ensureInit(def.DeclaringType().FullName()); err != nil {
		return nil, err
	}
	if m.depth >= m.maxDepth {
		return nil, fmt.Errorf("%w: %d frames", ErrCallDepth, m.maxDepth)
	}
	m.depth++
	defer func() { m.depth-- }()

	f := &frame{m: m, def: def, body: def.Body, args: args}
	f.locals = make([]Value, len(def.Body.Locals))
	for i, l := range def.Body.Locals {
		f.locals[i] = zeroValue(l.Type)
	}
	return f.run()
}

// ensureInit runs a module type's initializer the first time the type is
// used. Static fields start at their zero values.
func (m *Machine) ensureInit(typeName string) error {
	if m.inited[typeName] {
		return nil
	}
	m.inited[typeName] = true
	td := m.mod.FindType(typeName)
	if td == nil {
		return nil
	}
	for _, f := range td.Fields {
		if f.Static {
			m.statics[typeName+"::"+f.Name] = zeroValue(f.Type)
		}
	}
	if cctor := td.TypeInitializer(); cctor != nil {
		if _, err := m.call(cctor, nil); err != nil {
			return fmt.Errorf("type initializer of %s: %w", typeName, err)
		}
	}
	return nil
}

// checkOpen rejects references that name a generic module type without
// instantiating it.
func (m *Machine) checkOpen(decl bytecode.TypeRef, member string) error {
	n, ok := decl.(bytecode.Named)
	if !ok {
		return nil
	}
	if td := m.mod.FindType(n.Name); td != nil && td.IsGeneric() {
		return fmt.Errorf("%w: %s::%s", ErrOpenGeneric, n.Name, member)
	}
	return nil
}

type target struct {
	def  *bytecode.MethodDef
	host HostFunc
}

func (m *Machine) resolve(ref *bytecode.MethodRef) (target, error) {
	if fn, ok := m.funcs[ref.Key()]; ok {
		return target{host: fn}, nil
	}
	if fn, ok := m.types[bytecode.BaseName(ref.DeclaringType)]; ok {
		return target{host: func(args []Value) (Value, error) { return fn(ref, args) }}, nil
	}
	if err := m.checkOpen(ref.DeclaringType, ref.Name); err != nil {
		return target{}, err
	}
	if def := m.mod.ResolveMethod(ref); def != nil {
		return target{def: def}, nil
	}
	return target{}, fmt.Errorf("%w: %s", ErrUnknownMethod, ref.Key())
}

func (m *Machine) newObject(t bytecode.TypeRef) *Object {
	obj := &Object{Type: t, Fields: make(map[string]Value)}
	if td := m.mod.FindType(bytecode.BaseName(t)); td != nil {
		for _, f := range td.Fields {
			if !f.Static {
				obj.Fields[f.Name] = zeroValue(f.Type)
			}
		}
	}
	return obj
}
