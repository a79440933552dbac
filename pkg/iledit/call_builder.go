package iledit

import "github.com/smith-xyz/go-trace-weaver/pkg/bytecode"

// CallBuilder assembles the argument loads of a call followed by the call.
type CallBuilder struct {
	code []bytecode.Instruction
}

func NewCallBuilder() *CallBuilder {
	return &CallBuilder{}
}

func (b *CallBuilder) Emit(ins ...bytecode.Instruction) *CallBuilder {
	b.code = append(b.code, ins...)
	return b
}

func (b *CallBuilder) LoadStatic(f *bytecode.FieldRef) *CallBuilder {
	return b.Emit(bytecode.Op(bytecode.LdsFld, f))
}

func (b *CallBuilder) LoadString(s string) *CallBuilder {
	return b.Emit(bytecode.Op(bytecode.LdStr, s))
}

func (b *CallBuilder) LoadNull() *CallBuilder {
	return b.Emit(bytecode.Op(bytecode.LdNull))
}

func (b *CallBuilder) LoadLocal(index int) *CallBuilder {
	return b.Emit(bytecode.Op(bytecode.LdLoc, index))
}

// StringArray pushes a string[] holding values, or null when values is empty.
func (b *CallBuilder) StringArray(values []string) *CallBuilder {
	if len(values) == 0 {
		return b.LoadNull()
	}
	b.newArray(bytecode.String, len(values))
	for i, v := range values {
		b.Emit(
			bytecode.Op(bytecode.Dup),
			bytecode.Op(bytecode.LdcI8, int64(i)),
			bytecode.Op(bytecode.LdStr, v),
			bytecode.Op(bytecode.StElem),
		)
	}
	return b
}

// ObjectArray pushes an object[] whose elements are produced by the given
// load sequences, or null when there are none.
func (b *CallBuilder) ObjectArray(elements [][]bytecode.Instruction) *CallBuilder {
	if len(elements) == 0 {
		return b.LoadNull()
	}
	b.newArray(bytecode.Object, len(elements))
	for i, load := range elements {
		b.Emit(bytecode.Op(bytecode.Dup), bytecode.Op(bytecode.LdcI8, int64(i)))
		b.Emit(load...)
		b.Emit(bytecode.Op(bytecode.StElem))
	}
	return b
}

func (b *CallBuilder) newArray(elem bytecode.TypeRef, n int) {
	b.Emit(bytecode.Op(bytecode.LdcI8, int64(n)), bytecode.Op(bytecode.NewArr, elem))
}

// Call finishes the sequence with a call instruction. Instance methods are
// invoked with callvirt.
func (b *CallBuilder) Call(ref *bytecode.MethodRef) []bytecode.Instruction {
	op := bytecode.Call
	if ref.HasThis {
		op = bytecode.CallVirt
	}
	return append(b.code, bytecode.Op(op, ref))
}

// Build returns the sequence without a trailing call.
func (b *CallBuilder) Build() []bytecode.Instruction {
	return b.code
}

// BoxAs converts the value on the stack to object when t is a value type.
func BoxAs(t bytecode.TypeRef) []bytecode.Instruction {
	if IsValueType(t) {
		return []bytecode.Instruction{bytecode.Op(bytecode.Box, t)}
	}
	return nil
}

// IsValueType reports whether values of t need boxing to be stored as object.
// Generic parameters are boxed because they may be instantiated with int.
func IsValueType(t bytecode.TypeRef) bool {
	switch v := t.(type) {
	case bytecode.Named:
		return v.Name == bytecode.Int.Name
	case bytecode.GenericParam:
		return true
	}
	return false
}
