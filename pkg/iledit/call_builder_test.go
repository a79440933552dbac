package iledit

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/smith-xyz/go-trace-weaver/pkg/bytecode"
)

func opsOf(code []bytecode.Instruction) []string {
	out := make([]string, len(code))
	for i, ins := range code {
		out[i] = ins.String()
	}
	return out
}

func TestCallBuilder(t *testing.T) {
	enter := &bytecode.MethodRef{
		DeclaringType: bytecode.Named{Name: "Tracer.Logger"},
		Name:          "TraceEnter",
		Params:        []bytecode.TypeRef{bytecode.String, bytecode.Array{Elem: bytecode.String}, bytecode.Array{Elem: bytecode.Object}},
		Return:        bytecode.Void,
		HasThis:       true,
	}

	code := NewCallBuilder().
		LoadString("Demo.A::f").
		StringArray([]string{"a"}).
		ObjectArray([][]bytecode.Instruction{
			append([]bytecode.Instruction{bytecode.Op(bytecode.LdArg, 0)}, BoxAs(bytecode.Int)...),
		}).
		Call(enter)

	assert.Equal(t, []string{
		`ldstr "Demo.A::f"`,
		"ldc 1", "newarr string",
		"dup", "ldc 0", `ldstr "a"`, "stelem",
		"ldc 1", "newarr object",
		"dup", "ldc 0", "ldarg 0", "box int", "stelem",
		"callvirt instance void Tracer.Logger::TraceEnter(string,string[],object[])",
	}, opsOf(code))
}

func TestCallBuilder_EmptyArraysAreNull(t *testing.T) {
	code := NewCallBuilder().StringArray(nil).ObjectArray(nil).Build()
	assert.Equal(t, []string{"ldnull", "ldnull"}, opsOf(code))
}

func TestIsValueType(t *testing.T) {
	assert.True(t, IsValueType(bytecode.Int))
	assert.True(t, IsValueType(bytecode.GenericParam{Name: "T"}))
	assert.False(t, IsValueType(bytecode.String))
	assert.False(t, IsValueType(bytecode.Array{Elem: bytecode.Int}))
	assert.Empty(t, BoxAs(bytecode.String))
}
