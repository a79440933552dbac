package iledit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smith-xyz/go-trace-weaver/pkg/bytecode"
)

func method(ret bytecode.TypeRef, build func(b *bytecode.Body)) *bytecode.MethodDef {
	m := &bytecode.MethodDef{Name: "M", Static: true, Return: ret, Body: &bytecode.Body{}}
	build(m.Body)
	return m
}

func TestStackDepths(t *testing.T) {
	t.Run("loop with value return", func(t *testing.T) {
		m := method(bytecode.Int, func(b *bytecode.Body) {
			top := b.Emit(bytecode.LdcI8, int64(1))
			b.Emit(bytecode.BrTrue, top)
			b.Emit(bytecode.LdcI8, int64(2))
			b.Emit(bytecode.Ret)
		})
		depths, err := StackDepths(m)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1, 0, 1}, depthList(m.Body, depths))
	})

	t.Run("handler starts with the exception", func(t *testing.T) {
		m := method(bytecode.Void, func(b *bytecode.Body) {
			start := b.Emit(bytecode.Nop)
			b.Emit(bytecode.Leave, bytecode.NoHandle)
			handler := b.Emit(bytecode.Pop)
			b.Emit(bytecode.Leave, bytecode.NoHandle)
			end := b.Emit(bytecode.Ret)
			for _, h := range []bytecode.Handle{b.At(1), b.At(3)} {
				ins := b.Instr(h)
				ins.Operand = end
				b.Set(h, ins)
			}
			b.Handlers = append(b.Handlers, bytecode.Handler{TryStart: start, TryEnd: handler, HandlerStart: handler, HandlerEnd: end})
		})
		depths, err := StackDepths(m)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 0, 1, 0, 0}, depthList(m.Body, depths))
	})

	t.Run("call effects", func(t *testing.T) {
		ref := &bytecode.MethodRef{
			DeclaringType: bytecode.Named{Name: "X"},
			Name:          "F",
			Params:        []bytecode.TypeRef{bytecode.Int},
			Return:        bytecode.String,
			HasThis:       true,
		}
		m := method(bytecode.String, func(b *bytecode.Body) {
			b.Emit(bytecode.LdNull)
			b.Emit(bytecode.LdcI8, int64(1))
			b.Emit(bytecode.CallVirt, ref)
			b.Emit(bytecode.Ret)
		})
		depths, err := StackDepths(m)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1, 2, 1}, depthList(m.Body, depths))
	})
}

func TestStackDepths_Errors(t *testing.T) {
	tests := []struct {
		name  string
		ret   bytecode.TypeRef
		build func(b *bytecode.Body)
	}{
		{"falls off the end", bytecode.Void, func(b *bytecode.Body) {
			b.Emit(bytecode.Nop)
		}},
		{"underflow", bytecode.Void, func(b *bytecode.Body) {
			b.Emit(bytecode.Pop)
			b.Emit(bytecode.Ret)
		}},
		{"extra value at ret", bytecode.Void, func(b *bytecode.Body) {
			b.Emit(bytecode.LdNull)
			b.Emit(bytecode.Ret)
		}},
		{"missing return value", bytecode.Int, func(b *bytecode.Body) {
			b.Emit(bytecode.Ret)
		}},
		{"merge with different depths", bytecode.Int, func(b *bytecode.Body) {
			b.Emit(bytecode.LdcI8, int64(1))
			br := b.Emit(bytecode.BrTrue, bytecode.NoHandle)
			b.Emit(bytecode.LdcI8, int64(2))
			target := b.Emit(bytecode.LdcI8, int64(3))
			b.Emit(bytecode.Ret)
			ins := b.Instr(br)
			ins.Operand = target
			b.Set(br, ins)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := StackDepths(method(tt.ret, tt.build))
			assert.ErrorIs(t, err, ErrStackShape)
		})
	}
}

func depthList(b *bytecode.Body, depths map[bytecode.Handle]int) []int {
	out := make([]int, b.Len())
	for i := range out {
		out[i] = depths[b.At(i)]
	}
	return out
}
