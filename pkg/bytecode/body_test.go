package bytecode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBody_SpliceKeepsHandles(t *testing.T) {
	b := &Body{}
	first := b.Emit(LdcI8, int64(1))
	ret := b.Emit(Ret)
	br := b.Splice(1, Op(BrTrue, ret))[0]

	inserted := b.Splice(0, Op(Nop), Op(Nop))
	require.Len(t, inserted, 2)

	assert.Equal(t, 5, b.Len())
	assert.Equal(t, 2, b.IndexOf(first))
	assert.Equal(t, 3, b.IndexOf(br))
	assert.Equal(t, ret, b.Instr(br).Operand)
	assert.Equal(t, ret, b.Next(br))
	assert.Equal(t, NoHandle, b.Next(ret))
	assert.Equal(t, inserted[0], b.First())
	assert.Equal(t, ret, b.Last())
	assert.NoError(t, b.Check())
}

func TestBody_Check(t *testing.T) {
	tests := []struct {
		name  string
		build func(b *Body)
	}{
		{"dangling branch", func(b *Body) { b.Emit(Br, Handle(7)) }},
		{"bad operand", func(b *Body) { b.Emit(LdStr, int64(3)) }},
		{"local out of range", func(b *Body) { b.Emit(LdLoc, 0) }},
		{"handler outside body", func(b *Body) {
			h := b.Emit(Ret)
			b.Handlers = append(b.Handlers, Handler{TryStart: h, TryEnd: h, HandlerStart: Handle(9), HandlerEnd: NoHandle})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &Body{}
			tt.build(b)
			assert.Error(t, b.Check())
		})
	}
}

func TestBody_SplicePanicsOutOfRange(t *testing.T) {
	b := &Body{}
	assert.Panics(t, func() { b.Splice(1, Op(Nop)) })
}

func TestModule_Identity(t *testing.T) {
	outer := &TypeDef{Namespace: "Demo", Name: "Outer", GenericParams: []string{"T"}}
	inner := &TypeDef{Name: "Inner"}
	outer.AddNested(inner)
	run := &MethodDef{Name: "Run", Params: []Param{{Name: "x", Type: Int}, {Name: "s", Type: String}}}
	inner.AddMethod(run)
	closure := &MethodDef{Name: "$lambda0", Static: true, Generated: true, Origin: run.Key()}
	inner.AddMethod(closure)
	mod := &Module{Name: "Demo", Types: []*TypeDef{outer}}
	require.NoError(t, mod.Resolve())

	assert.Equal(t, "Demo.Outer/Inner::Run", run.Identity())
	assert.Equal(t, "Demo.Outer/Inner::Run(int,string)", run.Key())
	assert.Equal(t, "Demo", inner.NamespaceName())
	assert.Same(t, run, closure.Logical())
	assert.Same(t, run, mod.FindMethod("Demo.Outer/Inner::Run(int,string)"))
	assert.Equal(t, 1, run.ArgBase())
	assert.Equal(t, 0, closure.ArgBase())
	assert.Equal(t, "Demo.Outer<!T>", SelfType(outer).String())
	assert.Equal(t, "instance void Demo.Outer/Inner::Run(int,string)", run.Ref().String())
}

func TestModule_ResolveRejectsMissingOrigin(t *testing.T) {
	typ := &TypeDef{Namespace: "Demo", Name: "A"}
	typ.AddMethod(&MethodDef{Name: "f", Generated: true, Origin: "Demo.A::g()"})
	mod := &Module{Name: "Demo", Types: []*TypeDef{typ}}
	assert.Error(t, mod.Resolve())
}

func TestParseVisibility(t *testing.T) {
	v, err := ParseVisibility("Internal")
	require.NoError(t, err)
	assert.Equal(t, Internal, v)
	assert.True(t, Private < Protected && Protected < Internal && Internal < Public)
	_, err = ParseVisibility("friend")
	assert.Error(t, err)
}
