package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/smith-xyz/go-trace-weaver/pkg/bytecode"
)

func TestContract_References(t *testing.T) {
	c := New("Tracer.LogManager", "Tracer.Logger")

	tests := []struct {
		name     string
		ref      *bytecode.MethodRef
		expected string
	}{
		{"get logger", c.GetLogger(), "Tracer.Logger Tracer.LogManager::GetLogger(type)"},
		{"enter", c.TraceEnter(), "instance void Tracer.Logger::TraceEnter(string,string[],object[])"},
		{"leave", c.TraceLeave(), "instance void Tracer.Logger::TraceLeave(string,int,int,string[],object[])"},
		{"timestamp", Timestamp(), "int System.Diagnostics.Stopwatch::GetTimestamp()"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.ref.String())
		})
	}
}

func TestContract_Facade(t *testing.T) {
	c := New("Tracer.LogManager", "Tracer.Logger")
	call := &bytecode.MethodRef{
		DeclaringType: bytecode.Named{Name: "Tracer.Log"},
		Name:          "Info",
		Params:        []bytecode.TypeRef{bytecode.String, bytecode.Array{Elem: bytecode.Object}},
	}

	got := c.Facade(call)
	assert.Equal(t, "instance void Tracer.Logger::Info(string,object[],string,string)", got.String())
	assert.Len(t, call.Params, 2)
}
