package weaver_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smith-xyz/go-trace-weaver/pkg/adapter"
	"github.com/smith-xyz/go-trace-weaver/pkg/adapter/tracelog"
	"github.com/smith-xyz/go-trace-weaver/pkg/bytecode"
	"github.com/smith-xyz/go-trace-weaver/pkg/bytecode/asm"
	"github.com/smith-xyz/go-trace-weaver/pkg/config"
	"github.com/smith-xyz/go-trace-weaver/pkg/diag"
	"github.com/smith-xyz/go-trace-weaver/pkg/filter"
	"github.com/smith-xyz/go-trace-weaver/pkg/iledit"
	"github.com/smith-xyz/go-trace-weaver/pkg/vm"
	"github.com/smith-xyz/go-trace-weaver/pkg/weaver"
)

const program = `
module App

type public Demo.Calc {
  method public static void Ping() {
    .line calc.src 3
    ret
  }

  method public static int Outer(int x) {
    ldarg x
    call int Demo.Calc::Inner(int)
    ret
  }

  method public static int Inner(int x) {
    ldarg x
    ldc 1
    add
    ret
  }

  method public static string Describe(int a, string b) {
    ldarg b
    ret
  }

  method public static int Abs(int v) {
    ldarg v
    ldc 0
    clt
    brfalse positive
    ldc 0
    ldarg v
    sub
    ret
  positive:
    ldarg v
    ret
  }

  method public static int Loop(int n) {
    local int acc
  top:
    ldarg n
    brfalse done
    ldloc acc
    ldarg n
    add
    stloc acc
    ldarg n
    ldc 1
    sub
    starg n
    br top
  done:
    ldloc acc
    ret
  }

  method public static int Fail(int d) {
    ldc 10
    ldarg d
    div
    ret
  }

  method public static int Safe(int d) {
    local int r
    try body handler catch handler end
  body:
    ldc 10
    ldarg d
    div
    stloc r
    leave end
  handler:
    pop
    ldc -1
    stloc r
    leave end
  end:
    ldloc r
    ret
  }

  method private static int Hidden() {
    ldc 7
    ret
  }

  @notrace
  method public static void Quiet() {
    ret
  }

  method public static void Report() {
    ldstr "report"
    call void Tracer.Log::Info(string)
    call void Demo.Calc/Closure$0::Run()
    ret
  }

  method public static int Boxed(int v) {
    ldarg v
    newobj instance void Demo.Box<int>::.ctor(!T)
    callvirt instance !T Demo.Box<int>::Get()
    ret
  }

  method public static void Broken() {
    nop
  }

  type private generated Closure$0 {
    method public static generated void Run() origin "Demo.Calc::Report()" {
      ldstr "from closure"
      ldc 3
      call void Tracer.Log::Warn(string,int)
      ret
    }
  }
}

type public Demo.Box<T> {
  field private !T value

  method public void .ctor(!T v) {
    ldarg this
    ldarg v
    stfld !T Demo.Box<!T>::value
    ret
  }

  method public !T Get() {
    ldarg this
    ldfld !T Demo.Box<!T>::value
    ret
  }
}

type public Other.Thing {
  method public static void Skip() {
    ret
  }
}
`

func testConfig() config.Configuration {
	return config.Configuration{
		AdapterModule:     "Tracer.Adapter",
		LogManagerType:    "Tracer.LogManager",
		LoggerType:        "Tracer.Logger",
		StaticLoggerType:  "Tracer.Log",
		TraceConstructors: true,
		Filter: filter.NewRuleSet(
			filter.Rule{Kind: filter.TraceOn, Scope: filter.Prefix("Demo"), Min: bytecode.Public, Max: bytecode.Public},
		),
	}
}

func weave(t *testing.T, cfg config.Configuration) (*bytecode.Module, weaver.Stats, *diag.Recorder) {
	t.Helper()
	mod, err := asm.Parse("program.asm", program)
	require.NoError(t, err)
	rec := &diag.Recorder{}
	stats, err := weaver.New(mod, cfg, rec).Weave()
	require.NoError(t, err)
	return mod, stats, rec
}

// execute runs a woven module against the trace-log adapter with a clock that
// advances ten ticks per reading.
func execute(t *testing.T, mod *bytecode.Module, cfg config.Configuration) (*vm.Machine, *tracelog.Recorder) {
	t.Helper()
	var now int64
	m := vm.New(mod, vm.WithClock(func() int64 {
		now += 10
		return now
	}))
	rec := tracelog.NewRecorder(nil)
	tracelog.Bind(m, adapter.New(cfg.LogManagerType, cfg.LoggerType), cfg.StaticLoggerType, rec)
	return m, rec
}

func TestWeave_Stats(t *testing.T) {
	_, stats, rec := weave(t, testConfig())

	assert.Equal(t, weaver.Stats{Traced: 12, Skipped: 1, FacadeCalls: 2, LoggerFields: 2}, stats)
	assert.Equal(t,
		[]string{"skipping Demo.Calc::Broken(): control can run off the end of the body"},
		rec.Messages(diag.LevelWarning))
}

func TestWeave_WovenBodiesStayConsistent(t *testing.T) {
	cfg := testConfig()
	cfg.TraceExceptions = true
	mod, _, _ := weave(t, cfg)

	for _, m := range mod.AllMethods() {
		if m.Body == nil || m.Name == "Broken" {
			continue
		}
		require.NoError(t, m.Body.Check(), m.Key())
		_, err := iledit.StackDepths(m)
		require.NoError(t, err, m.Key())
	}
}

func TestWeave_VoidMethodEmitsEnterAndLeave(t *testing.T) {
	cfg := testConfig()
	mod, _, _ := weave(t, cfg)
	m, rec := execute(t, mod, cfg)

	_, err := m.Invoke("Demo.Calc::Ping()")
	require.NoError(t, err)

	events := rec.Events()
	require.Equal(t, []string{"enter Demo.Calc::Ping", "leave Demo.Calc::Ping"}, rec.Shape())
	assert.Nil(t, events[0].Names, "no parameters is the absent marker")
	assert.Nil(t, events[0].Values)
	assert.Nil(t, events[1].Names, "void methods report no return value")
	assert.GreaterOrEqual(t, events[1].Elapsed(), int64(0))
	assert.Equal(t, "Demo.Calc", events[0].Logger)
}

func TestWeave_NestedCallsKeepStackOrder(t *testing.T) {
	cfg := testConfig()
	mod, _, _ := weave(t, cfg)
	m, rec := execute(t, mod, cfg)

	v, err := m.Invoke("Demo.Calc::Outer(int)", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	assert.Equal(t, []string{
		"enter Demo.Calc::Outer",
		"enter Demo.Calc::Inner",
		"leave Demo.Calc::Inner",
		"leave Demo.Calc::Outer",
	}, rec.Shape())

	events := rec.Events()
	assert.Equal(t, []int{0, 1, 1, 0}, []int{events[0].Depth, events[1].Depth, events[2].Depth, events[3].Depth})
	assert.Equal(t, []any{int64(5)}, events[2].Values)
	assert.Equal(t, []any{int64(5)}, events[3].Values)
	assert.Greater(t, events[3].Elapsed(), events[2].Elapsed())
}

func TestWeave_CapturesParametersInDeclarationOrder(t *testing.T) {
	cfg := testConfig()
	mod, _, _ := weave(t, cfg)
	m, rec := execute(t, mod, cfg)

	v, err := m.Invoke("Demo.Calc::Describe(int,string)", 7, "seven")
	require.NoError(t, err)
	assert.Equal(t, "seven", v)

	events := rec.Events()
	require.Len(t, events, 2)
	assert.Equal(t, []string{"a", "b"}, events[0].Names)
	assert.Equal(t, []any{int64(7), "seven"}, events[0].Values)
	assert.Equal(t, []string{adapter.ReturnSlot}, events[1].Names)
	assert.Equal(t, []any{"seven"}, events[1].Values)
}

func TestWeave_EveryReturnPathLeaves(t *testing.T) {
	cfg := testConfig()
	mod, _, _ := weave(t, cfg)

	tests := []struct {
		arg  int
		want int64
	}{
		{arg: -3, want: 3},
		{arg: 4, want: 4},
	}
	for _, tt := range tests {
		m, rec := execute(t, mod, cfg)
		v, err := m.Invoke("Demo.Calc::Abs(int)", tt.arg)
		require.NoError(t, err)
		assert.Equal(t, tt.want, v)

		events := rec.Events()
		require.Len(t, events, 2)
		assert.Equal(t, []any{tt.want}, events[1].Values)
		// enter reads the clock at 10, the leave on this path at 20.
		assert.Equal(t, int64(10), events[1].Start)
		assert.Equal(t, int64(20), events[1].End)
	}
}

func TestWeave_LoopsDoNotReenter(t *testing.T) {
	cfg := testConfig()
	mod, _, _ := weave(t, cfg)
	m, rec := execute(t, mod, cfg)

	v, err := m.Invoke("Demo.Calc::Loop(int)", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(6), v)
	assert.Equal(t, []string{"enter Demo.Calc::Loop", "leave Demo.Calc::Loop"}, rec.Shape())
}

func TestWeave_FilteredMethodsAreUntouched(t *testing.T) {
	cfg := testConfig()
	mod, _, _ := weave(t, cfg)
	m, rec := execute(t, mod, cfg)

	for _, key := range []string{"Demo.Calc::Hidden()", "Demo.Calc::Quiet()", "Other.Thing::Skip()"} {
		_, err := m.Invoke(key)
		require.NoError(t, err, key)
	}
	assert.Empty(t, rec.Events())
	assert.Len(t, mod.FindMethod("Other.Thing::Skip()").Body.Handles(), 1)
	assert.Nil(t, mod.FindType("Other.Thing").Field(weaver.LoggerField))
}

func TestWeave_ClosureReportsEnclosingMethod(t *testing.T) {
	cfg := testConfig()
	mod, _, _ := weave(t, cfg)
	m, rec := execute(t, mod, cfg)

	_, err := m.Invoke("Demo.Calc::Report()")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"enter Demo.Calc::Report",
		"log Info",
		"log Warn",
		"leave Demo.Calc::Report",
	}, rec.Shape())
	events := rec.Events()
	for _, e := range events[1:3] {
		assert.Equal(t, "Demo.Calc", e.CallerType)
		assert.Equal(t, "Report", e.CallerMethod)
		assert.Equal(t, "Demo.Calc", e.Logger)
	}
	assert.Equal(t, "report", events[1].Message)
	assert.Equal(t, "from closure", events[2].Message)
	assert.Equal(t, []any{int64(3)}, events[2].Values)

	// The generated helper has no logger of its own.
	assert.Nil(t, mod.FindType("Demo.Calc/Closure$0").Field(weaver.LoggerField))
}

func TestWeave_GenericTypeUsesSelfInstantiation(t *testing.T) {
	cfg := testConfig()
	mod, _, _ := weave(t, cfg)

	box := mod.FindType("Demo.Box")
	require.NotNil(t, box.Field(weaver.LoggerField))
	cctor := box.TypeInitializer()
	require.NotNil(t, cctor)
	first := cctor.Body.Instr(cctor.Body.First())
	assert.Equal(t, bytecode.LdType, first.Op)
	assert.Equal(t, "Demo.Box<!T>", first.Operand.(bytecode.TypeRef).String())

	get := mod.FindMethod("Demo.Box::Get()")
	load := get.Body.Instr(get.Body.First())
	require.Equal(t, bytecode.LdsFld, load.Op)
	assert.Equal(t, "Tracer.Logger Demo.Box<!T>::$log", load.Operand.(*bytecode.FieldRef).String())

	m, rec := execute(t, mod, cfg)
	v, err := m.Invoke("Demo.Calc::Boxed(int)", 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
	assert.Equal(t, []string{
		"enter Demo.Calc::Boxed",
		"enter Demo.Box::.ctor",
		"leave Demo.Box::.ctor",
		"enter Demo.Box::Get",
		"leave Demo.Box::Get",
		"leave Demo.Calc::Boxed",
	}, rec.Shape())
	events := rec.Events()
	assert.Equal(t, []string{"v"}, events[1].Names, "this is never captured")
	assert.Equal(t, "Demo.Box<!T>", events[1].Logger)
}

func TestWeave_OpenGenericReferenceWouldNotRun(t *testing.T) {
	cfg := testConfig()
	mod, _, _ := weave(t, cfg)

	get := mod.FindMethod("Demo.Box::Get()")
	h := get.Body.First()
	ins := get.Body.Instr(h)
	open := *ins.Operand.(*bytecode.FieldRef)
	open.DeclaringType = bytecode.Named{Name: "Demo.Box"}
	ins.Operand = &open
	get.Body.Set(h, ins)

	m, _ := execute(t, mod, cfg)
	_, err := m.Invoke("Demo.Calc::Boxed(int)", 1)
	assert.ErrorIs(t, err, vm.ErrOpenGeneric)
}

func TestWeave_ConstructorsCanBeExcluded(t *testing.T) {
	cfg := testConfig()
	cfg.TraceConstructors = false
	mod, stats, _ := weave(t, cfg)
	assert.Equal(t, 11, stats.Traced)

	m, rec := execute(t, mod, cfg)
	_, err := m.Invoke("Demo.Calc::Boxed(int)", 1)
	require.NoError(t, err)
	assert.NotContains(t, rec.Shape(), "enter Demo.Box::.ctor")
}

func TestWeave_SequencePointMovesToNewFirstInstruction(t *testing.T) {
	mod, _, _ := weave(t, testConfig())

	body := mod.FindMethod("Demo.Calc::Ping()").Body
	first := body.Instr(body.First())
	assert.Equal(t, bytecode.LdsFld, first.Op)
	assert.Equal(t, &bytecode.SequencePoint{File: "calc.src", Line: 3}, first.Seq)

	st := bytecode.CollectSymbols(mod)
	assert.Equal(t, []bytecode.LineEntry{{Offset: 0, File: "calc.src", Line: 3}}, st.Methods["Demo.Calc::Ping()"])
}

func TestWeave_SkippedBodyIsUnmodified(t *testing.T) {
	mod, _, _ := weave(t, testConfig())

	body := mod.FindMethod("Demo.Calc::Broken()").Body
	require.Equal(t, 1, body.Len())
	assert.Equal(t, bytecode.Nop, body.Instr(body.First()).Op)
	assert.Empty(t, body.Locals)
}

func TestWeave_ExceptionExits(t *testing.T) {
	t.Run("leave carries the exception", func(t *testing.T) {
		cfg := testConfig()
		cfg.TraceExceptions = true
		mod, _, _ := weave(t, cfg)
		m, rec := execute(t, mod, cfg)

		_, err := m.Invoke("Demo.Calc::Fail(int)", 0)
		var exc *vm.Exception
		require.True(t, errors.As(err, &exc))

		require.Equal(t, []string{"enter Demo.Calc::Fail", "leave Demo.Calc::Fail"}, rec.Shape())
		leave := rec.Events()[1]
		assert.Equal(t, []string{adapter.ExceptionSlot}, leave.Names)
		require.Len(t, leave.Values, 1)
		obj, ok := leave.Values[0].(*vm.Object)
		require.True(t, ok)
		assert.Equal(t, "System.DivideByZeroException", obj.Type.String())
	})

	t.Run("inner handlers still catch first", func(t *testing.T) {
		cfg := testConfig()
		cfg.TraceExceptions = true
		mod, _, _ := weave(t, cfg)
		m, rec := execute(t, mod, cfg)

		v, err := m.Invoke("Demo.Calc::Safe(int)", 0)
		require.NoError(t, err)
		assert.Equal(t, int64(-1), v)
		require.Equal(t, []string{"enter Demo.Calc::Safe", "leave Demo.Calc::Safe"}, rec.Shape())
		assert.Equal(t, []string{adapter.ReturnSlot}, rec.Events()[1].Names)
	})

	t.Run("normal exit unchanged", func(t *testing.T) {
		cfg := testConfig()
		cfg.TraceExceptions = true
		mod, _, _ := weave(t, cfg)
		m, rec := execute(t, mod, cfg)

		v, err := m.Invoke("Demo.Calc::Fail(int)", 2)
		require.NoError(t, err)
		assert.Equal(t, int64(5), v)
		assert.Equal(t, []any{int64(5)}, rec.Events()[1].Values)
	})

	t.Run("a throwing leave is not reported twice", func(t *testing.T) {
		cfg := testConfig()
		cfg.TraceExceptions = true
		mod, _, _ := weave(t, cfg)

		m := vm.New(mod)
		contract := adapter.New(cfg.LogManagerType, cfg.LoggerType)
		m.Bind(contract.GetLogger(), func([]vm.Value) (vm.Value, error) { return "logger", nil })
		var calls []string
		m.BindType(cfg.LoggerType, func(ref *bytecode.MethodRef, _ []vm.Value) (vm.Value, error) {
			calls = append(calls, ref.Name)
			if ref.Name == adapter.TraceLeaveMethod {
				return nil, vm.NewException("System.FormatException", "bad format")
			}
			return nil, nil
		})

		_, err := m.Invoke("Demo.Calc::Inner(int)", 1)
		var exc *vm.Exception
		require.True(t, errors.As(err, &exc))
		assert.Equal(t, []string{adapter.TraceEnterMethod, adapter.TraceLeaveMethod}, calls)
	})

	t.Run("every return path has its own exit", func(t *testing.T) {
		cfg := testConfig()
		cfg.TraceExceptions = true
		mod, _, _ := weave(t, cfg)
		m, rec := execute(t, mod, cfg)

		for _, tc := range []struct {
			arg, want int64
		}{{-4, 4}, {3, 3}} {
			v, err := m.Invoke("Demo.Calc::Abs(int)", tc.arg)
			require.NoError(t, err)
			assert.Equal(t, tc.want, v)
		}
		assert.Equal(t, []string{
			"enter Demo.Calc::Abs", "leave Demo.Calc::Abs",
			"enter Demo.Calc::Abs", "leave Demo.Calc::Abs",
		}, rec.Shape())
	})

	t.Run("without exception tracing only enter is seen", func(t *testing.T) {
		cfg := testConfig()
		mod, _, _ := weave(t, cfg)
		m, rec := execute(t, mod, cfg)

		_, err := m.Invoke("Demo.Calc::Fail(int)", 0)
		require.Error(t, err)
		assert.Equal(t, []string{"enter Demo.Calc::Fail"}, rec.Shape())
	})
}

func TestWeave_NoStaticLogger(t *testing.T) {
	cfg := testConfig()
	cfg.StaticLoggerType = ""
	mod, stats, _ := weave(t, cfg)

	assert.Equal(t, 0, stats.FacadeCalls)
	run := mod.FindMethod("Demo.Calc/Closure$0::Run()")
	assert.Len(t, run.Body.Handles(), 4)
}

func TestWeave_Idempotence(t *testing.T) {
	cfg := testConfig()
	mod, _, _ := weave(t, cfg)

	assert.Equal(t, cfg.Fingerprint(), mod.Attributes[weaver.StampAttribute])
	assert.Equal(t, []string{"Tracer.Adapter"}, mod.References)
	before := asm.Format(mod)

	rec := &diag.Recorder{}
	stats, err := weaver.New(mod, cfg, rec).Weave()
	require.NoError(t, err)
	assert.True(t, stats.Unchanged)
	assert.Equal(t, before, asm.Format(mod))
	assert.Len(t, rec.Messages(diag.LevelInfo), 1)

	// Running the twice-processed module still yields one pair per call.
	m, trace := execute(t, mod, cfg)
	_, err = m.Invoke("Demo.Calc::Ping()")
	require.NoError(t, err)
	assert.Len(t, trace.Events(), 2)

	other := cfg
	other.TraceExceptions = true
	_, err = weaver.New(mod, other, nil).Weave()
	assert.ErrorIs(t, err, weaver.ErrAlreadyWoven)
	assert.Equal(t, before, asm.Format(mod))
}
