package weaver_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smith-xyz/go-trace-weaver/pkg/bytecode"
	"github.com/smith-xyz/go-trace-weaver/pkg/bytecode/asm"
	"github.com/smith-xyz/go-trace-weaver/pkg/diag"
	"github.com/smith-xyz/go-trace-weaver/pkg/loader"
	"github.com/smith-xyz/go-trace-weaver/pkg/weaver"
)

func writeProgram(t *testing.T) string {
	t.Helper()
	mod, err := asm.Parse("program.asm", program)
	require.NoError(t, err)
	mod.HasSymbols = true
	path := filepath.Join(t.TempDir(), "app"+loader.ModuleExt)
	require.NoError(t, loader.Save(mod, path, nil))
	return path
}

func TestExecute_WeavesInPlace(t *testing.T) {
	path := writeProgram(t)
	rec := &diag.Recorder{}
	diag.Set(rec)
	t.Cleanup(func() { diag.Set(nil) })

	cfg := testConfig()
	require.NoError(t, weaver.Execute(path, cfg))
	assert.Contains(t, rec.Messages(diag.LevelInfo),
		"wove "+path+": 12 methods traced, 1 skipped, 2 facade calls rewritten")

	mod, err := loader.Open(path, nil)
	require.NoError(t, err)
	assert.Equal(t, cfg.Fingerprint(), mod.Attributes[weaver.StampAttribute])

	ping := mod.FindMethod("Demo.Calc::Ping()").Body
	assert.Equal(t, &bytecode.SequencePoint{File: "calc.src", Line: 3}, ping.Instr(ping.First()).Seq)

	m, trace := execute(t, mod, cfg)
	_, err = m.Invoke("Demo.Calc::Outer(int)", 1)
	require.NoError(t, err)
	assert.Len(t, trace.Events(), 4)
}

func TestExecute_Idempotence(t *testing.T) {
	path := writeProgram(t)
	cfg := testConfig()
	require.NoError(t, weaver.ExecuteWithSink(path, cfg, nil))

	woven, err := os.ReadFile(path)
	require.NoError(t, err)
	symbols, err := os.ReadFile(loader.SymbolPath(path))
	require.NoError(t, err)

	rec := &diag.Recorder{}
	require.NoError(t, weaver.ExecuteWithSink(path, cfg, rec))
	assert.Len(t, rec.Messages(diag.LevelInfo), 1)

	other := cfg
	other.TraceExceptions = true
	err = weaver.ExecuteWithSink(path, other, rec)
	assert.ErrorIs(t, err, weaver.ErrAlreadyWoven)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, woven, after)
	afterSymbols, err := os.ReadFile(loader.SymbolPath(path))
	require.NoError(t, err)
	assert.Equal(t, symbols, afterSymbols)
}

func TestExecute_InvalidModule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken"+loader.ModuleExt)
	require.NoError(t, os.WriteFile(path, []byte("not a module"), 0o644))

	err := weaver.ExecuteWithSink(path, testConfig(), nil)
	assert.ErrorIs(t, err, bytecode.ErrInvalidModule)

	data, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Equal(t, "not a module", string(data))
}
