// Package weaver instruments a loaded module: it injects enter/leave calls
// into the methods the filter selects and routes static-facade logging calls
// through a per-type logger that knows its caller.
package weaver

import (
	"errors"
	"fmt"

	"github.com/smith-xyz/go-trace-weaver/pkg/adapter"
	"github.com/smith-xyz/go-trace-weaver/pkg/bytecode"
	"github.com/smith-xyz/go-trace-weaver/pkg/config"
	"github.com/smith-xyz/go-trace-weaver/pkg/diag"
	"github.com/smith-xyz/go-trace-weaver/pkg/filter"
	"github.com/smith-xyz/go-trace-weaver/pkg/iledit"
)

// ErrAlreadyWoven is returned for a module stamped by a run with another
// configuration.
var ErrAlreadyWoven = errors.New("module already woven with a different configuration")

const (
	// StampAttribute holds the fingerprint of the configuration a module was
	// woven with.
	StampAttribute = "trace-weaver"

	LoggerField = "$log"
)

type Stats struct {
	Traced       int
	Skipped      int
	FacadeCalls  int
	LoggerFields int
	// Unchanged is set when the module already carried this configuration's
	// stamp and nothing was done.
	Unchanged bool
}

type Weaver struct {
	mod         *bytecode.Module
	cfg         config.Configuration
	contract    adapter.Contract
	engine      *filter.Engine
	sink        diag.Sink
	fingerprint string

	loggers     map[*bytecode.TypeDef]*bytecode.FieldRef
	loggerOrder []*bytecode.TypeDef
	stats       Stats
}

func New(mod *bytecode.Module, cfg config.Configuration, sink diag.Sink) *Weaver {
	if sink == nil {
		sink = diag.Nop
	}
	return &Weaver{
		mod:         mod,
		cfg:         cfg,
		contract:    adapter.New(cfg.LogManagerType, cfg.LoggerType),
		engine:      filter.NewEngine(cfg.Filter),
		sink:        sink,
		fingerprint: cfg.Fingerprint(),
		loggers:     make(map[*bytecode.TypeDef]*bytecode.FieldRef),
	}
}

// Engine exposes the decisions the weaver acts on.
func (w *Weaver) Engine() *filter.Engine { return w.engine }

// Weave rewrites the module in place. A module stamped with the same
// configuration is left alone.
func (w *Weaver) Weave() (Stats, error) {
	if prev, ok := w.mod.Attributes[StampAttribute]; ok {
		if prev == w.fingerprint {
			w.sink.Infof("module %s is already woven with configuration %s", w.mod.Name, prev)
			return Stats{Unchanged: true}, nil
		}
		return Stats{}, fmt.Errorf("%w: module %s carries %s, configuration is %s",
			ErrAlreadyWoven, w.mod.Name, prev, w.fingerprint)
	}

	traced := w.engine.Precompute(w.mod)
	w.sink.Debugf("%d logical methods selected for tracing", traced)

	w.RewriteFacadeCalls().
		InjectTraces().
		InitializeLoggers().
		Stamp()
	return w.stats, nil
}

// Stamp records the adapter reference and the configuration fingerprint.
func (w *Weaver) Stamp() *Weaver {
	if w.mod.AddReference(w.cfg.AdapterModule) {
		w.sink.Debugf("added reference to %s", w.cfg.AdapterModule)
	}
	w.mod.SetAttribute(StampAttribute, w.fingerprint)
	return w
}

func (w *Weaver) skip(m *bytecode.MethodDef, format string, args ...any) {
	w.stats.Skipped++
	w.sink.Warningf("skipping %s: %s", m.Key(), fmt.Sprintf(format, args...))
}

// loggerFor returns the cached logger field of t, declaring it on first use.
func (w *Weaver) loggerFor(t *bytecode.TypeDef) *bytecode.FieldRef {
	if ref, ok := w.loggers[t]; ok {
		return ref
	}
	f := t.Field(LoggerField)
	if f == nil {
		f = &bytecode.FieldDef{
			Name:       LoggerField,
			Type:       w.contract.LoggerType(),
			Visibility: bytecode.Private,
			Static:     true,
			Generated:  true,
		}
		t.Fields = append(t.Fields, f)
	}
	ref := iledit.FieldOf(t, f)
	w.loggers[t] = ref
	w.loggerOrder = append(w.loggerOrder, t)
	w.stats.LoggerFields++
	return ref
}

// InitializeLoggers assigns every logger field at the start of its type
// initializer, creating the initializer where the type has none.
func (w *Weaver) InitializeLoggers() *Weaver {
	for _, t := range w.loggerOrder {
		cctor := t.TypeInitializer()
		if cctor == nil {
			cctor = &bytecode.MethodDef{
				Name:       ".cctor",
				Visibility: bytecode.Private,
				Static:     true,
				Generated:  true,
				Body:       &bytecode.Body{},
			}
			cctor.Body.Emit(bytecode.Ret)
			t.AddMethod(cctor)
		}
		prologue := []bytecode.Instruction{
			bytecode.Op(bytecode.LdType, iledit.SelfType(t)),
			bytecode.Op(bytecode.Call, w.contract.GetLogger()),
			bytecode.Op(bytecode.StsFld, w.loggers[t]),
		}
		p := iledit.NewProcessor(cctor.Body)
		if _, err := p.InsertBefore(cctor.Body.First(), prologue...); err != nil {
			// A type initializer without instructions gets the init and a ret.
			p.Append(append(prologue, bytecode.Op(bytecode.Ret))...)
		}
	}
	return w
}
