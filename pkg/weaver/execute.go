package weaver

import (
	"fmt"

	"github.com/smith-xyz/go-trace-weaver/pkg/config"
	"github.com/smith-xyz/go-trace-weaver/pkg/diag"
	"github.com/smith-xyz/go-trace-weaver/pkg/loader"
)

// Execute weaves the module at modulePath in place, reporting to the
// process-wide diagnostics sink.
func Execute(modulePath string, cfg config.Configuration) error {
	return ExecuteWithSink(modulePath, cfg, diag.Current())
}

func ExecuteWithSink(modulePath string, cfg config.Configuration, sink diag.Sink) error {
	if sink == nil {
		sink = diag.Nop
	}
	mod, err := loader.Open(modulePath, sink)
	if err != nil {
		return fmt.Errorf("failed to open module: %w", err)
	}

	stats, err := New(mod, cfg, sink).Weave()
	if err != nil {
		return fmt.Errorf("failed to weave %s: %w", modulePath, err)
	}
	if stats.Unchanged {
		return nil
	}

	if err := loader.Save(mod, modulePath, sink); err != nil {
		return fmt.Errorf("failed to save module: %w", err)
	}
	sink.Infof("wove %s: %d methods traced, %d skipped, %d facade calls rewritten",
		modulePath, stats.Traced, stats.Skipped, stats.FacadeCalls)
	return nil
}
