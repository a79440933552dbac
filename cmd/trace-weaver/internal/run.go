package internal

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/smith-xyz/go-trace-weaver/pkg/adapter"
	"github.com/smith-xyz/go-trace-weaver/pkg/adapter/tracelog"
	"github.com/smith-xyz/go-trace-weaver/pkg/bytecode"
	"github.com/smith-xyz/go-trace-weaver/pkg/diag"
	"github.com/smith-xyz/go-trace-weaver/pkg/loader"
	"github.com/smith-xyz/go-trace-weaver/pkg/vm"
)

func newRunCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run <module> <Type::Method> [args...]",
		Short: "Execute a method with the trace-log adapter, writing events as JSON lines",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			mod, err := loader.Open(args[0], diag.Current())
			if err != nil {
				return err
			}
			method, err := findMethod(mod, args[1])
			if err != nil {
				return err
			}

			machine := vm.New(mod)
			rec := tracelog.NewRecorder(cmd.OutOrStdout())
			tracelog.Bind(machine, adapter.New(cfg.LogManagerType, cfg.LoggerType), cfg.StaticLoggerType, rec)

			result, err := machine.Invoke(method.Key(), parseArgs(args[2:])...)
			if err != nil {
				return fmt.Errorf("%s: %w", method.Key(), err)
			}
			if err := rec.Err(); err != nil {
				return fmt.Errorf("failed to write events: %w", err)
			}
			diag.Current().Infof("%s returned %s", method.Key(), vm.Format(result))
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "configuration naming the adapter types (required)")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

// findMethod accepts a full key or an identity that names one overload.
func findMethod(mod *bytecode.Module, name string) (*bytecode.MethodDef, error) {
	if m := mod.FindMethod(name); m != nil {
		return m, nil
	}
	var found []*bytecode.MethodDef
	for _, m := range mod.AllMethods() {
		if m.Identity() == name {
			found = append(found, m)
		}
	}
	switch len(found) {
	case 0:
		return nil, fmt.Errorf("%w: %s", vm.ErrUnknownMethod, name)
	case 1:
		return found[0], nil
	}
	return nil, fmt.Errorf("%s has %d overloads, use the full key such as %s", name, len(found), found[0].Key())
}

// parseArgs reads integers as int and everything else as strings.
func parseArgs(args []string) []vm.Value {
	out := make([]vm.Value, len(args))
	for i, a := range args {
		if n, err := strconv.ParseInt(a, 10, 64); err == nil {
			out[i] = n
		} else {
			out[i] = a
		}
	}
	return out
}
