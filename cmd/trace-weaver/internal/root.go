package internal

import (
	"github.com/spf13/cobra"

	"github.com/smith-xyz/go-trace-weaver/internal/logging"
	"github.com/smith-xyz/go-trace-weaver/pkg/diag"
)

type rootOptions struct {
	logLevel string
	pretty   bool
}

// NewRootCmd builds the trace-weaver command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "trace-weaver",
		Short: "Weave enter/leave tracing into compiled bytecode modules",
		Long: `trace-weaver rewrites compiled modules so that selected methods report
entry, exit, parameters, return values and elapsed time to a logging adapter,
and so that static logging facade calls carry the calling type and method.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg := logging.DefaultConfig()
			cfg.Level = opts.logLevel
			cfg.Pretty = opts.pretty
			cfg.Output = cmd.ErrOrStderr()
			diag.Set(diag.NewZerolog(logging.NewWithComponent(cfg, "trace-weaver")))
		},
	}
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&opts.pretty, "pretty", true, "human-readable log output")

	cmd.AddCommand(newWeaveCmd())
	cmd.AddCommand(newAsmCmd())
	cmd.AddCommand(newDumpCmd())
	cmd.AddCommand(newRunCmd())
	return cmd
}

func Execute() error {
	return NewRootCmd().Execute()
}
