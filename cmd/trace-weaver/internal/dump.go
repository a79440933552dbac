package internal

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/smith-xyz/go-trace-weaver/pkg/bytecode/asm"
	"github.com/smith-xyz/go-trace-weaver/pkg/diag"
	"github.com/smith-xyz/go-trace-weaver/pkg/filter"
	"github.com/smith-xyz/go-trace-weaver/pkg/loader"
)

func newDumpCmd() *cobra.Command {
	var configPath string
	var decisions bool
	cmd := &cobra.Command{
		Use:   "dump <module>",
		Short: "Print a module as text, or the trace decision of every method",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mod, err := loader.Open(args[0], diag.Current())
			if err != nil {
				return err
			}
			if !decisions {
				return asm.Print(cmd.OutOrStdout(), mod)
			}

			var rules filter.RuleSet
			if configPath != "" {
				cfg, err := loadConfig(configPath)
				if err != nil {
					return err
				}
				rules = cfg.Filter
			}
			engine := filter.NewEngine(rules)
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "METHOD\tTRACE\tSOURCE\tRULE")
			for _, m := range mod.AllMethods() {
				d := engine.Decide(m)
				fmt.Fprintf(tw, "%s\t%t\t%s\t%s\n", m.Key(), d.Trace, d.Source, d.Rule)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&decisions, "decisions", false, "print filter decisions instead of the module text")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "configuration whose filter rules are applied")
	return cmd
}
