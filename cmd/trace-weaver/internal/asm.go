package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/smith-xyz/go-trace-weaver/pkg/bytecode"
	"github.com/smith-xyz/go-trace-weaver/pkg/bytecode/asm"
	"github.com/smith-xyz/go-trace-weaver/pkg/diag"
	"github.com/smith-xyz/go-trace-weaver/pkg/loader"
)

func newAsmCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "asm <source>",
		Short: "Assemble a text module into a module file and its symbols",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read source: %w", err)
			}
			mod, err := asm.Parse(filepath.Base(args[0]), string(src))
			if err != nil {
				return err
			}
			mod.HasSymbols = len(bytecode.CollectSymbols(mod).Methods) > 0

			if output == "" {
				output = strings.TrimSuffix(args[0], filepath.Ext(args[0])) + loader.ModuleExt
			}
			if err := loader.Save(mod, output, diag.Current()); err != nil {
				return err
			}
			diag.Current().Infof("assembled %s with %d methods", output, len(mod.AllMethods()))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "module file to write (default: source name with "+loader.ModuleExt+")")
	return cmd
}
