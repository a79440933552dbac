package internal

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/smith-xyz/go-trace-weaver/pkg/config"
	"github.com/smith-xyz/go-trace-weaver/pkg/diag"
	"github.com/smith-xyz/go-trace-weaver/pkg/weaver"
)

func newWeaveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "weave <module>",
		Short: "Instrument a module in place",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return weaver.Execute(args[0], cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "configuration document (required)")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

// loadConfig reads the document and applies environment overrides.
func loadConfig(path string) (config.Configuration, error) {
	sink := diag.Current()
	cfg, err := config.Load(path, sink)
	if err != nil {
		return config.Configuration{}, err
	}
	cfg, err = config.ApplyEnv(cfg, os.LookupEnv)
	if err != nil {
		return config.Configuration{}, fmt.Errorf("failed to apply environment: %w", err)
	}
	return cfg, nil
}
