package main

import (
	"github.com/spf13/cobra"

	"github.com/eshenhu/doipgw/internal/config"
)

func newConfigCmd(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}

	var format string
	dump := &cobra.Command{
		Use:   "dump",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults and DOIPD_* environment
overrides are applied.`,
		Example: `  doipd config dump --config configs/doipd.yaml
  doipd config dump --format toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			return cfg.Dump(cmd.OutOrStdout(), format)
		},
	}
	dump.Flags().StringVar(&format, "format", "yaml", "Output format: yaml|toml")

	cmd.AddCommand(dump)
	return cmd
}
