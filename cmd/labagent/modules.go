package main

import (
	"github.com/spf13/cobra"

	"github.com/nerrad567/lab-platform/internal/cli"
	"github.com/nerrad567/lab-platform/internal/extension"
)

func newModulesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modules",
		Short: "Inspect module manifests",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newModulesListCommand())
	return cmd
}

func newModulesListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the modules found in the modules directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := cli.OutputFormat(cmd)
			if err != nil {
				return err
			}
			cfg, _, err := cli.LoadConfig(cmd)
			if err != nil {
				return err
			}
			rows, err := cli.DiscoverExtensions(cfg.Agent.ModulesDir, extension.KindModule, moduleFactories())
			if err != nil {
				return err
			}
			return cli.PrintExtensions(cmd.OutOrStdout(), rows, format)
		},
	}
	cli.RegisterOutputFlag(cmd)
	return cmd
}
