package main

import (
	"github.com/spf13/cobra"

	"github.com/nerrad567/lab-platform/internal/cli"
	"github.com/nerrad567/lab-platform/internal/extension"
	"github.com/nerrad567/lab-platform/internal/plugin"
)

func newPluginsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect plugin manifests",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newPluginsListCommand())
	return cmd
}

func newPluginsListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the plugins found in the plugins directory",
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
			rows, err := cli.DiscoverExtensions(cfg.Orchestrator.PluginsDir, extension.KindPlugin, pluginFactories(plugin.Host{}))
			if err != nil {
				return err
			}
			return cli.PrintExtensions(cmd.OutOrStdout(), rows, format)
		},
	}
	cli.RegisterOutputFlag(cmd)
	return cmd
}
