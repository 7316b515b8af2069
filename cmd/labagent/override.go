package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/nerrad567/lab-platform/internal/cli"
	"github.com/nerrad567/lab-platform/internal/extension"
	"github.com/nerrad567/lab-platform/internal/overrides"
)

// defaultUpdatedBy records overrides written from the command line.
const defaultUpdatedBy = "cli"

func newOverrideCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "override",
		Short: "Manage per-device module config overrides",
		Long: `Overrides are stored in the agent database and applied on top of the
manifest defaults and the config file when a module loads. Keys may be
dotted ("output.path") to reach nested settings. Environment variables
LABPLATFORM_EXT_<MODULE>_<KEY> still take precedence.

A running agent picks up changes when the module is reloaded.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newOverrideSetCommand(), newOverrideUnsetCommand(), newOverrideListCommand())
	return cmd
}

// withStore opens the override store for the duration of fn.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, store overrides.Repository) error) error {
	cfg, _, err := cli.LoadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	db, store, err := openOverrides(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck // read-mostly CLI use
	return fn(ctx, store)
}

func newOverrideSetCommand() *cobra.Command {
	var updatedBy string
	cmd := &cobra.Command{
		Use:   "set <module> <key> <value>",
		Short: "Set an override; the value is parsed as a YAML scalar",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			module, key := args[0], args[1]
			value := extension.ParseScalar(args[2])
			return withStore(cmd, func(ctx context.Context, store overrides.Repository) error {
				err := store.Set(ctx, overrides.Override{
					Module:    module,
					Key:       key,
					Value:     value,
					UpdatedBy: updatedBy,
				})
				if err != nil {
					return err
				}
				encoded, _ := json.Marshal(value) //nolint:errcheck // scalar from ParseScalar
				fmt.Fprintf(cmd.OutOrStdout(), "set %s.%s = %s\n", module, key, encoded)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&updatedBy, "by", defaultUpdatedBy, "who is recorded as making the change")
	return cmd
}

func newOverrideUnsetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unset <module> <key>",
		Short: "Remove an override",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			module, key := args[0], args[1]
			return withStore(cmd, func(ctx context.Context, store overrides.Repository) error {
				if err := store.Unset(ctx, module, key); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "unset %s.%s\n", module, key)
				return nil
			})
		},
	}
}

func newOverrideListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list [module]",
		Short: "List overrides, optionally for one module",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := cli.OutputFormat(cmd)
			if err != nil {
				return err
			}
			var module string
			if len(args) == 1 {
				module = args[0]
			}
			return withStore(cmd, func(ctx context.Context, store overrides.Repository) error {
				list, err := store.List(ctx, module)
				if err != nil {
					return err
				}
				return printOverrides(cmd.OutOrStdout(), list, format)
			})
		},
	}
	cli.RegisterOutputFlag(cmd)
	return cmd
}

func printOverrides(w io.Writer, list []overrides.Override, format string) error {
	if list == nil {
		list = []overrides.Override{}
	}
	if format == cli.OutputJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}

	t := cli.NewTable(w)
	t.AppendHeader(table.Row{"Module", "Key", "Value", "Updated by", "Updated at"})
	for _, o := range list {
		value, err := json.Marshal(o.Value)
		if err != nil {
			return fmt.Errorf("encoding %s.%s: %w", o.Module, o.Key, err)
		}
		t.AppendRow(table.Row{o.Module, o.Key, string(value), o.UpdatedBy, o.UpdatedAt.Local().Format(time.DateTime)})
	}
	t.Render()
	return nil
}
