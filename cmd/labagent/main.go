// Lab Agent
//
// labagent runs on each lab device. It loads the device's modules from the
// modules directory, answers commands addressed to this device on the MQTT
// bus and announces itself to the orchestrator with a heartbeat.
//
// Usage:
//
//	labagent run --config configs/config.yaml
//	labagent modules list
//	labagent override set ndi source "Camera 1"
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nerrad567/lab-platform/internal/cli"
	"github.com/nerrad567/lab-platform/internal/extension"
	ndimodule "github.com/nerrad567/lab-platform/internal/modules/ndi"
	projectormodule "github.com/nerrad567/lab-platform/internal/modules/projector"
)

// Version information - set at build time via ldflags
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const serviceName = "labagent"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func buildInfo() cli.BuildInfo {
	return cli.BuildInfo{Version: version, Commit: commit, Date: date}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Device agent for the lab platform",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cli.RegisterConfigFlag(cmd)

	cmd.AddCommand(
		newRunCommand(),
		newModulesCommand(),
		newOverrideCommand(),
		cli.VersionCommand(serviceName, buildInfo()),
	)
	return cmd
}

// moduleFactories maps manifest entry points to the built-in modules.
func moduleFactories() *extension.Factories {
	f := extension.NewFactories()
	f.MustRegister(ndimodule.EntryPoint, ndimodule.Factory)
	f.MustRegister(projectormodule.EntryPoint, projectormodule.Factory)
	return f
}
