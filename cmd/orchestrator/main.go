// Lab Orchestrator
//
// The orchestrator is the central half of the lab platform. It tracks the
// devices announcing themselves on the MQTT bus, loads plugins that expose
// each device capability over HTTP and the control topics, and brokers
// request/response commands between callers and device agents.
//
// Usage:
//
//	orchestrator run --config configs/config.yaml
//	orchestrator plugins list
//	orchestrator version
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nerrad567/lab-platform/internal/cli"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const serviceName = "orchestrator"

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

// newRootCommand builds the command tree. Without a subcommand it prints help.
func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Central orchestrator for lab devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	cli.RegisterConfigFlag(cmd)

	cmd.AddCommand(
		newRunCommand(),
		newPluginsCommand(),
		cli.VersionCommand(serviceName, buildInfo()),
	)
	return cmd
}
