// Package cli holds the command-line plumbing shared by the orchestrator
// and labagent binaries: the --config flag, config loading and logger setup.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nerrad567/lab-platform/internal/infrastructure/config"
	"github.com/nerrad567/lab-platform/internal/infrastructure/logging"
)

const (
	// ConfigFlag names the persistent flag holding the config file path.
	ConfigFlag = "config"

	// ConfigEnv is consulted when --config is not given.
	ConfigEnv = "LABPLATFORM_CONFIG"

	// DefaultConfigPath is used when neither the flag nor ConfigEnv is set.
	DefaultConfigPath = "configs/config.yaml"
)

// BuildInfo is set at build time via ldflags.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// RegisterConfigFlag adds --config to cmd and all of its subcommands.
func RegisterConfigFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().String(ConfigFlag, "",
		fmt.Sprintf("path to the YAML config file (default $%s or %s)", ConfigEnv, DefaultConfigPath))
}

// ConfigPath resolves the config file: --config, then $LABPLATFORM_CONFIG,
// then DefaultConfigPath.
func ConfigPath(cmd *cobra.Command) string {
	if f := cmd.Flag(ConfigFlag); f != nil && f.Value.String() != "" {
		return f.Value.String()
	}
	if path := os.Getenv(ConfigEnv); path != "" {
		return path
	}
	return DefaultConfigPath
}

// LoadConfig loads the config file named by ConfigPath.
func LoadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path := ConfigPath(cmd)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

// NewLogger builds the service logger from cfg.
func NewLogger(cfg *config.Config, service string, info BuildInfo) *logging.Logger {
	return logging.New(cfg.Logging, service, info.Version)
}

// VersionCommand prints build information.
func VersionCommand(service string, info BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s (commit %s, built %s)\n",
				service, info.Version, info.Commit, info.Date)
			return err
		},
	}
}
