package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mattjoyce/plughost/internal/client"
	"github.com/mattjoyce/plughost/internal/config"
)

// Global flags available to all subcommands.
var (
	configFile string
	apiAddr    string
)

// NewRootCmd creates the root command for the plughost CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plughost",
		Short: "plughost - a local host for external plugin processes",
		Long: `plughost discovers plugin executables from manifest files, keeps them
running as supervised child processes and exposes their entry points as
tracked runs over a loopback HTTP API.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&apiAddr, "api", "", "API address for client commands (default: api.listen from config)")

	cmd.AddCommand(newStartCmd())
	cmd.AddCommand(newCheckCmd())
	cmd.AddCommand(newPluginsCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newRunsCmd())
	cmd.AddCommand(newMessagesCmd())
	cmd.AddCommand(newMonitorCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// addConfigFlags registers the flags config.Load layers over the file.
func addConfigFlags(fs *pflag.FlagSet) {
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("state-path", "", "run journal database path")
	fs.String("listen", "", "API listen address")
	fs.StringSlice("plugins-root", nil, "plugin root directory (repeatable)")
	fs.Bool("watch", false, "reload plugins when their roots change")
}

// apiClient resolves the server address from --api, then the config file,
// then the built-in default.
func apiClient() (*client.Client, error) {
	if apiAddr != "" {
		return client.New(apiAddr), nil
	}
	if configFile == "" {
		return client.New(config.Defaults().API.Listen), nil
	}
	cfg, err := config.Load(configFile, nil)
	if err != nil {
		return nil, err
	}
	return client.New(cfg.API.Listen), nil
}
