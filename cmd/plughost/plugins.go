package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/plughost/internal/plugin"
)

func newPluginsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect and control plugins on a running host",
	}
	cmd.AddCommand(newPluginsListCmd())
	cmd.AddCommand(newPluginsConnectCmd())
	cmd.AddCommand(newPluginsDisconnectCmd())
	cmd.AddCommand(newPluginsRemoveCmd())
	cmd.AddCommand(newPluginsReloadCmd())
	return cmd
}

func newPluginsListCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List discovered plugins with their connection status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			infos, err := c.ListPlugins(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), infos)
			}
			return writePluginTable(cmd.OutOrStdout(), infos)
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	return cmd
}

func writePluginTable(w io.Writer, infos []plugin.Info) error {
	if len(infos) == 0 {
		_, err := fmt.Fprintln(w, "No plugins discovered.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PLUGIN\tVERSION\tSTATUS\tPID\tENTRIES")
	for _, info := range infos {
		pid := "-"
		if info.Stats != nil && info.Stats.PID > 0 {
			pid = strconv.Itoa(info.Stats.PID)
		}
		state := string(info.Status.State)
		if info.Removed {
			state += " (removed)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			info.ID, info.Version, state, pid, strings.Join(info.EntryIDs(), ","))
	}
	return tw.Flush()
}

func newPluginsConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect <plugin>",
		Short: "Start a plugin host, or report the live one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			resp, err := c.Connect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", resp.PluginID, resp.State)
			return nil
		},
	}
}

func newPluginsDisconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <plugin>",
		Short: "Stop a plugin host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			resp, err := c.Disconnect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			how := "stopped cleanly"
			if !resp.Clean {
				how = "killed after timeout"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", resp.PluginID, how)
			return nil
		},
	}
}

func newPluginsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <plugin>",
		Short: "Stop a plugin host and drop it from the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			if err := c.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: removed\n", args[0])
			return nil
		},
	}
}

func newPluginsReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Rescan plugin roots and apply manifest changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			report, err := c.Reload(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reloaded %d plugin(s): added=%s removed=%s changed=%s\n",
				report.Total, listOrNone(report.Added), listOrNone(report.Removed), listOrNone(report.Changed))
			return nil
		},
	}
}

func listOrNone(ids []string) string {
	if len(ids) == 0 {
		return "none"
	}
	return strings.Join(ids, ",")
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
