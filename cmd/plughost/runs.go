package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/plughost/internal/config"
	"github.com/mattjoyce/plughost/internal/inspect"
	"github.com/mattjoyce/plughost/internal/journal"
	"github.com/mattjoyce/plughost/internal/runs"
	"github.com/mattjoyce/plughost/internal/storage"
)

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Query the run journal",
		Long: `Runs reads the journal database directly, so it works whether or not
the host is running.`,
	}
	cmd.AddCommand(newRunsInspectCmd())
	cmd.AddCommand(newRunsListCmd())
	return cmd
}

func newRunsInspectCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "inspect <run-id>",
		Short: "Show one run with its arguments and result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJournal(cmd, func(ctx context.Context, j *journal.Journal) error {
				build := inspect.BuildReport
				if jsonOut {
					build = inspect.BuildJSONReport
				}
				out, err := build(ctx, j, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), out)
				return nil
			})
		},
	}
	cmd.Flags().String("state-path", "", "run journal database path")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")
	return cmd
}

func newRunsListCmd() *cobra.Command {
	var (
		pluginID string
		status   string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st := runs.Status(status)
			switch st {
			case "", runs.StatusPending, runs.StatusRunning, runs.StatusSucceeded, runs.StatusFailed:
			default:
				return fmt.Errorf("unknown status %q", status)
			}
			return withJournal(cmd, func(ctx context.Context, j *journal.Journal) error {
				out, err := inspect.BuildList(ctx, j, journal.Filter{PluginID: pluginID, Status: st, Limit: limit})
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), out)
				return nil
			})
		},
	}
	cmd.Flags().String("state-path", "", "run journal database path")
	cmd.Flags().StringVar(&pluginID, "plugin", "", "only runs of this plugin")
	cmd.Flags().StringVar(&status, "status", "", "only runs in this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	return cmd
}

func withJournal(cmd *cobra.Command, fn func(context.Context, *journal.Journal) error) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}
	if cfg.State.Path == ":memory:" {
		return fmt.Errorf("state.path is :memory:; there is no journal to read")
	}
	ctx := cmd.Context()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(ctx, journal.New(db))
}
