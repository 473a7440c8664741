package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/plughost/internal/api"
	"github.com/mattjoyce/plughost/internal/client"
	"github.com/mattjoyce/plughost/internal/runs"
)

func newRunCmd() *cobra.Command {
	var (
		argsJSON string
		timeout  time.Duration
		wait     bool
	)
	cmd := &cobra.Command{
		Use:   "run <plugin> <entry>",
		Short: "Invoke a plugin entry point as a tracked run",
		Long: `Run submits an invocation and prints its run id. With --wait it polls
until the run reaches a terminal state and prints the run record, returning
an error when the run failed.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := api.CreateRunRequest{
				PluginID:  args[0],
				EntryID:   args[1],
				TimeoutMS: timeout.Milliseconds(),
			}
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &req.Args); err != nil {
					return fmt.Errorf("--args must be a JSON object: %w", err)
				}
			}

			c, err := apiClient()
			if err != nil {
				return err
			}
			id, err := c.CreateRun(cmd.Context(), req)
			if err != nil {
				return err
			}
			if !wait {
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			}
			return waitAndPrint(cmd, c, id)
		},
	}
	cmd.Flags().StringVar(&argsJSON, "args", "", "arguments as a JSON object")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "request timeout (default: runs.default_timeout)")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the run to finish")
	return cmd
}

func waitAndPrint(cmd *cobra.Command, c *client.Client, id string) error {
	run, err := c.WaitRun(cmd.Context(), id)
	if err != nil && !errors.Is(err, client.ErrStillRunning) {
		return err
	}
	if werr := writeJSON(cmd.OutOrStdout(), run); werr != nil {
		return werr
	}
	if err != nil {
		return fmt.Errorf("run %s: %w", id, err)
	}
	if run.Status == runs.StatusFailed {
		if run.Error != nil {
			return fmt.Errorf("run %s failed: %s: %s", id, run.Error.Code, run.Error.Message)
		}
		return fmt.Errorf("run %s failed", id)
	}
	return nil
}
