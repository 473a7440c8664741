package main

import (
	"github.com/spf13/cobra"
)

func newMessagesCmd() *cobra.Command {
	var maxItems int
	cmd := &cobra.Command{
		Use:   "messages",
		Short: "Drain queued plugin messages",
		Long: `Messages removes up to --max items from the host's message queue and
prints them as JSON. Drained items are not redelivered.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := apiClient()
			if err != nil {
				return err
			}
			items, err := c.Messages(cmd.Context(), maxItems)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), items)
		},
	}
	cmd.Flags().IntVar(&maxItems, "max", 100, "maximum messages to drain")
	return cmd
}
