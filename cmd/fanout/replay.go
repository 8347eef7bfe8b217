package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newReplayCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Move every envelope in the error queue back to its inbox",
		Long: `Drains the error queue and republishes each envelope to the inbox named in
its reply_to header with a fresh retry budget. Envelopes without reply_to go to
the configured inbox.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := opts.service(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			n, err := svc.ReprocessAllFailed(commandContext(cmd))
			if err != nil {
				return fmt.Errorf("replay stopped after %d messages: %w", n, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Replayed %d messages from %s\n", n, svc.Topology().ErrorQueue)
			return nil
		},
	}
}
