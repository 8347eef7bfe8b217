package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	loggingpkg "github.com/drblury/fanout/internal/runtime/logging"
	transportpkg "github.com/drblury/fanout/internal/runtime/transport"
)

func newTopologyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "topology",
		Short: "Show the queues derived from the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.cfg.Validate(); err != nil {
				return err
			}
			topo := opts.cfg.GetTopology()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "TRANSPORT\t%s\n", opts.cfg.PubSubSystem)
			fmt.Fprintf(w, "EXCHANGE\t%s\n", topo.Exchange)
			fmt.Fprintf(w, "INBOX\t%s\n", topo.Inbox)
			fmt.Fprintf(w, "WORKER\t%s\n", topo.Worker)
			fmt.Fprintf(w, "RETRY QUEUE\t%s\n", topo.RetryQueue)
			fmt.Fprintf(w, "ERROR QUEUE\t%s\n", topo.ErrorQueue)
			fmt.Fprintf(w, "RETRY DELAY\t%s\n", topo.RetryDelay.Round(time.Millisecond))
			return w.Flush()
		},
	}
}

func newProvisionCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Declare the exchange and queues on the broker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.cfg.Validate(); err != nil {
				return err
			}
			ctx := commandContext(cmd)
			logger := opts.logger(cmd)

			t, err := transportpkg.DefaultFactory().Build(ctx, opts.cfg, loggingpkg.NewWatermillAdapter(logger))
			if err != nil {
				return err
			}
			defer func() {
				_ = t.Publisher.Close()
				_ = t.Subscriber.Close()
			}()

			if t.Provisioner == nil {
				return fmt.Errorf("transport %q does not declare topology", opts.cfg.PubSubSystem)
			}
			topo := opts.cfg.GetTopology()
			if err := t.Provisioner.Provision(ctx, topo); err != nil {
				return fmt.Errorf("failed to provision topology: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Provisioned %s for inbox %s\n", topo.Exchange, topo.Inbox)
			return nil
		},
	}
}
