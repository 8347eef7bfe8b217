package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/drblury/fanout"
)

type rootOptions struct {
	cfgFile  string
	logLevel string
	cfg      *fanout.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "fanout",
		Short: "Fan-out event system operator CLI",
		Long: `fanout operates the queues behind a fan-out event service.

Inspect the derived topology, declare it on the broker, replay dead-lettered
envelopes and trigger publication journal maintenance from your terminal.`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := fanout.LoadConfig(opts.cfgFile)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (default: ./fanout.yaml or /etc/fanout/fanout.yaml)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	rootCmd.AddCommand(
		newTopologyCmd(opts),
		newProvisionCmd(opts),
		newReplayCmd(opts),
		newMaintenanceCmd(opts),
	)
	return rootCmd
}

func (o *rootOptions) logger(cmd *cobra.Command) fanout.ServiceLogger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(o.logLevel))); err != nil {
		level = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})
	return fanout.NewSlogServiceLogger(slog.New(handler))
}

// service builds a Service that is never started. Operator commands only need
// its transport and collaborators.
func (o *rootOptions) service(cmd *cobra.Command) (*fanout.Service, error) {
	cfg := *o.cfg
	cfg.ScheduledTasksEnabled = false
	cfg.MetricsEnabled = false
	cfg.WebUIEnabled = false

	svc, err := fanout.TryNewService(&cfg, o.logger(cmd), commandContext(cmd), fanout.ServiceDependencies{
		Registerer: prometheus.NewRegistry(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}
	return svc, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
