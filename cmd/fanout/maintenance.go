package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/drblury/fanout"
)

var maintenanceJobs = map[string]string{
	"clear-completed":  fanout.JobClearCompleted,
	"retry-incomplete": fanout.JobRetryIncomplete,
}

func jobNames() []string {
	names := make([]string, 0, len(maintenanceJobs))
	for name := range maintenanceJobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newMaintenanceCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "maintenance [job]",
		Short:     "Run a publication journal maintenance job once",
		Long:      "Runs one of " + strings.Join(jobNames(), ", ") + " immediately, under the same lock the scheduler uses.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: jobNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, ok := maintenanceJobs[args[0]]
			if !ok {
				return fmt.Errorf("unknown job %q, expected one of %s", args[0], strings.Join(jobNames(), ", "))
			}

			svc, err := opts.service(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			res, err := svc.RunMaintenance(commandContext(cmd), job)
			if err != nil {
				return err
			}
			if !res.Acquired {
				fmt.Fprintf(cmd.OutOrStdout(), "%s skipped: lock held by another instance\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s affected %d publications\n", args[0], res.Affected)
			return nil
		},
	}
}
