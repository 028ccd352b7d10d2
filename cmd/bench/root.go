package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure the cost of row level security on patient vitals workloads",
		Long: `bench runs a plan of workloads against postgres, influxdb and
elasticsearch, first unsecured and then under each security context, and
reports the overhead of every configuration against its baseline.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newExportCommand())

	return cmd
}
