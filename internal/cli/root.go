// Package cli implements the serverlord command line.
package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "serverlord",
	Short: "Serverlord - heartbeat monitoring for scheduled tasks",
	Long: `Serverlord watches periodic tasks that report heartbeats to a ping URL.

Tasks that stay silent past their interval are marked dead, and uptime and
downtime are accounted for every task.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}
