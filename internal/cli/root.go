package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "taskvault",
	Short: "Filesystem-backed task lifecycle orchestrator",
	Long: `taskvault watches a vault of plain-text task records and moves them
through their lifecycle: sensors drop events into Inbox, the intake watcher
stages them into Needs_Action, the approval router gates plans, and approved
work is executed and archived into Done.

Running 'taskvault' without a subcommand is equivalent to 'taskvault run'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCmd.RunE(cmd, args)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to taskvault.json config file (default: search up directory tree)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
