package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/roster/am"
	"github.com/teranos/roster/cmd/roster/commands"
	"github.com/teranos/roster/errors"
	"github.com/teranos/roster/logger"
)

var rootCmd = &cobra.Command{
	Use:   "roster",
	Short: "roster - group membership sync",
	Long: `roster - keeps local copies of server-authoritative groups in sync.

roster tracks the groups you belong to, applies your edits to them with
optimistic concurrency, and pulls in everyone else's edits revision by
revision. Deferred work (catch-up syncs, avatar downloads, profile refreshes)
runs on the Pulse job queue.

Available commands:
  init     - Create the local identity and profile key
  serve    - Run a group server
  group    - Create, inspect and edit groups
  pulse    - Run and inspect the background job queue
  db       - Manage the local database
  am       - Show and validate configuration
  version  - Show build information

Examples:
  roster init ada                    # Become "ada" with a fresh profile key
  roster serve                       # Host groups on :8770
  roster group create kelp bob cy    # Create a group with bob and cy
  roster group sync --all            # Catch up every group
  roster pulse start                 # Process deferred work`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		am.SetConfigFile(commands.Global.ConfigFile)
		if err := logger.Initialize(commands.Global.JSON, commands.Global.Verbosity); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&commands.Global.ConfigFile, "config", "", "Config file (replaces the user and project am.toml)")
	flags.BoolVar(&commands.Global.JSON, "json", false, "Machine-readable output")
	flags.CountVarP(&commands.Global.Verbosity, "verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")

	rootCmd.AddCommand(commands.InitCmd)
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.GroupCmd)
	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		for _, hint := range errors.GetAllHints(err) {
			fmt.Fprintln(os.Stderr, "Hint:", hint)
		}
		os.Exit(1)
	}
}
