package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/roster/version"
)

// VersionCmd represents the version command
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show roster version information",
	Long:  `Display version, build time, commit hash, protocol revision and platform information for the roster binary.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.Get()
		if Global.JSON {
			return printJSON(info)
		}
		fmt.Println(info.String())
		fmt.Printf("Platform: %s\n", info.Platform)
		fmt.Printf("Go: %s\n", info.GoVersion)
		return nil
	},
}
