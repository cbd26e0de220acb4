package commands

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/roster/am"
	"github.com/teranos/roster/group"
)

// InitCmd creates the local identity.
var InitCmd = &cobra.Command{
	Use:   "init <identity>",
	Short: "Create the local identity and profile key",
	Long: `Write a self identity and a freshly generated profile key to the user
config file (~/.roster/am.toml, or the file named by --config).

An existing identity is kept unless --force is given. Replacing the profile
key means other members learn the new one only after you publish it with
'roster group key'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")

		path := Global.ConfigFile
		if path == "" {
			path = am.UserConfigPath()
		}
		self, err := am.InitSelf(path, group.Identity(args[0]), force)
		if err != nil {
			return err
		}

		if Global.JSON {
			return printJSON(map[string]string{
				"identity":    string(self.Identity),
				"config_path": path,
			})
		}
		pterm.Success.Printfln("Identity %s written to %s", self.Identity, path)
		return nil
	},
}

func init() {
	InitCmd.Flags().Bool("force", false, "Replace an existing identity and profile key")
}
