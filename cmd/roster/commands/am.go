package commands

import (
	"fmt"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/roster/am"
	"github.com/teranos/roster/errors"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Show and validate roster configuration",
	Long: `am - roster configuration ("I am")

Configuration sources (later overrides earlier):
1. Built-in defaults
2. System config (/etc/roster/am.toml)
3. User config (~/.roster/am.toml)
4. Project config (./am.toml, searching up directories)
5. Environment variables (ROSTER_* prefix)

--config replaces the user and project files with the named file.

Examples:
  roster am show             # Effective configuration as TOML
  roster am where            # Which source set each value
  roster am validate         # Check the configuration`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := am.Load(); err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		settings := am.GetViper().AllSettings()
		if self, ok := settings["self"].(map[string]interface{}); ok {
			if key, _ := self["profile_key"].(string); key != "" {
				self["profile_key"] = "********"
			}
		}
		if Global.JSON {
			return printJSON(settings)
		}
		data, err := toml.Marshal(settings)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to TOML")
		}
		fmt.Printf("# roster configuration\n%s", string(data))
		return nil
	},
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show which source each setting comes from",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := am.Load(); err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		intro := am.GetConfigIntrospection()
		if Global.JSON {
			return printJSON(intro)
		}

		data := pterm.TableData{{"Setting", "Value", "Source", "Path"}}
		for _, s := range intro.Settings {
			data = append(data, []string{s.Key, fmt.Sprint(s.Value), string(s.Source), s.SourcePath})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(); err != nil {
			return err
		}
		pterm.Success.Println("Configuration is valid")
		return nil
	},
}

func init() {
	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amWhereCmd)
	AmCmd.AddCommand(amValidateCmd)
}
