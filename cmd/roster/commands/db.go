package commands

import (
	"database/sql"
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/roster/db"
	"github.com/teranos/roster/errors"
	"github.com/teranos/roster/logger"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the local database",
	Long: `db - manage the local roster database

Examples:
  roster db migrate     # Apply pending schema migrations
  roster db stats       # Row counts per table`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, path, err := openLocalDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		pending, err := db.Pending(database)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			pterm.Info.Printfln("%s is up to date", path)
			return nil
		}
		if err := db.Migrate(database, logger.Logger); err != nil {
			return errors.Wrapf(err, "failed to migrate %s", path)
		}
		pterm.Success.Printfln("Applied %d migration(s) to %s", len(pending), path)
		for _, name := range pending {
			fmt.Printf("  %s\n", name)
		}
		return nil
	},
}

// statTables are the tables counted by `db stats`, in display order.
var statTables = []string{"groups", "profiles", "timeline", "avatars", "async_jobs"}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show row counts per table",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, path, err := openLocalDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		pending, err := db.Pending(database)
		if err != nil {
			return err
		}
		counts, err := tableCounts(database, statTables)
		if err != nil {
			return err
		}

		if Global.JSON {
			return printJSON(map[string]interface{}{
				"path":               path,
				"pending_migrations": pending,
				"rows":               counts,
			})
		}

		fmt.Printf("Database: %s\n\n", path)
		data := pterm.TableData{{"Table", "Rows"}}
		for _, table := range statTables {
			data = append(data, []string{table, fmt.Sprint(counts[table])})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			return err
		}
		if len(pending) > 0 {
			pterm.Warning.Printfln("%d pending migration(s); run `roster db migrate`", len(pending))
		}
		return nil
	},
}

// openLocalDatabase opens the configured database without migrating it.
func openLocalDatabase() (*sql.DB, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	path := cfg.GetDatabasePath()
	database, err := db.Open(path, logger.Logger)
	if err != nil {
		return nil, "", errors.Wrapf(err, "failed to open database at %s", path)
	}
	return database, path, nil
}

// tableCounts counts rows per table. Missing tables count as zero.
func tableCounts(database *sql.DB, tables []string) (map[string]int64, error) {
	counts := make(map[string]int64, len(tables))
	for _, table := range tables {
		var exists int
		err := database.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&exists)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to look up table %s", table)
		}
		if exists == 0 {
			counts[table] = 0
			continue
		}
		var n int64
		// table names come from statTables, never from input
		if err := database.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
			return nil, errors.Wrapf(err, "failed to count %s", table)
		}
		counts[table] = n
	}
	return counts, nil
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}
