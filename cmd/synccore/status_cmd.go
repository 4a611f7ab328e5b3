package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openmined/synccore/internal/config"
	"github.com/openmined/synccore/internal/store"
)

// statusCmd prints the persisted sync-state tables and their row counts,
// without starting the engine: a quick offline look at what the store
// currently caches.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show persisted sync-state tables",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		storePath := viper.GetString("store_path")
		if storePath == "" {
			storePath = config.DefaultStorePath
		}

		info, err := os.Stat(storePath)
		if err != nil {
			return fmt.Errorf("no sync state at %s: %w", storePath, err)
		}

		db, err := store.NewSqliteDB(store.WithPath(storePath))
		if err != nil {
			return err
		}
		defer db.Close()

		var tables []string
		if err := db.Select(&tables,
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE 'syncstate_%' ORDER BY name`); err != nil {
			return fmt.Errorf("list sync-state tables: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "store: %s (%s)\n", storePath, humanize.Bytes(uint64(info.Size())))
		if len(tables) == 0 {
			fmt.Fprintln(out, "no syncs persisted")
			return nil
		}

		for _, table := range tables {
			var count int64
			if err := db.Get(&count, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)); err != nil {
				return fmt.Errorf("count rows in %s: %w", table, err)
			}
			fmt.Fprintf(out, "%s: %s nodes\n", table, humanize.Comma(count))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
