package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/elliott-wen/database-minisql/internal/api"
	"github.com/elliott-wen/database-minisql/internal/storage"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <dbfile> <table> <page:slot>...",
	Short: "Delete rows by row id",
	Long: `Delete rows by the row id that insert and scan --rowid print. All rows
are deleted in one transaction: if any of them cannot be deleted none are.

Examples:
  minisqlctl delete demo.db people 1:0 1:3`,
	Args: cobra.MinimumNArgs(3),
	RunE: runDelete,
}

func runDelete(cmd *cobra.Command, args []string) error {
	rids := make([]storage.RowID, 0, len(args)-2)
	for _, text := range args[2:] {
		rid, err := storage.ParseRowID(text)
		if err != nil {
			return err
		}
		rids = append(rids, rid)
	}
	return withDatabase(args[0], func(db *api.Database) error {
		tx := db.Begin()
		for _, rid := range rids {
			if err := db.Delete(tx, args[1], rid); err != nil {
				if rollbackErr := db.Rollback(tx); rollbackErr != nil {
					return rollbackErr
				}
				return err
			}
		}
		if err := db.Commit(tx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d row(s)\n", len(rids))
		return nil
	})
}
