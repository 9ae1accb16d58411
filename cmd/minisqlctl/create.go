package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/elliott-wen/database-minisql/internal/api"
	"github.com/elliott-wen/database-minisql/internal/record"
)

var createCmd = &cobra.Command{
	Use:   "create <dbfile> <table> <name:TYPE>...",
	Short: "Create a table",
	Long: `Create a table with the given columns. Each column is written as
name:TYPE where TYPE is one of INT, BIGINT, BOOLEAN, DATE, TIMESTAMP,
VARCHAR(n) or DECIMAL(p,s). A trailing "!" makes the column NOT NULL.

Examples:
  minisqlctl create demo.db people id:INT! name:VARCHAR(32)
  minisqlctl create demo.db accounts id:BIGINT! balance:DECIMAL(12,2) opened:DATE`,
	Args: cobra.MinimumNArgs(3),
	RunE: runCreate,
}

func runCreate(cmd *cobra.Command, args []string) error {
	columns := make([]record.Column, 0, len(args)-2)
	for _, def := range args[2:] {
		col, err := record.ParseColumn(def)
		if err != nil {
			return err
		}
		columns = append(columns, col)
	}
	return withDatabase(args[0], func(db *api.Database) error {
		heap, err := db.CreateTable(args[1], columns)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created table %s at page %d\n", heap.Name(), heap.FirstPageID())
		return nil
	})
}
