package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/elliott-wen/database-minisql/internal/api"
	"github.com/elliott-wen/database-minisql/internal/record"
)

var insertCmd = &cobra.Command{
	Use:   "insert <dbfile> <table> <value>...",
	Short: "Insert one row",
	Long: `Insert one row, giving a value for every column in table order. NULL
stores a null. Dates are written 2006-01-02 and timestamps in RFC 3339.

Examples:
  minisqlctl insert demo.db people 1 Ada
  minisqlctl insert demo.db people 2 NULL`,
	Args: cobra.MinimumNArgs(3),
	RunE: runInsert,
}

func runInsert(cmd *cobra.Command, args []string) error {
	return withDatabase(args[0], func(db *api.Database) error {
		heap, err := db.Table(args[1])
		if err != nil {
			return err
		}
		schema := heap.Schema()
		texts := args[2:]
		if len(texts) != schema.Len() {
			return errors.Errorf("table %s has %d columns, got %d values", heap.Name(), schema.Len(), len(texts))
		}
		values := make([]interface{}, len(texts))
		for i, text := range texts {
			if values[i], err = record.ParseValue(schema.Column(i), text); err != nil {
				return err
			}
		}
		rid, err := db.Insert(nil, args[1], values)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Inserted row %d:%d\n", rid.Page, rid.Slot)
		return nil
	})
}
