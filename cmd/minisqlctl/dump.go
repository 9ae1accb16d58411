package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/elliott-wen/database-minisql/internal/api"
)

var dumpCmd = &cobra.Command{
	Use:   "dump <dbfile>",
	Short: "Describe every table and its page chain",
	Args:  cobra.ExactArgs(1),
	RunE:  runDump,
}

func runDump(cmd *cobra.Command, args []string) error {
	return withDatabase(args[0], func(db *api.Database) error {
		out := cmd.OutOrStdout()
		tables, err := db.Tables()
		if err != nil {
			return err
		}
		if len(tables) == 0 {
			fmt.Fprintln(out, "No tables defined")
			return nil
		}
		for _, table := range tables {
			heap, err := db.Table(table.Name)
			if err != nil {
				return err
			}
			pages, err := heap.Pages()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Table %s (pages %v, last %d)\n", table.Name, pages, heap.LastPageID())
			for _, col := range table.Columns {
				fmt.Fprintf(out, "  - %s %s", col.Name, col.Describe())
				if col.NotNull {
					fmt.Fprint(out, " NOT NULL")
				}
				fmt.Fprintln(out)
			}
			fmt.Fprintln(out)
		}
		stats := db.Stats()
		fmt.Fprintf(out, "Buffer pool: %d resident, %d hits, %d misses, %d evictions\n",
			stats.Pool.Resident, stats.Pool.Hits, stats.Pool.Misses, stats.Pool.Evictions)
		return nil
	})
}
