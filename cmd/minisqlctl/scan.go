package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/elliott-wen/database-minisql/internal/api"
	"github.com/elliott-wen/database-minisql/internal/record"
)

var (
	ScanRowIDs bool
	ScanLimit  int
)

var errLimitReached = errors.New("scan limit reached")

var scanCmd = &cobra.Command{
	Use:   "scan <dbfile> <table>",
	Short: "Print every row of a table",
	Long: `Print every row of a table in storage order as an aligned table.

Examples:
  minisqlctl scan demo.db people
  minisqlctl scan --rowid --limit 10 demo.db people`,
	Args: cobra.ExactArgs(2),
	RunE: runScan,
}

func init() {
	scanCmd.Flags().BoolVar(&ScanRowIDs, "rowid", false, "Include the row id of each row")
	scanCmd.Flags().IntVar(&ScanLimit, "limit", 0, "Stop after this many rows (0 for no limit)")
}

func runScan(cmd *cobra.Command, args []string) error {
	return withDatabase(args[0], func(db *api.Database) error {
		heap, err := db.Table(args[1])
		if err != nil {
			return err
		}
		var header []string
		if ScanRowIDs {
			header = append(header, "rowid")
		}
		for _, col := range heap.Schema().Columns() {
			header = append(header, col.Name)
		}

		var rows [][]string
		err = db.Scan(nil, args[1], func(row record.Row) error {
			if ScanLimit > 0 && len(rows) == ScanLimit {
				return errLimitReached
			}
			cells := make([]string, 0, len(header))
			if ScanRowIDs {
				rid := row.RowID()
				cells = append(cells, fmt.Sprintf("%d:%d", rid.Page, rid.Slot))
			}
			for _, v := range row.Values() {
				cells = append(cells, record.FormatValue(v))
			}
			rows = append(rows, cells)
			return nil
		})
		if err != nil && err != errLimitReached {
			return err
		}
		renderRows(cmd.OutOrStdout(), header, rows)
		return nil
	})
}

func renderRows(out io.Writer, header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, col := range header {
		widths[i] = len(col)
	}
	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}
	printRow(out, header, widths)
	separator := make([]string, len(widths))
	for i, w := range widths {
		separator[i] = strings.Repeat("-", w)
	}
	printRow(out, separator, widths)
	for _, row := range rows {
		printRow(out, row, widths)
	}
	fmt.Fprintf(out, "(%d row(s))\n", len(rows))
}

func printRow(out io.Writer, values []string, widths []int) {
	cells := make([]string, len(values))
	for i, v := range values {
		cells[i] = fmt.Sprintf("%-*s", widths[i], v)
	}
	fmt.Fprintln(out, strings.TrimRight(strings.Join(cells, " | "), " "))
}
