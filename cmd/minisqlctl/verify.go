package main

import (
	"fmt"
	"sync"

	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/elliott-wen/database-minisql/internal/api"
	"github.com/elliott-wen/database-minisql/internal/record"
)

var VerifyWorkers int

var verifyCmd = &cobra.Command{
	Use:   "verify <dbfile>",
	Short: "Check every table's page chain with concurrent scans",
	Long: `Walk the page chain of every table, then scan each table from several
workers at once. The command fails if a chain does not end at the table's
recorded last page or if the workers disagree on a table's row count.

Examples:
  minisqlctl verify demo.db
  minisqlctl verify --workers 8 demo.db`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().IntVarP(&VerifyWorkers, "workers", "w", 4, "Concurrent scans per table")
}

type verifyResult struct {
	pages int
	rows  []int
}

func runVerify(cmd *cobra.Command, args []string) error {
	if VerifyWorkers < 1 {
		return errors.New("--workers must be at least 1")
	}
	return withDatabase(args[0], func(db *api.Database) error {
		tables, err := db.Tables()
		if err != nil {
			return err
		}
		results := make(map[string]*verifyResult, len(tables))
		for _, table := range tables {
			heap, err := db.Table(table.Name)
			if err != nil {
				return err
			}
			pages, err := heap.Pages()
			if err != nil {
				return err
			}
			if tail := pages[len(pages)-1]; tail != heap.LastPageID() {
				return errors.Errorf("table %s: chain ends at page %d, expected %d", table.Name, tail, heap.LastPageID())
			}
			results[table.Name] = &verifyResult{pages: len(pages), rows: make([]int, VerifyWorkers)}
		}

		var mu sync.Mutex
		group, ctx := errgroup.WithContext(cmd.Context())
		for _, table := range tables {
			name := table.Name
			res := results[name]
			for worker := 0; worker < VerifyWorkers; worker++ {
				worker := worker
				group.Go(func() error {
					count := 0
					err := db.Scan(nil, name, func(record.Row) error {
						count++
						return ctx.Err()
					})
					if err != nil {
						return errors.Wrapf(err, "scanning table %s", name)
					}
					mu.Lock()
					res.rows[worker] = count
					mu.Unlock()
					return nil
				})
			}
		}
		if err := group.Wait(); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, table := range tables {
			res := results[table.Name]
			for _, n := range res.rows[1:] {
				if n != res.rows[0] {
					return errors.Errorf("table %s: workers disagree on row count %v", table.Name, res.rows)
				}
			}
			grip.Debug(message.Fields{
				"message": "verified table",
				"table":   table.Name,
				"pages":   res.pages,
				"rows":    res.rows[0],
				"workers": VerifyWorkers,
			})
			fmt.Fprintf(out, "%s: %d page(s), %d row(s) ok\n", table.Name, res.pages, res.rows[0])
		}
		return nil
	})
}
