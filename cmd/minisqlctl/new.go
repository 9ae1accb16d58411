package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/elliott-wen/database-minisql/internal/api"
)

var newCmd = &cobra.Command{
	Use:   "new <dbfile>",
	Short: "Create an empty database file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := api.Create(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created database %s\n", args[0])
		return nil
	},
}
