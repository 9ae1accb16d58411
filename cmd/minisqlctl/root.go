package main

import (
	"time"

	"github.com/mongodb/grip"
	"github.com/mongodb/grip/level"
	"github.com/mongodb/grip/send"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/elliott-wen/database-minisql/internal/api"
)

var (
	PoolSize    int
	LockTimeout time.Duration
	NoWAL       bool
	Verbose     bool
	LogFile     string
)

var rootCmd = &cobra.Command{
	Use:   "minisqlctl",
	Short: "Inspect and edit minisql database files",
	Long: `minisqlctl creates database files, defines tables and reads and writes
their rows. Every command opens the database, replaying its write-ahead log
if the last run stopped without closing it, and checkpoints it on exit.

Examples:
  minisqlctl new demo.db
  minisqlctl create demo.db people id:INT! name:VARCHAR(32)
  minisqlctl insert demo.db people 1 Ada
  minisqlctl scan demo.db people
  minisqlctl verify --workers 8 demo.db`,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
}

// Execute runs the command line.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().IntVar(&PoolSize, "pool-size", 64, "Number of buffer pool frames")
	rootCmd.PersistentFlags().DurationVar(&LockTimeout, "lock-timeout", 2*time.Second, "How long a transaction waits for a table lock")
	rootCmd.PersistentFlags().BoolVar(&NoWAL, "no-wal", false, "Disable the write-ahead log and recovery")
	rootCmd.PersistentFlags().BoolVarP(&Verbose, "verbose", "v", false, "Log debug messages")
	rootCmd.PersistentFlags().StringVar(&LogFile, "log-file", "", "Write log messages to this file instead of standard error")

	rootCmd.AddCommand(newCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(insertCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(verifyCmd)
}

func setupLogging(cmd *cobra.Command, args []string) error {
	threshold := level.Warning
	if Verbose {
		threshold = level.Debug
	}
	lvl := send.LevelInfo{Default: level.Info, Threshold: threshold}

	var (
		sender send.Sender
		err    error
	)
	if LogFile != "" {
		sender, err = send.NewFileLogger("minisqlctl", LogFile, lvl)
	} else {
		sender, err = send.NewErrorLogger("minisqlctl", lvl)
	}
	if err != nil {
		return errors.Wrap(err, "creating log sender")
	}
	grip.SetSender(sender)
	return nil
}

func databaseOptions() api.Options {
	return api.Options{
		PoolSize:    PoolSize,
		LockTimeout: LockTimeout,
		DisableWAL:  NoWAL,
	}
}

// withDatabase opens the database at path, runs fn and closes it again,
// reporting the first error.
func withDatabase(path string, fn func(db *api.Database) error) error {
	db, err := api.Open(path, databaseOptions())
	if err != nil {
		return errors.Wrapf(err, "opening %s", path)
	}
	catcher := grip.NewBasicCatcher()
	catcher.Add(fn(db))
	catcher.Wrap(db.Close(), "closing database")
	return catcher.Resolve()
}
