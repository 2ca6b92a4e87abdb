// Command loansync rebuilds every account's denormalized loan lists from the
// loans table.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dukerupert/loantracker/internal/config"
	"github.com/dukerupert/loantracker/internal/database"
	"github.com/dukerupert/loantracker/internal/logging"
	"github.com/dukerupert/loantracker/internal/store"
)

func main() {
	if err := run(os.Args[1:], os.Stderr, ".env"); err != nil {
		slog.Error("loansync failed", "error", err)
		os.Exit(1)
	}
}

// run parses flags, whose defaults come from the environment, and resyncs
// the database once.
func run(args []string, stderr io.Writer, envFiles ...string) error {
	cfg, err := config.LoadEnv(envFiles...)
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("loansync", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", cfg.DBPath, "SQLite database path")
	logLevel := fs.String("log-level", cfg.LogLevel, "log level")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := logging.SetupWriter(stderr, *logLevel, cfg.LogFormat)

	db, err := database.Open(*dbPath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", *dbPath, err)
	}
	defer db.Close()

	report, err := store.NewLoanStore(db).Resync()
	if err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	logger.Info("resync complete", "db", *dbPath, "accounts", report.Accounts, "changed", report.Changed)
	return nil
}
