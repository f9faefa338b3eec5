// Package cli provides the habitctl operator commands.
package cli

import (
	"errors"
	"fmt"

	"github.com/habitlog/internal/config"
	"github.com/habitlog/internal/db"
	"github.com/habitlog/internal/logger"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var (
	dbDriver string
	dbDSN    string
	logMode  string
)

var rootCmd = &cobra.Command{
	Use:   "habitctl",
	Short: "Operate the habit tracker schema migration",
	Long: `habitctl inspects and repairs the dual-write migration between the
legacy habit_tracker table and the normalized children/weeks/habits schema.

Database settings come from the same environment (or CONFIG_FILE) as the
server; --driver and --dsn override them.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbDriver, "driver", "", "Database driver (sqlite|postgres)")
	rootCmd.PersistentFlags().StringVar(&dbDSN, "dsn", "", "Database path (sqlite) or DSN (postgres)")
	rootCmd.PersistentFlags().StringVar(&logMode, "log-mode", "", "Log mode (dev|prod)")
}

// exitError carries a non-zero exit code for a result that was already printed.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			return exit.code
		}
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
		return 1
	}
	return 0
}

type runtime struct {
	cfg config.AppConfig
	db  *gorm.DB
	log *logger.Logger
}

func (r *runtime) close() {
	if sqlDB, err := r.db.DB(); err == nil {
		sqlDB.Close()
	}
	r.log.Sync()
}

func openRuntime() (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if dbDriver != "" {
		cfg.DatabaseDriver = dbDriver
	}
	if dbDSN != "" {
		if cfg.DatabaseDriver == db.DriverPostgres {
			cfg.DatabaseDSN = dbDSN
		} else {
			cfg.DatabasePath = dbDSN
		}
	}
	if logMode != "" {
		cfg.LogMode = logMode
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	gdb, err := db.Open(db.Options{Driver: cfg.DatabaseDriver, DSN: cfg.DSN()})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &runtime{cfg: cfg, db: gdb, log: log}, nil
}
