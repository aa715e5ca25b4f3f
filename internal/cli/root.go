// Package cli implements the stroomd operator commands. Workflows are
// registered in code by the embedding application; stroomd manages the
// shared database side: schema setup, the pause lock, process listings,
// and task log cleanup.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	stroom "github.com/stroomnet/stroom"
	"github.com/stroomnet/stroom/internal/config"
	"github.com/stroomnet/stroom/store/postgres"
	"github.com/stroomnet/stroom/store/sqlite"
)

var flagConfig string

var rootCmd = &cobra.Command{
	Use:           "stroomd",
	Short:         "Operator tool for the stroom workflow engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to stroom.toml config file")
	rootCmd.AddCommand(
		newInitCmd(),
		newStatusCmd(),
		newPauseCmd(),
		newResumeCmd(),
		newProcessesCmd(),
		newCleanupCmd(),
	)
}

// Execute runs the root command and returns the exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// openStore builds the configured store. The returned cleanup closes the
// store and, for postgres, the pool behind it.
func openStore(ctx context.Context, cfg config.Config) (stroom.Store, func(), error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.URI)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		st := postgres.New(pool, postgres.WithLogger(logger))
		return st, func() { pool.Close() }, nil
	case "sqlite", "":
		st := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
		return st, func() { st.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}
