package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrelay/internal/migration"
)

// =============================================================================
// Database Migration Commands
// =============================================================================

// migrateFlags 是所有 migrate 子命令共享的连接参数
type migrateFlags struct {
	dbType string
	dbURL  string
}

func newMigrateCommand(ctx *commandContext) *cobra.Command {
	flags := &migrateFlags{}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the task_chains database schema",
		Long: `Database migration commands for the sql chain store.

The connection comes from the database section of the configuration file
unless both --db-type and --db-url are given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().StringVar(&flags.dbType, "db-type", "", "Database type: postgres, mysql, sqlite (default: from config)")
	cmd.PersistentFlags().StringVar(&flags.dbURL, "db-url", "", "Database connection string (default: from config)")

	run := func(fn func(rctx context.Context, cli *migration.CLI, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			m, err := ctx.newMigrator(flags)
			if err != nil {
				return fmt.Errorf("failed to create migrator: %w", err)
			}
			defer m.Close()

			cli := migration.NewCLI(m)
			cli.SetOutput(cmd.OutOrStdout())
			return fn(cmd.Context(), cli, args)
		}
	}

	var all bool
	down := &cobra.Command{
		Use:   "down",
		Short: "Rollback the last migration",
		Args:  cobra.NoArgs,
		RunE: run(func(rctx context.Context, cli *migration.CLI, _ []string) error {
			if all {
				return cli.RunDownAll(rctx)
			}
			return cli.RunDown(rctx)
		}),
	}
	down.Flags().BoolVar(&all, "all", false, "Rollback all migrations")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: run(func(rctx context.Context, cli *migration.CLI, _ []string) error {
				return cli.RunUp(rctx)
			}),
		},
		down,
		&cobra.Command{
			Use:   "status",
			Short: "Show migration status",
			Args:  cobra.NoArgs,
			RunE: run(func(rctx context.Context, cli *migration.CLI, _ []string) error {
				return cli.RunStatus(rctx)
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Show current migration version",
			Args:  cobra.NoArgs,
			RunE: run(func(rctx context.Context, cli *migration.CLI, _ []string) error {
				return cli.RunVersion(rctx)
			}),
		},
		&cobra.Command{
			Use:   "info",
			Short: "Show migration source and database details",
			Args:  cobra.NoArgs,
			RunE: run(func(rctx context.Context, cli *migration.CLI, _ []string) error {
				return cli.RunInfo(rctx)
			}),
		},
		&cobra.Command{
			Use:   "goto <version>",
			Short: "Migrate to a specific version",
			Args:  cobra.ExactArgs(1),
			RunE: run(func(rctx context.Context, cli *migration.CLI, args []string) error {
				version, err := strconv.ParseUint(args[0], 10, 32)
				if err != nil {
					return fmt.Errorf("invalid version number: %s", args[0])
				}
				return cli.RunGoto(rctx, uint(version))
			}),
		},
		&cobra.Command{
			Use:   "steps <n>",
			Short: "Apply (n > 0) or roll back (n < 0) n migrations",
			Args:  cobra.ExactArgs(1),
			RunE: run(func(rctx context.Context, cli *migration.CLI, args []string) error {
				n, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid step count: %s", args[0])
				}
				return cli.RunSteps(rctx, n)
			}),
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Force set migration version (use with caution)",
			Args:  cobra.ExactArgs(1),
			RunE: run(func(rctx context.Context, cli *migration.CLI, args []string) error {
				version, err := strconv.ParseInt(args[0], 10, 32)
				if err != nil {
					return fmt.Errorf("invalid version number: %s", args[0])
				}
				return cli.RunForce(rctx, int(version))
			}),
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Rollback all migrations",
			Args:  cobra.NoArgs,
			RunE: run(func(rctx context.Context, cli *migration.CLI, _ []string) error {
				return cli.RunDownAll(rctx)
			}),
		},
	)

	return cmd
}

// newMigrator 优先使用 --db-type/--db-url，否则读取配置中的 database 段
func (c *commandContext) newMigrator(flags *migrateFlags) (*migration.DefaultMigrator, error) {
	if flags.dbType != "" && flags.dbURL != "" {
		return migration.NewMigratorFromURL(flags.dbType, flags.dbURL, c.migrateLogger())
	}

	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	if flags.dbType != "" {
		cfg.Database.Driver = flags.dbType
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database, c.loggerFor(cfg))
}

func (c *commandContext) migrateLogger() *zap.Logger {
	if c.logger != nil {
		return c.logger
	}
	return zap.NewNop()
}
