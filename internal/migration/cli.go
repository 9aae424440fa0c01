package migration

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
)

// CLI prints the outcome of migrator operations for the migrate subcommand.
type CLI struct {
	migrator Migrator
	out      io.Writer
}

// NewCLI creates a CLI writing to stdout.
func NewCLI(migrator Migrator) *CLI {
	return &CLI{migrator: migrator, out: os.Stdout}
}

// SetOutput redirects CLI output.
func (c *CLI) SetOutput(w io.Writer) {
	c.out = w
}

// apply announces an operation, runs it and reports the resulting version.
func (c *CLI) apply(ctx context.Context, announce, failed, done string, op func(context.Context) error) error {
	fmt.Fprintln(c.out, announce)
	if err := op(ctx); err != nil {
		return fmt.Errorf("%s: %w", failed, err)
	}
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s Current version: %d\n", done, info.CurrentVersion)
	return nil
}

// RunUp applies every pending migration.
func (c *CLI) RunUp(ctx context.Context) error {
	return c.apply(ctx, "Applying pending task_chains migrations...", "migration failed", "Migrations complete.", c.migrator.Up)
}

// RunDown rolls back the most recent migration.
func (c *CLI) RunDown(ctx context.Context) error {
	return c.apply(ctx, "Rolling back last migration...", "rollback failed", "Rollback complete.", c.migrator.Down)
}

// RunDownAll rolls back every applied migration.
func (c *CLI) RunDownAll(ctx context.Context) error {
	return c.apply(ctx, "Rolling back all migrations...", "rollback failed", "All migrations rolled back.", c.migrator.DownAll)
}

// RunSteps applies (n > 0) or rolls back (n < 0) n migrations.
func (c *CLI) RunSteps(ctx context.Context, n int) error {
	announce := fmt.Sprintf("Applying %d migration(s)...", n)
	if n < 0 {
		announce = fmt.Sprintf("Rolling back %d migration(s)...", -n)
	}
	return c.apply(ctx, announce, "migration steps failed", "Complete.", func(ctx context.Context) error {
		return c.migrator.Steps(ctx, n)
	})
}

// RunGoto migrates up or down to version.
func (c *CLI) RunGoto(ctx context.Context, version uint) error {
	return c.apply(ctx, fmt.Sprintf("Migrating to version %d...", version), "migration failed", "Migration complete.", func(ctx context.Context) error {
		return c.migrator.Goto(ctx, version)
	})
}

// RunForce records version without running migrations and clears the dirty flag.
func (c *CLI) RunForce(ctx context.Context, version int) error {
	return c.apply(ctx, fmt.Sprintf("Forcing version to %d...", version), "force failed", "Version forced.", func(ctx context.Context) error {
		return c.migrator.Force(ctx, version)
	})
}

// RunVersion prints the current schema version.
func (c *CLI) RunVersion(ctx context.Context) error {
	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to get version: %w", err)
	}
	switch {
	case version == 0 && !dirty:
		fmt.Fprintln(c.out, "No migrations applied yet.")
	case dirty:
		fmt.Fprintf(c.out, "Current version: %d (dirty)\n", version)
	default:
		fmt.Fprintf(c.out, "Current version: %d\n", version)
	}
	return nil
}

// RunStatus prints every embedded migration with its state.
func (c *CLI) RunStatus(ctx context.Context) error {
	statuses, err := c.migrator.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}
	if len(statuses) == 0 {
		fmt.Fprintln(c.out, "No migrations found.")
		return nil
	}

	applied := 0
	rows := make([]table.Row, 0, len(statuses))
	for _, s := range statuses {
		state := "Pending"
		switch {
		case s.Dirty:
			state = "Dirty"
		case s.Applied:
			state = "Applied"
		}
		if s.Applied {
			applied++
		}
		rows = append(rows, table.Row{fmt.Sprintf("%06d", s.Version), s.Name, state})
	}
	c.render(table.Row{"Version", "Name", "Status"}, rows)

	fmt.Fprintf(c.out, "\nTotal: %d, Applied: %d, Pending: %d\n", len(statuses), applied, len(statuses)-applied)
	return nil
}

// RunInfo prints the migration summary as a table.
func (c *CLI) RunInfo(ctx context.Context) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get info: %w", err)
	}
	c.render(table.Row{"Field", "Value"}, []table.Row{
		{"Current Version", info.CurrentVersion},
		{"Dirty", info.Dirty},
		{"Total Migrations", info.TotalMigrations},
		{"Applied Migrations", info.AppliedMigrations},
		{"Pending Migrations", info.PendingMigrations},
	})
	return nil
}

func (c *CLI) render(header table.Row, rows []table.Row) {
	t := table.NewWriter()
	t.SetOutputMirror(c.out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(header)
	t.AppendRows(rows)
	t.Render()
}
