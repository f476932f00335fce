// Command migrate applies or rolls back the conversation memory schema that
// is embedded in the bridge. The server also applies it on startup when
// MEMORY_BACKEND=postgres.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/spf13/pflag"

	"github.com/samhotchkiss/popo-bridge/internal/memory"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

const usageText = `Usage: migrate [--database-url URL] <command> [n]

Commands:
  up [n]     apply all pending memory migrations, or the next n
  down [n]   roll back all memory migrations, or the last n
  version    print the applied schema version

DATABASE_URL is used when --database-url is not given.
`

func run(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	databaseURL := fs.String("database-url", "", "PostgreSQL connection string")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			fmt.Fprint(out, usageText)
		}
		return err
	}

	rest := fs.Args()
	if len(rest) == 0 || len(rest) > 2 {
		fmt.Fprint(out, usageText)
		return errors.New("expected a command")
	}
	command := rest[0]

	steps := 0
	if len(rest) == 2 {
		if command == "version" {
			return errors.New("version takes no arguments")
		}
		n, err := parseSteps(rest[1])
		if err != nil {
			return err
		}
		steps = n
	}

	switch command {
	case "up", "down", "version":
	default:
		fmt.Fprint(out, usageText)
		return fmt.Errorf("unknown command %q", command)
	}

	url := strings.TrimSpace(*databaseURL)
	if url == "" {
		url = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	m, err := memory.NewMigrator(url)
	if err != nil {
		return err
	}
	defer func() { _, _ = m.Close() }()

	switch command {
	case "up":
		return ignoreNoChange(apply(m, steps))
	case "down":
		return ignoreNoChange(rollback(m, steps))
	default:
		return printVersion(m, out)
	}
}

func apply(m *migrate.Migrate, steps int) error {
	if steps == 0 {
		return m.Up()
	}
	return m.Steps(steps)
}

func rollback(m *migrate.Migrate, steps int) error {
	if steps == 0 {
		return m.Down()
	}
	return m.Steps(-steps)
}

func printVersion(m *migrate.Migrate, out io.Writer) error {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		fmt.Fprintln(out, "no memory migrations applied")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "memory schema version %d (dirty=%t)\n", version, dirty)
	return nil
}

func ignoreNoChange(err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}

func parseSteps(value string) (int, error) {
	steps, err := strconv.Atoi(value)
	if err != nil || steps <= 0 {
		return 0, fmt.Errorf("invalid steps: %s", value)
	}
	return steps, nil
}
