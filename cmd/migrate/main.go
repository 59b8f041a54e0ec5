package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/pricefeed/internal/infra/config"
	"github.com/coachpo/pricefeed/internal/infra/persistence/migrations"
	"github.com/coachpo/pricefeed/internal/observability"
)

const defaultTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dsn     = flag.String("database", "", "PostgreSQL DSN (defaults to DATABASE_URL)")
		dir     = flag.String("path", migrations.Embedded, "Directory containing SQL migrations (embedded set when empty)")
		timeout = flag.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet   = flag.Bool("quiet", false, "Suppress informational logs")
	)
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	if strings.TrimSpace(*dsn) == "" {
		*dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if *dsn == "" {
		return errors.New("-database flag or DATABASE_URL is required")
	}

	args := flag.Args()
	if len(args) == 0 {
		return errors.New("command required (up|down)")
	}

	logger := observability.Nop()
	if !*quiet {
		l, err := observability.NewLogrusLogger(observability.LogConfig{Format: "text", Component: "pricefeed-migrate"})
		if err != nil {
			return err
		}
		logger = l
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "up":
		return migrations.Apply(ctx, *dsn, *dir, logger)
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid down steps %q: %w", args[1], err)
			}
			steps = n
		}
		return migrations.Rollback(ctx, *dsn, *dir, steps, logger)
	default:
		return fmt.Errorf("unknown command %q (expected up or down)", args[0])
	}
}
