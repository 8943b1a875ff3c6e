package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/sirbex/Digital-Shop-sub002/internal/config"
	"github.com/sirbex/Digital-Shop-sub002/internal/logger"
	pgstore "github.com/sirbex/Digital-Shop-sub002/internal/store/postgres"
)

func main() {
	var logLevel string
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	args := flag.Args()
	if len(args) != 1 {
		printUsage()
		os.Exit(1)
	}
	command := args[0]

	log, err := logger.New(logger.Config{Level: logLevel, Format: "console", Output: "stdout"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := pgstore.Open(ctx, cfg.DatabaseURL, 2)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}

	m, err := pgstore.NewMigrator(db, log)
	if err != nil {
		_ = db.Close()
		log.Fatal("failed to create migrator", zap.Error(err))
	}
	defer func() {
		if err := m.Close(); err != nil {
			log.Warn("failed to close migrator", zap.Error(err))
		}
	}()

	switch command {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	case "version":
		var version uint
		var dirty bool
		version, dirty, err = m.Version()
		if err == nil {
			log.Info("current migration version", zap.Uint("version", version), zap.Bool("dirty", dirty))
		}
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		log.Error("migration command failed", zap.String("command", command), zap.Error(err))
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: migrate [flags] <command>

Commands:
  up        apply all pending migrations
  down      roll back all migrations
  version   print the current schema version

Flags:
  -log-level string   log level (default "info")

DATABASE_URL is read from the environment or ./ledger.env.`)
}
