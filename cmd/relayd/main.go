// Package main runs relayd, the cross-domain message relay.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/app/runtime"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/config"
	"github.com/Carbon-Twelve-C12/quantera-sub007/internal/platform/migrations"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML configuration file")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN; selects the postgres store")
	migrateOnly := flag.Bool("migrate-only", false, "Apply database migrations and exit")
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if strings.TrimSpace(*configPath) != "" {
		cfg, err = config.LoadFromPath(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *addr != "" {
		cfg.Server.Address = *addr
	}
	if *dsn != "" {
		cfg.Database.Driver = "postgres"
		cfg.Database.DSN = *dsn
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *migrateOnly {
		if err := runMigrations(ctx, cfg); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("Migrations applied")
		return
	}

	application, err := runtime.NewApplication(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialise relayd: %v", err)
	}

	runErr := application.Run(ctx)
	if runErr != nil {
		log.Printf("relayd stopped: %v", runErr)
	}
	if err := application.Shutdown(context.Background()); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	if runErr != nil {
		os.Exit(1)
	}
}

func runMigrations(ctx context.Context, cfg *config.Config) error {
	if cfg.Database.DSN == "" {
		return errors.New("a database DSN is required (-dsn or database.dsn)")
	}
	db, err := runtime.OpenDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	return migrations.Up(db)
}

