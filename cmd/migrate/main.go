package main

import (
	"database/sql"
	"flag"
	"os"

	"github.com/navid-fn/sensorhub/configs"
	"github.com/navid-fn/sensorhub/internal/logger"

	_ "github.com/ClickHouse/clickhouse-go/v2" // ClickHouse driver
	"github.com/pressly/goose/v3"
)

func main() {
	dir := flag.String("dir", "internal/migrations", "directory holding the migration files")
	flag.Parse()

	command := "up"
	if flag.NArg() > 0 {
		command = flag.Arg(0)
	}

	cfg := configs.AppLoad()
	log := logger.New(cfg.LogLevel)

	// Connect using native ClickHouse driver
	db, err := sql.Open("clickhouse", cfg.ArchiveDSN)
	if err != nil {
		log.WithError(err).Error("Failed to connect to database")
		os.Exit(1)
	}
	defer db.Close()

	// Verify connection
	if err := db.Ping(); err != nil {
		log.WithError(err).Error("Failed to ping database")
		os.Exit(1)
	}

	if err := goose.SetDialect("clickhouse"); err != nil {
		log.WithError(err).Error("Goose: failed to set dialect")
		os.Exit(1)
	}

	log.WithField("command", command).Info("Running database migrations...")
	if err := goose.Run(command, db, *dir, flag.Args()[min(1, flag.NArg()):]...); err != nil {
		log.WithError(err).Error("Goose migration failed")
		os.Exit(1)
	}

	log.Info("Migrations completed successfully")
}
