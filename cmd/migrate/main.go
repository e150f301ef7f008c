package main

import (
	"context"
	"flag"
	"log"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/quatton/qbatch/pkg/db"
	"github.com/quatton/qbatch/pkg/qlog"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("ℹ No .env file found")
	} else {
		log.Println("✓ Loaded .env file")
	}

	flag.Parse()
	direction := flag.Arg(0)
	if direction == "" {
		direction = "up"
	}

	ctx := context.Background()
	logger := qlog.NewDefault()

	var cfg db.Config
	if err := envconfig.Process("DB", &cfg); err != nil {
		log.Fatalf("failed to process env vars: %v", err)
	}

	database, err := db.New(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer database.Close()

	switch direction {
	case "up":
		logger.Info("running migrations", "database", cfg.Database, "host", cfg.Host)
		err = db.Migrate(ctx, database, logger)
	case "down":
		logger.Info("rolling back last migration group", "database", cfg.Database, "host", cfg.Host)
		err = db.Rollback(ctx, database, logger)
	default:
		log.Fatalf("unknown direction %q (want up or down)", direction)
	}
	if err != nil {
		logger.Fatal("migration failed", "error", err)
	}
}
