// Package main is a diagnostic tool for the console database. It connects with
// the server's configuration, prints the schema version and runs the read-only
// integrity scan, writing the findings to stdout. Nothing is recorded or alerted.
// The binary exits non-zero when the database is unreachable or any check could
// not run, so it can gate deployments.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mlplatform/console-backend/internal/config"
	"github.com/mlplatform/console-backend/internal/db"
	"github.com/mlplatform/console-backend/internal/db/repositories"
	"github.com/mlplatform/console-backend/internal/jobs"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.Connect(cfg.Database.GetDSN(), 2, 1, 10*time.Second)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer database.Close()

	fmt.Println("=== SCHEMA ===")
	version, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		log.Fatalf("Failed to read migration version: %v", err)
	}
	fmt.Printf("Version: %d (dirty: %v)\n", version, dirty)

	sqlxDB := sqlx.NewDb(database, "postgres")
	checker := jobs.NewIntegrityChecker(
		repositories.NewClusterRepository(sqlxDB),
		repositories.NewAssignmentRepository(sqlxDB),
		repositories.NewUserRepository(database),
		nil, nil, nil,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	report := checker.Scan(ctx)

	fmt.Println("\n=== INTEGRITY ===")
	if len(report.Findings) == 0 {
		fmt.Println("No findings.")
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, f := range report.Findings {
		if err := enc.Encode(f); err != nil {
			log.Printf("Warning: failed to encode finding: %v", err)
		}
	}

	if len(report.Errors) > 0 {
		for _, e := range report.Errors {
			fmt.Fprintf(os.Stderr, "check failed: %s\n", e)
		}
		os.Exit(1)
	}
}
