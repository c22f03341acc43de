// Package main is a repair tool for dirty migration state in the console
// database. Dirty state occurs when golang-migrate marks a version as in
// progress but the run was interrupted before it completed. After the partial
// migration has been repaired by hand, this tool clears the dirty flag so the
// server can start and retry cleanly.
//
// Usage:
//
//	fix-migration            clear the dirty flag at the current version
//	fix-migration <version>  record <version> as applied and clear the flag
package main

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/mlplatform/console-backend/internal/config"
	"github.com/mlplatform/console-backend/internal/db"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.Connect(cfg.Database.GetDSN(), 1, 1, 10*time.Second)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	version, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		log.Fatalf("Failed to check migration state: %v", err)
	}
	log.Printf("Current migration state: version=%d, dirty=%v", version, dirty)

	target := int(version)
	if len(os.Args) > 1 {
		target, err = strconv.Atoi(os.Args[1])
		if err != nil || target < 0 {
			log.Fatalf("Invalid version %q", os.Args[1])
		}
	} else if !dirty {
		log.Println("Migration state is already clean")
		return
	}

	if err := db.ForceVersion(database, target); err != nil {
		log.Fatalf("Failed to fix migration state: %v", err)
	}

	version, dirty, err = db.GetMigrationVersion(database)
	if err != nil {
		log.Fatalf("Failed to check final migration state: %v", err)
	}
	log.Printf("Final migration state: version=%d, dirty=%v", version, dirty)
}
