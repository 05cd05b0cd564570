// Package main is a repair tool for dirty migration state. Dirty state occurs when
// golang-migrate marks a version as in progress and the process is interrupted
// before it completes. This tool forces the recorded version so the runner can
// retry cleanly on the next server start.
//
// Usage: fix-migration [version]
// Without an argument the current version is kept and only the dirty flag cleared.
package main

import (
	"log"
	"os"
	"strconv"

	"github.com/laasy/corptravel/internal/config"
	"github.com/laasy/corptravel/internal/db"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.Connect(cfg.Database.GetDSN(), 2, 1)
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

	if err := db.ForceMigrationVersion(database, target); err != nil {
		log.Fatalf("Failed to force migration version: %v", err)
	}

	version, dirty, err = db.GetMigrationVersion(database)
	if err != nil {
		log.Fatalf("Failed to check final migration state: %v", err)
	}
	log.Printf("Final migration state: version=%d, dirty=%v", version, dirty)
}
