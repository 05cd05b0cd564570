// Package main is a diagnostic tool for testing database connectivity and
// inspecting live API key data. It loads the server configuration, connects,
// reports the schema version and prints per-key usage in the current rate-limit
// window. It exits non-zero on any failure so it can gate deployment steps.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

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
		log.Fatalf("Failed to connect: %v", err)
	}
	defer database.Close()

	version, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		log.Fatalf("Failed to read migration version: %v", err)
	}
	fmt.Printf("Schema version: %d (dirty: %v)\n", version, dirty)

	window := cfg.Auth.APIKeys.Window
	if window <= 0 {
		window = time.Hour
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Printf("\n=== API KEYS (window %s) ===\n", window)
	rows, err := database.QueryContext(ctx, `
		SELECT k.id, k.app_name, k.is_active, k.rate_limit,
		       (SELECT COUNT(*) FROM api_key_usage u WHERE u.api_key_id = k.id AND u.created_at >= $1)
		FROM api_keys k
		ORDER BY k.id`, time.Now().Add(-window))
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var (
			id, limit, used int
			name            string
			active          bool
		)
		if err := rows.Scan(&id, &name, &active, &limit, &used); err != nil {
			log.Printf("Warning: failed to scan key row: %v", err)
			continue
		}
		fmt.Printf("Key %d: %-30s active=%-5v used=%d/%d\n", id, name, active, used, limit)
		count++
	}
	if err := rows.Err(); err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	if count == 0 {
		fmt.Println("No API keys found; POST /api-keys/bootstrap to create the first one.")
	}

	var ledgerRows int64
	var oldest *time.Time
	if err := database.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(created_at) FROM api_key_usage`).Scan(&ledgerRows, &oldest); err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	fmt.Printf("\nUsage ledger: %d rows", ledgerRows)
	if oldest != nil {
		fmt.Printf(", oldest %s", oldest.UTC().Format(time.RFC3339))
	}
	fmt.Println()
}
