package main

import (
	"io/fs"
	"os"

	"github.com/joho/godotenv"

	"oaiharvest/db/migrations"
)

// loadEnvFiles never overrides variables already set by the runtime.
func loadEnvFiles() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")
}

func migrationsDir() string {
	if v := os.Getenv("MIGRATIONS_DIR"); v != "" {
		return v
	}
	return "db/migrations"
}

// migrationSource prefers the migrations compiled into the binary. An
// explicit MIGRATIONS_DIR reads from disk instead.
func migrationSource() (fs.FS, string) {
	if os.Getenv("MIGRATIONS_DIR") != "" {
		return nil, migrationsDir()
	}
	return migrations.Files, "."
}
