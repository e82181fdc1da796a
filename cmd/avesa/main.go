// Package main is the avesa binary: operator CLI and pipeline server.
package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/avesa-io/avesa/internal/cli"
)

func main() {
	// Load .env files if present (for local development)
	// Note: Load() won't overwrite existing vars, Overload() will
	_ = godotenv.Load()
	_ = godotenv.Overload(".env.local")

	os.Exit(cli.Execute())
}
