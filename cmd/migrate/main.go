// Command migrate applies the telemetry schema migrations with goose.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

func main() {
	_ = godotenv.Load()

	var (
		dir     string
		command string
		dbURL   string
	)
	flag.StringVar(&dir, "dir", "migrations/sql", "Directory with migration files")
	flag.StringVar(&command, "command", "up", "Goose command (up|down|status|version)")
	flag.StringVar(&dbURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection string")
	flag.Parse()

	if dbURL == "" {
		log.Fatal("database URL required: set DATABASE_URL or pass -database-url")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatalf("set dialect: %v", err)
	}

	switch strings.ToLower(strings.TrimSpace(command)) {
	case "up":
		err = goose.Up(db, dir)
	case "down":
		err = goose.Down(db, dir)
	case "status":
		err = goose.Status(db, dir)
	case "version":
		err = goose.Version(db, dir)
	default:
		err = fmt.Errorf("unsupported command %q (expected up, down, status, or version)", command)
	}
	if err != nil {
		log.Fatalf("migration command failed: %v", err)
	}
}
