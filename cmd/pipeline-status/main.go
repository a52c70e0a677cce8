// Command pipeline-status reports projection pipeline freshness per org.
//
// Purpose:
//   Reads the event queue watermarks and prints structured per-org
//   indicators (queue depth, oldest pending event, lag, freshness state)
//   in JSON format for tooling consumption.
//
// Usage:
//   pipeline-status [flags]
//
// Flags:
//   --database-url URL    Postgres connection string (default: $DATABASE_URL)
//   --org ID              Report a single org only
//   --json                Output JSON format (default)
//   --human               Output human-readable format
//   --timeout SECONDS     Query timeout (default: 5)
//
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/agent-telemetry/internal/freshness"
	"github.com/otherjamesbrown/agent-telemetry/internal/storage/postgres"
)

// StatusOutput is the top-level report: one indicator per org plus the
// worst state seen, so callers can alert on a single field.
type StatusOutput struct {
	Timestamp string                 `json:"timestamp"`
	Orgs      []*freshness.Indicator `json:"orgs"`
	Overall   string                 `json:"overall"` // fresh, stale, delayed
}

var (
	databaseURL string
	orgFilter   string
	jsonOutput  bool
	humanOutput bool
	timeout     int
)

var rootCmd = &cobra.Command{
	Use:   "pipeline-status",
	Short: "Check projection pipeline freshness per org",
	Long: `Check queue depth and projection lag for every org with queue history.

Exits non-zero when any org is delayed, so the command can gate deploys and
back alerting scripts.`,
	RunE: runStatus,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "Postgres connection string (default: $DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&orgFilter, "org", "", "Report a single org only")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", true, "Output JSON format")
	rootCmd.PersistentFlags().BoolVar(&humanOutput, "human", false, "Output human-readable format")
	rootCmd.PersistentFlags().IntVar(&timeout, "timeout", 5, "Query timeout in seconds")
}

func runStatus(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		return errors.New("database URL required: set DATABASE_URL or pass --database-url")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer pool.Close()

	store := postgres.NewStoreFromPool(pool)

	var orgs []*freshness.Indicator
	if orgFilter != "" {
		ind, err := store.PipelineIndicator(ctx, orgFilter)
		if err != nil {
			return fmt.Errorf("read pipeline indicator: %w", err)
		}
		orgs = []*freshness.Indicator{ind}
	} else {
		orgs, err = store.PipelineIndicators(ctx)
		if err != nil {
			return fmt.Errorf("read pipeline indicators: %w", err)
		}
	}

	output := StatusOutput{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Orgs:      orgs,
		Overall:   overallStatus(orgs),
	}

	if humanOutput {
		printHumanOutput(output)
	} else {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(output); err != nil {
			return fmt.Errorf("encode JSON: %w", err)
		}
	}

	// Exit with non-zero if any org has fallen behind
	if output.Overall == freshness.StatusDelayed {
		os.Exit(1)
	}

	return nil
}

// overallStatus rolls the per-org indicators up to the worst state seen.
// An empty queue reports fresh.
func overallStatus(orgs []*freshness.Indicator) string {
	overall := freshness.StatusFresh
	for _, ind := range orgs {
		switch ind.Status {
		case freshness.StatusDelayed:
			return freshness.StatusDelayed
		case freshness.StatusStale:
			overall = freshness.StatusStale
		}
	}
	return overall
}

func printHumanOutput(output StatusOutput) {
	fmt.Printf("Projection Pipeline Status\n")
	fmt.Printf("Timestamp: %s\n", output.Timestamp)
	fmt.Printf("Overall: %s\n\n", output.Overall)

	if len(output.Orgs) == 0 {
		fmt.Printf("No orgs with queue history.\n")
		return
	}

	fmt.Printf("Orgs:\n")
	for _, ind := range output.Orgs {
		statusIcon := "✓"
		if ind.Status != freshness.StatusFresh {
			statusIcon = "✗"
		}
		fmt.Printf("  %s %s: %s (depth %d, lag %ds)\n", statusIcon, ind.OrgID, ind.Status, ind.QueueDepth, ind.LagSeconds)
		if ind.OldestPendingAt != nil {
			fmt.Printf("      oldest pending: %s\n", ind.OldestPendingAt.UTC().Format(time.RFC3339))
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
