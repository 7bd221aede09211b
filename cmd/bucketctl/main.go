package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"BucketLender/internal/config"
	"BucketLender/internal/lender"
	"BucketLender/internal/observability"
	"BucketLender/internal/persistence"
	"BucketLender/internal/projection"
	"BucketLender/internal/query"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
)

func usage() {
	fmt.Println("Usage: bucketctl <inspect|verify|rebuild>")
	fmt.Println("  inspect - print the buckets of the latest verified snapshot")
	fmt.Println("  verify  - check the hash chain, holder balances and journal replay")
	fmt.Println("  rebuild - rebuild projection tables from the event log")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	_ = godotenv.Load()
	logger := observability.NewLogger("bucketctl")

	proc := config.LoadProcess()
	db, err := sql.Open("postgres", proc.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	switch os.Args[1] {
	case "inspect":
		snap, err := persistence.NewSnapshotManager(db).LoadLatestSnapshot(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("load snapshot")
		}
		if snap == nil {
			fmt.Println("no verified snapshot")
			return
		}
		fmt.Printf("snapshot at sequence %d (%s), state hash %s\n\n", snap.Sequence, snap.CreatedAt.Format(time.RFC3339), snap.StateHash.Hex())
		printBuckets(snap.Lender)

	case "verify":
		report, err := query.NewQueryService(db).VerifyIntegrity(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("verify integrity")
		}
		fmt.Printf("events: %d, projection lag: %d, healthy: %v\n", report.EventCount, report.ProjectionLag, report.IsHealthy)
		if !report.IsHealthy {
			table := tablewriter.NewWriter(os.Stdout)
			table.Header("Problem", "Detail")
			for _, seq := range report.HashChainBreaks {
				table.Append("hash chain break", fmt.Sprintf("sequence %d", seq))
			}
			for _, n := range report.NegativeAccounts {
				table.Append("negative balance", fmt.Sprintf("%s %s %s", n.Account, n.Token, n.Balance))
			}
			if report.JournalReplayBreak != nil {
				table.Append("journal overdraft", fmt.Sprintf("sequence %d", *report.JournalReplayBreak))
			}
			table.Render()
			os.Exit(2)
		}

	case "rebuild":
		if err := projection.Rebuild(ctx, db); err != nil {
			logger.Fatal().Err(err).Msg("rebuild projections")
		}
		logger.Info().Msg("projections rebuilt")

	default:
		usage()
		os.Exit(1)
	}
}

// printBuckets renders each bucket with its share of the pool.
func printBuckets(s lender.State) {
	total := decimal.Zero
	for _, b := range s.Buckets {
		total = total.Add(dec(b.Available)).Add(dec(b.Principal))
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Bucket", "Available", "Principal", "Weight", "Pool Share %")
	for _, b := range s.Buckets {
		share := decimal.Zero
		if total.IsPositive() {
			share = dec(b.Available).Add(dec(b.Principal)).Div(total).Mul(decimal.NewFromInt(100))
		}
		table.Append(fmt.Sprint(b.Index), b.Available, b.Principal, b.TotalWeight, share.StringFixed(2))
	}
	table.Render()

	fmt.Printf("\navailable %s, principal %s, cached repaid %s, critical bucket %d, force closed %v\n",
		s.AvailableTotal, s.PrincipalTotal, s.CachedRepaid, s.CriticalBucket, s.WasForceClosed)
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
