package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/vitos/cycle_trader/internal/domain"
	"github.com/vitos/cycle_trader/internal/infrastructure/journal"
	"github.com/vitos/cycle_trader/internal/infrastructure/storage"
)

type tradeLister interface {
	ListTrades(ctx context.Context, limit int) ([]*domain.TradeRecord, error)
}

func main() {
	dbPath := flag.String("db", "cycle.db", "sqlite database; ignored when -postgres is set")
	usePostgres := flag.Bool("postgres", false, "read trades from DATABASE_URL")
	logDir := flag.String("journal", "logs", "advisory journal directory")
	limit := flag.Int("limit", 1000, "number of recent trades to analyze")
	flag.Parse()

	_ = godotenv.Load()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var trades tradeLister
	if *usePostgres {
		pool, err := pgxpool.New(ctx, os.Getenv("DATABASE_URL"))
		if err != nil {
			fmt.Printf("Error connecting to postgres: %v\n", err)
			os.Exit(1)
		}
		defer pool.Close()
		trades = storage.NewPostgresStore(pool)
	} else {
		st, err := storage.NewSQLiteStore(*dbPath)
		if err != nil {
			fmt.Printf("Error opening %s: %v\n", *dbPath, err)
			os.Exit(1)
		}
		defer st.Close()
		trades = st
	}

	records, err := trades.ListTrades(ctx, *limit)
	if err != nil {
		fmt.Printf("Error listing trades: %v\n", err)
		os.Exit(1)
	}
	printTrades(records)

	if err := analyzeJournal(*logDir); err != nil {
		fmt.Printf("Journal: %v\n", err)
	}
}

func printTrades(records []*domain.TradeRecord) {
	if len(records) == 0 {
		fmt.Println("No completed cycles.")
		return
	}

	fmt.Printf("%-20s %-12s %-12s %-12s %-10s %-12s %s\n", "CLOSED", "BUY", "SELL", "QTY", "FEES", "PROFIT", "HELD")
	fmt.Println(strings.Repeat("-", 96))
	for _, r := range records {
		degraded := ""
		if r.CostBasisDegraded {
			degraded = " (est. basis)"
		}
		fmt.Printf("%-20s %-12s %-12s %-12s %-10s %-12s %s%s\n",
			r.ClosedAt.Format("2006-01-02 15:04:05"),
			r.BuyPrice.String(),
			r.SellPrice.String(),
			r.SellQuantity.String(),
			r.FeePaid.StringFixed(4),
			r.RealizedProfit.StringFixed(4),
			r.ClosedAt.Sub(r.OpenedAt).Round(time.Minute),
			degraded,
		)
	}

	s := domain.Summarize(records)
	winRate := 0.0
	if s.Trades > 0 {
		winRate = float64(s.Wins) / float64(s.Trades) * 100
	}
	fmt.Println(strings.Repeat("-", 96))
	fmt.Printf("Cycles: %d  Wins: %d (%.1f%%)  Profit: %s  Fees: %s  Volume: %s\n",
		s.Trades, s.Wins, winRate, s.RealizedProfit.StringFixed(4), s.FeesPaid.StringFixed(4), s.Volume.StringFixed(2))
}

// analyzeJournal counts advisory outcomes and rejections in the latest
// journal file.
func analyzeJournal(dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "advisory_*.jsonl"))
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no journal files in %s", dir)
	}
	sort.Strings(files)
	latest := files[len(files)-1]

	f, err := os.Open(latest)
	if err != nil {
		return err
	}
	defer f.Close()

	kinds := make(map[domain.AdvisoryKind]int)
	rejections := make(map[string]int)
	var latency time.Duration
	var answered int

	decoder := json.NewDecoder(f)
	for decoder.More() {
		var e journal.Entry
		if err := decoder.Decode(&e); err != nil {
			return fmt.Errorf("decode %s: %w", latest, err)
		}
		switch {
		case e.Advisory != nil:
			kinds[e.Advisory.Kind]++
			if e.Advisory.Kind != domain.AdvisorySkipped {
				latency += e.Advisory.Latency
				answered++
			}
		case e.Rejection != nil:
			rejections[string(e.Rejection.Side)]++
		}
	}

	fmt.Printf("\nJournal %s\n", filepath.Base(latest))
	for _, k := range []domain.AdvisoryKind{domain.AdvisoryValid, domain.AdvisoryInvalid, domain.AdvisoryTimeout, domain.AdvisorySkipped} {
		fmt.Printf("  advisory %-8s %d\n", k, kinds[k])
	}
	if answered > 0 {
		fmt.Printf("  mean latency     %s\n", (latency / time.Duration(answered)).Round(time.Millisecond))
	}
	fmt.Printf("  rejected buys    %d\n  rejected sells   %d\n", rejections[string(domain.SideBuy)], rejections[string(domain.SideSell)])
	return nil
}
