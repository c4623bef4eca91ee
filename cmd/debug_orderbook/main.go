package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/vitos/cycle_trader/internal/infrastructure/exchange"
	"github.com/vitos/cycle_trader/internal/usecase"
	"go.uber.org/zap"
)

// debug_orderbook prints the market snapshot the advisor would be given.
func main() {
	symbol := flag.String("symbol", "TRUMPUSDC", "spot symbol")
	depth := flag.Int("depth", 10, "order book depth")
	full := flag.Bool("json", false, "dump the whole snapshot as JSON")
	flag.Parse()

	_ = godotenv.Load()
	apiKey := os.Getenv("BINANCE_API_KEY")
	if apiKey == "" {
		fmt.Println("No API keys provided, using public endpoints only")
	}

	adapter := exchange.NewBinanceAdapter(exchange.BinanceConfig{
		APIKey:    apiKey,
		APISecret: os.Getenv("BINANCE_API_SECRET"),
		Symbol:    *symbol,
	}, zap.NewNop())
	market := usecase.NewMarketService(adapter, *symbol, usecase.MarketConfig{BookDepth: *depth})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	fmt.Printf("Fetching snapshot for %s...\n", *symbol)
	snap, err := market.Snapshot(ctx)
	if err != nil {
		log.Fatalf("Error fetching snapshot: %v", err)
	}

	if *full {
		out, _ := json.MarshalIndent(snap, "", "  ")
		fmt.Println(string(out))
		return
	}

	fmt.Printf("Price: %s  Candles: %d\n", snap.Price, len(snap.Candles))
	fmt.Printf("Order Book: %d Bids, %d Asks, imbalance %.4f\n", len(snap.Bids), len(snap.Asks), snap.Imbalance)
	if len(snap.Bids) > 0 {
		fmt.Printf("Best Bid: %s (Size: %s)\n", snap.Bids[0].Price, snap.Bids[0].Quantity)
	}
	if len(snap.Asks) > 0 {
		fmt.Printf("Best Ask: %s (Size: %s)\n", snap.Asks[0].Price, snap.Asks[0].Quantity)
	}
	fmt.Printf("Volatility: %.6f\n", snap.VolatilitySpread)

	ind, _ := json.Marshal(snap.Indicators)
	fmt.Printf("Indicators: %s\n", ind)
}
