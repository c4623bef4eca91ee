package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/shopspring/decimal"
	"github.com/vitos/cycle_trader/internal/domain"
	"github.com/vitos/cycle_trader/internal/usecase"
)

// test_margin checks a sell price against a position offline, with the
// same validator the bot uses.
func main() {
	qty := flag.String("qty", "0.25", "position quantity")
	cost := flag.String("cost", "10.01", "cost basis in quote, buy fee included")
	price := flag.String("price", "", "candidate sell price")
	feeRate := flag.String("fee", "0.001", "fee rate per side")
	epsilon := flag.String("epsilon", "0.01", "minimum profit in quote")
	widening := flag.String("degraded", "0.005", "extra margin for an estimated cost basis")
	degraded := flag.Bool("estimated", false, "treat the cost basis as estimated")
	flag.Parse()

	v, err := usecase.NewMarginValidator(mustDecimal(*feeRate), mustDecimal(*epsilon), mustDecimal(*widening))
	if err != nil {
		log.Fatal(err)
	}

	pos := &domain.Position{
		Quantity:  mustDecimal(*qty),
		CostBasis: mustDecimal(*cost),
		Source:    domain.CostBasisFill,
	}
	if *degraded {
		pos.Source = domain.CostBasisDegraded
	}

	fmt.Printf("Breakeven:       %s\n", v.Breakeven(pos.CostBasis, pos.Quantity).StringFixed(8))
	fmt.Printf("Required profit: %s\n", v.RequiredProfit(pos).StringFixed(8))
	fmt.Printf("Min sell price:  %s\n", v.MinSellPrice(pos).StringFixed(8))

	if *price == "" {
		return
	}
	p := mustDecimal(*price)
	fmt.Printf("Expected profit at %s: %s\n", p, v.ExpectedProfit(pos, p).StringFixed(8))
	if err := v.Validate(pos, p); err != nil {
		fmt.Printf("❌ %v\n", err)
		return
	}
	fmt.Println("✅ Sell price accepted")
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		log.Fatalf("invalid number %q: %v", s, err)
	}
	return d
}
