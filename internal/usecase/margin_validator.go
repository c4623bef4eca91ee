package usecase

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/vitos/cycle_trader/internal/domain"
)

// MarginValidator decides whether a sell price is profitable net of fees.
// It has no state beyond its parameters and never adjusts a price.
type MarginValidator struct {
	feeRate decimal.Decimal
	// epsilon is the minimum absolute profit in quote currency.
	epsilon decimal.Decimal
	// degradedWidening is added to the margin as a fraction of cost basis
	// when the cost basis could not be recovered reliably.
	degradedWidening decimal.Decimal
}

func NewMarginValidator(feeRate, epsilon, degradedWidening decimal.Decimal) (*MarginValidator, error) {
	if feeRate.IsNegative() || feeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("fee rate must be in [0,1), got %s", feeRate)
	}
	if !epsilon.IsPositive() {
		return nil, fmt.Errorf("profit epsilon must be positive, got %s", epsilon)
	}
	if degradedWidening.IsNegative() {
		return nil, fmt.Errorf("degraded margin must not be negative, got %s", degradedWidening)
	}
	return &MarginValidator{
		feeRate:          feeRate,
		epsilon:          epsilon,
		degradedWidening: degradedWidening,
	}, nil
}

func (v *MarginValidator) FeeRate() decimal.Decimal {
	return v.feeRate
}

// netFactor is the share of gross proceeds left after the sell fee.
func (v *MarginValidator) netFactor() decimal.Decimal {
	return decimal.NewFromInt(1).Sub(v.feeRate)
}

// Breakeven is the price at which proceeds after the sell fee equal costBasis.
func (v *MarginValidator) Breakeven(costBasis, qty decimal.Decimal) decimal.Decimal {
	if !qty.IsPositive() {
		return decimal.Zero
	}
	return costBasis.Div(qty.Mul(v.netFactor()))
}

// RequiredProfit is the absolute margin a sell of pos must clear.
func (v *MarginValidator) RequiredProfit(pos *domain.Position) decimal.Decimal {
	margin := v.epsilon
	if pos.Degraded() {
		margin = margin.Add(pos.CostBasis.Mul(v.degradedWidening))
	}
	return margin
}

// MinSellPrice is the lowest price Validate accepts for pos.
func (v *MarginValidator) MinSellPrice(pos *domain.Position) decimal.Decimal {
	if pos == nil || !pos.Quantity.IsPositive() {
		return decimal.Zero
	}
	return pos.CostBasis.Add(v.RequiredProfit(pos)).Div(pos.Quantity.Mul(v.netFactor()))
}

// Validate accepts price iff price*q*(1-f) >= costBasis + margin.
func (v *MarginValidator) Validate(pos *domain.Position, price decimal.Decimal) error {
	if pos == nil || !pos.Quantity.IsPositive() {
		return fmt.Errorf("validate sell price: %w", domain.ErrIllegalTransition)
	}
	net := price.Mul(pos.Quantity).Mul(v.netFactor())
	if net.LessThan(pos.CostBasis.Add(v.RequiredProfit(pos))) {
		return &domain.MarginViolation{Proposed: price, Minimum: v.MinSellPrice(pos)}
	}
	return nil
}

// ExpectedProfit is the realized profit of selling pos at price.
func (v *MarginValidator) ExpectedProfit(pos *domain.Position, price decimal.Decimal) decimal.Decimal {
	return price.Mul(pos.Quantity).Mul(v.netFactor()).Sub(pos.CostBasis)
}

// FallbackSellPrice is the deterministic sell price used when no acceptable
// proposal exists: the minimum price widened by spread and rounded up to
// the tick. It always passes Validate.
func (v *MarginValidator) FallbackSellPrice(pos *domain.Position, spread decimal.Decimal, rules domain.SymbolRules) decimal.Decimal {
	if spread.IsNegative() {
		spread = decimal.Zero
	}
	price := v.MinSellPrice(pos).Mul(decimal.NewFromInt(1).Add(spread))
	if !rules.TickSize.IsPositive() {
		return price.RoundCeil(8)
	}
	return rules.RoundPriceUp(price)
}
