package usecase_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/cycle_trader/internal/domain"
	"github.com/vitos/cycle_trader/internal/usecase"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newValidator(t *testing.T) *usecase.MarginValidator {
	t.Helper()
	v, err := usecase.NewMarginValidator(d("0.001"), d("0.01"), d("0.005"))
	require.NoError(t, err)
	return v
}

func TestMarginValidator_Breakeven(t *testing.T) {
	v := newValidator(t)

	be := v.Breakeven(d("10.00"), d("0.25"))
	assert.Equal(t, "40.0400", be.StringFixed(4))

	// proceeds after the sell fee equal the cost basis at breakeven
	proceeds := be.Mul(d("0.25")).Mul(d("0.999"))
	assert.True(t, proceeds.Sub(d("10")).Abs().LessThan(d("0.0000001")), "proceeds %s", proceeds)
}

func TestMarginValidator_RejectsBelowMinimum(t *testing.T) {
	v := newValidator(t)
	pos := &domain.Position{Quantity: d("0.25"), CostBasis: d("10.00"), Source: domain.CostBasisFill}

	err := v.Validate(pos, d("40.04"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrMarginViolation))

	var mv *domain.MarginViolation
	require.True(t, errors.As(err, &mv))
	assert.True(t, mv.Proposed.Equal(d("40.04")))
	assert.True(t, mv.Minimum.GreaterThan(d("40.04")))

	// breakeven alone is not enough, epsilon must be cleared too
	assert.Error(t, v.Validate(pos, v.Breakeven(pos.CostBasis, pos.Quantity)))

	assert.NoError(t, v.Validate(pos, d("40.09")))
}

func TestMarginValidator_AcceptsIffProfitClearsEpsilon(t *testing.T) {
	v := newValidator(t)
	fee := d("0.001")
	eps := d("0.01")

	costs := []string{"5.005", "10.00", "10.01", "123.456"}
	qtys := []string{"0.01", "0.25", "1", "37.5"}
	multipliers := []string{"0.9", "0.999", "1", "1.001", "1.0015", "1.002", "1.01", "1.5"}

	for _, c := range costs {
		for _, q := range qtys {
			pos := &domain.Position{Quantity: d(q), CostBasis: d(c), Source: domain.CostBasisFill}
			entry := d(c).Div(d(q))
			for _, m := range multipliers {
				price := entry.Mul(d(m)).Round(8)
				want := price.Mul(d(q)).Mul(decimal.NewFromInt(1).Sub(fee)).GreaterThanOrEqual(d(c).Add(eps))
				got := v.Validate(pos, price) == nil
				assert.Equal(t, want, got, "cost=%s qty=%s price=%s", c, q, price)
			}
		}
	}
}

func TestMarginValidator_DegradedWidensMargin(t *testing.T) {
	v := newValidator(t)
	normal := &domain.Position{Quantity: d("0.25"), CostBasis: d("10.00"), Source: domain.CostBasisTradeHistory}
	degraded := &domain.Position{Quantity: d("0.25"), CostBasis: d("10.00"), Source: domain.CostBasisDegraded}

	assert.True(t, v.MinSellPrice(degraded).GreaterThan(v.MinSellPrice(normal)))
	// 0.5% of 10.00 on top of epsilon
	assert.True(t, v.RequiredProfit(degraded).Equal(d("0.06")))

	price := d("40.10")
	assert.NoError(t, v.Validate(normal, price))
	assert.Error(t, v.Validate(degraded, price))
}

func TestMarginValidator_FallbackAlwaysValid(t *testing.T) {
	v := newValidator(t)
	rules := domain.SymbolRules{TickSize: d("0.01"), StepSize: d("0.001")}

	tests := []struct {
		name   string
		pos    *domain.Position
		spread string
	}{
		{"fill", &domain.Position{Quantity: d("0.25"), CostBasis: d("10.00")}, "0"},
		{"spread", &domain.Position{Quantity: d("0.25"), CostBasis: d("10.00")}, "0.004"},
		{"degraded", &domain.Position{Quantity: d("1.337"), CostBasis: d("13.3"), Source: domain.CostBasisDegraded}, "0.002"},
		{"negative spread", &domain.Position{Quantity: d("3"), CostBasis: d("10")}, "-0.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			price := v.FallbackSellPrice(tt.pos, d(tt.spread), rules)
			assert.NoError(t, v.Validate(tt.pos, price))
			assert.True(t, price.Equal(rules.RoundPriceUp(price)), "price %s not on tick", price)
			assert.NoError(t, v.Validate(tt.pos, v.FallbackSellPrice(tt.pos, d(tt.spread), domain.SymbolRules{})))
		})
	}
}

func TestNewMarginValidator_RejectsBadParameters(t *testing.T) {
	_, err := usecase.NewMarginValidator(d("1"), d("0.01"), d("0"))
	assert.Error(t, err)
	_, err = usecase.NewMarginValidator(d("-0.001"), d("0.01"), d("0"))
	assert.Error(t, err)
	_, err = usecase.NewMarginValidator(d("0.001"), d("0"), d("0"))
	assert.Error(t, err)
	_, err = usecase.NewMarginValidator(d("0.001"), d("0.01"), d("-1"))
	assert.Error(t, err)
}
