package netting

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completedOp(id int64, typ OperationType, usd, rate string) Operation {
	amount, r := d(usd), d(rate)
	return Operation{
		ID:           id,
		Type:         typ,
		AmountUSD:    amount,
		AmountPEN:    amount.Mul(r).Round(2),
		ExchangeRate: r,
		ClientID:     100 + id,
		Status:       OperationStatusCompleted,
	}
}

func activeMatch(id, buyID, sellID int64, amount, buyRate, sellRate string) Match {
	profit, pct := ComputeProfit(d(buyRate), d(sellRate), d(amount))
	return Match{
		ID:               id,
		BuyOperationID:   buyID,
		SellOperationID:  sellID,
		MatchedAmountUSD: d(amount),
		BuyExchangeRate:  d(buyRate),
		SellExchangeRate: d(sellRate),
		ProfitPEN:        profit,
		ProfitPercentage: pct,
		Status:           MatchStatusActive,
	}
}

func TestComputeTotalsCountsSplitOperationOnce(t *testing.T) {
	ops := map[int64]Operation{
		1: completedOp(1, OperationTypeBuy, "1000", "3.70"),
		2: completedOp(2, OperationTypeSell, "600", "3.75"),
		3: completedOp(3, OperationTypeSell, "400", "3.76"),
	}
	matches := []Match{
		activeMatch(10, 1, 2, "600", "3.70", "3.75"),
		activeMatch(11, 1, 3, "400", "3.70", "3.76"),
	}

	totals, err := ComputeTotals(matches, ops)
	require.NoError(t, err)
	assert.Equal(t, 2, totals.NumMatches)
	assert.Equal(t, 1, totals.NumBuyOperations)
	assert.Equal(t, 2, totals.NumSellOperations)
	assert.Equal(t, "1000.00", totals.TotalBuysUSD.StringFixed(2))
	assert.Equal(t, "3700.00", totals.TotalBuysPEN.StringFixed(2))
	assert.Equal(t, "1000.00", totals.TotalSellsUSD.StringFixed(2))
	assert.Equal(t, "3754.00", totals.TotalSellsPEN.StringFixed(2))
	assert.True(t, totals.DifferenceUSD.IsZero())
	assert.Equal(t, "54.00", totals.TotalProfitPEN.StringFixed(2))
	assert.Equal(t, "3.700000", totals.AvgBuyRate.StringFixed(6))
	assert.Equal(t, "3.755000", totals.AvgSellRate.StringFixed(6))
}

func TestComputeTotalsSkipsVoidedMatches(t *testing.T) {
	ops := map[int64]Operation{
		1: completedOp(1, OperationTypeBuy, "1000", "3.70"),
		2: completedOp(2, OperationTypeSell, "1000", "3.75"),
	}
	voided := activeMatch(10, 1, 2, "1000", "3.70", "3.75")
	voided.Status = MatchStatusVoided

	totals, err := ComputeTotals([]Match{voided}, ops)
	require.NoError(t, err)
	assert.Zero(t, totals.NumMatches)
	assert.True(t, totals.TotalBuysUSD.IsZero())
	assert.True(t, totals.AvgBuyRate.IsZero())
	assert.Empty(t, GenerateAccountingEntry(totals))
}

func TestComputeTotalsMissingOperation(t *testing.T) {
	_, err := ComputeTotals([]Match{activeMatch(1, 1, 2, "10", "3.7", "3.8")}, map[int64]Operation{})
	require.ErrorIs(t, err, ErrOperationNotFound)
}

func TestComputeTotalsIsDeterministic(t *testing.T) {
	ops := map[int64]Operation{
		1: completedOp(1, OperationTypeBuy, "1000", "3.70"),
		2: completedOp(2, OperationTypeSell, "1000", "3.75"),
	}
	matches := []Match{activeMatch(10, 1, 2, "1000", "3.70", "3.75")}
	first, err := ComputeTotals(matches, ops)
	require.NoError(t, err)
	second, err := ComputeTotals(matches, ops)
	require.NoError(t, err)
	assert.True(t, first.Equal(second))
	assert.Equal(t, GenerateAccountingEntry(first), GenerateAccountingEntry(second))
}

func TestOperationIDsDistinct(t *testing.T) {
	ids := operationIDs([]Match{
		activeMatch(1, 1, 2, "1", "1", "1"),
		activeMatch(2, 1, 3, "1", "1", "1"),
	})
	assert.ElementsMatch(t, []int64{1, 2, 3}, ids)
}
