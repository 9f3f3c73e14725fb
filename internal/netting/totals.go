package netting

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ComputeTotals aggregates the active matches of a batch.
//
// Operation amounts are taken in full and counted once per distinct operation even when
// the operation is split across several matches. Profit is summed per match and the
// average rates are unweighted means over the active matches.
func ComputeTotals(matches []Match, ops map[int64]Operation) (Totals, error) {
	totals := Totals{
		TotalBuysUSD:   decimal.Zero,
		TotalBuysPEN:   decimal.Zero,
		TotalSellsUSD:  decimal.Zero,
		TotalSellsPEN:  decimal.Zero,
		DifferenceUSD:  decimal.Zero,
		TotalProfitPEN: decimal.Zero,
		AvgBuyRate:     decimal.Zero,
		AvgSellRate:    decimal.Zero,
	}
	seenBuy := make(map[int64]struct{})
	seenSell := make(map[int64]struct{})
	sumBuyRate := decimal.Zero
	sumSellRate := decimal.Zero
	for _, m := range matches {
		if !m.IsActive() {
			continue
		}
		totals.NumMatches++
		totals.TotalProfitPEN = totals.TotalProfitPEN.Add(m.ProfitPEN)
		sumBuyRate = sumBuyRate.Add(m.BuyExchangeRate)
		sumSellRate = sumSellRate.Add(m.SellExchangeRate)

		if _, ok := seenBuy[m.BuyOperationID]; !ok {
			op, found := ops[m.BuyOperationID]
			if !found {
				return Totals{}, fmt.Errorf("%w: buy operation %d of match %d", ErrOperationNotFound, m.BuyOperationID, m.ID)
			}
			seenBuy[m.BuyOperationID] = struct{}{}
			totals.TotalBuysUSD = totals.TotalBuysUSD.Add(op.AmountUSD)
			totals.TotalBuysPEN = totals.TotalBuysPEN.Add(op.AmountPEN)
		}
		if _, ok := seenSell[m.SellOperationID]; !ok {
			op, found := ops[m.SellOperationID]
			if !found {
				return Totals{}, fmt.Errorf("%w: sell operation %d of match %d", ErrOperationNotFound, m.SellOperationID, m.ID)
			}
			seenSell[m.SellOperationID] = struct{}{}
			totals.TotalSellsUSD = totals.TotalSellsUSD.Add(op.AmountUSD)
			totals.TotalSellsPEN = totals.TotalSellsPEN.Add(op.AmountPEN)
		}
	}
	totals.NumBuyOperations = len(seenBuy)
	totals.NumSellOperations = len(seenSell)
	totals.DifferenceUSD = totals.TotalSellsUSD.Sub(totals.TotalBuysUSD)
	if totals.NumMatches > 0 {
		n := decimal.NewFromInt(int64(totals.NumMatches))
		totals.AvgBuyRate = sumBuyRate.DivRound(n, avgRateScale)
		totals.AvgSellRate = sumSellRate.DivRound(n, avgRateScale)
	}
	return totals, nil
}

// operationIDs returns the distinct operation ids referenced by the active matches.
func operationIDs(matches []Match) []int64 {
	seen := make(map[int64]struct{})
	var ids []int64
	for _, m := range matches {
		if !m.IsActive() {
			continue
		}
		for _, id := range []int64{m.BuyOperationID, m.SellOperationID} {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}
