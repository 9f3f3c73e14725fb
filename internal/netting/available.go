package netting

import "github.com/shopspring/decimal"

const (
	profitScale     = 2
	percentageScale = 4
	avgRateScale    = 6
)

var hundred = decimal.NewFromInt(100)

// ComputeAvailable derives the unmatched USD amount of op from its active matched sums.
// An operation only ever appears on one leg, so the larger sum is the consumed amount.
func ComputeAvailable(op Operation, sums MatchedSums) AvailableAmount {
	matched := decimal.Max(sums.AsBuy, sums.AsSell)
	available := op.AmountUSD.Sub(matched)
	if available.IsNegative() {
		available = decimal.Zero
	}
	leg := LegBuy
	if op.Type == OperationTypeSell {
		leg = LegSell
	}
	return AvailableAmount{
		OperationID: op.ID,
		Leg:         leg,
		AmountUSD:   op.AmountUSD,
		MatchedUSD:  matched,
		Available:   available,
	}
}

// ComputeProfit returns the PEN profit and percentage margin of matching amount USD
// bought at buyRate and sold at sellRate.
func ComputeProfit(buyRate, sellRate, amount decimal.Decimal) (profitPEN, percentage decimal.Decimal) {
	spread := sellRate.Sub(buyRate)
	profitPEN = spread.Mul(amount).Round(profitScale)
	if buyRate.IsZero() {
		return profitPEN, decimal.Zero
	}
	percentage = spread.Mul(hundred).DivRound(buyRate, percentageScale)
	return profitPEN, percentage
}

// checkLegs enforces operation type, status and availability for a new match, in that order.
func checkLegs(buy, sell Operation, buyAvail, sellAvail AvailableAmount, amount decimal.Decimal) error {
	if buy.Type != OperationTypeBuy || sell.Type != OperationTypeSell {
		return ErrLegMismatch
	}
	if buy.Status != OperationStatusCompleted || sell.Status != OperationStatusCompleted {
		return ErrOperationNotCompleted
	}
	if amount.GreaterThan(buyAvail.Available) {
		return &InsufficientAvailableError{Side: LegBuy, OperationID: buy.ID, Available: buyAvail.Available, Requested: amount}
	}
	if amount.GreaterThan(sellAvail.Available) {
		return &InsufficientAvailableError{Side: LegSell, OperationID: sell.ID, Available: sellAvail.Available, Requested: amount}
	}
	return nil
}
