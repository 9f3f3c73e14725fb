package netting

import (
	"fmt"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// Ledger accounts used by batch accounting entries.
const (
	AccountCashBank            = "Cash/Bank"
	AccountForeignCurrencyHeld = "Foreign-Currency-Held"
	AccountExchangeGain        = "Exchange-Gain"
	AccountExchangeLoss        = "Exchange-Loss"
	AccountNettingClearing     = "Netting-Clearing"
)

const (
	currencyPEN = "PEN"
	currencyUSD = "USD"
)

// GenerateAccountingEntry builds the ordered ledger lines for a batch from its totals.
//
// Lines follow a fixed order: cash received from sells, cash paid for buys, USD bought,
// USD sold, then the exchange result. When the operation-level amounts do not net out
// against the match-level profit, the residual is posted to the clearing account so the
// entry always balances. Zero totals produce an empty entry.
func GenerateAccountingEntry(t Totals) []LedgerLine {
	lines := make([]LedgerLine, 0, 6)
	if t.TotalSellsPEN.IsPositive() {
		lines = append(lines, debitLine(AccountCashBank, t.TotalSellsPEN,
			"Cash received for USD sold "+formatAmount(t.TotalSellsPEN, currencyPEN)))
	}
	if t.TotalBuysPEN.IsPositive() {
		lines = append(lines, creditLine(AccountCashBank, t.TotalBuysPEN,
			"Cash paid for USD bought "+formatAmount(t.TotalBuysPEN, currencyPEN)))
	}
	if t.TotalBuysUSD.IsPositive() {
		lines = append(lines, debitLine(AccountForeignCurrencyHeld, t.TotalBuysUSD,
			"USD bought "+formatAmount(t.TotalBuysUSD, currencyUSD)))
	}
	if t.TotalSellsUSD.IsPositive() {
		lines = append(lines, creditLine(AccountForeignCurrencyHeld, t.TotalSellsUSD,
			"USD sold "+formatAmount(t.TotalSellsUSD, currencyUSD)))
	}
	switch {
	case t.TotalProfitPEN.IsPositive():
		lines = append(lines, creditLine(AccountExchangeGain, t.TotalProfitPEN,
			"Exchange gain "+formatAmount(t.TotalProfitPEN, currencyPEN)))
	case t.TotalProfitPEN.IsNegative():
		loss := t.TotalProfitPEN.Abs()
		lines = append(lines, debitLine(AccountExchangeLoss, loss,
			"Exchange loss "+formatAmount(loss, currencyPEN)))
	}

	debit, credit := EntryTotals(lines)
	switch residual := debit.Sub(credit); {
	case residual.IsPositive():
		lines = append(lines, creditLine(AccountNettingClearing, residual, "Netting residual"))
	case residual.IsNegative():
		lines = append(lines, debitLine(AccountNettingClearing, residual.Abs(), "Netting residual"))
	}
	return lines
}

// EntryTotals sums debits and credits of the given lines.
func EntryTotals(lines []LedgerLine) (debit, credit decimal.Decimal) {
	debit, credit = decimal.Zero, decimal.Zero
	for _, line := range lines {
		debit = debit.Add(line.Debit)
		credit = credit.Add(line.Credit)
	}
	return debit, credit
}

// ValidateEntry ensures each line is one-sided and non-negative and the entry balances.
func ValidateEntry(lines []LedgerLine) error {
	for idx, line := range lines {
		if line.Account == "" {
			return fmt.Errorf("%w: line %d missing account", ErrUnbalanced, idx)
		}
		if line.Debit.IsNegative() || line.Credit.IsNegative() {
			return fmt.Errorf("%w: line %d negative amount", ErrUnbalanced, idx)
		}
		if line.Debit.IsPositive() && line.Credit.IsPositive() {
			return fmt.Errorf("%w: line %d cannot be both debit and credit", ErrUnbalanced, idx)
		}
	}
	debit, credit := EntryTotals(lines)
	if !debit.Equal(credit) {
		return fmt.Errorf("%w: debit %s credit %s", ErrUnbalanced, debit.StringFixed(2), credit.StringFixed(2))
	}
	return nil
}

func debitLine(account string, amount decimal.Decimal, memo string) LedgerLine {
	return LedgerLine{Account: account, Debit: amount, Credit: decimal.Zero, Memo: memo}
}

func creditLine(account string, amount decimal.Decimal, memo string) LedgerLine {
	return LedgerLine{Account: account, Debit: decimal.Zero, Credit: amount, Memo: memo}
}

// formatAmount renders amount in the currency's display format, e.g. "$1,000.00".
func formatAmount(amount decimal.Decimal, code string) string {
	cur := money.GetCurrency(code)
	if cur == nil {
		return amount.StringFixed(2) + " " + code
	}
	minor := amount.Shift(int32(cur.Fraction)).Round(0).IntPart()
	return money.New(minor, code).Display()
}
