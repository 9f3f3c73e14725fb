package netting

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OperationType enumerates the side of a currency exchange operation.
type OperationType string

const (
	OperationTypeBuy  OperationType = "BUY"
	OperationTypeSell OperationType = "SELL"
)

// OperationStatus mirrors the status column owned by the operations subsystem.
type OperationStatus string

const (
	OperationStatusPending   OperationStatus = "PENDING"
	OperationStatusCompleted OperationStatus = "COMPLETED"
	OperationStatusCancelled OperationStatus = "CANCELLED"
)

// MatchStatus enumerates match lifecycle values.
type MatchStatus string

const (
	MatchStatusActive MatchStatus = "ACTIVE"
	MatchStatusVoided MatchStatus = "VOIDED"
)

// BatchStatus enumerates batch lifecycle values.
type BatchStatus string

const (
	BatchStatusOpen   BatchStatus = "OPEN"
	BatchStatusClosed BatchStatus = "CLOSED"
	BatchStatusVoided BatchStatus = "VOIDED"
)

// Leg identifies the buy or sell side of a match.
type Leg string

const (
	LegBuy  Leg = "buy"
	LegSell Leg = "sell"
)

// Operation is a read-only view of a trade owned by the operations subsystem.
type Operation struct {
	ID           int64
	Type         OperationType
	AmountUSD    decimal.Decimal
	AmountPEN    decimal.Decimal
	ExchangeRate decimal.Decimal
	ClientID     int64
	Status       OperationStatus
	CompletedAt  *time.Time
}

// Match links one buy operation and one sell operation for a partial USD amount.
type Match struct {
	ID               int64           `json:"id"`
	BuyOperationID   int64           `json:"buy_operation_id"`
	SellOperationID  int64           `json:"sell_operation_id"`
	MatchedAmountUSD decimal.Decimal `json:"matched_amount_usd"`
	BuyExchangeRate  decimal.Decimal `json:"buy_exchange_rate"`
	SellExchangeRate decimal.Decimal `json:"sell_exchange_rate"`
	ProfitPEN        decimal.Decimal `json:"profit_pen"`
	ProfitPercentage decimal.Decimal `json:"profit_percentage"`
	Status           MatchStatus     `json:"status"`
	BatchID          *int64          `json:"batch_id,omitempty"`
	Notes            string          `json:"notes,omitempty"`
	CreatedBy        int64           `json:"created_by"`
	CreatedAt        time.Time       `json:"created_at"`
	VoidedBy         *int64          `json:"voided_by,omitempty"`
	VoidedAt         *time.Time      `json:"voided_at,omitempty"`
}

// IsActive reports whether the match still consumes operation amounts.
func (m Match) IsActive() bool {
	return m.Status == MatchStatusActive
}

// AssignBatch links the match to a batch. A match is batched at most once.
func (m *Match) AssignBatch(batchID int64) error {
	if m.Status != MatchStatusActive {
		return ErrMatchNotActive
	}
	if m.BatchID != nil {
		return ErrMatchAlreadyBatched
	}
	if batchID <= 0 {
		return &ValidationError{Field: "batch_id", Reason: "must be positive"}
	}
	id := batchID
	m.BatchID = &id
	return nil
}

// Void moves the match into its terminal state.
func (m *Match) Void(actorID int64, at time.Time) error {
	if m.Status != MatchStatusActive {
		return ErrMatchNotActive
	}
	actor := actorID
	ts := at
	m.Status = MatchStatusVoided
	m.VoidedBy = &actor
	m.VoidedAt = &ts
	return nil
}

// LedgerLine is one row of a batch accounting entry.
type LedgerLine struct {
	Account string          `json:"account"`
	Debit   decimal.Decimal `json:"debit"`
	Credit  decimal.Decimal `json:"credit"`
	Memo    string          `json:"memo"`
}

// Totals are the aggregate figures derived from a batch's active matches.
type Totals struct {
	TotalBuysUSD      decimal.Decimal `json:"total_buys_usd"`
	TotalBuysPEN      decimal.Decimal `json:"total_buys_pen"`
	TotalSellsUSD     decimal.Decimal `json:"total_sells_usd"`
	TotalSellsPEN     decimal.Decimal `json:"total_sells_pen"`
	DifferenceUSD     decimal.Decimal `json:"difference_usd"`
	TotalProfitPEN    decimal.Decimal `json:"total_profit_pen"`
	AvgBuyRate        decimal.Decimal `json:"avg_buy_rate"`
	AvgSellRate       decimal.Decimal `json:"avg_sell_rate"`
	NumMatches        int             `json:"num_matches"`
	NumBuyOperations  int             `json:"num_buy_operations"`
	NumSellOperations int             `json:"num_sell_operations"`
}

// Equal compares two totals value by value.
func (t Totals) Equal(o Totals) bool {
	return t.TotalBuysUSD.Equal(o.TotalBuysUSD) &&
		t.TotalBuysPEN.Equal(o.TotalBuysPEN) &&
		t.TotalSellsUSD.Equal(o.TotalSellsUSD) &&
		t.TotalSellsPEN.Equal(o.TotalSellsPEN) &&
		t.DifferenceUSD.Equal(o.DifferenceUSD) &&
		t.TotalProfitPEN.Equal(o.TotalProfitPEN) &&
		t.AvgBuyRate.Equal(o.AvgBuyRate) &&
		t.AvgSellRate.Equal(o.AvgSellRate) &&
		t.NumMatches == o.NumMatches &&
		t.NumBuyOperations == o.NumBuyOperations &&
		t.NumSellOperations == o.NumSellOperations
}

// Batch groups matches for netting and settlement.
type Batch struct {
	ID              int64        `json:"id"`
	Code            string       `json:"batch_code"`
	EntryRef        uuid.UUID    `json:"entry_ref"`
	Description     string       `json:"description"`
	NettingDate     time.Time    `json:"netting_date"`
	Totals          Totals       `json:"totals"`
	AccountingEntry []LedgerLine `json:"accounting_entry"`
	Status          BatchStatus  `json:"status"`
	Notes           string       `json:"notes,omitempty"`
	CreatedBy       int64        `json:"created_by"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	ClosedBy        *int64       `json:"closed_by,omitempty"`
	ClosedAt        *time.Time   `json:"closed_at,omitempty"`
	VoidedBy        *int64       `json:"voided_by,omitempty"`
	VoidedAt        *time.Time   `json:"voided_at,omitempty"`
	Matches         []Match      `json:"matches,omitempty"`
}

// CanTransition reports whether the batch may move to the target status.
func (b Batch) CanTransition(to BatchStatus) bool {
	if b.Status != BatchStatusOpen {
		return false
	}
	return to == BatchStatusClosed || to == BatchStatusVoided
}

// AvailableAmount describes how much of an operation is still unmatched.
type AvailableAmount struct {
	OperationID int64           `json:"operation_id"`
	Leg         Leg             `json:"leg,omitempty"`
	AmountUSD   decimal.Decimal `json:"amount_usd"`
	MatchedUSD  decimal.Decimal `json:"matched_usd"`
	Available   decimal.Decimal `json:"available_usd"`
}

// MatchedSums holds active matched USD per leg for one operation.
type MatchedSums struct {
	AsBuy  decimal.Decimal
	AsSell decimal.Decimal
}

// MatchFilter narrows match listings.
type MatchFilter struct {
	Status      MatchStatus
	OperationID int64
	BatchID     int64
	Unbatched   bool
	Limit       int
	Offset      int
}

// BatchFilter narrows batch listings.
type BatchFilter struct {
	Status BatchStatus
	Limit  int
	Offset int
}
