package netting

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// CreateMatchInput groups the fields required to link two operations.
type CreateMatchInput struct {
	BuyOperationID  int64
	SellOperationID int64
	AmountUSD       decimal.Decimal
	Notes           string
	ActorID         int64
}

// Validate ensures the input is well formed before touching storage.
func (in CreateMatchInput) Validate() error {
	if in.BuyOperationID <= 0 {
		return &ValidationError{Field: "buy_operation_id", Reason: "must be positive"}
	}
	if in.SellOperationID <= 0 {
		return &ValidationError{Field: "sell_operation_id", Reason: "must be positive"}
	}
	if in.BuyOperationID == in.SellOperationID {
		return &ValidationError{Field: "sell_operation_id", Reason: "must differ from buy operation"}
	}
	if !in.AmountUSD.IsPositive() {
		return &ValidationError{Field: "amount_usd", Reason: "must be greater than zero"}
	}
	if !in.AmountUSD.Equal(in.AmountUSD.Truncate(2)) {
		return &ValidationError{Field: "amount_usd", Reason: "at most two decimal places"}
	}
	return nil
}

// VoidMatchInput wraps parameters for voiding a match.
type VoidMatchInput struct {
	MatchID int64
	ActorID int64
	Reason  string
}

// Validate checks the identifiers.
func (in VoidMatchInput) Validate() error {
	if in.MatchID <= 0 {
		return &ValidationError{Field: "match_id", Reason: "must be positive"}
	}
	return nil
}

// CreateBatchInput groups the fields required to net a set of matches.
type CreateBatchInput struct {
	MatchIDs    []int64
	Description string
	NettingDate time.Time
	Notes       string
	ActorID     int64
}

// Validate ensures a non-empty, duplicate-free match selection.
func (in CreateBatchInput) Validate() error {
	if len(in.MatchIDs) == 0 {
		return &ValidationError{Field: "match_ids", Reason: "at least one match required"}
	}
	seen := make(map[int64]struct{}, len(in.MatchIDs))
	for _, id := range in.MatchIDs {
		if id <= 0 {
			return &ValidationError{Field: "match_ids", Reason: "ids must be positive"}
		}
		if _, dup := seen[id]; dup {
			return &ValidationError{Field: "match_ids", Reason: "duplicate id " + strconv.FormatInt(id, 10)}
		}
		seen[id] = struct{}{}
	}
	if in.NettingDate.IsZero() {
		return &ValidationError{Field: "netting_date", Reason: "required"}
	}
	return nil
}

// CloseBatchInput wraps parameters for closing a batch.
type CloseBatchInput struct {
	BatchID int64
	ActorID int64
}

// VoidBatchInput wraps parameters for voiding a batch.
type VoidBatchInput struct {
	BatchID int64
	ActorID int64
	Reason  string
}

func validateBatchID(id int64) error {
	if id <= 0 {
		return &ValidationError{Field: "batch_id", Reason: "must be positive"}
	}
	return nil
}
