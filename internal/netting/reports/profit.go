package reports

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fxdesk/fxdesk/internal/netting"
)

// Filter narrows the matches a report is built from by creation time. Zero bounds are open.
type Filter struct {
	From time.Time
	To   time.Time
}

func (f Filter) includes(m netting.Match) bool {
	if !f.From.IsZero() && m.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !m.CreatedAt.Before(f.To) {
		return false
	}
	return true
}

// OperationProfit is the realised profit attributed to one operation.
type OperationProfit struct {
	OperationID int64                 `json:"operation_id"`
	Type        netting.OperationType `json:"operation_type"`
	ClientID    int64                 `json:"client_id"`
	ProfitPEN   decimal.Decimal       `json:"profit_pen"`
	NumMatches  int                   `json:"num_matches"`
}

// ClientProfit is the realised profit attributed to one client.
type ClientProfit struct {
	ClientID      int64           `json:"client_id"`
	ProfitPEN     decimal.Decimal `json:"profit_pen"`
	NumOperations int             `json:"num_operations"`
}

// ProfitByOperation sums the profit of active matches per completed operation over both
// legs. Operations whose total is zero are omitted.
func ProfitByOperation(matches []netting.Match, ops map[int64]netting.Operation, filter Filter) []OperationProfit {
	byOp := make(map[int64]*OperationProfit)
	credit := func(id int64, profit decimal.Decimal) {
		op, ok := ops[id]
		if !ok || op.Status != netting.OperationStatusCompleted {
			return
		}
		row, ok := byOp[id]
		if !ok {
			row = &OperationProfit{OperationID: id, Type: op.Type, ClientID: op.ClientID, ProfitPEN: decimal.Zero}
			byOp[id] = row
		}
		row.ProfitPEN = row.ProfitPEN.Add(profit)
		row.NumMatches++
	}
	for _, m := range matches {
		if !m.IsActive() || !filter.includes(m) {
			continue
		}
		credit(m.BuyOperationID, m.ProfitPEN)
		credit(m.SellOperationID, m.ProfitPEN)
	}
	out := make([]OperationProfit, 0, len(byOp))
	for _, row := range byOp {
		if row.ProfitPEN.IsZero() {
			continue
		}
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OperationID < out[j].OperationID })
	return out
}

// ProfitByClient attributes each active match's profit to the client of its buy
// operation. The sell-side client's operation count is incremented without crediting
// any profit.
func ProfitByClient(matches []netting.Match, ops map[int64]netting.Operation, filter Filter) ([]ClientProfit, error) {
	byClient := make(map[int64]*ClientProfit)
	row := func(clientID int64) *ClientProfit {
		r, ok := byClient[clientID]
		if !ok {
			r = &ClientProfit{ClientID: clientID, ProfitPEN: decimal.Zero}
			byClient[clientID] = r
		}
		return r
	}
	for _, m := range matches {
		if !m.IsActive() || !filter.includes(m) {
			continue
		}
		buy, ok := ops[m.BuyOperationID]
		if !ok {
			return nil, fmt.Errorf("%w: buy operation %d of match %d", netting.ErrOperationNotFound, m.BuyOperationID, m.ID)
		}
		sell, ok := ops[m.SellOperationID]
		if !ok {
			return nil, fmt.Errorf("%w: sell operation %d of match %d", netting.ErrOperationNotFound, m.SellOperationID, m.ID)
		}
		buyer := row(buy.ClientID)
		buyer.ProfitPEN = buyer.ProfitPEN.Add(m.ProfitPEN)
		buyer.NumOperations++
		row(sell.ClientID).NumOperations++
	}
	out := make([]ClientProfit, 0, len(byClient))
	for _, r := range byClient {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}

func referencedOperations(matches []netting.Match) []int64 {
	seen := make(map[int64]struct{})
	var ids []int64
	for _, m := range matches {
		for _, id := range []int64{m.BuyOperationID, m.SellOperationID} {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	return ids
}
