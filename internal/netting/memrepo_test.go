package netting

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/fxdesk/fxdesk/internal/shared"
)

// memRepo is an in-memory Repository. WithTx serialises transactions and restores the
// previous state when fn fails.
type memRepo struct {
	mu        sync.Mutex
	ops       map[int64]Operation
	matches   map[int64]Match
	batches   map[int64]Batch
	lastMatch int64
	lastBatch int64
	seq       int64

	failTotals error
}

func newMemRepo(ops ...Operation) *memRepo {
	r := &memRepo{
		ops:     make(map[int64]Operation),
		matches: make(map[int64]Match),
		batches: make(map[int64]Batch),
	}
	for _, op := range ops {
		r.ops[op.ID] = op
	}
	return r
}

func (r *memRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	matches := make(map[int64]Match, len(r.matches))
	for k, v := range r.matches {
		matches[k] = v
	}
	batches := make(map[int64]Batch, len(r.batches))
	for k, v := range r.batches {
		batches[k] = v
	}
	lastMatch, lastBatch, seq := r.lastMatch, r.lastBatch, r.seq
	if err := fn(ctx, memTx{r}); err != nil {
		r.matches, r.batches = matches, batches
		r.lastMatch, r.lastBatch, r.seq = lastMatch, lastBatch, seq
		return err
	}
	return nil
}

func (r *memRepo) GetMatch(_ context.Context, id int64) (Match, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.matches[id]
	if !ok {
		return Match{}, ErrMatchNotFound
	}
	return m, nil
}

func (r *memRepo) ListMatches(_ context.Context, filter MatchFilter) ([]Match, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Match
	for _, m := range r.sortedMatches() {
		if filter.Status != "" && m.Status != filter.Status {
			continue
		}
		if filter.OperationID != 0 && m.BuyOperationID != filter.OperationID && m.SellOperationID != filter.OperationID {
			continue
		}
		if filter.BatchID != 0 && (m.BatchID == nil || *m.BatchID != filter.BatchID) {
			continue
		}
		if filter.Unbatched && m.BatchID != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (r *memRepo) GetBatch(_ context.Context, id int64) (Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	if !ok {
		return Batch{}, ErrBatchNotFound
	}
	b.Matches = r.batchMatches(id)
	return b, nil
}

func (r *memRepo) ListBatches(_ context.Context, filter BatchFilter) ([]Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.batches))
	for id := range r.batches {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var out []Batch
	for _, id := range ids {
		b := r.batches[id]
		if filter.Status != "" && b.Status != filter.Status {
			continue
		}
		out = append(out, b)
	}
	if filter.Offset > len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *memRepo) GetOperations(_ context.Context, ids []int64) (map[int64]Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.operations(ids), nil
}

func (r *memRepo) operations(ids []int64) map[int64]Operation {
	out := make(map[int64]Operation, len(ids))
	for _, id := range ids {
		if op, ok := r.ops[id]; ok {
			out[id] = op
		}
	}
	return out
}

func (r *memRepo) sortedMatches() []Match {
	out := make([]Match, 0, len(r.matches))
	for _, m := range r.matches {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *memRepo) batchMatches(batchID int64) []Match {
	var out []Match
	for _, m := range r.sortedMatches() {
		if m.BatchID != nil && *m.BatchID == batchID {
			out = append(out, m)
		}
	}
	return out
}

// tamper rewrites stored batch totals outside the service.
func (r *memRepo) tamper(batchID int64, fn func(*Batch)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.batches[batchID]
	fn(&b)
	r.batches[batchID] = b
}

type memTx struct{ r *memRepo }

func (t memTx) LockOperations(_ context.Context, ids ...int64) (map[int64]Operation, error) {
	return t.r.operations(ids), nil
}

func (t memTx) GetOperations(_ context.Context, ids []int64) (map[int64]Operation, error) {
	return t.r.operations(ids), nil
}

func (t memTx) SumActiveMatched(_ context.Context, operationID int64) (MatchedSums, error) {
	sums := MatchedSums{AsBuy: decimal.Zero, AsSell: decimal.Zero}
	for _, m := range t.r.matches {
		if !m.IsActive() {
			continue
		}
		if m.BuyOperationID == operationID {
			sums.AsBuy = sums.AsBuy.Add(m.MatchedAmountUSD)
		}
		if m.SellOperationID == operationID {
			sums.AsSell = sums.AsSell.Add(m.MatchedAmountUSD)
		}
	}
	return sums, nil
}

func (t memTx) InsertMatch(_ context.Context, m Match) (Match, error) {
	t.r.lastMatch++
	m.ID = t.r.lastMatch
	t.r.matches[m.ID] = m
	return m, nil
}

func (t memTx) GetMatchForUpdate(_ context.Context, id int64) (Match, error) {
	m, ok := t.r.matches[id]
	if !ok {
		return Match{}, ErrMatchNotFound
	}
	return m, nil
}

func (t memTx) LockMatches(_ context.Context, ids []int64) ([]Match, error) {
	var out []Match
	for _, id := range sortedIDs(ids) {
		if m, ok := t.r.matches[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (t memTx) MarkMatchVoided(_ context.Context, m Match) error {
	t.r.matches[m.ID] = m
	return nil
}

func (t memTx) AssignMatchesToBatch(_ context.Context, batchID int64, ids []int64) error {
	for _, id := range ids {
		m := t.r.matches[id]
		if m.BatchID != nil || !m.IsActive() {
			return fmt.Errorf("%w: id %d", ErrMatchAlreadyBatched, id)
		}
		bid := batchID
		m.BatchID = &bid
		t.r.matches[id] = m
	}
	return nil
}

func (t memTx) ListBatchMatches(_ context.Context, batchID int64) ([]Match, error) {
	return t.r.batchMatches(batchID), nil
}

func (t memTx) NextBatchSequence(context.Context) (int64, error) {
	if t.r.seq == 0 {
		codes := make([]string, 0, len(t.r.batches))
		for _, b := range t.r.batches {
			codes = append(codes, b.Code)
		}
		t.r.seq = NextBatchSequence(codes)
		return t.r.seq, nil
	}
	t.r.seq++
	return t.r.seq, nil
}

func (t memTx) InsertBatch(_ context.Context, b Batch) (Batch, error) {
	t.r.lastBatch++
	b.ID = t.r.lastBatch
	t.r.batches[b.ID] = b
	return b, nil
}

func (t memTx) GetBatchForUpdate(_ context.Context, id int64) (Batch, error) {
	b, ok := t.r.batches[id]
	if !ok {
		return Batch{}, ErrBatchNotFound
	}
	return b, nil
}

func (t memTx) UpdateBatchTotals(_ context.Context, id int64, totals Totals, entry []LedgerLine) error {
	if t.r.failTotals != nil {
		return t.r.failTotals
	}
	b := t.r.batches[id]
	if b.Status != BatchStatusOpen {
		return ErrInvalidStatus
	}
	b.Totals = totals
	b.AccountingEntry = entry
	t.r.batches[id] = b
	return nil
}

func (t memTx) UpdateBatchStatus(_ context.Context, b Batch) error {
	if t.r.batches[b.ID].Status != BatchStatusOpen {
		return ErrInvalidStatus
	}
	t.r.batches[b.ID] = b
	return nil
}

type recordingAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *recordingAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.logs))
	for i, l := range a.logs {
		out[i] = l.Action
	}
	return out
}

type countingCache struct {
	mu    sync.Mutex
	bumps int
}

func (c *countingCache) Bump(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bumps++
	return nil
}
