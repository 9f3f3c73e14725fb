package netting

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fxdesk/fxdesk/internal/shared"
)

// AuditPort records netting events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Invalidator drops cached read models after a committed mutation.
type Invalidator interface {
	Bump(ctx context.Context) error
}

// ServiceConfig carries optional collaborators of the Service.
type ServiceConfig struct {
	Logger  *slog.Logger
	Metrics *Metrics
	Cache   Invalidator
}

// Service coordinates match creation, voiding and batch netting.
type Service struct {
	repo    Repository
	audit   AuditPort
	cache   Invalidator
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
	newRef  func() uuid.UUID
}

// NewService constructs the netting service.
func NewService(repo Repository, audit AuditPort, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:    repo,
		audit:   audit,
		cache:   cfg.Cache,
		metrics: cfg.Metrics,
		logger:  logger,
		now:     time.Now,
		newRef:  uuid.New,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Available returns how much of the operation's USD amount is not consumed by active
// matches. Unknown operations report zero.
func (s *Service) Available(ctx context.Context, operationID int64) (AvailableAmount, error) {
	result := AvailableAmount{
		OperationID: operationID,
		AmountUSD:   decimal.Zero,
		MatchedUSD:  decimal.Zero,
		Available:   decimal.Zero,
	}
	if operationID <= 0 {
		return result, nil
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ops, err := tx.GetOperations(ctx, []int64{operationID})
		if err != nil {
			return err
		}
		op, ok := ops[operationID]
		if !ok {
			return nil
		}
		sums, err := tx.SumActiveMatched(ctx, operationID)
		if err != nil {
			return err
		}
		result = ComputeAvailable(op, sums)
		return nil
	})
	if err != nil {
		return AvailableAmount{}, err
	}
	return result, nil
}

// CreateMatch links a completed buy operation with a completed sell operation for
// amount USD. Both operation rows stay locked until the match is committed, so
// concurrent requests against the same operation cannot over-commit it.
func (s *Service) CreateMatch(ctx context.Context, input CreateMatchInput) (Match, error) {
	if err := input.Validate(); err != nil {
		s.metrics.reject("match.create", err)
		return Match{}, err
	}
	var match Match
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ops, err := tx.LockOperations(ctx, input.BuyOperationID, input.SellOperationID)
		if err != nil {
			return err
		}
		buy, ok := ops[input.BuyOperationID]
		if !ok {
			return fmt.Errorf("%w: id %d", ErrOperationNotFound, input.BuyOperationID)
		}
		sell, ok := ops[input.SellOperationID]
		if !ok {
			return fmt.Errorf("%w: id %d", ErrOperationNotFound, input.SellOperationID)
		}
		buySums, err := tx.SumActiveMatched(ctx, buy.ID)
		if err != nil {
			return err
		}
		sellSums, err := tx.SumActiveMatched(ctx, sell.ID)
		if err != nil {
			return err
		}
		if err := checkLegs(buy, sell, ComputeAvailable(buy, buySums), ComputeAvailable(sell, sellSums), input.AmountUSD); err != nil {
			return err
		}
		profit, pct := ComputeProfit(buy.ExchangeRate, sell.ExchangeRate, input.AmountUSD)
		inserted, err := tx.InsertMatch(ctx, Match{
			BuyOperationID:   buy.ID,
			SellOperationID:  sell.ID,
			MatchedAmountUSD: input.AmountUSD,
			BuyExchangeRate:  buy.ExchangeRate,
			SellExchangeRate: sell.ExchangeRate,
			ProfitPEN:        profit,
			ProfitPercentage: pct,
			Status:           MatchStatusActive,
			Notes:            input.Notes,
			CreatedBy:        input.ActorID,
			CreatedAt:        s.now(),
		})
		if err != nil {
			return err
		}
		match = inserted
		return nil
	})
	if err != nil {
		s.metrics.reject("match.create", err)
		return Match{}, err
	}
	s.metrics.match("create")
	s.afterCommit(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "netting.match.create",
		Entity:   "accounting_match",
		EntityID: fmt.Sprintf("%d", match.ID),
		Meta: map[string]any{
			"buy_operation_id":   match.BuyOperationID,
			"sell_operation_id":  match.SellOperationID,
			"matched_amount_usd": match.MatchedAmountUSD.String(),
			"profit_pen":         match.ProfitPEN.String(),
		},
	})
	return match, nil
}

// VoidMatch soft-deletes a match. Matches of a closed batch cannot be voided; matches
// of an open batch trigger a recompute of the batch in the same transaction.
func (s *Service) VoidMatch(ctx context.Context, input VoidMatchInput) (Match, error) {
	if err := input.Validate(); err != nil {
		s.metrics.reject("match.void", err)
		return Match{}, err
	}
	var match Match
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetMatchForUpdate(ctx, input.MatchID)
		if err != nil {
			return err
		}
		var batch *Batch
		if current.BatchID != nil {
			b, err := tx.GetBatchForUpdate(ctx, *current.BatchID)
			if err != nil {
				return err
			}
			if b.Status == BatchStatusClosed {
				return fmt.Errorf("%w: batch %s", ErrBatchClosed, b.Code)
			}
			batch = &b
		}
		if err := current.Void(input.ActorID, s.now()); err != nil {
			return err
		}
		if err := tx.MarkMatchVoided(ctx, current); err != nil {
			return err
		}
		if batch != nil && batch.Status == BatchStatusOpen {
			if _, err := s.recompute(ctx, tx, *batch); err != nil {
				return err
			}
		}
		match = current
		return nil
	})
	if err != nil {
		s.metrics.reject("match.void", err)
		return Match{}, err
	}
	s.metrics.match("void")
	meta := map[string]any{"reason": input.Reason}
	if match.BatchID != nil {
		meta["batch_id"] = *match.BatchID
	}
	s.afterCommit(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "netting.match.void",
		Entity:   "accounting_match",
		EntityID: fmt.Sprintf("%d", match.ID),
		Meta:     meta,
	})
	return match, nil
}

// CreateBatch nets the selected active, unbatched matches into a new open batch.
func (s *Service) CreateBatch(ctx context.Context, input CreateBatchInput) (Batch, error) {
	if err := input.Validate(); err != nil {
		s.metrics.reject("batch.create", err)
		return Batch{}, err
	}
	var batch Batch
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		matches, err := tx.LockMatches(ctx, input.MatchIDs)
		if err != nil {
			return err
		}
		if missing := missingMatchID(input.MatchIDs, matches); missing != 0 {
			return fmt.Errorf("%w: id %d", ErrMatchNotFound, missing)
		}
		for _, m := range matches {
			if !m.IsActive() {
				return fmt.Errorf("%w: id %d", ErrMatchNotActive, m.ID)
			}
			if m.BatchID != nil {
				return fmt.Errorf("%w: id %d", ErrMatchAlreadyBatched, m.ID)
			}
		}
		seq, err := tx.NextBatchSequence(ctx)
		if err != nil {
			return err
		}
		now := s.now()
		inserted, err := tx.InsertBatch(ctx, Batch{
			Code:            FormatBatchCode(seq, now),
			EntryRef:        s.newRef(),
			Description:     input.Description,
			NettingDate:     input.NettingDate,
			AccountingEntry: []LedgerLine{},
			Status:          BatchStatusOpen,
			Notes:           input.Notes,
			CreatedBy:       input.ActorID,
			CreatedAt:       now,
			UpdatedAt:       now,
		})
		if err != nil {
			return err
		}
		ids := make([]int64, 0, len(matches))
		for i := range matches {
			if err := matches[i].AssignBatch(inserted.ID); err != nil {
				return fmt.Errorf("%w: id %d", err, matches[i].ID)
			}
			ids = append(ids, matches[i].ID)
		}
		if err := tx.AssignMatchesToBatch(ctx, inserted.ID, ids); err != nil {
			return err
		}
		recomputed, err := s.recompute(ctx, tx, inserted)
		if err != nil {
			return err
		}
		recomputed.Matches = matches
		batch = recomputed
		return nil
	})
	if err != nil {
		s.metrics.reject("batch.create", err)
		return Batch{}, err
	}
	s.metrics.batch("create")
	s.afterCommit(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "netting.batch.create",
		Entity:   "accounting_batch",
		EntityID: fmt.Sprintf("%d", batch.ID),
		Meta: map[string]any{
			"batch_code":       batch.Code,
			"num_matches":      batch.Totals.NumMatches,
			"total_profit_pen": batch.Totals.TotalProfitPEN.String(),
		},
	})
	return batch, nil
}

// CloseBatch moves an open batch to CLOSED, locking its matches.
func (s *Service) CloseBatch(ctx context.Context, input CloseBatchInput) (Batch, error) {
	batch, err := s.transitionBatch(ctx, input.BatchID, input.ActorID, BatchStatusClosed)
	if err != nil {
		s.metrics.reject("batch.close", err)
		return Batch{}, err
	}
	s.metrics.batch("close")
	s.afterCommit(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "netting.batch.close",
		Entity:   "accounting_batch",
		EntityID: fmt.Sprintf("%d", batch.ID),
		Meta:     map[string]any{"batch_code": batch.Code},
	})
	return batch, nil
}

// VoidBatch moves an open batch to VOIDED. Its totals are frozen as they stand.
func (s *Service) VoidBatch(ctx context.Context, input VoidBatchInput) (Batch, error) {
	batch, err := s.transitionBatch(ctx, input.BatchID, input.ActorID, BatchStatusVoided)
	if err != nil {
		s.metrics.reject("batch.void", err)
		return Batch{}, err
	}
	s.metrics.batch("void")
	s.afterCommit(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "netting.batch.void",
		Entity:   "accounting_batch",
		EntityID: fmt.Sprintf("%d", batch.ID),
		Meta:     map[string]any{"batch_code": batch.Code, "reason": input.Reason},
	})
	return batch, nil
}

func (s *Service) transitionBatch(ctx context.Context, batchID, actorID int64, to BatchStatus) (Batch, error) {
	if err := validateBatchID(batchID); err != nil {
		return Batch{}, err
	}
	var batch Batch
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetBatchForUpdate(ctx, batchID)
		if err != nil {
			return err
		}
		if !current.CanTransition(to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, current.Status, to)
		}
		now := s.now()
		actor := actorID
		current.Status = to
		current.UpdatedAt = now
		switch to {
		case BatchStatusClosed:
			current.ClosedAt = &now
			current.ClosedBy = &actor
		case BatchStatusVoided:
			current.VoidedAt = &now
			current.VoidedBy = &actor
		}
		if err := tx.UpdateBatchStatus(ctx, current); err != nil {
			return err
		}
		batch = current
		return nil
	})
	return batch, err
}

// RecomputeBatch rebuilds the totals and accounting entry of an open batch from its
// active matches.
func (s *Service) RecomputeBatch(ctx context.Context, batchID int64) (Batch, error) {
	if err := validateBatchID(batchID); err != nil {
		return Batch{}, err
	}
	var batch Batch
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetBatchForUpdate(ctx, batchID)
		if err != nil {
			return err
		}
		if current.Status != BatchStatusOpen {
			return fmt.Errorf("%w: batch %s is %s", ErrInvalidStatus, current.Code, current.Status)
		}
		batch, err = s.recompute(ctx, tx, current)
		return err
	})
	if err != nil {
		return Batch{}, err
	}
	s.invalidate(ctx)
	return batch, nil
}

// recompute derives totals and the accounting entry from the batch's active matches
// and stores both on the batch.
func (s *Service) recompute(ctx context.Context, tx TxRepository, batch Batch) (Batch, error) {
	matches, err := tx.ListBatchMatches(ctx, batch.ID)
	if err != nil {
		return Batch{}, err
	}
	ops, err := tx.GetOperations(ctx, operationIDs(matches))
	if err != nil {
		return Batch{}, err
	}
	totals, entry, err := s.derive(batch.ID, matches, ops)
	if err != nil {
		return Batch{}, err
	}
	if err := tx.UpdateBatchTotals(ctx, batch.ID, totals, entry); err != nil {
		return Batch{}, err
	}
	batch.Totals = totals
	batch.AccountingEntry = entry
	batch.UpdatedAt = s.now()
	return batch, nil
}

func (s *Service) derive(batchID int64, matches []Match, ops map[int64]Operation) (Totals, []LedgerLine, error) {
	totals, err := ComputeTotals(matches, ops)
	if err != nil {
		return Totals{}, nil, s.inconsistent(&ConsistencyError{BatchID: batchID, Detail: "compute totals", Err: err})
	}
	entry := GenerateAccountingEntry(totals)
	if err := ValidateEntry(entry); err != nil {
		return Totals{}, nil, s.inconsistent(&ConsistencyError{BatchID: batchID, Detail: "generate accounting entry", Err: err})
	}
	return totals, entry, nil
}

// VerifyBatch checks that the stored totals and entry of a batch equal what its active
// matches produce and that the entry balances. Voided batches are frozen and skipped.
// The batch row is locked so totals and matches are read from the same state.
func (s *Service) VerifyBatch(ctx context.Context, batchID int64) error {
	if err := validateBatchID(batchID); err != nil {
		return err
	}
	return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		batch, err := tx.GetBatchForUpdate(ctx, batchID)
		if err != nil {
			return err
		}
		if batch.Status == BatchStatusVoided {
			return nil
		}
		if err := ValidateEntry(batch.AccountingEntry); err != nil {
			return s.inconsistent(&ConsistencyError{BatchID: batch.ID, Detail: "stored entry", Err: err})
		}
		matches, err := tx.ListBatchMatches(ctx, batch.ID)
		if err != nil {
			return err
		}
		ops, err := tx.GetOperations(ctx, operationIDs(matches))
		if err != nil {
			return err
		}
		totals, entry, err := s.derive(batch.ID, matches, ops)
		if err != nil {
			return err
		}
		if !totals.Equal(batch.Totals) {
			return s.inconsistent(&ConsistencyError{BatchID: batch.ID, Detail: "stored totals differ from active matches"})
		}
		if !entriesEqual(entry, batch.AccountingEntry) {
			return s.inconsistent(&ConsistencyError{BatchID: batch.ID, Detail: "stored entry differs from totals"})
		}
		return nil
	})
}

// GetMatch returns a single match.
func (s *Service) GetMatch(ctx context.Context, id int64) (Match, error) {
	return s.repo.GetMatch(ctx, id)
}

// ListMatches returns matches narrowed by filter.
func (s *Service) ListMatches(ctx context.Context, filter MatchFilter) ([]Match, error) {
	return s.repo.ListMatches(ctx, filter)
}

// GetBatch returns a batch with its matches.
func (s *Service) GetBatch(ctx context.Context, id int64) (Batch, error) {
	return s.repo.GetBatch(ctx, id)
}

// ListBatches returns batches narrowed by filter.
func (s *Service) ListBatches(ctx context.Context, filter BatchFilter) ([]Batch, error) {
	return s.repo.ListBatches(ctx, filter)
}

func (s *Service) inconsistent(err *ConsistencyError) error {
	s.logger.Error("netting invariant violated",
		slog.Int64("batch_id", err.BatchID),
		slog.String("detail", err.Detail),
		slog.Any("error", err.Err))
	s.metrics.consistencyFailure()
	return err
}

func (s *Service) afterCommit(ctx context.Context, log shared.AuditLog) {
	s.invalidate(ctx)
	if s.audit == nil {
		return
	}
	log.At = s.now()
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.Warn("record audit", slog.String("action", log.Action), slog.Any("error", err))
	}
}

func (s *Service) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("invalidate report cache", slog.Any("error", err))
	}
}

func missingMatchID(requested []int64, found []Match) int64 {
	have := make(map[int64]struct{}, len(found))
	for _, m := range found {
		have[m.ID] = struct{}{}
	}
	for _, id := range requested {
		if _, ok := have[id]; !ok {
			return id
		}
	}
	return 0
}

func entriesEqual(a, b []LedgerLine) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Account != b[i].Account || !a[i].Debit.Equal(b[i].Debit) || !a[i].Credit.Equal(b[i].Credit) {
			return false
		}
	}
	return true
}
