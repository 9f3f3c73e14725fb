package netting

import "context"

// Repository is the storage port of the netting engine.
type Repository interface {
	// WithTx runs fn inside one transaction; any error rolls back every write.
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error

	GetMatch(ctx context.Context, id int64) (Match, error)
	ListMatches(ctx context.Context, filter MatchFilter) ([]Match, error)
	GetBatch(ctx context.Context, id int64) (Batch, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]Batch, error)
	GetOperations(ctx context.Context, ids []int64) (map[int64]Operation, error)
}

// TxRepository exposes the operations available inside a netting transaction.
type TxRepository interface {
	// LockOperations loads and row-locks the operations in ascending id order.
	// Unknown ids are absent from the returned map.
	LockOperations(ctx context.Context, ids ...int64) (map[int64]Operation, error)
	GetOperations(ctx context.Context, ids []int64) (map[int64]Operation, error)
	SumActiveMatched(ctx context.Context, operationID int64) (MatchedSums, error)

	InsertMatch(ctx context.Context, m Match) (Match, error)
	GetMatchForUpdate(ctx context.Context, id int64) (Match, error)
	// LockMatches loads and row-locks the matches in ascending id order.
	LockMatches(ctx context.Context, ids []int64) ([]Match, error)
	MarkMatchVoided(ctx context.Context, m Match) error
	// AssignMatchesToBatch sets batch_id on active, unbatched matches only.
	AssignMatchesToBatch(ctx context.Context, batchID int64, matchIDs []int64) error
	ListBatchMatches(ctx context.Context, batchID int64) ([]Match, error)

	NextBatchSequence(ctx context.Context) (int64, error)
	InsertBatch(ctx context.Context, b Batch) (Batch, error)
	GetBatchForUpdate(ctx context.Context, id int64) (Batch, error)
	UpdateBatchTotals(ctx context.Context, id int64, totals Totals, entry []LedgerLine) error
	UpdateBatchStatus(ctx context.Context, b Batch) error
}
