package netting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fxdesk/fxdesk/internal/platform/db"
)

const (
	pgOperationColumns = `id, operation_type, amount_usd::text, amount_pen::text, exchange_rate::text, client_id, status, completed_at`

	pgMatchColumns = `id, buy_operation_id, sell_operation_id, matched_amount_usd::text, buy_exchange_rate::text,
sell_exchange_rate::text, profit_pen::text, profit_percentage::text, status, batch_id, notes, created_by, created_at,
voided_by, voided_at`

	pgBatchColumns = `id, batch_code, entry_ref, description, netting_date, total_buys_usd::text, total_buys_pen::text,
total_sells_usd::text, total_sells_pen::text, difference_usd::text, total_profit_pen::text, avg_buy_rate::text,
avg_sell_rate::text, num_matches, num_buy_operations, num_sell_operations, accounting_entry, status, notes,
created_by, created_at, updated_at, closed_by, closed_at, voided_by, voided_at`
)

type rowScanner interface {
	Scan(dest ...any) error
}

// PostgresRepository persists matches and batches in PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository constructs the repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

type pgTxRepository struct {
	tx pgx.Tx
}

// WithTx executes fn within a read-committed transaction. Each statement sees rows
// committed before it started, so a sum taken after acquiring a row lock includes every
// match committed by the previous holder of that lock.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("netting repository not initialised")
	}
	return db.WithTx(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepository{tx: tx})
	})
}

// GetMatch loads a match by id.
func (r *PostgresRepository) GetMatch(ctx context.Context, id int64) (Match, error) {
	return pgGetMatch(ctx, r.pool, id, false)
}

// ListMatches returns matches ordered by id.
func (r *PostgresRepository) ListMatches(ctx context.Context, filter MatchFilter) ([]Match, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.Status != "" {
		add("status=$%d", string(filter.Status))
	}
	if filter.OperationID > 0 {
		args = append(args, filter.OperationID)
		clauses = append(clauses, fmt.Sprintf("(buy_operation_id=$%[1]d OR sell_operation_id=$%[1]d)", len(args)))
	}
	if filter.BatchID > 0 {
		add("batch_id=$%d", filter.BatchID)
	}
	if filter.Unbatched {
		clauses = append(clauses, "batch_id IS NULL")
	}
	query := `SELECT ` + pgMatchColumns + ` FROM netting_matches`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit, filter.Offset)
		query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	}
	return pgQueryMatches(ctx, r.pool, query, args...)
}

// GetBatch loads a batch with all of its matches.
func (r *PostgresRepository) GetBatch(ctx context.Context, id int64) (Batch, error) {
	b, err := scanBatchPG(r.pool.QueryRow(ctx, `SELECT `+pgBatchColumns+` FROM netting_batches WHERE id=$1`, id))
	if err != nil {
		return Batch{}, err
	}
	b.Matches, err = pgQueryMatches(ctx, r.pool, `SELECT `+pgMatchColumns+` FROM netting_matches WHERE batch_id=$1 ORDER BY id`, id)
	if err != nil {
		return Batch{}, err
	}
	return b, nil
}

// ListBatches returns batches, newest first.
func (r *PostgresRepository) ListBatches(ctx context.Context, filter BatchFilter) ([]Batch, error) {
	query := `SELECT ` + pgBatchColumns + ` FROM netting_batches`
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` WHERE status=$1`
	}
	query += ` ORDER BY id DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit, filter.Offset)
		query += fmt.Sprintf(` LIMIT $%d OFFSET $%d`, len(args)-1, len(args))
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var batches []Batch
	for rows.Next() {
		b, err := scanBatchPG(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// GetOperations loads operations by id without locking them.
func (r *PostgresRepository) GetOperations(ctx context.Context, ids []int64) (map[int64]Operation, error) {
	return pgQueryOperations(ctx, r.pool, `SELECT `+pgOperationColumns+` FROM operations WHERE id = ANY($1)`, ids)
}

func (r *pgTxRepository) LockOperations(ctx context.Context, ids ...int64) (map[int64]Operation, error) {
	return pgQueryOperations(ctx, r.tx, `SELECT `+pgOperationColumns+` FROM operations WHERE id = ANY($1) ORDER BY id FOR UPDATE`, sortedIDs(ids))
}

func (r *pgTxRepository) GetOperations(ctx context.Context, ids []int64) (map[int64]Operation, error) {
	return pgQueryOperations(ctx, r.tx, `SELECT `+pgOperationColumns+` FROM operations WHERE id = ANY($1)`, ids)
}

func (r *pgTxRepository) SumActiveMatched(ctx context.Context, operationID int64) (MatchedSums, error) {
	var sums MatchedSums
	err := r.tx.QueryRow(ctx, `SELECT
COALESCE(SUM(matched_amount_usd) FILTER (WHERE buy_operation_id=$1), 0)::text,
COALESCE(SUM(matched_amount_usd) FILTER (WHERE sell_operation_id=$1), 0)::text
FROM netting_matches
WHERE status='ACTIVE' AND (buy_operation_id=$1 OR sell_operation_id=$1)`, operationID).
		Scan(&sums.AsBuy, &sums.AsSell)
	if err != nil {
		return MatchedSums{}, err
	}
	return sums, nil
}

func (r *pgTxRepository) InsertMatch(ctx context.Context, m Match) (Match, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO netting_matches (buy_operation_id, sell_operation_id, matched_amount_usd,
buy_exchange_rate, sell_exchange_rate, profit_pen, profit_percentage, status, notes, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`,
		m.BuyOperationID, m.SellOperationID, m.MatchedAmountUSD.String(), m.BuyExchangeRate.String(),
		m.SellExchangeRate.String(), m.ProfitPEN.String(), m.ProfitPercentage.String(), string(m.Status),
		m.Notes, m.CreatedBy, m.CreatedAt).Scan(&m.ID)
	if err != nil {
		return Match{}, err
	}
	return m, nil
}

func (r *pgTxRepository) GetMatchForUpdate(ctx context.Context, id int64) (Match, error) {
	return pgGetMatch(ctx, r.tx, id, true)
}

func (r *pgTxRepository) LockMatches(ctx context.Context, ids []int64) ([]Match, error) {
	return pgQueryMatches(ctx, r.tx, `SELECT `+pgMatchColumns+` FROM netting_matches WHERE id = ANY($1) ORDER BY id FOR UPDATE`, sortedIDs(ids))
}

func (r *pgTxRepository) MarkMatchVoided(ctx context.Context, m Match) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE netting_matches SET status=$2, voided_by=$3, voided_at=$4 WHERE id=$1 AND status='ACTIVE'`,
		m.ID, string(m.Status), m.VoidedBy, m.VoidedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("%w: id %d", ErrMatchNotActive, m.ID)
	}
	return nil
}

func (r *pgTxRepository) AssignMatchesToBatch(ctx context.Context, batchID int64, matchIDs []int64) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE netting_matches SET batch_id=$1 WHERE id = ANY($2) AND batch_id IS NULL AND status='ACTIVE'`,
		batchID, matchIDs)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() != int64(len(matchIDs)) {
		return fmt.Errorf("%w: assigned %d of %d", ErrMatchAlreadyBatched, cmd.RowsAffected(), len(matchIDs))
	}
	return nil
}

func (r *pgTxRepository) ListBatchMatches(ctx context.Context, batchID int64) ([]Match, error) {
	return pgQueryMatches(ctx, r.tx, `SELECT `+pgMatchColumns+` FROM netting_matches WHERE batch_id=$1 ORDER BY id`, batchID)
}

// NextBatchSequence advances the single-row counter. The row is created on first use,
// seeded past any batch codes already present.
func (r *pgTxRepository) NextBatchSequence(ctx context.Context) (int64, error) {
	const advance = `UPDATE netting_batch_sequence SET last_value = last_value + 1 WHERE id=1 RETURNING last_value`
	var seq int64
	err := r.tx.QueryRow(ctx, advance).Scan(&seq)
	if err == nil {
		return seq, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}
	rows, err := r.tx.Query(ctx, `SELECT batch_code FROM netting_batches`)
	if err != nil {
		return 0, err
	}
	codes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return 0, err
	}
	if _, err := r.tx.Exec(ctx, `INSERT INTO netting_batch_sequence (id, last_value) VALUES (1, $1) ON CONFLICT (id) DO NOTHING`,
		NextBatchSequence(codes)-1); err != nil {
		return 0, err
	}
	if err := r.tx.QueryRow(ctx, advance).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func (r *pgTxRepository) InsertBatch(ctx context.Context, b Batch) (Batch, error) {
	entry, err := json.Marshal(b.AccountingEntry)
	if err != nil {
		return Batch{}, err
	}
	err = r.tx.QueryRow(ctx, `INSERT INTO netting_batches (batch_code, entry_ref, description, netting_date, accounting_entry,
status, notes, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id`,
		b.Code, b.EntryRef, b.Description, b.NettingDate, entry, string(b.Status), b.Notes, b.CreatedBy,
		b.CreatedAt, b.UpdatedAt).Scan(&b.ID)
	if err != nil {
		return Batch{}, err
	}
	return b, nil
}

func (r *pgTxRepository) GetBatchForUpdate(ctx context.Context, id int64) (Batch, error) {
	return scanBatchPG(r.tx.QueryRow(ctx, `SELECT `+pgBatchColumns+` FROM netting_batches WHERE id=$1 FOR UPDATE`, id))
}

func (r *pgTxRepository) UpdateBatchTotals(ctx context.Context, id int64, t Totals, entry []LedgerLine) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	cmd, err := r.tx.Exec(ctx, `UPDATE netting_batches SET total_buys_usd=$2, total_buys_pen=$3, total_sells_usd=$4,
total_sells_pen=$5, difference_usd=$6, total_profit_pen=$7, avg_buy_rate=$8, avg_sell_rate=$9, num_matches=$10,
num_buy_operations=$11, num_sell_operations=$12, accounting_entry=$13, updated_at=NOW()
WHERE id=$1 AND status='OPEN'`,
		id, t.TotalBuysUSD.String(), t.TotalBuysPEN.String(), t.TotalSellsUSD.String(), t.TotalSellsPEN.String(),
		t.DifferenceUSD.String(), t.TotalProfitPEN.String(), t.AvgBuyRate.String(), t.AvgSellRate.String(),
		t.NumMatches, t.NumBuyOperations, t.NumSellOperations, raw)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("%w: batch %d is not open", ErrInvalidStatus, id)
	}
	return nil
}

func (r *pgTxRepository) UpdateBatchStatus(ctx context.Context, b Batch) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE netting_batches SET status=$2, closed_by=$3, closed_at=$4, voided_by=$5, voided_at=$6,
updated_at=$7 WHERE id=$1 AND status='OPEN'`,
		b.ID, string(b.Status), b.ClosedBy, b.ClosedAt, b.VoidedBy, b.VoidedAt, b.UpdatedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("%w: batch %d is not open", ErrInvalidStatus, b.ID)
	}
	return nil
}

type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func pgGetMatch(ctx context.Context, q pgQuerier, id int64, lock bool) (Match, error) {
	query := `SELECT ` + pgMatchColumns + ` FROM netting_matches WHERE id=$1`
	if lock {
		query += ` FOR UPDATE`
	}
	m, err := scanMatchPG(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Match{}, fmt.Errorf("%w: id %d", ErrMatchNotFound, id)
		}
		return Match{}, err
	}
	return m, nil
}

func pgQueryMatches(ctx context.Context, q pgQuerier, query string, args ...any) ([]Match, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var matches []Match
	for rows.Next() {
		m, err := scanMatchPG(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func pgQueryOperations(ctx context.Context, q pgQuerier, query string, ids []int64) (map[int64]Operation, error) {
	ops := make(map[int64]Operation, len(ids))
	if len(ids) == 0 {
		return ops, nil
	}
	rows, err := q.Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var op Operation
		var typ, status string
		if err := rows.Scan(&op.ID, &typ, &op.AmountUSD, &op.AmountPEN, &op.ExchangeRate, &op.ClientID, &status, &op.CompletedAt); err != nil {
			return nil, err
		}
		op.Type = OperationType(typ)
		op.Status = OperationStatus(status)
		ops[op.ID] = op
	}
	return ops, rows.Err()
}

func scanMatchPG(row rowScanner) (Match, error) {
	var m Match
	var status string
	err := row.Scan(&m.ID, &m.BuyOperationID, &m.SellOperationID, &m.MatchedAmountUSD, &m.BuyExchangeRate,
		&m.SellExchangeRate, &m.ProfitPEN, &m.ProfitPercentage, &status, &m.BatchID, &m.Notes, &m.CreatedBy,
		&m.CreatedAt, &m.VoidedBy, &m.VoidedAt)
	if err != nil {
		return Match{}, err
	}
	m.Status = MatchStatus(status)
	return m, nil
}

func scanBatchPG(row rowScanner) (Batch, error) {
	var (
		b      Batch
		status string
		entry  []byte
	)
	err := row.Scan(&b.ID, &b.Code, &b.EntryRef, &b.Description, &b.NettingDate,
		&b.Totals.TotalBuysUSD, &b.Totals.TotalBuysPEN, &b.Totals.TotalSellsUSD, &b.Totals.TotalSellsPEN,
		&b.Totals.DifferenceUSD, &b.Totals.TotalProfitPEN, &b.Totals.AvgBuyRate, &b.Totals.AvgSellRate,
		&b.Totals.NumMatches, &b.Totals.NumBuyOperations, &b.Totals.NumSellOperations, &entry, &status, &b.Notes,
		&b.CreatedBy, &b.CreatedAt, &b.UpdatedAt, &b.ClosedBy, &b.ClosedAt, &b.VoidedBy, &b.VoidedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Batch{}, ErrBatchNotFound
		}
		return Batch{}, err
	}
	b.Status = BatchStatus(status)
	if err := decodeEntry(entry, &b.AccountingEntry); err != nil {
		return Batch{}, err
	}
	return b, nil
}

func decodeEntry(raw []byte, dst *[]LedgerLine) error {
	*dst = []LedgerLine{}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("netting: decode accounting entry: %w", err)
	}
	return nil
}

func sortedIDs(ids []int64) []int64 {
	out := append([]int64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
