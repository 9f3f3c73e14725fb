package netting

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fxdesk/fxdesk/internal/platform/sqlite"
)

const (
	sqliteOperationColumns = `id, operation_type, amount_usd, amount_pen, exchange_rate, client_id, status, completed_at`

	sqliteMatchColumns = `id, buy_operation_id, sell_operation_id, matched_amount_usd, buy_exchange_rate,
sell_exchange_rate, profit_pen, profit_percentage, status, batch_id, notes, created_by, created_at,
voided_by, voided_at`

	sqliteBatchColumns = `id, batch_code, entry_ref, description, netting_date, total_buys_usd, total_buys_pen,
total_sells_usd, total_sells_pen, difference_usd, total_profit_pen, avg_buy_rate, avg_sell_rate, num_matches,
num_buy_operations, num_sell_operations, accounting_entry, status, notes, created_by, created_at, updated_at,
closed_by, closed_at, voided_by, voided_at`
)

// SQLiteRepository persists matches and batches in an embedded SQLite database.
// It backs the local mode of the ops CLI and the end-to-end tests.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository constructs the repository over a database opened by sqlite.Open.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

type sqliteQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type sqliteTxRepository struct {
	tx *sql.Tx
}

// WithTx executes fn within a transaction. The pool holds a single connection, so
// transactions run one at a time.
func (r *SQLiteRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("netting repository not initialised")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(ctx, &sqliteTxRepository{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// SaveOperation inserts or refreshes an operation snapshot. Operations are owned by the
// operations subsystem; local mode imports them through this method. A stored operation
// that is COMPLETED or carries ACTIVE matches only accepts an identical snapshot.
func (r *SQLiteRepository) SaveOperation(ctx context.Context, op Operation) error {
	if err := validateSnapshot(op); err != nil {
		return err
	}
	return r.WithTx(ctx, func(ctx context.Context, txRepo TxRepository) error {
		tx := txRepo.(*sqliteTxRepository).tx
		existing, err := sqliteQueryOperations(ctx, tx, []int64{op.ID})
		if err != nil {
			return err
		}
		if stored, ok := existing[op.ID]; ok && !sameSnapshot(stored, op) {
			var active int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM netting_matches
WHERE status='ACTIVE' AND (buy_operation_id=? OR sell_operation_id=?)`, op.ID, op.ID).Scan(&active); err != nil {
				return err
			}
			if stored.Status == OperationStatusCompleted || active > 0 {
				return fmt.Errorf("%w: id %d", ErrOperationImmutable, op.ID)
			}
		}
		var completed any
		if op.CompletedAt != nil {
			completed = op.CompletedAt.UTC().Format(sqlite.TimeLayout)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO operations (id, operation_type, amount_usd, amount_pen, exchange_rate, client_id, status, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET operation_type=excluded.operation_type, amount_usd=excluded.amount_usd,
amount_pen=excluded.amount_pen, exchange_rate=excluded.exchange_rate, client_id=excluded.client_id,
status=excluded.status, completed_at=excluded.completed_at`,
			op.ID, string(op.Type), op.AmountUSD.String(), op.AmountPEN.String(), op.ExchangeRate.String(),
			op.ClientID, string(op.Status), completed)
		return err
	})
}

func validateSnapshot(op Operation) error {
	switch {
	case op.ID <= 0:
		return &ValidationError{Field: "id", Reason: "must be positive"}
	case op.Type != OperationTypeBuy && op.Type != OperationTypeSell:
		return &ValidationError{Field: "operation_type", Reason: "must be BUY or SELL"}
	case op.AmountUSD.IsNegative():
		return &ValidationError{Field: "amount_usd", Reason: "must not be negative"}
	case op.AmountPEN.IsNegative():
		return &ValidationError{Field: "amount_pen", Reason: "must not be negative"}
	case !op.ExchangeRate.IsPositive():
		return &ValidationError{Field: "exchange_rate", Reason: "must be positive"}
	}
	return nil
}

func sameSnapshot(a, b Operation) bool {
	if (a.CompletedAt == nil) != (b.CompletedAt == nil) {
		return false
	}
	if a.CompletedAt != nil && !a.CompletedAt.Equal(*b.CompletedAt) {
		return false
	}
	return a.Type == b.Type && a.ClientID == b.ClientID && a.Status == b.Status &&
		a.AmountUSD.Equal(b.AmountUSD) && a.AmountPEN.Equal(b.AmountPEN) && a.ExchangeRate.Equal(b.ExchangeRate)
}

// GetMatch loads a match by id.
func (r *SQLiteRepository) GetMatch(ctx context.Context, id int64) (Match, error) {
	return sqliteGetMatch(ctx, r.db, id)
}

// ListMatches returns matches ordered by id.
func (r *SQLiteRepository) ListMatches(ctx context.Context, filter MatchFilter) ([]Match, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(filter.Status))
	}
	if filter.OperationID > 0 {
		clauses = append(clauses, "(buy_operation_id=? OR sell_operation_id=?)")
		args = append(args, filter.OperationID, filter.OperationID)
	}
	if filter.BatchID > 0 {
		clauses = append(clauses, "batch_id=?")
		args = append(args, filter.BatchID)
	}
	if filter.Unbatched {
		clauses = append(clauses, "batch_id IS NULL")
	}
	query := `SELECT ` + sqliteMatchColumns + ` FROM netting_matches`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}
	return sqliteQueryMatches(ctx, r.db, query, args...)
}

// GetBatch loads a batch with all of its matches.
func (r *SQLiteRepository) GetBatch(ctx context.Context, id int64) (Batch, error) {
	b, err := scanBatchSQLite(r.db.QueryRowContext(ctx, `SELECT `+sqliteBatchColumns+` FROM netting_batches WHERE id=?`, id))
	if err != nil {
		return Batch{}, err
	}
	b.Matches, err = sqliteQueryMatches(ctx, r.db, `SELECT `+sqliteMatchColumns+` FROM netting_matches WHERE batch_id=? ORDER BY id`, id)
	if err != nil {
		return Batch{}, err
	}
	return b, nil
}

// ListBatches returns batches, newest first.
func (r *SQLiteRepository) ListBatches(ctx context.Context, filter BatchFilter) ([]Batch, error) {
	query := `SELECT ` + sqliteBatchColumns + ` FROM netting_batches`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status=?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var batches []Batch
	for rows.Next() {
		b, err := scanBatchSQLite(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// GetOperations loads operations by id.
func (r *SQLiteRepository) GetOperations(ctx context.Context, ids []int64) (map[int64]Operation, error) {
	return sqliteQueryOperations(ctx, r.db, ids)
}

// LockOperations reads the operations; the surrounding transaction already holds the
// only connection.
func (r *sqliteTxRepository) LockOperations(ctx context.Context, ids ...int64) (map[int64]Operation, error) {
	return sqliteQueryOperations(ctx, r.tx, sortedIDs(ids))
}

func (r *sqliteTxRepository) GetOperations(ctx context.Context, ids []int64) (map[int64]Operation, error) {
	return sqliteQueryOperations(ctx, r.tx, ids)
}

func (r *sqliteTxRepository) SumActiveMatched(ctx context.Context, operationID int64) (MatchedSums, error) {
	rows, err := r.tx.QueryContext(ctx, `SELECT buy_operation_id, matched_amount_usd FROM netting_matches
WHERE status='ACTIVE' AND (buy_operation_id=? OR sell_operation_id=?)`, operationID, operationID)
	if err != nil {
		return MatchedSums{}, err
	}
	defer rows.Close()
	// Amounts are stored as text, so they are summed here rather than with SUM().
	sums := MatchedSums{}
	for rows.Next() {
		var buyID int64
		var m Match
		if err := rows.Scan(&buyID, &m.MatchedAmountUSD); err != nil {
			return MatchedSums{}, err
		}
		if buyID == operationID {
			sums.AsBuy = sums.AsBuy.Add(m.MatchedAmountUSD)
		} else {
			sums.AsSell = sums.AsSell.Add(m.MatchedAmountUSD)
		}
	}
	return sums, rows.Err()
}

func (r *sqliteTxRepository) InsertMatch(ctx context.Context, m Match) (Match, error) {
	res, err := r.tx.ExecContext(ctx, `INSERT INTO netting_matches (buy_operation_id, sell_operation_id, matched_amount_usd,
buy_exchange_rate, sell_exchange_rate, profit_pen, profit_percentage, status, notes, created_by, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.BuyOperationID, m.SellOperationID, m.MatchedAmountUSD.String(), m.BuyExchangeRate.String(),
		m.SellExchangeRate.String(), m.ProfitPEN.String(), m.ProfitPercentage.String(), string(m.Status),
		m.Notes, m.CreatedBy, formatTime(m.CreatedAt))
	if err != nil {
		return Match{}, err
	}
	if m.ID, err = res.LastInsertId(); err != nil {
		return Match{}, err
	}
	return m, nil
}

func (r *sqliteTxRepository) GetMatchForUpdate(ctx context.Context, id int64) (Match, error) {
	return sqliteGetMatch(ctx, r.tx, id)
}

func (r *sqliteTxRepository) LockMatches(ctx context.Context, ids []int64) ([]Match, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders, args := inClause(sortedIDs(ids))
	return sqliteQueryMatches(ctx, r.tx, `SELECT `+sqliteMatchColumns+` FROM netting_matches WHERE id IN (`+placeholders+`) ORDER BY id`, args...)
}

func (r *sqliteTxRepository) MarkMatchVoided(ctx context.Context, m Match) error {
	res, err := r.tx.ExecContext(ctx, `UPDATE netting_matches SET status=?, voided_by=?, voided_at=? WHERE id=? AND status='ACTIVE'`,
		string(m.Status), m.VoidedBy, formatTimePtr(m.VoidedAt), m.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("%w: id %d", ErrMatchNotActive, m.ID)
	}
	return nil
}

func (r *sqliteTxRepository) AssignMatchesToBatch(ctx context.Context, batchID int64, matchIDs []int64) error {
	placeholders, args := inClause(matchIDs)
	res, err := r.tx.ExecContext(ctx, `UPDATE netting_matches SET batch_id=? WHERE id IN (`+placeholders+`) AND batch_id IS NULL AND status='ACTIVE'`,
		append([]any{batchID}, args...)...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != int64(len(matchIDs)) {
		return fmt.Errorf("%w: assigned %d of %d", ErrMatchAlreadyBatched, n, len(matchIDs))
	}
	return nil
}

func (r *sqliteTxRepository) ListBatchMatches(ctx context.Context, batchID int64) ([]Match, error) {
	return sqliteQueryMatches(ctx, r.tx, `SELECT `+sqliteMatchColumns+` FROM netting_matches WHERE batch_id=? ORDER BY id`, batchID)
}

func (r *sqliteTxRepository) NextBatchSequence(ctx context.Context) (int64, error) {
	var last int64
	err := r.tx.QueryRowContext(ctx, `SELECT last_value FROM netting_batch_sequence WHERE id=1`).Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		rows, err := r.tx.QueryContext(ctx, `SELECT batch_code FROM netting_batches`)
		if err != nil {
			return 0, err
		}
		var codes []string
		for rows.Next() {
			var code string
			if err := rows.Scan(&code); err != nil {
				rows.Close()
				return 0, err
			}
			codes = append(codes, code)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return 0, err
		}
		next := NextBatchSequence(codes)
		if _, err := r.tx.ExecContext(ctx, `INSERT INTO netting_batch_sequence (id, last_value) VALUES (1, ?)`, next); err != nil {
			return 0, err
		}
		return next, nil
	case err != nil:
		return 0, err
	}
	if _, err := r.tx.ExecContext(ctx, `UPDATE netting_batch_sequence SET last_value=? WHERE id=1`, last+1); err != nil {
		return 0, err
	}
	return last + 1, nil
}

func (r *sqliteTxRepository) InsertBatch(ctx context.Context, b Batch) (Batch, error) {
	entry, err := json.Marshal(b.AccountingEntry)
	if err != nil {
		return Batch{}, err
	}
	res, err := r.tx.ExecContext(ctx, `INSERT INTO netting_batches (batch_code, entry_ref, description, netting_date,
accounting_entry, status, notes, created_by, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.Code, b.EntryRef.String(), b.Description, b.NettingDate.Format(sqlite.DateLayout), string(entry),
		string(b.Status), b.Notes, b.CreatedBy, formatTime(b.CreatedAt), formatTime(b.UpdatedAt))
	if err != nil {
		return Batch{}, err
	}
	if b.ID, err = res.LastInsertId(); err != nil {
		return Batch{}, err
	}
	return b, nil
}

func (r *sqliteTxRepository) GetBatchForUpdate(ctx context.Context, id int64) (Batch, error) {
	return scanBatchSQLite(r.tx.QueryRowContext(ctx, `SELECT `+sqliteBatchColumns+` FROM netting_batches WHERE id=?`, id))
}

func (r *sqliteTxRepository) UpdateBatchTotals(ctx context.Context, id int64, t Totals, entry []LedgerLine) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	res, err := r.tx.ExecContext(ctx, `UPDATE netting_batches SET total_buys_usd=?, total_buys_pen=?, total_sells_usd=?,
total_sells_pen=?, difference_usd=?, total_profit_pen=?, avg_buy_rate=?, avg_sell_rate=?, num_matches=?,
num_buy_operations=?, num_sell_operations=?, accounting_entry=?, updated_at=?
WHERE id=? AND status='OPEN'`,
		t.TotalBuysUSD.String(), t.TotalBuysPEN.String(), t.TotalSellsUSD.String(), t.TotalSellsPEN.String(),
		t.DifferenceUSD.String(), t.TotalProfitPEN.String(), t.AvgBuyRate.String(), t.AvgSellRate.String(),
		t.NumMatches, t.NumBuyOperations, t.NumSellOperations, string(raw), formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("%w: batch %d is not open", ErrInvalidStatus, id)
	}
	return nil
}

func (r *sqliteTxRepository) UpdateBatchStatus(ctx context.Context, b Batch) error {
	res, err := r.tx.ExecContext(ctx, `UPDATE netting_batches SET status=?, closed_by=?, closed_at=?, voided_by=?, voided_at=?,
updated_at=? WHERE id=? AND status='OPEN'`,
		string(b.Status), b.ClosedBy, formatTimePtr(b.ClosedAt), b.VoidedBy, formatTimePtr(b.VoidedAt),
		formatTime(b.UpdatedAt), b.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("%w: batch %d is not open", ErrInvalidStatus, b.ID)
	}
	return nil
}

func sqliteGetMatch(ctx context.Context, q sqliteQuerier, id int64) (Match, error) {
	m, err := scanMatchSQLite(q.QueryRowContext(ctx, `SELECT `+sqliteMatchColumns+` FROM netting_matches WHERE id=?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Match{}, fmt.Errorf("%w: id %d", ErrMatchNotFound, id)
		}
		return Match{}, err
	}
	return m, nil
}

func sqliteQueryMatches(ctx context.Context, q sqliteQuerier, query string, args ...any) ([]Match, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var matches []Match
	for rows.Next() {
		m, err := scanMatchSQLite(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func sqliteQueryOperations(ctx context.Context, q sqliteQuerier, ids []int64) (map[int64]Operation, error) {
	ops := make(map[int64]Operation, len(ids))
	if len(ids) == 0 {
		return ops, nil
	}
	placeholders, args := inClause(ids)
	rows, err := q.QueryContext(ctx, `SELECT `+sqliteOperationColumns+` FROM operations WHERE id IN (`+placeholders+`) ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			op        Operation
			typ       string
			status    string
			completed sql.NullString
		)
		if err := rows.Scan(&op.ID, &typ, &op.AmountUSD, &op.AmountPEN, &op.ExchangeRate, &op.ClientID, &status, &completed); err != nil {
			return nil, err
		}
		op.Type = OperationType(typ)
		op.Status = OperationStatus(status)
		if op.CompletedAt, err = parseTimePtr(completed); err != nil {
			return nil, err
		}
		ops[op.ID] = op
	}
	return ops, rows.Err()
}

func scanMatchSQLite(row rowScanner) (Match, error) {
	var (
		m        Match
		status   string
		created  string
		voidedAt sql.NullString
	)
	err := row.Scan(&m.ID, &m.BuyOperationID, &m.SellOperationID, &m.MatchedAmountUSD, &m.BuyExchangeRate,
		&m.SellExchangeRate, &m.ProfitPEN, &m.ProfitPercentage, &status, &m.BatchID, &m.Notes, &m.CreatedBy,
		&created, &m.VoidedBy, &voidedAt)
	if err != nil {
		return Match{}, err
	}
	m.Status = MatchStatus(status)
	if m.CreatedAt, err = time.Parse(sqlite.TimeLayout, created); err != nil {
		return Match{}, err
	}
	if m.VoidedAt, err = parseTimePtr(voidedAt); err != nil {
		return Match{}, err
	}
	return m, nil
}

func scanBatchSQLite(row rowScanner) (Batch, error) {
	var (
		b                  Batch
		entryRef           string
		nettingDate        string
		entry              string
		status             string
		created, updated   string
		closedAt, voidedAt sql.NullString
	)
	err := row.Scan(&b.ID, &b.Code, &entryRef, &b.Description, &nettingDate,
		&b.Totals.TotalBuysUSD, &b.Totals.TotalBuysPEN, &b.Totals.TotalSellsUSD, &b.Totals.TotalSellsPEN,
		&b.Totals.DifferenceUSD, &b.Totals.TotalProfitPEN, &b.Totals.AvgBuyRate, &b.Totals.AvgSellRate,
		&b.Totals.NumMatches, &b.Totals.NumBuyOperations, &b.Totals.NumSellOperations, &entry, &status, &b.Notes,
		&b.CreatedBy, &created, &updated, &b.ClosedBy, &closedAt, &b.VoidedBy, &voidedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Batch{}, ErrBatchNotFound
		}
		return Batch{}, err
	}
	b.Status = BatchStatus(status)
	if err := b.EntryRef.UnmarshalText([]byte(entryRef)); err != nil {
		return Batch{}, err
	}
	if b.NettingDate, err = time.Parse(sqlite.DateLayout, nettingDate); err != nil {
		return Batch{}, err
	}
	if b.CreatedAt, err = time.Parse(sqlite.TimeLayout, created); err != nil {
		return Batch{}, err
	}
	if b.UpdatedAt, err = time.Parse(sqlite.TimeLayout, updated); err != nil {
		return Batch{}, err
	}
	if b.ClosedAt, err = parseTimePtr(closedAt); err != nil {
		return Batch{}, err
	}
	if b.VoidedAt, err = parseTimePtr(voidedAt); err != nil {
		return Batch{}, err
	}
	if err := decodeEntry([]byte(entry), &b.AccountingEntry); err != nil {
		return Batch{}, err
	}
	return b, nil
}

func inClause(ids []int64) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqlite.TimeLayout)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	t, err := time.Parse(sqlite.TimeLayout, raw.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
