package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const txColumns = `seq, id, kind, payload, status, attempts, last_error, created_at, updated_at`

func scanTx(row interface{ Scan(...any) error }) (*TxRecord, error) {
	var (
		r       TxRecord
		payload string
		status  string
	)
	if err := row.Scan(&r.Seq, &r.ID, &r.Kind, &payload, &status, &r.Attempts, &r.LastError, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Payload = []byte(payload)
	r.Status = TxStatus(status)
	return &r, nil
}

// InsertTransaction persists a newly enqueued transaction.
func (q Queries) InsertTransaction(ctx context.Context, r *TxRecord) error {
	now := time.Now().UnixMilli()
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO transactions (id, kind, payload, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Kind, string(r.Payload), string(r.Status), r.Attempts, now, now)
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", r.ID, err)
	}
	r.Seq, _ = res.LastInsertId()
	r.CreatedAt, r.UpdatedAt = now, now
	return nil
}

// UpdateTransaction records a status change.
func (q Queries) UpdateTransaction(ctx context.Context, id string, status TxStatus, attempts int, lastErr string) error {
	_, err := q.q.ExecContext(ctx, `
		UPDATE transactions SET status = ?, attempts = ?, last_error = ?, updated_at = ?
		WHERE id = ?`, string(status), attempts, lastErr, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update transaction %s: %w", id, err)
	}
	return nil
}

// SetTransactionPayload rewrites the stored payload, used when a
// transaction captures state during its optimistic step.
func (q Queries) SetTransactionPayload(ctx context.Context, id string, payload []byte) error {
	_, err := q.q.ExecContext(ctx, `UPDATE transactions SET payload = ?, updated_at = ? WHERE id = ?`,
		string(payload), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("set payload of %s: %w", id, err)
	}
	return nil
}

func (q Queries) DeleteTransaction(ctx context.Context, id string) error {
	if _, err := q.q.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete transaction %s: %w", id, err)
	}
	return nil
}

func (q Queries) GetTransaction(ctx context.Context, id string) (*TxRecord, error) {
	r, err := scanTx(q.q.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// ListTransactions returns persisted transactions in submission order.
func (q Queries) ListTransactions(ctx context.Context) ([]TxRecord, error) {
	return q.listTransactions(ctx, `SELECT `+txColumns+` FROM transactions ORDER BY seq`)
}

// PendingTransactions returns transactions left pending or executing.
func (q Queries) PendingTransactions(ctx context.Context) ([]TxRecord, error) {
	return q.listTransactions(ctx, `
		SELECT `+txColumns+` FROM transactions
		WHERE status IN ('pending', 'executing')
		ORDER BY seq`)
}

// PruneTransactions drops every terminal transaction and returns how many
// were removed.
func (q Queries) PruneTransactions(ctx context.Context) (int64, error) {
	res, err := q.q.ExecContext(ctx, `
		DELETE FROM transactions WHERE status IN ('succeeded', 'failed', 'cancelled')`)
	if err != nil {
		return 0, fmt.Errorf("prune transactions: %w", err)
	}
	return res.RowsAffected()
}

func (q Queries) listTransactions(ctx context.Context, query string) ([]TxRecord, error) {
	rows, err := q.q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []TxRecord
	for rows.Next() {
		r, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}
