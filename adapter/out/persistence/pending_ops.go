package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mailsync/core/domain"
)

type pendingOpRow struct {
	ID            string         `db:"id"`
	AccountID     string         `db:"account_id"`
	MessageID     string         `db:"message_id"`
	Operation     string         `db:"operation"`
	Attempts      int            `db:"attempts"`
	LastAttemptAt sql.NullTime   `db:"last_attempt_at"`
	LastError     string         `db:"last_error"`
	Status        string         `db:"status"`
	CreatedAt     time.Time      `db:"created_at"`
}

func (r *pendingOpRow) toDomain() *domain.PendingOperation {
	op := &domain.PendingOperation{
		ID:        r.ID,
		AccountID: r.AccountID,
		MessageID: r.MessageID,
		Operation: domain.OperationKind(r.Operation),
		Attempts:  r.Attempts,
		LastError: r.LastError,
		Status:    domain.OperationStatus(r.Status),
		CreatedAt: r.CreatedAt,
	}
	if r.LastAttemptAt.Valid {
		t := r.LastAttemptAt.Time
		op.LastAttemptAt = &t
	}
	return op
}

const pendingOpColumns = `id, account_id, message_id, operation, attempts, last_attempt_at, last_error, status, created_at`

// Enqueue applies the queue invariants from spec §3: an opposite already
// pending for the same message cancels both (no-op); an identical
// pending op is idempotent; otherwise the new op is inserted pending.
func (s *PostgresStore) Enqueue(ctx context.Context, op *domain.PendingOperation) error {
	if opposite, ok := domain.OppositeOf(op.Operation); ok {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM pending_operations WHERE message_id = $1 AND operation = $2 AND status = 'pending'
		`, op.MessageID, string(opposite))
		if err != nil {
			return fmt.Errorf("persistence: enqueue, cancel opposite: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
	}

	var existing int
	err := s.db.GetContext(ctx, &existing, `
		SELECT COUNT(*) FROM pending_operations WHERE message_id = $1 AND operation = $2 AND status = 'pending'
	`, op.MessageID, string(op.Operation))
	if err != nil {
		return fmt.Errorf("persistence: enqueue, check existing: %w", err)
	}
	if existing > 0 {
		return nil
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_operations (id, account_id, message_id, operation, attempts, status, created_at)
		VALUES ($1,$2,$3,$4,0,'pending',NOW())
	`, op.ID, op.AccountID, op.MessageID, string(op.Operation))
	if err != nil {
		return fmt.Errorf("persistence: enqueue pending operation: %w", err)
	}
	return nil
}

// ListPending returns status=pending rows ordered by creation time, the
// FIFO drain order the sync engine relies on.
func (s *PostgresStore) ListPending(ctx context.Context, accountID string) ([]*domain.PendingOperation, error) {
	var rows []pendingOpRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+pendingOpColumns+` FROM pending_operations
		WHERE account_id = $1 AND status = 'pending' ORDER BY created_at
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("persistence: list pending operations: %w", err)
	}
	out := make([]*domain.PendingOperation, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_operations SET status = 'completed', last_attempt_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("persistence: mark pending operation completed: %w", err)
	}
	return nil
}

// MarkAttemptFailed increments attempts and either marks the op failed
// (attempts >= maxAttempts) or leaves it pending for a future retry.
func (s *PostgresStore) MarkAttemptFailed(ctx context.Context, id string, attemptErr string, maxAttempts int) error {
	var attempts int
	err := s.db.GetContext(ctx, &attempts, `
		UPDATE pending_operations SET attempts = attempts + 1, last_attempt_at = NOW(), last_error = $1
		WHERE id = $2 RETURNING attempts
	`, attemptErr, id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("persistence: mark attempt failed: pending operation %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("persistence: mark attempt failed: %w", err)
	}
	if attempts >= maxAttempts {
		if _, err := s.db.ExecContext(ctx, `UPDATE pending_operations SET status = 'failed' WHERE id = $1`, id); err != nil {
			return fmt.Errorf("persistence: mark pending operation failed: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) ListFailed(ctx context.Context, accountID string) ([]*domain.PendingOperation, error) {
	var rows []pendingOpRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+pendingOpColumns+` FROM pending_operations
		WHERE account_id = $1 AND status = 'failed' ORDER BY created_at
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("persistence: list failed operations: %w", err)
	}
	out := make([]*domain.PendingOperation, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}
