package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mailsync/core/domain"
	"mailsync/core/port/out"
)

type accountRow struct {
	AccountID   string         `db:"account_id"`
	DisplayName string         `db:"display_name"`
	Email       string         `db:"email"`
	Provider    string         `db:"provider"`
	Settings    []byte         `db:"settings"`
	LastSync    sql.NullTime   `db:"last_sync"`
	DeletedAt   sql.NullTime   `db:"deleted_at"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func (r *accountRow) toDomain() (*domain.Account, error) {
	settings := map[string]any{}
	if len(r.Settings) > 0 {
		if err := json.Unmarshal(r.Settings, &settings); err != nil {
			return nil, fmt.Errorf("persistence: decode account settings: %w", err)
		}
	}
	a := &domain.Account{
		AccountID:   r.AccountID,
		DisplayName: r.DisplayName,
		Email:       r.Email,
		Provider:    domain.ProviderKind(r.Provider),
		Settings:    settings,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.LastSync.Valid {
		t := r.LastSync.Time
		a.LastSync = &t
	}
	if r.DeletedAt.Valid {
		t := r.DeletedAt.Time
		a.DeletedAt = &t
	}
	return a, nil
}

const accountColumns = `account_id, display_name, email, provider, settings, last_sync, deleted_at, created_at, updated_at`

func (s *PostgresStore) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, `SELECT `+accountColumns+` FROM accounts WHERE account_id = $1`, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: get account: %w", err)
	}
	return row.toDomain()
}

func (s *PostgresStore) ListAccounts(ctx context.Context, includeDeleted bool) ([]*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts`
	if !includeDeleted {
		query += ` WHERE deleted_at IS NULL`
	}
	query += ` ORDER BY account_id`

	var rows []accountRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("persistence: list accounts: %w", err)
	}
	out := make([]*domain.Account, 0, len(rows))
	for i := range rows {
		a, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *PostgresStore) UpsertAccount(ctx context.Context, acc *domain.Account) error {
	settings, err := json.Marshal(acc.Settings)
	if err != nil {
		return fmt.Errorf("persistence: encode account settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO accounts (account_id, display_name, email, provider, settings, last_sync, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			email = EXCLUDED.email,
			provider = EXCLUDED.provider,
			settings = EXCLUDED.settings,
			updated_at = NOW()
	`, acc.AccountID, acc.DisplayName, acc.Email, string(acc.Provider), settings, acc.LastSync)
	if err != nil {
		return fmt.Errorf("persistence: upsert account: %w", err)
	}
	return nil
}

// RenameAccount implements the rename invariant (spec §3). The new row
// must already exist under a different email (the caller inserts it via
// UpsertAccount). The old row's email is moved to a reserved sentinel so
// it can be written onto the new row without a uniqueness violation;
// last_sync is copied onto the new row, all messages are reassigned, and
// the old row is deleted. Called outside WithTx, the steps run in their
// own transaction.
func (s *PostgresStore) RenameAccount(ctx context.Context, oldAccountID, newAccountID string) error {
	if s.root != nil {
		return s.WithTx(ctx, func(ctx context.Context, tx out.Store) error {
			return tx.RenameAccount(ctx, oldAccountID, newAccountID)
		})
	}

	var oldEmail string
	if err := s.db.GetContext(ctx, &oldEmail, `SELECT email FROM accounts WHERE account_id = $1`, oldAccountID); err != nil {
		return fmt.Errorf("persistence: rename account, read old email: %w", err)
	}
	sentinel := domain.ReservedEmailSentinel(oldAccountID)
	if _, err := s.db.ExecContext(ctx, `UPDATE accounts SET email = $1, updated_at = NOW() WHERE account_id = $2`, sentinel, oldAccountID); err != nil {
		return fmt.Errorf("persistence: rename account, reserve old email: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE accounts SET email = $1, updated_at = NOW() WHERE account_id = $2`, oldEmail, newAccountID); err != nil {
		return fmt.Errorf("persistence: rename account, move email: %w", err)
	}

	var lastSync sql.NullTime
	if err := s.db.GetContext(ctx, &lastSync, `SELECT last_sync FROM accounts WHERE account_id = $1`, oldAccountID); err != nil {
		return fmt.Errorf("persistence: rename account, read old last_sync: %w", err)
	}
	if lastSync.Valid {
		if _, err := s.db.ExecContext(ctx, `UPDATE accounts SET last_sync = $1 WHERE account_id = $2`, lastSync.Time, newAccountID); err != nil {
			return fmt.Errorf("persistence: rename account, carry last_sync: %w", err)
		}
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE messages SET account_id = $1 WHERE account_id = $2`, newAccountID, oldAccountID); err != nil {
		return fmt.Errorf("persistence: rename account, reassign messages: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE account_id = $1`, oldAccountID); err != nil {
		return fmt.Errorf("persistence: rename account, delete old row: %w", err)
	}
	return nil
}

func (s *PostgresStore) SoftDeleteAccount(ctx context.Context, accountID string, cascadeMessages bool) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE accounts SET deleted_at = NOW(), updated_at = NOW() WHERE account_id = $1`, accountID); err != nil {
		return fmt.Errorf("persistence: soft delete account: %w", err)
	}
	if cascadeMessages {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE account_id = $1`, accountID); err != nil {
			return fmt.Errorf("persistence: cascade delete messages: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) SetLastSync(ctx context.Context, accountID string, syncedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET last_sync = $1, updated_at = NOW() WHERE account_id = $2`, syncedAt, accountID)
	if err != nil {
		return fmt.Errorf("persistence: set last_sync: %w", err)
	}
	return nil
}
