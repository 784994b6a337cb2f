package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mailsync/core/domain"
)

// --- PushSubscription ---

type pushSubscriptionRow struct {
	ID                     string    `db:"id"`
	AccountID              string    `db:"account_id"`
	ExternalSubscriptionID string    `db:"external_subscription_id"`
	ExpiresAt              time.Time `db:"expires_at"`
	RenewalCursor          string    `db:"renewal_cursor"`
	CreatedAt              time.Time `db:"created_at"`
	UpdatedAt              time.Time `db:"updated_at"`
}

func (r *pushSubscriptionRow) toDomain() *domain.PushSubscription {
	return &domain.PushSubscription{
		ID:                     r.ID,
		AccountID:              r.AccountID,
		ExternalSubscriptionID: r.ExternalSubscriptionID,
		ExpiresAt:              r.ExpiresAt,
		RenewalCursor:          r.RenewalCursor,
		CreatedAt:              r.CreatedAt,
		UpdatedAt:              r.UpdatedAt,
	}
}

func (s *PostgresStore) GetPushSubscription(ctx context.Context, accountID string) (*domain.PushSubscription, error) {
	var row pushSubscriptionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, account_id, external_subscription_id, expires_at, renewal_cursor, created_at, updated_at
		FROM push_subscriptions WHERE account_id = $1
	`, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: get push subscription: %w", err)
	}
	return row.toDomain(), nil
}

func (s *PostgresStore) UpsertPushSubscription(ctx context.Context, sub *domain.PushSubscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO push_subscriptions (id, account_id, external_subscription_id, expires_at, renewal_cursor, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,NOW(),NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			external_subscription_id = EXCLUDED.external_subscription_id,
			expires_at = EXCLUDED.expires_at,
			renewal_cursor = EXCLUDED.renewal_cursor,
			updated_at = NOW()
	`, sub.ID, sub.AccountID, sub.ExternalSubscriptionID, sub.ExpiresAt, sub.RenewalCursor)
	if err != nil {
		return fmt.Errorf("persistence: upsert push subscription: %w", err)
	}
	return nil
}

// --- TrustedSender ---

func (s *PostgresStore) IsTrustedSender(ctx context.Context, accountID, sender string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM trusted_senders WHERE account_id = $1 AND sender_address = $2
	`, accountID, sender)
	if err != nil {
		return false, fmt.Errorf("persistence: is trusted sender: %w", err)
	}
	return count > 0, nil
}

func (s *PostgresStore) TrustSender(ctx context.Context, accountID, sender string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trusted_senders (account_id, sender_address, trusted_at)
		VALUES ($1,$2,NOW()) ON CONFLICT (account_id, sender_address) DO NOTHING
	`, accountID, sender)
	if err != nil {
		return fmt.Errorf("persistence: trust sender: %w", err)
	}
	return nil
}

// --- ActionLog ---

type actionLogRow struct {
	ID               string         `db:"id"`
	AccountID        string         `db:"account_id"`
	MessageID        string         `db:"message_id"`
	ActionName       string         `db:"action_name"`
	Server           string         `db:"server"`
	Tool             string         `db:"tool"`
	Status           string         `db:"status"`
	ExtractedPayload sql.NullString `db:"extracted_payload"`
	ToolResult       sql.NullString `db:"tool_result"`
	Error            string         `db:"error"`
	Attempts         int            `db:"attempts"`
	ProcessedAt      time.Time      `db:"processed_at"`
}

func (r *actionLogRow) toDomain() (*domain.ActionLog, error) {
	l := &domain.ActionLog{
		ID:          r.ID,
		AccountID:   r.AccountID,
		MessageID:   r.MessageID,
		ActionName:  r.ActionName,
		Server:      r.Server,
		Tool:        r.Tool,
		Status:      domain.ActionStatus(r.Status),
		Error:       r.Error,
		Attempts:    r.Attempts,
		ProcessedAt: r.ProcessedAt,
	}
	if r.ExtractedPayload.Valid {
		if err := json.Unmarshal([]byte(r.ExtractedPayload.String), &l.ExtractedPayload); err != nil {
			return nil, fmt.Errorf("persistence: decode action log extracted payload: %w", err)
		}
	}
	if r.ToolResult.Valid {
		if err := json.Unmarshal([]byte(r.ToolResult.String), &l.ToolResult); err != nil {
			return nil, fmt.Errorf("persistence: decode action log tool result: %w", err)
		}
	}
	return l, nil
}

func (s *PostgresStore) CreateActionLog(ctx context.Context, l *domain.ActionLog) error {
	var extracted, result []byte
	var err error
	if l.ExtractedPayload != nil {
		extracted, err = json.Marshal(l.ExtractedPayload)
		if err != nil {
			return fmt.Errorf("persistence: encode action log extracted payload: %w", err)
		}
	}
	if l.ToolResult != nil {
		result, err = json.Marshal(l.ToolResult)
		if err != nil {
			return fmt.Errorf("persistence: encode action log tool result: %w", err)
		}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO action_log (id, account_id, message_id, action_name, server, tool, status,
			extracted_payload, tool_result, error, attempts, processed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NOW())
	`, l.ID, l.AccountID, l.MessageID, l.ActionName, l.Server, l.Tool, string(l.Status),
		nullableString(extracted), nullableString(result), l.Error, l.Attempts)
	if err != nil {
		return fmt.Errorf("persistence: create action log: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountAttempts(ctx context.Context, messageID, actionName string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM action_log WHERE message_id = $1 AND action_name = $2
	`, messageID, actionName)
	if err != nil {
		return 0, fmt.Errorf("persistence: count action attempts: %w", err)
	}
	return count, nil
}

// ResetAttempts deletes a message's action-log rows for actionName,
// letting an operator retry from outside by re-adding the action tag
// (spec §4.6).
func (s *PostgresStore) ResetAttempts(ctx context.Context, messageID, actionName string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM action_log WHERE message_id = $1 AND action_name = $2`, messageID, actionName)
	if err != nil {
		return fmt.Errorf("persistence: reset action attempts: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActionLog(ctx context.Context, accountID string, limit int) ([]*domain.ActionLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []actionLogRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, account_id, message_id, action_name, server, tool, status,
			extracted_payload, tool_result, error, attempts, processed_at
		FROM action_log WHERE account_id = $1 ORDER BY processed_at DESC LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("persistence: list action log: %w", err)
	}
	out := make([]*domain.ActionLog, 0, len(rows))
	for i := range rows {
		l, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func nullableString(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
