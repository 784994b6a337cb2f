package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"mailsync/core/domain"
)

type draftRow struct {
	ID            string         `db:"id"`
	AccountID     string         `db:"account_id"`
	To            pq.StringArray `db:"to_addresses"`
	Cc            pq.StringArray `db:"cc_addresses"`
	Bcc           pq.StringArray `db:"bcc_addresses"`
	Subject       string         `db:"subject"`
	PlaintextBody sql.NullString `db:"plaintext_body"`
	HTMLBody      sql.NullString `db:"html_body"`
	ThreadID      sql.NullString `db:"thread_id"`
	InReplyTo     sql.NullString `db:"in_reply_to"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

func (r *draftRow) toDomain() *domain.Draft {
	d := &domain.Draft{
		ID:        r.ID,
		AccountID: r.AccountID,
		To:        []string(r.To),
		Cc:        []string(r.Cc),
		Bcc:       []string(r.Bcc),
		Subject:   r.Subject,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.PlaintextBody.Valid {
		v := r.PlaintextBody.String
		d.PlaintextBody = &v
	}
	if r.HTMLBody.Valid {
		v := r.HTMLBody.String
		d.HTMLBody = &v
	}
	if r.ThreadID.Valid {
		v := r.ThreadID.String
		d.ThreadID = &v
	}
	if r.InReplyTo.Valid {
		v := r.InReplyTo.String
		d.InReplyTo = &v
	}
	return d
}

const draftColumns = `id, account_id, to_addresses, cc_addresses, bcc_addresses, subject,
	plaintext_body, html_body, thread_id, in_reply_to, created_at, updated_at`

func (s *PostgresStore) GetDraft(ctx context.Context, id string) (*domain.Draft, error) {
	var row draftRow
	err := s.db.GetContext(ctx, &row, `SELECT `+draftColumns+` FROM drafts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: get draft: %w", err)
	}
	return row.toDomain(), nil
}

func (s *PostgresStore) CreateDraft(ctx context.Context, d *domain.Draft) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO drafts (id, account_id, to_addresses, cc_addresses, bcc_addresses, subject,
			plaintext_body, html_body, thread_id, in_reply_to, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW(),NOW())
	`, d.ID, d.AccountID, pq.StringArray(d.To), pq.StringArray(d.Cc), pq.StringArray(d.Bcc), d.Subject,
		d.PlaintextBody, d.HTMLBody, d.ThreadID, d.InReplyTo)
	if err != nil {
		return fmt.Errorf("persistence: create draft: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateDraft(ctx context.Context, d *domain.Draft) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE drafts SET to_addresses=$1, cc_addresses=$2, bcc_addresses=$3, subject=$4,
			plaintext_body=$5, html_body=$6, thread_id=$7, in_reply_to=$8, updated_at=NOW()
		WHERE id = $9
	`, pq.StringArray(d.To), pq.StringArray(d.Cc), pq.StringArray(d.Bcc), d.Subject,
		d.PlaintextBody, d.HTMLBody, d.ThreadID, d.InReplyTo, d.ID)
	if err != nil {
		return fmt.Errorf("persistence: update draft: %w", err)
	}
	return nil
}

// DeleteDraft cascades to attachments via the FK's ON DELETE CASCADE.
func (s *PostgresStore) DeleteDraft(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM drafts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("persistence: delete draft: %w", err)
	}
	return nil
}
