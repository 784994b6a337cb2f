package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"

	"mailsync/core/domain"
	"mailsync/core/port/out"
)

type feedbackRow struct {
	ID             string         `db:"id"`
	AccountID      string         `db:"account_id"`
	MessageID      string         `db:"message_id"`
	SenderDomain   string         `db:"sender_domain"`
	SubjectPattern string         `db:"subject_pattern"`
	OriginalTags   pq.StringArray `db:"original_tags"`
	CorrectedTags  pq.StringArray `db:"corrected_tags"`
	ContextSnippet string         `db:"context_snippet"`
	CorrectedAt    time.Time      `db:"corrected_at"`
	UseCount       int            `db:"use_count"`
}

func (r *feedbackRow) toDomain() *domain.Feedback {
	return &domain.Feedback{
		ID:             r.ID,
		AccountID:      r.AccountID,
		MessageID:      r.MessageID,
		SenderDomain:   r.SenderDomain,
		SubjectPattern: r.SubjectPattern,
		OriginalTags:   []string(r.OriginalTags),
		CorrectedTags:  []string(r.CorrectedTags),
		ContextSnippet: r.ContextSnippet,
		CorrectedAt:    r.CorrectedAt,
		UseCount:       r.UseCount,
	}
}

func (s *PostgresStore) CreateFeedback(ctx context.Context, f *domain.Feedback) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback (id, account_id, message_id, sender_domain, subject_pattern,
			original_tags, corrected_tags, context_snippet, corrected_at, use_count)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,0)
	`, f.ID, f.AccountID, f.MessageID, f.SenderDomain, f.SubjectPattern,
		pq.StringArray(f.OriginalTags), pq.StringArray(f.CorrectedTags), f.ContextSnippet, f.CorrectedAt)
	if err != nil {
		return fmt.Errorf("persistence: create feedback: %w", err)
	}
	return nil
}

// ListFewShot returns up to limit (default 5) of the account's most recent
// corrections and increments use_count on every row returned, in the same
// transaction as the read (spec §4.2 "relevant_feedback"). It passes no
// sender domain to relevantFeedback, so domain matches are not preferred.
func (s *PostgresStore) ListFewShot(ctx context.Context, accountID string, limit int) ([]*domain.Feedback, error) {
	if limit <= 0 {
		limit = 5
	}
	if s.root != nil {
		var res []*domain.Feedback
		err := s.WithTx(ctx, func(ctx context.Context, tx out.Store) error {
			var txErr error
			res, txErr = tx.ListFewShot(ctx, accountID, limit)
			return txErr
		})
		return res, err
	}
	return s.relevantFeedback(ctx, accountID, "", limit)
}

// relevantFeedback is the shared implementation behind ListFewShot; a
// senderDomain argument (when non-empty) prioritizes domain matches
// before falling back to the account's other recent corrections.
func (s *PostgresStore) relevantFeedback(ctx context.Context, accountID, senderDomain string, limit int) ([]*domain.Feedback, error) {
	domainLimit := limit
	if domainLimit > 3 {
		domainLimit = 3
	}

	var rows []feedbackRow
	if senderDomain != "" {
		if err := s.db.SelectContext(ctx, &rows, `
			SELECT id, account_id, message_id, sender_domain, subject_pattern, original_tags, corrected_tags,
				context_snippet, corrected_at, use_count
			FROM feedback WHERE account_id = $1 AND sender_domain = $2
			ORDER BY corrected_at DESC LIMIT $3
		`, accountID, senderDomain, domainLimit); err != nil {
			return nil, fmt.Errorf("persistence: relevant feedback, domain matches: %w", err)
		}
	}

	if len(rows) < limit {
		remaining := limit - len(rows)
		excluded := make([]string, 0, len(rows))
		for _, r := range rows {
			excluded = append(excluded, r.ID)
		}
		const baseQuery = `SELECT id, account_id, message_id, sender_domain, subject_pattern, original_tags, corrected_tags,
				context_snippet, corrected_at, use_count
			FROM feedback WHERE account_id = ?`

		var fallback []feedbackRow
		if len(excluded) > 0 {
			expanded, expandedArgs, err := sqlxIn(baseQuery+` AND id NOT IN (?) ORDER BY corrected_at DESC LIMIT ?`,
				accountID, excluded, remaining)
			if err != nil {
				return nil, err
			}
			if err := s.db.SelectContext(ctx, &fallback, expanded, expandedArgs...); err != nil {
				return nil, fmt.Errorf("persistence: relevant feedback, fallback: %w", err)
			}
		} else {
			expanded, expandedArgs, err := sqlxIn(baseQuery+` ORDER BY corrected_at DESC LIMIT ?`, accountID, remaining)
			if err != nil {
				return nil, err
			}
			if err := s.db.SelectContext(ctx, &fallback, expanded, expandedArgs...); err != nil {
				return nil, fmt.Errorf("persistence: relevant feedback, fallback: %w", err)
			}
		}
		rows = append(rows, fallback...)
	}

	out := make([]*domain.Feedback, 0, len(rows))
	ids := make([]string, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
		ids = append(ids, rows[i].ID)
	}
	for _, id := range ids {
		if err := s.IncrementUseCount(ctx, id); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PostgresStore) IncrementUseCount(ctx context.Context, feedbackID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE feedback SET use_count = use_count + 1 WHERE id = $1`, feedbackID)
	if err != nil {
		return fmt.Errorf("persistence: increment use_count: %w", err)
	}
	return nil
}

// PruneExpired deletes feedback rows older than maxAge, then trims
// per-account excess beyond maxCount (oldest first).
func (s *PostgresStore) PruneExpired(ctx context.Context, accountID string, maxAge time.Duration, maxCount int) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	res, err := s.db.ExecContext(ctx, `DELETE FROM feedback WHERE account_id = $1 AND corrected_at < $2`, accountID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("persistence: prune expired feedback by age: %w", err)
	}
	deleted, _ := res.RowsAffected()

	res2, err := s.db.ExecContext(ctx, `
		DELETE FROM feedback WHERE id IN (
			SELECT id FROM feedback WHERE account_id = $1
			ORDER BY corrected_at DESC OFFSET $2
		)
	`, accountID, maxCount)
	if err != nil {
		return int(deleted), fmt.Errorf("persistence: prune expired feedback by cap: %w", err)
	}
	deleted2, _ := res2.RowsAffected()
	return int(deleted) + int(deleted2), nil
}
