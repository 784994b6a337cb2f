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

type classificationRow struct {
	MessageID    string         `db:"message_id"`
	Tags         pq.StringArray `db:"tags"`
	Priority     string         `db:"priority"`
	IsTodo       bool           `db:"is_todo"`
	CanArchive   bool           `db:"can_archive"`
	Model        string         `db:"model"`
	Confidence   float64        `db:"confidence"`
	ClassifiedAt time.Time      `db:"classified_at"`
}

func (r *classificationRow) toDomain() *domain.Classification {
	return &domain.Classification{
		MessageID:    r.MessageID,
		Tags:         []string(r.Tags),
		Priority:     domain.Priority(r.Priority),
		IsTodo:       r.IsTodo,
		CanArchive:   r.CanArchive,
		Model:        r.Model,
		Confidence:   r.Confidence,
		ClassifiedAt: r.ClassifiedAt,
	}
}

func (s *PostgresStore) GetClassification(ctx context.Context, messageID string) (*domain.Classification, error) {
	var row classificationRow
	err := s.db.GetContext(ctx, &row, `
		SELECT message_id, tags, priority, is_todo, can_archive, model, confidence, classified_at
		FROM classifications WHERE message_id = $1
	`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: get classification: %w", err)
	}
	return row.toDomain(), nil
}

// PutClassification replaces any existing classification for the message
// without touching the message row (spec §3: "replacing the
// classification never deletes its message").
func (s *PostgresStore) PutClassification(ctx context.Context, c *domain.Classification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO classifications (message_id, tags, priority, is_todo, can_archive, model, confidence, classified_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (message_id) DO UPDATE SET
			tags = EXCLUDED.tags,
			priority = EXCLUDED.priority,
			is_todo = EXCLUDED.is_todo,
			can_archive = EXCLUDED.can_archive,
			model = EXCLUDED.model,
			confidence = EXCLUDED.confidence,
			classified_at = EXCLUDED.classified_at
	`, c.MessageID, pq.StringArray(c.Tags), string(c.Priority), c.IsTodo, c.CanArchive, c.Model, c.Confidence, c.ClassifiedAt)
	if err != nil {
		return fmt.Errorf("persistence: put classification: %w", err)
	}
	return nil
}
