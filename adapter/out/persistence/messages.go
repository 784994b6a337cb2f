package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"mailsync/core/domain"
	"mailsync/core/port/out"
)

type messageRow struct {
	ID        string `db:"id"`
	AccountID string `db:"account_id"`

	ThreadID string    `db:"thread_id"`
	Subject  string    `db:"subject"`
	From     string    `db:"from_address"`
	To       pq.StringArray `db:"to_addresses"`
	Date     time.Time `db:"message_date"`

	Snippet  string `db:"snippet"`
	IsUnread bool   `db:"is_unread"`

	ProviderLabels pq.StringArray `db:"provider_labels"`
	Folder         string         `db:"folder"`
	OriginalFolder sql.NullString `db:"original_folder"`
	ProviderFolder string         `db:"provider_folder"`

	HasAttachments bool `db:"has_attachments"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// messageColumns deliberately excludes body content: plaintext/HTML bodies
// live in the Mongo-backed BodyStore (spec §4.2 fetch_body), not Postgres.
const messageColumns = `id, account_id, thread_id, subject, from_address, to_addresses, message_date,
	snippet, is_unread, provider_labels, folder, original_folder, provider_folder,
	has_attachments, created_at, updated_at`

func (r *messageRow) toDomain() *domain.Message {
	m := &domain.Message{
		ID:             r.ID,
		AccountID:      r.AccountID,
		ThreadID:       r.ThreadID,
		Subject:        r.Subject,
		From:           r.From,
		To:             []string(r.To),
		Date:           r.Date,
		Snippet:        r.Snippet,
		IsUnread:       r.IsUnread,
		ProviderLabels: []string(r.ProviderLabels),
		Folder:         domain.LogicalFolder(r.Folder),
		ProviderFolder: r.ProviderFolder,
		HasAttachments: r.HasAttachments,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.OriginalFolder.Valid {
		m.OriginalFolder = domain.LogicalFolder(r.OriginalFolder.String)
	}
	return m
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("persistence: get message: %w", err)
	}
	return row.toDomain(), nil
}

func (s *PostgresStore) GetMessages(ctx context.Context, ids []string) (map[string]*domain.Message, error) {
	if len(ids) == 0 {
		return map[string]*domain.Message{}, nil
	}
	query, args, err := sqlxIn(`SELECT `+messageColumns+` FROM messages WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("persistence: get messages: %w", err)
	}
	out := make(map[string]*domain.Message, len(rows))
	for i := range rows {
		m := rows[i].toDomain()
		out[m.ID] = m
	}
	return out, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, accountID string, q out.MessageQuery) ([]*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE account_id = $1`
	args := []any{accountID}

	if q.Folder != "" {
		args = append(args, string(q.Folder))
		query += fmt.Sprintf(" AND folder = $%d", len(args))
	}
	if q.IsUnread != nil {
		args = append(args, *q.IsUnread)
		query += fmt.Sprintf(" AND is_unread = $%d", len(args))
	}
	if q.Thread != "" {
		args = append(args, q.Thread)
		query += fmt.Sprintf(" AND thread_id = $%d", len(args))
	}
	if len(q.Tags) > 0 {
		var taxonomyTags, pseudoTags []string
		for _, t := range q.Tags {
			if rest, ok := strings.CutPrefix(t, "acct:"); ok {
				pseudoTags = append(pseudoTags, rest)
			} else {
				taxonomyTags = append(taxonomyTags, t)
			}
		}
		var conds []string
		if len(taxonomyTags) > 0 {
			args = append(args, pq.StringArray(taxonomyTags))
			conds = append(conds, fmt.Sprintf("EXISTS (SELECT 1 FROM classifications c WHERE c.message_id = messages.id AND c.tags && $%d)", len(args)))
		}
		if len(pseudoTags) > 0 {
			args = append(args, pq.StringArray(pseudoTags))
			conds = append(conds, fmt.Sprintf("from_address = ANY($%d)", len(args)))
		}
		if len(conds) > 0 {
			query += " AND (" + strings.Join(conds, " OR ") + ")"
		}
	}
	query += " ORDER BY message_date DESC"

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if q.Offset > 0 {
		args = append(args, q.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("persistence: list messages: %w", err)
	}
	out := make([]*domain.Message, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// UpsertPreservingLocalAuthority inserts new rows verbatim; for rows that
// already exist it leaves is_unread, folder and original_folder alone —
// the sync engine, not the provider payload, owns those columns once a
// message exists locally. Body content is not a Postgres column; callers
// persist it through BodyStore.UpdateMessageBody separately.
func (s *PostgresStore) UpsertPreservingLocalAuthority(ctx context.Context, msgs []*domain.Message) error {
	for _, m := range msgs {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (id, account_id, thread_id, subject, from_address, to_addresses, message_date,
				snippet, is_unread, provider_labels, folder, original_folder, provider_folder,
				has_attachments, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,NOW(),NOW())
			ON CONFLICT (id) DO UPDATE SET
				thread_id = EXCLUDED.thread_id,
				subject = EXCLUDED.subject,
				from_address = EXCLUDED.from_address,
				to_addresses = EXCLUDED.to_addresses,
				message_date = EXCLUDED.message_date,
				snippet = EXCLUDED.snippet,
				provider_labels = EXCLUDED.provider_labels,
				provider_folder = EXCLUDED.provider_folder,
				has_attachments = EXCLUDED.has_attachments,
				updated_at = NOW()
		`,
			m.ID, m.AccountID, m.ThreadID, m.Subject, m.From, pq.StringArray(m.To), m.Date,
			m.Snippet, m.IsUnread, pq.StringArray(m.ProviderLabels), string(m.Folder), string(m.OriginalFolder), m.ProviderFolder,
			m.HasAttachments,
		)
		if err != nil {
			return fmt.Errorf("persistence: upsert message %s: %w", m.ID, err)
		}
	}
	return nil
}

func (s *PostgresStore) UpdateUnread(ctx context.Context, id string, unread bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET is_unread = $1, updated_at = NOW() WHERE id = $2`, unread, id)
	if err != nil {
		return fmt.Errorf("persistence: update unread: %w", err)
	}
	return nil
}

// UpdateFolder implements move_to_trash / restore_from_trash semantics:
// moving into trash stashes the current folder into original_folder;
// moving out of trash falls back to original_folder (or inbox) and
// clears it.
func (s *PostgresStore) UpdateFolder(ctx context.Context, id string, folder domain.LogicalFolder) error {
	if folder == domain.FolderTrash {
		_, err := s.db.ExecContext(ctx, `
			UPDATE messages SET original_folder = folder, folder = $1, updated_at = NOW()
			WHERE id = $2 AND folder <> $1
		`, string(domain.FolderTrash), id)
		if err != nil {
			return fmt.Errorf("persistence: move to trash: %w", err)
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET
			folder = CASE WHEN folder = $2 THEN COALESCE(NULLIF(original_folder, ''), $3) ELSE $1 END,
			original_folder = CASE WHEN folder = $2 THEN NULL ELSE original_folder END,
			updated_at = NOW()
		WHERE id = $4
	`, string(folder), string(domain.FolderTrash), string(domain.FolderInbox), id)
	if err != nil {
		return fmt.Errorf("persistence: update folder: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUnclassified(ctx context.Context, accountID string, limit int) ([]*domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+messageColumns+` FROM messages m
		WHERE m.account_id = $1 AND NOT EXISTS (SELECT 1 FROM classifications c WHERE c.message_id = m.id)
		ORDER BY m.message_date DESC LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("persistence: list unclassified: %w", err)
	}
	out := make([]*domain.Message, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// QueryText is the LIKE-based fallback for free-text search over
// subject/from/snippet (spec §6: FTS triggers are peripheral and may be
// omitted). Plaintext body is not a Postgres column so it is outside this
// fallback's reach; full-text search over body content would need the FTS
// virtual table spec §6 describes as optional.
func (s *PostgresStore) QueryText(ctx context.Context, accountID string, text string, limit int) ([]*domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	like := "%" + strings.ReplaceAll(text, "%", "\\%") + "%"
	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+messageColumns+` FROM messages
		WHERE account_id = $1 AND (subject ILIKE $2 OR from_address ILIKE $2 OR snippet ILIKE $2)
		ORDER BY message_date DESC LIMIT $3
	`, accountID, like, limit)
	if err != nil {
		return nil, fmt.Errorf("persistence: query text: %w", err)
	}
	out := make([]*domain.Message, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// attachmentRow is metadata only; the binary payload lives in the
// Mongo-backed BodyStore (SaveAttachmentPayload/GetAttachmentPayload), not
// in Postgres.
type attachmentRow struct {
	ID        string         `db:"id"`
	MessageID sql.NullString `db:"message_id"`
	DraftID   sql.NullString `db:"draft_id"`
	Filename  string         `db:"filename"`
	MIMEType  string         `db:"mime_type"`
	SizeBytes int64          `db:"size_bytes"`
	CreatedAt time.Time      `db:"created_at"`
}

func (r *attachmentRow) toDomain() *domain.Attachment {
	a := &domain.Attachment{
		ID:        r.ID,
		Filename:  r.Filename,
		MIMEType:  r.MIMEType,
		SizeBytes: r.SizeBytes,
		CreatedAt: r.CreatedAt,
	}
	if r.MessageID.Valid {
		v := r.MessageID.String
		a.MessageID = &v
	}
	if r.DraftID.Valid {
		v := r.DraftID.String
		a.DraftID = &v
	}
	return a
}

// CreateAttachment persists metadata only; the caller separately writes
// a.Payload through BodyStore.SaveAttachmentPayload.
func (s *PostgresStore) CreateAttachment(ctx context.Context, a *domain.Attachment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (id, message_id, draft_id, filename, mime_type, size_bytes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,NOW())
	`, a.ID, a.MessageID, a.DraftID, a.Filename, a.MIMEType, a.SizeBytes)
	if err != nil {
		return fmt.Errorf("persistence: create attachment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAttachments(ctx context.Context, messageID string) ([]*domain.Attachment, error) {
	var rows []attachmentRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, message_id, draft_id, filename, mime_type, size_bytes, created_at
		FROM attachments WHERE message_id = $1 ORDER BY created_at
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("persistence: list attachments: %w", err)
	}
	out := make([]*domain.Attachment, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}
