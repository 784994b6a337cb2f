package out

import "context"

// BodyStore is the blob-storage port for message bodies and attachment
// payloads, kept separate from Store because it is backed by a
// different database (MongoDB, not Postgres).
type BodyStore interface {
	// FetchBody lazily retrieves a message's stored body; either return
	// value may be nil if that variant was never stored.
	FetchBody(ctx context.Context, messageID string) (text, html *string, err error)
	// UpdateMessageBody implements update_message_body(id, text, html),
	// setting both variants at once.
	UpdateMessageBody(ctx context.Context, messageID string, text, html *string) error
	DeleteMessageBody(ctx context.Context, messageID string) error

	SaveAttachmentPayload(ctx context.Context, attachmentID string, payload []byte) error
	GetAttachmentPayload(ctx context.Context, attachmentID string) ([]byte, error)
	DeleteAttachmentPayload(ctx context.Context, attachmentID string) error
}
