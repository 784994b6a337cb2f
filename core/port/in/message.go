package in

import (
	"context"

	"mailsync/core/domain"
	"mailsync/core/port/out"
)

// MessagePort is the read/mutate surface a host process drives for
// message and attachment browsing and user actions.
type MessagePort interface {
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	ListMessages(ctx context.Context, accountID string, q out.MessageQuery) ([]*domain.Message, error)
	// FetchBody lazily retrieves a message's body: bodies are not
	// returned by GetMessage/ListMessages, only by this call.
	FetchBody(ctx context.Context, messageID string) (text, html *string, err error)
	ListAttachments(ctx context.Context, messageID string) ([]*domain.Attachment, error)
	GetAttachment(ctx context.Context, attachmentID string) (*domain.Attachment, error)

	// MarkRead/MarkUnread/Trash/Restore/Delete write local state and
	// enqueue the matching PendingOperation in one Store transaction.
	MarkRead(ctx context.Context, messageID string) error
	MarkUnread(ctx context.Context, messageID string) error
	Trash(ctx context.Context, messageID string) error
	Restore(ctx context.Context, messageID string) error
	Delete(ctx context.Context, messageID string) error

	ListFailedOperations(ctx context.Context, accountID string) ([]*domain.PendingOperation, error)

	RecordFeedback(ctx context.Context, f *domain.Feedback) error
	TrustSender(ctx context.Context, accountID, sender string) error
	IsTrustedSender(ctx context.Context, accountID, sender string) (bool, error)
}

// DraftPort is the compose/send surface.
type DraftPort interface {
	CreateDraft(ctx context.Context, d *domain.Draft) error
	UpdateDraft(ctx context.Context, d *domain.Draft) error
	DeleteDraft(ctx context.Context, id string) error
	Send(ctx context.Context, draftID string) error
}

// DiagnosticsPort exposes operational state: accounts, push subscription
// liveness, and the action log.
type DiagnosticsPort interface {
	ListAccounts(ctx context.Context, includeDeleted bool) ([]*domain.Account, error)
	GetPushSubscription(ctx context.Context, accountID string) (*domain.PushSubscription, error)
	ListActionLog(ctx context.Context, accountID string, limit int) ([]*domain.ActionLog, error)
}
