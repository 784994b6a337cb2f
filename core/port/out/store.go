// Package out defines outbound ports (driven ports): everything the core
// needs from storage, providers and external services but does not
// implement itself.
package out

import (
	"context"
	"time"

	"mailsync/core/domain"
)

// TxFunc runs inside a single Store transaction. Returning an error rolls
// back that transaction only — failures never cascade across accounts.
type TxFunc func(ctx context.Context, s Store) error

// Store is the durable-state port: accounts, messages, classifications,
// feedback, drafts/attachments, pending operations, push subscriptions,
// trusted senders and action log rows all live behind it.
type Store interface {
	// WithTx runs fn inside a transaction and commits iff fn returns nil.
	WithTx(ctx context.Context, fn TxFunc) error

	AccountStore
	MessageStore
	ClassificationStore
	FeedbackStore
	DraftStore
	PendingOpStore
	PushSubscriptionStore
	TrustedSenderStore
	ActionLogStore
}

type AccountStore interface {
	GetAccount(ctx context.Context, accountID string) (*domain.Account, error)
	ListAccounts(ctx context.Context, includeDeleted bool) ([]*domain.Account, error)
	UpsertAccount(ctx context.Context, acc *domain.Account) error
	// RenameAccount atomically reassigns an email address from oldAccountID
	// to newAccountID's row, preserving LastSync, per the rename invariant.
	RenameAccount(ctx context.Context, oldAccountID, newAccountID string) error
	SoftDeleteAccount(ctx context.Context, accountID string, cascadeMessages bool) error
	SetLastSync(ctx context.Context, accountID string, syncedAt time.Time) error
}

type MessageStore interface {
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	GetMessages(ctx context.Context, ids []string) (map[string]*domain.Message, error)
	ListMessages(ctx context.Context, accountID string, q MessageQuery) ([]*domain.Message, error)
	// UpsertPreservingLocalAuthority inserts new rows verbatim but, for
	// rows that already exist, never overwrites IsUnread or Folder from
	// the incoming (provider-derived) value.
	UpsertPreservingLocalAuthority(ctx context.Context, msgs []*domain.Message) error
	UpdateUnread(ctx context.Context, id string, unread bool) error
	UpdateFolder(ctx context.Context, id string, folder domain.LogicalFolder) error
	ListUnclassified(ctx context.Context, accountID string, limit int) ([]*domain.Message, error)
	QueryText(ctx context.Context, accountID string, text string, limit int) ([]*domain.Message, error)

	CreateAttachment(ctx context.Context, a *domain.Attachment) error
	ListAttachments(ctx context.Context, messageID string) ([]*domain.Attachment, error)
}

// MessageQuery filters ListMessages. Tags is an OR filter: each entry is
// either a taxonomy tag (matched through the message's classification) or
// an "acct:<email>" pseudo-tag (matched against the sender address), per
// spec §4.2's query_messages contract distinguishing the two tag kinds.
type MessageQuery struct {
	Folder   domain.LogicalFolder
	IsUnread *bool
	Tags     []string
	Thread   string
	Limit    int
	Offset   int
}

type ClassificationStore interface {
	GetClassification(ctx context.Context, messageID string) (*domain.Classification, error)
	// PutClassification replaces any existing classification for the
	// message without touching the message row itself.
	PutClassification(ctx context.Context, c *domain.Classification) error
}

type FeedbackStore interface {
	CreateFeedback(ctx context.Context, f *domain.Feedback) error
	// ListFewShot returns up to limit recent corrections for an account,
	// for prompt assembly. Age and per-account caps are applied separately,
	// by PruneExpired.
	ListFewShot(ctx context.Context, accountID string, limit int) ([]*domain.Feedback, error)
	IncrementUseCount(ctx context.Context, feedbackID string) error
	PruneExpired(ctx context.Context, accountID string, maxAge time.Duration, maxCount int) (int, error)
}

type DraftStore interface {
	GetDraft(ctx context.Context, id string) (*domain.Draft, error)
	CreateDraft(ctx context.Context, d *domain.Draft) error
	UpdateDraft(ctx context.Context, d *domain.Draft) error
	DeleteDraft(ctx context.Context, id string) error // cascades to attachments
}

type PendingOpStore interface {
	// Enqueue applies the cancellation/idempotency invariants: an
	// opposite already pending cancels both (no-op), an identical one
	// already pending is idempotent.
	Enqueue(ctx context.Context, op *domain.PendingOperation) error
	ListPending(ctx context.Context, accountID string) ([]*domain.PendingOperation, error)
	MarkCompleted(ctx context.Context, id string) error
	MarkAttemptFailed(ctx context.Context, id string, attemptErr string, maxAttempts int) error
	ListFailed(ctx context.Context, accountID string) ([]*domain.PendingOperation, error)
}

type PushSubscriptionStore interface {
	GetPushSubscription(ctx context.Context, accountID string) (*domain.PushSubscription, error)
	UpsertPushSubscription(ctx context.Context, s *domain.PushSubscription) error
}

type TrustedSenderStore interface {
	IsTrustedSender(ctx context.Context, accountID, sender string) (bool, error)
	TrustSender(ctx context.Context, accountID, sender string) error
}

type ActionLogStore interface {
	CreateActionLog(ctx context.Context, l *domain.ActionLog) error
	ListActionLog(ctx context.Context, accountID string, limit int) ([]*domain.ActionLog, error)
	// CountAttempts returns prior attempts for (message, action), used to
	// enforce MAX_RETRIES before a new attempt starts.
	CountAttempts(ctx context.Context, messageID, actionName string) (int, error)
	// ResetAttempts deletes a message's action-log rows for actionName so
	// a caller can retry from outside.
	ResetAttempts(ctx context.Context, messageID, actionName string) error
}
