package domain

import "time"

type OperationKind string

const (
	OpMarkRead   OperationKind = "mark_read"
	OpMarkUnread OperationKind = "mark_unread"
	OpTrash      OperationKind = "trash"
	OpRestore    OperationKind = "restore"
	OpDelete     OperationKind = "delete"
)

// opposites pairs operations that cancel each other when both are pending
// for the same message.
var opposites = map[OperationKind]OperationKind{
	OpMarkRead:   OpMarkUnread,
	OpMarkUnread: OpMarkRead,
	OpTrash:      OpRestore,
	OpRestore:    OpTrash,
}

// OppositeOf returns the operation that cancels kind when both are
// pending for the same message, and false if kind has no opposite
// (delete has none — it is terminal).
func OppositeOf(kind OperationKind) (OperationKind, bool) {
	op, ok := opposites[kind]
	return op, ok
}

type OperationStatus string

const (
	OpStatusPending   OperationStatus = "pending"
	OpStatusCompleted OperationStatus = "completed"
	OpStatusFailed    OperationStatus = "failed"
)

// PendingOperation is a durable queue row describing a mutation that must
// be echoed to the provider.
type PendingOperation struct {
	ID            string
	AccountID     string
	MessageID     string
	Operation     OperationKind
	Attempts      int
	LastAttemptAt *time.Time
	LastError     string
	Status        OperationStatus
	CreatedAt     time.Time
}

// PushSubscription backs provider-side push/watch registrations (Gmail
// users.watch, IMAP IDLE-watcher liveness).
type PushSubscription struct {
	ID                     string
	AccountID              string
	ExternalSubscriptionID string
	ExpiresAt              time.Time
	RenewalCursor          string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// TrustedSender is an allow-list row instructing a UI host to auto-load
// remote content for mail from this sender on this account.
type TrustedSender struct {
	AccountID     string
	SenderAddress string
	TrustedAt     time.Time
}

type ActionStatus string

const (
	ActionStatusSuccess ActionStatus = "success"
	ActionStatusFailed  ActionStatus = "failed"
	ActionStatusSkipped ActionStatus = "skipped"
)

// ActionLog is the durable audit row the Action Agent writes for every
// attempt, success or not. It is the canonical record used both to
// report tool-invocation outcomes and to cap attempts per (message,
// action) pair.
type ActionLog struct {
	ID              string
	AccountID       string
	MessageID       string
	ActionName      string
	Server          string
	Tool            string
	Status          ActionStatus
	ExtractedPayload map[string]any // set on success/failed
	ToolResult       map[string]any // set on success
	Error            string
	Attempts         int
	ProcessedAt      time.Time
}
