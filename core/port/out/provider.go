package out

import (
	"context"
	"time"

	"mailsync/core/domain"
)

// Provider is the outbound port both the API adapter (OAuth/HTTPS) and the
// IMAP adapter implement. A Provider is scoped to a single account.
type Provider interface {
	AccountID() string

	// FetchSince returns messages changed since cursor (a provider-opaque
	// continuation token; empty means "from the beginning"), up to max
	// items, plus a cursor to resume from on the next call.
	FetchSince(ctx context.Context, cursor string, max int) (*FetchResult, error)

	// ApplyLabelDelta pushes local label/folder state to the provider for
	// one message. add/remove are provider-facing label names.
	ApplyLabelDelta(ctx context.Context, providerMessageID string, add, remove []string) error

	MarkRead(ctx context.Context, providerMessageID string) error
	MarkUnread(ctx context.Context, providerMessageID string) error
	Trash(ctx context.Context, providerMessageID string) error
	Restore(ctx context.Context, providerMessageID string) error
	Delete(ctx context.Context, providerMessageID string) error

	Send(ctx context.Context, draft *domain.Draft, attachments []*domain.Attachment) error

	// Close releases any held connection. Safe to call more than once.
	Close() error
}

// FetchResult is the outcome of one FetchSince call. Attachments carries
// binary payloads keyed by the owning message's id, since Provider has no
// separate lazy attachment-fetch call — both adapters download attachment
// bytes inline while walking the MIME structure during fetch.
type FetchResult struct {
	Messages    []*domain.Message
	Attachments map[string][]*domain.Attachment
	NextCursor  string
	HasMore     bool
}

// ConnPool hands out a pooled Provider connection per account, guarded by
// a per-account lock that Acquire may hold across the health probe and
// dial.
type ConnPool interface {
	Acquire(ctx context.Context, accountID string) (Provider, error)
	Release(accountID string, p Provider)
	// Evict closes and drops an account's idle entry immediately, on a
	// failed health check or once it has aged past its idle budget.
	Evict(accountID string)
}

// IDLEWatcher runs a long-lived per-account background worker independent
// of sync runs, observing the IMAP IDLE/KEYWORD extension (or the API
// provider's push/watch mechanism) for unsolicited changes.
type IDLEWatcher interface {
	Start(ctx context.Context, accountID string) error
	// Stop closes the watcher's socket to interrupt a blocking read.
	// Idempotent.
	Stop(accountID string)
	// Events surfaces accounts that changed since the last call, for a
	// caller to decide whether to trigger an incremental sync.
	Events() <-chan string
}

// InferenceClient is the Ollama-style JSON HTTP client the Classifier and
// Action Agent extraction step use to reach the local inference endpoint.
type InferenceClient interface {
	// Generate posts {model, prompt, format:"json", stream:false,
	// keep_alive, options:{temperature}} and returns the raw string found
	// in the response's "response" field (itself JSON, left unparsed here).
	Generate(ctx context.Context, req InferenceRequest) (string, error)
}

type InferenceRequest struct {
	Model       string
	Prompt      string
	KeepAlive   time.Duration // 0 releases the model after this call
	Temperature float64
	Timeout     time.Duration
}

// ToolClient is the Action Agent's remote tool registry/invocation port.
// An unreachable endpoint is not fatal to the caller; ListTools returning
// an error signals "skip the action pipeline".
type ToolClient interface {
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
	InvokeTool(ctx context.Context, server, tool string, arguments map[string]any) (map[string]any, error)
}

type ToolDescriptor struct {
	ServerID    string
	Name        string
	Description string
	Schema      map[string]any
}

// Cache is the port backing the API provider's label-id cache; the tool
// client keeps no registry cache.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
}
