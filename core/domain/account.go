package domain

import "time"

// ProviderKind identifies which concrete Provider adapter an account uses.
type ProviderKind string

const (
	ProviderAPI  ProviderKind = "api"
	ProviderIMAP ProviderKind = "imap"
)

// Account is a configured mailbox the core synchronizes. AccountID is a
// stable opaque string chosen by the operator, not generated here.
type Account struct {
	AccountID    string
	DisplayName  string
	Email        string
	Provider     ProviderKind
	Settings     map[string]any
	LastSync     *time.Time
	DeletedAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ReservedEmailSentinel marks the email column of an account mid-rename so
// the unique-email constraint does not collide with the incoming row.
// See the rename invariant in the Store contract.
func ReservedEmailSentinel(accountID string) string {
	return "reserved+" + accountID + "@mailsync.invalid"
}
