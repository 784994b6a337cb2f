package domain

import "time"

// Draft carries the fields needed to compose and later send a message.
// Deleting a draft cascades to its attachments.
type Draft struct {
	ID          string
	AccountID   string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	PlaintextBody *string
	HTMLBody      *string
	ThreadID      *string
	InReplyTo     *string // message id this draft replies to
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
