// Package in defines inbound ports (driving ports): the operations a host
// process (web UI, bulk API, assistant adapter — all out of scope for
// this repo) would call into the core.
package in

import (
	"context"
	"time"
)

// SyncPort triggers and reports on synchronization runs.
type SyncPort interface {
	// Sync runs the fetch/classify/persist/label flow for one account and
	// returns once it completes, is cancelled, or the account is locked
	// by a concurrent run.
	Sync(ctx context.Context, accountID string, maxMessages int) (*SyncResult, error)
	// Reclassify runs the Classifier over already-fetched messages that
	// have no classification yet, capped at max (0 means a cap of 500).
	// Messages that already carry a classification are not revisited.
	Reclassify(ctx context.Context, accountID string, max int) (*SyncResult, error)
	Status(ctx context.Context, accountID string) (*SyncStatus, error)
}

// SyncResult reports what one run accomplished; partial failures are
// collected in Errors rather than aborting the whole run.
type SyncResult struct {
	AccountID     string
	Fetched       int
	Classified    int
	LabelsUpdated int
	Errors        []error
	StartedAt     time.Time
	FinishedAt    time.Time
}

type SyncStatus struct {
	AccountID string
	LastSync  *time.Time
	Running   bool
}
