// Package syncengine implements the Sync Engine coordinator of spec
// §4.5: fetch, persist-preserving-local-authority, classify, push label
// deltas, and drain pending operations, one run at a time per account.
package syncengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mailsync/core/domain"
	"mailsync/core/port/in"
	"mailsync/core/port/out"
	"mailsync/core/service/classifier"
	"mailsync/pkg/apperr"
	"mailsync/pkg/logger"
)

const defaultLabelPrefix = "AI"

// Config tunes the engine beyond its fixed dependencies.
type Config struct {
	LabelPrefix      string
	MaxAttempts      int // pending-op retry budget before a failure becomes terminal
	PendingOpWorkers int
	PendingOpQueue   int
}

func DefaultConfig() Config {
	return Config{LabelPrefix: defaultLabelPrefix, MaxAttempts: 3, PendingOpWorkers: 5, PendingOpQueue: 500}
}

// Engine implements in.SyncPort. One Engine instance is shared across
// accounts. It allows one run per account at a time: a second run for an
// account that is already running is rejected with a Conflict error, and
// a slow run never blocks sync for a different account.
type Engine struct {
	store      out.Store
	bodies     out.BodyStore
	pool       out.ConnPool
	classifier *classifier.Classifier
	cfg        Config
	log        *logger.Logger

	runMu   sync.Mutex
	running map[string]bool
}

func New(store out.Store, bodies out.BodyStore, pool out.ConnPool, cl *classifier.Classifier, cfg Config, log *logger.Logger) *Engine {
	if cfg.LabelPrefix == "" {
		cfg.LabelPrefix = defaultLabelPrefix
	}
	return &Engine{
		store:      store,
		bodies:     bodies,
		pool:       pool,
		classifier: cl,
		cfg:        cfg,
		log:        log,
		running:    make(map[string]bool),
	}
}

// tryEnter marks accountID as running, returning false if a run is
// already in progress for it.
func (e *Engine) tryEnter(accountID string) bool {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running[accountID] {
		return false
	}
	e.running[accountID] = true
	return true
}

func (e *Engine) leave(accountID string) {
	e.runMu.Lock()
	delete(e.running, accountID)
	e.runMu.Unlock()
}

// Sync satisfies in.SyncPort. It runs the full 7-step flow of spec §4.5.
func (e *Engine) Sync(ctx context.Context, accountID string, maxMessages int) (*in.SyncResult, error) {
	if !e.tryEnter(accountID) {
		return nil, apperr.Conflict(fmt.Sprintf("sync already running for account %s", accountID))
	}
	defer e.leave(accountID)

	result := &in.SyncResult{AccountID: accountID, StartedAt: time.Now()}

	acc, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("syncengine: get account: %w", err)
	}
	if acc == nil {
		return nil, apperr.NotFound("account")
	}

	provider, err := e.pool.Acquire(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("syncengine: acquire provider: %w", err)
	}
	defer e.pool.Release(accountID, provider)

	cursor := ""
	if acc.LastSync != nil {
		cursor = acc.LastSync.UTC().Format(time.RFC3339)
	}

	fetched, err := provider.FetchSince(ctx, cursor, maxMessages)
	if err != nil {
		return nil, fmt.Errorf("syncengine: fetch: %w", err)
	}

	if len(fetched.Messages) > 0 {
		if err := e.store.UpsertPreservingLocalAuthority(ctx, fetched.Messages); err != nil {
			return nil, fmt.Errorf("syncengine: upsert messages: %w", err)
		}
		for _, m := range fetched.Messages {
			if err := e.bodies.UpdateMessageBody(ctx, m.ID, m.PlaintextBody, m.HTMLBody); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("update body %s: %w", m.ID, err))
			}
			for _, a := range fetched.Attachments[m.ID] {
				if err := e.persistAttachment(ctx, a); err != nil {
					result.Errors = append(result.Errors, fmt.Errorf("attachment %s: %w", a.Filename, err))
				}
			}
		}
	}
	result.Fetched = len(fetched.Messages)

	if err := e.classifyAndLabel(ctx, accountID, provider, result); err != nil {
		result.Errors = append(result.Errors, err)
	}

	e.drainPending(ctx, accountID, provider, result)

	if err := e.store.SetLastSync(ctx, accountID, time.Now().UTC()); err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("set last_sync: %w", err))
	}

	result.FinishedAt = time.Now()
	return result, nil
}

// Reclassify reuses the classify/label step over already-fetched local
// messages instead of a fresh fetch (spec §4.5).
func (e *Engine) Reclassify(ctx context.Context, accountID string, max int) (*in.SyncResult, error) {
	if !e.tryEnter(accountID) {
		return nil, apperr.Conflict(fmt.Sprintf("sync already running for account %s", accountID))
	}
	defer e.leave(accountID)

	result := &in.SyncResult{AccountID: accountID, StartedAt: time.Now()}

	provider, err := e.pool.Acquire(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("syncengine: acquire provider: %w", err)
	}
	defer e.pool.Release(accountID, provider)

	if err := e.classifyUnclassified(ctx, accountID, provider, max, result); err != nil {
		result.Errors = append(result.Errors, err)
	}

	result.FinishedAt = time.Now()
	return result, nil
}

func (e *Engine) Status(ctx context.Context, accountID string) (*in.SyncStatus, error) {
	acc, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("syncengine: get account: %w", err)
	}
	if acc == nil {
		return nil, apperr.NotFound("account")
	}

	e.runMu.Lock()
	running := e.running[accountID]
	e.runMu.Unlock()

	return &in.SyncStatus{AccountID: accountID, LastSync: acc.LastSync, Running: running}, nil
}

func (e *Engine) persistAttachment(ctx context.Context, a *domain.Attachment) error {
	if err := e.store.CreateAttachment(ctx, a); err != nil {
		return err
	}
	return e.bodies.SaveAttachmentPayload(ctx, a.ID, a.Payload)
}

// classifyAndLabel is step 4's variant used during a normal sync run: it
// passes no cap, so up to 500 messages lacking a classification are
// classified per run and any beyond that wait for a later run.
func (e *Engine) classifyAndLabel(ctx context.Context, accountID string, provider out.Provider, result *in.SyncResult) error {
	return e.classifyUnclassified(ctx, accountID, provider, 0, result)
}

func (e *Engine) classifyUnclassified(ctx context.Context, accountID string, provider out.Provider, max int, result *in.SyncResult) error {
	limit := max
	if limit <= 0 {
		limit = 500
	}
	msgs, err := e.store.ListUnclassified(ctx, accountID, limit)
	if err != nil {
		return fmt.Errorf("list unclassified: %w", err)
	}

	for _, m := range msgs {
		c, err := e.classifier.Classify(ctx, accountID, m)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("classify %s: %w", m.ID, err))
			continue
		}
		if err := e.store.PutClassification(ctx, c); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("store classification %s: %w", m.ID, err))
			continue
		}
		result.Classified++

		add, remove := labelDelta(e.cfg.LabelPrefix, m.ProviderLabels, c)
		if len(add) == 0 && len(remove) == 0 {
			continue
		}
		if err := provider.ApplyLabelDelta(ctx, m.ID, add, remove); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("apply labels %s: %w", m.ID, err))
			continue
		}
		result.LabelsUpdated++
	}
	return nil
}
