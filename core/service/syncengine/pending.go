package syncengine

import (
	"context"
	"fmt"

	"github.com/go-pkgz/pool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"mailsync/core/domain"
	"mailsync/core/port/in"
	"mailsync/core/port/out"
)

// pendingOpWorker implements pool.Worker for a single pending-operation
// application, so a per-account drain of N ops fans out across
// e.cfg.PendingOpWorkers instead of running strictly one-at-a-time.
type pendingOpWorker struct {
	engine   *Engine
	provider out.Provider
	result   *in.SyncResult
	zlog     zerolog.Logger
}

func (w *pendingOpWorker) Do(ctx context.Context, op *domain.PendingOperation) error {
	err := w.engine.applyPendingOp(ctx, w.provider, op)
	if err != nil {
		w.zlog.Warn().Err(err).Str("op_id", op.ID).Str("operation", string(op.Operation)).Msg("pending op failed")
		if markErr := w.engine.store.MarkAttemptFailed(ctx, op.ID, err.Error(), w.engine.cfg.MaxAttempts); markErr != nil {
			w.zlog.Error().Err(markErr).Str("op_id", op.ID).Msg("failed to record pending op failure")
		}
		return err
	}
	if markErr := w.engine.store.MarkCompleted(ctx, op.ID); markErr != nil {
		w.zlog.Error().Err(markErr).Str("op_id", op.ID).Msg("failed to mark pending op completed")
		return markErr
	}
	return nil
}

// drainPending submits every pending operation for one account, in
// ListPending's FIFO order, to a small go-pkgz/pool worker group (spec
// §4.5 step 6). With more than one worker the operations run
// concurrently and may complete out of order. A failed operation is
// logged and recorded via MarkAttemptFailed without aborting the run;
// only listing and pool start/close errors are appended to result.
func (e *Engine) drainPending(ctx context.Context, accountID string, provider out.Provider, result *in.SyncResult) {
	ops, err := e.store.ListPending(ctx, accountID)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("list pending ops: %w", err))
		return
	}
	if len(ops) == 0 {
		return
	}

	zlog := log.With().Str("component", "syncengine.pending").Str("account_id", accountID).Logger()
	worker := &pendingOpWorker{engine: e, provider: provider, result: result, zlog: zlog}

	workers := e.cfg.PendingOpWorkers
	if workers <= 0 {
		workers = 1
	}
	queueSize := e.cfg.PendingOpQueue
	if queueSize <= 0 {
		queueSize = len(ops)
	}

	group := pool.New[*domain.PendingOperation](workers, worker).
		WithWorkerChanSize(queueSize).
		WithContinueOnError()

	if err := group.Go(ctx); err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("start pending-op pool: %w", err))
		return
	}
	for _, op := range ops {
		group.Submit(op)
	}
	if err := group.Close(ctx); err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("drain pending ops: %w", err))
	}
}

func (e *Engine) applyPendingOp(ctx context.Context, provider out.Provider, op *domain.PendingOperation) error {
	switch op.Operation {
	case domain.OpMarkRead:
		return provider.MarkRead(ctx, op.MessageID)
	case domain.OpMarkUnread:
		return provider.MarkUnread(ctx, op.MessageID)
	case domain.OpTrash:
		return provider.Trash(ctx, op.MessageID)
	case domain.OpRestore:
		return provider.Restore(ctx, op.MessageID)
	case domain.OpDelete:
		return provider.Delete(ctx, op.MessageID)
	default:
		return fmt.Errorf("syncengine: unknown pending operation %q", op.Operation)
	}
}
