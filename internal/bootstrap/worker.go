package bootstrap

import (
	"context"
	"sync"
	"time"

	"mailsync/config"
	"mailsync/core/domain"
	"mailsync/pkg/logger"
)

// Worker drives every account's sync-and-act loop for the life of the
// process: a ticker-based poll per account plus an IDLE Watcher fan-in
// that triggers an immediate sync the moment a mailbox reports unsolicited
// changes (spec §4.3.4, §4.5).
type Worker struct {
	deps *Dependencies
	log  *logger.Logger

	pollInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorker(cfg *config.Config) (*Worker, func(), error) {
	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		deps:         deps,
		log:          deps.Log,
		pollInterval: 2 * time.Minute,
		ctx:          ctx,
		cancel:       cancel,
	}
	return w, cleanup, nil
}

// Start spins one goroutine per discovered account plus a roster goroutine
// that re-scans for newly added accounts, then blocks until Stop cancels
// the context.
func (w *Worker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.runRoster()
	}()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.drainIDLEEvents()
	}()

	<-w.ctx.Done()
}

func (w *Worker) Stop() {
	w.cancel()
	w.deps.Pool.CloseAll()
	w.wg.Wait()
}

// runRoster polls the account list every pollInterval and starts a
// per-account worker goroutine for any account not already running.
func (w *Worker) runRoster() {
	started := make(map[string]bool)

	tick := time.NewTicker(w.pollInterval)
	defer tick.Stop()

	w.scanAndStart(started)
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-tick.C:
			w.scanAndStart(started)
		}
	}
}

func (w *Worker) scanAndStart(started map[string]bool) {
	accounts, err := w.deps.Store.ListAccounts(w.ctx, false)
	if err != nil {
		w.log.WithError(err).Warn("bootstrap: list accounts for roster scan failed")
		return
	}

	for _, acc := range accounts {
		if started[acc.AccountID] {
			continue
		}
		started[acc.AccountID] = true

		w.wg.Add(1)
		go func(acc *domain.Account) {
			defer w.wg.Done()
			w.runAccount(acc)
		}(acc)
	}
}

// runAccount ticks one account's sync+action pipeline at pollInterval and,
// for IMAP accounts, starts the IDLE Watcher so mailbox pushes shortcut
// the next tick instead of waiting out the full interval.
func (w *Worker) runAccount(acc *domain.Account) {
	log := w.log.WithField("account_id", acc.AccountID)

	if acc.Provider == domain.ProviderIMAP {
		if err := w.deps.Watcher.Start(w.ctx, acc.AccountID); err != nil {
			log.WithError(err).Warn("bootstrap: idle watcher failed to start, falling back to poll-only")
		}
	}

	w.runOnce(acc.AccountID, log)

	tick := time.NewTicker(w.pollInterval)
	defer tick.Stop()

	for {
		select {
		case <-w.ctx.Done():
			if acc.Provider == domain.ProviderIMAP {
				w.deps.Watcher.Stop(acc.AccountID)
			}
			return
		case <-tick.C:
			w.runOnce(acc.AccountID, log)
		}
	}
}

// runOnce runs one sync pass followed by one action-agent pass. A sync
// failure is logged, not fatal: the next tick (or IDLE wake) tries again.
func (w *Worker) runOnce(accountID string, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(w.ctx, 5*time.Minute)
	defer cancel()

	result, err := w.deps.Engine.Sync(ctx, accountID, w.deps.Config.SyncMaxMessages)
	if err != nil {
		log.WithError(err).Warn("bootstrap: sync run failed")
		return
	}
	if len(result.Errors) > 0 {
		log.WithField("error_count", len(result.Errors)).Warn("bootstrap: sync run completed with partial errors")
	}

	if _, err := w.deps.Agent.Run(ctx, accountID); err != nil {
		log.WithError(err).Warn("bootstrap: action agent run failed")
	}
}

// drainIDLEEvents triggers an immediate out-of-cycle sync whenever the
// IDLE Watcher reports a mailbox change, instead of waiting for the next
// poll tick.
func (w *Worker) drainIDLEEvents() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case accountID, ok := <-w.deps.Watcher.Events():
			if !ok {
				return
			}
			log := w.log.WithField("account_id", accountID)
			w.runOnce(accountID, log)
		}
	}
}
