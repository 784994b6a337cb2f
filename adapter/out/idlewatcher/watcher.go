// Package idlewatcher implements the IDLE Watcher leaf of spec §4.3.4: a
// long-lived per-account background worker holding its own IMAP
// connection in IDLE, independent of sync runs and the Connection Pool,
// raising an event whenever the server reports unsolicited mailbox
// changes.
package idlewatcher

import (
	"context"
	"sync"
	"time"

	imapclient "github.com/emersion/go-imap/client"

	"mailsync/pkg/logger"
)

// AccountConfig carries the IMAP connection details one account's
// watcher needs; Dial resolves it on demand so credentials stay fresh.
type AccountConfig struct {
	Host   string
	Port   int
	UseSSL bool
	Email  string
}

// Dial opens and authenticates a fresh IDLE connection for accountID.
// Kept distinct from the Connection Pool's factory: IDLE connections are
// never returned to a pool, they live for the worker's entire run.
type Dial func(ctx context.Context, accountID string) (*imapclient.Client, error)

// Config tunes the IDLE refresh/timeout cadence (spec §4.3.4).
type Config struct {
	MaxDuration      time.Duration // refresh the IDLE command before this elapses (RFC 2177 recommends < 29m)
	ReconnectBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{MaxDuration: 1700 * time.Second, ReconnectBackoff: 30 * time.Second}
}

type accountWorker struct {
	stopCh chan struct{}
	doneCh chan struct{}

	mu     sync.Mutex
	client *imapclient.Client
}

// Watcher runs one background goroutine per started account. It is a
// process-wide singleton (spec §9).
type Watcher struct {
	dial Dial
	cfg  Config
	log  *logger.Logger

	events chan string

	mu       sync.Mutex
	accounts map[string]*accountWorker
}

func New(dial Dial, cfg Config, log *logger.Logger) *Watcher {
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultConfig().MaxDuration
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = DefaultConfig().ReconnectBackoff
	}
	return &Watcher{
		dial:     dial,
		cfg:      cfg,
		log:      log,
		events:   make(chan string, 64),
		accounts: make(map[string]*accountWorker),
	}
}

// Start begins watching accountID if it isn't already running.
func (w *Watcher) Start(ctx context.Context, accountID string) error {
	w.mu.Lock()
	if _, ok := w.accounts[accountID]; ok {
		w.mu.Unlock()
		return nil
	}
	aw := &accountWorker{
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	w.accounts[accountID] = aw
	w.mu.Unlock()

	go w.run(accountID, aw)
	return nil
}

// Stop closes accountID's socket to interrupt a blocking IDLE read.
// Idempotent.
func (w *Watcher) Stop(accountID string) {
	w.mu.Lock()
	aw, ok := w.accounts[accountID]
	if ok {
		delete(w.accounts, accountID)
	}
	w.mu.Unlock()
	if !ok {
		return
	}

	close(aw.stopCh)
	aw.mu.Lock()
	if aw.client != nil {
		_ = aw.client.Logout()
	}
	aw.mu.Unlock()
	<-aw.doneCh
}

func (w *Watcher) Events() <-chan string {
	return w.events
}

// run is the starting -> connected -> idling state machine of spec
// §4.7's IDLE worker. A connection error drops to reconnecting after
// cfg.ReconnectBackoff; Stop closing stopCh always wins.
func (w *Watcher) run(accountID string, aw *accountWorker) {
	defer close(aw.doneCh)

	for {
		select {
		case <-aw.stopCh:
			return
		default:
		}

		c, err := w.dial(context.Background(), accountID)
		if err != nil {
			w.log.WithError(err).WithField("account_id", accountID).Warn("idlewatcher: connect failed, backing off")
			if w.waitBackoff(aw.stopCh) {
				return
			}
			continue
		}

		aw.mu.Lock()
		aw.client = c
		aw.mu.Unlock()

		stopped := w.idleUntilStoppedOrError(accountID, aw, c)

		aw.mu.Lock()
		aw.client = nil
		aw.mu.Unlock()
		_ = c.Logout()

		if stopped {
			return
		}
		if w.waitBackoff(aw.stopCh) {
			return
		}
	}
}

func (w *Watcher) waitBackoff(stopCh chan struct{}) (stopped bool) {
	select {
	case <-stopCh:
		return true
	case <-time.After(w.cfg.ReconnectBackoff):
		return false
	}
}

// idleUntilStoppedOrError holds one IDLE session, refreshing it every
// cfg.MaxDuration and forwarding mailbox-changed updates to w.events. It
// returns true only when Stop was the cause of returning.
func (w *Watcher) idleUntilStoppedOrError(accountID string, aw *accountWorker, c *imapclient.Client) (stopped bool) {
	updates := make(chan imapclient.Update, 16)
	c.Updates = updates

	if _, err := c.Select("INBOX", false); err != nil {
		w.log.WithError(err).WithField("account_id", accountID).Warn("idlewatcher: select inbox failed")
		return false
	}

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for upd := range updates {
			switch upd.(type) {
			case *imapclient.MailboxUpdate:
				// EXISTS: new mail arrived, fire the callback.
				w.notify(accountID)
			case *imapclient.ExpungeUpdate:
				// EXPUNGE: mailbox shrank, not new mail — no callback.
			}
		}
	}()
	defer func() {
		c.Updates = nil
		close(updates)
		<-pumpDone
	}()

	for {
		stopIdle := make(chan struct{})
		idleErr := make(chan error, 1)
		go func() {
			idleErr <- c.Idle(stopIdle, nil)
		}()

		select {
		case <-aw.stopCh:
			close(stopIdle)
			<-idleErr
			return true
		case <-time.After(w.cfg.MaxDuration):
			close(stopIdle)
			if err := <-idleErr; err != nil {
				w.log.WithError(err).WithField("account_id", accountID).Warn("idlewatcher: idle refresh failed")
				return false
			}
		case err := <-idleErr:
			if err != nil {
				w.log.WithError(err).WithField("account_id", accountID).Warn("idlewatcher: idle session ended with error")
				return false
			}
		}
	}
}

func (w *Watcher) notify(accountID string) {
	select {
	case w.events <- accountID:
	default:
		// events is a best-effort signal; a full channel means a consumer
		// is already behind and will rescan on its next pass anyway.
	}
}
