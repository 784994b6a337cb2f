// Package connpool implements the Connection Pool leaf of spec §4.3.3: one
// keyed entry per account, a per-account lock plus a global map lock, and
// idle eviction. The global map lock is never held across network I/O.
// The per-account lock is held while the pool probes, dials or closes that
// account's provider, so concurrent Acquire calls for one account wait for
// each other.
package connpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mailsync/core/port/out"
	"mailsync/pkg/logger"
)

// Factory dials a fresh provider connection for accountID. The pool calls
// it only when no healthy pooled entry exists.
type Factory func(ctx context.Context, accountID string) (out.Provider, error)

// HealthCheck probes a pooled provider cheaply (e.g. IMAP NOOP) without
// doing real work. A non-nil error means the entry is unhealthy and must
// be replaced.
type HealthCheck func(ctx context.Context, p out.Provider) error

type entry struct {
	mu       sync.Mutex // per-account lock; held across probe, dial and close
	provider out.Provider
	inUse    bool
	lastUsed time.Time
}

// Config tunes idle eviction (spec §4.3.3's max_idle_seconds, default 300).
type Config struct {
	MaxIdle time.Duration
}

func DefaultConfig() Config {
	return Config{MaxIdle: 300 * time.Second}
}

// Pool is the process-wide connection pool singleton (spec §9: "Two
// process-wide singletons are legitimate: the IMAP connection pool and the
// IDLE-watcher registry").
type Pool struct {
	cfg     Config
	dial    Factory
	probe   HealthCheck
	log     *logger.Logger

	mapMu   sync.Mutex // guards entries map membership only
	entries map[string]*entry

	stopCh chan struct{}
	doneCh chan struct{}
}

func New(cfg Config, dial Factory, probe HealthCheck, log *logger.Logger) *Pool {
	p := &Pool{
		cfg:     cfg,
		dial:    dial,
		probe:   probe,
		log:     log,
		entries: make(map[string]*entry),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go p.cleanupLoop()
	return p
}

// Acquire returns a healthy connection for accountID, reusing the pooled
// entry after a lightweight health probe, or dialing a new one via the
// factory (spec §4.3.3).
func (p *Pool) Acquire(ctx context.Context, accountID string) (out.Provider, error) {
	e := p.entryFor(accountID)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.provider != nil {
		if err := p.probe(ctx, e.provider); err == nil {
			e.inUse = true
			return e.provider, nil
		}
		p.log.WithField("account_id", accountID).Warn("connpool: pooled connection failed health probe, redialing")
		_ = e.provider.Close()
		e.provider = nil
	}

	conn, err := p.dial(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("connpool: dial %s: %w", accountID, err)
	}
	e.provider = conn
	e.inUse = true
	return conn, nil
}

// Release marks the account's entry idle and stamps last_used; it does not
// close the connection.
func (p *Pool) Release(accountID string, conn out.Provider) {
	p.mapMu.Lock()
	e, ok := p.entries[accountID]
	p.mapMu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.provider == conn {
		e.inUse = false
		e.lastUsed = time.Now()
	}
}

// Evict closes and drops an account's entry immediately (health_fail |
// age_out transition, spec §4.7).
func (p *Pool) Evict(accountID string) {
	p.mapMu.Lock()
	e, ok := p.entries[accountID]
	if ok {
		delete(p.entries, accountID)
	}
	p.mapMu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.provider != nil {
		_ = e.provider.Close()
		e.provider = nil
	}
}

// CloseAll closes every pooled connection, called at shutdown.
func (p *Pool) CloseAll() {
	p.mapMu.Lock()
	accounts := make([]string, 0, len(p.entries))
	for id := range p.entries {
		accounts = append(accounts, id)
	}
	p.mapMu.Unlock()

	for _, id := range accounts {
		p.Evict(id)
	}
	close(p.stopCh)
	<-p.doneCh
}

func (p *Pool) entryFor(accountID string) *entry {
	p.mapMu.Lock()
	defer p.mapMu.Unlock()
	e, ok := p.entries[accountID]
	if !ok {
		e = &entry{}
		p.entries[accountID] = e
	}
	return e
}

// cleanupLoop evicts connections idle longer than cfg.MaxIdle.
func (p *Pool) cleanupLoop() {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.cfg.MaxIdle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.cleanupIdle()
		}
	}
}

func (p *Pool) cleanupIdle() {
	p.mapMu.Lock()
	var stale []string
	now := time.Now()
	for id, e := range p.entries {
		e.mu.Lock()
		idle := !e.inUse && e.provider != nil && now.Sub(e.lastUsed) > p.cfg.MaxIdle
		e.mu.Unlock()
		if idle {
			stale = append(stale, id)
		}
	}
	p.mapMu.Unlock()

	for _, id := range stale {
		p.log.WithField("account_id", id).Info("connpool: evicting idle connection")
		p.Evict(id)
	}
}

var _ out.ConnPool = (*Pool)(nil)
