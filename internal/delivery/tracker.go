// Package delivery tracks unacknowledged DELIVER envelopes and drives the
// retry schedule. Every DELIVER written to an agent is registered here; an
// ACK settles it, and until then it is re-sent with exponential backoff
// (base * multiplier^n) to whatever connection currently serves the
// recipient. A delivery that exhausts its attempts or outlives its TTL is
// marked failed in the journal and reported to the observer.
package delivery

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agent-relay/relayd/internal/config"
	"github.com/agent-relay/relayd/internal/protocol"
)

// Target is the sending side of a live connection. The tracker re-resolves
// the target on every retry so a recipient that reconnected mid-schedule
// still receives the re-send.
type Target interface {
	ConnID() string
	Deliver(env *protocol.Envelope) error
}

// ResolveFunc returns the current connection for a recipient name, if any.
type ResolveFunc func(recipient string) (Target, bool)

// Journal is the persistence the tracker settles into. *store.Store
// implements it.
type Journal interface {
	MarkAcked(id string) error
	MarkFailed(id, reason string) error
}

// Observer is notified of terminal delivery failures. May be nil.
type Observer interface {
	DeliveryFailed(recipient string, env *protocol.Envelope, reason string)
}

type pending struct {
	env       *protocol.Envelope
	recipient string
	connID    string
	attempts  int
	firstSent time.Time
	delay     time.Duration
	timer     *time.Timer
}

// Tracker is safe for concurrent use.
type Tracker struct {
	cfg      config.DeliveryConfig
	resolve  ResolveFunc
	journal  Journal
	observer Observer
	log      zerolog.Logger

	mu      sync.Mutex
	entries map[string]*pending // connID + "\x00" + envelope id
	closed  bool
}

// New creates a tracker. journal may be nil (nothing is persisted), as may
// observer.
func New(cfg config.DeliveryConfig, resolve ResolveFunc, journal Journal, observer Observer, log zerolog.Logger) *Tracker {
	return &Tracker{
		cfg:      cfg,
		resolve:  resolve,
		journal:  journal,
		observer: observer,
		log:      log.With().Str("component", "delivery").Logger(),
		entries:  make(map[string]*pending),
	}
}

func key(connID, envID string) string {
	return connID + "\x00" + envID
}

// Track registers a DELIVER that was just written to connID. The write
// counts as attempt one; the first retry fires after the base delay.
func (t *Tracker) Track(connID, recipient string, env *protocol.Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	k := key(connID, env.ID)
	if prev, ok := t.entries[k]; ok {
		prev.timer.Stop()
	}
	p := &pending{
		env:       env,
		recipient: recipient,
		connID:    connID,
		attempts:  1,
		firstSent: time.Now(),
		delay:     t.cfg.Base(),
	}
	p.timer = time.AfterFunc(p.delay, func() { t.retry(k) })
	t.entries[k] = p
}

// Ack settles the delivery identified by (connID, envID). The journal is
// marked acked regardless of whether the tracker still held the entry, so
// late ACKs after a reconnect replay still settle the store record.
func (t *Tracker) Ack(connID, envID string) bool {
	t.mu.Lock()
	k := key(connID, envID)
	p, ok := t.entries[k]
	if ok {
		p.timer.Stop()
		delete(t.entries, k)
	}
	t.mu.Unlock()

	if t.journal != nil {
		if err := t.journal.MarkAcked(envID); err != nil {
			t.log.Error().Err(err).Str("id", envID).Msg("failed to mark delivery acked")
		}
	}
	return ok
}

// CancelConn drops every pending delivery keyed to connID and returns how
// many were dropped. Called when a connection unregisters; unacked
// deliveries survive in the journal and are replayed on session resume.
func (t *Tracker) CancelConn(connID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for k, p := range t.entries {
		if p.connID == connID {
			p.timer.Stop()
			delete(t.entries, k)
			n++
		}
	}
	return n
}

// PendingCount returns the number of unsettled deliveries.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Close stops all timers. Track becomes a no-op afterwards.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for k, p := range t.entries {
		p.timer.Stop()
		delete(t.entries, k)
	}
}

func (t *Tracker) retry(k string) {
	t.mu.Lock()
	p, ok := t.entries[k]
	if !ok || t.closed {
		t.mu.Unlock()
		return
	}

	if p.attempts >= t.cfg.MaxAttempts || time.Since(p.firstSent) >= t.cfg.TTL() {
		delete(t.entries, k)
		t.mu.Unlock()
		t.fail(p)
		return
	}

	target, online := t.resolve(p.recipient)
	if online {
		// The recipient may be on a fresh connection now; re-key so its
		// ACK still matches.
		if target.ConnID() != p.connID {
			delete(t.entries, k)
			p.connID = target.ConnID()
			k = key(p.connID, p.env.ID)
			t.entries[k] = p
		}
		if err := target.Deliver(p.env); err != nil {
			t.log.Debug().Err(err).Str("id", p.env.ID).
				Str("recipient", p.recipient).Msg("retry write failed")
		}
	}
	p.attempts++
	p.delay *= time.Duration(t.cfg.Multiplier)
	p.timer = time.AfterFunc(p.delay, func() { t.retry(k) })
	t.mu.Unlock()
}

func (t *Tracker) fail(p *pending) {
	reason := "delivery retries exhausted"
	t.log.Warn().Str("id", p.env.ID).Str("recipient", p.recipient).
		Int("attempts", p.attempts).Msg(reason)

	if t.journal != nil {
		if err := t.journal.MarkFailed(p.env.ID, reason); err != nil {
			t.log.Error().Err(err).Str("id", p.env.ID).Msg("failed to mark delivery failed")
		}
	}
	if t.observer != nil {
		t.observer.DeliveryFailed(p.recipient, p.env, reason)
	}
}
