// Package store persists routed messages in badger. It backs three router
// behaviours: the offline queue (messages for known-but-offline or spawning
// agents), session-resume replay (unacked deliveries re-sent when an agent
// reconnects with the same session id), and the audit trail of delivered and
// failed messages. Storage failures are surfaced to an observer and never
// block in-memory routing.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/dgraph-io/badger/v4"
)

// Open opens the badger database under dir, creating it as needed. An empty
// dir opens an in-memory database (tests).
func Open(dir string) (*badger.DB, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
		opts = badger.DefaultOptions(dir)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return db, nil
}

// Status of a stored message.
type Status string

const (
	StatusStored    Status = "stored"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// Message is one persisted routing record.
type Message struct {
	ID       string          `json:"id"`
	Envelope json.RawMessage `json:"envelope"`
	From     string          `json:"from"`
	To       string          `json:"to"`
	Topic    string          `json:"topic,omitempty"`
	TS       int64           `json:"ts"` // ms since epoch

	Status        Status `json:"status"`
	FailureReason string `json:"failureReason,omitempty"`

	OfflineQueued  bool `json:"offlineQueued,omitempty"`
	CrossMachine   bool `json:"crossMachine,omitempty"`
	ChannelMessage bool `json:"isChannelMessage,omitempty"`
	Broadcast      bool `json:"is_broadcast,omitempty"`

	DeliverySessionID string `json:"deliverySessionId,omitempty"`
	DeliverySeq       uint64 `json:"deliverySeq,omitempty"`
	Acked             bool   `json:"acked,omitempty"`
}

// Store is safe for concurrent use.
type Store struct {
	db *badger.DB
}

// New wraps an open badger database shared with the registry.
func New(db *badger.DB) *Store {
	return &Store{db: db}
}

func msgKey(id string) []byte {
	return []byte("msg:" + id)
}

// toKey orders per-recipient index entries by timestamp: fixed-width ms
// keeps badger's lexicographic iteration chronological.
func toKey(to string, ts int64, id string) []byte {
	return []byte(fmt.Sprintf("to:%s:%013d:%s", to, ts, id))
}

// Save persists the message and its recipient index entry.
func (s *Store) Save(m *Message) error {
	val, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message %s: %w", m.ID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(msgKey(m.ID), val); err != nil {
			return err
		}
		if m.To != "" {
			return txn.Set(toKey(m.To, m.TS, m.ID), []byte(m.ID))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save message %s: %w", m.ID, err)
	}
	return nil
}

// Get returns the message by id, or ok=false.
func (s *Store) Get(id string) (*Message, bool, error) {
	var m Message
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(msgKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &m)
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get message %s: %w", id, err)
	}
	return &m, true, nil
}

// MarkDelivered transitions the record to delivered and clears the offline
// flag so it is not replayed again.
func (s *Store) MarkDelivered(id string) error {
	return s.update(id, func(m *Message) {
		m.Status = StatusDelivered
		m.OfflineQueued = false
	})
}

// MarkFailed records a terminal delivery failure.
func (s *Store) MarkFailed(id, reason string) error {
	return s.update(id, func(m *Message) {
		m.Status = StatusFailed
		m.FailureReason = reason
	})
}

// MarkAcked settles a delivery: acked implies delivered.
func (s *Store) MarkAcked(id string) error {
	return s.update(id, func(m *Message) {
		m.Acked = true
		m.Status = StatusDelivered
	})
}

func (s *Store) update(id string, apply func(*Message)) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(msgKey(id))
		if err != nil {
			return err
		}
		var m Message
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &m)
		}); err != nil {
			return err
		}
		apply(&m)
		val, err := json.Marshal(&m)
		if err != nil {
			return err
		}
		return txn.Set(msgKey(id), val)
	})
	if err == badger.ErrKeyNotFound {
		return nil // ack/mark for an unknown id is ignored
	}
	if err != nil {
		return fmt.Errorf("update message %s: %w", id, err)
	}
	return nil
}

// OfflineQueued returns the stored, still-queued messages addressed to name
// in ascending timestamp order.
func (s *Store) OfflineQueued(name string) ([]*Message, error) {
	return s.scanTo(name, func(m *Message) bool {
		return m.OfflineQueued && m.Status == StatusStored
	})
}

// UnackedForSession returns unacked deliveries whose session matches, in
// ascending delivery.seq order; the router re-sends them on session resume.
func (s *Store) UnackedForSession(name, sessionID string) ([]*Message, error) {
	out, err := s.scanTo(name, func(m *Message) bool {
		return !m.Acked && m.Status != StatusFailed &&
			m.DeliverySessionID != "" && m.DeliverySessionID == sessionID
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DeliverySeq < out[j].DeliverySeq
	})
	return out, nil
}

func (s *Store) scanTo(name string, keep func(*Message) bool) ([]*Message, error) {
	var ids []string
	prefix := []byte("to:" + name + ":")
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				ids = append(ids, string(val))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan messages for %s: %w", name, err)
	}

	var out []*Message
	for _, id := range ids {
		m, ok, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		if ok && keep(m) {
			out = append(out, m)
		}
	}
	return out, nil
}
