// Package registry keeps the durable mapping of agent name to last-known
// metadata. The router consults it to distinguish "known but offline" agents
// (whose messages are queued) from unknown recipients (whose messages are
// dropped). Records survive daemon restarts in a badger keyspace shared with
// the message store's database directory.
package registry

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const keyPrefix = "agent:"

// Record is the last-known metadata for an agent name.
type Record struct {
	Name          string `json:"name"`
	EntityType    string `json:"entityType"`
	CLI           string `json:"cli,omitempty"`
	Program       string `json:"program,omitempty"`
	Model         string `json:"model,omitempty"`
	Task          string `json:"task,omitempty"`
	Cwd           string `json:"cwd,omitempty"`
	LastSessionID string `json:"lastSessionId,omitempty"`
	FirstSeen     int64  `json:"firstSeen"` // ms since epoch
	LastSeen      int64  `json:"lastSeen"`  // ms since epoch
	MessagesSent  uint64 `json:"messagesSent"`
	MessagesRecvd uint64 `json:"messagesReceived"`
}

// Registry is safe for concurrent use.
type Registry struct {
	db *badger.DB
	mu sync.Mutex // serializes read-modify-write of single records
}

// New wraps an open badger database. The caller owns the database lifecycle;
// the registry and the message store share one.
func New(db *badger.DB) *Registry {
	return &Registry{db: db}
}

// Upsert stores metadata for name, preserving FirstSeen and counters of an
// existing record.
func (r *Registry) Upsert(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UnixMilli()
	return r.db.Update(func(txn *badger.Txn) error {
		prev, err := getRecord(txn, rec.Name)
		if err == nil {
			rec.FirstSeen = prev.FirstSeen
			rec.MessagesSent = prev.MessagesSent
			rec.MessagesRecvd = prev.MessagesRecvd
		} else if err != badger.ErrKeyNotFound {
			return err
		} else {
			rec.FirstSeen = now
		}
		rec.LastSeen = now
		return putRecord(txn, rec)
	})
}

// Get returns the record for name, or ok=false when the name is unknown.
func (r *Registry) Get(name string) (Record, bool, error) {
	var rec Record
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn, name)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("registry get %s: %w", name, err)
	}
	return rec, true, nil
}

// IsKnown reports whether name has ever registered.
func (r *Registry) IsKnown(name string) bool {
	_, ok, err := r.Get(name)
	return err == nil && ok
}

// BumpSent increments the sent counter and refreshes LastSeen.
func (r *Registry) BumpSent(name string) error {
	return r.bump(name, func(rec *Record) { rec.MessagesSent++ })
}

// BumpReceived increments the received counter and refreshes LastSeen.
func (r *Registry) BumpReceived(name string) error {
	return r.bump(name, func(rec *Record) { rec.MessagesRecvd++ })
}

func (r *Registry) bump(name string, apply func(*Record)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.db.Update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, name)
		if err == badger.ErrKeyNotFound {
			return nil // counters only exist for registered agents
		}
		if err != nil {
			return err
		}
		apply(&rec)
		rec.LastSeen = time.Now().UnixMilli()
		return putRecord(txn, rec)
	})
}

// All returns every registered record.
func (r *Registry) All() ([]Record, error) {
	var out []Record
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var rec Record
				if err := json.Unmarshal(val, &rec); err != nil {
					return err
				}
				out = append(out, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("registry scan: %w", err)
	}
	return out, nil
}

func getRecord(txn *badger.Txn, name string) (Record, error) {
	item, err := txn.Get([]byte(keyPrefix + name))
	if err != nil {
		return Record{}, err
	}
	var rec Record
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	return rec, err
}

func putRecord(txn *badger.Txn, rec Record) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return txn.Set([]byte(keyPrefix+rec.Name), val)
}
