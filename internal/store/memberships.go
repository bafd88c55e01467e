package store

import (
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// Channel membership persistence. The in-memory channel maps in the router
// are rebuilt per connection; these records are the durable side that drives
// silent auto-rejoin on reconnect. Keys are lowercased for case-insensitive
// matching; values keep the original casing of channel and member.

func memberKey(channel, member string) []byte {
	return []byte("chan:" + strings.ToLower(channel) + ":" + strings.ToLower(member))
}

func memberIndexKey(member, channel string) []byte {
	return []byte("member:" + strings.ToLower(member) + ":" + strings.ToLower(channel))
}

// AddChannelMember records membership durably. Idempotent.
func (s *Store) AddChannelMember(channel, member string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(memberKey(channel, member), []byte(member)); err != nil {
			return err
		}
		return txn.Set(memberIndexKey(member, channel), []byte(channel))
	})
	if err != nil {
		return fmt.Errorf("persist membership %s in %s: %w", member, channel, err)
	}
	return nil
}

// RemoveChannelMember deletes the membership. Tolerates any casing and
// absent records.
func (s *Store) RemoveChannelMember(channel, member string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(memberKey(channel, member)); err != nil {
			return err
		}
		return txn.Delete(memberIndexKey(member, channel))
	})
	if err != nil {
		return fmt.Errorf("remove membership %s in %s: %w", member, channel, err)
	}
	return nil
}

// ChannelsFor returns the channels member belongs to, in their original
// casing.
func (s *Store) ChannelsFor(member string) ([]string, error) {
	return s.scanValues("member:" + strings.ToLower(member) + ":")
}

// ChannelMembers returns the persisted members of channel, original casing.
func (s *Store) ChannelMembers(channel string) ([]string, error) {
	return s.scanValues("chan:" + strings.ToLower(channel) + ":")
}

func (s *Store) scanValues(prefix string) ([]string, error) {
	var out []string
	p := []byte(prefix)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				out = append(out, string(val))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("membership scan %s: %w", prefix, err)
	}
	return out, nil
}
