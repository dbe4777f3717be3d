// Package dedup holds the ordered, identity-keyed message list of one room.
//
// A Store is not safe for concurrent use; its owner serializes access.
package dedup

import "github.com/karthikraju391/roomsync/models"

type entry struct {
	key string
	msg models.Message
}

// Store keeps messages in insertion order and remembers every identity key
// it has accepted, including keys of removed messages.
type Store struct {
	entries []entry
	seen    map[string]struct{}
}

func New() *Store {
	return &Store{seen: make(map[string]struct{})}
}

// Insert appends msg unless its identity key was seen before.
func (s *Store) Insert(msg models.Message) bool {
	key := msg.Key()
	if _, ok := s.seen[key]; ok {
		return false
	}
	s.seen[key] = struct{}{}
	s.entries = append(s.entries, entry{key: key, msg: msg})
	return true
}

// Prepend inserts msgs, in order, ahead of the current entries. Messages with
// seen keys are skipped. It returns how many were inserted.
func (s *Store) Prepend(msgs []models.Message) int {
	head := make([]entry, 0, len(msgs))
	for _, msg := range msgs {
		key := msg.Key()
		if _, ok := s.seen[key]; ok {
			continue
		}
		s.seen[key] = struct{}{}
		head = append(head, entry{key: key, msg: msg})
	}
	if len(head) == 0 {
		return 0
	}
	s.entries = append(head, s.entries...)
	return len(head)
}

// RemoveWhere drops every message matching pred and returns them in order.
// Their keys stay seen.
func (s *Store) RemoveWhere(pred func(models.Message) bool) []models.Message {
	var removed []models.Message
	kept := s.entries[:0]
	for _, e := range s.entries {
		if pred(e.msg) {
			removed = append(removed, e.msg)
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(s.entries); i++ {
		s.entries[i] = entry{}
	}
	s.entries = kept
	return removed
}

// Replace swaps the message stored under oldKey for msg in place. Both keys
// are seen afterwards. It reports false when oldKey is not stored, or when
// msg's key already belongs to a different entry.
func (s *Store) Replace(oldKey string, msg models.Message) bool {
	i := s.index(oldKey)
	if i < 0 {
		return false
	}
	newKey := msg.Key()
	if newKey != oldKey {
		if j := s.index(newKey); j >= 0 {
			return false
		}
	}
	s.seen[newKey] = struct{}{}
	s.entries[i] = entry{key: newKey, msg: msg}
	return true
}

// Get returns the stored message for key.
func (s *Store) Get(key string) (models.Message, bool) {
	if i := s.index(key); i >= 0 {
		return s.entries[i].msg, true
	}
	return models.Message{}, false
}

// Find returns the first stored message matching pred.
func (s *Store) Find(pred func(models.Message) bool) (models.Message, bool) {
	for _, e := range s.entries {
		if pred(e.msg) {
			return e.msg, true
		}
	}
	return models.Message{}, false
}

// Contains reports whether key belongs to a visible message.
func (s *Store) Contains(key string) bool {
	return s.index(key) >= 0
}

// Seen reports whether key was ever accepted or marked.
func (s *Store) Seen(key string) bool {
	_, ok := s.seen[key]
	return ok
}

// MarkSeen records key without storing a message, so later inserts of it
// are dropped.
func (s *Store) MarkSeen(key string) {
	s.seen[key] = struct{}{}
}

// Forget drops key from the seen set. Visible messages keep their key.
func (s *Store) Forget(key string) {
	if s.Contains(key) {
		return
	}
	delete(s.seen, key)
}

func (s *Store) Len() int { return len(s.entries) }

// Messages returns a copy of the visible sequence.
func (s *Store) Messages() []models.Message {
	out := make([]models.Message, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.msg.Clone()
	}
	return out
}

func (s *Store) index(key string) int {
	for i := range s.entries {
		if s.entries[i].key == key {
			return i
		}
	}
	return -1
}
