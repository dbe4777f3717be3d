// Package room derives the identifiers that scope socket and broker traffic.
// Clients and the relay must agree on these exactly, so every helper here is
// a pure function of its inputs.
package room

import (
	"fmt"
	"strings"
)

// Kind is the channel flavour a room belongs to.
type Kind string

const (
	KindChat          Kind = "chat"
	KindApprovals     Kind = "approvals"
	KindDecisions     Kind = "decisions"
	KindConsultations Kind = "consultations"
)

// Separator joins entity id and kind.
const Separator = "_"

var kinds = []Kind{KindChat, KindApprovals, KindDecisions, KindConsultations}

// Kinds lists the channel kinds known to this build.
func Kinds() []Kind {
	out := make([]Kind, len(kinds))
	copy(out, kinds)
	return out
}

func (k Kind) String() string { return string(k) }

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	for _, known := range kinds {
		if k == known {
			return true
		}
	}
	return false
}

// ParseKind accepts a known kind in any letter case.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown channel kind %q", s)
	}
	return k, nil
}

// ID returns the canonical room identifier. A zero entity id still yields a
// syntactically valid room; callers must not join before the entity is known.
func ID(entityID string, kind Kind) string {
	return entityID + Separator + string(kind)
}

// Split reverses ID. The kind is taken from the last separator so entity ids
// may themselves contain the separator.
func Split(roomID string) (entityID string, kind Kind, ok bool) {
	i := strings.LastIndex(roomID, Separator)
	if i < 0 {
		return "", "", false
	}
	return roomID[:i], Kind(roomID[i+len(Separator):]), true
}

// Subject maps a room id onto a broker subject below prefix. Characters that
// are structural in NATS subjects are replaced so the room stays one token.
func Subject(prefix, roomID string) string {
	return fmt.Sprintf("%s.%s", prefix, subjectToken(roomID))
}

// Wildcard matches every room subject below prefix.
func Wildcard(prefix string) string {
	return prefix + ".*"
}

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			b.WriteRune('-')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
