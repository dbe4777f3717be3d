package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle position of a message in a room view.
type State string

const (
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
	StateDeleted   State = "deleted"
)

// Source records which path first delivered a message to the view.
type Source string

const (
	SourceHistory   Source = "history"
	SourceLocal     Source = "local"
	SourceBroadcast Source = "broadcast"
	SourceUpload    Source = "upload"
)

// Attachment describes an uploaded object; the bytes live elsewhere.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// ReplyRef is a value snapshot of a quoted message. It never points at the
// original, which may be deleted later.
type ReplyRef struct {
	QuotedText      string    `json:"quotedText"`
	QuotedAuthor    string    `json:"quotedAuthor"`
	QuotedTimestamp time.Time `json:"quotedTimestamp"`
	QuotedChannel   string    `json:"quotedChannel,omitempty"`
}

// Message is the canonical chat message every component operates on.
type Message struct {
	RoomID     string      `json:"roomId"`
	SenderID   string      `json:"senderId"`
	SenderName string      `json:"senderName"`
	LocalID    string      `json:"localId,omitempty"`
	ServerID   string      `json:"serverId,omitempty"`
	Body       string      `json:"body"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Reply      *ReplyRef   `json:"reply,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	State      State       `json:"state"`
	Source     Source      `json:"source"`
}

// Key returns the identity key used for deduplication: the server id when
// known, then the local id, then sender, body and timestamp.
func (m Message) Key() string {
	if m.ServerID != "" {
		return ServerKey(m.ServerID)
	}
	if m.LocalID != "" {
		return LocalKey(m.LocalID)
	}
	return "f:" + strings.ToLower(m.SenderID) + "|" + m.Body + "|" + m.Timestamp.UTC().Format(time.RFC3339Nano)
}

func ServerKey(serverID string) string { return "s:" + serverID }

func LocalKey(localID string) string { return "l:" + localID }

// Clone returns a copy that shares no pointers with m.
func (m Message) Clone() Message {
	if m.Attachment != nil {
		a := *m.Attachment
		m.Attachment = &a
	}
	if m.Reply != nil {
		r := *m.Reply
		m.Reply = &r
	}
	return m
}

// Identity names a chat participant.
type Identity struct {
	ID   string
	Name string
}

// SameSender compares the stable ids when both sides carry one and falls
// back to the display name otherwise. Both comparisons ignore case.
func (m Message) SameSender(who Identity) bool {
	if m.SenderID != "" && who.ID != "" {
		return strings.EqualFold(m.SenderID, who.ID)
	}
	if m.SenderName != "" && who.Name != "" {
		return strings.EqualFold(m.SenderName, who.Name)
	}
	return false
}

// NewLocalID returns a client id of the form <prefix>-<random>.
func NewLocalID(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "local"
	}
	return prefix + "-" + uuid.NewString()
}
