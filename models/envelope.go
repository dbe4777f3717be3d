package models

import (
	"encoding/json"
	"strconv"
)

// Kind discriminates socket envelopes.
type Kind string

const (
	KindNew    Kind = "new"
	KindDelete Kind = "delete"
)

// Socket events.
const (
	EventJoinRoom        = "join-room"
	EventLeaveRoom       = "leave-room"
	EventSendMessage     = "send-message"
	EventMessageReceived = "message-received"
	EventError           = "error"
)

// Envelope is the wire record used by the history endpoint and socket
// events. Id, File, reply and date arrive in more than one shape, so they are
// kept raw until normalization.
type Envelope struct {
	Kind     Kind            `json:"kind,omitempty"`
	RoomID   string          `json:"roomId,omitempty"`
	ID       json.RawMessage `json:"id,omitempty"`
	DeleteID json.RawMessage `json:"deleteId,omitempty"`
	LocalID  string          `json:"localId,omitempty"`
	SenderID string          `json:"senderId,omitempty"`
	Sender   string          `json:"sender,omitempty"`
	Message  string          `json:"message,omitempty"`
	File     json.RawMessage `json:"File,omitempty"`
	Reply    json.RawMessage `json:"reply,omitempty"`
	Date     json.RawMessage `json:"date,omitempty"`
}

// Page is one batch from the history endpoint, oldest first. Next is the
// cursor for the page before it; empty when there is none.
type Page struct {
	Items []Envelope `json:"items"`
	Next  string     `json:"next,omitempty"`
}

// Frame is one websocket message in either direction.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals data into a frame for event.
func NewFrame(event string, data any) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: raw}, nil
}

// RawID encodes an id as a JSON number when it is all digits, otherwise as a
// JSON string. Empty ids encode to nil.
func RawID(id string) json.RawMessage {
	if id == "" {
		return nil
	}
	if _, err := strconv.ParseUint(id, 10, 64); err == nil {
		return json.RawMessage(id)
	}
	return json.RawMessage(strconv.Quote(id))
}
