// Package normalize turns wire envelopes from the history endpoint and the
// socket into canonical messages. Malformed nested fields degrade to absent
// values; they never fail the whole message.
package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/karthikraju391/roomsync/models"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// Normalizer converts envelopes to messages. Now supplies the timestamp for
// envelopes that carry none; with a fixed clock the conversion is pure.
type Normalizer struct {
	Now func() time.Time
}

// New returns a Normalizer using the wall clock.
func New() Normalizer {
	return Normalizer{Now: time.Now}
}

// Decode parses one raw wire record.
func Decode(data []byte) (models.Envelope, error) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return models.Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// Message builds the canonical message for env inside roomID. When roomID is
// empty the envelope's own room is used.
func (n Normalizer) Message(env models.Envelope, roomID string) models.Message {
	if roomID == "" {
		roomID = env.RoomID
	}
	ts, ok := parseTime(env.Date)
	if !ok {
		ts = n.now()
	}
	return models.Message{
		RoomID:     roomID,
		SenderID:   strings.TrimSpace(env.SenderID),
		SenderName: strings.TrimSpace(env.Sender),
		LocalID:    strings.TrimSpace(env.LocalID),
		ServerID:   ParseID(env.ID),
		Body:       env.Message,
		Attachment: parseAttachment(env.File),
		Reply:      parseReply(env.Reply),
		Timestamp:  ts,
		State:      models.StateConfirmed,
	}
}

// Batch normalizes a history page, keeping its order.
func (n Normalizer) Batch(envs []models.Envelope, roomID string, source models.Source) []models.Message {
	out := make([]models.Message, 0, len(envs))
	for _, env := range envs {
		m := n.Message(env, roomID)
		m.Source = source
		out = append(out, m)
	}
	return out
}

// DeleteTarget returns the server id a delete envelope refers to.
func DeleteTarget(env models.Envelope) string {
	if id := ParseID(env.DeleteID); id != "" {
		return id
	}
	return ParseID(env.ID)
}

// Envelope encodes m for the wire.
func Envelope(m models.Message, kind models.Kind) models.Envelope {
	env := models.Envelope{
		Kind:     kind,
		RoomID:   m.RoomID,
		ID:       models.RawID(m.ServerID),
		LocalID:  m.LocalID,
		SenderID: m.SenderID,
		Sender:   m.SenderName,
		Message:  m.Body,
	}
	if !m.Timestamp.IsZero() {
		env.Date = json.RawMessage(strconv.Quote(m.Timestamp.UTC().Format(time.RFC3339Nano)))
	}
	if m.Attachment != nil {
		if raw, err := json.Marshal(m.Attachment); err == nil {
			env.File = raw
		}
	}
	if m.Reply != nil {
		if raw, err := json.Marshal(m.Reply); err == nil {
			env.Reply = raw
		}
	}
	return env
}

// DeleteEnvelope builds the delete command for serverID.
func DeleteEnvelope(roomID, serverID string, who models.Identity) models.Envelope {
	return models.Envelope{
		Kind:     models.KindDelete,
		RoomID:   roomID,
		DeleteID: models.RawID(serverID),
		SenderID: who.ID,
		Sender:   who.Name,
	}
}

// ParseID accepts ids encoded as JSON numbers or strings.
func ParseID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return strings.TrimSpace(s)
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err != nil {
		return ""
	}
	return num.String()
}

func (n Normalizer) now() time.Time {
	if n.Now == nil {
		return time.Now()
	}
	return n.Now()
}

// unwrap returns the JSON object behind raw, which may be the object itself
// or a string holding the encoded object.
func unwrap(raw json.RawMessage) ([]byte, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, false
		}
		inner := bytes.TrimSpace([]byte(s))
		if len(inner) == 0 || inner[0] != '{' {
			return nil, false
		}
		return inner, true
	}
	if raw[0] != '{' {
		return nil, false
	}
	return raw, true
}

type wireAttachment struct {
	Name     string      `json:"name"`
	FileName string      `json:"fileName"`
	MimeType string      `json:"mimeType"`
	Type     string      `json:"type"`
	Size     json.Number `json:"size"`
	URI      string      `json:"uri"`
	URL      string      `json:"url"`
	Location string      `json:"location"`
}

func parseAttachment(raw json.RawMessage) *models.Attachment {
	obj, ok := unwrap(raw)
	if !ok {
		return nil
	}
	var w wireAttachment
	if err := json.Unmarshal(obj, &w); err != nil {
		return nil
	}
	a := models.Attachment{
		Name:     firstNonEmpty(w.Name, w.FileName),
		MimeType: firstNonEmpty(w.MimeType, w.Type),
		URI:      firstNonEmpty(w.URI, w.URL, w.Location),
	}
	if size, err := w.Size.Int64(); err == nil {
		a.Size = size
	}
	if a.Name == "" && a.URI == "" {
		return nil
	}
	return &a
}

type wireReply struct {
	QuotedText      string          `json:"quotedText"`
	Text            string          `json:"text"`
	QuotedAuthor    string          `json:"quotedAuthor"`
	Author          string          `json:"author"`
	QuotedTimestamp json.RawMessage `json:"quotedTimestamp"`
	Date            json.RawMessage `json:"date"`
	QuotedChannel   string          `json:"quotedChannel"`
	Channel         string          `json:"channel"`
}

func parseReply(raw json.RawMessage) *models.ReplyRef {
	obj, ok := unwrap(raw)
	if !ok {
		return nil
	}
	var w wireReply
	if err := json.Unmarshal(obj, &w); err != nil {
		return nil
	}
	r := models.ReplyRef{
		QuotedText:    firstNonEmpty(w.QuotedText, w.Text),
		QuotedAuthor:  firstNonEmpty(w.QuotedAuthor, w.Author),
		QuotedChannel: firstNonEmpty(w.QuotedChannel, w.Channel),
	}
	if ts, ok := parseTime(w.QuotedTimestamp); ok {
		r.QuotedTimestamp = ts
	} else if ts, ok := parseTime(w.Date); ok {
		r.QuotedTimestamp = ts
	}
	if r.QuotedText == "" && r.QuotedAuthor == "" {
		return nil
	}
	return &r
}

// parseTime accepts RFC 3339 strings and unix timestamps in seconds or
// milliseconds.
func parseTime(raw json.RawMessage) (time.Time, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, false
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return fromUnix(n), true
		}
		return time.Time{}, false
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err != nil {
		return time.Time{}, false
	}
	n, err := num.Int64()
	if err != nil {
		return time.Time{}, false
	}
	return fromUnix(n), true
}

func fromUnix(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n).UTC()
	}
	return time.Unix(n, 0).UTC()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
