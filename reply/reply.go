// Package reply builds quote snapshots that travel with the next message a
// user sends.
package reply

import (
	"strings"
	"sync"

	"github.com/karthikraju391/roomsync/models"
)

// MaxQuoteLen bounds the quoted text, in runes.
const MaxQuoteLen = 280

// Quote snapshots original for embedding in a reply. Attachment-only messages
// quote the file name.
func Quote(original models.Message, channel string) models.ReplyRef {
	text := original.Body
	if strings.TrimSpace(text) == "" && original.Attachment != nil {
		text = original.Attachment.Name
	}
	author := original.SenderName
	if author == "" {
		author = original.SenderID
	}
	return models.ReplyRef{
		QuotedText:      truncate(text, MaxQuoteLen),
		QuotedAuthor:    author,
		QuotedTimestamp: original.Timestamp,
		QuotedChannel:   channel,
	}
}

// Draft holds the quote picked for the message being composed.
type Draft struct {
	mu    sync.Mutex
	quote *models.ReplyRef
}

// Set replaces the pending quote.
func (d *Draft) Set(ref models.ReplyRef) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.quote = &ref
}

// Peek returns the pending quote without consuming it.
func (d *Draft) Peek() (models.ReplyRef, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.quote == nil {
		return models.ReplyRef{}, false
	}
	return *d.quote, true
}

// Take returns and clears the pending quote.
func (d *Draft) Take() *models.ReplyRef {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.quote
	d.quote = nil
	return q
}

func (d *Draft) Clear() {
	d.mu.Lock()
	d.quote = nil
	d.mu.Unlock()
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
