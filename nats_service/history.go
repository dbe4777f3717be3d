package nats_service

import (
	"strconv"

	"github.com/karthikraju391/roomsync/models"
)

// window keeps the newest limit messages seen before a cursor while a room's
// subject is scanned in sequence order.
type window struct {
	limit   int
	before  uint64
	seqs    []uint64
	items   []models.Envelope
	dropped bool
}

func newWindow(limit int, before uint64) *window {
	if limit <= 0 {
		limit = 50
	}
	return &window{limit: limit, before: before}
}

// accepts reports whether seq is still below the cursor.
func (w *window) accepts(seq uint64) bool {
	return w.before == 0 || seq < w.before
}

// add records a stored envelope. Delete envelopes are not history.
func (w *window) add(seq uint64, env models.Envelope) {
	if env.Kind == models.KindDelete {
		return
	}
	w.seqs = append(w.seqs, seq)
	w.items = append(w.items, env)
	if len(w.items) > w.limit {
		w.seqs = w.seqs[1:]
		w.items = w.items[1:]
		w.dropped = true
	}
}

// page returns the collected messages. Next points at the oldest returned
// message when older ones exist.
func (w *window) page() models.Page {
	p := models.Page{Items: append([]models.Envelope{}, w.items...)}
	if w.dropped && len(w.seqs) > 0 {
		p.Next = strconv.FormatUint(w.seqs[0], 10)
	}
	return p
}
