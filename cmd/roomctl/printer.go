package main

import (
	"fmt"
	"io"
	"time"

	"github.com/karthikraju391/roomsync/models"
)

// printer writes a room's messages as a log, printing each message once and
// again only when its state changes.
type printer struct {
	w      io.Writer
	loc    *time.Location
	shown  map[string]models.State
	bucket models.Bucket
}

func newPrinter(w io.Writer, loc *time.Location) *printer {
	return &printer{w: w, loc: loc, shown: map[string]models.State{}}
}

// identity survives confirmation, which changes a local send's key.
func identity(m models.Message) string {
	if m.LocalID != "" {
		return "l:" + m.LocalID
	}
	return m.Key()
}

func (p *printer) update(msgs []models.Message, now time.Time) {
	present := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		id := identity(m)
		present[id] = true
		if prev, ok := p.shown[id]; ok && prev == m.State {
			continue
		}
		_, seen := p.shown[id]
		p.shown[id] = m.State
		if b := models.DayBucket(m.Timestamp, now, p.loc); !seen && b != p.bucket {
			p.bucket = b
			fmt.Fprintf(p.w, "-- %s --\n", b)
		}
		p.line(id, m, seen)
	}
	for id := range p.shown {
		if !present[id] {
			delete(p.shown, id)
			fmt.Fprintf(p.w, "   [%s removed]\n", id)
		}
	}
}

func (p *printer) line(id string, m models.Message, update bool) {
	marker := " "
	switch m.State {
	case models.StatePending:
		marker = "…"
	case models.StateFailed:
		marker = "!"
	}
	if update {
		fmt.Fprintf(p.w, "%s  %s is now %s\n", marker, id, m.State)
		return
	}
	server := m.ServerID
	if server == "" {
		server = "-"
	}
	fmt.Fprintf(p.w, "%s %s [%s] %s:", marker, m.Timestamp.In(p.loc).Format("15:04"), server, sender(m))
	if m.Reply != nil {
		fmt.Fprintf(p.w, " (re %s: %q)", m.Reply.QuotedAuthor, m.Reply.QuotedText)
	}
	if m.Body != "" {
		fmt.Fprintf(p.w, " %s", m.Body)
	}
	if m.Attachment != nil {
		fmt.Fprintf(p.w, " [file %s]", m.Attachment.Name)
	}
	fmt.Fprintln(p.w)
}

func sender(m models.Message) string {
	if m.SenderName != "" {
		return m.SenderName
	}
	return m.SenderID
}
