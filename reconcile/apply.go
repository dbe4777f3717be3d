package reconcile

import (
	"log/slog"
	"time"

	"github.com/karthikraju391/roomsync/models"
)

// Everything in this file runs on the engine's loop goroutine.

// applyHistory swaps the historical part of the list for msgs. Live entries
// (local sends, broadcasts, upload placeholders) are kept after the page
// unless the page already carries them. Tombstoned keys stay excluded.
func (e *Engine) applyHistory(msgs []models.Message, next string) {
	old := e.store.RemoveWhere(func(models.Message) bool { return true })

	var live []models.Message
	for _, m := range old {
		e.store.Forget(m.Key())
		if m.Source != models.SourceHistory {
			live = append(live, m)
		}
	}

	pageLocal := map[string]bool{}
	for _, m := range msgs {
		if e.store.Insert(m) && m.LocalID != "" {
			pageLocal[m.LocalID] = true
		}
	}
	for _, m := range live {
		if m.LocalID != "" && pageLocal[m.LocalID] {
			e.disarm(m.LocalID)
			continue
		}
		if !e.store.Insert(m) {
			e.disarm(m.LocalID)
		}
	}
	e.cursor = next
	e.publish()
}

// applyNew merges a broadcast new message.
func (e *Engine) applyNew(msg models.Message) {
	key := msg.Key()
	if existing, ok := e.store.Get(key); ok {
		if existing.State != models.StateConfirmed {
			e.confirm(key, existing, msg)
		}
		return
	}
	if e.store.Seen(key) {
		return
	}
	if msg.SameSender(e.self) {
		if own, ok := e.findEcho(msg); ok {
			e.confirm(own.Key(), own, msg)
			return
		}
	}
	if e.store.Insert(msg) {
		e.publish()
	}
}

// findEcho locates the optimistic copy a broadcast of our own confirms:
// same local id when the relay echoes it, otherwise the oldest unconfirmed
// local send with the same body.
func (e *Engine) findEcho(msg models.Message) (models.Message, bool) {
	if msg.LocalID != "" {
		return e.store.Find(func(m models.Message) bool {
			return m.LocalID == msg.LocalID && m.State != models.StateConfirmed
		})
	}
	return e.store.Find(func(m models.Message) bool {
		return m.Source == models.SourceLocal &&
			m.ServerID == "" &&
			m.State != models.StateConfirmed &&
			m.Body == msg.Body &&
			sameAttachment(m.Attachment, msg.Attachment)
	})
}

func sameAttachment(a, b *models.Attachment) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Name == b.Name
}

// confirm replaces the unconfirmed entry under oldKey with the server's copy,
// keeping local details the broadcast may not carry.
func (e *Engine) confirm(oldKey string, own, incoming models.Message) {
	merged := incoming
	merged.RoomID = e.roomID
	merged.State = models.StateConfirmed
	merged.Source = own.Source
	if merged.LocalID == "" {
		merged.LocalID = own.LocalID
	}
	if merged.ServerID == "" {
		merged.ServerID = own.ServerID
	}
	if merged.Attachment == nil {
		merged.Attachment = own.Attachment
	}
	if merged.Reply == nil {
		merged.Reply = own.Reply
	}
	if merged.SenderName == "" {
		merged.SenderName = own.SenderName
	}

	e.disarm(own.LocalID)
	if !e.store.Replace(oldKey, merged) {
		// The confirmed copy is already visible under its server key.
		e.store.RemoveWhere(func(m models.Message) bool { return m.Key() == oldKey })
	}
	e.publish()
}

// applyDelete removes the message with serverID and keeps its key tombstoned
// so no later page or broadcast brings it back.
func (e *Engine) applyDelete(serverID string) {
	if serverID == "" {
		return
	}
	removed := e.store.RemoveWhere(func(m models.Message) bool { return m.ServerID == serverID })
	e.store.MarkSeen(models.ServerKey(serverID))
	for _, m := range removed {
		e.disarm(m.LocalID)
		m.State = models.StateDeleted
		e.logger.Debug("message deleted", slog.String("server_id", m.ServerID), slog.String("state", string(m.State)))
	}
	if len(removed) > 0 {
		e.publish()
	}
}

// markFailed moves a pending local send to failed. Confirmed or removed
// entries are left alone.
func (e *Engine) markFailed(localID string) {
	e.disarm(localID)
	m, ok := e.store.Find(func(m models.Message) bool { return m.LocalID == localID })
	if !ok || m.State != models.StatePending {
		return
	}
	key := m.Key()
	m.State = models.StateFailed
	e.store.Replace(key, m)
	e.publish()
}

func (e *Engine) armAck(localID string) {
	if localID == "" {
		return
	}
	e.disarm(localID)
	e.timers[localID] = time.AfterFunc(e.ackTimeout, func() {
		_ = e.post(func() {
			e.logger.Info("no confirmation before timeout", slog.String("local_id", localID))
			e.markFailed(localID)
		})
	})
}

func (e *Engine) disarm(localID string) {
	if t, ok := e.timers[localID]; ok {
		t.Stop()
		delete(e.timers, localID)
	}
}

// publish offers the current snapshot on the changes channel, replacing a
// snapshot nobody has read yet.
func (e *Engine) publish() {
	snap := e.store.Messages()
	select {
	case e.changes <- snap:
		return
	default:
	}
	select {
	case <-e.changes:
	default:
	}
	select {
	case e.changes <- snap:
	default:
	}
}
