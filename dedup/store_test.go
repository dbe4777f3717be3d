package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karthikraju391/roomsync/models"
)

func msg(serverID, body string) models.Message {
	return models.Message{
		ServerID:  serverID,
		SenderID:  "u1",
		Body:      body,
		Timestamp: time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC),
		State:     models.StateConfirmed,
	}
}

func bodies(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body
	}
	return out
}

func TestInsertIsIdempotent(t *testing.T) {
	t.Parallel()

	s := New()
	m := msg("1", "hello")
	assert.True(t, s.Insert(m))
	assert.False(t, s.Insert(m))
	assert.Equal(t, 1, s.Len())
}

func TestInsertFallbackKey(t *testing.T) {
	t.Parallel()

	s := New()
	m := msg("", "no ids")
	assert.True(t, s.Insert(m))
	assert.False(t, s.Insert(m))

	later := m
	later.Timestamp = later.Timestamp.Add(time.Second)
	assert.True(t, s.Insert(later))
	assert.Equal(t, 2, s.Len())
}

func TestInsertionOrderPreserved(t *testing.T) {
	t.Parallel()

	s := New()
	for _, b := range []string{"c", "a", "b"} {
		s.Insert(msg(b, b))
	}
	assert.Equal(t, []string{"c", "a", "b"}, bodies(s.Messages()))
}

func TestRemoveWhereKeepsKeysSeen(t *testing.T) {
	t.Parallel()

	s := New()
	s.Insert(msg("41", "a"))
	s.Insert(msg("42", "b"))
	s.Insert(msg("43", "c"))

	removed := s.RemoveWhere(func(m models.Message) bool { return m.ServerID == "42" })
	require.Len(t, removed, 1)
	assert.Equal(t, "b", removed[0].Body)
	assert.Equal(t, []string{"a", "c"}, bodies(s.Messages()))

	assert.True(t, s.Seen(models.ServerKey("42")))
	assert.False(t, s.Insert(msg("42", "b again")))
	assert.Equal(t, 2, s.Len())
}

func TestReplaceSwapsInPlace(t *testing.T) {
	t.Parallel()

	s := New()
	s.Insert(msg("1", "first"))
	pending := models.Message{LocalID: "L1", Body: "hello", State: models.StatePending}
	s.Insert(pending)
	s.Insert(msg("3", "third"))

	confirmed := pending
	confirmed.ServerID = "77"
	confirmed.State = models.StateConfirmed
	require.True(t, s.Replace(models.LocalKey("L1"), confirmed))

	got := s.Messages()
	assert.Equal(t, []string{"first", "hello", "third"}, bodies(got))
	assert.Equal(t, models.StateConfirmed, got[1].State)
	assert.True(t, s.Seen(models.LocalKey("L1")))
	assert.True(t, s.Seen(models.ServerKey("77")))
	assert.False(t, s.Insert(confirmed))
}

func TestReplaceRejectsUnknownAndCollisions(t *testing.T) {
	t.Parallel()

	s := New()
	s.Insert(msg("1", "a"))
	s.Insert(msg("2", "b"))

	assert.False(t, s.Replace("s:missing", msg("9", "x")))
	assert.False(t, s.Replace(models.ServerKey("1"), msg("2", "dup")))
	assert.Equal(t, []string{"a", "b"}, bodies(s.Messages()))
}

func TestPrependSkipsSeen(t *testing.T) {
	t.Parallel()

	s := New()
	s.Insert(msg("5", "e"))
	s.MarkSeen(models.ServerKey("2"))

	n := s.Prepend([]models.Message{msg("1", "a"), msg("2", "b"), msg("3", "c"), msg("5", "e")})
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "c", "e"}, bodies(s.Messages()))
}

func TestForgetKeepsVisibleKeys(t *testing.T) {
	t.Parallel()

	s := New()
	s.Insert(msg("1", "a"))
	s.MarkSeen(models.ServerKey("2"))

	s.Forget(models.ServerKey("1"))
	s.Forget(models.ServerKey("2"))
	assert.True(t, s.Seen(models.ServerKey("1")))
	assert.False(t, s.Seen(models.ServerKey("2")))
}

func TestMessagesReturnsCopies(t *testing.T) {
	t.Parallel()

	s := New()
	m := msg("1", "a")
	m.Attachment = &models.Attachment{Name: "x"}
	s.Insert(m)

	out := s.Messages()
	out[0].Attachment.Name = "mutated"
	out[0].Body = "mutated"

	got, ok := s.Get(models.ServerKey("1"))
	require.True(t, ok)
	assert.Equal(t, "a", got.Body)
	assert.Equal(t, "x", got.Attachment.Name)
}
