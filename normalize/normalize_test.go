package normalize

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karthikraju391/roomsync/models"
)

var fixedNow = time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)

func testNormalizer() Normalizer {
	return Normalizer{Now: func() time.Time { return fixedNow }}
}

func decode(t *testing.T, payload string) models.Envelope {
	t.Helper()
	env, err := Decode([]byte(payload))
	require.NoError(t, err)
	return env
}

func TestMessageStructuredFields(t *testing.T) {
	t.Parallel()

	env := decode(t, `{
		"kind": "new",
		"id": 77,
		"localId": "0912-abc",
		"senderId": "u1",
		"sender": "Ali",
		"message": "see attached",
		"File": {"name": "plan.pdf", "mimeType": "application/pdf", "size": 2048, "uri": "files/plan.pdf"},
		"reply": {"quotedText": "send the plan", "quotedAuthor": "Sara", "quotedTimestamp": "2026-10-14T10:00:00Z"},
		"date": "2026-10-15T07:59:00Z"
	}`)

	m := testNormalizer().Message(env, "12_chat")
	assert.Equal(t, "12_chat", m.RoomID)
	assert.Equal(t, "77", m.ServerID)
	assert.Equal(t, "0912-abc", m.LocalID)
	assert.Equal(t, "u1", m.SenderID)
	assert.Equal(t, "Ali", m.SenderName)
	assert.Equal(t, models.StateConfirmed, m.State)
	require.NotNil(t, m.Attachment)
	assert.Equal(t, models.Attachment{Name: "plan.pdf", MimeType: "application/pdf", Size: 2048, URI: "files/plan.pdf"}, *m.Attachment)
	require.NotNil(t, m.Reply)
	assert.Equal(t, "send the plan", m.Reply.QuotedText)
	assert.Equal(t, "Sara", m.Reply.QuotedAuthor)
	assert.True(t, m.Reply.QuotedTimestamp.Equal(time.Date(2026, 10, 14, 10, 0, 0, 0, time.UTC)))
	assert.True(t, m.Timestamp.Equal(time.Date(2026, 10, 15, 7, 59, 0, 0, time.UTC)))
}

func TestMessageStringEncodedFields(t *testing.T) {
	t.Parallel()

	env := decode(t, `{
		"id": "abc-9",
		"sender": "Sara",
		"File": "{\"fileName\":\"photo.jpg\",\"type\":\"image/jpeg\",\"size\":\"512\",\"url\":\"https://cdn/photo.jpg\"}",
		"reply": "{\"text\":\"ok?\",\"author\":\"Ali\",\"date\":1760000000000,\"channel\":\"approvals\"}",
		"date": 1760512000
	}`)

	m := testNormalizer().Message(env, "")
	assert.Equal(t, "abc-9", m.ServerID)
	require.NotNil(t, m.Attachment)
	assert.Equal(t, "photo.jpg", m.Attachment.Name)
	assert.Equal(t, "image/jpeg", m.Attachment.MimeType)
	assert.Equal(t, int64(512), m.Attachment.Size)
	assert.Equal(t, "https://cdn/photo.jpg", m.Attachment.URI)
	require.NotNil(t, m.Reply)
	assert.Equal(t, "approvals", m.Reply.QuotedChannel)
	assert.True(t, m.Reply.QuotedTimestamp.Equal(time.UnixMilli(1760000000000)))
	assert.True(t, m.Timestamp.Equal(time.Unix(1760512000, 0)))
}

func TestMalformedNestedFieldsDegrade(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		file string
	}{
		{name: "broken json string", file: `"{not json"`},
		{name: "plain string", file: `"report.pdf"`},
		{name: "empty string", file: `""`},
		{name: "null", file: `null`},
		{name: "number", file: `42`},
		{name: "wrong field types", file: `{"name": 5}`},
		{name: "empty object", file: `{}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			env := decode(t, `{"id": 5, "sender": "Ali", "message": "hi", "File": `+tt.file+`, "reply": `+tt.file+`}`)
			m := testNormalizer().Message(env, "1_chat")
			assert.Nil(t, m.Attachment)
			assert.Nil(t, m.Reply)
			assert.Equal(t, "hi", m.Body)
			assert.Equal(t, "5", m.ServerID)
		})
	}
}

func TestMissingTimestampUsesClock(t *testing.T) {
	t.Parallel()

	for _, date := range []string{``, `,"date": null`, `,"date": "yesterday"`} {
		env := decode(t, `{"message": "typing"`+date+`}`)
		m := testNormalizer().Message(env, "1_chat")
		assert.True(t, m.Timestamp.Equal(fixedNow), "date %q", date)
	}
}

func TestMessageIsDeterministic(t *testing.T) {
	t.Parallel()

	env := decode(t, `{"id": 1, "sender": "Ali", "message": "x", "File": "{\"name\":\"a\"}"}`)
	n := testNormalizer()
	assert.Equal(t, n.Message(env, "1_chat"), n.Message(env, "1_chat"))
}

func TestDecodeRejectsNonObject(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte(`[1,2]`))
	require.Error(t, err)
}

func TestDeleteTarget(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "42", DeleteTarget(models.Envelope{DeleteID: json.RawMessage(`42`)}))
	assert.Equal(t, "42", DeleteTarget(models.Envelope{ID: json.RawMessage(`"42"`)}))
	assert.Equal(t, "", DeleteTarget(models.Envelope{ID: json.RawMessage(`true`)}))
}

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	orig := models.Message{
		RoomID:     "3_approvals",
		SenderID:   "u1",
		SenderName: "Ali",
		LocalID:    "u1-x",
		ServerID:   "9",
		Body:       "approved",
		Attachment: &models.Attachment{Name: "sig.png", Size: 10},
		Reply:      &models.ReplyRef{QuotedText: "approve?", QuotedAuthor: "Sara", QuotedTimestamp: fixedNow},
		Timestamp:  fixedNow,
	}
	env := Envelope(orig, models.KindNew)
	assert.Equal(t, models.KindNew, env.Kind)

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	back := testNormalizer().Message(decode(t, string(raw)), "")

	orig.State = models.StateConfirmed
	assert.Equal(t, orig.ServerID, back.ServerID)
	assert.Equal(t, *orig.Attachment, *back.Attachment)
	assert.Equal(t, orig.Reply.QuotedText, back.Reply.QuotedText)
	assert.True(t, orig.Reply.QuotedTimestamp.Equal(back.Reply.QuotedTimestamp))
	assert.True(t, orig.Timestamp.Equal(back.Timestamp))
}

func TestBatchKeepsOrder(t *testing.T) {
	t.Parallel()

	envs := []models.Envelope{
		{ID: json.RawMessage(`1`)},
		{ID: json.RawMessage(`2`)},
		{ID: json.RawMessage(`3`)},
	}
	msgs := testNormalizer().Batch(envs, "1_chat", models.SourceHistory)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, string(rune('1'+i)), m.ServerID)
		assert.Equal(t, models.SourceHistory, m.Source)
	}
}
