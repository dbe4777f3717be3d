package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/karthikraju391/roomsync/models"
)

func TestPrinterGroupsByDay(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	msgs := []models.Message{
		{ServerID: "1", SenderName: "Ali", Body: "old", Timestamp: now.AddDate(0, 0, -5), State: models.StateConfirmed},
		{ServerID: "2", SenderName: "Ali", Body: "yday", Timestamp: now.AddDate(0, 0, -1), State: models.StateConfirmed},
		{ServerID: "3", SenderName: "Sam", Body: "hi", Timestamp: now.Add(-time.Hour), State: models.StateConfirmed,
			Reply: &models.ReplyRef{QuotedAuthor: "Ali", QuotedText: "yday"}},
	}

	var buf bytes.Buffer
	newPrinter(&buf, time.UTC).update(msgs, now)

	want := "-- older --\n" +
		"  12:00 [1] Ali: old\n" +
		"-- yesterday --\n" +
		"  12:00 [2] Ali: yday\n" +
		"-- today --\n" +
		"  11:00 [3] Sam: (re Ali: \"yday\") hi\n"
	assert.Equal(t, want, buf.String())
}

func TestPrinterReportsStateChanges(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	pending := models.Message{LocalID: "a1", SenderID: "7", Body: "hello", Timestamp: now, State: models.StatePending}

	var buf bytes.Buffer
	p := newPrinter(&buf, time.UTC)
	p.update([]models.Message{pending}, now)

	confirmed := pending
	confirmed.ServerID = "9"
	confirmed.State = models.StateConfirmed
	p.update([]models.Message{confirmed}, now)
	p.update([]models.Message{confirmed}, now)
	p.update(nil, now)

	want := "-- today --\n" +
		"… 12:00 [-] 7: hello\n" +
		"   l:a1 is now confirmed\n" +
		"   [l:a1 removed]\n"
	assert.Equal(t, want, buf.String())
}

func TestPrinterShowsAttachments(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	m := models.Message{
		ServerID:   "4",
		SenderName: "Ali",
		Timestamp:  now,
		State:      models.StateFailed,
		Attachment: &models.Attachment{Name: "cat.png"},
	}

	var buf bytes.Buffer
	newPrinter(&buf, time.UTC).update([]models.Message{m}, now)
	assert.Contains(t, buf.String(), "! 12:00 [4] Ali: [file cat.png]\n")
}
