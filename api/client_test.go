package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karthikraju391/roomsync/models"
	"github.com/karthikraju391/roomsync/upload"
)

func TestHistory(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/rooms/12_chat/messages", r.URL.Path)
		assert.Equal(t, "40", r.URL.Query().Get("cursor"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		_, _ = io.WriteString(w, `{"items":[{"id":38,"message":"a"},{"id":39,"message":"b","File":"{not json"}],"next":"38"}`)
	}))
	defer srv.Close()

	page, err := New(srv.URL).History(context.Background(), "12_chat", "40", 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "b", page.Items[1].Message)
	assert.Equal(t, "38", page.Next)
}

func TestStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "room closed", http.StatusGone)
	}))
	defer srv.Close()

	err := New(srv.URL).MarkViewed(context.Background(), "12_chat", "u1")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusGone, se.Code)
	assert.Equal(t, "room closed", se.Body)
}

func TestMarkViewed(t *testing.T) {
	t.Parallel()

	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/rooms/12_chat/viewed", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, New(srv.URL).MarkViewed(context.Background(), "12_chat", "u1"))
	assert.Equal(t, map[string]string{"userId": "u1"}, got)
}

func TestUploadFlow(t *testing.T) {
	t.Parallel()

	var stored string
	var record upload.FileRecord
	mux := http.NewServeMux()
	mux.HandleFunc("/api/uploads", func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		_ = json.NewEncoder(w).Encode(upload.Target{
			URL:   "/api/uploads/tok-1",
			Token: "tok-1",
			Name:  "abc-" + in["name"],
			URI:   "/api/files/abc-" + in["name"],
		})
	})
	mux.HandleFunc("/api/uploads/tok-1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Equal(t, "text/plain", r.Header.Get("Content-Type"))
		b, _ := io.ReadAll(r.Body)
		stored = string(b)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/rooms/7_approvals/files", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&record))
		_, _ = io.WriteString(w, `{"id": 501}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL)
	ctx := context.Background()

	target, err := c.InitUpload(ctx, "note.txt")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/api/uploads/tok-1", target.URL)

	var last int64
	body := "hello world"
	err = c.PutObject(ctx, target, strings.NewReader(body), int64(len(body)), "text/plain", func(n int64) { last = n })
	require.NoError(t, err)
	assert.Equal(t, body, stored)
	assert.Equal(t, int64(len(body)), last)

	id, err := c.InsertFileRecord(ctx, upload.FileRecord{
		RoomID: "7_approvals",
		Sender: "Ali",
		File:   models.Attachment{Name: target.Name, URI: target.URI},
	})
	require.NoError(t, err)
	assert.Equal(t, "501", id)
	assert.Equal(t, "abc-note.txt", record.File.Name)
}

func TestClientSatisfiesUploadBackend(t *testing.T) {
	t.Parallel()

	var _ upload.Backend = New("http://example.invalid")
}
