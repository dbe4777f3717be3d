package handlers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karthikraju391/roomsync/config"
	"github.com/karthikraju391/roomsync/models"
)

func newTestHub(svc *fakeService) *Hub {
	return NewHub(svc, config.Default().Socket, quietLogger())
}

func frame(t *testing.T, event string, data any) models.Frame {
	t.Helper()
	f, err := models.NewFrame(event, data)
	require.NoError(t, err)
	return f
}

func next(t *testing.T, c *Client) models.Frame {
	t.Helper()
	select {
	case f := <-c.MessageChan:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame queued")
		return models.Frame{}
	}
}

func assertIdle(t *testing.T, c *Client) {
	t.Helper()
	select {
	case f := <-c.MessageChan:
		t.Fatalf("unexpected frame %s", f.Event)
	default:
	}
}

func TestHubFanOutByRoom(t *testing.T) {
	t.Parallel()

	hub := newTestHub(newFakeService())
	a, b, other := NewClient(nil, hub, "a"), NewClient(nil, hub, "b"), NewClient(nil, hub, "c")
	ctx := context.Background()

	a.handleFrame(ctx, frame(t, models.EventJoinRoom, "12_chat"))
	b.handleFrame(ctx, frame(t, models.EventJoinRoom, "12_chat"))
	other.handleFrame(ctx, frame(t, models.EventJoinRoom, "12_approvals"))
	assert.Equal(t, 2, hub.Members("12_chat"))

	hub.Broadcast(models.Envelope{Kind: models.KindNew, RoomID: "12_chat", ID: json.RawMessage(`5`), Message: "hi"})

	for _, c := range []*Client{a, b} {
		f := next(t, c)
		assert.Equal(t, models.EventMessageReceived, f.Event)
		var env models.Envelope
		require.NoError(t, json.Unmarshal(f.Data, &env))
		assert.Equal(t, "hi", env.Message)
	}
	assertIdle(t, other)

	b.handleFrame(ctx, frame(t, models.EventLeaveRoom, "12_chat"))
	hub.drop(a)
	assert.Zero(t, hub.Members("12_chat"))
	assert.Equal(t, 1, hub.Members("12_approvals"))
}

func TestSendRequiresJoin(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	hub := newTestHub(svc)
	c := NewClient(nil, hub, "a")

	c.handleFrame(context.Background(), frame(t, models.EventSendMessage, models.Envelope{RoomID: "12_chat", Message: "hi"}))
	f := next(t, c)
	assert.Equal(t, models.EventError, f.Event)
	assert.Empty(t, svc.publishedCopy())
}

func TestInvalidFramesAnswerWithError(t *testing.T) {
	t.Parallel()

	hub := newTestHub(newFakeService())
	c := NewClient(nil, hub, "a")
	ctx := context.Background()

	c.handleFrame(ctx, frame(t, models.EventJoinRoom, "not-a-room"))
	assert.Equal(t, models.EventError, next(t, c).Event)

	c.handleFrame(ctx, models.Frame{Event: "typing"})
	assert.Equal(t, models.EventError, next(t, c).Event)

	c.handleFrame(ctx, frame(t, models.EventJoinRoom, "1_chat"))
	c.handleFrame(ctx, frame(t, models.EventSendMessage, models.Envelope{Kind: "edit", RoomID: "1_chat"}))
	assert.Equal(t, models.EventError, next(t, c).Event)
}

func TestSendAndDeleteReachStore(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	hub := newTestHub(svc)
	svc.onPublish = hub.Broadcast
	c := NewClient(nil, hub, "a")
	ctx := context.Background()

	c.handleFrame(ctx, frame(t, models.EventJoinRoom, "12_chat"))
	c.handleFrame(ctx, frame(t, models.EventSendMessage, models.Envelope{Kind: models.KindNew, RoomID: "12_chat", LocalID: "ali-1", Sender: "Ali", Message: "hello"}))

	echo := next(t, c)
	var env models.Envelope
	require.NoError(t, json.Unmarshal(echo.Data, &env))
	assert.JSONEq(t, `1`, string(env.ID))
	assert.Equal(t, "ali-1", env.LocalID)

	c.handleFrame(ctx, frame(t, models.EventSendMessage, models.Envelope{Kind: models.KindDelete, RoomID: "12_chat", DeleteID: json.RawMessage(`1`)}))
	del := next(t, c)
	require.NoError(t, json.Unmarshal(del.Data, &env))
	assert.Equal(t, models.KindDelete, env.Kind)
	assert.Equal(t, []string{"12_chat/1"}, svc.deletedCopy())
}

func TestSendRateLimited(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	cfg := config.Default().Socket
	cfg.SendRate, cfg.SendBurst = 0.001, 2
	hub := NewHub(svc, cfg, quietLogger())
	c := NewClient(nil, hub, "a")
	ctx := context.Background()

	c.handleFrame(ctx, frame(t, models.EventJoinRoom, "12_chat"))
	for i := 0; i < 3; i++ {
		c.handleFrame(ctx, frame(t, models.EventSendMessage, models.Envelope{RoomID: "12_chat", Message: "spam"}))
	}

	assert.Equal(t, models.EventError, next(t, c).Event)
	assert.Len(t, svc.publishedCopy(), 2)
}
