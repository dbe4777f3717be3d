package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/karthikraju391/roomsync/config"
	"github.com/karthikraju391/roomsync/models"
	"github.com/karthikraju391/roomsync/normalize"
	"github.com/karthikraju391/roomsync/room"
)

// RoomService is the message store behind the relay.
type RoomService interface {
	PublishMessage(ctx context.Context, env models.Envelope) (models.Envelope, error)
	Delete(ctx context.Context, roomID, serverID string, who models.Identity) error
	History(ctx context.Context, roomID, cursor string, limit int) (models.Page, error)
	MarkViewed(ctx context.Context, roomID, userID string) error
	LastViewed(ctx context.Context, roomID, userID string) (time.Time, error)
	ReserveUpload(ctx context.Context, name string) (token, object string, err error)
	StoreUpload(ctx context.Context, token, contentType string, r io.Reader) (string, error)
	OpenFile(ctx context.Context, name string) (io.ReadCloser, string, error)
}

// Hub tracks which connections joined which rooms and fans broadcasts out
// to them.
type Hub struct {
	svc    RoomService
	cfg    config.SocketConfig
	logger *slog.Logger

	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
}

func NewHub(svc RoomService, cfg config.SocketConfig, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		svc:    svc,
		cfg:    cfg,
		logger: log.With(slog.String("component", "hub")),
		rooms:  map[string]map[*Client]struct{}{},
	}
}

// Broadcast sends env to every connection that joined its room.
func (h *Hub) Broadcast(env models.Envelope) {
	frame, err := models.NewFrame(models.EventMessageReceived, env)
	if err != nil {
		h.logger.Error("failed to encode broadcast", slog.Any("error", err))
		return
	}
	h.mu.RLock()
	members := make([]*Client, 0, len(h.rooms[env.RoomID]))
	for c := range h.rooms[env.RoomID] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	for _, c := range members {
		c.deliver(frame)
	}
}

// Members returns how many connections joined roomID.
func (h *Hub) Members(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

func (h *Hub) join(c *Client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = map[*Client]struct{}{}
	}
	h.rooms[roomID][c] = struct{}{}
	c.rooms[roomID] = struct{}{}
}

func (h *Hub) leave(c *Client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c, roomID)
}

func (h *Hub) joined(c *Client, roomID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := c.rooms[roomID]
	return ok
}

func (h *Hub) drop(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for roomID := range c.rooms {
		h.removeLocked(c, roomID)
	}
}

func (h *Hub) removeLocked(c *Client, roomID string) {
	delete(c.rooms, roomID)
	if members := h.rooms[roomID]; members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

type Client struct {
	Conn        *websocket.Conn
	ID          string
	MessageChan chan models.Frame // Frames waiting for the writer
	DoneChan    chan struct{}     // Closed when the reader exits

	hub     *Hub
	rooms   map[string]struct{} // guarded by hub.mu
	limiter *rate.Limiter
}

func NewClient(conn *websocket.Conn, hub *Hub, id string) *Client {
	limit, burst := rate.Inf, 0
	if hub.cfg.SendRate > 0 {
		limit, burst = rate.Limit(hub.cfg.SendRate), max(hub.cfg.SendBurst, 1)
	}
	return &Client{
		Conn:        conn,
		ID:          id,
		MessageChan: make(chan models.Frame, 256),
		DoneChan:    make(chan struct{}),
		hub:         hub,
		rooms:       map[string]struct{}{},
		limiter:     rate.NewLimiter(limit, burst),
	}
}

func (c *Client) deliver(frame models.Frame) {
	select {
	case c.MessageChan <- frame:
	case <-c.DoneChan:
	case <-time.After(time.Second):
		c.hub.logger.Warn("dropping frame for slow client", slog.String("client", c.ID), slog.String("event", frame.Event))
	}
}

func (c *Client) sendError(msg string) {
	frame, err := models.NewFrame(models.EventError, msg)
	if err != nil {
		return
	}
	c.deliver(frame)
}

// handleFrame applies one inbound frame.
func (c *Client) handleFrame(ctx context.Context, frame models.Frame) {
	log := c.hub.logger.With(slog.String("client", c.ID))
	switch frame.Event {
	case models.EventJoinRoom, models.EventLeaveRoom:
		var roomID string
		if err := json.Unmarshal(frame.Data, &roomID); err != nil || !validRoom(roomID) {
			c.sendError("invalid room")
			return
		}
		if frame.Event == models.EventJoinRoom {
			c.hub.join(c, roomID)
			log.Debug("joined", slog.String("room", roomID))
		} else {
			c.hub.leave(c, roomID)
			log.Debug("left", slog.String("room", roomID))
		}

	case models.EventSendMessage:
		var env models.Envelope
		if err := json.Unmarshal(frame.Data, &env); err != nil {
			c.sendError("invalid message")
			return
		}
		if !c.hub.joined(c, env.RoomID) {
			c.sendError("join the room before sending")
			return
		}
		if !c.limiter.Allow() {
			log.Warn("send rate exceeded", slog.String("room", env.RoomID))
			c.sendError("sending too fast")
			return
		}
		pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		var err error
		switch env.Kind {
		case models.KindDelete:
			target := normalize.DeleteTarget(env)
			err = c.hub.svc.Delete(pubCtx, env.RoomID, target, models.Identity{ID: env.SenderID, Name: env.Sender})
		case models.KindNew, "":
			_, err = c.hub.svc.PublishMessage(pubCtx, env)
		default:
			c.sendError("unknown message kind")
			return
		}
		if err != nil {
			log.Warn("failed to apply message", slog.String("room", env.RoomID), slog.String("kind", string(env.Kind)), slog.Any("error", err))
			c.sendError(err.Error())
		}

	default:
		c.sendError("unknown event")
	}
}

// HandleRead reads frames from the connection until it closes.
func (c *Client) HandleRead(ctx context.Context) {
	defer func() {
		c.hub.logger.Debug("reader closed", slog.String("client", c.ID))
		close(c.DoneChan) // Signal writer to stop
	}()
	c.Conn.SetReadLimit(c.hub.cfg.MaxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait.Duration))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait.Duration))
	})

	for {
		var frame models.Frame
		if err := c.Conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read error", slog.String("client", c.ID), slog.Any("error", err))
			} else {
				c.hub.logger.Debug("websocket closed", slog.String("client", c.ID), slog.Any("error", err))
			}
			return
		}
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait.Duration))
		c.handleFrame(ctx, frame)
	}
}

// HandleWrite writes queued frames and keeps the connection alive with pings.
func (c *Client) HandleWrite() {
	ticker := time.NewTicker(c.hub.cfg.PingPeriod())
	defer func() {
		ticker.Stop()
		c.hub.logger.Debug("writer closed", slog.String("client", c.ID))
	}()

	writeWait := c.hub.cfg.WriteWait.Duration
	for {
		select {
		case frame := <-c.MessageChan:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteJSON(frame); err != nil {
				c.hub.logger.Warn("websocket write error", slog.String("client", c.ID), slog.Any("error", err))
				_ = c.Conn.Close()
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping error", slog.String("client", c.ID), slog.Any("error", err))
				_ = c.Conn.Close()
				return
			}

		case <-c.DoneChan:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// Serve manages the lifecycle of one websocket connection.
func (h *Hub) Serve(conn *websocket.Conn) {
	id := conn.Query("userId")
	if id == "" {
		id = "anon-" + uuid.NewString()[:6]
	}
	client := NewClient(conn, h, id)
	h.logger.Info("client connected", slog.String("client", id))

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		h.drop(client)
		_ = conn.Close()
		h.logger.Info("client disconnected", slog.String("client", id))
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		client.HandleWrite()
	}()

	client.HandleRead(ctx)
	<-writerDone
}

func validRoom(roomID string) bool {
	entity, kind, ok := room.Split(roomID)
	return ok && entity != "" && kind.Valid()
}
