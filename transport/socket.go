// Package transport owns the process-wide socket connection to the relay.
// Rooms are logical channels on that one connection: each joined room has a
// sink that receives the room's broadcasts.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/karthikraju391/roomsync/models"
)

var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrClosed       = errors.New("transport: closed")
)

// Sink receives broadcasts for one room. It runs on the read goroutine and
// must not block.
type Sink func(models.Envelope)

type outbound struct {
	frame  models.Frame
	result chan error
}

// Socket is a reconnecting websocket client.
type Socket struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger *slog.Logger

	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
	maxMessage int64
	minBackoff time.Duration
	maxBackoff time.Duration

	mu    sync.Mutex
	conn  *websocket.Conn
	rooms map[string]Sink

	out       chan outbound
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type Option func(*Socket)

func WithHeader(h http.Header) Option {
	return func(s *Socket) { s.header = h }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(s *Socket) { s.dialer = d }
}

// WithTimeouts sets the write deadline and the pong wait; pings go out at
// nine tenths of the pong wait.
func WithTimeouts(writeWait, pongWait time.Duration) Option {
	return func(s *Socket) {
		s.writeWait = writeWait
		s.pongWait = pongWait
		s.pingPeriod = (pongWait * 9) / 10
	}
}

func WithMaxMessageSize(n int64) Option {
	return func(s *Socket) { s.maxMessage = n }
}

// WithBackoff bounds the delay between reconnect attempts.
func WithBackoff(lo, hi time.Duration) Option {
	return func(s *Socket) {
		s.minBackoff = lo
		s.maxBackoff = hi
	}
}

func NewSocket(log *slog.Logger, url string, opts ...Option) *Socket {
	if log == nil {
		log = slog.Default()
	}
	s := &Socket{
		url:        url,
		dialer:     websocket.DefaultDialer,
		logger:     log.With(slog.String("component", "transport")),
		writeWait:  10 * time.Second,
		pongWait:   60 * time.Second,
		pingPeriod: 54 * time.Second,
		maxMessage: 512 * 1024,
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
		rooms:      map[string]Sink{},
		out:        make(chan outbound, 256),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect dials the relay once and then keeps the connection alive in the
// background, re-joining every registered room after each reconnect.
func (s *Socket) Connect(ctx context.Context) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	s.wg.Add(1)
	go s.run(conn)
	return nil
}

// Connected reports whether a live connection exists right now.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Join registers sink for roomID and subscribes on the relay. Joining while
// disconnected is allowed; the subscription is sent on the next connect.
func (s *Socket) Join(roomID string, sink Sink) error {
	if sink == nil {
		return errors.New("transport: nil sink")
	}
	s.mu.Lock()
	s.rooms[roomID] = sink
	connected := s.conn != nil
	s.mu.Unlock()
	if !connected {
		return nil
	}
	return s.enqueue(models.EventJoinRoom, roomID)
}

// Leave drops the sink for roomID and unsubscribes on the relay.
func (s *Socket) Leave(roomID string) error {
	s.mu.Lock()
	_, joined := s.rooms[roomID]
	delete(s.rooms, roomID)
	connected := s.conn != nil
	s.mu.Unlock()
	if !joined || !connected {
		return nil
	}
	return s.enqueue(models.EventLeaveRoom, roomID)
}

// Emit publishes env and waits until it is written to the connection.
func (s *Socket) Emit(ctx context.Context, env models.Envelope) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	frame, err := models.NewFrame(models.EventSendMessage, env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	ob := outbound{frame: frame, result: make(chan error, 1)}
	select {
	case s.out <- ob:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ob.result:
		return err
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops reconnecting and closes the current connection.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.writeWait))
			_ = s.conn.Close()
		}
		s.mu.Unlock()
	})
	s.wg.Wait()
	return nil
}

func (s *Socket) enqueue(event string, data any) error {
	frame, err := models.NewFrame(event, data)
	if err != nil {
		return err
	}
	select {
	case s.out <- outbound{frame: frame}:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

func (s *Socket) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := s.dialer.DialContext(ctx, s.url, s.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.url, err)
	}
	return conn, nil
}

func (s *Socket) run(conn *websocket.Conn) {
	defer s.wg.Done()
	backoff := s.minBackoff
	for {
		s.serve(conn)

		for {
			select {
			case <-s.done:
				return
			case <-time.After(backoff):
			}
			ctx, cancel := context.WithTimeout(context.Background(), s.writeWait)
			next, err := s.dial(ctx)
			cancel()
			if err == nil {
				conn = next
				backoff = s.minBackoff
				s.logger.Info("reconnected", slog.String("url", s.url))
				break
			}
			s.logger.Warn("reconnect failed", slog.Any("error", err), slog.Duration("retry_in", backoff))
			backoff *= 2
			if backoff > s.maxBackoff {
				backoff = s.maxBackoff
			}
		}
	}
}

// serve runs one connection until it breaks.
func (s *Socket) serve(conn *websocket.Conn) {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		_ = conn.Close()
		return
	default:
	}
	s.conn = conn
	rooms := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		rooms = append(rooms, id)
	}
	s.mu.Unlock()

	for _, id := range rooms {
		frame, _ := models.NewFrame(models.EventJoinRoom, id)
		_ = conn.SetWriteDeadline(time.Now().Add(s.writeWait))
		if err := conn.WriteJSON(frame); err != nil {
			s.logger.Warn("rejoin failed", slog.String("room", id), slog.Any("error", err))
		}
	}

	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go s.writeLoop(conn, stop, writerDone)

	s.readLoop(conn)

	close(stop)
	<-writerDone
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Socket) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(s.maxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	for {
		var frame models.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			select {
			case <-s.done:
			default:
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Warn("socket read error", slog.Any("error", err))
				} else {
					s.logger.Info("socket closed", slog.Any("error", err))
				}
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.pongWait))
		s.dispatch(frame)
	}
}

func (s *Socket) dispatch(frame models.Frame) {
	switch frame.Event {
	case models.EventMessageReceived:
		var env models.Envelope
		if err := json.Unmarshal(frame.Data, &env); err != nil {
			s.logger.Warn("dropping undecodable broadcast", slog.Any("error", err))
			return
		}
		s.mu.Lock()
		sink := s.rooms[env.RoomID]
		s.mu.Unlock()
		if sink == nil {
			s.logger.Debug("broadcast for room not joined", slog.String("room", env.RoomID))
			return
		}
		sink(env)
	case models.EventError:
		var msg string
		_ = json.Unmarshal(frame.Data, &msg)
		s.logger.Warn("relay error", slog.String("message", msg))
	default:
		s.logger.Debug("ignoring frame", slog.String("event", frame.Event))
	}
}

func (s *Socket) writeLoop(conn *websocket.Conn, stop <-chan struct{}, done chan<- struct{}) {
	ticker := time.NewTicker(s.pingPeriod)
	defer func() {
		ticker.Stop()
		close(done)
	}()

	for {
		select {
		case ob := <-s.out:
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeWait))
			err := conn.WriteJSON(ob.frame)
			if ob.result != nil {
				ob.result <- err
			}
			if err != nil {
				s.logger.Warn("socket write error", slog.String("event", ob.frame.Event), slog.Any("error", err))
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		case <-stop:
			return
		case <-s.done:
			return
		}
	}
}
