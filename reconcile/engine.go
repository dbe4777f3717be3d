// Package reconcile merges history pages, optimistic local sends and socket
// broadcasts into one consistent message list per room.
//
// Every room is an Engine: a single goroutine owns the room's dedup store and
// applies tasks from a queue one at a time. Network work (history fetch,
// socket emits, uploads) runs outside that goroutine and feeds its result back
// through the queue.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/karthikraju391/roomsync/dedup"
	"github.com/karthikraju391/roomsync/models"
	"github.com/karthikraju391/roomsync/normalize"
	"github.com/karthikraju391/roomsync/reply"
	"github.com/karthikraju391/roomsync/room"
	"github.com/karthikraju391/roomsync/transport"
	"github.com/karthikraju391/roomsync/upload"
)

var (
	ErrClosed       = errors.New("reconcile: room closed")
	ErrNotFound     = errors.New("reconcile: message not found")
	ErrNotFailed    = errors.New("reconcile: message is not failed")
	ErrEmptyMessage = errors.New("reconcile: message is empty")
	ErrNoUploader   = errors.New("reconcile: no upload pipeline configured")
	ErrNoEntity     = errors.New("reconcile: entity id is required")
)

// Transport is the process-wide socket, scoped by room.
type Transport interface {
	Join(roomID string, sink transport.Sink) error
	Leave(roomID string) error
	Emit(ctx context.Context, env models.Envelope) error
}

// HistorySource serves pages of past messages.
type HistorySource interface {
	History(ctx context.Context, roomID, cursor string, limit int) (models.Page, error)
}

// ViewMarker is told when the user has seen a room.
type ViewMarker interface {
	MarkViewed(ctx context.Context, roomID, userID string) error
}

// Uploader runs the attachment pipeline.
type Uploader interface {
	Run(ctx context.Context, req upload.Request, progress func(float64)) (upload.Result, error)
}

// Options configure an Engine. Self is required; everything else has a
// default or is optional.
type Options struct {
	Self         models.Identity
	AckTimeout   time.Duration
	HistoryLimit int
	QueueSize    int
	Viewed       ViewMarker
	Uploader     Uploader
	Now          func() time.Time
	Logger       *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.AckTimeout <= 0 {
		o.AckTimeout = 10 * time.Second
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 50
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Engine reconciles one room.
type Engine struct {
	roomID    string
	kind      room.Kind
	self      models.Identity
	transport Transport
	history   HistorySource
	viewed    ViewMarker
	uploader  Uploader
	norm      normalize.Normalizer
	now       func() time.Time
	logger    *slog.Logger

	ackTimeout   time.Duration
	historyLimit int

	draft   reply.Draft
	loadGen atomic.Int64

	tasks     chan func()
	changes   chan []models.Message
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	// Owned by the loop goroutine.
	store  *dedup.Store
	timers map[string]*time.Timer
	cursor string
}

// Open creates the engine for (entityID, kind), starts its writer and joins
// the room on tr.
func Open(entityID string, kind room.Kind, tr Transport, hs HistorySource, opts Options) (*Engine, error) {
	if strings.TrimSpace(entityID) == "" {
		return nil, ErrNoEntity
	}
	opts = opts.withDefaults()
	roomID := room.ID(entityID, kind)
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		roomID:       roomID,
		kind:         kind,
		self:         opts.Self,
		transport:    tr,
		history:      hs,
		viewed:       opts.Viewed,
		uploader:     opts.Uploader,
		norm:         normalize.Normalizer{Now: opts.Now},
		now:          opts.Now,
		logger:       opts.Logger.With(slog.String("component", "reconcile"), slog.String("room", roomID)),
		ackTimeout:   opts.AckTimeout,
		historyLimit: opts.HistoryLimit,
		tasks:        make(chan func(), opts.QueueSize),
		changes:      make(chan []models.Message, 1),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		store:        dedup.New(),
		timers:       map[string]*time.Timer{},
	}
	go e.loop()

	if err := tr.Join(roomID, e.Receive); err != nil {
		e.cancel()
		<-e.done
		return nil, fmt.Errorf("join %s: %w", roomID, err)
	}
	return e, nil
}

// RoomID returns the canonical room identifier.
func (e *Engine) RoomID() string { return e.roomID }

// Kind returns the channel kind of the room.
func (e *Engine) Kind() room.Kind { return e.kind }

// Changes delivers the visible sequence after each mutation. Only the latest
// snapshot is kept for a slow reader.
func (e *Engine) Changes() <-chan []models.Message { return e.changes }

// Done is closed once the engine has stopped.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Messages returns the visible sequence.
func (e *Engine) Messages() ([]models.Message, error) {
	var out []models.Message
	err := e.call(func() { out = e.store.Messages() })
	return out, err
}

// Close leaves the room, cancels in-flight fetches and uploads, and stops the
// writer. Broadcasts arriving afterwards are dropped.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		err = e.transport.Leave(e.roomID)
		e.cancel()
		<-e.done
		e.wg.Wait()
	})
	return err
}

// LoadHistory fetches the latest page and replaces the historical part of
// the list with it. Live messages stay after the page.
func (e *Engine) LoadHistory(ctx context.Context) error {
	gen := e.loadGen.Add(1)
	ctx, cancel := e.bind(ctx)
	defer cancel()

	page, err := e.history.History(ctx, e.roomID, "", e.historyLimit)
	if err != nil {
		return fmt.Errorf("load history %s: %w", e.roomID, err)
	}
	msgs := e.norm.Batch(page.Items, e.roomID, models.SourceHistory)

	stale := false
	if err := e.call(func() {
		if e.loadGen.Load() != gen {
			stale = true
			return
		}
		e.applyHistory(msgs, page.Next)
	}); err != nil {
		return err
	}
	if stale {
		e.logger.Debug("discarding superseded history page")
		return nil
	}
	e.MarkViewed()
	return nil
}

// LoadOlder fetches the page before the oldest loaded one and puts it in
// front. It returns how many messages became visible.
func (e *Engine) LoadOlder(ctx context.Context) (int, error) {
	var cursor string
	if err := e.call(func() { cursor = e.cursor }); err != nil {
		return 0, err
	}
	if cursor == "" {
		return 0, nil
	}
	ctx, cancel := e.bind(ctx)
	defer cancel()

	page, err := e.history.History(ctx, e.roomID, cursor, e.historyLimit)
	if err != nil {
		return 0, fmt.Errorf("load older %s: %w", e.roomID, err)
	}
	msgs := e.norm.Batch(page.Items, e.roomID, models.SourceHistory)

	var n int
	err = e.call(func() {
		if e.cursor != cursor {
			return
		}
		n = e.store.Prepend(msgs)
		e.cursor = page.Next
		if n > 0 {
			e.publish()
		}
	})
	return n, err
}

// HasOlder reports whether another history page is available.
func (e *Engine) HasOlder() bool {
	var ok bool
	_ = e.call(func() { ok = e.cursor != "" })
	return ok
}

// Send shows body immediately as a pending message and publishes it. A quote
// chosen with QuoteForReply is attached and consumed.
func (e *Engine) Send(ctx context.Context, body string) (models.Message, error) {
	if strings.TrimSpace(body) == "" {
		return models.Message{}, ErrEmptyMessage
	}
	var msg models.Message
	err := e.call(func() {
		msg = models.Message{
			RoomID:     e.roomID,
			SenderID:   e.self.ID,
			SenderName: e.self.Name,
			LocalID:    models.NewLocalID(e.self.ID),
			Body:       body,
			Reply:      e.draft.Take(),
			Timestamp:  e.now(),
			State:      models.StatePending,
			Source:     models.SourceLocal,
		}
		e.store.Insert(msg)
		e.armAck(msg.LocalID)
		e.publish()
	})
	if err != nil {
		return models.Message{}, err
	}
	e.emitAsync(ctx, msg)
	return msg.Clone(), nil
}

// Resend re-publishes a failed message under its original local id.
func (e *Engine) Resend(ctx context.Context, key string) (models.Message, error) {
	var msg models.Message
	var opErr error
	err := e.call(func() {
		m, ok := e.store.Get(key)
		if !ok {
			opErr = ErrNotFound
			return
		}
		if m.State != models.StateFailed {
			opErr = ErrNotFailed
			return
		}
		m.State = models.StatePending
		e.store.Replace(key, m)
		e.armAck(m.LocalID)
		e.publish()
		msg = m
	})
	if err != nil {
		return models.Message{}, err
	}
	if opErr != nil {
		return models.Message{}, opErr
	}
	e.emitAsync(ctx, msg)
	return msg.Clone(), nil
}

// Delete removes the message with identity key from the view. Messages the
// server knows about are tombstoned and a delete is published; unsent ones
// are only dropped locally.
func (e *Engine) Delete(ctx context.Context, key string) error {
	var serverID string
	var opErr error
	err := e.call(func() {
		m, ok := e.store.Get(key)
		if !ok {
			opErr = ErrNotFound
			return
		}
		if m.ServerID == "" {
			e.store.RemoveWhere(func(x models.Message) bool { return x.Key() == key })
			e.disarm(m.LocalID)
			e.publish()
			return
		}
		serverID = m.ServerID
		e.applyDelete(serverID)
	})
	if err != nil {
		return err
	}
	if opErr != nil || serverID == "" {
		return opErr
	}
	ctx, cancel := e.bind(ctx)
	defer cancel()
	if err := e.transport.Emit(ctx, normalize.DeleteEnvelope(e.roomID, serverID, e.self)); err != nil {
		return fmt.Errorf("publish delete %s: %w", serverID, err)
	}
	return nil
}

// QuoteForReply snapshots the message with identity key as the quote for the
// next send.
func (e *Engine) QuoteForReply(key string) (models.ReplyRef, error) {
	var ref models.ReplyRef
	var opErr error
	err := e.call(func() {
		m, ok := e.store.Get(key)
		if !ok {
			opErr = ErrNotFound
			return
		}
		ref = reply.Quote(m, e.kind.String())
		e.draft.Set(ref)
	})
	if err != nil {
		return models.ReplyRef{}, err
	}
	return ref, opErr
}

// CancelReply drops the pending quote.
func (e *Engine) CancelReply() { e.draft.Clear() }

// PendingReply returns the quote the next send will carry.
func (e *Engine) PendingReply() (models.ReplyRef, bool) { return e.draft.Peek() }

// FileRequest describes a file to send into the room.
type FileRequest struct {
	Name     string
	MimeType string
	Size     int64
	Body     io.Reader
	Caption  string
}

// SendFile uploads a file and then shows the resulting message as pending
// until the relay broadcasts it. Nothing is shown if any step fails.
func (e *Engine) SendFile(ctx context.Context, f FileRequest, progress func(float64)) (models.Message, error) {
	if e.uploader == nil {
		return models.Message{}, ErrNoUploader
	}
	ctx, cancel := e.bind(ctx)
	defer cancel()

	var quote *models.ReplyRef
	if ref, ok := e.draft.Peek(); ok {
		quote = &ref
	}
	res, err := e.uploader.Run(ctx, upload.Request{
		RoomID:   e.roomID,
		Sender:   e.self,
		LocalID:  models.NewLocalID(e.self.ID),
		Name:     f.Name,
		MimeType: f.MimeType,
		Size:     f.Size,
		Body:     f.Body,
		Caption:  f.Caption,
		Reply:    quote,
	}, progress)
	if err != nil {
		return models.Message{}, err
	}
	if quote != nil {
		e.draft.Take()
	}

	placeholder := res.Message(e.now())
	placeholder.RoomID = e.roomID
	err = e.call(func() {
		if e.store.Insert(placeholder) {
			e.publish()
		}
	})
	return placeholder.Clone(), err
}

// MarkViewed tells the backend the user has seen the room. Failures are only
// logged.
func (e *Engine) MarkViewed() {
	if e.viewed == nil || e.self.ID == "" {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(e.ctx, 10*time.Second)
		defer cancel()
		if err := e.viewed.MarkViewed(ctx, e.roomID, e.self.ID); err != nil && e.ctx.Err() == nil {
			e.logger.Warn("mark viewed failed", slog.Any("error", err))
		}
	}()
}

// Receive is the transport sink for this room. It normalizes env and queues
// it for the writer; it blocks only while the queue is full.
func (e *Engine) Receive(env models.Envelope) {
	if env.Kind == models.KindDelete {
		target := normalize.DeleteTarget(env)
		_ = e.post(func() { e.applyDelete(target) })
		return
	}
	msg := e.norm.Message(env, e.roomID)
	msg.Source = models.SourceBroadcast
	_ = e.post(func() { e.applyNew(msg) })
}

func (e *Engine) loop() {
	defer close(e.done)
	for {
		select {
		case task := <-e.tasks:
			task()
		case <-e.ctx.Done():
			for id, t := range e.timers {
				t.Stop()
				delete(e.timers, id)
			}
			return
		}
	}
}

func (e *Engine) post(task func()) error {
	select {
	case <-e.ctx.Done():
		return ErrClosed
	default:
	}
	select {
	case e.tasks <- task:
		return nil
	case <-e.ctx.Done():
		return ErrClosed
	}
}

func (e *Engine) call(task func()) error {
	finished := make(chan struct{})
	if err := e.post(func() {
		task()
		close(finished)
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-e.done:
		return ErrClosed
	}
}

// bind derives a context that is also cancelled when the engine closes.
func (e *Engine) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(e.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (e *Engine) emitAsync(ctx context.Context, msg models.Message) {
	env := normalize.Envelope(msg, models.KindNew)
	localID := msg.LocalID
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := e.bind(context.WithoutCancel(ctx))
		defer cancel()
		ctx, cancelTimeout := context.WithTimeout(ctx, e.ackTimeout)
		defer cancelTimeout()
		if err := e.transport.Emit(ctx, env); err != nil {
			if e.ctx.Err() != nil {
				return
			}
			e.logger.Warn("send failed", slog.String("local_id", localID), slog.Any("error", err))
			_ = e.post(func() { e.markFailed(localID) })
		}
	}()
}
