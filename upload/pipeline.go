// Package upload runs the attachment side channel: reserve an upload target,
// stream the file to it, then persist a message record that references the
// stored object by name.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/karthikraju391/roomsync/models"
)

var (
	ErrEmptyFile = errors.New("upload: file name and body are required")
	ErrNoTarget  = errors.New("upload: backend returned no target")
	ErrNoID      = errors.New("upload: backend returned no message id")
)

// Target is a time-limited place to put one object.
type Target struct {
	URL       string    `json:"url"`
	Token     string    `json:"token,omitempty"`
	Name      string    `json:"name"`
	URI       string    `json:"uri,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// FileRecord is the message record persisted after the bytes are stored.
type FileRecord struct {
	RoomID   string            `json:"roomId"`
	SenderID string            `json:"senderId"`
	Sender   string            `json:"sender"`
	LocalID  string            `json:"localId,omitempty"`
	Message  string            `json:"message,omitempty"`
	File     models.Attachment `json:"file"`
	Reply    *models.ReplyRef  `json:"reply,omitempty"`
}

// Backend is the REST surface the pipeline drives.
type Backend interface {
	InitUpload(ctx context.Context, name string) (Target, error)
	PutObject(ctx context.Context, target Target, body io.Reader, size int64, mimeType string, sent func(n int64)) error
	InsertFileRecord(ctx context.Context, rec FileRecord) (string, error)
}

// Request describes one file to send into a room.
type Request struct {
	RoomID   string
	Sender   models.Identity
	LocalID  string
	Name     string
	MimeType string
	Size     int64
	Body     io.Reader
	Caption  string
	Reply    *models.ReplyRef
}

// Result is what a successful run produced.
type Result struct {
	ServerID string
	Record   FileRecord
}

// Message builds the placeholder shown until the relay broadcasts the record.
func (r Result) Message(now time.Time) models.Message {
	att := r.Record.File
	var reply *models.ReplyRef
	if r.Record.Reply != nil {
		cp := *r.Record.Reply
		reply = &cp
	}
	return models.Message{
		RoomID:     r.Record.RoomID,
		SenderID:   r.Record.SenderID,
		SenderName: r.Record.Sender,
		LocalID:    r.Record.LocalID,
		ServerID:   r.ServerID,
		Body:       r.Record.Message,
		Attachment: &att,
		Reply:      reply,
		Timestamp:  now,
		State:      models.StatePending,
		Source:     models.SourceUpload,
	}
}

// Pipeline runs uploads and tracks progress of the ones in flight.
type Pipeline struct {
	backend Backend
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[string]float64
}

func NewPipeline(log *slog.Logger, backend Backend) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		backend:  backend,
		logger:   log.With(slog.String("component", "upload")),
		inflight: map[string]float64{},
	}
}

// Run executes the three steps in order. progress may be nil; it receives
// non-decreasing fractions in [0,1] and is advisory only. On any failure the
// in-flight entry is cleared and nothing is returned for display.
func (p *Pipeline) Run(ctx context.Context, req Request, progress func(float64)) (Result, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" || req.Body == nil {
		return Result{}, ErrEmptyFile
	}
	if req.LocalID == "" {
		req.LocalID = models.NewLocalID(req.Sender.ID)
	}
	track := req.LocalID

	p.setProgress(track, 0)
	defer p.clear(track)
	report := p.reporter(track, req.Size, progress)

	target, err := p.backend.InitUpload(ctx, name)
	if err != nil {
		return Result{}, p.fail(track, "init", err)
	}
	if target.URL == "" {
		return Result{}, p.fail(track, "init", ErrNoTarget)
	}
	if target.Name == "" {
		target.Name = name
	}

	if err := p.backend.PutObject(ctx, target, req.Body, req.Size, req.MimeType, report); err != nil {
		return Result{}, p.fail(track, "transfer", err)
	}

	uri := target.URI
	if uri == "" {
		uri = target.Name
	}
	rec := FileRecord{
		RoomID:   req.RoomID,
		SenderID: req.Sender.ID,
		Sender:   req.Sender.Name,
		LocalID:  req.LocalID,
		Message:  req.Caption,
		File: models.Attachment{
			Name:     target.Name,
			MimeType: req.MimeType,
			Size:     req.Size,
			URI:      uri,
		},
		Reply: req.Reply,
	}
	id, err := p.backend.InsertFileRecord(ctx, rec)
	if err != nil {
		return Result{}, p.fail(track, "record", err)
	}
	if id == "" {
		return Result{}, p.fail(track, "record", ErrNoID)
	}

	if progress != nil {
		progress(1)
	}
	p.logger.Debug("upload complete", slog.String("room", req.RoomID), slog.String("object", target.Name), slog.String("id", id))
	return Result{ServerID: id, Record: rec}, nil
}

// InFlight returns the progress of uploads that have not finished.
func (p *Pipeline) InFlight() map[string]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]float64, len(p.inflight))
	for k, v := range p.inflight {
		out[k] = v
	}
	return out
}

func (p *Pipeline) reporter(track string, size int64, progress func(float64)) func(int64) {
	var last float64
	return func(sent int64) {
		if size <= 0 {
			return
		}
		frac := float64(sent) / float64(size)
		if frac > 1 {
			frac = 1
		}
		if frac <= last {
			return
		}
		last = frac
		p.setProgress(track, frac)
		if progress != nil {
			progress(frac)
		}
	}
}

func (p *Pipeline) fail(track, step string, err error) error {
	p.logger.Warn("upload failed", slog.String("local_id", track), slog.String("step", step), slog.Any("error", err))
	return fmt.Errorf("upload %s: %w", step, err)
}

func (p *Pipeline) setProgress(track string, frac float64) {
	p.mu.Lock()
	p.inflight[track] = frac
	p.mu.Unlock()
}

func (p *Pipeline) clear(track string) {
	p.mu.Lock()
	delete(p.inflight, track)
	p.mu.Unlock()
}
