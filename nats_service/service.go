package nats_service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/karthikraju391/roomsync/config"
	"github.com/karthikraju391/roomsync/models"
	"github.com/karthikraju391/roomsync/normalize"
	"github.com/karthikraju391/roomsync/room"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrWrongRoom = errors.New("message belongs to another room")
)

type NatsService struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	viewed jetstream.KeyValue
	tokens jetstream.KeyValue
	files  jetstream.ObjectStore
	cfg    config.NatsConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewNatsService connects to NATS and makes sure the message stream, the
// viewed and upload-token buckets and the file store exist.
func NewNatsService(ctx context.Context, cfg config.NatsConfig, upload config.UploadConfig, log *slog.Logger) (*NatsService, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "nats"))

	nc, err := nats.Connect(cfg.URL, nats.Name("roomsync-relay"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	stream, err := js.Stream(ctx, cfg.StreamName)
	if err != nil {
		log.Info("stream not found, creating", slog.String("stream", cfg.StreamName))
		stream, err = js.CreateStream(ctx, jetstream.StreamConfig{
			Name:        cfg.StreamName,
			Description: "Room messages",
			Subjects:    []string{room.Wildcard(cfg.SubjectPrefix)},
			MaxAge:      cfg.Retention.Duration,
			Storage:     jetstream.FileStorage,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to create stream '%s': %w", cfg.StreamName, err)
		}
		log.Info("stream created", slog.String("stream", cfg.StreamName))
	} else {
		log.Info("found existing stream", slog.String("stream", stream.CachedInfo().Config.Name))
	}

	viewed, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.ViewedBucket,
		Description: "Last time each user viewed a room",
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to open bucket '%s': %w", cfg.ViewedBucket, err)
	}

	tokens, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.TokenBucket,
		Description: "Pending upload tokens",
		TTL:         upload.TokenTTL.Duration,
		Storage:     jetstream.MemoryStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to open bucket '%s': %w", cfg.TokenBucket, err)
	}

	files, err := js.CreateOrUpdateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      cfg.ObjectBucket,
		Description: "Room attachments",
		MaxBytes:    -1,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to open object store '%s': %w", cfg.ObjectBucket, err)
	}

	return &NatsService{
		nc:     nc,
		js:     js,
		stream: stream,
		viewed: viewed,
		tokens: tokens,
		files:  files,
		cfg:    cfg,
		logger: log,
		now:    time.Now,
	}, nil
}

// Close NATS connection
func (s *NatsService) Close() {
	if s.nc != nil {
		s.nc.Close()
	}
}

// PublishMessage appends env to its room's subject. The stream sequence
// becomes the message's server id; the returned envelope carries it.
func (s *NatsService) PublishMessage(ctx context.Context, env models.Envelope) (models.Envelope, error) {
	subject := room.Subject(s.cfg.SubjectPrefix, env.RoomID)
	env.ID = nil
	if env.Kind == "" {
		env.Kind = models.KindNew
	}
	if len(env.Date) == 0 {
		env.Date = json.RawMessage(strconv.Quote(s.now().UTC().Format(time.RFC3339Nano)))
	}
	data, err := json.Marshal(env)
	if err != nil {
		return env, fmt.Errorf("failed to marshal message: %w", err)
	}

	ack, err := s.js.Publish(ctx, subject, data)
	if err != nil {
		return env, fmt.Errorf("failed to publish message to subject '%s': %w", subject, err)
	}
	if env.Kind == models.KindNew {
		env.ID = models.RawID(strconv.FormatUint(ack.Sequence, 10))
	}
	s.logger.Debug("published", slog.String("subject", subject), slog.Uint64("seq", ack.Sequence), slog.String("kind", string(env.Kind)))
	return env, nil
}

// Delete removes the message with serverID from roomID and publishes a
// delete envelope so every member drops it. Attachments of the message are
// removed from the file store.
func (s *NatsService) Delete(ctx context.Context, roomID, serverID string, who models.Identity) error {
	seq, err := strconv.ParseUint(serverID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: message %q", ErrNotFound, serverID)
	}
	raw, err := s.stream.GetMsg(ctx, seq)
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return fmt.Errorf("%w: message %s", ErrNotFound, serverID)
		}
		return fmt.Errorf("failed to load message %d: %w", seq, err)
	}
	if raw.Subject != room.Subject(s.cfg.SubjectPrefix, roomID) {
		return ErrWrongRoom
	}
	if err := s.stream.DeleteMsg(ctx, seq); err != nil && !errors.Is(err, jetstream.ErrMsgNotFound) {
		return fmt.Errorf("failed to delete message %d: %w", seq, err)
	}

	var original models.Envelope
	if err := json.Unmarshal(raw.Data, &original); err == nil {
		if att := normalize.New().Message(original, roomID).Attachment; att != nil && att.Name != "" {
			if err := s.files.Delete(ctx, att.Name); err != nil && !errors.Is(err, jetstream.ErrObjectNotFound) {
				s.logger.Warn("failed to delete attachment", slog.String("object", att.Name), slog.Any("error", err))
			}
		}
	}

	_, err = s.PublishMessage(ctx, normalize.DeleteEnvelope(roomID, serverID, who))
	return err
}

// Subscribe delivers every envelope published to any room from now on. The
// consumer is ephemeral and goes away with the returned context.
func (s *NatsService) Subscribe(ctx context.Context, handler func(models.Envelope)) (jetstream.ConsumeContext, error) {
	filter := room.Wildcard(s.cfg.SubjectPrefix)
	cons, err := s.js.CreateOrUpdateConsumer(ctx, s.cfg.StreamName, jetstream.ConsumerConfig{
		FilterSubject:     filter,
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		AckPolicy:         jetstream.AckNonePolicy,
		InactiveThreshold: time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer for subject '%s': %w", filter, err)
	}

	s.logger.Info("subscribed", slog.String("subject", filter))

	consumeCtx, err := cons.Consume(func(msg jetstream.Msg) {
		env, err := decode(msg.Data(), msg)
		if err != nil {
			s.logger.Warn("dropping undecodable message", slog.String("subject", msg.Subject()), slog.Any("error", err))
			return
		}
		handler(env)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming from subject '%s': %w", filter, err)
	}
	return consumeCtx, nil
}

// History returns up to limit messages of roomID older than cursor, oldest
// first. The cursor is a stream sequence; empty means the latest page.
func (s *NatsService) History(ctx context.Context, roomID, cursor string, limit int) (models.Page, error) {
	subject := room.Subject(s.cfg.SubjectPrefix, roomID)
	var before uint64
	if cursor != "" {
		n, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return models.Page{}, fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
		before = n
	}

	last, err := s.stream.GetLastMsgForSubject(ctx, subject)
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return models.Page{Items: []models.Envelope{}}, nil
		}
		return models.Page{}, fmt.Errorf("failed to read last message of '%s': %w", subject, err)
	}

	cons, err := s.js.OrderedConsumer(ctx, s.cfg.StreamName, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return models.Page{}, fmt.Errorf("failed to create history consumer for '%s': %w", subject, err)
	}

	w := newWindow(limit, before)
	for {
		msg, err := cons.Next(jetstream.FetchMaxWait(2 * time.Second))
		if err != nil {
			return models.Page{}, fmt.Errorf("failed to read history of '%s': %w", subject, err)
		}
		md, err := msg.Metadata()
		if err != nil {
			return models.Page{}, fmt.Errorf("failed to read message metadata: %w", err)
		}
		if !w.accepts(md.Sequence.Stream) {
			break
		}
		env, err := decode(msg.Data(), msg)
		if err != nil {
			s.logger.Warn("skipping undecodable history item", slog.Uint64("seq", md.Sequence.Stream), slog.Any("error", err))
		} else {
			w.add(md.Sequence.Stream, env)
		}
		if md.NumPending == 0 || md.Sequence.Stream >= last.Sequence {
			break
		}
	}
	return w.page(), nil
}

// MarkViewed records now as the time userID last viewed roomID.
func (s *NatsService) MarkViewed(ctx context.Context, roomID, userID string) error {
	key := viewedKey(roomID, userID)
	if _, err := s.viewed.Put(ctx, key, []byte(s.now().UTC().Format(time.RFC3339Nano))); err != nil {
		return fmt.Errorf("failed to mark viewed '%s': %w", key, err)
	}
	return nil
}

// LastViewed returns when userID last viewed roomID.
func (s *NatsService) LastViewed(ctx context.Context, roomID, userID string) (time.Time, error) {
	entry, err := s.viewed.Get(ctx, viewedKey(roomID, userID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, fmt.Errorf("failed to read viewed marker: %w", err)
	}
	return time.Parse(time.RFC3339Nano, string(entry.Value()))
}

// ReserveUpload issues a single-use token for storing one object derived
// from name. The token expires with the bucket's TTL.
func (s *NatsService) ReserveUpload(ctx context.Context, name string) (token, object string, err error) {
	token = uuid.NewString()
	object = objectName(uuid.NewString()[:8], name)
	if _, err := s.tokens.Put(ctx, token, []byte(object)); err != nil {
		return "", "", fmt.Errorf("failed to reserve upload: %w", err)
	}
	return token, object, nil
}

// StoreUpload writes r under the object reserved for token and consumes the
// token.
func (s *NatsService) StoreUpload(ctx context.Context, token, contentType string, r io.Reader) (string, error) {
	entry, err := s.tokens.Get(ctx, token)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return "", fmt.Errorf("%w: upload token", ErrNotFound)
		}
		return "", fmt.Errorf("failed to look up upload token: %w", err)
	}
	object := string(entry.Value())

	meta := jetstream.ObjectMeta{Name: object, Headers: nats.Header{}}
	if contentType != "" {
		meta.Headers.Set("Content-Type", contentType)
	}
	info, err := s.files.Put(ctx, meta, r)
	if err != nil {
		return "", fmt.Errorf("failed to store object '%s': %w", object, err)
	}
	if err := s.tokens.Delete(ctx, token); err != nil {
		s.logger.Warn("failed to consume upload token", slog.Any("error", err))
	}
	s.logger.Info("stored upload", slog.String("object", object), slog.Uint64("size", info.Size))
	return object, nil
}

// OpenFile streams a stored attachment.
func (s *NatsService) OpenFile(ctx context.Context, name string) (io.ReadCloser, string, error) {
	res, err := s.files.Get(ctx, name)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, "", fmt.Errorf("%w: file %s", ErrNotFound, name)
		}
		return nil, "", fmt.Errorf("failed to open object '%s': %w", name, err)
	}
	contentType := "application/octet-stream"
	if info, err := res.Info(); err == nil && info.Headers != nil {
		if ct := info.Headers.Get("Content-Type"); ct != "" {
			contentType = ct
		}
	}
	return res, contentType, nil
}

type sequenced interface {
	Metadata() (*jetstream.MsgMetadata, error)
}

// decode parses a stored envelope and stamps new messages with their stream
// sequence as id.
func decode(data []byte, msg sequenced) (models.Envelope, error) {
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return env, err
	}
	if env.Kind == "" || env.Kind == models.KindNew {
		md, err := msg.Metadata()
		if err != nil {
			return env, err
		}
		env.ID = models.RawID(strconv.FormatUint(md.Sequence.Stream, 10))
	}
	return env, nil
}

func viewedKey(roomID, userID string) string {
	return kvToken(roomID) + "." + kvToken(userID)
}

// kvToken keeps only characters valid in a KV key token.
func kvToken(s string) string {
	if s == "" {
		return "_"
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '=':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

func objectName(prefix, name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		name = "file"
	}
	return prefix + "-" + name
}
