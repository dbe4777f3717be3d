package handlers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/karthikraju391/roomsync/models"
	"github.com/karthikraju391/roomsync/nats_service"
)

// fakeService stands in for the JetStream store. Published envelopes get
// sequential ids and are handed to onPublish, the way the NATS consumer
// feeds the hub.
type fakeService struct {
	mu        sync.Mutex
	seq       int
	published []models.Envelope
	deleted   []string
	pages     map[string]models.Page
	viewed    map[string]time.Time
	tokens    map[string]string
	files     map[string][]byte
	types     map[string]string
	onPublish func(models.Envelope)
}

func newFakeService() *fakeService {
	return &fakeService{
		pages:  map[string]models.Page{},
		viewed: map[string]time.Time{},
		tokens: map[string]string{},
		files:  map[string][]byte{},
		types:  map[string]string{},
	}
}

func (f *fakeService) PublishMessage(_ context.Context, env models.Envelope) (models.Envelope, error) {
	f.mu.Lock()
	f.seq++
	if env.Kind == "" {
		env.Kind = models.KindNew
	}
	if env.Kind == models.KindNew {
		env.ID = models.RawID(strconv.Itoa(f.seq))
	}
	f.published = append(f.published, env)
	hook := f.onPublish
	f.mu.Unlock()
	if hook != nil {
		go hook(env)
	}
	return env, nil
}

func (f *fakeService) Delete(ctx context.Context, roomID, serverID string, who models.Identity) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, roomID+"/"+serverID)
	f.mu.Unlock()
	_, err := f.PublishMessage(ctx, models.Envelope{Kind: models.KindDelete, RoomID: roomID, DeleteID: models.RawID(serverID), SenderID: who.ID})
	return err
}

func (f *fakeService) History(_ context.Context, roomID, cursor string, limit int) (models.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.pages[roomID+"?"+cursor]
	if len(p.Items) > limit {
		p.Items = p.Items[len(p.Items)-limit:]
	}
	return p, nil
}

func (f *fakeService) MarkViewed(_ context.Context, roomID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.viewed[roomID+"/"+userID] = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	return nil
}

func (f *fakeService) LastViewed(_ context.Context, roomID, userID string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	at, ok := f.viewed[roomID+"/"+userID]
	if !ok {
		return time.Time{}, nats_service.ErrNotFound
	}
	return at, nil
}

func (f *fakeService) ReserveUpload(_ context.Context, name string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	token := fmt.Sprintf("tok-%d", len(f.tokens)+1)
	f.tokens[token] = "obj-" + name
	return token, "obj-" + name, nil
}

func (f *fakeService) StoreUpload(_ context.Context, token, contentType string, r io.Reader) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	object, ok := f.tokens[token]
	if !ok {
		return "", fmt.Errorf("%w: upload token", nats_service.ErrNotFound)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	delete(f.tokens, token)
	f.files[object] = b
	f.types[object] = contentType
	return object, nil
}

func (f *fakeService) OpenFile(_ context.Context, name string) (io.ReadCloser, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.files[name]
	if !ok {
		return nil, "", fmt.Errorf("%w: file %s", nats_service.ErrNotFound, name)
	}
	return io.NopCloser(bytes.NewReader(b)), f.types[name], nil
}

func (f *fakeService) publishedCopy() []models.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Envelope(nil), f.published...)
}

func (f *fakeService) deletedCopy() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}
