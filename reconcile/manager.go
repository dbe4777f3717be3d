package reconcile

import (
	"context"
	"log/slog"
	"sync"

	"github.com/karthikraju391/roomsync/room"
)

// Manager owns the open rooms of one client over a shared transport.
type Manager struct {
	transport Transport
	history   HistorySource
	opts      Options
	logger    *slog.Logger

	mu     sync.Mutex
	rooms  map[string]*Engine
	active string
}

func NewManager(tr Transport, hs HistorySource, opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		transport: tr,
		history:   hs,
		opts:      opts,
		logger:    opts.Logger.With(slog.String("component", "rooms")),
		rooms:     map[string]*Engine{},
	}
}

// Open returns the engine for (entityID, kind), creating it on first use.
// Rooms opened this way stay open until closed explicitly.
func (m *Manager) Open(entityID string, kind room.Kind) (*Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openLocked(entityID, kind)
}

func (m *Manager) openLocked(entityID string, kind room.Kind) (*Engine, error) {
	id := room.ID(entityID, kind)
	if e, ok := m.rooms[id]; ok {
		return e, nil
	}
	e, err := Open(entityID, kind, m.transport, m.history, m.opts)
	if err != nil {
		return nil, err
	}
	m.rooms[id] = e
	m.logger.Info("room opened", slog.String("room", id))
	return e, nil
}

// Switch makes (entityID, kind) the active room and loads its history. The
// previously active room is closed first, which cancels its fetches and
// stops its broadcasts.
func (m *Manager) Switch(ctx context.Context, entityID string, kind room.Kind) (*Engine, error) {
	m.mu.Lock()
	id := room.ID(entityID, kind)
	if m.active != "" && m.active != id {
		if prev, ok := m.rooms[m.active]; ok {
			delete(m.rooms, m.active)
			if err := prev.Close(); err != nil {
				m.logger.Warn("leave room failed", slog.String("room", m.active), slog.Any("error", err))
			}
		}
	}
	e, err := m.openLocked(entityID, kind)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.active = id
	m.mu.Unlock()

	if err := e.LoadHistory(ctx); err != nil {
		return e, err
	}
	return e, nil
}

// Active returns the active room's engine, if any.
func (m *Manager) Active() (*Engine, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rooms[m.active]
	return e, ok
}

// Close closes one room.
func (m *Manager) Close(roomID string) error {
	m.mu.Lock()
	e, ok := m.rooms[roomID]
	delete(m.rooms, roomID)
	if m.active == roomID {
		m.active = ""
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return e.Close()
}

// CloseAll closes every open room.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	rooms := m.rooms
	m.rooms = map[string]*Engine{}
	m.active = ""
	m.mu.Unlock()
	for id, e := range rooms {
		if err := e.Close(); err != nil {
			m.logger.Warn("leave room failed", slog.String("room", id), slog.Any("error", err))
		}
	}
}
