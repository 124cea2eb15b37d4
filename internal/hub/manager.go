package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/collabd/internal/config"
	"github.com/nextlevelbuilder/collabd/internal/store"
)

// janitorInterval drives idle-room reaping; separate from the slower
// store sweep.
const janitorInterval = 30 * time.Second

// Manager owns the live room hubs and the background sweep loops.
type Manager struct {
	st  store.Store
	cfg config.CollabConfig

	mu    sync.Mutex
	rooms map[uuid.UUID]*RoomHub

	stop chan struct{}
	done sync.WaitGroup
	once sync.Once
}

// NewManager builds the manager and starts its background loops.
func NewManager(st store.Store, cfg config.CollabConfig) *Manager {
	m := &Manager{
		st:    st,
		cfg:   cfg,
		rooms: make(map[uuid.UUID]*RoomHub),
		stop:  make(chan struct{}),
	}
	m.done.Add(2)
	go m.janitor()
	go m.sweeper()
	return m
}

// Room returns the hub for an active room, creating it on first use.
func (m *Manager) Room(ctx context.Context, roomID uuid.UUID) (*RoomHub, error) {
	m.mu.Lock()
	if h, ok := m.rooms[roomID]; ok {
		m.mu.Unlock()
		return h, nil
	}
	m.mu.Unlock()

	room, err := m.st.GetRoom(ctx, roomID)
	if err != nil {
		return nil, mapStoreErr(err, "room")
	}
	if room.Status != store.RoomActive {
		return nil, mapStoreErr(store.ErrNotFound, "room")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.rooms[roomID]; ok {
		return h, nil
	}
	h := NewRoomHub(roomID, m.st, m.cfg)
	m.rooms[roomID] = h
	slog.Info("room.hub.started", "room", roomID)
	return h, nil
}

// Peek returns the hub if it is already live.
func (m *Manager) Peek(roomID uuid.UUID) (*RoomHub, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.rooms[roomID]
	return h, ok
}

// Evict shuts the room's hub down, detaching all sessions. Used when a
// room is deleted over REST while connections are live.
func (m *Manager) Evict(roomID uuid.UUID) {
	m.mu.Lock()
	h, ok := m.rooms[roomID]
	if ok {
		delete(m.rooms, roomID)
	}
	m.mu.Unlock()
	if ok {
		h.Shutdown()
		slog.Info("room.hub.evicted", "room", roomID)
	}
}

// janitor reaps hubs with no connections past the idle TTL.
func (m *Manager) janitor() {
	defer m.done.Done()
	t := time.NewTicker(janitorInterval)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
		}
		ttl := m.cfg.RoomIdleTTL()
		m.mu.Lock()
		var idle []*RoomHub
		for id, h := range m.rooms {
			if h.Empty() && time.Since(h.IdleSince()) > ttl {
				idle = append(idle, h)
				delete(m.rooms, id)
			}
		}
		m.mu.Unlock()
		for _, h := range idle {
			h.Shutdown()
			slog.Info("room.hub.idle_stopped", "room", h.RoomID())
		}
	}
}

// sweeper expires overdue rooms and marks stale presence offline.
func (m *Manager) sweeper() {
	defer m.done.Done()
	t := time.NewTicker(m.cfg.SweepInterval())
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StoreDeadline())
		now := time.Now().UTC()
		if n, err := m.st.ExpireRooms(ctx, now); err != nil {
			slog.Warn("sweep.rooms.failed", "error", err)
		} else if n > 0 {
			slog.Info("sweep.rooms.expired", "count", n)
		}
		cutoff := now.Add(-m.cfg.PresenceTTL())
		if n, err := m.st.SweepPresence(ctx, cutoff); err != nil {
			slog.Warn("sweep.presence.failed", "error", err)
		} else if n > 0 {
			slog.Info("sweep.presence.offline", "count", n)
		}
		cancel()
	}
}

// Shutdown stops the loops and closes every hub.
func (m *Manager) Shutdown() {
	m.once.Do(func() { close(m.stop) })
	m.done.Wait()

	m.mu.Lock()
	hubs := make([]*RoomHub, 0, len(m.rooms))
	for _, h := range m.rooms {
		hubs = append(hubs, h)
	}
	m.rooms = map[uuid.UUID]*RoomHub{}
	m.mu.Unlock()

	for _, h := range hubs {
		h.Shutdown()
	}
}
