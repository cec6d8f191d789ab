package conversation

import (
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxConversations bounds how many buffers a Manager keeps.
const DefaultMaxConversations = 1000

// Manager owns the live conversation buffers. The least recently used
// conversation is dropped once the cap is reached. A buffer evicted while a
// turn holds it stays reachable until that turn ends, so turns on one id
// never run on two buffers at once.
type Manager struct {
	mu          sync.Mutex
	cache       *lru.Cache[string, *Buffer]
	parked      map[string]*Buffer
	maxMessages int
	logger      *slog.Logger
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	MaxConversations int
	MaxMessages      int
	Logger           *slog.Logger
}

// NewManager creates a Manager. Zero values select the package defaults.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.MaxConversations <= 0 {
		cfg.MaxConversations = DefaultMaxConversations
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Manager{
		parked:      make(map[string]*Buffer),
		maxMessages: cfg.MaxMessages,
		logger:      cfg.Logger,
	}
	// Every cache call that can evict runs under m.mu.
	cache, err := lru.NewWithEvict(cfg.MaxConversations, func(id string, b *Buffer) {
		if b.inTurn() {
			m.parked[id] = b
		}
		m.logger.Debug("conversation evicted", "conversation", id, "in_turn", b.inTurn())
	})
	if err != nil {
		return nil, fmt.Errorf("creating conversation cache: %w", err)
	}
	m.cache = cache
	return m, nil
}

// GetOrCreate returns the buffer for id, creating it on first reference.
// Repeated calls return the same buffer.
func (m *Manager) GetOrCreate(id string) *Buffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.cache.Get(id); ok {
		return b
	}
	m.pruneParked()
	b, ok := m.parked[id]
	if ok {
		delete(m.parked, id)
	} else {
		b = NewBuffer(id, m.maxMessages)
	}
	m.cache.Add(id, b)
	return b
}

// Get returns the buffer for id without creating it.
func (m *Manager) Get(id string) (*Buffer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.cache.Get(id); ok {
		return b, true
	}
	b, ok := m.parked[id]
	if ok && !b.inTurn() {
		delete(m.parked, id)
		return nil, false
	}
	return b, ok
}

// Remove drops the buffer for id.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Remove(id)
	delete(m.parked, id)
}

// Len returns the number of cached conversations. Evicted buffers still
// held by a turn are not counted.
func (m *Manager) Len() int {
	return m.cache.Len()
}

func (m *Manager) pruneParked() {
	for id, b := range m.parked {
		if !b.inTurn() {
			delete(m.parked, id)
		}
	}
}
