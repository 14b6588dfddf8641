package storage

import (
	"sync"

	"github.com/pingcap/errors"
	"golang.org/x/exp/slices"

	"github.com/dreamware/halo/internal/life"
)

// ErrTurnNotFound is returned when no state was committed for a turn
var ErrTurnNotFound = errors.New("turn not found")

// Store defines the interface for turn-versioned partition state
// All implementations must be thread-safe for concurrent access
type Store interface {
	// Get retrieves the rows committed for a turn
	// Returns ErrTurnNotFound if the turn is not held
	Get(turn int) (life.Grid, error)

	// Put commits the rows for a turn
	// Overwrites any existing rows for the turn
	Put(turn int, rows life.Grid) error

	// Latest returns the highest committed turn and its rows
	Latest() (int, life.Grid, error)

	// Prune keeps only the newest keep turns and returns how many were dropped
	Prune(keep int) int

	// Turns returns the held turns in ascending order
	Turns() []int

	// Reset drops every version
	Reset()

	// Stats returns storage statistics
	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Versions int // Number of turns held
	Rows     int // Rows in the latest version
	Bytes    int // Total size of all versions in bytes
}

// MemoryStore implements Store with in-memory versions
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[int]life.Grid
	latest int
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:   make(map[int]life.Grid),
		latest: -1,
	}
}

// Get returns a copy of the rows to prevent external modification
func (m *MemoryStore) Get(turn int) (life.Grid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows, exists := m.data[turn]
	if !exists {
		return nil, errors.Annotatef(ErrTurnNotFound, "turn %d", turn)
	}
	return rows.Clone(), nil
}

// Put makes a copy of the rows to prevent external modification
func (m *MemoryStore) Put(turn int, rows life.Grid) error {
	if turn < 0 {
		return errors.Errorf("negative turn %d", turn)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[turn] = rows.Clone()
	if turn > m.latest {
		m.latest = turn
	}
	return nil
}

// Latest returns the newest version
func (m *MemoryStore) Latest() (int, life.Grid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.latest < 0 {
		return 0, nil, ErrTurnNotFound
	}
	return m.latest, m.data[m.latest].Clone(), nil
}

// Prune drops every version except the newest keep ones
func (m *MemoryStore) Prune(keep int) int {
	if keep < 1 {
		keep = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := 0
	for turn := range m.data {
		if turn <= m.latest-keep {
			delete(m.data, turn)
			dropped++
		}
	}
	return dropped
}

// Turns returns a sorted copy of the held turns
func (m *MemoryStore) Turns() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	turns := make([]int, 0, len(m.data))
	for turn := range m.data {
		turns = append(turns, turn)
	}
	slices.Sort(turns)
	return turns
}

// Reset drops every version
func (m *MemoryStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data = make(map[int]life.Grid)
	m.latest = -1
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := StoreStats{Versions: len(m.data)}
	for turn, rows := range m.data {
		if turn == m.latest {
			stats.Rows = len(rows)
		}
		for _, row := range rows {
			stats.Bytes += len(row)
		}
	}
	return stats
}
