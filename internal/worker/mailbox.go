package worker

import (
	"context"
	"fmt"
	"sync"

	cerror "github.com/dreamware/halo/internal/errors"
	"github.com/dreamware/halo/internal/partition"
)

type mailboxKey struct {
	turn int
	side partition.Side
}

// Mailbox buffers halo rows pushed by neighbours until the turn that needs
// them runs. Rows are keyed by the state turn they belong to and the side of
// the receiving partition, so a fast neighbour may deliver the rows for turn
// T+1 while this worker is still computing T.
//
// Thread safety:
//   - Deliver and Wait may be called from any goroutine
//   - Each row is handed to exactly one Wait call
type Mailbox struct {
	mu      sync.Mutex
	runID   string
	rows    map[mailboxKey][]byte
	waiters map[mailboxKey]chan struct{}
}

// NewMailbox creates an empty mailbox bound to no run.
func NewMailbox() *Mailbox {
	return &Mailbox{
		rows:    make(map[mailboxKey][]byte),
		waiters: make(map[mailboxKey]chan struct{}),
	}
}

// Reset drops every buffered row and binds the mailbox to runID. Waiters of
// the previous run are woken and find nothing.
func (m *Mailbox) Reset(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.runID = runID
	m.rows = make(map[mailboxKey][]byte)
	for key, ch := range m.waiters {
		close(ch)
		delete(m.waiters, key)
	}
}

// Deliver stores a copy of row for (turn, side). A row for another run is
// rejected with ErrNotConfigured. A second row for the same key replaces the
// first; neighbours only resend on retry and resend the same row.
func (m *Mailbox) Deliver(runID string, turn int, side partition.Side, row []byte) error {
	if !side.Valid() {
		return cerror.ErrInvalidRequest.GenWithStackByArgs(fmt.Sprintf("unknown halo side %q", side))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if runID != m.runID {
		return cerror.ErrNotConfigured.GenWithStackByArgs(runID)
	}
	key := mailboxKey{turn: turn, side: side}
	m.rows[key] = append([]byte(nil), row...)
	if ch, ok := m.waiters[key]; ok {
		close(ch)
		delete(m.waiters, key)
	}
	return nil
}

// Wait blocks until the row for (turn, side) arrives or ctx is done, then
// removes it from the mailbox.
func (m *Mailbox) Wait(ctx context.Context, turn int, side partition.Side) ([]byte, error) {
	key := mailboxKey{turn: turn, side: side}
	for {
		m.mu.Lock()
		if row, ok := m.rows[key]; ok {
			delete(m.rows, key)
			m.mu.Unlock()
			return row, nil
		}
		ch, ok := m.waiters[key]
		if !ok {
			ch = make(chan struct{})
			m.waiters[key] = ch
		}
		m.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Discard drops rows for every turn up to and including turn.
func (m *Mailbox) Discard(turn int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.rows {
		if key.turn <= turn {
			delete(m.rows, key)
		}
	}
}

// Pending returns the number of buffered rows.
func (m *Mailbox) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}
