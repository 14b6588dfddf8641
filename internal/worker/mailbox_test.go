package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerror "github.com/dreamware/halo/internal/errors"
	"github.com/dreamware/halo/internal/partition"
)

func TestMailboxDeliverThenWait(t *testing.T) {
	m := NewMailbox()
	m.Reset("r")

	row := []byte{1, 2, 3}
	require.NoError(t, m.Deliver("r", 4, partition.SideAbove, row))
	row[0] = 9

	got, err := m.Wait(context.Background(), 4, partition.SideAbove)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)
	assert.Equal(t, 0, m.Pending())
}

func TestMailboxWaitThenDeliver(t *testing.T) {
	m := NewMailbox()
	m.Reset("r")

	done := make(chan []byte, 1)
	go func() {
		row, err := m.Wait(context.Background(), 1, partition.SideBelow)
		if err != nil {
			t.Errorf("Wait failed: %v", err)
		}
		done <- row
	}()

	// a row for the other side does not wake the waiter
	require.NoError(t, m.Deliver("r", 1, partition.SideAbove, []byte{7}))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, m.Deliver("r", 1, partition.SideBelow, []byte{8}))

	select {
	case row := <-done:
		assert.Equal(t, []byte{8}, row)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken")
	}
	assert.Equal(t, 1, m.Pending())
}

func TestMailboxWaitHonoursContext(t *testing.T) {
	m := NewMailbox()
	m.Reset("r")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Wait(ctx, 0, partition.SideAbove)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMailboxRejectsOtherRuns(t *testing.T) {
	m := NewMailbox()
	m.Reset("current")

	err := m.Deliver("previous", 0, partition.SideAbove, []byte{1})
	assert.True(t, cerror.Is(err, cerror.ErrNotConfigured))

	err = m.Deliver("current", 0, partition.Side("diagonal"), []byte{1})
	assert.True(t, cerror.Is(err, cerror.ErrInvalidRequest))
}

func TestMailboxDiscardAndReset(t *testing.T) {
	m := NewMailbox()
	m.Reset("r")
	for turn := 0; turn < 4; turn++ {
		require.NoError(t, m.Deliver("r", turn, partition.SideAbove, []byte{byte(turn)}))
	}

	m.Discard(1)
	assert.Equal(t, 2, m.Pending())

	m.Reset("next")
	assert.Equal(t, 0, m.Pending())
}
