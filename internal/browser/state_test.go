package browser

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsoleBuffer(t *testing.T) {
	t.Run("keeps arrival order and normalizes levels", func(t *testing.T) {
		b := NewConsoleBuffer(0)
		b.Append(ConsoleEntry{Level: "log", Timestamp: 1, Args: []string{"a"}})
		b.Append(ConsoleEntry{Level: "warning", Timestamp: 2, Args: []string{"b"}})
		b.Append(ConsoleEntry{Level: "error", Timestamp: 3})

		entries := b.Entries()
		require.Len(t, entries, 3)
		assert.Equal(t, "a", entries[0].Args[0])
		assert.Equal(t, "warn", entries[1].Level)
		assert.NotNil(t, entries[2].Args)
	})

	t.Run("clear empties the buffer", func(t *testing.T) {
		b := NewConsoleBuffer(0)
		b.Append(ConsoleEntry{Level: "log"})
		b.Clear()
		assert.Empty(t, b.Entries())
		assert.NotNil(t, b.Entries(), "an empty buffer still lists as []")
	})

	t.Run("ring evicts the oldest entries", func(t *testing.T) {
		b := NewConsoleBuffer(2)
		for i := 0; i < 5; i++ {
			b.Append(ConsoleEntry{Level: "log", Args: []string{fmt.Sprint(i)}})
		}
		entries := b.Entries()
		require.Len(t, entries, 2)
		assert.Equal(t, "3", entries[0].Args[0])
		assert.Equal(t, "4", entries[1].Args[0])
		assert.Equal(t, 3, b.Dropped())
	})

	t.Run("concurrent appends are not lost", func(t *testing.T) {
		b := NewConsoleBuffer(0)
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 50; j++ {
					b.Append(ConsoleEntry{Level: "log"})
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1000, b.Len())
	})
}

func TestStateHeaders(t *testing.T) {
	s := NewState(0)
	assert.Empty(t, s.Headers())

	applied := map[string]string{"X-A": "1", "X-B": "2"}
	s.ReplaceHeaders(applied)
	applied["X-C"] = "mutating the caller's map"
	assert.Equal(t, map[string]string{"X-A": "1", "X-B": "2"}, s.Headers())

	copied := s.Headers()
	copied["X-D"] = "mutating the copy"
	assert.Len(t, s.Headers(), 2)

	s.ReplaceHeaders(nil)
	assert.Empty(t, s.Headers())
	assert.NotNil(t, s.Headers())
}

func TestStateRecording(t *testing.T) {
	s := NewState(0)
	_, ok := s.CurrentRecording()
	assert.False(t, ok)

	_, err := s.EndRecording()
	assert.ErrorIs(t, err, ErrNoRecording)

	require.NoError(t, s.BeginRecording(Recording{Dir: "/tmp/v"}))
	assert.Error(t, s.BeginRecording(Recording{Dir: "/tmp/w"}), "one recording at a time")

	r, err := s.EndRecording()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/v", r.Dir)
}

func TestStatePageOpened(t *testing.T) {
	s := NewState(0)
	assert.False(t, s.PageOpened())
	s.MarkOpened()
	assert.True(t, s.PageOpened())
}
