package ftp

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueueFIFO(t *testing.T) {
	t.Parallel()
	q := NewEventQueue()
	q.AddEvent(EventIPReceived, 1, 0, false)
	q.AddEvent(EventConnected, 1, 0, false)
	q.Post(Event{Kind: EventClosed, Err: errors.New("reset")}, false)
	require.Equal(t, 3, q.Len())

	ev, ok := q.GetEvent()
	require.True(t, ok)
	assert.Equal(t, EventIPReceived, ev.Kind)
	ev, _ = q.GetEvent()
	assert.Equal(t, EventConnected, ev.Kind)
	ev, _ = q.GetEvent()
	assert.Equal(t, EventClosed, ev.Kind)
	assert.EqualError(t, ev.Err, "reset")

	_, ok = q.GetEvent()
	assert.False(t, ok)
}

func TestEventQueueRewritable(t *testing.T) {
	t.Parallel()

	t.Run("coalesces read notifications", func(t *testing.T) {
		t.Parallel()
		q := NewEventQueue()
		q.AddEvent(EventNewBytesRead, 0, 0, true)
		q.AddEvent(EventNewBytesRead, 0, 0, true)
		q.AddEvent(EventNewBytesRead, 0, 0, true)
		assert.Equal(t, 1, q.Len())
	})

	t.Run("non-rewritable event replaces pending read", func(t *testing.T) {
		t.Parallel()
		q := NewEventQueue()
		q.AddEvent(EventNewBytesRead, 0, 0, true)
		q.AddEvent(EventWriteDone, 0, 0, false)
		q.AddEvent(EventClosed, 0, 0, false)
		require.Equal(t, 2, q.Len())
		ev, _ := q.GetEvent()
		assert.Equal(t, EventWriteDone, ev.Kind)
		ev, _ = q.GetEvent()
		assert.Equal(t, EventClosed, ev.Kind)
	})

	t.Run("consumed event is never rewritten", func(t *testing.T) {
		t.Parallel()
		q := NewEventQueue()
		q.AddEvent(EventConnected, 1, 0, false)
		q.AddEvent(EventNewBytesRead, 0, 0, true)
		ev, _ := q.GetEvent()
		assert.Equal(t, EventConnected, ev.Kind)
		ev, _ = q.GetEvent()
		assert.Equal(t, EventNewBytesRead, ev.Kind)

		q.AddEvent(EventClosed, 0, 0, false)
		ev, ok := q.GetEvent()
		require.True(t, ok)
		assert.Equal(t, EventClosed, ev.Kind)
	})
}

func TestEventQueueRecyclesRecords(t *testing.T) {
	t.Parallel()
	q := NewEventQueue()
	for i := 0; i < 10; i++ {
		q.AddEvent(EventWriteDone, uint32(i), 0, false)
	}
	for i := 0; i < 10; i++ {
		ev, ok := q.GetEvent()
		require.True(t, ok)
		assert.Equal(t, uint32(i), ev.Data1)
	}
	assert.Len(t, q.free, 10)

	q.AddEvent(EventClosed, 0, 0, false)
	assert.Len(t, q.free, 9)
}

func TestEventQueueReset(t *testing.T) {
	t.Parallel()
	q := NewEventQueue()
	q.AddEvent(EventClosed, 0, 0, false)
	q.AddEvent(EventNewBytesRead, 0, 0, true)
	q.Reset()
	assert.Equal(t, 0, q.Len())

	ev := q.WaitForEventOrCancel(context.Background(), nil, 0)
	assert.Equal(t, EventTimeout, ev.Kind)
}

func TestWaitForEventOrCancel(t *testing.T) {
	t.Parallel()

	t.Run("pending event returns immediately", func(t *testing.T) {
		t.Parallel()
		q := NewEventQueue()
		q.AddEvent(EventConnected, 1, 0, false)
		ev := q.WaitForEventOrCancel(context.Background(), nil, time.Second)
		assert.Equal(t, EventConnected, ev.Kind)
	})

	t.Run("zero timeout polls once", func(t *testing.T) {
		t.Parallel()
		q := NewEventQueue()
		start := time.Now()
		ev := q.WaitForEventOrCancel(context.Background(), func() bool { return true }, 0)
		assert.Equal(t, EventTimeout, ev.Kind, "ESC is not sampled for a zero timeout")
		assert.Less(t, time.Since(start), 100*time.Millisecond)
	})

	t.Run("timeout spans several poll cycles", func(t *testing.T) {
		t.Parallel()
		q := NewEventQueue()
		var polls atomic.Int32
		start := time.Now()
		ev := q.WaitForEventOrCancel(context.Background(), func() bool {
			polls.Add(1)
			return false
		}, 500*time.Millisecond)
		assert.Equal(t, EventTimeout, ev.Kind)
		assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
		assert.GreaterOrEqual(t, polls.Load(), int32(3))
	})

	t.Run("event from another goroutine", func(t *testing.T) {
		t.Parallel()
		q := NewEventQueue()
		go func() {
			time.Sleep(50 * time.Millisecond)
			q.AddEvent(EventIPReceived, 1, 0, false)
		}()
		ev := q.WaitForEventOrCancel(context.Background(), nil, -1)
		assert.Equal(t, EventIPReceived, ev.Kind)
	})

	t.Run("ESC keeps the pending event", func(t *testing.T) {
		t.Parallel()
		q := NewEventQueue()
		q.AddEvent(EventClosed, 0, 0, false)
		ev := q.WaitForEventOrCancel(context.Background(), func() bool { return true }, time.Second)
		assert.Equal(t, EventESC, ev.Kind)

		ev = q.WaitForEventOrCancel(context.Background(), nil, time.Second)
		assert.Equal(t, EventClosed, ev.Kind)
	})

	t.Run("canceled context is ESC", func(t *testing.T) {
		t.Parallel()
		q := NewEventQueue()
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(30 * time.Millisecond)
			cancel()
		}()
		ev := q.WaitForEventOrCancel(ctx, nil, -1)
		assert.Equal(t, EventESC, ev.Kind)
	})
}

func TestEventKindString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "NewBytesRead", EventNewBytesRead.String())
	assert.Equal(t, "EventKind(42)", EventKind(42).String())
}
