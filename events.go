package ftp

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// EventKind identifies what happened on a control connection.
type EventKind int

const (
	// EventESC is synthesized by the wait primitive when the user cancels
	// (ESC key, closed wait window or a canceled context).
	EventESC EventKind = iota
	// EventTimeout is synthesized when the wait's total timeout runs out.
	EventTimeout
	// EventIPReceived is posted when name resolution finishes.
	EventIPReceived
	// EventConnected is posted when the TCP (or proxy) connect finishes.
	EventConnected
	// EventClosed is posted when the server or the network closed the socket.
	EventClosed
	// EventNewBytesRead is posted (rewritable) each time the reader appends data.
	EventNewBytesRead
	// EventWriteDone is posted when a queued command was fully written.
	EventWriteDone
	// EventUserIfaceFinished is posted by the user interface when a
	// non-modal interaction completes.
	EventUserIfaceFinished
	// EventListenForCon is posted when a listening data socket is ready.
	EventListenForCon
)

var eventKindNames = [...]string{
	EventESC:               "ESC",
	EventTimeout:           "Timeout",
	EventIPReceived:        "IPReceived",
	EventConnected:         "Connected",
	EventClosed:            "Closed",
	EventNewBytesRead:      "NewBytesRead",
	EventWriteDone:         "WriteDone",
	EventUserIfaceFinished: "UserIfaceFinished",
	EventListenForCon:      "ListenForCon",
}

func (k EventKind) String() string {
	if k >= 0 && int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is one entry of an EventQueue.
//
// Data1 and Data2 are kind specific. For EventIPReceived and EventConnected
// Data1 is 1 on success; Err carries the failure otherwise. For EventClosed
// Err is the read error (nil on a clean EOF).
type Event struct {
	Kind  EventKind
	Data1 uint32
	Data2 uint32
	Err   error
}

// escPollInterval is how often a blocked wait samples the cancel callback.
const escPollInterval = 200 * time.Millisecond

// EventQueue is the FIFO between socket goroutines (producers) and the
// single state-machine goroutine (consumer).
//
// Records are recycled: a consumed record goes back to a free list and is
// reused by the next AddEvent. Only the most recently added event can be
// rewritten, and only while it was added as rewritable and has not been
// consumed yet; this coalesces bursts of EventNewBytesRead.
type EventQueue struct {
	mu         sync.Mutex
	pending    []*Event // FIFO, oldest first
	free       []*Event
	rewritable bool

	// wake is an auto-reset signal: one buffered token means "events may
	// be pending".
	wake chan struct{}
}

// NewEventQueue returns an empty queue.
func NewEventQueue() *EventQueue {
	return &EventQueue{
		pending: make([]*Event, 0, 5),
		wake:    make(chan struct{}, 1),
	}
}

func (q *EventQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// AddEvent queues an event without error payload. See Post.
func (q *EventQueue) AddEvent(kind EventKind, data1, data2 uint32, rewritable bool) bool {
	return q.Post(Event{Kind: kind, Data1: data1, Data2: data2}, rewritable)
}

// Post queues ev. If the previous event was added as rewritable and is still
// waiting, ev replaces it. It returns false only when the event was dropped.
func (q *EventQueue) Post(ev Event, rewritable bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.rewritable && len(q.pending) > 0 {
		*q.pending[len(q.pending)-1] = ev
	} else {
		var rec *Event
		if n := len(q.free); n > 0 {
			rec = q.free[n-1]
			q.free = q.free[:n-1]
		} else {
			rec = new(Event)
		}
		*rec = ev
		q.pending = append(q.pending, rec)
	}
	q.rewritable = rewritable
	q.signal()
	return true
}

// GetEvent pops the oldest event. If more events remain the wake signal is
// raised again so the next wait returns immediately.
func (q *EventQueue) GetEvent() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return Event{}, false
	}
	rec := q.pending[0]
	ev := *rec
	copy(q.pending, q.pending[1:])
	q.pending[len(q.pending)-1] = nil
	q.pending = q.pending[:len(q.pending)-1]
	*rec = Event{}
	q.free = append(q.free, rec)

	q.rewritable = false
	if len(q.pending) > 0 {
		q.signal()
	}
	return ev, true
}

// Len returns the number of pending events.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Reset drops all pending events (their records are kept for reuse).
func (q *EventQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, rec := range q.pending {
		*rec = Event{}
		q.free = append(q.free, rec)
		q.pending[i] = nil
	}
	q.pending = q.pending[:0]
	q.rewritable = false
	select {
	case <-q.wake:
	default:
	}
}

// WaitForEventOrCancel blocks until an event is available, the user cancels
// or timeout elapses.
//
// A negative timeout waits forever; zero polls the queue once and never
// reports EventESC. While waiting, escPressed (may be nil) and ctx are
// sampled every 200 ms; either one yields EventESC. When a cancel wins over
// an already raised wake signal, the signal is raised again so no event is
// lost.
func (q *EventQueue) WaitForEventOrCancel(ctx context.Context, escPressed func() bool, timeout time.Duration) Event {
	start := time.Now()
	rest := timeout
	for {
		wait := escPollInterval
		if timeout >= 0 && rest < wait {
			wait = rest
		}

		signaled := false
		if wait <= 0 {
			select {
			case <-q.wake:
				signaled = true
			default:
			}
		} else {
			timer := time.NewTimer(wait)
			select {
			case <-q.wake:
				signaled = true
			case <-ctx.Done():
			case <-timer.C:
			}
			timer.Stop()
		}

		if timeout != 0 && (ctx.Err() != nil || (escPressed != nil && escPressed())) {
			if signaled {
				q.signal()
			}
			return Event{Kind: EventESC}
		}

		if signaled {
			if ev, ok := q.GetEvent(); ok {
				return ev
			}
		} else if timeout >= 0 && wait == rest {
			return Event{Kind: EventTimeout}
		}

		if timeout >= 0 {
			if elapsed := time.Since(start); elapsed < timeout {
				rest = timeout - elapsed
			} else {
				rest = 0
			}
		}
	}
}
