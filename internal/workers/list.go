package workers

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/errgroup"
)

// AllWorkers selects every worker in the batch operations of List.
const AllWorkers = -1

// List is the set of workers of one operation.
//
// Operations acting on several workers take a maxVictims cap and report
// whether workers remain, so callers work in batches and never hold the
// list lock while closing sockets or waiting for goroutines.
type List struct {
	mu      sync.Mutex
	workers []*Worker
	nextID  int

	byID *xsync.Map[int, *Worker]

	errClock           atomic.Int64
	lastFoundErrorTime int64

	downloaded *xsync.Counter
	uploaded   *xsync.Counter
}

// NewList returns an empty list.
func NewList() *List {
	l := &List{
		nextID:             1,
		byID:               xsync.NewMap[int, *Worker](),
		lastFoundErrorTime: -1,
		downloaded:         xsync.NewCounter(),
		uploaded:           xsync.NewCounter(),
	}
	l.errClock.Store(-1)
	return l
}

// Add assigns w the next worker id and appends it.
func (l *List) Add(w *Worker) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	w.mu.Lock()
	w.id = l.nextID
	w.clock = &l.errClock
	w.mu.Unlock()

	l.nextID++
	l.workers = append(l.workers, w)
	l.byID.Store(w.id, w)
	return w.id
}

// batch applies fn to the worker at index, or to all workers when index is
// AllWorkers, collecting at most maxVictims workers fn selects. more is
// true when workers were left unvisited because the cap was reached.
func (l *List) batch(index, maxVictims int, fn func(*Worker) bool) (victims []*Worker, more bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index != AllWorkers {
		if index < 0 || index >= len(l.workers) {
			return nil, false
		}
		if maxVictims <= 0 {
			return nil, true
		}
		if w := l.workers[index]; fn(w) {
			victims = append(victims, w)
		}
		return victims, false
	}

	i := 0
	for len(victims) < maxVictims && i < len(l.workers) {
		w := l.workers[i]
		i++
		if fn(w) {
			victims = append(victims, w)
		}
	}
	return victims, i < len(l.workers)
}

// InformAboutStop sets the stop flag of the selected workers. The caller
// calls CloseDataConnectionOrPostShouldStop on every returned victim
// (outside of any lock).
func (l *List) InformAboutStop(index, maxVictims int) ([]*Worker, bool) {
	return l.batch(index, maxVictims, (*Worker).informAboutStop)
}

// InformAboutPause sets the pause flag of the selected workers. The caller
// calls PostShouldPauseOrResume on every returned victim.
func (l *List) InformAboutPause(index, maxVictims int, pause bool) ([]*Worker, bool) {
	return l.batch(index, maxVictims, func(w *Worker) bool {
		return w.informAboutPause(pause)
	})
}

// CanClose reports whether the selected workers have closed their
// connections and wait for no disk work.
func (l *List) CanClose(index int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	check := func(w *Worker) bool {
		return w.closedWithoutDataConnection() && !w.hasDiskWork()
	}
	if index != AllWorkers {
		if index < 0 || index >= len(l.workers) {
			return true
		}
		return check(l.workers[index])
	}
	for _, w := range l.workers {
		if !check(w) {
			return false
		}
	}
	return true
}

// ForceClose cancels the disk work of the selected workers and returns
// those still connected; the caller calls ForceClose on each of them.
func (l *List) ForceClose(index, maxVictims int) ([]*Worker, bool) {
	return l.batch(index, maxVictims, func(w *Worker) bool {
		w.forceCloseDiskWork()
		return !w.closedWithoutDataConnection()
	})
}

// Delete removes workers from the list, the last ones first when index is
// AllWorkers, and returns them to the caller for disposal.
func (l *List) Delete(index, maxVictims int) (victims []*Worker, more bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index != AllWorkers {
		if index < 0 || index >= len(l.workers) {
			return nil, false
		}
		if maxVictims <= 0 {
			return nil, true
		}
		w := l.workers[index]
		l.workers = slices.Delete(l.workers, index, index+1)
		l.byID.Delete(w.id)
		return []*Worker{w}, false
	}

	for len(victims) < maxVictims && len(l.workers) > 0 {
		last := len(l.workers) - 1
		w := l.workers[last]
		l.workers[last] = nil
		l.workers = l.workers[:last]
		l.byID.Delete(w.id)
		victims = append(victims, w)
	}
	return victims, len(l.workers) > 0
}

// Count returns the number of workers.
func (l *List) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.workers)
}

// FirstErrorIndex returns the index of the first worker with an error, or
// -1.
func (l *List) FirstErrorIndex() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, w := range l.workers {
		if w.HaveError() {
			return i
		}
	}
	return -1
}

// IndexOf returns the index of the worker with id, or -1.
func (l *List) IndexOf(id int) int {
	if _, ok := l.byID.Load(id); !ok {
		return -1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, w := range l.workers {
		if w.id == id {
			return i
		}
	}
	return -1
}

// ByID returns the worker with id.
func (l *List) ByID(id int) (*Worker, bool) {
	return l.byID.Load(id)
}

// WorkerID returns the id of the worker at index, or -1.
func (l *List) WorkerID(index int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 || index >= len(l.workers) {
		return -1
	}
	return l.workers[index].ID()
}

// LogUID returns the connection log of the worker at index, or -1.
func (l *List) LogUID(index int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 || index >= len(l.workers) {
		return -1
	}
	return l.workers[index].LogUID()
}

// HaveError reports whether the worker at index has an error.
func (l *List) HaveError(index int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 || index >= len(l.workers) {
		return false
	}
	return l.workers[index].HaveError()
}

// IsPaused returns the pause flag of the worker at index and whether it
// is working.
func (l *List) IsPaused(index int) (paused, working bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 || index >= len(l.workers) {
		return false, false
	}
	return l.workers[index].IsPaused()
}

// AnyWorking reports whether some worker is working, and whether one of
// them is working and not paused.
func (l *List) AnyWorking() (working, workingNotPaused bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.workers {
		paused, isWorking := w.IsPaused()
		if isWorking {
			working = true
			if !paused {
				return true, true
			}
		}
	}
	return working, false
}

// ErrorDescription returns the error text of the worker at index. A worker
// waiting for reconnect is stopped in StateConnectionError and activated.
func (l *List) ErrorDescription(index int) (string, bool) {
	l.mu.Lock()
	if index < 0 || index >= len(l.workers) {
		l.mu.Unlock()
		return "", false
	}
	w := l.workers[index]
	text, activate, ok := w.errorDescription()
	l.mu.Unlock()

	if activate {
		w.post(SignalActivate)
	}
	return text, ok
}

// LastErrorTime returns the occurrence time of the newest error reported
// by any worker of the list, -1 if none.
func (l *List) LastErrorTime() int64 {
	return l.errClock.Load()
}

// SearchWorkerWithNewError returns the index of the oldest worker error
// newer than the last one returned. lastErrorTime is LastErrorTime as seen
// by the caller; errors newer than it are left for the next call. Each
// error is returned once, in the order the errors occurred.
func (l *List) SearchWorkerWithNewError(lastErrorTime int64) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lastFoundErrorTime >= lastErrorTime {
		return -1, false
	}
	found := -1
	var foundTime int64
	for i, w := range l.workers {
		t := w.ErrorTime()
		if t != -1 && t > l.lastFoundErrorTime && t <= lastErrorTime && (found == -1 || t < foundTime) {
			found, foundTime = i, t
		}
	}
	if found == -1 {
		l.lastFoundErrorTime = lastErrorTime
		return -1, false
	}
	l.lastFoundErrorTime = foundTime
	return found, true
}

// PostNewWorkAvailable wakes sleeping workers after new work was queued.
// With onlyOneItem a single worker is woken, one with an open connection
// if there is any. Otherwise all sleeping workers are woken, those with an
// open connection first.
func (l *List) PostNewWorkAvailable(onlyOneItem bool) {
	l.mu.Lock()
	var wake []*Worker
	if onlyOneItem {
		var candidate *Worker
		for _, w := range l.workers {
			sleeping, open, waking := w.isSleeping()
			if !sleeping || waking {
				continue
			}
			if open {
				candidate = w
				break
			}
			if candidate == nil {
				candidate = w
			}
		}
		if candidate != nil {
			wake = append(wake, candidate)
		}
	} else {
		var closed []*Worker
		for _, w := range l.workers {
			sleeping, open, waking := w.isSleeping()
			if !sleeping || waking {
				continue
			}
			if open {
				wake = append(wake, w)
			} else {
				closed = append(closed, w)
			}
		}
		wake = append(wake, closed...)
	}
	for _, w := range wake {
		w.mu.Lock()
		w.receivingWakeup = true
		w.mu.Unlock()
	}
	l.mu.Unlock()

	for _, w := range wake {
		w.post(SignalWakeup)
	}
}

// ActivateWorkers posts SignalActivate to every worker.
func (l *List) ActivateWorkers() {
	for _, w := range l.snapshot() {
		w.post(SignalActivate)
	}
}

// PostLoginChanged tells workers in StateConnectionError that the login
// parameters changed. id selects one worker, AllWorkers all of them.
func (l *List) PostLoginChanged(id int) {
	for _, w := range l.snapshot() {
		if (id == AllWorkers || w.ID() == id) && w.State() == StateConnectionError {
			w.post(SignalNewLoginParams)
		}
	}
}

// EmptyOrAllShouldStop reports whether every worker was told to stop.
func (l *List) EmptyOrAllShouldStop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.workers {
		if !w.ShouldStop() {
			return false
		}
	}
	return true
}

// AtLeastOneWaitingForUser reports whether a worker waits in
// StateConnectionError.
func (l *List) AtLeastOneWaitingForUser() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.workers {
		if w.State() == StateConnectionError {
			return true
		}
	}
	return false
}

// AddDownloaded adds n bytes of finished downloads.
func (l *List) AddDownloaded(n int64) { l.downloaded.Add(n) }

// AddUploaded adds n bytes of finished uploads.
func (l *List) AddUploaded(n int64) { l.uploaded.Add(n) }

// Downloaded returns the finished downloads plus the running ones.
func (l *List) Downloaded() int64 {
	total := l.downloaded.Value()
	for _, w := range l.snapshot() {
		w.mu.Lock()
		total += w.curDownloaded
		w.mu.Unlock()
	}
	return total
}

// Uploaded returns the finished uploads plus the running ones.
func (l *List) Uploaded() int64 {
	total := l.uploaded.Value()
	for _, w := range l.snapshot() {
		w.mu.Lock()
		total += w.curUploaded
		w.mu.Unlock()
	}
	return total
}

// StateCounts returns how many workers are in each state.
func (l *List) StateCounts() map[State]int {
	counts := make(map[State]int)
	for _, w := range l.snapshot() {
		counts[w.State()]++
	}
	return counts
}

func (l *List) snapshot() []*Worker {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.workers)
}

// Run starts fn for every worker of the list and waits for all of them.
// The first error cancels the context passed to the others.
func (l *List) Run(ctx context.Context, fn func(ctx context.Context, w *Worker) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range l.snapshot() {
		g.Go(func() error {
			defer w.SetState(StateStopped)
			return fn(ctx, w)
		})
	}
	return g.Wait()
}
