package ftp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/OpenSalamander/salamander-sub033/internal/diskthread"
	"github.com/OpenSalamander/salamander-sub033/internal/workers"
)

// maxItemReconnects is how many times an item interrupted by a lost
// connection is queued again before its error is reported.
const maxItemReconnects = 2

// Operation downloads a queue of items by a group of workers. The workers
// share the login parameters and the queue; each one owns its control
// connection, connects and logs in by itself and takes items until the
// queue is closed and empty.
type Operation struct {
	Workers *workers.List
	Disk    *diskthread.Thread

	// Configure sets the conflict policies of the CreateFile work.
	Configure         func(w *diskthread.Work) error
	ResumeOverlap     int64
	ResumeMinFileSize int64

	// Report is called from the worker goroutines after each item.
	Report func(item DownloadItem, written int64, err error)

	opts []Option

	mu         sync.Mutex
	params     *ConnectionParameters
	items      []DownloadItem
	reconnects map[string]int
	closed     bool
}

// NewOperation returns an operation logging in with a copy of params.
// opts configure the control connection of every worker.
func NewOperation(params *ConnectionParameters, disk *diskthread.Thread, opts ...Option) *Operation {
	return &Operation{
		Workers:    workers.NewList(),
		Disk:       disk,
		opts:       opts,
		params:     params.Clone(),
		reconnects: make(map[string]int),
	}
}

// AddWorkers adds n workers to the operation.
func (op *Operation) AddWorkers(n int) {
	for range n {
		op.Workers.Add(workers.New(-1))
	}
}

// Queue adds items and wakes sleeping workers.
func (op *Operation) Queue(items ...DownloadItem) {
	if len(items) == 0 {
		return
	}
	op.mu.Lock()
	op.items = append(op.items, items...)
	op.mu.Unlock()
	op.Workers.PostNewWorkAvailable(len(items) == 1)
}

// CloseQueue tells the workers no more items come; they finish once the
// queue is empty.
func (op *Operation) CloseQueue() {
	op.mu.Lock()
	op.closed = true
	op.mu.Unlock()
	op.Workers.ActivateWorkers()
}

// SetLoginParameters replaces the login parameters and lets the workers
// waiting after a connection error try again with them.
func (op *Operation) SetLoginParameters(params *ConnectionParameters) {
	p := params.Clone()
	op.mu.Lock()
	old := op.params
	op.params = p
	op.mu.Unlock()
	old.Zero()
	op.Workers.PostLoginChanged(workers.AllWorkers)
}

// Stop tells every worker to stop after its current item.
func (op *Operation) Stop() {
	for {
		victims, more := op.Workers.InformAboutStop(workers.AllWorkers, 8)
		for _, w := range victims {
			w.CloseDataConnectionOrPostShouldStop()
		}
		if !more {
			break
		}
	}
	// workers waiting after an error have no open connection to be woken by
	op.Workers.ActivateWorkers()
}

// Dispose scrubs the passwords of the login parameters.
func (op *Operation) Dispose() {
	op.mu.Lock()
	op.params.Zero()
	op.mu.Unlock()
}

// Run runs all workers of the operation and waits for them.
func (op *Operation) Run(ctx context.Context) error {
	return op.Workers.Run(ctx, op.runWorker)
}

func (op *Operation) loginParameters() *ConnectionParameters {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.params.Clone()
}

// take returns the next item. An idle worker is put to sleep under the
// queue lock so that Queue cannot miss it.
func (op *Operation) take(w *workers.Worker) (item DownloadItem, ok, finished bool) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if len(op.items) == 0 {
		if op.closed {
			return DownloadItem{}, false, true
		}
		w.SetState(workers.StateSleeping)
		return DownloadItem{}, false, false
	}
	item = op.items[0]
	op.items = op.items[1:]
	return item, true, false
}

// drained reports a closed and empty queue.
func (op *Operation) drained() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.closed && len(op.items) == 0
}

// requeue puts back an item whose transfer was cut by a lost connection.
// It reports false once the item ran out of reconnects.
func (op *Operation) requeue(item DownloadItem) bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.reconnects[item.RemotePath] >= maxItemReconnects {
		return false
	}
	op.reconnects[item.RemotePath]++
	op.items = append([]DownloadItem{item}, op.items...)
	return true
}

func (op *Operation) runWorker(ctx context.Context, w *workers.Worker) error {
	params := op.loginParameters()
	conn, err := New(params, op.opts...)
	params.Zero()
	if err != nil {
		return err
	}
	defer func() {
		if conn.IsConnected() {
			quitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			_ = conn.Quit(quitCtx)
			cancel()
		}
		_ = conn.Dispose()
		w.SetConnected(false)
	}()

	d := &Downloader{
		Conn:              conn,
		Disk:              op.Disk,
		Worker:            w,
		Workers:           op.Workers,
		Configure:         op.Configure,
		ResumeOverlap:     op.ResumeOverlap,
		ResumeMinFileSize: op.ResumeMinFileSize,
	}
	retryMessage := ""
	for {
		if w.ShouldStop() || ctx.Err() != nil {
			return nil
		}
		if w.ShouldBePaused() && !op.wait(ctx, w, workers.SignalShouldResume) {
			return nil
		}
		if !conn.IsConnected() {
			if !op.connect(ctx, conn, w, retryMessage) {
				if !op.waitForLogin(ctx, conn, w) {
					return nil
				}
				continue
			}
			retryMessage = ""
		}

		w.SetState(workers.StateLookingForWork)
		item, ok, finished := op.take(w)
		if finished {
			// workers held by a connection error see the drained queue
			op.Workers.ActivateWorkers()
			return nil
		}
		if !ok {
			if !op.wait(ctx, w, workers.SignalWakeup) {
				return nil
			}
			continue
		}

		written, err := d.Download(ctx, item)
		if err != nil && !conn.IsConnected() && ctx.Err() == nil && !w.ShouldStop() && op.requeue(item) {
			conn.logger.Debug("connection lost during transfer, reconnecting", "path", item.RemotePath, "error", err)
			w.SetConnected(false)
			retryMessage = "connection lost: " + err.Error()
			continue
		}
		if op.Report != nil {
			op.Report(item, written, err)
		}
	}
}

// connect opens the worker's control connection. A failure moves the
// worker to StateConnectionError.
func (op *Operation) connect(ctx context.Context, conn *ControlConnection, w *workers.Worker, retryMessage string) bool {
	w.SetState(workers.StateConnecting)
	_, err := conn.StartControlConnection(ctx, StartOptions{
		Reconnect:        retryMessage != "",
		RetryMessage:     retryMessage,
		UseFastReconnect: true,
	})
	w.SetLogUID(conn.LogUID())
	if err != nil {
		w.SetConnected(false)
		w.SetError(workers.StateConnectionError, err.Error())
		return false
	}
	w.SetConnected(true)
	w.ClearError()
	return true
}

// waitForLogin holds a worker after a connection error until it is
// activated or the login parameters change.
func (op *Operation) waitForLogin(ctx context.Context, conn *ControlConnection, w *workers.Worker) bool {
	if op.drained() {
		return false
	}
	for {
		select {
		case <-ctx.Done():
			return false
		case sig := <-w.Signals():
			if w.ShouldStop() {
				return false
			}
			switch sig {
			case workers.SignalNewLoginParams:
				params := op.loginParameters()
				err := conn.SetConnectionParameters(params)
				params.Zero()
				if err != nil {
					w.SetError(workers.StateConnectionError, err.Error())
					continue
				}
				return true
			case workers.SignalActivate:
				return !op.drained()
			}
		}
	}
}

// wait sleeps until want arrives. SignalActivate also ends the wait so
// closing the queue reaches sleeping workers.
func (op *Operation) wait(ctx context.Context, w *workers.Worker, want workers.Signal) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case sig := <-w.Signals():
			if w.ShouldStop() {
				return false
			}
			if sig == want || sig == workers.SignalActivate {
				return true
			}
		}
	}
}

// ErrNoWorkers is returned by RunDownloads for an operation without
// workers.
var ErrNoWorkers = errors.New("ftp: the operation has no workers")

// RunDownloads queues items, closes the queue and runs the workers until
// every item was handled.
func (op *Operation) RunDownloads(ctx context.Context, items ...DownloadItem) error {
	if op.Workers.Count() == 0 {
		return ErrNoWorkers
	}
	op.Queue(items...)
	op.CloseQueue()
	return op.Run(ctx)
}
