// Package workers manages the transfer workers of one operation. Each
// worker owns its own control connection and is driven by a goroutine;
// the List coordinates stopping, pausing, waking and error reporting.
package workers

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// State is the life-cycle state of a worker.
type State int

const (
	StatePreparing State = iota
	StateConnecting
	// StateWaitingForReconnect waits for the next connection attempt.
	StateWaitingForReconnect
	// StateConnectionError means the worker gave up and waits for the user.
	StateConnectionError
	StateWorking
	StateSleeping
	StateLookingForWork
	StateStopped
)

var stateNames = [...]string{
	StatePreparing:           "preparing",
	StateConnecting:          "connecting",
	StateWaitingForReconnect: "waiting for reconnect",
	StateConnectionError:     "connection error",
	StateWorking:             "working",
	StateSleeping:            "sleeping",
	StateLookingForWork:      "looking for work",
	StateStopped:             "stopped",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Signal is a notification posted to a worker's goroutine.
type Signal int

const (
	SignalWakeup Signal = iota
	SignalShouldStop
	SignalShouldPause
	SignalShouldResume
	SignalActivate
	SignalNewLoginParams
)

const signalBuffer = 16

// Worker is the shared state of one transfer worker. The goroutine running
// the worker changes its state; the List reads it under the worker's lock.
type Worker struct {
	id     int
	logUID int

	signals chan Signal
	clock   *atomic.Int64 // error occurrence clock of the owning List

	mu              sync.Mutex
	state           State
	shouldStop      bool
	shouldBePaused  bool
	socketClosed    bool
	receivingWakeup bool
	errorTime       int64
	errorText       string
	closeData       func()
	cancelDisk      func()
	curDownloaded   int64
	curUploaded     int64
}

// New returns a worker logging into the connection log uid.
func New(logUID int) *Worker {
	return &Worker{
		logUID:       logUID,
		signals:      make(chan Signal, signalBuffer),
		socketClosed: true,
		errorTime:    -1,
	}
}

// ID is assigned by List.Add.
func (w *Worker) ID() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.id
}

func (w *Worker) LogUID() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.logUID
}

// SetLogUID changes the connection log after a reconnect created a new one.
func (w *Worker) SetLogUID(uid int) {
	w.mu.Lock()
	w.logUID = uid
	w.mu.Unlock()
}

// Signals delivers the notifications for the worker's goroutine.
func (w *Worker) Signals() <-chan Signal {
	return w.signals
}

func (w *Worker) post(s Signal) {
	select {
	case w.signals <- s:
	default:
		// The goroutine is far behind; flags carry the state anyway.
	}
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// SetState moves the worker to s. Leaving StateSleeping clears the pending
// wake-up mark.
func (w *Worker) SetState(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateSleeping && s != StateSleeping {
		w.receivingWakeup = false
	}
	w.state = s
	if s != StateConnectionError && s != StateWaitingForReconnect {
		w.errorText = ""
	}
}

// SetError records a connection error and moves the worker to state
// (StateConnectionError or StateWaitingForReconnect). The error gets the
// next occurrence time of the owning list.
func (w *Worker) SetError(state State, text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = state
	w.errorText = text
	if w.clock != nil {
		w.errorTime = w.clock.Add(1)
	} else {
		w.errorTime = 0
	}
}

// ClearError forgets the last error.
func (w *Worker) ClearError() {
	w.mu.Lock()
	w.errorTime = -1
	w.errorText = ""
	w.mu.Unlock()
}

// ErrorTime returns the occurrence time of the last error, -1 if none.
func (w *Worker) ErrorTime() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.errorTime
}

// HaveError reports whether the worker is in an error state.
func (w *Worker) HaveError() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.haveErrorLocked()
}

func (w *Worker) haveErrorLocked() bool {
	return w.state == StateConnectionError || w.state == StateWaitingForReconnect
}

func (w *Worker) ShouldStop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.shouldStop
}

func (w *Worker) ShouldBePaused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.shouldBePaused
}

// SetConnected records whether the worker's control connection is open.
func (w *Worker) SetConnected(open bool) {
	w.mu.Lock()
	w.socketClosed = !open
	w.mu.Unlock()
}

// SetDataConnection registers the function closing the open data
// connection; nil means there is none.
func (w *Worker) SetDataConnection(closeFn func()) {
	w.mu.Lock()
	w.closeData = closeFn
	w.mu.Unlock()
}

// SetDiskWork registers the cancel function of the work item the worker
// waits for in the disk thread; nil means it waits for none.
func (w *Worker) SetDiskWork(cancel func()) {
	w.mu.Lock()
	w.cancelDisk = cancel
	w.mu.Unlock()
}

// SetCurrentSizes publishes the progress of the running transfer.
func (w *Worker) SetCurrentSizes(downloaded, uploaded int64) {
	w.mu.Lock()
	w.curDownloaded = downloaded
	w.curUploaded = uploaded
	w.mu.Unlock()
}

// idleWithOpenConnection reports a worker which must be told to stop by a
// signal because nothing else would wake it up.
func (w *Worker) idleWithOpenConnectionLocked() bool {
	return !w.socketClosed && (w.state == StateSleeping || w.cancelDisk != nil ||
		(w.state == StateLookingForWork && w.shouldBePaused))
}

// informAboutStop sets the stop flag. It returns true when the caller has
// to call CloseDataConnectionOrPostShouldStop afterwards.
func (w *Worker) informAboutStop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.shouldStop {
		return false
	}
	w.shouldStop = true
	return w.idleWithOpenConnectionLocked() || w.closeData != nil
}

// CloseDataConnectionOrPostShouldStop closes the data connection of a
// worker returned by InformAboutStop, or wakes the worker up so it sees
// the stop flag.
func (w *Worker) CloseDataConnectionOrPostShouldStop() {
	w.mu.Lock()
	closeData := w.closeData
	w.closeData = nil
	post := w.idleWithOpenConnectionLocked()
	w.mu.Unlock()

	if closeData != nil {
		closeData()
		post = true
	}
	if post {
		w.post(SignalShouldStop)
	}
}

func (w *Worker) informAboutPause(pause bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.shouldBePaused == pause {
		return false
	}
	w.shouldBePaused = pause
	return true
}

// PostShouldPauseOrResume tells a worker returned by InformAboutPause
// about the new pause flag.
func (w *Worker) PostShouldPauseOrResume() {
	if w.ShouldBePaused() {
		w.post(SignalShouldPause)
	} else {
		w.post(SignalShouldResume)
	}
}

func (w *Worker) closedWithoutDataConnection() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.socketClosed && w.closeData == nil
}

func (w *Worker) hasDiskWork() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancelDisk != nil
}

func (w *Worker) forceCloseDiskWork() {
	w.mu.Lock()
	cancel := w.cancelDisk
	w.cancelDisk = nil
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ForceClose drops the data connection of a worker returned by
// ForceClose of the List and activates it so it closes its socket.
func (w *Worker) ForceClose() {
	w.mu.Lock()
	closeData := w.closeData
	w.closeData = nil
	w.mu.Unlock()
	if closeData != nil {
		closeData()
	}
	w.post(SignalActivate)
}

// IsPaused returns the pause flag and whether the worker is doing something
// (not sleeping, stopped or waiting for the user).
func (w *Worker) IsPaused() (paused, working bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	working = w.state != StateSleeping && w.state != StateConnectionError && w.state != StateStopped
	return w.shouldBePaused, working
}

func (w *Worker) isSleeping() (sleeping, openConnection, receivingWakeup bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateSleeping {
		return false, false, false
	}
	return true, !w.socketClosed, w.receivingWakeup
}

// wakeUp marks a sleeping worker as being woken and posts the wake-up.
func (w *Worker) wakeUp() {
	w.mu.Lock()
	if w.state == StateSleeping {
		w.receivingWakeup = true
	}
	w.mu.Unlock()
	w.post(SignalWakeup)
}

// errorDescription returns the error text. A worker waiting for reconnect
// is held in StateConnectionError so it does not reconnect while the user
// deals with the problem; activate reports that case.
func (w *Worker) errorDescription() (text string, activate, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.haveErrorLocked() {
		return "", false, false
	}
	if w.state == StateWaitingForReconnect {
		w.state = StateConnectionError
		activate = true
	}
	return w.errorText, activate, true
}
