package diskthread

import (
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

// ModTime is the time stamp set on a closed file. A listing may provide
// only the date or only the time; the missing part is taken from the file.
type ModTime struct {
	At      time.Time
	HasDate bool
	HasTime bool
}

func (m ModTime) resolve(current time.Time) time.Time {
	cur := current.Local()
	y, mo, d := cur.Date()
	h, mi, s := cur.Clock()
	ns := cur.Nanosecond()
	if m.HasDate {
		y, mo, d = m.At.Date()
	}
	if m.HasTime {
		h, mi, s = m.At.Clock()
		ns = m.At.Nanosecond()
	}
	return time.Date(y, mo, d, h, mi, s, ns, time.Local)
}

// FileToClose describes a file handed over for closing.
type FileToClose struct {
	// Path is the full name of File, used for deleting and time stamps.
	Path string
	File *os.File

	DeleteIfEmpty bool
	AlwaysDelete  bool

	SetModTime bool
	ModTime    ModTime

	// Truncate cuts the file at EndOfFile (when it is not longer).
	Truncate  bool
	EndOfFile int64
}

// Option configures a Thread.
type Option func(*Thread)

// WithLogger sets the logger for problems the caller never sees, such as
// failures while closing files.
func WithLogger(l *slog.Logger) Option {
	return func(t *Thread) {
		if l != nil {
			t.logger = l
		}
	}
}

// Thread is the disk goroutine. Closing files has priority over
// terminating, terminating over work.
type Thread struct {
	logger *slog.Logger

	mu         sync.Mutex
	work       []*Work // a nil entry was canceled while in progress
	inProgress bool
	toClose    []*FileToClose
	nextClose  int
	doneClose  int // index of the last closed file, -1 if none
	closed     chan struct{}
	terminate  bool
	closeErrs  *multierror.Error

	wake chan struct{}
	done chan struct{}

	afterPerform func(*Work) // test hook
}

// New starts the disk goroutine.
func New(opts ...Option) *Thread {
	t := newThread(opts...)
	go t.run()
	return t
}

func newThread(opts ...Option) *Thread {
	t := &Thread{
		logger:    slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1})),
		doneClose: -1,
		closed:    make(chan struct{}),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Thread) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// AddWork queues w. The results are in w once w.Done() is closed.
func (t *Thread) AddWork(w *Work) {
	w.done = make(chan struct{})
	t.mu.Lock()
	t.work = append(t.work, w)
	t.mu.Unlock()
	t.signal()
}

// CancelWork withdraws w. found is false when w is no longer queued (it is
// finished). When w is being processed, inProgress is true: its results are
// discarded and what it created is removed again.
func (t *Thread) CancelWork(w *Work) (found, inProgress bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w == nil {
		return false, false
	}
	i := slices.Index(t.work, w)
	if i < 0 {
		return false, false
	}
	if i == 0 && t.inProgress {
		t.work[0] = nil
		return true, true
	}
	t.work = slices.Delete(t.work, i, i+1)
	return true, false
}

// Pending returns the number of queued work items.
func (t *Thread) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.work)
}

// AddFileToClose queues f and returns its index for WaitForFileClose.
func (t *Thread) AddFileToClose(f FileToClose) int {
	t.mu.Lock()
	t.toClose = append(t.toClose, &f)
	idx := t.nextClose
	t.nextClose++
	t.mu.Unlock()
	t.signal()
	return idx
}

// WaitForFileClose waits until the file with index idx is closed. A
// negative timeout waits forever. It returns false on timeout.
func (t *Thread) WaitForFileClose(idx int, timeout time.Duration) bool {
	var deadline <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		t.mu.Lock()
		if t.doneClose >= idx {
			t.mu.Unlock()
			return true
		}
		closed := t.closed
		t.mu.Unlock()

		select {
		case <-closed:
		case <-deadline:
			t.logger.Debug("waiting for file close timed out", "index", idx)
			return false
		case <-t.done:
			t.mu.Lock()
			ok := t.doneClose >= idx
			t.mu.Unlock()
			return ok
		}
	}
}

// CloseErrors returns and forgets the errors met while closing files.
func (t *Thread) CloseErrors() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := t.closeErrs.ErrorOrNil()
	t.closeErrs = nil
	return err
}

// Terminate asks the goroutine to finish the pending closes and stop. It
// returns false when it did not stop within timeout (negative waits
// forever).
func (t *Thread) Terminate(timeout time.Duration) bool {
	t.mu.Lock()
	t.terminate = true
	t.mu.Unlock()
	t.signal()
	if timeout < 0 {
		<-t.done
		return true
	}
	select {
	case <-t.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (t *Thread) run() {
	defer close(t.done)
	for {
		t.mu.Lock()
		for !t.terminate && len(t.work) == 0 && len(t.toClose) == 0 {
			t.mu.Unlock()
			<-t.wake
			t.mu.Lock()
		}
		var (
			fc    *FileToClose
			w     *Work
			local Work
		)
		end := t.terminate
		if len(t.toClose) > 0 {
			fc = t.toClose[0]
			t.toClose = t.toClose[1:]
			end = false
		} else if !end && len(t.work) > 0 {
			if w = t.work[0]; w != nil {
				local = *w
				t.inProgress = true
			}
		}
		t.mu.Unlock()

		if end {
			return
		}
		if fc != nil {
			t.closeFile(fc)
			continue
		}

		created := ""
		if w != nil {
			created = local.perform()
			t.logger.Debug("disk work done", "type", local.Type, "name", local.Name, "state", local.State)
			if t.afterPerform != nil {
				t.afterPerform(w)
			}
		}

		t.mu.Lock()
		canceled := w != nil && (len(t.work) == 0 || t.work[0] != w)
		if len(t.work) > 0 {
			t.work = t.work[1:]
		}
		t.inProgress = false
		if w != nil && !canceled {
			w.copyResults(&local)
		}
		t.mu.Unlock()

		switch {
		case w == nil:
		case canceled:
			if err := undo(&local, created); err != nil {
				t.logger.Warn("cleanup of canceled disk work failed", "type", local.Type, "name", local.Name, "error", err)
			}
		default:
			close(w.done)
		}
	}
}

// perform runs the work on the private copy and returns what it created.
func (w *Work) perform() string {
	w.State = StateNone
	w.Problem = ProblemOK
	w.OSError = nil
	w.NewName = ""
	w.Opened = nil
	w.Listing = nil
	w.EOF = false

	created := ""
	switch w.Type {
	case WorkCreateDir:
		created = w.createDir()
	case WorkCreateFile, WorkRetryCreatedFile, WorkRetryResumedFile:
		created = w.createFile()
	case WorkCheckOrWriteFile:
		w.checkOrWrite()
	case WorkCreateAndWriteFile:
		created = w.createAndWrite()
	case WorkListDir:
		w.listDir()
	case WorkDeleteDir:
		w.remove(ProblemUnableToDeleteDiskDir)
	case WorkOpenFileForReading:
		w.openForReading()
	case WorkReadFile, WorkReadFileASCII:
		w.readFile(w.Type == WorkReadFileASCII)
	case WorkDeleteFile:
		w.remove(ProblemUnableToDeleteDiskFile)
	}
	if w.State == StateNone {
		w.State = StateDone
	}
	return created
}

// undo reverts a canceled work as if it never ran.
func undo(w *Work, created string) error {
	var result *multierror.Error
	if w.Opened != nil {
		if err := w.Opened.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if created != "" {
		if err := os.Remove(created); err != nil && !errors.Is(err, fs.ErrNotExist) {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (t *Thread) closeFile(fc *FileToClose) {
	err := fc.close()
	t.mu.Lock()
	if err != nil {
		t.closeErrs = multierror.Append(t.closeErrs, err)
	}
	t.doneClose++
	close(t.closed)
	t.closed = make(chan struct{})
	t.mu.Unlock()
	if err != nil {
		t.logger.Warn("closing file failed", "path", fc.Path, "error", err)
	}
}

func (fc *FileToClose) close() error {
	var result *multierror.Error
	del := fc.AlwaysDelete
	if !del && fc.DeleteIfEmpty {
		if fi, err := fc.File.Stat(); err == nil && fi.Size() == 0 {
			del = true
		}
	}
	if !del && fc.Truncate {
		if fi, err := fc.File.Stat(); err != nil {
			result = multierror.Append(result, err)
		} else if fc.EndOfFile <= fi.Size() {
			if err := fc.File.Truncate(fc.EndOfFile); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	if err := fc.File.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	switch {
	case del:
		if err := os.Remove(fc.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			result = multierror.Append(result, err)
		}
	case fc.SetModTime && (fc.ModTime.HasDate || fc.ModTime.HasTime):
		current := time.Now()
		if fi, err := os.Stat(fc.Path); err == nil {
			current = fi.ModTime()
		}
		if err := os.Chtimes(fc.Path, time.Time{}, fc.ModTime.resolve(current)); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
