package ftp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenSalamander/salamander-sub033/internal/connlog"
	"github.com/OpenSalamander/salamander-sub033/internal/diskthread"
	"github.com/OpenSalamander/salamander-sub033/internal/workers"
)

type reportLog struct {
	mu    sync.Mutex
	names []string
	errs  []error
}

func (r *reportLog) report(item DownloadItem, _ int64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, item.Name)
	r.errs = append(r.errs, err)
}

func (r *reportLog) done() ([]string, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := append([]string(nil), r.names...)
	sort.Strings(names)
	return names, append([]error(nil), r.errs...)
}

func newTestOperation(t *testing.T, params *ConnectionParameters, workerCount int) (*Operation, *reportLog) {
	t.Helper()
	disk := diskthread.New()
	t.Cleanup(func() { disk.Terminate(5 * time.Second) })
	op := NewOperation(params, disk,
		WithTimeout(2*time.Second),
		WithRetryPolicy(0, 0),
		WithConnectionLog(connlog.New(nil)),
	)
	t.Cleanup(op.Dispose)
	op.Configure = func(w *diskthread.Work) error {
		w.FileExists = diskthread.FileExistsOverwrite
		return nil
	}
	op.AddWorkers(workerCount)
	r := &reportLog{}
	op.Report = r.report
	return op, r
}

func queuedItem(dir, name string) DownloadItem {
	return DownloadItem{RemotePath: name, TargetDir: dir, Name: name, Size: -1}
}

func TestOperation_WorkersShareTheQueue(t *testing.T) {
	t.Parallel()
	srv := newMockServer(t)
	for i := range 5 {
		srv.setFile(fmt.Sprintf("f%d.txt", i), []byte(fmt.Sprintf("content %d", i)))
	}
	srv.start()

	op, r := newTestOperation(t, srv.params(), 2)
	dir := t.TempDir()
	var items []DownloadItem
	for i := range 5 {
		items = append(items, queuedItem(dir, fmt.Sprintf("f%d.txt", i)))
	}

	require.NoError(t, op.RunDownloads(context.Background(), items...))

	names, errs := r.done()
	assert.Equal(t, []string{"f0.txt", "f1.txt", "f2.txt", "f3.txt", "f4.txt"}, names)
	for _, err := range errs {
		assert.NoError(t, err)
	}
	for i := range 5 {
		got, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("f%d.txt", i)))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("content %d", i), string(got))
	}
	assert.EqualValues(t, 2, srv.accepted.Load(), "every worker logs in on its own connection")
	assert.Equal(t, 5, count(srv.received(), "RETR"))
	assert.Equal(t, 2, count(srv.received(), "QUIT"))
	assert.Equal(t, 2, op.Workers.StateCounts()[workers.StateStopped])
}

func TestOperation_SleepingWorkerWakesForNewItems(t *testing.T) {
	t.Parallel()
	srv := newMockServer(t)
	srv.setFile("late.txt", []byte("queued later"))
	srv.start()

	op, r := newTestOperation(t, srv.params(), 1)
	done := make(chan error, 1)
	go func() { done <- op.Run(context.Background()) }()

	assert.Eventually(t, func() bool {
		return op.Workers.StateCounts()[workers.StateSleeping] == 1
	}, 5*time.Second, 10*time.Millisecond)

	dir := t.TempDir()
	op.Queue(queuedItem(dir, "late.txt"))
	assert.Eventually(t, func() bool {
		names, _ := r.done()
		return len(names) == 1
	}, 5*time.Second, 10*time.Millisecond)

	op.CloseQueue()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not finish after the queue was closed")
	}
	got, err := os.ReadFile(filepath.Join(dir, "late.txt"))
	require.NoError(t, err)
	assert.Equal(t, "queued later", string(got))
}

func TestOperation_NewLoginParametersReconnect(t *testing.T) {
	t.Parallel()
	srv := newMockServer(t)
	srv.setFile("a.txt", []byte("after login"))
	srv.handle("PASS", func(s *mockSession, arg string) {
		if arg == "right" {
			s.send("230 User logged in, proceed.")
			return
		}
		s.send("530 Login incorrect.")
	})
	srv.start()

	params := srv.params()
	params.Password = []byte("wrong")
	op, r := newTestOperation(t, params, 1)
	dir := t.TempDir()

	done := make(chan error, 1)
	go func() { done <- op.RunDownloads(context.Background(), queuedItem(dir, "a.txt")) }()

	require.Eventually(t, op.Workers.AtLeastOneWaitingForUser, 5*time.Second, 10*time.Millisecond)
	text, ok := op.Workers.ErrorDescription(0)
	require.True(t, ok)
	assert.NotEmpty(t, text)

	fixed := srv.params()
	fixed.Password = []byte("right")
	op.SetLoginParameters(fixed)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not log in with the new parameters")
	}
	names, errs := r.done()
	assert.Equal(t, []string{"a.txt"}, names)
	assert.NoError(t, errs[0])
	assert.EqualValues(t, 2, srv.accepted.Load())
}

func TestOperation_ReconnectsAfterLostConnection(t *testing.T) {
	t.Parallel()
	srv := newMockServer(t)
	srv.setFile("big.bin", []byte("payload"))
	var retrs atomic.Int32
	srv.handle("RETR", func(s *mockSession, arg string) {
		if retrs.Add(1) == 1 {
			_ = s.conn.Close()
			return
		}
		s.defaultReply("RETR", arg)
	})
	srv.start()

	op, r := newTestOperation(t, srv.params(), 1)
	dir := t.TempDir()
	require.NoError(t, op.RunDownloads(context.Background(), queuedItem(dir, "big.bin")))

	names, errs := r.done()
	assert.Equal(t, []string{"big.bin"}, names)
	assert.NoError(t, errs[0])
	assert.EqualValues(t, 2, srv.accepted.Load())
	got, err := os.ReadFile(filepath.Join(dir, "big.bin"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestOperation_Stop(t *testing.T) {
	t.Parallel()
	srv := newMockServer(t)
	srv.reply("PASS", "530 Login incorrect.")
	srv.start()

	op, _ := newTestOperation(t, srv.params(), 2)
	done := make(chan error, 1)
	go func() { done <- op.RunDownloads(context.Background(), queuedItem(t.TempDir(), "x.txt")) }()

	require.Eventually(t, func() bool {
		return op.Workers.StateCounts()[workers.StateConnectionError] == 2
	}, 5*time.Second, 10*time.Millisecond)
	op.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("workers waiting after an error did not stop")
	}
	assert.True(t, op.Workers.EmptyOrAllShouldStop())
}

func TestOperationWithoutWorkers(t *testing.T) {
	t.Parallel()
	op := NewOperation(&ConnectionParameters{Host: "127.0.0.1"}, nil)
	require.ErrorIs(t, op.RunDownloads(context.Background()), ErrNoWorkers)
}
