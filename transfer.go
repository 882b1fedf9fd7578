package ftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/OpenSalamander/salamander-sub033/internal/diskthread"
	"github.com/OpenSalamander/salamander-sub033/internal/workers"
)

// TransferOptions tunes Retrieve and Store.
type TransferOptions struct {
	// Offset is sent with REST before the transfer command.
	Offset int64

	// ASCII transfers with TYPE A instead of TYPE I.
	ASCII bool

	// Append uploads with APPE instead of STOR.
	Append bool

	Progress Progress
}

func transferType(ascii bool) string {
	if ascii {
		return "A"
	}
	return "I"
}

func (c *ControlConnection) touchUser() {
	c.mu.Lock()
	c.lastUserCommand = time.Now()
	c.mu.Unlock()
}

// Retrieve downloads remotePath into w and returns the number of payload
// bytes written.
//
// Example:
//
//	f, _ := os.Create("local.bin")
//	defer f.Close()
//	n, err := conn.Retrieve(ctx, "remote.bin", f, ftp.TransferOptions{})
func (c *ControlConnection) Retrieve(ctx context.Context, remotePath string, w io.Writer, opts TransferOptions) (int64, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	c.touchUser()

	if err := c.setType(ctx, transferType(opts.ASCII)); err != nil {
		return 0, fmt.Errorf("failed to set transfer type: %w", err)
	}
	if opts.Offset > 0 {
		if err := c.restartAt(ctx, opts.Offset); err != nil {
			return 0, err
		}
	}
	return c.retrieve(ctx, "RETR "+remotePath, w, opts.Progress)
}

func (c *ControlConnection) restartAt(ctx context.Context, offset int64) error {
	_, err := c.expectCode(ctx, 350, "REST "+strconv.FormatInt(offset, 10))
	return err
}

// retrieve runs a download command whose type and offset are already set.
func (c *ControlConnection) retrieve(ctx context.Context, cmd string, w io.Writer, progress Progress) (int64, error) {
	dt, err := c.cmdDataConn(ctx, cmd)
	if err != nil {
		return 0, err
	}
	r, err := c.dataReader(ctx, dt.conn)
	if err != nil {
		_ = c.finishDataConn(ctx, dt)
		return 0, fmt.Errorf("failed to start MODE Z stream: %w", err)
	}

	pw := &progressWriter{w: w, fn: progress}
	_, copyErr := io.Copy(pw, r)
	_ = r.Close()
	finishErr := c.finishDataConn(ctx, dt)
	c.metrics.Transferred("download", pw.total)

	if copyErr != nil {
		return pw.total, fmt.Errorf("download failed: %w", copyErr)
	}
	return pw.total, finishErr
}

// Store uploads r to remotePath and returns the number of payload bytes
// read from r.
func (c *ControlConnection) Store(ctx context.Context, remotePath string, r io.Reader, opts TransferOptions) (int64, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	c.touchUser()

	if err := c.setType(ctx, transferType(opts.ASCII)); err != nil {
		return 0, fmt.Errorf("failed to set transfer type: %w", err)
	}
	cmd := "STOR "
	if opts.Append {
		cmd = "APPE "
	} else if opts.Offset > 0 {
		if err := c.restartAt(ctx, opts.Offset); err != nil {
			return 0, err
		}
	}

	dt, err := c.cmdDataConn(ctx, cmd+remotePath)
	if err != nil {
		return 0, err
	}
	wc, err := c.dataWriter(ctx, dt.conn)
	if err != nil {
		_ = c.finishDataConn(ctx, dt)
		return 0, fmt.Errorf("failed to start MODE Z stream: %w", err)
	}

	pr := &progressReader{r: r, fn: opts.Progress}
	_, copyErr := io.Copy(wc, pr)
	if err := wc.Close(); copyErr == nil {
		copyErr = err
	}
	finishErr := c.finishDataConn(ctx, dt)
	c.metrics.Transferred("upload", pr.total)

	if copyErr != nil {
		return pr.total, fmt.Errorf("upload failed: %w", copyErr)
	}
	return pr.total, finishErr
}

// listTo writes the listing returned by cmd (LIST, NLST) to w. The caller
// holds cmdMu.
func (c *ControlConnection) listTo(ctx context.Context, cmd string, w io.Writer) error {
	if err := c.setType(ctx, "A"); err != nil {
		return err
	}
	_, err := c.retrieve(ctx, cmd, w, nil)
	return err
}

// List returns the raw listing of path (the working directory when empty).
func (c *ControlConnection) List(ctx context.Context, path string) ([]byte, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	c.touchUser()

	cmd := "LIST"
	if path != "" {
		cmd += " " + path
	}
	var buf listingBuffer
	if err := c.listTo(ctx, cmd, &buf); err != nil {
		return nil, err
	}
	return buf.b, nil
}

type listingBuffer struct{ b []byte }

func (l *listingBuffer) Write(p []byte) (int, error) {
	l.b = append(l.b, p...)
	return len(p), nil
}

// DownloadItem is one file a worker downloads.
type DownloadItem struct {
	RemotePath string
	TargetDir  string
	Name       string
	// Size is the expected size, -1 when unknown.
	Size    int64
	ModTime diskthread.ModTime
}

// Downloader downloads files of a worker through the disk thread. The
// target file is created by the disk thread with the conflict policies set
// by Configure and written in chunks verified against an existing file
// when resuming.
type Downloader struct {
	Conn    *ControlConnection
	Disk    *diskthread.Thread
	Worker  *workers.Worker
	Workers *workers.List

	// Configure sets the conflict policies of the CreateFile work.
	Configure func(w *diskthread.Work) error

	// ResumeOverlap is the number of bytes before the end of a resumed
	// file which are downloaded again and compared.
	ResumeOverlap int64

	// ResumeMinFileSize is the size below which a file that may be
	// overwritten is downloaded again instead of resumed.
	ResumeMinFileSize int64

	// CloseTimeout bounds the wait for the disk thread to close the file.
	CloseTimeout time.Duration
}

// ErrSkipped is returned by Download when the conflict policy skipped the
// item.
var ErrSkipped = errors.New("ftp: item skipped")

// diskWork queues w and waits for it. The worker can cancel it meanwhile.
func (d *Downloader) diskWork(ctx context.Context, w *diskthread.Work) error {
	d.Disk.AddWork(w)
	if d.Worker != nil {
		d.Worker.SetDiskWork(func() { d.Disk.CancelWork(w) })
		defer d.Worker.SetDiskWork(nil)
	}
	if err := w.Wait(ctx); err != nil {
		d.Disk.CancelWork(w)
		return err
	}
	return nil
}

// Download transfers item and returns the number of bytes written to the
// target file.
func (d *Downloader) Download(ctx context.Context, item DownloadItem) (written int64, err error) {
	c := d.Conn
	if d.Worker != nil {
		d.Worker.SetState(workers.StateWorking)
		d.Worker.SetCurrentSizes(0, 0)
	}

	create := &diskthread.Work{
		Type:          diskthread.WorkCreateFile,
		Path:          item.TargetDir,
		Name:          item.Name,
		ResumeOverlap: d.ResumeOverlap,
	}
	if d.Configure != nil {
		if err := d.Configure(create); err != nil {
			return 0, err
		}
	}
	if err := d.diskWork(ctx, create); err != nil {
		return 0, err
	}
	if create.State == diskthread.StateSkipped {
		return 0, ErrSkipped
	}
	if create.Failed() {
		return 0, create.Err()
	}

	name := item.Name
	if create.NewName != "" {
		name = create.NewName
	}
	file := create.Opened
	existing := create.FileSize
	if existing > 0 && create.CanOverwrite && existing < d.ResumeMinFileSize {
		existing = 0
	}

	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	c.touchUser()

	end := existing
	defer func() {
		fc := diskthread.FileToClose{
			Path:          filepath.Join(item.TargetDir, name),
			File:          file,
			DeleteIfEmpty: err != nil && create.CanDeleteEmptyFile,
			Truncate:      err == nil,
			EndOfFile:     end,
			SetModTime:    err == nil && item.ModTime.HasDate,
			ModTime:       item.ModTime,
		}
		idx := d.Disk.AddFileToClose(fc)
		timeout := d.CloseTimeout
		if timeout == 0 {
			timeout = -1
		}
		if !d.Disk.WaitForFileClose(idx, timeout) && err == nil {
			err = errors.New("ftp: timeout while closing the target file")
		}
	}()

	if err := c.setType(ctx, "I"); err != nil {
		return 0, fmt.Errorf("failed to set transfer type: %w", err)
	}

	checkFrom := int64(0)
	if existing > 0 {
		checkFrom = max(0, existing-d.ResumeOverlap)
		if err := c.restartAt(ctx, checkFrom); err != nil {
			if !create.CanOverwrite {
				return 0, fmt.Errorf("unable to resume: %w", err)
			}
			c.logger.Debug("resume not supported, downloading again", "path", item.RemotePath)
			checkFrom, existing, end = 0, 0, 0
		}
	}

	sink := &diskSink{d: d, ctx: ctx, file: file, pos: checkFrom, resumeAt: existing}
	defer func() {
		if d.Worker != nil {
			d.Worker.SetCurrentSizes(0, 0)
		}
		if d.Workers != nil {
			d.Workers.AddDownloaded(sink.written)
		}
	}()
	if _, err := c.retrieve(ctx, "RETR "+item.RemotePath, sink, nil); err != nil {
		end = max(existing, sink.pos)
		return sink.written, err
	}
	if sink.pos < existing {
		return sink.written, errors.New("ftp: remote file is shorter than the resumed local file")
	}
	end = sink.pos
	if item.Size >= 0 && end != item.Size {
		c.logger.Debug("size differs from the listing", "path", item.RemotePath, "size", end, "listed", item.Size)
	}
	return sink.written, nil
}

// diskSink passes downloaded chunks to the disk thread. Bytes before
// resumeAt are compared with the file instead of written.
type diskSink struct {
	d        *Downloader
	ctx      context.Context
	file     *os.File
	pos      int64
	resumeAt int64
	written  int64
}

func (s *diskSink) Write(p []byte) (int, error) {
	w := &diskthread.Work{
		Type:            diskthread.WorkCheckOrWriteFile,
		CheckFromOffset: s.pos,
		Offset:          max(s.resumeAt, s.pos),
		Data:            append([]byte(nil), p...),
		File:            s.file,
	}
	if err := s.d.diskWork(s.ctx, w); err != nil {
		return 0, err
	}
	if w.Failed() {
		return 0, w.Err()
	}

	newPos := s.pos + int64(len(p))
	if newPos > s.resumeAt {
		s.written += newPos - max(s.pos, s.resumeAt)
	}
	s.pos = newPos
	if s.d.Worker != nil {
		s.d.Worker.SetCurrentSizes(s.written, 0)
	}
	return len(p), nil
}
