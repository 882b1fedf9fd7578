package ftp

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/klauspost/compress/zlib"

	"github.com/OpenSalamander/salamander-sub033/internal/ratelimit"
)

type readCloser struct {
	io.Reader
	close func() error
}

func (r readCloser) Close() error { return r.close() }

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// dataReader returns the payload of a download read from conn: throttled
// by the bandwidth limit and inflated when MODE Z is on.
func (c *ControlConnection) dataReader(ctx context.Context, conn io.Reader) (io.ReadCloser, error) {
	wire := ratelimit.NewReaderContext(ctx, conn, c.limiter)

	c.mu.Lock()
	compressed := c.compress
	c.mu.Unlock()
	if !compressed {
		return io.NopCloser(wire), nil
	}

	zr, err := zlib.NewReader(wire)
	if errors.Is(err, io.EOF) {
		// Nothing was sent.
		return io.NopCloser(strings.NewReader("")), nil
	}
	if err != nil {
		return nil, err
	}
	return readCloser{Reader: zr, close: zr.Close}, nil
}

// dataWriter returns the writer of an upload to conn. Close flushes the
// compressed stream and does not close conn.
func (c *ControlConnection) dataWriter(ctx context.Context, conn io.Writer) (io.WriteCloser, error) {
	wire := ratelimit.NewWriterContext(ctx, conn, c.limiter)

	c.mu.Lock()
	compressed := c.compress
	c.mu.Unlock()
	if !compressed {
		return nopWriteCloser{wire}, nil
	}
	return zlib.NewWriterLevel(wire, c.compressionLevel)
}
