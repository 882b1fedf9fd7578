// Package ratelimit throttles data connections to a configured number of
// bytes per second. It wraps golang.org/x/time/rate with io.Reader and
// io.Writer adapters; one Limiter may be shared by all workers to cap the
// total bandwidth.
package ratelimit

import (
	"context"
	"errors"
	"io"
	"sync"

	"golang.org/x/time/rate"
)

// maxBurst caps the bucket so a fast link cannot push several seconds of
// data at once after an idle period.
const maxBurst = 64 * 1024

// ErrStopped is returned by readers and writers whose Limiter was stopped.
var ErrStopped = errors.New("ratelimit: limiter stopped")

// Limiter is a token bucket measured in bytes. A nil *Limiter does not
// throttle.
type Limiter struct {
	lim    *rate.Limiter
	burst  int
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// New returns a limiter for bytesPerSecond. A rate <= 0 means unlimited and
// yields nil.
func New(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	burst := int(min(bytesPerSecond, maxBurst))
	ctx, cancel := context.WithCancel(context.Background())
	return &Limiter{
		lim:    rate.NewLimiter(rate.Limit(bytesPerSecond), burst),
		burst:  burst,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Rate returns the configured bytes per second, 0 for a nil limiter.
func (l *Limiter) Rate() int64 {
	if l == nil {
		return 0
	}
	return int64(l.lim.Limit())
}

// SetRate changes the limit of a running limiter.
func (l *Limiter) SetRate(bytesPerSecond int64) {
	if l == nil || bytesPerSecond <= 0 {
		return
	}
	l.lim.SetLimit(rate.Limit(bytesPerSecond))
}

// Stop releases every reader and writer blocked on l; they fail with
// ErrStopped from then on. Stop is idempotent and safe on nil.
func (l *Limiter) Stop() {
	if l == nil {
		return
	}
	l.once.Do(l.cancel)
}

// wait blocks until n bytes may pass. n must not exceed l.burst. A nil ctx
// waits on the limiter alone.
func (l *Limiter) wait(ctx context.Context, n int) error {
	if ctx == nil {
		ctx = l.ctx
	} else {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(l.ctx, cancel)
		defer stop()
	}
	if err := l.lim.WaitN(ctx, n); err != nil {
		if l.ctx.Err() != nil {
			return ErrStopped
		}
		return err
	}
	return nil
}

type reader struct {
	ctx     context.Context
	r       io.Reader
	limiter *Limiter
}

// NewReader returns r throttled by limiter, or r itself for a nil limiter.
func NewReader(r io.Reader, limiter *Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &reader{r: r, limiter: limiter}
}

// NewReaderContext is NewReader whose waits also end when ctx is done.
func NewReaderContext(ctx context.Context, r io.Reader, limiter *Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &reader{ctx: ctx, r: r, limiter: limiter}
}

func (r *reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(p) > r.limiter.burst {
		p = p[:r.limiter.burst]
	}
	if err := r.limiter.wait(r.ctx, len(p)); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

type writer struct {
	ctx     context.Context
	w       io.Writer
	limiter *Limiter
}

// NewWriter returns w throttled by limiter, or w itself for a nil limiter.
func NewWriter(w io.Writer, limiter *Limiter) io.Writer {
	if limiter == nil {
		return w
	}
	return &writer{w: w, limiter: limiter}
}

// NewWriterContext is NewWriter whose waits also end when ctx is done.
func NewWriterContext(ctx context.Context, w io.Writer, limiter *Limiter) io.Writer {
	if limiter == nil {
		return w
	}
	return &writer{ctx: ctx, w: w, limiter: limiter}
}

func (w *writer) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		chunk := min(len(p)-written, w.limiter.burst)
		if err := w.limiter.wait(w.ctx, chunk); err != nil {
			return written, err
		}
		n, err := w.w.Write(p[written : written+chunk])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
