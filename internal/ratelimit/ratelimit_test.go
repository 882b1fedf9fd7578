package ratelimit

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name           string
		bytesPerSecond int64
		expectNil      bool
	}{
		{"Valid rate", 1024, false},
		{"Zero rate (unlimited)", 0, true},
		{"Negative rate (unlimited)", -1, true},
		{"Very low rate", 1, false},
		{"High rate", 10 * 1024 * 1024, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			limiter := New(tt.bytesPerSecond)
			if tt.expectNil {
				assert.Nil(t, limiter)
				return
			}
			require.NotNil(t, limiter)
			assert.Equal(t, tt.bytesPerSecond, limiter.Rate())
			assert.LessOrEqual(t, limiter.burst, maxBurst)
			limiter.Stop()
		})
	}
}

func TestLimiter_Stop(t *testing.T) {
	t.Parallel()
	limiter := New(1024)
	require.NotNil(t, limiter)

	limiter.Stop()
	limiter.Stop()

	var nilLimiter *Limiter
	nilLimiter.Stop()
	assert.Zero(t, nilLimiter.Rate())
}

func TestNilLimiterPassesThrough(t *testing.T) {
	t.Parallel()
	r := bytes.NewReader([]byte("data"))
	assert.Same(t, r, NewReader(r, nil))

	var buf bytes.Buffer
	assert.Same(t, &buf, NewWriter(&buf, nil))
}

func TestReader_Throttles(t *testing.T) {
	t.Parallel()
	data := make([]byte, 16*1024)
	for i := range data {
		data[i] = byte(i % 251)
	}

	// The first 8 KiB pass on the initial burst, the rest needs ~1 s.
	limiter := New(8 * 1024)
	defer limiter.Stop()

	start := time.Now()
	got, err := io.ReadAll(NewReader(bytes.NewReader(data), limiter))
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.GreaterOrEqual(t, elapsed, 800*time.Millisecond)
	assert.Less(t, elapsed, 3*time.Second)
}

func TestWriter_Throttles(t *testing.T) {
	t.Parallel()
	data := bytes.Repeat([]byte{0xA5}, 16*1024)

	limiter := New(8 * 1024)
	defer limiter.Stop()

	var buf bytes.Buffer
	start := time.Now()
	n, err := NewWriter(&buf, limiter).Write(data)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, buf.Bytes())
	assert.GreaterOrEqual(t, elapsed, 800*time.Millisecond)
}

func TestStopReleasesBlockedWriter(t *testing.T) {
	t.Parallel()
	limiter := New(1024)
	w := NewWriter(io.Discard, limiter)

	// Drain the burst so the next write has to wait.
	_, err := w.Write(make([]byte, 1024))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := w.Write(make([]byte, 1024))
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	limiter.Stop()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("writer still blocked after Stop")
	}
}

func TestReaderContextCanceled(t *testing.T) {
	t.Parallel()
	limiter := New(512)
	defer limiter.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	r := NewReaderContext(ctx, bytes.NewReader(make([]byte, 4096)), limiter)

	buf := make([]byte, 512)
	_, err := r.Read(buf)
	require.NoError(t, err)

	cancel()
	_, err = r.Read(buf)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrStopped)
}

func TestSetRate(t *testing.T) {
	t.Parallel()
	limiter := New(1024)
	defer limiter.Stop()
	limiter.SetRate(4096)
	assert.Equal(t, int64(4096), limiter.Rate())
	limiter.SetRate(0)
	assert.Equal(t, int64(4096), limiter.Rate())
}

func BenchmarkReader(b *testing.B) {
	data := make([]byte, 1024)
	limiter := New(1 << 30)
	defer limiter.Stop()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := io.ReadAll(NewReader(bytes.NewReader(data), limiter)); err != nil {
			b.Fatal(err)
		}
	}
}
