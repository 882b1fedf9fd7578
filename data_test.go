package ftp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePASV(t *testing.T) {
	t.Parallel()
	tests := []struct {
		reply   string
		want    string
		wantErr bool
	}{
		{reply: "227 Entering Passive Mode (192,168,1,1,195,149)", want: "192.168.1.1:50069"},
		{reply: "227 =127,0,0,1,4,1 (127,0,0,1,4,1).", want: "127.0.0.1:1025"},
		{reply: "227 Entering Passive Mode (0,0,0,0,0,21)", want: "0.0.0.0:21"},
		{reply: "227 Entering Passive Mode (256,0,0,1,4,1)", wantErr: true},
		{reply: "227 Entering Passive Mode", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			t.Parallel()
			got, err := parsePASV(tt.reply)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseEPSV(t *testing.T) {
	t.Parallel()
	tests := []struct {
		reply   string
		want    string
		wantErr bool
	}{
		{reply: "229 Entering Extended Passive Mode (|||6446|)", want: "6446"},
		{reply: "229 (|||65535|)", want: "65535"},
		{reply: "229 (|||0|)", wantErr: true},
		{reply: "229 (|||70000|)", wantErr: true},
		{reply: "229 Entering Extended Passive Mode (|2|::1|6446|)", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			t.Parallel()
			got, err := parseEPSV(tt.reply)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatPORT(t *testing.T) {
	t.Parallel()
	got, err := formatPORT("192.168.1.100:50000")
	require.NoError(t, err)
	assert.Equal(t, "192,168,1,100,195,80", got)

	_, err = formatPORT("[::1]:21")
	require.Error(t, err)

	_, err = formatPORT("no-port")
	require.Error(t, err)
}

func TestFormatEPRT(t *testing.T) {
	t.Parallel()
	got, err := formatEPRT("[2001:db8::1]:2121")
	require.NoError(t, err)
	assert.Equal(t, "|2|2001:db8::1|2121|", got)

	got, err = formatEPRT("10.0.0.2:2121")
	require.NoError(t, err)
	assert.Equal(t, "|1|10.0.0.2|2121|", got)

	_, err = formatEPRT("host.example.com:21")
	require.Error(t, err)
}

func TestResolveDataAddr(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		pasvAddr    string
		controlHost string
		want        string
	}{
		{"routable address", "192.168.1.5:12345", "10.0.0.1", "192.168.1.5:12345"},
		{"unspecified address", "0.0.0.0:12345", "10.0.0.1", "10.0.0.1:12345"},
		{"unspecified address, IPv6 control host", "0.0.0.0:21", "2001:db8::1", "[2001:db8::1]:21"},
		{"malformed", "invalid", "10.0.0.1", "invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, resolveDataAddr(tt.pasvAddr, tt.controlHost))
		})
	}
}

func TestActiveEndpoint(t *testing.T) {
	t.Parallel()

	t.Run("accepts the server", func(t *testing.T) {
		t.Parallel()
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		ep := &activeEndpoint{listener: l, timeout: 5 * time.Second}

		go func() {
			c, err := net.Dial("tcp", l.Addr().String())
			if err == nil {
				_, _ = c.Write([]byte("x"))
				_ = c.Close()
			}
		}()

		conn, err := ep.establish(context.Background())
		require.NoError(t, err)
		defer conn.Close()
		buf := make([]byte, 1)
		_, err = conn.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, "x", string(buf))
	})

	t.Run("times out", func(t *testing.T) {
		t.Parallel()
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		ep := &activeEndpoint{listener: l, timeout: 50 * time.Millisecond}

		_, err = ep.establish(context.Background())
		require.ErrorContains(t, err, "did not open the data connection")
	})

	t.Run("canceled", func(t *testing.T) {
		t.Parallel()
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		ep := &activeEndpoint{listener: l, timeout: 5 * time.Second}

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = ep.establish(ctx)
		require.ErrorIs(t, err, ErrCanceled)
	})
}
