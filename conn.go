package ftp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"
)

// readChunk is the size of one read from the control socket.
const readChunk = 4096

// deadlineConn wraps a net.Conn and sets a read/write deadline before every operation.
// Data connections use it; the control socket relies on the event timeouts
// of the connect loop instead.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (n int, err error) {
	if c.timeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (n int, err error) {
	if c.timeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}

// ConnectTarget says where ConnectWithProxy connects. Host and Port are
// the address the login script selected (the server or an FTP proxy).
// When Tunnel is a SOCKS or HTTP proxy type, Host:Port is that proxy and
// ServerHost:ServerPort is what it is asked to reach.
type ConnectTarget struct {
	IP   net.IP
	Host string
	Port int

	Tunnel        ProxyType
	ServerHost    string
	ServerPort    int
	ProxyUser     string
	ProxyPassword []byte
}

// Socket is the asynchronous control socket. Background goroutines resolve,
// connect, read and write; each outcome is posted to the EventQueue which
// the connect loop consumes.
//
// mu guards the socket state and the read buffer. The connection log is
// never written while holding it.
type Socket struct {
	events  *EventQueue
	dial    DialFunc
	timeout time.Duration

	mu         sync.Mutex
	conn       net.Conn
	gen        int // bumped when the reader of conn must retire
	connected  bool
	readBuf    []byte
	readerDone chan struct{}
	ip         net.IP
	cancelOp   context.CancelFunc
	lastErr    error
	tlsState   *tls.ConnectionState

	writeMu sync.Mutex // serializes writers
}

func newSocket(events *EventQueue, dial DialFunc, timeout time.Duration) *Socket {
	return &Socket{events: events, dial: dial, timeout: timeout}
}

// opContext returns a context canceled by Close.
func (s *Socket) opContext(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	if s.cancelOp != nil {
		prev := s.cancelOp
		s.cancelOp = func() { prev(); cancel() }
	} else {
		s.cancelOp = cancel
	}
	s.mu.Unlock()
	return ctx
}

// Resolve looks host up in the background and posts EventIPReceived.
func (s *Socket) Resolve(ctx context.Context, host string) error {
	if host == "" {
		return errors.New("empty host name")
	}
	if ip := net.ParseIP(host); ip != nil {
		s.mu.Lock()
		s.ip = ip
		s.mu.Unlock()
		s.events.AddEvent(EventIPReceived, 1, 0, false)
		return nil
	}

	ctx = s.opContext(ctx)
	go func() {
		ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
		if err == nil && len(ips) == 0 {
			err = fmt.Errorf("no address for %s", host)
		}
		if err != nil {
			s.events.Post(Event{Kind: EventIPReceived, Err: err}, false)
			return
		}
		ip := ips[0]
		for _, cand := range ips {
			if cand.To4() != nil {
				ip = cand
				break
			}
		}
		s.mu.Lock()
		s.ip = ip
		s.mu.Unlock()
		s.events.AddEvent(EventIPReceived, 1, 0, false)
	}()
	return nil
}

// IP returns the address found by the last Resolve.
func (s *Socket) IP() net.IP {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ip
}

// ConnectWithProxy connects in the background and posts EventConnected.
// A *ProxyError in the event means the proxy itself reported the failure.
func (s *Socket) ConnectWithProxy(ctx context.Context, t ConnectTarget) error {
	s.mu.Lock()
	busy := s.conn != nil
	s.mu.Unlock()
	if busy {
		return errors.New("socket is already connected")
	}

	host := t.Host
	if t.IP != nil {
		host = t.IP.String()
	}
	addr := net.JoinHostPort(host, strconv.Itoa(t.Port))

	ctx = s.opContext(ctx)
	go func() {
		var conn net.Conn
		var err error
		if t.Tunnel.IsTunnel() {
			server := tunnelTarget{Host: t.ServerHost, Port: t.ServerPort}
			conn, err = dialTunnel(ctx, s.dial, t.Tunnel, addr, server, t.ProxyUser, t.ProxyPassword)
		} else {
			conn, err = s.dial(ctx, "tcp", addr)
		}
		if err != nil {
			s.events.Post(Event{Kind: EventConnected, Err: err}, false)
			return
		}

		s.mu.Lock()
		if ctx.Err() != nil {
			s.mu.Unlock()
			_ = conn.Close()
			s.events.Post(Event{Kind: EventConnected, Err: ctx.Err()}, false)
			return
		}
		s.conn = conn
		s.connected = true
		s.lastErr = nil
		s.startReaderLocked()
		s.mu.Unlock()
		s.events.AddEvent(EventConnected, 1, 0, false)
	}()
	return nil
}

func (s *Socket) startReaderLocked() {
	s.gen++
	done := make(chan struct{})
	s.readerDone = done
	go s.readLoop(s.conn, s.gen, done)
}

func (s *Socket) readLoop(conn net.Conn, gen int, done chan struct{}) {
	defer close(done)
	buf := make([]byte, readChunk)
	for {
		n, err := conn.Read(buf)

		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		if n > 0 {
			s.readBuf = append(s.readBuf, buf[:n]...)
		}
		if err != nil {
			s.connected = false
			if errors.Is(err, io.EOF) {
				err = nil
			}
			s.lastErr = err
			s.events.Post(Event{Kind: EventClosed, Err: err}, false)
			s.mu.Unlock()
			return
		}
		if n > 0 {
			s.events.AddEvent(EventNewBytesRead, 0, 0, true)
		}
		s.mu.Unlock()
	}
}

// IsConnected reports whether the socket is open and not closed by the peer.
func (s *Socket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// LastError returns the error that closed the socket, nil after a clean EOF.
func (s *Socket) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Write queues cmd for sending. The command is always written by a
// background goroutine, so allWritten is false and EventWriteDone follows.
func (s *Socket) Write(cmd string) (allWritten bool, err error) {
	s.mu.Lock()
	conn := s.conn
	connected := s.connected
	s.mu.Unlock()
	if conn == nil || !connected {
		return false, ErrNotConnected
	}

	data := []byte(cmd)
	go func() {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		s.mu.Lock()
		conn := s.conn // may have been upgraded to TLS meanwhile
		s.mu.Unlock()
		if conn == nil {
			s.events.Post(Event{Kind: EventWriteDone, Err: ErrNotConnected}, false)
			return
		}
		if s.timeout > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(s.timeout))
		}
		_, err := conn.Write(data)
		clear(data)
		s.events.Post(Event{Kind: EventWriteDone, Err: err}, false)
	}()
	return false, nil
}

// ReadFTPReply returns the first complete reply waiting in the read buffer.
// The reply stays buffered until SkipFTPReply.
func (s *Socket) ReadFTPReply() (reply string, code int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, code, ok := ReadReply(s.readBuf, 0)
	if !ok {
		return "", 0, false
	}
	return string(r), code, true
}

// SkipFTPReply drops n bytes (one reply) from the read buffer.
func (s *Socket) SkipFTPReply(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > len(s.readBuf) {
		n = len(s.readBuf)
	}
	s.readBuf = append(s.readBuf[:0], s.readBuf[n:]...)
}

// ResetBuffersAndEvents drops buffered data and pending events.
func (s *Socket) ResetBuffersAndEvents() {
	s.mu.Lock()
	s.readBuf = s.readBuf[:0]
	s.mu.Unlock()
	s.events.Reset()
}

// Close closes the connection and cancels a pending resolve or connect.
// Events of the closed connection are not posted anymore.
func (s *Socket) Close() error {
	s.mu.Lock()
	conn := s.conn
	cancel := s.cancelOp
	s.conn = nil
	s.connected = false
	s.cancelOp = nil
	s.tlsState = nil
	s.gen++
	if cancel != nil {
		cancel()
	}
	s.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// LocalAddr returns the local address of the connection, nil when there is
// none.
func (s *Socket) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// TLSState returns the TLS state of an encrypted connection, nil otherwise.
func (s *Socket) TLSState() *tls.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tlsState
}

// EncryptSocket upgrades the connection to TLS. The reader is paused for
// the handshake and restarted on the TLS connection. Bytes already
// buffered are kept.
func (s *Socket) EncryptSocket(ctx context.Context, config *tls.Config) (*tls.ConnectionState, error) {
	s.mu.Lock()
	conn := s.conn
	if conn == nil || !s.connected {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	s.gen++ // retire the plain-text reader
	done := s.readerDone
	s.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now())
	if done != nil {
		<-done
	}
	_ = conn.SetReadDeadline(time.Time{})

	tlsConn := tls.Client(conn, config)
	deadline, ok := ctx.Deadline()
	if !ok && s.timeout > 0 {
		deadline = time.Now().Add(s.timeout)
	}
	if err := tlsConn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("TLS handshake failed: %w", err)
	}
	if err := tlsConn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}
	state := tlsConn.ConnectionState()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return nil, ErrNotConnected
	}
	s.conn = tlsConn
	s.tlsState = &state
	s.startReaderLocked()
	return &state, nil
}
