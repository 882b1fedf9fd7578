package ftp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/OpenSalamander/salamander-sub033/internal/ftppath"
	"github.com/OpenSalamander/salamander-sub033/internal/proxyscript"
	"github.com/OpenSalamander/salamander-sub033/internal/ratelimit"
)

// Defaults of a new ControlConnection. They match the defaults of the
// configuration file.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultRetries     = 20
	DefaultRetryDelay  = 20 * time.Second
	minReplyTimeout    = time.Second
	defaultCompression = 6
)

var errReplyTimeout = errors.New("ftp: timeout while waiting for the server reply")

// ConnectionLog is the transcript of a connection shown to the user.
// *connlog.Logs implements it.
type ConnectionLog interface {
	CreateLog(host string, port int, user string) int
	LogMessage(uid int, text string, isError bool)
	SetIsConnected(uid int, connected bool)
	ChangeUser(uid int, user string)
}

type nopLog struct{}

func (nopLog) CreateLog(string, int, string) int { return -1 }
func (nopLog) LogMessage(int, string, bool) {}
func (nopLog) SetIsConnected(int, bool) {}
func (nopLog) ChangeUser(int, string) {}

// PasswordDecrypter decrypts the stored proxy password.
// *passwords.Manager implements it.
type PasswordDecrypter interface {
	Decrypt(blob []byte) ([]byte, error)
}

// Metrics receives connection statistics. *metrics.Collector implements it.
type Metrics interface {
	ConnectAttempt()
	LoginFinished(outcome string, elapsed time.Duration)
	Reply(code int)
	Transferred(direction string, n int64)
}

type nopMetrics struct{}

func (nopMetrics) ConnectAttempt() {}
func (nopMetrics) LoginFinished(string, time.Duration) {}
func (nopMetrics) Reply(int) {}
func (nopMetrics) Transferred(string, int64) {}

// ControlConnection is the control connection to one FTP server. It owns
// the socket, the event queue and the cached server information.
type ControlConnection struct {
	// logger is used for debug logging
	logger *slog.Logger

	// timeout is the server replies timeout
	timeout time.Duration

	dial         DialFunc
	tlsConfig    *tls.Config
	sessionCache tls.ClientSessionCache

	ui        UserInterface
	log       ConnectionLog
	metrics   Metrics
	passwords PasswordDecrypter

	retries          int
	retryDelay       time.Duration
	showWelcome      bool
	compressionLevel int
	limiter          *ratelimit.Limiter

	events *EventQueue
	sock   *Socket

	// mu guards the fields below. The connection log is never written
	// while holding it.
	mu               sync.Mutex
	params           *ConnectionParameters
	logUID           int
	serverIP         net.IP
	serverIPHost     string
	serverFirstReply string
	serverSystem     string
	workingPath      string
	haveWorkingPath  bool
	pathType         ftppath.PathType
	currentType      string
	compress         bool // MODE Z accepted by the server
	protectData      bool // PROT P accepted by the server
	disableEPSV      bool
	trustedCert      []byte
	lastCommand      time.Time
	lastUserCommand  time.Time

	// cmdMu serializes command exchanges. The keep-alive goroutine only
	// uses TryLock.
	cmdMu sync.Mutex

	ka keepAlive
}

// New creates a control connection for params. It does not connect; call
// StartControlConnection.
//
// Example:
//
//	conn, err := ftp.New(&ftp.ConnectionParameters{
//	    Host: "ftp.example.com", Port: 21,
//	    User: "anonymous", Password: []byte("guest@"),
//	}, ftp.WithUserInterface(ui))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := conn.StartControlConnection(ctx, ftp.StartOptions{CanShowWelcome: true})
func New(params *ConnectionParameters, options ...Option) (*ControlConnection, error) {
	dialer := &net.Dialer{Timeout: DefaultTimeout}
	c := &ControlConnection{
		logger:           slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1})), // No-op logger by default
		timeout:          DefaultTimeout,
		dial:             dialer.DialContext,
		sessionCache:     tls.NewLRUClientSessionCache(0),
		ui:               AutoUI{},
		log:              nopLog{},
		metrics:          nopMetrics{},
		retries:          DefaultRetries,
		retryDelay:       DefaultRetryDelay,
		showWelcome:      true,
		compressionLevel: defaultCompression,
		events:           NewEventQueue(),
		logUID:           -1,
	}

	for _, opt := range options {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	c.sock = newSocket(c.events, c.dial, c.timeout)
	if params == nil {
		params = &ConnectionParameters{}
	}
	if err := c.SetConnectionParameters(params); err != nil {
		return nil, err
	}
	return c, nil
}

// SetConnectionParameters replaces the parameters used by the next
// StartControlConnection. params is copied; a stored proxy password is
// decrypted with the password manager.
func (c *ControlConnection) SetConnectionParameters(params *ConnectionParameters) error {
	p := params.Clone()
	if p.Port == 0 {
		p.Port = 21
	}
	if p.Proxy != nil {
		if p.Proxy.Port == 0 {
			p.Proxy.Port = proxyscript.DefaultPort(p.Proxy.Type)
		}
		if len(p.Proxy.Password) == 0 && len(p.Proxy.EncryptedPassword) > 0 {
			if c.passwords == nil {
				p.Zero()
				return errors.New("ftp: proxy password is encrypted but no password manager is set")
			}
			plain, err := c.passwords.Decrypt(p.Proxy.EncryptedPassword)
			if err != nil {
				p.Zero()
				return fmt.Errorf("failed to decrypt proxy password: %w", err)
			}
			p.Proxy.Password = plain
		}
	}

	c.mu.Lock()
	old := c.params
	c.params = p
	if c.serverIPHost != "" && old != nil && (old.Host != p.Host || old.proxyType() != p.proxyType()) {
		c.serverIP, c.serverIPHost = nil, ""
	}
	c.mu.Unlock()

	if old != nil {
		old.Zero()
	}
	return nil
}

// ConnectionParameters returns a copy of the current parameters, including
// values entered by the user while logging in. The caller should Zero it
// when done.
func (c *ControlConnection) ConnectionParameters() *ConnectionParameters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params.Clone()
}

// updateParams applies fn to the stored parameters.
func (c *ControlConnection) updateParams(fn func(p *ConnectionParameters)) {
	c.mu.Lock()
	fn(c.params)
	c.mu.Unlock()
}

// LogUID returns the UID of the connection log, -1 before the first
// connect.
func (c *ControlConnection) LogUID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logUID
}

// ServerFirstReply returns the greeting of the server.
func (c *ControlConnection) ServerFirstReply() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverFirstReply
}

// ServerSystem returns the reply to SYST of the last login.
func (c *ControlConnection) ServerSystem() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverSystem
}

// PathType returns the path dialect detected after the last login.
func (c *ControlConnection) PathType() ftppath.PathType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pathType
}

// IsConnected reports whether the control connection is open.
func (c *ControlConnection) IsConnected() bool {
	return c.sock.IsConnected()
}

func (c *ControlConnection) replyTimeout() time.Duration {
	return max(c.timeout, minReplyTimeout)
}

func (c *ControlConnection) logMessage(text string, isError bool) {
	c.mu.Lock()
	uid := c.logUID
	c.mu.Unlock()
	c.log.LogMessage(uid, text, isError)
}

func (c *ControlConnection) setLogConnected(connected bool) {
	c.mu.Lock()
	uid := c.logUID
	c.mu.Unlock()
	c.log.SetIsConnected(uid, connected)
}

// closeSocket drops the connection without QUIT.
func (c *ControlConnection) closeSocket() {
	_ = c.sock.Close()
	c.sock.ResetBuffersAndEvents()
	c.setLogConnected(false)
}

// maskCommand hides the argument of commands carrying secrets.
func maskCommand(cmd string) string {
	verb, _, found := strings.Cut(cmd, " ")
	if !found {
		return cmd
	}
	switch strings.ToUpper(verb) {
	case "PASS", "ACCT":
		return verb + " (" + proxyscript.HiddenText + ")"
	}
	return cmd
}

// waitOpts describes one wait for a server reply.
type waitOpts struct {
	// interactive polls the user interface for ESC and confirms the cancel
	interactive bool
	waitText    string
	// welcome collects the replies when set
	welcome *strings.Builder
	// preliminary returns 1xx replies too
	preliminary bool
}

// replyResult is one server reply.
type replyResult struct {
	reply string
	code  int
	// closed is set when the server closed the connection after the reply
	closed bool
}

func (c *ControlConnection) logReply(reply string, code int) {
	c.logger.Debug("ftp response", "code", code, "message", strings.TrimRight(reply, "\r\n"))
	c.metrics.Reply(code)
	c.logMessage(reply, false)
}

// takeReply removes the first buffered reply. Preliminary replies are
// logged and skipped unless preliminary is set.
func (c *ControlConnection) takeReply(welcome *strings.Builder, preliminary bool) (replyResult, bool) {
	for {
		reply, code, ok := c.sock.ReadFTPReply()
		if !ok {
			return replyResult{}, false
		}
		c.sock.SkipFTPReply(len(reply))
		c.logReply(reply, code)
		if welcome != nil {
			welcome.WriteString(reply)
		}
		if replyClass(code) == 1 && !preliminary {
			continue
		}
		return replyResult{reply: reply, code: code, closed: !c.sock.IsConnected()}, true
	}
}

// flushReplies logs and drops replies nobody waits for.
func (c *ControlConnection) flushReplies() {
	for {
		if _, ok := c.takeReply(nil, true); !ok {
			return
		}
	}
}

// awaitReply waits for the next final reply. It returns ErrCanceled when
// the user or ctx cancels, errReplyTimeout, a write error or
// ErrConnectionLost.
func (c *ControlConnection) awaitReply(ctx context.Context, o waitOpts) (replyResult, error) {
	deadline := time.Now().Add(c.replyTimeout())
	var esc func() bool
	if o.interactive {
		esc = c.ui.EscapePressed
	}
	for {
		if res, ok := c.takeReply(o.welcome, o.preliminary); ok {
			return res, nil
		}
		if !c.sock.IsConnected() {
			// the reader may have buffered the last reply just before the close
			if res, ok := c.takeReply(o.welcome, o.preliminary); ok {
				return res, nil
			}
			if err := c.sock.LastError(); err != nil {
				return replyResult{}, fmt.Errorf("%w: %w", ErrConnectionLost, err)
			}
			return replyResult{}, ErrConnectionLost
		}

		rest := time.Until(deadline)
		if rest <= 0 {
			return replyResult{}, errReplyTimeout
		}
		ev := c.events.WaitForEventOrCancel(ctx, esc, rest)
		switch ev.Kind {
		case EventESC:
			if ctx.Err() != nil || !o.interactive || c.ui.ConfirmCancel(o.waitText) {
				return replyResult{}, ErrCanceled
			}
		case EventTimeout:
			if res, ok := c.takeReply(o.welcome, o.preliminary); ok {
				return res, nil
			}
			return replyResult{}, errReplyTimeout
		case EventWriteDone:
			if ev.Err != nil {
				return replyResult{}, fmt.Errorf("failed to send command: %w", ev.Err)
			}
		}
	}
}

// exchange sends cmd and waits for its reply. A canceled or timed out
// exchange closes the connection since the reply would arrive later out of
// order.
func (c *ControlConnection) exchange(ctx context.Context, cmd string, o waitOpts) (replyResult, error) {
	if !c.sock.IsConnected() {
		return replyResult{}, ErrNotConnected
	}
	c.flushReplies()

	logCmd := maskCommand(cmd)
	c.logger.Debug("ftp command", "cmd", logCmd)
	c.logMessage(logCmd, false)

	c.mu.Lock()
	c.lastCommand = time.Now()
	c.mu.Unlock()

	if _, err := c.sock.Write(cmd + "\r\n"); err != nil {
		return replyResult{}, fmt.Errorf("failed to send command: %w", err)
	}
	if o.waitText == "" {
		o.waitText = "Sending command " + logCmd
	}
	res, err := c.awaitReply(ctx, o)
	if err != nil {
		if !errors.Is(err, ErrConnectionLost) {
			c.closeSocket()
		} else {
			c.setLogConnected(false)
		}
		return res, err
	}
	if res.closed {
		c.setLogConnected(false)
	}
	return res, nil
}

// SendCommand sends a raw command and returns the server's final reply.
// The reply is returned whatever its code; only a broken connection, a
// timeout or a cancel is an error.
//
// Example:
//
//	resp, err := conn.SendCommand(ctx, "SITE CHMOD 755 script.sh")
func (c *ControlConnection) SendCommand(ctx context.Context, cmd string) (*Response, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	return c.sendCommand(ctx, cmd, true)
}

func (c *ControlConnection) sendCommand(ctx context.Context, cmd string, interactive bool) (*Response, error) {
	if interactive {
		c.mu.Lock()
		c.lastUserCommand = time.Now()
		c.mu.Unlock()
	}
	res, err := c.exchange(ctx, cmd, waitOpts{interactive: interactive})
	if err != nil {
		return nil, err
	}
	return ParseResponse([]byte(res.reply), res.code), nil
}

// expectCode sends a command and expects a specific response code.
func (c *ControlConnection) expectCode(ctx context.Context, expectedCode int, command string) (*Response, error) {
	resp, err := c.sendCommand(ctx, command, false)
	if err != nil {
		return nil, err
	}

	if resp.Code != expectedCode {
		return resp, &ProtocolError{
			Command:  maskCommand(command),
			Response: resp.Message,
			Code:     resp.Code,
		}
	}

	return resp, nil
}

// expect2xx sends a command and expects a 2xx response code.
func (c *ControlConnection) expect2xx(ctx context.Context, command string) (*Response, error) {
	resp, err := c.sendCommand(ctx, command, false)
	if err != nil {
		return nil, err
	}

	if !resp.Is2xx() {
		return resp, &ProtocolError{
			Command:  maskCommand(command),
			Response: resp.Message,
			Code:     resp.Code,
		}
	}

	return resp, nil
}

// setType sets the transfer type ("A" or "I") unless it is already set.
func (c *ControlConnection) setType(ctx context.Context, transferType string) error {
	c.mu.Lock()
	current := c.currentType
	c.mu.Unlock()
	if current == transferType {
		c.logger.Debug("transfer type already set, skipping TYPE command", "type", transferType)
		return nil
	}

	if _, err := c.expect2xx(ctx, "TYPE "+transferType); err != nil {
		return err
	}

	c.mu.Lock()
	c.currentType = transferType
	c.mu.Unlock()
	return nil
}

// GetCurrentWorkingPath returns the working directory on the server. The
// path cached by the last login or PWD is returned unless refresh is set.
func (c *ControlConnection) GetCurrentWorkingPath(ctx context.Context, refresh bool) (string, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	if !refresh {
		c.mu.Lock()
		path, ok := c.workingPath, c.haveWorkingPath
		c.mu.Unlock()
		if ok {
			return path, nil
		}
	}
	return c.fetchWorkingPath(ctx, true)
}

func (c *ControlConnection) fetchWorkingPath(ctx context.Context, interactive bool) (string, error) {
	res, err := c.exchange(ctx, "PWD", waitOpts{interactive: interactive})
	if err != nil {
		return "", err
	}
	path, ok := "", false
	if res.code == 257 {
		path, ok = DirectoryFromReply(res.reply)
	}
	if !ok {
		resp := ParseResponse([]byte(res.reply), res.code)
		return "", &ProtocolError{Command: "PWD", Response: resp.Message, Code: resp.Code}
	}

	c.mu.Lock()
	c.workingPath, c.haveWorkingPath = path, true
	c.mu.Unlock()
	return path, nil
}

// Quit sends QUIT and closes the connection. Errors of QUIT are ignored.
func (c *ControlConnection) Quit(ctx context.Context) error {
	c.releaseKeepAlive()
	c.cmdMu.Lock()
	if c.sock.IsConnected() {
		_, _ = c.exchange(ctx, "QUIT", waitOpts{})
	}
	c.cmdMu.Unlock()
	return c.Close()
}

// Dispose closes the connection and scrubs the passwords of the stored
// parameters. StartControlConnection needs SetConnectionParameters again
// afterwards.
func (c *ControlConnection) Dispose() error {
	err := c.Close()
	c.mu.Lock()
	c.params.Zero()
	c.mu.Unlock()
	return err
}

// Close drops the connection without QUIT.
func (c *ControlConnection) Close() error {
	err := c.sock.Close()
	c.releaseKeepAlive()
	c.sock.ResetBuffersAndEvents()
	c.setLogConnected(false)
	return err
}
