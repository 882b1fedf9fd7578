package ftp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/OpenSalamander/salamander-sub033/internal/ftppath"
	"github.com/OpenSalamander/salamander-sub033/internal/proxyscript"
)

const (
	authTLSCmd = "AUTH TLS\r\n"
	pbszCmd    = "PBSZ 0\r\n"
	protCmd    = "PROT P\r\n"
	modeZCmd   = "MODE Z\r\n"
)

// StartOptions controls one run of StartControlConnection.
type StartOptions struct {
	// Reconnect restores a connection that was open before: the welcome
	// message is not shown again.
	Reconnect bool

	// RetryMessage starts in the retry state as if the previous attempt
	// had failed with this text (for example "connection lost").
	RetryMessage string

	CanShowWelcome bool

	// UseFastReconnect skips the delay before the first attempt of a
	// RetryMessage start.
	UseFastReconnect bool

	// Attempt is the number of attempts already made; 0 starts at the
	// first one.
	Attempt int
}

// StartResult describes the outcome of StartControlConnection.
type StartResult struct {
	// WorkingDir is the reply to PWD after the login, empty when the
	// server did not report one.
	WorkingDir string

	// Attempt is the number of the last connect attempt.
	Attempt int

	Canceled bool
}

type connState int

const (
	stateGetIP connState = iota
	stateOperationFatalError
	stateConnect
	stateRetry
	stateServerReady
	stateStartLoginScript
	stateProcessLoginScript
	stateRetryLogin
	stateFatalError
	stateDone
)

var connStateNames = [...]string{
	stateGetIP:               "GetIP",
	stateOperationFatalError: "OperationFatalError",
	stateConnect:             "Connect",
	stateRetry:               "Retry",
	stateServerReady:         "ServerReady",
	stateStartLoginScript:    "StartLoginScript",
	stateProcessLoginScript:  "ProcessLoginScript",
	stateRetryLogin:          "RetryLogin",
	stateFatalError:          "FatalError",
	stateDone:                "Done",
}

func (s connState) String() string {
	if s >= 0 && int(s) < len(connStateNames) {
		return connStateNames[s]
	}
	return fmt.Sprintf("connState(%d)", int(s))
}

// tlsStep is the position in the AUTH TLS, PBSZ, PROT sequence.
type tlsStep int

const (
	tlsNone tlsStep = iota
	tlsAUTH
	tlsPBSZ
	tlsPROT
)

// starter holds the state of one StartControlConnection run.
type starter struct {
	c   *ControlConnection
	ctx context.Context
	opt StartOptions

	params  *ConnectionParameters
	script  string
	sp      proxyscript.Params
	host    string // from the "Connect to:" line
	port    int
	proxied bool

	state        connState
	noRetryState connState
	attempt      int
	failure      *ConnectError

	fatalErrLogMsg bool
	retryLogError  bool
	fastRetry      bool
	useWelcome     bool
	welcome        strings.Builder

	canceled bool
	aborted  bool
	success  bool

	execPoint      int
	startExecPoint int
	lastReply      int
	lastReplyText  string
	sendCmd        string
	logCmd         string
	tls            tlsStep
	modeZSent      bool

	retryLoginWithoutAsking bool
}

// StartControlConnection connects and logs in, retrying according to the
// retry policy. It returns ErrCanceled when the user canceled, an error
// wrapping ErrAborted when the user stopped waiting for the next attempt,
// or a *ConnectError. The error has already been shown through
// UserInterface.ShowError.
//
// On success the init commands of the parameters, SYST and PWD have been
// sent and keep-alive is armed.
func (c *ControlConnection) StartControlConnection(ctx context.Context, opt StartOptions) (*StartResult, error) {
	c.releaseKeepAlive()
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	begin := time.Now()
	s := c.newStarter(ctx, opt)
	defer s.params.Zero()
	defer s.sp.Zero()

	res, err := s.run()

	outcome := "success"
	switch {
	case s.canceled:
		outcome = "canceled"
	case s.aborted:
		outcome = "aborted"
	case err != nil:
		outcome = "failed"
	}
	c.metrics.LoginFinished(outcome, time.Since(begin))
	c.logger.Debug("connect finished", "state", outcome, "attempt", res.Attempt)
	return res, err
}

func (c *ControlConnection) newStarter(ctx context.Context, opt StartOptions) *starter {
	c.closeSocket()

	c.mu.Lock()
	params := c.params.Clone()
	c.workingPath, c.haveWorkingPath = "", false
	c.currentType = ""
	c.compress = false
	c.protectData = false
	c.disableEPSV = false
	c.mu.Unlock()

	s := &starter{
		c:              c,
		ctx:            ctx,
		opt:            opt,
		params:         params,
		script:         params.Proxy.LoginScript(),
		proxied:        params.proxyType() != ProxyNone,
		attempt:        max(opt.Attempt, 1),
		fatalErrLogMsg: true,
		retryLogError:  true,
		lastReply:      -1,
		noRetryState:   stateOperationFatalError,
	}
	s.useWelcome = opt.CanShowWelcome && !opt.Reconnect && c.showWelcome
	s.sp = proxyscript.Params{
		Host:     params.Host,
		Port:     params.Port,
		User:     params.User,
		Password: append([]byte(nil), params.Password...),
		Account:  params.Account,
	}
	if p := params.Proxy; p != nil {
		s.sp.ProxyHost = p.Host
		s.sp.ProxyPort = p.Port
		s.sp.ProxyUser = p.User
		s.sp.ProxyPassword = append([]byte(nil), p.Password...)
	}
	if params.EncryptControl {
		s.tls = tlsAUTH
		s.sendCmd, s.logCmd = authTLSCmd, authTLSCmd
	}
	return s
}

// begin resolves the "Connect to:" line and picks the first state.
func (s *starter) begin() {
	if s.opt.RetryMessage != "" {
		s.opt.Reconnect = true
		s.useWelcome = false
		s.failure = &ConnectError{Kind: OperationFatalError, Text: s.opt.RetryMessage}
		s.retryLogError = false
		s.fastRetry = s.opt.UseFastReconnect
		s.state = stateRetry
	}

	for {
		res, err := proxyscript.Process(s.script, &s.execPoint, -1, &s.sp)
		if err != nil {
			s.fail(&ConnectError{Kind: OperationFatalError, Action: "error in proxy script", Text: err.Error(), Err: err})
			return
		}
		if s.sp.NeedUserInput() {
			if !s.askForInput() {
				s.cancel()
				return
			}
			continue
		}
		s.host, s.port = res.Host, res.Port
		break
	}
	s.startExecPoint = s.execPoint

	if s.state == stateRetry {
		return
	}
	c := s.c
	c.mu.Lock()
	known := c.serverIP != nil && c.serverIPHost == s.host
	c.mu.Unlock()
	if known {
		s.state = stateConnect
	} else {
		s.state = stateGetIP
	}
}

func (s *starter) run() (*StartResult, error) {
	c := s.c
	s.begin()
	for {
		s.loop()
		if !s.success {
			break
		}
		c.logMessage("Logged in successfully.", false)
		if s.useWelcome && s.welcome.Len() > 0 {
			c.ui.ShowWelcome(s.welcome.String())
		}
		err := s.afterLogin()
		if err == nil {
			break
		}
		s.success = false
		if errors.Is(err, ErrCanceled) {
			s.canceled = true
			break
		}
		s.useWelcome = false
		s.retryLogError = false
		s.retryAfter(&ConnectError{Kind: OperationFatalError, Action: "send command", Text: err.Error(), Err: err},
			stateOperationFatalError)
	}

	if s.canceled {
		c.logMessage("Action canceled.", true)
	}

	res := &StartResult{Attempt: s.attempt, Canceled: s.canceled}
	if s.success {
		c.mu.Lock()
		res.WorkingDir = c.workingPath
		c.mu.Unlock()
		c.startKeepAlive()
		return res, nil
	}

	c.closeSocket()
	switch {
	case s.canceled:
		return res, ErrCanceled
	case s.aborted:
		if s.failure != nil {
			return res, fmt.Errorf("%w: %w", ErrAborted, s.failure)
		}
		return res, ErrAborted
	case s.failure != nil:
		return res, s.failure
	default:
		return res, &ConnectError{Kind: FatalError, Text: "unable to connect"}
	}
}

// loop dispatches states until stateDone.
func (s *starter) loop() {
	for s.state != stateDone {
		s.c.logger.Debug("connect state", "state", s.state, "attempt", s.attempt)
		switch s.state {
		case stateGetIP:
			s.getIP()
		case stateConnect:
			s.connect()
		case stateRetry:
			s.retry()
		case stateServerReady:
			s.serverReady()
		case stateRetryLogin, stateStartLoginScript:
			s.execPoint = s.startExecPoint
			s.lastReply = -1
			s.lastReplyText = ""
			s.state = stateProcessLoginScript
		case stateProcessLoginScript:
			s.processLoginScript()
		case stateFatalError, stateOperationFatalError:
			s.showFailure()
		default:
			s.state = stateDone
		}
	}
}

func (s *starter) cancel() {
	s.canceled = true
	s.state = stateDone
}

// fail ends the loop with f without retrying.
func (s *starter) fail(f *ConnectError) {
	s.failure = f
	if f.Kind == FatalError {
		s.state = stateFatalError
	} else {
		s.state = stateOperationFatalError
	}
}

// retryAfter records f and goes to the retry state; noRetry is the state
// used once the attempts are exhausted.
func (s *starter) retryAfter(f *ConnectError, noRetry connState) {
	s.failure = f
	s.noRetryState = noRetry
	s.state = stateRetry
}

// confirmCancel is the answer to ESC in a wait. A canceled context cancels
// without asking.
func (s *starter) confirmCancel(waitText string) bool {
	return s.ctx.Err() != nil || s.c.ui.ConfirmCancel(waitText)
}

func (s *starter) serverAddr() string {
	c := s.c
	c.mu.Lock()
	ip := c.serverIP
	c.mu.Unlock()
	if ip == nil {
		return fmt.Sprintf("%s port %d", s.host, s.port)
	}
	return fmt.Sprintf("%s (%s) port %d", s.host, ip, s.port)
}

func (s *starter) getIP() {
	c := s.c
	waitText := fmt.Sprintf("Getting IP address of %s...", s.host)
	c.ui.WaitText(waitText)
	c.sock.ResetBuffersAndEvents()
	if err := c.sock.Resolve(s.ctx, s.host); err != nil {
		s.fail(&ConnectError{Kind: OperationFatalError, Action: "get IP address of " + s.host, Text: err.Error(), Err: err})
		return
	}
	for {
		ev := c.events.WaitForEventOrCancel(s.ctx, c.ui.EscapePressed, c.replyTimeout())
		switch ev.Kind {
		case EventESC:
			if s.confirmCancel(waitText) {
				s.cancel()
				return
			}
		case EventTimeout:
			s.fail(&ConnectError{Kind: FatalError, Text: "timeout while getting IP address of " + s.host})
			return
		case EventIPReceived:
			if ev.Err != nil {
				s.fail(&ConnectError{Kind: OperationFatalError, Action: "get IP address of " + s.host, Text: ev.Err.Error(), Err: ev.Err})
				return
			}
			ip := c.sock.IP()
			c.mu.Lock()
			c.serverIP, c.serverIPHost = ip, s.host
			c.mu.Unlock()
			s.state = stateConnect
			return
		}
	}
}

func (s *starter) connect() {
	c := s.c
	c.mu.Lock()
	uid := c.logUID
	ip := c.serverIP
	c.mu.Unlock()
	if uid < 0 {
		uid = c.log.CreateLog(s.params.Host, s.params.Port, s.params.User)
		c.mu.Lock()
		c.logUID = uid
		c.mu.Unlock()
	}
	c.logMessage(fmt.Sprintf("Connecting to %s, attempt %d of %d, %s",
		s.serverAddr(), s.attempt, c.retries+1, time.Now().Format(time.DateTime)), false)

	c.sock.ResetBuffersAndEvents()
	s.welcome.Reset()

	typ := s.params.proxyType()
	tunnel := typ.IsTunnel()
	if (typ == ProxySOCKS5 || typ == ProxyHTTP11) && s.sp.ProxyUser != "" && len(s.sp.ProxyPassword) == 0 {
		pw, ok := c.ui.PromptProxyPassword(s.sp.ProxyHost, s.sp.ProxyUser)
		if !ok {
			s.cancel()
			return
		}
		s.setProxyPassword(pw)
		clear(pw)
	}

	target := ConnectTarget{IP: ip, Host: s.host, Port: s.port}
	if tunnel {
		target.Tunnel = typ
		target.ServerHost = s.params.Host
		target.ServerPort = s.params.Port
		target.ProxyUser = s.sp.ProxyUser
		target.ProxyPassword = s.params.Proxy.Password
	}

	waitText := "Connecting to " + s.serverAddr() + "..."
	c.ui.WaitText(waitText)
	c.metrics.ConnectAttempt()
	if err := c.sock.ConnectWithProxy(s.ctx, target); err != nil {
		s.retryAfter(&ConnectError{Kind: OperationFatalError, Action: "open connection to " + s.serverAddr(), Text: err.Error(), Err: err},
			stateOperationFatalError)
		return
	}

	for {
		ev := c.events.WaitForEventOrCancel(s.ctx, c.ui.EscapePressed, c.replyTimeout())
		switch ev.Kind {
		case EventESC:
			if s.confirmCancel(waitText) {
				s.cancel()
				return
			}
		case EventTimeout:
			text := "timeout while opening connection to " + s.serverAddr()
			if tunnel {
				text = fmt.Sprintf("timeout while connecting through proxy %s:%d", s.host, s.port)
			}
			s.retryAfter(&ConnectError{Kind: FatalError, Text: text}, stateFatalError)
			return
		case EventConnected:
			s.connected(ev.Err)
			return
		}
	}
}

func (s *starter) connected(err error) {
	c := s.c
	if err == nil {
		c.setLogConnected(true)
		c.logMessage("Connected.", false)
		s.state = stateServerReady
		return
	}

	text := err.Error()
	var pe *ProxyError
	if errors.As(err, &pe) {
		if pe.Rejected && pe.Err == nil {
			s.fail(&ConnectError{Kind: FatalError, Text: pe.Msg, Err: err})
			return
		}
		text = pe.Msg
		if pe.Err != nil {
			text += ": " + pe.Err.Error()
		}
	}
	s.retryAfter(&ConnectError{Kind: OperationFatalError, Action: "open connection to " + s.serverAddr(), Text: text, Err: err},
		stateOperationFatalError)
}

func (s *starter) retry() {
	c := s.c
	if s.params.EncryptControl {
		s.tls = tlsAUTH
		s.sendCmd, s.logCmd = authTLSCmd, authTLSCmd
	}
	s.modeZSent = false
	c.mu.Lock()
	c.compress = false
	c.protectData = false
	c.currentType = ""
	c.mu.Unlock()

	if s.retryLogError && s.failure != nil {
		c.logMessage(s.failure.message(), true)
	}
	s.retryLogError = true

	if s.fastRetry {
		s.fastRetry = false
		c.closeSocket()
		s.state = stateConnect
		return
	}
	if s.attempt < c.retries+1 {
		s.attempt++
		c.closeSocket()
		s.waitBeforeRetry()
		return
	}
	s.fatalErrLogMsg = false
	s.state = s.noRetryState
}

// waitBeforeRetry counts the delay between attempts down, updating the
// wait text every second.
func (s *starter) waitBeforeRetry() {
	c := s.c
	reason := ""
	if s.failure != nil {
		reason = s.failure.message() + "\n"
	}
	deadline := time.Now().Add(c.retryDelay)
	for {
		rest := time.Until(deadline)
		if rest <= 0 {
			s.state = stateConnect
			return
		}
		secs := (rest + time.Second - 1) / time.Second
		waitText := fmt.Sprintf("%sWaiting %d seconds before attempt %d of %d...", reason, secs, s.attempt, c.retries+1)
		c.ui.WaitText(waitText)

		step := rest - (secs-1)*time.Second
		ev := c.events.WaitForEventOrCancel(s.ctx, c.ui.EscapePressed, step)
		if ev.Kind != EventESC {
			// timeouts and stale events of the closed socket
			continue
		}
		if s.ctx.Err() != nil {
			s.cancel()
			return
		}
		switch c.ui.RetryCanceled(waitText) {
		case RetryAbort:
			s.aborted = true
			s.state = stateDone
			return
		case RetryNow:
			s.state = stateConnect
			return
		}
	}
}

func isGreeting(code int) bool {
	return replyClass(code) == 2 && code/10%10 == 2
}

func (s *starter) serverReady() {
	c := s.c
	waitText := "Waiting for the server greeting..."
	c.ui.WaitText(waitText)
	for s.state == stateServerReady {
		res, err := c.awaitReply(s.ctx, waitOpts{interactive: true, waitText: waitText, welcome: s.welcomeSink()})
		switch {
		case errors.Is(err, ErrCanceled):
			s.cancel()
			return
		case errors.Is(err, errReplyTimeout):
			s.retryAfter(&ConnectError{Kind: FatalError, Text: "timeout while waiting for the server greeting", Err: err}, stateFatalError)
			return
		case err != nil:
			s.connectionLost(err)
			return
		}

		switch {
		case res.code == -1:
			s.fatalErrLogMsg = false
			s.fail(&ConnectError{Kind: OperationFatalError, Action: "connect", Text: "the server is not an FTP server: " + strings.TrimRight(res.reply, "\r\n"), Code: -1})
			return
		case isGreeting(res.code):
			if res.closed {
				s.connectionLost(ErrConnectionLost)
				return
			}
			c.mu.Lock()
			c.serverFirstReply = res.reply
			c.mu.Unlock()
			s.state = stateStartLoginScript
			return
		case replyClass(res.code) == 4 || replyClass(res.code) == 5:
			s.retryLogError = false
			s.retryAfter(&ConnectError{Kind: FatalError, Text: strings.TrimRight(res.reply, "\r\n"), Code: res.code}, stateFatalError)
			return
		}
		if res.closed {
			s.connectionLost(ErrConnectionLost)
			return
		}
	}
}

func (s *starter) welcomeSink() *strings.Builder {
	if s.useWelcome {
		return &s.welcome
	}
	return nil
}

func (s *starter) connectionLost(err error) {
	c := s.c
	if cause := c.sock.LastError(); cause != nil {
		c.logMessage(cause.Error(), true)
	}
	s.retryAfter(&ConnectError{Kind: FatalError, Text: "connection to the server was lost", Err: err}, stateFatalError)
}

func (s *starter) processLoginScript() {
	for s.state == stateProcessLoginScript {
		if s.tls == tlsNone {
			res, err := proxyscript.Process(s.script, &s.execPoint, s.lastReply, &s.sp)
			if err != nil {
				s.fail(&ConnectError{Kind: OperationFatalError, Action: "error in proxy script", Text: err.Error(), Err: err})
				return
			}
			if s.sp.NeedUserInput() {
				if !s.askForInput() {
					s.cancel()
					return
				}
				continue
			}
			s.sendCmd, s.logCmd = res.SendCmd, res.LogCmd
		}

		if s.sendCmd == "" && s.params.Compress && !s.modeZSent {
			s.modeZSent = true
			s.sendCmd, s.logCmd = modeZCmd, modeZCmd
		}

		if s.sendCmd == "" {
			switch {
			case s.lastReply == -1:
				s.fail(&ConnectError{Kind: FatalError, Text: "incomplete proxy script: no command was sent to the server"})
			case replyClass(s.lastReply) == 2:
				s.success = true
				s.state = stateDone
			default:
				s.fail(&ConnectError{Kind: OperationFatalError, Action: "incomplete proxy script",
					Text: strings.TrimRight(s.lastReplyText, "\r\n"), Code: s.lastReply})
			}
			return
		}

		s.sendLoginCommand()
	}
}

func (s *starter) sendLoginCommand() {
	c := s.c
	cmd, logCmd := s.sendCmd, s.logCmd
	s.sendCmd, s.logCmd = "", ""

	c.flushReplies()
	if s.useWelcome {
		s.welcome.WriteString(logCmd)
	}
	shown := strings.TrimRight(logCmd, "\r\n")
	c.logger.Debug("ftp command", "cmd", shown)
	c.logMessage(shown, false)
	waitText := "Sending login command: " + shown
	c.ui.WaitText(waitText)

	if _, err := c.sock.Write(cmd); err != nil {
		s.writeFailed(err)
		return
	}
	res, err := c.awaitReply(s.ctx, waitOpts{interactive: true, waitText: waitText, welcome: s.welcomeSink()})
	switch {
	case errors.Is(err, ErrCanceled):
		s.cancel()
		return
	case errors.Is(err, errReplyTimeout):
		s.retryAfter(&ConnectError{Kind: FatalError, Text: "timeout while sending command or waiting for reply", Err: err}, stateFatalError)
		return
	case errors.Is(err, ErrConnectionLost):
		s.connectionLost(err)
		return
	case err != nil:
		s.writeFailed(err)
		return
	}

	code := res.code
	if code == -1 {
		s.fatalErrLogMsg = false
		s.fail(&ConnectError{Kind: OperationFatalError, Action: "connect", Text: "the server is not an FTP server: " + strings.TrimRight(res.reply, "\r\n"), Code: -1})
		return
	}
	if cmd == modeZCmd {
		if replyClass(code) == 5 {
			code = 200
			s.params.Compress = false
			c.logMessage("The server does not support MODE Z, data is transferred uncompressed.", false)
		} else if replyClass(code) == 2 {
			c.mu.Lock()
			c.compress = true
			c.mu.Unlock()
		}
	}

	switch replyClass(code) {
	case 2, 3:
		s.fastRetry = false
		s.lastReply = code
		s.lastReplyText = res.reply
	case 4, 5:
		s.lastReply = code
		s.lastReplyText = res.reply
		s.loginRejected(res, code)
	}
	if s.state != stateProcessLoginScript {
		return
	}
	if res.closed {
		s.connectionLost(ErrConnectionLost)
		return
	}
	s.advanceTLS()
}

// loginRejected handles a 4xx or 5xx reply to a login command.
func (s *starter) loginRejected(res replyResult, code int) {
	c := s.c
	reply := strings.TrimRight(res.reply, "\r\n")
	if replyClass(code) == 4 {
		s.retryLoginWithoutAsking = true
	}
	if !s.retryLoginWithoutAsking {
		s.fastRetry = true
		if (code == 534 && s.params.EncryptData) || (replyClass(code) == 5 && s.tls == tlsAUTH) {
			s.fatalErrLogMsg = false
			s.fail(&ConnectError{Kind: FatalError, Text: "the server does not support encrypted connections: " + reply, Code: code})
			return
		}
		current := s.credentials()
		answer, ok := c.ui.LoginFailed(reply, current, s.proxied)
		changed := ok && s.applyCredentials(answer.Credentials)
		current.Zero()
		answer.Credentials.Zero()
		if !ok {
			s.cancel()
			return
		}
		s.retryLoginWithoutAsking = answer.RetryWithoutAsking
		if changed && !res.closed && !s.proxied {
			s.state = stateRetryLogin
			return
		}
	}
	s.retryLogError = false
	s.retryAfter(&ConnectError{Kind: OperationFatalError, Action: "login", Text: reply, Code: code}, stateOperationFatalError)
}

// writeFailed ends an attempt whose command could not be sent. A reply
// already buffered usually explains why.
func (s *starter) writeFailed(err error) {
	c := s.c
	text, code := err.Error(), 0
	for {
		res, ok := c.takeReply(s.welcomeSink(), false)
		if !ok {
			break
		}
		if res.code == -1 || replyClass(res.code) == 4 || replyClass(res.code) == 5 {
			text, code = strings.TrimRight(res.reply, "\r\n"), res.code
		}
	}
	s.retryLogError = code == 0
	s.retryAfter(&ConnectError{Kind: OperationFatalError, Action: "send command", Text: text, Code: code, Err: err},
		stateOperationFatalError)
}

// advanceTLS moves the encryption sequence on after a successful reply.
func (s *starter) advanceTLS() {
	c := s.c
	switch s.tls {
	case tlsAUTH:
		if !s.encrypt() {
			return
		}
		if s.params.EncryptData {
			s.tls = tlsPBSZ
			s.sendCmd = pbszCmd
		} else {
			s.tls = tlsNone
		}
	case tlsPBSZ:
		s.tls = tlsPROT
		s.sendCmd = protCmd
	case tlsPROT:
		s.tls = tlsNone
		c.mu.Lock()
		c.protectData = true
		c.mu.Unlock()
	}
	s.logCmd = s.sendCmd
}

func (s *starter) credentials() Credentials {
	return Credentials{
		User:          s.sp.User,
		Password:      append([]byte(nil), s.sp.Password...),
		Account:       s.sp.Account,
		ProxyUser:     s.sp.ProxyUser,
		ProxyPassword: append([]byte(nil), s.sp.ProxyPassword...),
	}
}

// applyCredentials stores credentials edited by the user and reports
// whether anything changed.
func (s *starter) applyCredentials(cr Credentials) bool {
	changed := cr.User != s.sp.User || !bytes.Equal(cr.Password, s.sp.Password) ||
		cr.Account != s.sp.Account || cr.ProxyUser != s.sp.ProxyUser ||
		!bytes.Equal(cr.ProxyPassword, s.sp.ProxyPassword)
	if !changed {
		return false
	}
	if cr.User != s.sp.User {
		s.setUser(cr.User)
	}
	s.setPassword(cr.Password)
	s.setAccount(cr.Account)
	if s.params.Proxy != nil {
		s.sp.ProxyUser = cr.ProxyUser
		s.params.Proxy.User = cr.ProxyUser
		s.c.updateParams(func(p *ConnectionParameters) {
			if p.Proxy != nil {
				p.Proxy.User = cr.ProxyUser
			}
		})
		s.setProxyPassword(cr.ProxyPassword)
	}
	return true
}

func (s *starter) setUser(user string) {
	s.sp.User = user
	s.params.User = user
	s.c.updateParams(func(p *ConnectionParameters) { p.User = user })
	s.c.log.ChangeUser(s.c.LogUID(), user)
}

func (s *starter) setPassword(pw []byte) {
	clear(s.sp.Password)
	s.sp.Password = append([]byte(nil), pw...)
	s.sp.AllowEmptyPassword = len(pw) == 0
	clear(s.params.Password)
	s.params.Password = append([]byte(nil), pw...)
	s.c.updateParams(func(p *ConnectionParameters) {
		clear(p.Password)
		p.Password = append([]byte(nil), pw...)
	})
}

func (s *starter) setAccount(account string) {
	s.sp.Account = account
	s.params.Account = account
	s.c.updateParams(func(p *ConnectionParameters) { p.Account = account })
}

func (s *starter) setProxyPassword(pw []byte) {
	if s.params.Proxy == nil {
		return
	}
	clear(s.sp.ProxyPassword)
	s.sp.ProxyPassword = append([]byte(nil), pw...)
	clear(s.params.Proxy.Password)
	s.params.Proxy.Password = append([]byte(nil), pw...)
	s.c.updateParams(func(p *ConnectionParameters) {
		if p.Proxy != nil {
			clear(p.Proxy.Password)
			p.Proxy.Password = append([]byte(nil), pw...)
		}
	})
}

// askForInput prompts for the values the script is missing. It returns
// false when the user canceled a prompt.
func (s *starter) askForInput() bool {
	c := s.c
	sp := &s.sp
	if sp.NeedProxyHost {
		current := sp.ProxyHost
		if current != "" && sp.ProxyPort != 0 {
			current = net.JoinHostPort(sp.ProxyHost, strconv.Itoa(sp.ProxyPort))
		}
		for {
			answer, ok := c.ui.PromptProxyHost(current)
			if !ok {
				return false
			}
			host, port, err := splitProxyHost(answer, sp.ProxyPort)
			if err != nil {
				c.ui.ShowError(err.Error())
				current = answer
				continue
			}
			sp.ProxyHost, sp.ProxyPort = host, port
			if s.params.Proxy != nil {
				s.params.Proxy.Host, s.params.Proxy.Port = host, port
			}
			c.updateParams(func(p *ConnectionParameters) {
				if p.Proxy != nil {
					p.Proxy.Host, p.Proxy.Port = host, port
				}
			})
			break
		}
	}
	if sp.NeedProxyPassword {
		pw, ok := c.ui.PromptProxyPassword(sp.ProxyHost, sp.ProxyUser)
		if !ok {
			return false
		}
		s.setProxyPassword(pw)
		clear(pw)
	}
	if sp.NeedUser {
		user, ok := c.ui.PromptUser(sp.Host)
		if !ok {
			return false
		}
		s.setUser(user)
	}
	if sp.NeedPassword {
		pw, ok := c.ui.PromptPassword(sp.Host, sp.User)
		if !ok {
			return false
		}
		s.setPassword(pw)
	}
	if sp.NeedAccount {
		account, ok := c.ui.PromptAccount(sp.Host, sp.User)
		if !ok {
			return false
		}
		s.setAccount(account)
	}
	return true
}

// splitProxyHost parses "host" or "host:port" entered by the user.
func splitProxyHost(s string, defaultPort int) (string, int, error) {
	s = strings.TrimSpace(s)
	host, port := s, defaultPort
	if i := strings.LastIndexByte(s, ':'); i >= 0 && !strings.Contains(s[:i], ":") {
		host = s[:i]
		n, err := strconv.Atoi(s[i+1:])
		if err != nil || n < 1 || n > 65535 {
			return "", 0, fmt.Errorf("invalid port %q: must be a number between 1 and 65535", s[i+1:])
		}
		port = n
	}
	if host == "" {
		return "", 0, errors.New("proxy host name is missing")
	}
	return host, port, nil
}

func (s *starter) showFailure() {
	c := s.c
	text := "unable to connect"
	if s.failure != nil {
		text = s.failure.message()
	}
	if s.fatalErrLogMsg {
		c.logMessage(text, true)
	}
	c.ui.ShowError(text)
	s.state = stateDone
}

// afterLogin sends the init commands, SYST and PWD. Replies are accepted
// whatever their code; only a lost connection, a timeout or a cancel
// fails.
func (s *starter) afterLogin() error {
	c := s.c
	for _, cmd := range SplitInitCommands(s.params.InitCommands) {
		if _, err := c.exchange(s.ctx, cmd, waitOpts{interactive: true}); err != nil {
			return err
		}
	}

	res, err := c.exchange(s.ctx, "SYST", waitOpts{interactive: true})
	if err != nil {
		return err
	}
	syst := ""
	if replyClass(res.code) == 2 {
		syst = res.reply
	}
	c.mu.Lock()
	c.serverSystem = syst
	c.mu.Unlock()

	path, err := c.fetchWorkingPath(s.ctx, true)
	var pe *ProtocolError
	if err != nil && !errors.As(err, &pe) {
		return err
	}

	c.mu.Lock()
	c.pathType = ftppath.DetectPathType(c.serverFirstReply, syst, path)
	c.lastUserCommand = time.Now()
	c.mu.Unlock()
	return nil
}
