package ftp

import (
	"errors"
	"fmt"
)

// ErrCanceled is returned when the user canceled the operation (ESC, closed
// wait window, rejected certificate prompt or a canceled context).
var ErrCanceled = errors.New("ftp: action canceled")

// ErrAborted is returned when the user stopped waiting for the next
// connection attempt.
var ErrAborted = errors.New("ftp: connection attempts aborted")

// ErrConnectionLost is returned when the server or the network closed the
// control connection while a reply was expected.
var ErrConnectionLost = errors.New("ftp: connection to the server was lost")

// ErrNotConnected is returned by operations that need an open control
// connection.
var ErrNotConnected = errors.New("ftp: not connected")

// ProtocolError represents an FTP protocol error with full context of the
// command/response conversation. This provides detailed debugging information
// beyond simple error messages.
type ProtocolError struct {
	// Command is the FTP command that was sent (e.g., "STOR file.txt")
	Command string

	// Response is the raw response received from the server (e.g., "550 Permission denied")
	Response string

	// Code is the numeric FTP response code (e.g., 550)
	Code int
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("ftp: %s failed: %s (code %d)", e.Command, e.Response, e.Code)
}

// Is4xx returns true if the error code is in the 4xx range (temporary failure).
func (e *ProtocolError) Is4xx() bool {
	return e.Code >= 400 && e.Code < 500
}

// Is5xx returns true if the error code is in the 5xx range (permanent failure).
func (e *ProtocolError) Is5xx() bool {
	return e.Code >= 500 && e.Code < 600
}

// IsTemporary returns true if the error is a temporary failure (4xx).
// This can be used to implement retry logic.
func (e *ProtocolError) IsTemporary() bool {
	return e.Is4xx()
}

// IsPermanent returns true if the error is a permanent failure (5xx).
func (e *ProtocolError) IsPermanent() bool {
	return e.Is5xx()
}

// ErrorKind tells the two terminal error states of the connect loop apart.
type ErrorKind int

const (
	// FatalError carries a complete, self-describing message.
	FatalError ErrorKind = iota + 1
	// OperationFatalError names the failed action and adds the cause
	// (a server reply or a system error).
	OperationFatalError
)

func (k ErrorKind) String() string {
	switch k {
	case FatalError:
		return "fatal"
	case OperationFatalError:
		return "operation fatal"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// ConnectError is the terminal error of StartControlConnection.
type ConnectError struct {
	Kind ErrorKind

	// Action describes what failed (e.g., "open connection to ftp.example.com
	// (192.0.2.1) port 21"). Empty for FatalError.
	Action string

	// Text is the message or the server reply that explains the failure.
	Text string

	// Code is the FTP reply code behind the failure, 0 if none.
	Code int

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("ftp: %s: %s", e.Action, e.Text)
	}
	return "ftp: " + e.Text
}

// message is the text shown to the user.
func (e *ConnectError) message() string {
	if e.Action != "" {
		return e.Action + ": " + e.Text
	}
	return e.Text
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// ProxyError is a failure reported by a SOCKS or HTTP proxy during the
// connect handshake. Its text is shown instead of the plain socket error.
type ProxyError struct {
	// Msg is the proxy-specific explanation.
	Msg string

	// Rejected is set when the proxy answered and refused the request, as
	// opposed to a transport failure while talking to it. Rejections are
	// not retried.
	Rejected bool

	Err error
}

func (e *ProxyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("proxy: %s: %v", e.Msg, e.Err)
	}
	return "proxy: " + e.Msg
}

func (e *ProxyError) Unwrap() error {
	return e.Err
}
