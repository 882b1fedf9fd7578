package ftp

import (
	"crypto/x509"
)

// RetryChoice is the answer to a cancel request while waiting for the next
// connection attempt.
type RetryChoice int

const (
	RetryKeepWaiting RetryChoice = iota
	RetryAbort
	RetryNow
)

// CertChoice is the answer to an untrusted server certificate.
type CertChoice int

const (
	CertReject CertChoice = iota
	CertAccept
	// CertView means the user inspected (and possibly imported) the
	// certificate; it is verified again and the question repeats if it is
	// still untrusted.
	CertView
)

// Credentials are the login values the user can edit after a failed login.
type Credentials struct {
	User          string
	Password      []byte
	Account       string
	ProxyUser     string
	ProxyPassword []byte
}

// Zero overwrites the passwords held by c.
func (c Credentials) Zero() {
	clear(c.Password)
	clear(c.ProxyPassword)
}

// LoginRetry is the user's answer to a failed login.
type LoginRetry struct {
	Credentials

	// RetryWithoutAsking makes further login failures of this connect
	// attempt retry silently.
	RetryWithoutAsking bool
}

// UserInterface is what the connect loop needs from the user. Every method
// is called from the goroutine running StartControlConnection.
type UserInterface interface {
	// EscapePressed is polled about every 200 ms while waiting.
	EscapePressed() bool

	// ConfirmCancel asks whether the step described by waitText should be
	// canceled.
	ConfirmCancel(waitText string) bool

	// WaitText shows or updates the text of the wait window.
	WaitText(text string)

	// RetryCanceled is asked when the user presses ESC while waiting for
	// the next connection attempt.
	RetryCanceled(waitText string) RetryChoice

	PromptProxyHost(current string) (hostPort string, ok bool)
	PromptProxyPassword(proxyHost, proxyUser string) (password []byte, ok bool)
	PromptUser(host string) (user string, ok bool)
	PromptPassword(host, user string) (password []byte, ok bool)
	PromptAccount(host, user string) (account string, ok bool)

	// LoginFailed shows the server's reply to a rejected login and lets the
	// user edit the credentials. ok=false cancels the connection.
	LoginFailed(reply string, current Credentials, proxied bool) (answer LoginRetry, ok bool)

	// UntrustedCertificate reports a server certificate chain that failed
	// verification.
	UntrustedCertificate(host string, chain []*x509.Certificate, verifyErr error) CertChoice

	// ShowError reports a terminal error.
	ShowError(text string)

	// ShowWelcome shows the server's greeting and login replies.
	ShowWelcome(text string)
}

// AutoUI is a UserInterface for unattended use. It never prompts and
// answers every interactive question with cancel.
type AutoUI struct {
	// AcceptUntrusted accepts server certificates that fail verification.
	AcceptUntrusted bool
}

var _ UserInterface = AutoUI{}

func (AutoUI) EscapePressed() bool { return false }
func (AutoUI) ConfirmCancel(string) bool { return true }
func (AutoUI) WaitText(string) {}
func (AutoUI) RetryCanceled(string) RetryChoice { return RetryAbort }
func (AutoUI) PromptProxyHost(string) (string, bool) { return "", false }
func (AutoUI) PromptUser(string) (string, bool) { return "", false }
func (AutoUI) ShowError(string) {}
func (AutoUI) ShowWelcome(string) {}

func (AutoUI) PromptProxyPassword(string, string) ([]byte, bool) { return nil, false }
func (AutoUI) PromptPassword(string, string) ([]byte, bool) { return nil, false }
func (AutoUI) PromptAccount(string, string) (string, bool) { return "", false }

func (AutoUI) LoginFailed(string, Credentials, bool) (LoginRetry, bool) {
	return LoginRetry{}, false
}

func (u AutoUI) UntrustedCertificate(string, []*x509.Certificate, error) CertChoice {
	if u.AcceptUntrusted {
		return CertAccept
	}
	return CertReject
}
