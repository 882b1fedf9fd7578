package main

import (
	"bufio"
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fatih/color"
	"golang.org/x/term"

	ftp "github.com/OpenSalamander/salamander-sub033"
)

var (
	infoColor    = color.New(color.FgBlue)
	errorColor   = color.New(color.FgRed, color.Bold)
	successColor = color.New(color.FgGreen)
	promptColor  = color.New(color.FgYellow)
)

// terminalUI answers the questions of the connect loop on the terminal.
// Ctrl+C plays the role of ESC.
type terminalUI struct {
	in  *bufio.Reader
	out io.Writer

	esc  atomic.Bool
	mu   sync.Mutex
	last string // last wait text, not repeated
}

var _ ftp.UserInterface = (*terminalUI)(nil)

func newTerminalUI() *terminalUI {
	return &terminalUI{in: bufio.NewReader(os.Stdin), out: color.Output}
}

// interrupt is called for every SIGINT.
func (u *terminalUI) interrupt() { u.esc.Store(true) }

func (u *terminalUI) EscapePressed() bool { return u.esc.Swap(false) }

func (u *terminalUI) readLine(prompt string) (string, bool) {
	promptColor.Fprint(u.out, prompt)
	line, err := u.in.ReadString('\n')
	if err != nil && line == "" {
		return "", false
	}
	return strings.TrimRight(line, "\r\n"), true
}

func (u *terminalUI) readSecret(prompt string) ([]byte, bool) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		s, ok := u.readLine(prompt)
		return []byte(s), ok
	}
	promptColor.Fprint(u.out, prompt)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(u.out)
	if err != nil {
		return nil, false
	}
	return pw, true
}

func (u *terminalUI) confirm(question string) bool {
	answer, ok := u.readLine(question + " [y/N] ")
	return ok && strings.EqualFold(strings.TrimSpace(answer), "y")
}

func (u *terminalUI) ConfirmCancel(waitText string) bool {
	return u.confirm(fmt.Sprintf("%s\nDo you want to cancel?", waitText))
}

func (u *terminalUI) WaitText(text string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if text == u.last {
		return
	}
	u.last = text
	infoColor.Fprintf(u.out, "\r%s", text)
	if !strings.HasSuffix(text, "\n") {
		fmt.Fprintln(u.out)
	}
}

func (u *terminalUI) RetryCanceled(waitText string) ftp.RetryChoice {
	answer, _ := u.readLine(waitText + "\n[a]bort, retry [n]ow or keep [w]aiting? ")
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "a", "abort":
		return ftp.RetryAbort
	case "n", "now":
		return ftp.RetryNow
	}
	return ftp.RetryKeepWaiting
}

func (u *terminalUI) PromptProxyHost(current string) (string, bool) {
	s, ok := u.readLine(fmt.Sprintf("Proxy host [%s]: ", current))
	if ok && s == "" {
		s = current
	}
	return s, ok && s != ""
}

func (u *terminalUI) PromptProxyPassword(proxyHost, proxyUser string) ([]byte, bool) {
	return u.readSecret(fmt.Sprintf("Password of %s on proxy %s: ", proxyUser, proxyHost))
}

func (u *terminalUI) PromptUser(host string) (string, bool) {
	return u.readLine(fmt.Sprintf("User name on %s: ", host))
}

func (u *terminalUI) PromptPassword(host, user string) ([]byte, bool) {
	return u.readSecret(fmt.Sprintf("Password of %s on %s: ", user, host))
}

func (u *terminalUI) PromptAccount(host, user string) (string, bool) {
	return u.readLine(fmt.Sprintf("Account of %s on %s: ", user, host))
}

func (u *terminalUI) LoginFailed(reply string, current ftp.Credentials, proxied bool) (ftp.LoginRetry, bool) {
	errorColor.Fprintf(u.out, "Login failed: %s\n", strings.TrimSpace(reply))
	if !u.confirm("Try again?") {
		return ftp.LoginRetry{}, false
	}
	ans := ftp.LoginRetry{Credentials: current}
	if user, ok := u.readLine(fmt.Sprintf("User [%s]: ", current.User)); ok && user != "" {
		ans.User = user
	}
	if pw, ok := u.readSecret("Password (empty keeps the current one): "); ok && len(pw) > 0 {
		ans.Password = pw
	}
	if proxied {
		if user, ok := u.readLine(fmt.Sprintf("Proxy user [%s]: ", current.ProxyUser)); ok && user != "" {
			ans.ProxyUser = user
		}
	}
	ans.RetryWithoutAsking = u.confirm("Retry without asking if it fails again?")
	return ans, true
}

func (u *terminalUI) UntrustedCertificate(host string, chain []*x509.Certificate, verifyErr error) ftp.CertChoice {
	errorColor.Fprintf(u.out, "The certificate of %s is not trusted: %v\n", host, verifyErr)
	if len(chain) > 0 {
		cert := chain[0]
		fmt.Fprintf(u.out, "  Subject: %s\n  Issuer:  %s\n  Valid:   %s - %s\n",
			cert.Subject, cert.Issuer, cert.NotBefore.Format("2006-01-02"), cert.NotAfter.Format("2006-01-02"))
	}
	if u.confirm("Accept it for this session?") {
		return ftp.CertAccept
	}
	return ftp.CertReject
}

func (u *terminalUI) ShowError(text string) {
	errorColor.Fprintln(u.out, strings.TrimSpace(text))
}

func (u *terminalUI) ShowWelcome(text string) {
	successColor.Fprintln(u.out, strings.TrimRight(text, "\r\n"))
}
