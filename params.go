package ftp

import (
	"fmt"
	"strings"
	"time"

	"github.com/OpenSalamander/salamander-sub033/internal/proxyscript"
)

// ProxyType selects how the control connection reaches the server.
type ProxyType = proxyscript.ProxyType

// Proxy types. The SOCKS and HTTP types tunnel a plain TCP stream; the FTP
// proxy types talk FTP to a firewall which forwards the session.
const (
	ProxyNone                     = proxyscript.None
	ProxySOCKS4                   = proxyscript.SOCKS4
	ProxySOCKS4A                  = proxyscript.SOCKS4A
	ProxySOCKS5                   = proxyscript.SOCKS5
	ProxyHTTP11                   = proxyscript.HTTP11
	ProxyFTPSiteHostColonPort     = proxyscript.FTPSiteHostColonPort
	ProxyFTPSiteHostSpacePort     = proxyscript.FTPSiteHostSpacePort
	ProxyFTPSiteUserHostColonPort = proxyscript.FTPSiteUserHostColonPort
	ProxyFTPSiteUserHostSpacePort = proxyscript.FTPSiteUserHostSpacePort
	ProxyFTPOpenHostPort          = proxyscript.FTPOpenHostPort
	ProxyFTPTransparent           = proxyscript.FTPTransparent
	ProxyFTPUserUserHostColonPort = proxyscript.FTPUserUserHostColonPort
	ProxyFTPUserUserHostSpacePort = proxyscript.FTPUserUserHostSpacePort
	ProxyFTPUserFireuserHost      = proxyscript.FTPUserFireuserHost
	ProxyFTPUserUserHostFireuser  = proxyscript.FTPUserUserHostFireuser
	ProxyFTPUserUserFireuserHost  = proxyscript.FTPUserUserFireuserHost
	ProxyOwnScript                = proxyscript.OwnScript
)

// ProxyServer describes one configured proxy or firewall.
type ProxyServer struct {
	ID   int
	Name string
	Type ProxyType
	Host string
	Port int
	User string

	// Password is the plain proxy password. It is filled from
	// EncryptedPassword by SetConnectionParameters and scrubbed by Zero.
	Password []byte

	// EncryptedPassword is the blob stored in the configuration.
	EncryptedPassword []byte

	// Script is the login script of a ProxyOwnScript proxy.
	Script string
}

// LoginScript returns the script that logs in through p. A nil proxy or an
// own-script proxy with an empty script uses the direct-connection script.
func (p *ProxyServer) LoginScript() string {
	if p == nil {
		return proxyscript.Script(ProxyNone)
	}
	if p.Type == ProxyOwnScript {
		if p.Script != "" {
			return p.Script
		}
		return proxyscript.Script(ProxyNone)
	}
	if s := proxyscript.Script(p.Type); s != "" {
		return s
	}
	return proxyscript.Script(ProxyNone)
}

func (p *ProxyServer) clone() *ProxyServer {
	if p == nil {
		return nil
	}
	c := *p
	c.Password = append([]byte(nil), p.Password...)
	c.EncryptedPassword = append([]byte(nil), p.EncryptedPassword...)
	return &c
}

// KeepAliveMode selects the command sent to keep an idle connection open.
type KeepAliveMode int

const (
	KeepAliveOff KeepAliveMode = iota
	KeepAliveNOOP
	KeepAlivePWD
	KeepAliveNLST
	KeepAliveLIST
)

var keepAliveNames = [...]string{"off", "noop", "pwd", "nlst", "list"}

func (m KeepAliveMode) String() string {
	if m >= 0 && int(m) < len(keepAliveNames) {
		return keepAliveNames[m]
	}
	return fmt.Sprintf("KeepAliveMode(%d)", int(m))
}

// ParseKeepAliveMode is the inverse of KeepAliveMode.String.
func ParseKeepAliveMode(s string) (KeepAliveMode, error) {
	for i, name := range keepAliveNames {
		if strings.EqualFold(s, name) {
			return KeepAliveMode(i), nil
		}
	}
	return KeepAliveOff, fmt.Errorf("unknown keep-alive mode %q", s)
}

// KeepAlivePolicy configures keep-alive commands on an idle connection.
type KeepAlivePolicy struct {
	Mode KeepAliveMode

	// SendEvery is the idle time after which a keep-alive command is sent.
	SendEvery time.Duration

	// StopAfter is the total idle time after which keep-alive gives up and
	// lets the server close the connection. Zero means never.
	StopAfter time.Duration
}

// ConnectionParameters is what a control connection needs to reach and log
// in to a server.
type ConnectionParameters struct {
	Host string
	Port int
	User string

	// Password is kept in a byte slice so it can be scrubbed by Zero.
	Password []byte
	Account  string

	// Proxy is owned by the parameters; nil means a direct connection.
	Proxy *ProxyServer

	Passive      bool
	InitCommands string
	KeepAlive    KeepAlivePolicy

	EncryptControl bool
	EncryptData    bool
	Compress       bool
}

// Clone returns a deep copy of p.
func (p *ConnectionParameters) Clone() *ConnectionParameters {
	c := *p
	c.Password = append([]byte(nil), p.Password...)
	c.Proxy = p.Proxy.clone()
	return &c
}

// Zero overwrites every password held by p with zero bytes.
func (p *ConnectionParameters) Zero() {
	clear(p.Password)
	if p.Proxy != nil {
		clear(p.Proxy.Password)
	}
}

func (p *ConnectionParameters) proxyType() ProxyType {
	if p.Proxy == nil {
		return ProxyNone
	}
	return p.Proxy.Type
}

// SplitInitCommands splits the user's init-command string into commands.
//
// Commands are separated by ';' and ";;" stands for a literal ';'. One
// leading whitespace character is dropped from each command (so a command
// may still start with spaces) and empty commands are skipped.
func SplitInitCommands(s string) []string {
	var cmds []string
	var b strings.Builder
	flush := func() {
		cmd := b.String()
		b.Reset()
		if cmd != "" && cmd[0] <= ' ' {
			cmd = cmd[1:]
		}
		if cmd != "" {
			cmds = append(cmds, cmd)
		}
	}
	for i := 0; i < len(s); i++ {
		if s[i] == ';' {
			if i+1 < len(s) && s[i+1] == ';' {
				b.WriteByte(';')
				i++
				continue
			}
			flush()
			continue
		}
		b.WriteByte(s[i])
	}
	flush()
	return cmds
}
