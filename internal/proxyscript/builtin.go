package proxyscript

import (
	"fmt"
	"strings"
)

// ProxyType selects how the control connection reaches the server.
type ProxyType int

const (
	None ProxyType = iota // direct connection
	SOCKS4
	SOCKS4A
	SOCKS5
	HTTP11
	FTPSiteHostColonPort      // USER fw_user;PASS fw_pass;SITE host:port;USER user;PASS pass;ACCT acct
	FTPSiteHostSpacePort      // USER fw_user;PASS fw_pass;SITE host port;USER user;PASS pass;ACCT acct
	FTPSiteUserHostColonPort  // USER fw_user;PASS fw_pass;SITE user@host:port;PASS pass;ACCT acct
	FTPSiteUserHostSpacePort  // USER fw_user;PASS fw_pass;SITE user@host port;PASS pass;ACCT acct
	FTPOpenHostPort           // USER fw_user;PASS fw_pass;OPEN host:port;USER user;PASS pass;ACCT acct
	FTPTransparent            // USER fw_user;PASS fw_pass;USER user;PASS pass;ACCT acct
	FTPUserUserHostColonPort  // USER fw_user;PASS fw_pass;USER user@host:port;PASS pass;ACCT acct
	FTPUserUserHostSpacePort  // USER fw_user;PASS fw_pass;USER user@host port;PASS pass;ACCT acct
	FTPUserFireuserHost       // USER fw_user@host:port;PASS fw_pass;USER user;PASS pass;ACCT acct
	FTPUserUserHostFireuser   // USER user@host:port fw_user;PASS pass;ACCT fw_pass;ACCT acct
	FTPUserUserFireuserHost   // USER user@fw_user@host:port;PASS pass@fw_pass;ACCT acct
	OwnScript                 // user-authored script
	numProxyTypes
)

var proxyTypeNames = [numProxyTypes]string{
	"none", "socks4", "socks4a", "socks5", "http1.1",
	"site-host-colon-port", "site-host-space-port",
	"site-user-host-colon-port", "site-user-host-space-port",
	"open-host-port", "transparent",
	"user-user-host-colon-port", "user-user-host-space-port",
	"user-fireuser-host", "user-user-host-fireuser", "user-user-fireuser-host",
	"script",
}

func (t ProxyType) String() string {
	if t < 0 || t >= numProxyTypes {
		return fmt.Sprintf("ProxyType(%d)", int(t))
	}
	return proxyTypeNames[t]
}

// ParseProxyType is the inverse of ProxyType.String.
func ParseProxyType(s string) (ProxyType, error) {
	for i, name := range proxyTypeNames {
		if strings.EqualFold(s, name) {
			return ProxyType(i), nil
		}
	}
	return None, fmt.Errorf("unknown proxy type %q", s)
}

// IsTunnel reports whether the proxy carries a raw TCP stream (SOCKS or
// HTTP CONNECT) rather than speaking FTP itself.
func (t ProxyType) IsTunnel() bool {
	return t == SOCKS4 || t == SOCKS4A || t == SOCKS5 || t == HTTP11
}

const (
	loginLines = "USER $(User)\r\n" +
		"3xx: PASS $(Password)\r\n" +
		"3xx: ACCT $(Account)\r\n"
	proxyLogin = "USER $(ProxyUser)\r\n" +
		"3xx: PASS $(ProxyPassword)\r\n"
	connectServer = "Connect to: $(Host):$(Port)\r\n"
	connectProxy  = "Connect to: $(ProxyHost):$(ProxyPort)\r\n"
)

var builtinScripts = map[ProxyType]string{
	None:    connectServer + loginLines,
	SOCKS4:  connectProxy + loginLines,
	SOCKS4A: connectProxy + loginLines,
	SOCKS5:  connectProxy + loginLines,
	HTTP11:  connectProxy + loginLines,

	FTPSiteHostColonPort: connectProxy + proxyLogin + "SITE $(Host):$(Port)\r\n" + loginLines,
	FTPSiteHostSpacePort: connectProxy + proxyLogin + "SITE $(Host) $(Port)\r\n" + loginLines,
	FTPSiteUserHostColonPort: connectProxy + proxyLogin +
		"SITE $(User)@$(Host):$(Port)\r\n" +
		"3xx: PASS $(Password)\r\n" +
		"3xx: ACCT $(Account)\r\n",
	FTPSiteUserHostSpacePort: connectProxy + proxyLogin +
		"SITE $(User)@$(Host) $(Port)\r\n" +
		"3xx: PASS $(Password)\r\n" +
		"3xx: ACCT $(Account)\r\n",
	FTPOpenHostPort: connectProxy + proxyLogin + "OPEN $(Host):$(Port)\r\n" + loginLines,
	FTPTransparent:  connectServer + proxyLogin + loginLines,
	FTPUserUserHostColonPort: connectProxy + proxyLogin +
		"USER $(User)@$(Host):$(Port)\r\n" +
		"3xx: PASS $(Password)\r\n" +
		"3xx: ACCT $(Account)\r\n",
	FTPUserUserHostSpacePort: connectProxy + proxyLogin +
		"USER $(User)@$(Host) $(Port)\r\n" +
		"3xx: PASS $(Password)\r\n" +
		"3xx: ACCT $(Account)\r\n",
	FTPUserFireuserHost: connectProxy +
		"USER $(ProxyUser)@$(Host):$(Port)\r\n" +
		"3xx: PASS $(ProxyPassword)\r\n" +
		loginLines,
	FTPUserUserHostFireuser: connectProxy +
		"USER $(User)@$(Host):$(Port) $(ProxyUser)\r\n" +
		"3xx: PASS $(Password)\r\n" +
		"3xx: ACCT $(ProxyPassword)\r\n" +
		"3xx: ACCT $(Account)\r\n",
	FTPUserUserFireuserHost: connectProxy +
		"USER $(User)@$(ProxyUser)@$(Host):$(Port)\r\n" +
		"3xx: PASS $(Password)@$(ProxyPassword)\r\n" +
		"3xx: ACCT $(Account)\r\n",
}

// Script returns the built-in login script for t. OwnScript and unknown
// types have no built-in script and yield "".
func Script(t ProxyType) string {
	return builtinScripts[t]
}

// DefaultPort returns the usual listening port of a proxy of type t. The
// transparent proxy is never connected to directly and yields 0.
func DefaultPort(t ProxyType) int {
	switch t {
	case SOCKS4, SOCKS4A, SOCKS5:
		return 1080
	case HTTP11:
		return 8080
	case FTPTransparent:
		return 0
	default:
		return 21
	}
}
