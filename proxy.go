package ftp

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/net/proxy"
)

// DialFunc dials a TCP connection. net.Dialer.DialContext is a DialFunc.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// proxyHandshakeTimeout bounds a proxy handshake when ctx has no deadline.
const proxyHandshakeTimeout = 30 * time.Second

// tunnelTarget is the server a SOCKS or HTTP proxy is asked to reach.
type tunnelTarget struct {
	Host string
	Port int
}

func (t tunnelTarget) addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// dialTunnel connects to a SOCKS or HTTP proxy at proxyAddr and asks it to
// open a stream to target. Failures reported by the proxy come back as
// *ProxyError.
func dialTunnel(ctx context.Context, dial DialFunc, typ ProxyType, proxyAddr string,
	target tunnelTarget, user string, password []byte,
) (net.Conn, error) {
	conn, err := dial(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(proxyHandshakeTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		_ = conn.Close()
		return nil, err
	}

	var tunneled net.Conn
	switch typ {
	case ProxySOCKS4, ProxySOCKS4A:
		tunneled, err = socks4Handshake(ctx, conn, typ == ProxySOCKS4A, target, user)
	case ProxySOCKS5:
		tunneled, err = socks5Handshake(ctx, conn, target, user, password)
	case ProxyHTTP11:
		tunneled, err = httpConnectHandshake(conn, target, user, password)
	default:
		err = fmt.Errorf("proxy type %s is not a tunnel", typ)
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := tunneled.SetDeadline(time.Time{}); err != nil {
		_ = tunneled.Close()
		return nil, err
	}
	return tunneled, nil
}

// isTransportError reports whether err is a network failure rather than an
// answer from the proxy.
func isTransportError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}

func proxyFailure(msg string, err error) error {
	return &ProxyError{Msg: msg, Rejected: !isTransportError(err), Err: err}
}

var socks4Replies = map[byte]string{
	91: "request rejected or failed",
	92: "request rejected because the proxy cannot connect to identd on the client",
	93: "request rejected because the client program and identd report different user-ids",
}

func socks4Handshake(ctx context.Context, conn net.Conn, v4a bool, target tunnelTarget, user string) (net.Conn, error) {
	name := "SOCKS4"
	req := make([]byte, 0, 9+len(user)+len(target.Host)+1)
	req = append(req, 4, 1)
	req = binary.BigEndian.AppendUint16(req, uint16(target.Port))

	if v4a {
		name = "SOCKS4A"
		req = append(req, 0, 0, 0, 1)
	} else {
		ip, err := resolveIPv4(ctx, target.Host)
		if err != nil {
			return nil, &ProxyError{Msg: "SOCKS4 needs an IPv4 address of " + target.Host, Err: err}
		}
		req = append(req, ip...)
	}
	req = append(req, user...)
	req = append(req, 0)
	if v4a {
		req = append(req, target.Host...)
		req = append(req, 0)
	}

	if _, err := conn.Write(req); err != nil {
		return nil, proxyFailure("unable to send "+name+" request", err)
	}
	var resp [8]byte
	if _, err := io.ReadFull(conn, resp[:]); err != nil {
		return nil, proxyFailure("unable to read "+name+" reply", err)
	}
	if resp[1] != 90 {
		msg, ok := socks4Replies[resp[1]]
		if !ok {
			msg = "unknown reply"
		}
		return nil, &ProxyError{Msg: fmt.Sprintf("%s %s (code %d)", name, msg, resp[1]), Rejected: true}
	}
	return conn, nil
}

func resolveIPv4(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return ip4, nil
		}
		return nil, fmt.Errorf("%s is not an IPv4 address", host)
	}
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil {
		return nil, err
	}
	return ips[0].To4(), nil
}

// connForward hands an already dialed connection to the SOCKS5 client.
type connForward struct {
	conn net.Conn
}

func (f connForward) Dial(_, _ string) (net.Conn, error) {
	return f.conn, nil
}

func socks5Handshake(ctx context.Context, conn net.Conn, target tunnelTarget, user string, password []byte) (net.Conn, error) {
	var auth *proxy.Auth
	if user != "" {
		auth = &proxy.Auth{User: user, Password: string(password)}
	}
	d, err := proxy.SOCKS5("tcp", conn.RemoteAddr().String(), auth, connForward{conn: conn})
	if err != nil {
		return nil, err
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("SOCKS5 dialer does not support contexts")
	}
	tunneled, err := cd.DialContext(ctx, "tcp", target.addr())
	if err != nil {
		return nil, proxyFailure("SOCKS5 "+target.addr(), err)
	}
	return tunneled, nil
}

// bufferedConn keeps bytes the HTTP response reader consumed past the
// header, typically the start of the FTP greeting.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

func httpConnectHandshake(conn net.Conn, target tunnelTarget, user string, password []byte) (net.Conn, error) {
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target.addr()},
		Host:   target.addr(),
		Header: make(http.Header),
	}
	if user != "" {
		cred := make([]byte, 0, len(user)+1+len(password))
		cred = append(cred, user...)
		cred = append(cred, ':')
		cred = append(cred, password...)
		req.Header.Set("Proxy-Authorization", "Basic "+base64.StdEncoding.EncodeToString(cred))
		clear(cred)
	}
	if err := req.Write(conn); err != nil {
		return nil, proxyFailure("unable to send HTTP CONNECT request", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, proxyFailure("unable to read HTTP proxy reply", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, &ProxyError{Msg: "HTTP proxy returned " + resp.Status, Rejected: true}
	}
	if br.Buffered() == 0 {
		return conn, nil
	}
	return &bufferedConn{Conn: conn, r: br}, nil
}
