package ftp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"
)

var (
	// pasvRegex matches the address of a PASV reply: (h1,h2,h3,h4,p1,p2)
	pasvRegex = regexp.MustCompile(`\((\d+),(\d+),(\d+),(\d+),(\d+),(\d+)\)`)

	// epsvRegex matches the port of an EPSV reply: (|||port|)
	epsvRegex = regexp.MustCompile(`\(\|\|\|(\d+)\|\)`)
)

// parsePASV returns the host:port announced by a 227 reply.
// "227 Entering Passive Mode (192,168,1,1,195,149)" gives "192.168.1.1:50069".
func parsePASV(reply string) (string, error) {
	m := pasvRegex.FindStringSubmatch(reply)
	if len(m) != 7 {
		return "", fmt.Errorf("invalid PASV reply: %s", reply)
	}

	var b [6]int
	for i := range b {
		v, err := strconv.Atoi(m[i+1])
		if err != nil || v < 0 || v > 255 {
			return "", fmt.Errorf("invalid PASV number: %s", m[i+1])
		}
		b[i] = v
	}
	host := fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
	return net.JoinHostPort(host, strconv.Itoa(b[4]*256+b[5])), nil
}

// parseEPSV returns the port announced by a 229 reply.
func parseEPSV(reply string) (string, error) {
	m := epsvRegex.FindStringSubmatch(reply)
	if len(m) != 2 {
		return "", fmt.Errorf("invalid EPSV reply: %s", reply)
	}
	port, err := strconv.Atoi(m[1])
	if err != nil || port <= 0 || port > 65535 {
		return "", fmt.Errorf("invalid EPSV port: %s", m[1])
	}
	return m[1], nil
}

// formatPORT formats addr for the PORT command.
// "192.168.1.100:50000" gives "192,168,1,100,195,80".
func formatPORT(addr string) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return "", fmt.Errorf("PORT requires an IPv4 address, got %s", host)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("invalid port: %s", portStr)
	}
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d", ip[0], ip[1], ip[2], ip[3], port/256, port%256), nil
}

// formatEPRT formats addr for the EPRT command: |proto|address|port|.
func formatEPRT(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return "", fmt.Errorf("invalid IP address: %s", host)
	}
	proto := 2
	if ip.To4() != nil {
		proto = 1
	}
	return fmt.Sprintf("|%d|%s|%s|", proto, host, port), nil
}

// resolveDataAddr replaces the unspecified address some servers put in a
// PASV reply by controlHost.
func resolveDataAddr(pasvAddr, controlHost string) string {
	host, port, err := net.SplitHostPort(pasvAddr)
	if err != nil {
		return pasvAddr
	}
	if host == "0.0.0.0" {
		return net.JoinHostPort(controlHost, port)
	}
	return pasvAddr
}

// dataEndpoint is the prepared end of a data connection. establish is
// called once the server accepted the transfer command.
type dataEndpoint interface {
	establish(ctx context.Context) (net.Conn, error)
	Close() error
}

type passiveEndpoint struct {
	conn net.Conn
}

func (p *passiveEndpoint) establish(context.Context) (net.Conn, error) { return p.conn, nil }

func (p *passiveEndpoint) Close() error { return p.conn.Close() }

type activeEndpoint struct {
	listener net.Listener
	timeout  time.Duration
}

func (a *activeEndpoint) establish(ctx context.Context) (net.Conn, error) {
	if l, ok := a.listener.(*net.TCPListener); ok && a.timeout > 0 {
		_ = l.SetDeadline(time.Now().Add(a.timeout))
	}
	stop := context.AfterFunc(ctx, func() { _ = a.listener.Close() })
	defer stop()

	conn, err := a.listener.Accept()
	_ = a.listener.Close()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrCanceled
		}
		return nil, fmt.Errorf("server did not open the data connection: %w", err)
	}
	return conn, nil
}

func (a *activeEndpoint) Close() error { return a.listener.Close() }

// dataRoute is the part of the connection state that decides how data
// connections are opened.
type dataRoute struct {
	passive     bool
	host        string // the server as named by the user
	controlHost string // where the control connection went
	disableEPSV bool

	tunnel        ProxyType
	proxyAddr     string
	proxyUser     string
	proxyPassword []byte
}

func (c *ControlConnection) dataRoute() dataRoute {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.params
	r := dataRoute{
		passive:     p.Passive,
		host:        p.Host,
		controlHost: p.Host,
		disableEPSV: c.disableEPSV,
		tunnel:      p.proxyType(),
	}
	if c.serverIP != nil {
		r.controlHost = c.serverIP.String()
	}
	if r.tunnel.IsTunnel() {
		// The proxy cannot forward incoming connections.
		r.passive = true
		r.controlHost = p.Host
		proxyHost := p.Proxy.Host
		if c.serverIP != nil {
			proxyHost = c.serverIP.String()
		}
		r.proxyAddr = net.JoinHostPort(proxyHost, strconv.Itoa(p.Proxy.Port))
		r.proxyUser = p.Proxy.User
		r.proxyPassword = append([]byte(nil), p.Proxy.Password...)
	}
	return r
}

// openDataEndpoint prepares a data connection in the mode of the
// connection parameters.
func (c *ControlConnection) openDataEndpoint(ctx context.Context) (dataEndpoint, error) {
	r := c.dataRoute()
	defer clear(r.proxyPassword)
	if r.passive {
		conn, err := c.openPassiveDataConn(ctx, r)
		if err != nil {
			return nil, err
		}
		return &passiveEndpoint{conn: conn}, nil
	}
	return c.openActiveDataConn(ctx)
}

// openActiveDataConn listens on the interface of the control connection
// and announces the address with PORT (EPRT for IPv6).
func (c *ControlConnection) openActiveDataConn(ctx context.Context) (dataEndpoint, error) {
	host := "0.0.0.0"
	if addr := c.sock.LocalAddr(); addr != nil {
		if h, _, err := net.SplitHostPort(addr.String()); err == nil {
			host = h
		}
	}
	listener, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}

	addr := listener.Addr().String()
	cmd := "PORT"
	arg, err := formatPORT(addr)
	if err != nil {
		cmd = "EPRT"
		arg, err = formatEPRT(addr)
	}
	if err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("failed to format %s command: %w", cmd, err)
	}
	if _, err := c.expect2xx(ctx, cmd+" "+arg); err != nil {
		_ = listener.Close()
		return nil, err
	}
	return &activeEndpoint{listener: listener, timeout: c.timeout}, nil
}

// openPassiveDataConn asks for a passive port with EPSV, falling back to
// PASV, and connects to it.
func (c *ControlConnection) openPassiveDataConn(ctx context.Context, r dataRoute) (net.Conn, error) {
	var addr string
	if !r.disableEPSV {
		resp, err := c.sendCommand(ctx, "EPSV", false)
		if err != nil {
			return nil, fmt.Errorf("EPSV failed: %w", err)
		}
		switch {
		case resp.Code == 500 || resp.Code == 502:
			c.mu.Lock()
			c.disableEPSV = true
			c.mu.Unlock()
		case resp.Is2xx():
			if port, err := parseEPSV(resp.Message); err == nil {
				addr = net.JoinHostPort(r.controlHost, port)
			}
		}
	}

	if addr == "" {
		resp, err := c.expect2xx(ctx, "PASV")
		if err != nil {
			return nil, err
		}
		if addr, err = parsePASV(resp.Message); err != nil {
			return nil, err
		}
		addr = resolveDataAddr(addr, r.controlHost)
	}

	dctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var conn net.Conn
	var err error
	if r.tunnel.IsTunnel() {
		host, portStr, _ := net.SplitHostPort(addr)
		port, _ := strconv.Atoi(portStr)
		conn, err = dialTunnel(dctx, c.dial, r.tunnel, r.proxyAddr, tunnelTarget{Host: host, Port: port},
			r.proxyUser, r.proxyPassword)
	} else {
		conn, err = c.dial(dctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to data port: %w", err)
	}
	c.logger.Debug("data connection opened", "addr", addr)
	return conn, nil
}

// dataTransfer is the data connection of one transfer command.
type dataTransfer struct {
	conn net.Conn
	cmd  string
	// final is set when the final reply came with the data connection
	final *replyResult
}

// cmdDataConn prepares a data connection, sends cmd and returns the
// connection once the server accepted the command. The caller must hold
// cmdMu and finish with finishDataConn.
func (c *ControlConnection) cmdDataConn(ctx context.Context, cmd string) (*dataTransfer, error) {
	ep, err := c.openDataEndpoint(ctx)
	if err != nil {
		return nil, err
	}

	res, err := c.exchange(ctx, cmd, waitOpts{preliminary: true})
	if err != nil {
		_ = ep.Close()
		return nil, err
	}
	dt := &dataTransfer{cmd: maskCommand(cmd)}
	switch replyClass(res.code) {
	case 1:
	case 2:
		// Some servers answer an empty transfer at once.
		if _, passive := ep.(*passiveEndpoint); passive {
			dt.final = &res
			break
		}
		fallthrough
	default:
		_ = ep.Close()
		resp := ParseResponse([]byte(res.reply), res.code)
		return nil, &ProtocolError{Command: dt.cmd, Response: resp.Message, Code: resp.Code}
	}

	conn, err := ep.establish(ctx)
	if err != nil {
		return nil, c.abandonTransfer(ctx, dt, err)
	}

	c.mu.Lock()
	protect, host := c.protectData, c.params.Host
	c.mu.Unlock()
	if protect {
		hctx, cancel := context.WithTimeout(ctx, c.timeout)
		tlsConn, err := c.encryptDataConn(hctx, conn, host)
		cancel()
		if err != nil {
			_ = conn.Close()
			return nil, c.abandonTransfer(ctx, dt, err)
		}
		conn = tlsConn
	}
	dt.conn = &deadlineConn{Conn: conn, timeout: c.timeout}
	return dt, nil
}

// abandonTransfer reads the final reply of a transfer whose data
// connection failed and returns err.
func (c *ControlConnection) abandonTransfer(ctx context.Context, dt *dataTransfer, err error) error {
	if dt.final == nil {
		if _, rerr := c.awaitReply(ctx, waitOpts{}); rerr != nil && !errors.Is(rerr, ErrConnectionLost) {
			c.closeSocket()
		}
	}
	return err
}

// finishDataConn closes the data connection and checks the final reply
// of the transfer command.
func (c *ControlConnection) finishDataConn(ctx context.Context, dt *dataTransfer) error {
	closeErr := dt.conn.Close()

	res := dt.final
	if res == nil {
		r, err := c.awaitReply(ctx, waitOpts{})
		if err != nil {
			if !errors.Is(err, ErrConnectionLost) {
				c.closeSocket()
			}
			return err
		}
		res = &r
	}
	if res.closed {
		c.setLogConnected(false)
	}
	if replyClass(res.code) != 2 {
		resp := ParseResponse([]byte(res.reply), res.code)
		return &ProtocolError{Command: dt.cmd, Response: resp.Message, Code: resp.Code}
	}
	if closeErr != nil {
		c.logger.Debug("closing data connection", "error", closeErr)
	}
	return nil
}
