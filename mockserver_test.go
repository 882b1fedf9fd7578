package ftp

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// mockHandler answers one command of a mock session.
type mockHandler func(s *mockSession, arg string)

// mockServer is a scripted FTP server on the loopback interface. Commands
// without a handler get the answers of a plain anonymous server.
type mockServer struct {
	t        *testing.T
	listener net.Listener

	// greeting is sent on connect; onConnect replaces it when set.
	greeting  string
	onConnect func(s *mockSession) bool

	// tlsConfig enables AUTH TLS and PROT P when set.
	tlsConfig *tls.Config

	mu       sync.Mutex
	handlers map[string]mockHandler
	commands []string
	files    map[string][]byte

	accepted atomic.Int32
	wg       sync.WaitGroup
}

// mockSession is one control connection to the mock server.
type mockSession struct {
	server *mockServer
	conn   net.Conn
	tp     *textproto.Conn
	data   net.Listener
	active  string // address announced by PORT
	rest    int64
	protect bool // PROT P
}

func newMockServer(t *testing.T) *mockServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &mockServer{
		t:        t,
		listener: l,
		greeting: "220 Service ready",
		handlers: make(map[string]mockHandler),
		files:    make(map[string][]byte),
	}
	t.Cleanup(s.close)
	return s
}

func (s *mockServer) port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// params returns connection parameters for the server with a user and a
// password.
func (s *mockServer) params() *ConnectionParameters {
	return &ConnectionParameters{
		Host:     "127.0.0.1",
		Port:     s.port(),
		User:     "tester",
		Password: []byte("secret"),
		Passive:  true,
	}
}

func (s *mockServer) handle(cmd string, h mockHandler) {
	s.mu.Lock()
	s.handlers[cmd] = h
	s.mu.Unlock()
}

// reply makes cmd always answer line.
func (s *mockServer) reply(cmd, line string) {
	s.handle(cmd, func(ms *mockSession, _ string) { ms.send(line) })
}

func (s *mockServer) setFile(name string, content []byte) {
	s.mu.Lock()
	s.files[name] = content
	s.mu.Unlock()
}

func (s *mockServer) file(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.files[name]
	return b, ok
}

// received returns the verbs received so far.
func (s *mockServer) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *mockServer) start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				return
			}
			s.accepted.Add(1)
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serve(conn)
			}()
		}
	}()
}

func (s *mockServer) close() {
	_ = s.listener.Close()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.t.Log("mock server sessions did not finish")
	}
}

func (s *mockServer) serve(conn net.Conn) {
	ms := &mockSession{server: s, conn: conn, tp: textproto.NewConn(conn)}
	defer ms.tp.Close()
	defer ms.closeData()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	if s.onConnect != nil {
		if !s.onConnect(ms) {
			return
		}
	} else {
		ms.send(s.greeting)
	}

	for {
		line, err := ms.tp.ReadLine()
		if err != nil {
			return
		}
		verb, arg, _ := strings.Cut(line, " ")
		verb = strings.ToUpper(verb)

		s.mu.Lock()
		s.commands = append(s.commands, verb)
		h := s.handlers[verb]
		s.mu.Unlock()

		if h != nil {
			h(ms, arg)
			continue
		}
		if !ms.defaultReply(verb, arg) {
			return
		}
	}
}

func (ms *mockSession) send(line string) {
	_ = ms.tp.PrintfLine("%s", line)
}

func (ms *mockSession) closeData() {
	if ms.data != nil {
		_ = ms.data.Close()
		ms.data = nil
	}
}

// openData listens for a passive data connection.
func (ms *mockSession) openData() (int, error) {
	ms.closeData()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	ms.data = l
	return l.Addr().(*net.TCPAddr).Port, nil
}

// acceptData accepts the data connection announced by PASV or EPSV, or
// connects to the client after PORT.
func (ms *mockSession) acceptData() (net.Conn, error) {
	if ms.active != "" {
		addr := ms.active
		ms.active = ""
		return net.DialTimeout("tcp", addr, 5*time.Second)
	}
	if ms.data == nil {
		return nil, fmt.Errorf("no data connection")
	}
	if l, ok := ms.data.(*net.TCPListener); ok {
		_ = l.SetDeadline(time.Now().Add(5 * time.Second))
	}
	conn, err := ms.data.Accept()
	ms.closeData()
	if err == nil && ms.protect {
		conn = tls.Server(conn, ms.server.tlsConfig)
	}
	return conn, err
}

// upgrade switches the control connection to TLS after AUTH TLS.
func (ms *mockSession) upgrade() {
	tlsConn := tls.Server(ms.conn, ms.server.tlsConfig)
	ms.conn = tlsConn
	ms.tp = textproto.NewConn(tlsConn)
}

func (ms *mockSession) defaultReply(verb, arg string) bool {
	switch verb {
	case "USER":
		ms.send("331 User name okay, need password.")
	case "PASS":
		ms.send("230 User logged in, proceed.")
	case "SYST":
		ms.send("215 UNIX Type: L8")
	case "PWD":
		ms.send(`257 "/home/tester" is the current directory`)
	case "TYPE", "NOOP", "MODE", "SITE":
		ms.send("200 Command okay.")
	case "AUTH":
		if ms.server.tlsConfig == nil || !strings.EqualFold(arg, "TLS") {
			ms.send("504 Security mechanism not understood.")
			break
		}
		ms.send("234 Proceed with negotiation.")
		ms.upgrade()
	case "PBSZ":
		ms.send("200 PBSZ=0")
	case "PROT":
		ms.protect = arg == "P"
		ms.send("200 Protection level set.")
	case "QUIT":
		ms.send("221 Goodbye.")
		return false
	case "REST":
		n, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			ms.send("501 Invalid offset.")
			break
		}
		ms.rest = n
		ms.send(fmt.Sprintf("350 Restarting at %d.", n))
	case "EPSV":
		port, err := ms.openData()
		if err != nil {
			ms.send("425 Cannot open data connection.")
			break
		}
		ms.send(fmt.Sprintf("229 Entering Extended Passive Mode (|||%d|)", port))
	case "PASV":
		port, err := ms.openData()
		if err != nil {
			ms.send("425 Cannot open data connection.")
			break
		}
		ms.send(fmt.Sprintf("227 Entering Passive Mode (127,0,0,1,%d,%d)", port/256, port%256))
	case "PORT":
		var h [4]int
		var p1, p2 int
		if _, err := fmt.Sscanf(arg, "%d,%d,%d,%d,%d,%d", &h[0], &h[1], &h[2], &h[3], &p1, &p2); err != nil {
			ms.send("501 Syntax error in parameters.")
			break
		}
		ms.closeData()
		ms.active = fmt.Sprintf("%d.%d.%d.%d:%d", h[0], h[1], h[2], h[3], p1*256+p2)
		ms.send("200 PORT command successful.")
	case "RETR":
		content, ok := ms.server.file(arg)
		if !ok {
			ms.closeData()
			ms.send("550 No such file.")
			break
		}
		offset := min(ms.rest, int64(len(content)))
		ms.rest = 0
		ms.sendData(content[offset:])
	case "LIST", "NLST":
		ms.sendData([]byte("-rw-r--r-- 1 ftp ftp 5 Jan 01 12:00 hello.txt\r\n"))
	case "STOR", "APPE":
		ms.send("150 Ok to send data.")
		conn, err := ms.acceptData()
		if err != nil {
			ms.send("425 Cannot open data connection.")
			break
		}
		data, err := io.ReadAll(conn)
		_ = conn.Close()
		if err != nil {
			ms.send("426 Transfer aborted.")
			break
		}
		if old, ok := ms.server.file(arg); ok && verb == "APPE" {
			data = append(append([]byte(nil), old...), data...)
		}
		ms.server.setFile(arg, data)
		ms.send("226 Transfer complete.")
	default:
		ms.send("502 Command not implemented.")
	}
	return true
}

func (ms *mockSession) sendData(payload []byte) {
	ms.send("150 Opening BINARY mode data connection.")
	conn, err := ms.acceptData()
	if err != nil {
		ms.send("425 Cannot open data connection.")
		return
	}
	_, err = conn.Write(payload)
	_ = conn.Close()
	if err != nil {
		ms.send("426 Transfer aborted.")
		return
	}
	ms.send("226 Transfer complete.")
}

// selfSignedTLS returns a server configuration with a certificate for
// 127.0.0.1 that no system root trusts, and a pool trusting it.
func selfSignedTLS(t *testing.T) (*tls.Config, *x509.CertPool) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "mock ftp"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		IsCA:         true,

		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key, Leaf: cert}},
	}, pool
}
