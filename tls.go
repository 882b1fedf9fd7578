package ftp

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
)

// clientTLSConfig returns the configuration for a handshake with host.
// Chain verification is done by verifyPeer so an untrusted certificate can
// be offered to the user.
func (c *ControlConnection) clientTLSConfig(host string) *tls.Config {
	var cfg *tls.Config
	if c.tlsConfig != nil {
		cfg = c.tlsConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	if cfg.ClientSessionCache == nil {
		cfg.ClientSessionCache = c.sessionCache
	}
	cfg.InsecureSkipVerify = true
	return cfg
}

// verifyPeer checks the server certificate against the configured roots
// and the host name. A certificate accepted by the user passes.
func (c *ControlConnection) verifyPeer(host string, state *tls.ConnectionState) error {
	if c.tlsConfig != nil && c.tlsConfig.InsecureSkipVerify {
		return nil
	}
	certs := state.PeerCertificates
	if len(certs) == 0 {
		return errors.New("the server sent no certificate")
	}

	c.mu.Lock()
	trusted := c.trustedCert
	c.mu.Unlock()
	if trusted != nil && bytes.Equal(trusted, certs[0].Raw) {
		return nil
	}

	opts := x509.VerifyOptions{
		DNSName:       host,
		Intermediates: x509.NewCertPool(),
	}
	if c.tlsConfig != nil {
		opts.Roots = c.tlsConfig.RootCAs
		if c.tlsConfig.ServerName != "" {
			opts.DNSName = c.tlsConfig.ServerName
		}
	}
	for _, cert := range certs[1:] {
		opts.Intermediates.AddCert(cert)
	}
	_, err := certs[0].Verify(opts)
	return err
}

// trust makes verifyPeer accept cert from now on.
func (c *ControlConnection) trust(cert *x509.Certificate) {
	c.mu.Lock()
	c.trustedCert = bytes.Clone(cert.Raw)
	c.mu.Unlock()
}

// encrypt upgrades the control connection after AUTH TLS and lets the
// user decide about an untrusted certificate.
func (s *starter) encrypt() bool {
	c := s.c
	host := s.params.Host
	state, err := c.sock.EncryptSocket(s.ctx, c.clientTLSConfig(host))
	if err != nil {
		s.retryAfter(&ConnectError{Kind: OperationFatalError, Action: "establish a TLS session", Text: err.Error(), Err: err},
			stateOperationFatalError)
		return false
	}
	c.logMessage(fmt.Sprintf("TLS session established (%s, %s).",
		tls.VersionName(state.Version), tls.CipherSuiteName(state.CipherSuite)), false)

	verifyErr := c.verifyPeer(host, state)
	for verifyErr != nil {
		s.fastRetry = true
		switch c.ui.UntrustedCertificate(host, state.PeerCertificates, verifyErr) {
		case CertAccept:
			c.trust(state.PeerCertificates[0])
			c.logMessage("The server certificate was accepted by the user.", false)
			verifyErr = nil
		case CertView:
			if verifyErr = c.verifyPeer(host, state); verifyErr == nil {
				c.logMessage("The server certificate is now trusted.", false)
			}
		default:
			c.logMessage("The server certificate was rejected: "+verifyErr.Error(), true)
			s.cancel()
			return false
		}
	}
	return true
}

// encryptDataConn runs the TLS handshake on a data connection. The
// session of the control connection is resumed when the server allows it.
func (c *ControlConnection) encryptDataConn(ctx context.Context, conn net.Conn, host string) (net.Conn, error) {
	tlsConn := tls.Client(conn, c.clientTLSConfig(host))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("data connection TLS handshake failed: %w", err)
	}
	state := tlsConn.ConnectionState()
	if err := c.verifyPeer(host, &state); err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("data connection certificate: %w", err)
	}
	c.logger.Debug("data connection encrypted", "resumed", state.DidResume)
	return tlsConn, nil
}
