package ftp

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/klauspost/compress/zlib"

	"github.com/OpenSalamander/salamander-sub033/internal/ratelimit"
)

// Option is a functional option for configuring a ControlConnection.
type Option func(*ControlConnection) error

// WithTimeout sets the server replies timeout. It applies to connecting,
// to every reply and to data connections. Values below one second are
// raised to one second when waiting for replies.
func WithTimeout(timeout time.Duration) Option {
	return func(c *ControlConnection) error {
		if timeout <= 0 {
			return fmt.Errorf("invalid timeout %v", timeout)
		}
		c.timeout = timeout
		return nil
	}
}

// WithLogger enables debug logging using the provided logger.
// All FTP commands (with passwords hidden) and responses are logged at
// debug level.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	}))
//	conn, _ := ftp.New(params, ftp.WithLogger(logger))
func WithLogger(logger *slog.Logger) Option {
	return func(c *ControlConnection) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithDialer sets a custom net.Dialer for the control connection, the
// proxy and data connections. This can be used to configure source
// addresses, keep-alive settings, etc.
func WithDialer(dialer *net.Dialer) Option {
	return func(c *ControlConnection) error {
		if dialer == nil {
			return errors.New("nil dialer")
		}
		c.dial = dialer.DialContext
		return nil
	}
}

// WithTLSConfig sets the TLS configuration used when the parameters ask
// for an encrypted connection. RootCAs and ServerName are used to verify
// the server; a certificate that fails verification is offered to the
// user interface. A ClientSessionCache is added if not present so data
// connections can resume the control connection's session.
func WithTLSConfig(config *tls.Config) Option {
	return func(c *ControlConnection) error {
		if config == nil {
			config = &tls.Config{}
		}
		if config.ClientSessionCache == nil {
			config.ClientSessionCache = c.sessionCache
		}
		c.tlsConfig = config
		c.sessionCache = config.ClientSessionCache
		return nil
	}
}

// WithUserInterface sets the collaborator asked for credentials,
// confirmations and certificate decisions. The default is AutoUI.
func WithUserInterface(ui UserInterface) Option {
	return func(c *ControlConnection) error {
		if ui == nil {
			return errors.New("nil user interface")
		}
		c.ui = ui
		return nil
	}
}

// WithConnectionLog sets where the transcript of the connection goes.
func WithConnectionLog(log ConnectionLog) Option {
	return func(c *ControlConnection) error {
		if log == nil {
			return errors.New("nil connection log")
		}
		c.log = log
		return nil
	}
}

// WithRetryPolicy sets how many times a failed connect is retried and the
// delay between the attempts. retries+1 attempts are made in total.
func WithRetryPolicy(retries int, delay time.Duration) Option {
	return func(c *ControlConnection) error {
		if retries < 0 || delay < 0 {
			return fmt.Errorf("invalid retry policy %d/%v", retries, delay)
		}
		c.retries = retries
		c.retryDelay = delay
		return nil
	}
}

// WithMetrics sets the collector of connection statistics.
func WithMetrics(m Metrics) Option {
	return func(c *ControlConnection) error {
		if m == nil {
			return errors.New("nil metrics")
		}
		c.metrics = m
		return nil
	}
}

// WithCompressionLevel sets the zlib level of MODE Z uploads.
func WithCompressionLevel(level int) Option {
	return func(c *ControlConnection) error {
		if level < zlib.HuffmanOnly || level > zlib.BestCompression {
			return fmt.Errorf("invalid compression level %d", level)
		}
		c.compressionLevel = level
		return nil
	}
}

// WithBandwidthLimit shares limiter by all data connections of the
// connection. A nil limiter does not throttle.
func WithBandwidthLimit(limiter *ratelimit.Limiter) Option {
	return func(c *ControlConnection) error {
		c.limiter = limiter
		return nil
	}
}

// WithShowWelcomeMessage controls whether the greeting and the login
// replies are passed to UserInterface.ShowWelcome after a first connect.
func WithShowWelcomeMessage(show bool) Option {
	return func(c *ControlConnection) error {
		c.showWelcome = show
		return nil
	}
}

// WithPasswordManager sets the decrypter of stored proxy passwords.
func WithPasswordManager(p PasswordDecrypter) Option {
	return func(c *ControlConnection) error {
		c.passwords = p
		return nil
	}
}
