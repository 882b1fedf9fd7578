package ftp

import (
	"context"
	"io"
	"sync"
	"time"
)

// keepAlive is the goroutine sending commands on an idle connection.
type keepAlive struct {
	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// startKeepAlive starts sending the keep-alive command of the connection
// parameters whenever the connection has been idle for SendEvery. It gives
// up once the user has not sent a command for StopAfter.
func (c *ControlConnection) startKeepAlive() {
	c.mu.Lock()
	policy := c.params.KeepAlive
	c.mu.Unlock()
	if policy.Mode == KeepAliveOff || policy.SendEvery <= 0 {
		return
	}

	c.releaseKeepAlive()
	stop, done := make(chan struct{}), make(chan struct{})
	c.ka.mu.Lock()
	c.ka.stop, c.ka.done = stop, done
	c.ka.mu.Unlock()

	// Tick at half the period so an idle connection waits at most 1.5x.
	ticker := time.NewTicker(max(policy.SendEvery/2, 10*time.Millisecond))
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}

			c.mu.Lock()
			last, lastUser := c.lastCommand, c.lastUserCommand
			c.mu.Unlock()
			if policy.StopAfter > 0 && time.Since(lastUser) >= policy.StopAfter {
				c.logger.Debug("keep-alive period is over", "idle", time.Since(lastUser).Round(time.Second))
				return
			}
			if time.Since(last) < policy.SendEvery {
				continue
			}
			if !c.cmdMu.TryLock() {
				continue
			}
			c.logger.Debug("sending keep-alive", "mode", policy.Mode)
			err := c.sendKeepAlive(policy.Mode)
			c.cmdMu.Unlock()
			if err != nil {
				c.logger.Debug("keep-alive failed", "error", err)
				return
			}
		}
	}()
}

// releaseKeepAlive stops the keep-alive goroutine and waits for it.
func (c *ControlConnection) releaseKeepAlive() {
	c.ka.mu.Lock()
	stop, done := c.ka.stop, c.ka.done
	c.ka.stop, c.ka.done = nil, nil
	c.ka.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (c *ControlConnection) sendKeepAlive(mode KeepAliveMode) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*c.replyTimeout())
	defer cancel()
	switch mode {
	case KeepAliveNLST:
		return c.listTo(ctx, "NLST", io.Discard)
	case KeepAliveLIST:
		return c.listTo(ctx, "LIST", io.Discard)
	case KeepAlivePWD:
		_, err := c.exchange(ctx, "PWD", waitOpts{})
		return err
	default:
		_, err := c.expect2xx(ctx, "NOOP")
		return err
	}
}
