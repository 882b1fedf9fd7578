package main

import (
	"fmt"

	ftp "github.com/OpenSalamander/salamander-sub033"
	"github.com/OpenSalamander/salamander-sub033/internal/config"
	"github.com/OpenSalamander/salamander-sub033/internal/passwords"
)

// connectionParameters builds the parameters of bookmark b. Stored
// passwords stay encrypted except the server password which is needed in
// plain text by the login script.
func connectionParameters(cfg *config.Config, b *config.Bookmark, pm *passwords.Manager) (*ftp.ConnectionParameters, error) {
	mode, err := ftp.ParseKeepAliveMode(cfg.KeepAlive.Mode)
	if err != nil {
		return nil, err
	}
	p := &ftp.ConnectionParameters{
		Host:         b.Host,
		Port:         b.Port,
		User:         b.User,
		Account:      b.Account,
		Passive:      b.Passive,
		InitCommands: b.InitCommands,
		KeepAlive: ftp.KeepAlivePolicy{
			Mode:      mode,
			SendEvery: cfg.KeepAlive.SendEvery.Duration,
			StopAfter: cfg.KeepAlive.StopAfter.Duration,
		},
		EncryptControl: b.EncryptControl,
		EncryptData:    b.EncryptData,
		Compress:       b.Compress,
	}

	blob, err := b.EncryptedPassword()
	if err != nil {
		return nil, err
	}
	if len(blob) > 0 {
		if pm == nil {
			return nil, fmt.Errorf("bookmark %q has a stored password but no password key file is configured", b.Name)
		}
		if p.Password, err = pm.Decrypt(blob); err != nil {
			return nil, fmt.Errorf("bookmark %q: %w", b.Name, err)
		}
	}

	if b.ProxyID != 0 {
		cp, ok := cfg.Proxy(b.ProxyID)
		if !ok {
			return nil, fmt.Errorf("bookmark %q: unknown proxy %d", b.Name, b.ProxyID)
		}
		typ, err := cp.ProxyType()
		if err != nil {
			return nil, err
		}
		enc, err := cp.EncryptedPassword()
		if err != nil {
			return nil, err
		}
		p.Proxy = &ftp.ProxyServer{
			ID:                cp.ID,
			Name:              cp.Name,
			Type:              typ,
			Host:              cp.Host,
			Port:              cp.Port,
			User:              cp.User,
			EncryptedPassword: enc,
			Script:            cp.Script,
		}
	}
	return p, nil
}

// options returns the connection options following cfg.
func options(cfg *config.Config) []ftp.Option {
	return []ftp.Option{
		ftp.WithTimeout(cfg.ServerRepliesTimeout.Duration),
		ftp.WithRetryPolicy(cfg.ConnectRetries, cfg.DelayBetweenRetries.Duration),
		ftp.WithShowWelcomeMessage(cfg.ShowWelcomeMessage),
	}
}
