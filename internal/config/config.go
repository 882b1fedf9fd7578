// Package config loads and saves the persisted settings of the FTP client:
// timeouts and retries, resume and keep-alive settings, conflict policies of
// transfers, proxy servers and bookmarks.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gofrs/flock"
	"github.com/hashicorp/go-multierror"

	"github.com/OpenSalamander/salamander-sub033/internal/diskthread"
	"github.com/OpenSalamander/salamander-sub033/internal/proxyscript"
)

// Duration is a time.Duration written as "30s" in the file.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type Config struct {
	ServerRepliesTimeout Duration `toml:"server_replies_timeout"`
	ConnectRetries       int      `toml:"connect_retries"`
	DelayBetweenRetries  Duration `toml:"delay_between_retries"`
	ShowWelcomeMessage   bool     `toml:"show_welcome_message"`

	// ResumeOverlap is the tail of a partial file verified before resuming.
	ResumeOverlap int64 `toml:"resume_overlap"`
	// Files smaller than ResumeMinFileSize are transferred again instead of
	// being resumed.
	ResumeMinFileSize int64 `toml:"resume_min_file_size"`

	// BandwidthLimit in bytes per second, 0 is unlimited.
	BandwidthLimit int64 `toml:"bandwidth_limit"`

	// MaxWorkers is the number of connections downloading at once.
	MaxWorkers int `toml:"max_workers"`

	KeepAlive KeepAlive `toml:"keep_alive"`
	Conflicts Conflicts `toml:"conflicts"`
	Log       Log       `toml:"log"`
	Metrics   Metrics   `toml:"metrics"`

	// PasswordKeyFile holds the key the stored passwords are encrypted with.
	PasswordKeyFile string `toml:"password_key_file"`

	Proxies   []Proxy    `toml:"proxy"`
	Bookmarks []Bookmark `toml:"bookmark"`
}

type KeepAlive struct {
	// Mode is one of off, noop, pwd, nlst, list.
	Mode      string   `toml:"mode"`
	SendEvery Duration `toml:"send_every"`
	StopAfter Duration `toml:"stop_after"`
}

// Conflicts holds the policies applied when a download target cannot be
// created or already exists.
type Conflicts struct {
	CannotCreateFile   string `toml:"cannot_create_file"`
	FileExists         string `toml:"file_exists"`
	CannotCreateDir    string `toml:"cannot_create_dir"`
	DirExists          string `toml:"dir_exists"`
	RetryOnCreatedFile string `toml:"retry_on_created_file"`
	RetryOnResumedFile string `toml:"retry_on_resumed_file"`
}

type Log struct {
	File      string `toml:"file"`
	MaxSizeMB int    `toml:"max_size_mb"`
	MaxLines  int    `toml:"max_lines"`
}

type Metrics struct {
	// Listen is the address of the Prometheus endpoint, empty disables it.
	Listen string `toml:"listen"`
}

// Proxy is a configured proxy server or firewall.
type Proxy struct {
	ID   int    `toml:"id"`
	Name string `toml:"name"`
	Type string `toml:"type"`
	Host string `toml:"host"`
	Port int    `toml:"port"`
	User string `toml:"user"`
	// Password is the encrypted password blob in base64.
	Password string `toml:"password,omitempty"`
	Script   string `toml:"script,omitempty"`
}

// ProxyType parses Type.
func (p *Proxy) ProxyType() (proxyscript.ProxyType, error) {
	return proxyscript.ParseProxyType(p.Type)
}

// EncryptedPassword decodes Password.
func (p *Proxy) EncryptedPassword() ([]byte, error) {
	return decodeBlob(p.Password)
}

// Bookmark is a saved server.
type Bookmark struct {
	Name         string `toml:"name"`
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	User         string `toml:"user"`
	Password     string `toml:"password,omitempty"`
	Account      string `toml:"account,omitempty"`
	InitCommands string `toml:"init_commands,omitempty"`
	Passive      bool   `toml:"passive"`

	EncryptControl bool `toml:"encrypt_control"`
	EncryptData    bool `toml:"encrypt_data"`
	Compress       bool `toml:"compress"`

	// ProxyID refers to Proxy.ID, 0 connects directly.
	ProxyID int `toml:"proxy_id"`
}

// EncryptedPassword decodes Password.
func (b *Bookmark) EncryptedPassword() ([]byte, error) {
	return decodeBlob(b.Password)
}

func decodeBlob(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	blob, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode password: %w", err)
	}
	return blob, nil
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		ServerRepliesTimeout: Duration{30 * time.Second},
		ConnectRetries:       20,
		DelayBetweenRetries:  Duration{20 * time.Second},
		ShowWelcomeMessage:   true,
		ResumeOverlap:        8 * 1024,
		ResumeMinFileSize:    32 * 1024,
		MaxWorkers:           2,
		KeepAlive: KeepAlive{
			Mode:      "noop",
			SendEvery: Duration{90 * time.Second},
			StopAfter: Duration{30 * time.Minute},
		},
		Conflicts: Conflicts{
			CannotCreateFile:   "prompt",
			FileExists:         "prompt",
			CannotCreateDir:    "prompt",
			DirExists:          "join",
			RetryOnCreatedFile: "overwrite",
			RetryOnResumedFile: "resume",
		},
		Log: Log{MaxSizeMB: 10, MaxLines: 5000},
	}
}

// Load reads the configuration at path. A missing file is created with the
// defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	lock := flock.New(lockPath(path))
	if err := lock.RLock(); err != nil {
		return nil, fmt.Errorf("lock config: %w", err)
	}
	defer lock.Unlock()

	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path under an exclusive file lock. The file is replaced
// atomically.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	lock := flock.New(lockPath(path))
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock config: %w", err)
	}
	defer lock.Unlock()

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := toml.NewEncoder(tmp).Encode(cfg); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func lockPath(path string) string {
	return path + ".lock"
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var result *multierror.Error
	if c.ServerRepliesTimeout.Duration < time.Second {
		result = multierror.Append(result, fmt.Errorf("server_replies_timeout must be at least 1s"))
	}
	if c.ConnectRetries < 0 {
		result = multierror.Append(result, fmt.Errorf("connect_retries must not be negative"))
	}
	if c.ResumeOverlap < 0 || c.ResumeMinFileSize < 0 || c.BandwidthLimit < 0 {
		result = multierror.Append(result, fmt.Errorf("resume and bandwidth sizes must not be negative"))
	}
	if c.MaxWorkers < 1 {
		result = multierror.Append(result, fmt.Errorf("max_workers must be at least 1"))
	}
	if _, err := c.Conflicts.policies(); err != nil {
		result = multierror.Append(result, err)
	}

	ids := make(map[int]bool)
	for i := range c.Proxies {
		p := &c.Proxies[i]
		if p.ID <= 0 || ids[p.ID] {
			result = multierror.Append(result, fmt.Errorf("proxy %q: id must be positive and unique", p.Name))
		}
		ids[p.ID] = true
		t, err := p.ProxyType()
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("proxy %q: %w", p.Name, err))
			continue
		}
		if t == proxyscript.OwnScript {
			if _, err := proxyscript.Validate(p.Script); err != nil {
				result = multierror.Append(result, fmt.Errorf("proxy %q: %w", p.Name, err))
			}
		}
		if _, err := p.EncryptedPassword(); err != nil {
			result = multierror.Append(result, fmt.Errorf("proxy %q: %w", p.Name, err))
		}
	}
	for i := range c.Bookmarks {
		b := &c.Bookmarks[i]
		if b.Host == "" {
			result = multierror.Append(result, fmt.Errorf("bookmark %q: host is empty", b.Name))
		}
		if b.ProxyID != 0 && !ids[b.ProxyID] {
			result = multierror.Append(result, fmt.Errorf("bookmark %q: unknown proxy id %d", b.Name, b.ProxyID))
		}
		if _, err := b.EncryptedPassword(); err != nil {
			result = multierror.Append(result, fmt.Errorf("bookmark %q: %w", b.Name, err))
		}
	}
	return result.ErrorOrNil()
}

// Proxy returns the proxy with the given id.
func (c *Config) Proxy(id int) (*Proxy, bool) {
	for i := range c.Proxies {
		if c.Proxies[i].ID == id {
			return &c.Proxies[i], true
		}
	}
	return nil, false
}

// Bookmark finds a bookmark by name, ignoring case.
func (c *Config) Bookmark(name string) (*Bookmark, bool) {
	for i := range c.Bookmarks {
		if strings.EqualFold(c.Bookmarks[i].Name, name) {
			return &c.Bookmarks[i], true
		}
	}
	return nil, false
}

type policies struct {
	cannotCreateFile diskthread.CannotCreate
	fileExists       diskthread.FileExists
	cannotCreateDir  diskthread.CannotCreate
	dirExists        diskthread.DirExists
	retryOnCreated   diskthread.RetryPolicy
	retryOnResumed   diskthread.RetryPolicy
}

var (
	cannotCreateNames = map[string]diskthread.CannotCreate{
		"prompt":     diskthread.CannotCreatePrompt,
		"autorename": diskthread.CannotCreateAutorename,
		"skip":       diskthread.CannotCreateSkip,
	}
	fileExistsNames = map[string]diskthread.FileExists{
		"prompt":              diskthread.FileExistsPrompt,
		"autorename":          diskthread.FileExistsAutorename,
		"resume":              diskthread.FileExistsResume,
		"resume-or-overwrite": diskthread.FileExistsResumeOrOverwrite,
		"overwrite":           diskthread.FileExistsOverwrite,
		"skip":                diskthread.FileExistsSkip,
	}
	dirExistsNames = map[string]diskthread.DirExists{
		"prompt":     diskthread.DirExistsPrompt,
		"autorename": diskthread.DirExistsAutorename,
		"join":       diskthread.DirExistsJoin,
		"skip":       diskthread.DirExistsSkip,
	}
	retryNames = map[string]diskthread.RetryPolicy{
		"prompt":              diskthread.RetryPrompt,
		"autorename":          diskthread.RetryAutorename,
		"resume":              diskthread.RetryResume,
		"resume-or-overwrite": diskthread.RetryResumeOrOverwrite,
		"overwrite":           diskthread.RetryOverwrite,
		"skip":                diskthread.RetrySkip,
	}
)

func lookup[T any](m map[string]T, key, value string) (T, error) {
	v, ok := m[strings.ToLower(value)]
	if !ok {
		return v, fmt.Errorf("conflicts.%s: unknown policy %q", key, value)
	}
	return v, nil
}

func (c Conflicts) policies() (policies, error) {
	var (
		p      policies
		err    error
		result *multierror.Error
	)
	if p.cannotCreateFile, err = lookup(cannotCreateNames, "cannot_create_file", c.CannotCreateFile); err != nil {
		result = multierror.Append(result, err)
	}
	if p.fileExists, err = lookup(fileExistsNames, "file_exists", c.FileExists); err != nil {
		result = multierror.Append(result, err)
	}
	if p.cannotCreateDir, err = lookup(cannotCreateNames, "cannot_create_dir", c.CannotCreateDir); err != nil {
		result = multierror.Append(result, err)
	}
	if p.dirExists, err = lookup(dirExistsNames, "dir_exists", c.DirExists); err != nil {
		result = multierror.Append(result, err)
	}
	if p.retryOnCreated, err = lookup(retryNames, "retry_on_created_file", c.RetryOnCreatedFile); err != nil {
		result = multierror.Append(result, err)
	}
	if p.retryOnResumed, err = lookup(retryNames, "retry_on_resumed_file", c.RetryOnResumedFile); err != nil {
		result = multierror.Append(result, err)
	}
	return p, result.ErrorOrNil()
}

// Apply copies the conflict policies and the resume overlap into w.
func (c *Config) Apply(w *diskthread.Work) error {
	p, err := c.Conflicts.policies()
	if err != nil {
		return err
	}
	w.CannotCreateFile = p.cannotCreateFile
	w.FileExists = p.fileExists
	w.CannotCreateDir = p.cannotCreateDir
	w.DirExists = p.dirExists
	w.RetryOnCreatedFile = p.retryOnCreated
	w.RetryOnResumedFile = p.retryOnResumed
	w.ResumeOverlap = c.ResumeOverlap
	return nil
}
