// Package connlog keeps the per-connection transcripts shown to the user:
// commands sent (with secrets masked by the caller), server replies and
// error messages. Every line is also written to a structured zerolog
// stream, optionally rotated on disk.
package connlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultMaxLines bounds the transcript kept in memory for one log.
const DefaultMaxLines = 5000

// Line is one entry of a transcript.
type Line struct {
	Time    time.Time
	Text    string
	IsError bool
}

// Log is the transcript of one control connection.
type Log struct {
	UID     int
	Session uuid.UUID
	Created time.Time

	mu        sync.Mutex
	host      string
	port      int
	user      string
	connected bool
	lines     []Line
}

// Title returns "user@host:port" of the connection.
func (l *Log) Title() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.user == "" {
		return fmt.Sprintf("%s:%d", l.host, l.port)
	}
	return fmt.Sprintf("%s@%s:%d", l.user, l.host, l.port)
}

// Logs is the registry of connection logs. It is safe for concurrent use.
type Logs struct {
	logs     *xsync.Map[int, *Log]
	lastUID  atomic.Int64
	maxLines int
	zlog     zerolog.Logger
	closer   io.Closer
}

// New returns a registry that mirrors log lines to w. A nil w discards them.
func New(w io.Writer) *Logs {
	if w == nil {
		w = io.Discard
	}
	zlogger := zerolog.New(zerolog.NewConsoleWriter(func(cw *zerolog.ConsoleWriter) {
		cw.Out = w
		cw.NoColor = true
		cw.TimeFormat = time.RFC3339
	})).With().
		Timestamp().
		Logger()

	return &Logs{
		logs:     xsync.NewMap[int, *Log](),
		maxLines: DefaultMaxLines,
		zlog:     zlogger,
	}
}

// NewFile returns a registry that mirrors log lines to a size-rotated file.
func NewFile(path string, maxSizeMB int) (*Logs, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB, // MB
		MaxBackups: 5,
		MaxAge:     30,   // days
		Compress:   true, // gzip
	}
	l := New(rotator)
	l.closer = rotator
	return l, nil
}

// SetMaxLines changes how many lines a transcript keeps; older lines are
// dropped first. n <= 0 keeps everything.
func (ls *Logs) SetMaxLines(n int) {
	ls.maxLines = n
}

// CreateLog registers a new transcript and returns its UID.
func (ls *Logs) CreateLog(host string, port int, user string) int {
	uid := int(ls.lastUID.Add(1))
	l := &Log{
		UID:     uid,
		Session: uuid.New(),
		Created: time.Now(),
		host:    host,
		port:    port,
		user:    user,
	}
	ls.logs.Store(uid, l)
	ls.zlog.Info().
		Int("log", uid).
		Str("session", l.Session.String()).
		Str("host", host).
		Int("port", port).
		Str("user", user).
		Msg("log created")
	return uid
}

// Get returns the transcript with the given UID.
func (ls *Logs) Get(uid int) (*Log, bool) {
	return ls.logs.Load(uid)
}

// LogMessage appends text to the transcript uid. Unknown UIDs are ignored
// (the log may have been closed by the user meanwhile).
func (ls *Logs) LogMessage(uid int, text string, isError bool) {
	l, ok := ls.logs.Load(uid)
	if !ok {
		return
	}
	text = strings.TrimRight(text, "\r\n")

	l.mu.Lock()
	l.lines = append(l.lines, Line{Time: time.Now(), Text: text, IsError: isError})
	if ls.maxLines > 0 && len(l.lines) > ls.maxLines {
		l.lines = append(l.lines[:0], l.lines[len(l.lines)-ls.maxLines:]...)
	}
	l.mu.Unlock()

	ev := ls.zlog.Info()
	if isError {
		ev = ls.zlog.Error()
	}
	ev.Int("log", uid).Msg(text)
}

// SetIsConnected records whether the connection behind uid is open.
func (ls *Logs) SetIsConnected(uid int, connected bool) {
	l, ok := ls.logs.Load(uid)
	if !ok {
		return
	}
	l.mu.Lock()
	changed := l.connected != connected
	l.connected = connected
	l.mu.Unlock()
	if changed {
		ls.zlog.Debug().Int("log", uid).Bool("connected", connected).Msg("connection state")
	}
}

// IsConnected reports the last state set by SetIsConnected.
func (ls *Logs) IsConnected(uid int) bool {
	l, ok := ls.logs.Load(uid)
	if !ok {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// ChangeUser updates the user name shown in the title of uid.
func (ls *Logs) ChangeUser(uid int, user string) {
	if l, ok := ls.logs.Load(uid); ok {
		l.mu.Lock()
		l.user = user
		l.mu.Unlock()
	}
}

// Lines returns a copy of the transcript uid.
func (ls *Logs) Lines(uid int) []Line {
	l, ok := ls.logs.Load(uid)
	if !ok {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Line(nil), l.lines...)
}

// Text returns the transcript uid, one line per entry.
func (ls *Logs) Text(uid int) string {
	lines := ls.Lines(uid)
	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

// Count returns the number of open transcripts.
func (ls *Logs) Count() int {
	return ls.logs.Size()
}

// UIDs returns the UIDs of all transcripts in creation order.
func (ls *Logs) UIDs() []int {
	var uids []int
	ls.logs.Range(func(uid int, _ *Log) bool {
		uids = append(uids, uid)
		return true
	})
	sortInts(uids)
	return uids
}

func sortInts(a []int) {
	for i := 1; i < len(a); i++ {
		for j := i; j > 0 && a[j] < a[j-1]; j-- {
			a[j], a[j-1] = a[j-1], a[j]
		}
	}
}

// Close drops the transcript uid.
func (ls *Logs) Close(uid int) {
	if l, ok := ls.logs.LoadAndDelete(uid); ok {
		ls.zlog.Info().Int("log", uid).Str("session", l.Session.String()).Msg("log closed")
	}
}

// Shutdown closes the rotated log file, if any.
func (ls *Logs) Shutdown() error {
	if ls.closer != nil {
		return ls.closer.Close()
	}
	return nil
}
