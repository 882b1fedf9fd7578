// Package proxyscript interprets login scripts used to traverse FTP proxies.
//
// A script starts with a "Connect to: host[:port]" line naming the server
// the control connection is opened to. Every following line is one FTP
// command sent in order. A line prefixed with "3xx:" is sent only when the
// reply to the previous command was a 3xx reply (for example PASS after
// "331 Password required"). Commands may also be separated with ';'; a
// doubled ";;" stands for a literal semicolon.
//
// Variables are written as $(Name) (case-insensitive) or %name%:
//
//	$(ProxyHost) $(ProxyPort) $(ProxyUser) $(ProxyPassword)
//	$(Host) $(Port) $(User) $(Password) $(Account)
//
// "$$" is a literal dollar sign. A line using $(ProxyUser) is skipped when
// no proxy user is configured. Other missing values are reported through
// the Need* flags of Params so the caller can ask the user and call
// Process again with the same exec point.
package proxyscript

import (
	"fmt"
	"strconv"
	"strings"
)

// HiddenText replaces secret values in the log form of a command.
const HiddenText = "hidden"

// Params holds the values substituted into a script.
type Params struct {
	ProxyHost     string
	ProxyPort     int
	ProxyUser     string
	ProxyPassword []byte
	Host          string
	Port          int
	User          string
	Password      []byte
	Account       string

	NeedProxyHost     bool
	NeedProxyPassword bool
	NeedUser          bool
	NeedPassword      bool
	NeedAccount       bool

	// AllowEmptyPassword lets $(Password) expand to an empty password once.
	AllowEmptyPassword bool
}

// NeedUserInput reports whether any Need* flag is set.
func (p *Params) NeedUserInput() bool {
	return p.NeedProxyHost || p.NeedProxyPassword || p.NeedUser || p.NeedPassword || p.NeedAccount
}

// Zero overwrites the passwords held by p.
func (p *Params) Zero() {
	clear(p.Password)
	clear(p.ProxyPassword)
}

func (p *Params) resetNeeds() {
	p.NeedProxyHost = false
	p.NeedProxyPassword = false
	p.NeedUser = false
	p.NeedPassword = false
	p.NeedAccount = false
}

// Result is the outcome of one Process step.
type Result struct {
	// Host and Port are set by the first step (the "Connect to:" line).
	Host string
	Port int
	// SendCmd is the next command including CRLF; empty when the script
	// is finished or user input is needed.
	SendCmd string
	// LogCmd is SendCmd with secrets replaced by "(hidden)".
	LogCmd string
	// ProxyHostNeeded reports that the host line uses $(ProxyHost).
	ProxyHostNeeded bool
}

// ScriptError describes a malformed script.
type ScriptError struct {
	Line int // 1-based
	Pos  int // byte offset into the script
	Msg  string
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("proxy script: line %d: %s", e.Line, e.Msg)
}

const (
	msgInvalidStart   = `script must start with "Connect to:"`
	msgHostEmpty      = "host is missing"
	msgInvalidHost    = "invalid host or port"
	msgInvalidPort    = "invalid port"
	msgPortRange      = "port must be a number between 1 and 65535"
	msgHostVarsOnly   = "only $(Host) and $(ProxyHost) may be used in the host"
	msgUnknownVar     = "unknown variable"
	msgFirstLine3xx   = `"3xx:" cannot be used on the first command`
	msgNoCommands     = "script contains no commands"
	defaultServerPort = 21
)

type variable int

const (
	varProxyHost variable = iota
	varProxyPort
	varProxyUser
	varProxyPassword
	varHost
	varPort
	varUser
	varPassword
	varAccount
	numVariables
)

var variableNames = [numVariables]string{
	"ProxyHost", "ProxyPort", "ProxyUser", "ProxyPassword",
	"Host", "Port", "User", "Password", "Account",
}

func newScriptError(script string, pos int, msg string) *ScriptError {
	if pos > len(script) {
		pos = len(script)
	}
	return &ScriptError{Line: strings.Count(script[:pos], "\n") + 1, Pos: pos, Msg: msg}
}

func isBlank(c byte) bool { return c <= ' ' }

func isEOL(c byte) bool { return c == '\r' || c == '\n' }

// endsCommand reports whether script[i] terminates a command line. A ';'
// ends the command unless it is doubled.
func endsCommand(script string, i int) bool {
	c := script[i]
	if isEOL(c) {
		return true
	}
	return c == ';' && (i+1 >= len(script) || script[i+1] != ';')
}

// skipEOL moves past one line terminator at i.
func skipEOL(script string, i int) int {
	if i < len(script) && script[i] == ';' {
		return i + 1
	}
	if i < len(script) && script[i] == '\r' {
		i++
	}
	if i < len(script) && script[i] == '\n' {
		i++
	}
	return i
}

// skipInlineBlanks skips white space up to the end of the line.
func skipInlineBlanks(script string, i int) int {
	for i < len(script) && isBlank(script[i]) && !isEOL(script[i]) {
		i++
	}
	return i
}

func hasPrefixFold(s string, i int, prefix string) bool {
	return len(s)-i >= len(prefix) && strings.EqualFold(s[i:i+len(prefix)], prefix)
}

// expander builds the send and log forms of a script fragment.
type expander struct {
	params    *Params
	hostOnly  bool
	send, log strings.Builder

	skipLine        bool
	need            [numVariables]bool
	proxyHostNeeded bool
}

// lookup matches a variable name at script[i:] terminated by closer and
// returns the variable and the index just past the closer.
func lookup(script string, i, end int, closer byte) (variable, int, bool) {
	for v := variable(0); v < numVariables; v++ {
		name := variableNames[v]
		j := i + len(name)
		if j < end && script[j] == closer && strings.EqualFold(script[i:j], name) {
			return v, j + 1, true
		}
	}
	return 0, i, false
}

func (e *expander) substitute(v variable) {
	if v == varProxyHost {
		e.proxyHostNeeded = true
	}
	if e.params == nil {
		return
	}
	p := e.params
	var value string
	hidden := false
	switch v {
	case varProxyHost:
		if p.ProxyHost == "" {
			e.need[v] = true
		}
		value = p.ProxyHost
	case varProxyPort:
		value = strconv.Itoa(p.ProxyPort)
	case varProxyUser:
		if p.ProxyUser == "" {
			e.skipLine = true
		}
		value = p.ProxyUser
	case varProxyPassword:
		if len(p.ProxyPassword) == 0 {
			e.need[v] = true
		}
		e.secret(p.ProxyPassword)
		return
	case varHost:
		value = p.Host
	case varPort:
		value = strconv.Itoa(p.Port)
	case varUser:
		if p.User == "" {
			e.need[v] = true
		}
		value = p.User
	case varPassword:
		if len(p.Password) > 0 || p.AllowEmptyPassword {
			p.AllowEmptyPassword = false
		} else {
			e.need[v] = true
		}
		e.secret(p.Password)
		return
	case varAccount:
		hidden = true
		if p.Account == "" {
			e.need[v] = true
		}
		value = p.Account
	}
	e.send.WriteString(value)
	if hidden {
		e.log.WriteString("(" + HiddenText + ")")
	} else {
		e.log.WriteString(value)
	}
}

func (e *expander) secret(b []byte) {
	e.send.Write(b)
	e.log.WriteString("(" + HiddenText + ")")
}

func (e *expander) literal(c byte) {
	e.send.WriteByte(c)
	e.log.WriteByte(c)
}

// expand processes script[beg:end]. It returns the position of an error and
// a message, or -1.
func (e *expander) expand(script string, beg, end int) (int, string) {
	for i := beg; i < end; {
		c := script[i]
		switch {
		case c == '$' && i+1 < end && script[i+1] == '$':
			e.literal('$')
			i += 2
		case c == '$' && i+1 < end && script[i+1] == '(':
			v, next, ok := lookup(script, i+2, end, ')')
			if !ok {
				return i + 2, msgUnknownVar
			}
			if e.hostOnly && v != varProxyHost && v != varHost {
				return i + 2, msgHostVarsOnly
			}
			e.substitute(v)
			i = next
		case c == '%':
			v, next, ok := lookup(script, i+1, end, '%')
			if !ok {
				e.literal(c)
				i++
				continue
			}
			if e.hostOnly && v != varProxyHost && v != varHost {
				return i + 1, msgHostVarsOnly
			}
			e.substitute(v)
			i = next
		case c == ';' && i+1 < end && script[i+1] == ';':
			e.literal(';')
			i += 2
		default:
			e.literal(c)
			i++
		}
	}
	return -1, ""
}

// applyNeeds copies missing values into the Need* flags and reports whether
// any value is missing.
func (e *expander) applyNeeds() bool {
	if e.params == nil || e.skipLine {
		return false
	}
	p := e.params
	p.NeedProxyHost = p.NeedProxyHost || e.need[varProxyHost]
	p.NeedProxyPassword = p.NeedProxyPassword || e.need[varProxyPassword]
	p.NeedUser = p.NeedUser || e.need[varUser]
	p.NeedPassword = p.NeedPassword || e.need[varPassword]
	p.NeedAccount = p.NeedAccount || e.need[varAccount]
	return p.NeedUserInput()
}

// Process runs one step of script starting at *execPoint (0 is the start
// of the script). The first step parses the "Connect to:" line and returns
// the host and port. Each later step returns the next command to send,
// taking lastReply (the code of the reply to the previous command, or -1)
// into account for "3xx:" lines. An empty SendCmd with no Need* flag set
// means the script is finished.
//
// *execPoint is advanced past the processed part unless user input is
// needed, in which case the caller fills the missing values in params and
// calls Process again. A nil params validates the whole script.
func Process(script string, execPoint *int, lastReply int, params *Params) (Result, error) {
	res := Result{Port: defaultServerPort}
	if params != nil {
		params.resetNeeds()
	}
	validate := params == nil

	s := *execPoint
	if s < 0 || s > len(script) {
		s = 0
	}
	processNextLine := s > 0
	var perr *ScriptError

	if s == 0 {
		s, processNextLine, perr = parseConnectLine(script, params, &res)
		if perr == nil && !validate {
			processNextLine = false
		}
	}

	firstCommand := validate
	noCommands := processNextLine && validate
	for perr == nil && processNextLine && s < len(script) {
		processNextLine = false
		for s < len(script) && (isBlank(script[s]) || (script[s] == ';' && (s+1 >= len(script) || script[s+1] != ';'))) {
			s++
		}
		only3xx := hasPrefixFold(script, s, "3xx:")
		if only3xx {
			if firstCommand {
				perr = newScriptError(script, s, msgFirstLine3xx)
				break
			}
			s = skipInlineBlanks(script, s+4)
		}
		firstCommand = false

		lineBeg := s
		for s < len(script) && !endsCommand(script, s) {
			if script[s] == ';' {
				s++ // ";;"
			}
			s++
		}

		if s > lineBeg && (validate || !only3xx || (lastReply != -1 && lastReply/100 == 3)) {
			e := expander{params: params}
			if pos, msg := e.expand(script, lineBeg, s); pos >= 0 {
				perr = newScriptError(script, pos, msg)
				break
			}
			needInput := e.applyNeeds()
			switch {
			case e.skipLine:
				lastReply = -1
				processNextLine = true
			case needInput:
			default:
				s = skipEOL(script, s)
				if !validate {
					res.SendCmd = e.send.String() + "\r\n"
					res.LogCmd = e.log.String() + "\r\n"
				}
			}
			if validate {
				processNextLine = true
			}
			noCommands = false
		} else {
			if s > lineBeg {
				lastReply = -1
			}
			processNextLine = true
		}
	}

	if perr == nil && noCommands {
		perr = newScriptError(script, s, msgNoCommands)
	}
	if perr != nil || params == nil || !params.NeedUserInput() {
		*execPoint = s
	}
	if perr != nil {
		return Result{Port: defaultServerPort}, perr
	}
	if params != nil && params.NeedUserInput() {
		res.SendCmd, res.LogCmd = "", ""
	}
	return res, nil
}

// parseConnectLine parses the "Connect to: host[:port]" header and returns
// the position after it.
func parseConnectLine(script string, params *Params, res *Result) (int, bool, *ScriptError) {
	s := 0
	for s < len(script) && isBlank(script[s]) {
		s++
	}
	if !hasPrefixFold(script, s, "Connect to:") {
		return s, false, newScriptError(script, s, msgInvalidStart)
	}
	s = skipInlineBlanks(script, s+len("Connect to:"))
	host := s
	for s < len(script) && !isBlank(script[s]) && script[s] != ':' && script[s] != ';' {
		s++
	}
	if s == host {
		return s, false, newScriptError(script, s, msgHostEmpty)
	}
	hostEnd := s
	portStr, portEnd := -1, -1
	if s < len(script) && script[s] == ':' {
		s = skipInlineBlanks(script, s+1)
		portStr = s
		for s < len(script) && !isBlank(script[s]) && script[s] != ';' {
			s++
		}
		if s > portStr {
			portEnd = s
		} else {
			portStr = -1
		}
	}
	s = skipInlineBlanks(script, s)
	if s < len(script) && !isEOL(script[s]) && script[s] != ';' {
		return s, false, newScriptError(script, s, msgInvalidHost)
	}

	if portStr >= 0 {
		port := script[portStr:portEnd]
		switch {
		case strings.EqualFold(port, "$(ProxyPort)") || strings.EqualFold(port, "%ProxyPort%"):
			if params != nil {
				res.Port = params.ProxyPort
			}
		case strings.EqualFold(port, "$(Port)") || strings.EqualFold(port, "%Port%"):
			if params != nil {
				res.Port = params.Port
			}
		default:
			n := 0
			i := portStr
			for i < portEnd && script[i] >= '0' && script[i] <= '9' {
				if n <= 65535 {
					n = 10*n + int(script[i]-'0')
				}
				i++
			}
			if i != portEnd {
				return i, false, newScriptError(script, i, msgInvalidPort)
			}
			if n < 1 || n > 65535 {
				return portStr, false, newScriptError(script, portStr, msgPortRange)
			}
			res.Port = n
		}
	}

	e := expander{params: params, hostOnly: true}
	if pos, msg := e.expand(script, host, hostEnd); pos >= 0 {
		return pos, false, newScriptError(script, pos, msg)
	}
	e.applyNeeds()
	res.Host = e.send.String()
	res.ProxyHostNeeded = e.proxyHostNeeded
	return skipEOL(script, s), true, nil
}

// Validate checks the syntax of script without substituting any values.
// It reports whether the script connects through $(ProxyHost).
func Validate(script string) (proxyHostNeeded bool, err error) {
	exec := 0
	res, err := Process(script, &exec, -1, nil)
	return res.ProxyHostNeeded, err
}
