package ftp

import (
	"strings"
)

// maxRawReplyLine bounds the line returned for a reply that does not follow
// the "NNN text" syntax. A peer sending longer lines is almost certainly not
// an FTP server.
const maxRawReplyLine = 1000

// Response represents an FTP server response.
type Response struct {
	// Code is the three-digit response code (e.g., 220, 550), or -1 when
	// the server sent a line that is not an FTP reply.
	Code int

	// Message is the human-readable message from the server
	Message string

	// Lines contains all lines of the response (for multi-line responses)
	Lines []string
}

// Is2xx returns true if the response code is in the 2xx range (success).
func (r *Response) Is2xx() bool {
	return r.Code >= 200 && r.Code < 300
}

// Is3xx returns true if the response code is in the 3xx range (intermediate).
func (r *Response) Is3xx() bool {
	return r.Code >= 300 && r.Code < 400
}

// Is4xx returns true if the response code is in the 4xx range (temporary failure).
func (r *Response) Is4xx() bool {
	return r.Code >= 400 && r.Code < 500
}

// Is5xx returns true if the response code is in the 5xx range (permanent failure).
func (r *Response) Is5xx() bool {
	return r.Code >= 500 && r.Code < 600
}

// String returns the full response as a string.
func (r *Response) String() string {
	return strings.Join(r.Lines, "\n")
}

func replyClass(code int) int {
	if code < 100 || code > 999 {
		return 0
	}
	return code / 100
}

// lineEnd returns the index just past the line terminator that starts the
// search at i (CRLF or a bare LF), or -1 when buf holds no terminator.
func lineEnd(buf []byte, i int) int {
	for ; i < len(buf); i++ {
		if buf[i] == '\r' && i+1 < len(buf) && buf[i+1] == '\n' {
			return i + 2
		}
		if buf[i] == '\n' {
			return i + 1
		}
	}
	return -1
}

// ReadReply extracts the first complete reply from buf[off:].
//
// Single-line format: "220 Welcome\r\n"
// Multi-line format:
//
//	"220-Welcome to FTP\r\n"
//	"220-This is line 2\r\n"
//	"220 Ready\r\n"
//
// A multi-line reply is closed only by a line starting with the same code
// followed by a space. Lines may end with CRLF or a bare LF.
//
// Data that does not start with "NNN " or "NNN-" is returned as a raw line
// (at most 1000 bytes) with code -1 so the caller can still show it.
// ok is false while the buffered data holds only part of a reply; nothing
// is consumed in that case and the call may be repeated once more data
// arrived.
func ReadReply(buf []byte, off int) (reply []byte, code int, ok bool) {
	if off < 0 || off >= len(buf) {
		return nil, 0, false
	}
	data := buf[off:]
	s := 0

	for i := 0; s < len(data) && i < 3; i++ {
		c := data[s]
		if c < '0' || c > '9' {
			code = -1
			break
		}
		code = 10*code + int(c-'0')
		s++
	}

	if code != -1 && s < len(data) {
		if data[s] == '-' {
			s++
			for s < len(data) {
				next := lineEnd(data, s)
				if next < 0 {
					s = len(data)
					break
				}
				s = next
				lineCode, j := 0, 0
				for ; s < len(data) && j < 3; j++ {
					c := data[s]
					if c < '0' || c > '9' {
						break
					}
					lineCode = 10*lineCode + int(c-'0')
					s++
				}
				if j == 3 && lineCode == code && s < len(data) && data[s] == ' ' {
					break
				}
			}
		}

		if s < len(data) && data[s] == ' ' {
			if end := lineEnd(data, s+1); end >= 0 {
				return data[:end], code, true
			}
			return nil, 0, false
		}
	}

	// Unexpected syntax: hand back the rest of the current line.
	if s >= len(data) {
		return nil, 0, false
	}
	n := 0
	for s < len(data) {
		if data[s] == '\r' && s+1 < len(data) && data[s+1] == '\n' {
			s++
			break
		}
		if data[s] == '\n' {
			break
		}
		n++
		if n >= maxRawReplyLine {
			break
		}
		s++
	}
	if s >= len(data) {
		return nil, 0, false
	}
	return data[:s+1], -1, true
}

// ParseResponse converts a raw reply returned by ReadReply into a Response.
func ParseResponse(reply []byte, code int) *Response {
	text := strings.TrimRight(string(reply), "\r\n")
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	resp := &Response{Code: code, Lines: lines}
	if code == -1 {
		resp.Message = text
		return resp
	}

	msg := make([]string, 0, len(lines))
	for _, l := range lines {
		if len(l) >= 4 && isDigits(l[:3]) && (l[3] == ' ' || l[3] == '-') {
			msg = append(msg, l[4:])
		} else {
			// RFC 2389 style continuation line
			msg = append(msg, strings.TrimLeft(l, " "))
		}
	}
	resp.Message = strings.Join(msg, "\n")
	return resp
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// DirectoryFromReply extracts the path from a 257 reply.
//
// Besides the RFC 959 form `257 "/dir" is current`, it accepts the VxWorks
// form `257 Current directory is "mars:"` and the AIX form that quotes the
// path with apostrophes (`257 '/a"d' ist das aktuelle Verzeichnis.`).
// Doubled quotes inside a quoted path stand for one quote.
func DirectoryFromReply(reply string) (string, bool) {
	reply = strings.TrimRight(reply, "\r\n")
	if len(reply) < 4 {
		return "", false
	}
	s := reply[4:]

	i := strings.IndexAny(s, "\"'")
	if i < 0 {
		return "", false
	}
	if s[i] == '\'' {
		rest := s[i+1:]
		if last := strings.LastIndexByte(rest, '\''); last >= 0 && !strings.Contains(rest[last:], "\"") {
			return rest[:last], true
		}
		j := strings.IndexByte(rest, '"')
		if j < 0 {
			return "", false
		}
		i += 1 + j
	}

	var b strings.Builder
	for k := i + 1; k < len(s); k++ {
		if s[k] == '"' {
			if k+1 < len(s) && s[k+1] == '"' {
				b.WriteByte('"')
				k++
				continue
			}
			return b.String(), true
		}
		b.WriteByte(s[k])
	}
	return "", false
}
