package ftp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadReply(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		input     string
		wantReply string
		wantCode  int
		wantOK    bool
	}{
		{
			name:      "single line",
			input:     "220 Welcome\r\n",
			wantReply: "220 Welcome\r\n",
			wantCode:  220,
			wantOK:    true,
		},
		{
			name:      "bare LF",
			input:     "331 Password required\n230 tail",
			wantReply: "331 Password required\n",
			wantCode:  331,
			wantOK:    true,
		},
		{
			name:      "multi-line",
			input:     "150-listing\r\n150-more\r\n150 done\r\n",
			wantReply: "150-listing\r\n150-more\r\n150 done\r\n",
			wantCode:  150,
			wantOK:    true,
		},
		{
			name:      "different code does not close multi-line",
			input:     "220-hello\r\n230 not yet\r\n220 now\r\n",
			wantReply: "220-hello\r\n230 not yet\r\n220 now\r\n",
			wantCode:  220,
			wantOK:    true,
		},
		{
			name:      "same code with dash does not close multi-line",
			input:     "211-Features\r\n MDTM\r\n211-x\r\n211 End\n",
			wantReply: "211-Features\r\n MDTM\r\n211-x\r\n211 End\n",
			wantCode:  211,
			wantOK:    true,
		},
		{
			name:   "unterminated multi-line",
			input:  "220-hello\r\n220-still going\r\n",
			wantOK: false,
		},
		{
			name:   "unterminated single line",
			input:  "220 hello",
			wantOK: false,
		},
		{
			name:   "only part of code",
			input:  "22",
			wantOK: false,
		},
		{
			name:      "not an ftp reply",
			input:     "SSH-2.0-OpenSSH_9.6\r\n",
			wantReply: "SSH-2.0-OpenSSH_9.6\r\n",
			wantCode:  -1,
			wantOK:    true,
		},
		{
			name:      "no space after code",
			input:     "220Hello\nrest",
			wantReply: "220Hello\n",
			wantCode:  -1,
			wantOK:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			reply, code, ok := ReadReply([]byte(tt.input), 0)
			require.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.wantReply, string(reply))
			assert.Equal(t, tt.wantCode, code)
		})
	}
}

func TestReadReplyLongRawLine(t *testing.T) {
	t.Parallel()
	buf := []byte(strings.Repeat("x", 1500))
	reply, code, ok := ReadReply(buf, 0)
	require.True(t, ok)
	assert.Equal(t, -1, code)
	assert.Len(t, reply, maxRawReplyLine)
}

func TestReadReplyDrainsBufferedReplies(t *testing.T) {
	t.Parallel()
	buf := []byte("220-Welcome\r\n220 Ready\r\n331 User ok\r\n230-Logged in\r\n230")

	var codes []int
	off := 0
	for {
		reply, code, ok := ReadReply(buf, off)
		if !ok {
			break
		}
		codes = append(codes, code)
		off += len(reply)
	}
	assert.Equal(t, []int{220, 331}, codes)
	assert.Equal(t, "230-Logged in\r\n230", string(buf[off:]))

	// Repeating the call must not consume the partial reply.
	for i := 0; i < 3; i++ {
		_, _, ok := ReadReply(buf, off)
		assert.False(t, ok)
	}

	buf = append(buf, " done\r\n"...)
	reply, code, ok := ReadReply(buf, off)
	require.True(t, ok)
	assert.Equal(t, 230, code)
	assert.Equal(t, "230-Logged in\r\n230 done\r\n", string(reply))
}

func TestParseResponse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		input    string
		code     int
		wantMsg  string
		wantLine int
	}{
		{"single", "550 File not found\r\n", 550, "File not found", 1},
		{"empty message", "200 \r\n", 200, "", 1},
		{"multi", "220-Welcome to FTP\r\n220-This is line 2\r\n220 Ready\r\n", 220, "Welcome to FTP\nThis is line 2\nReady", 3},
		{"rfc 2389", "211-Extensions supported:\r\n MLST size*;modify*;\r\n SIZE\r\n211 END\r\n", 211, "Extensions supported:\nMLST size*;modify*;\nSIZE\nEND", 4},
		{"raw", "SSH-2.0\r\n", -1, "SSH-2.0", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp := ParseResponse([]byte(tt.input), tt.code)
			assert.Equal(t, tt.code, resp.Code)
			assert.Equal(t, tt.wantMsg, resp.Message)
			assert.Len(t, resp.Lines, tt.wantLine)
		})
	}
}

func TestDirectoryFromReply(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		reply  string
		want   string
		wantOK bool
	}{
		{"rfc 959", "257 \"/home/joe\" is current directory\r\n", "/home/joe", true},
		{"escaped quote", "257 \"/a\"\"b\" created\r\n", "/a\"b", true},
		{"vxworks", "257 Current directory is \"mars:\"\r\n", "mars:", true},
		{"aix apostrophes", "257 '/projects/a'g'f' ist das aktuelle Verzeichnis.\r\n", "/projects/a'g'f", true},
		{"aix with quote inside", "257 '/projects/a\"d' ist das aktuelle Verzeichnis.\r\n", "/projects/a\"d", true},
		{"unterminated", "257 \"/home\r\n", "", false},
		{"no path", "257 ok\r\n", "", false},
		{"too short", "257", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := DirectoryFromReply(tt.reply)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResponse_CodeChecks(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code  int
		is2xx bool
		is3xx bool
		is4xx bool
		is5xx bool
	}{
		{200, true, false, false, false},
		{220, true, false, false, false},
		{331, false, true, false, false},
		{421, false, false, true, false},
		{550, false, false, false, true},
		{-1, false, false, false, false},
	}

	for _, tt := range tests {
		resp := &Response{Code: tt.code}
		assert.Equal(t, tt.is2xx, resp.Is2xx(), "code %d", tt.code)
		assert.Equal(t, tt.is3xx, resp.Is3xx(), "code %d", tt.code)
		assert.Equal(t, tt.is4xx, resp.Is4xx(), "code %d", tt.code)
		assert.Equal(t, tt.is5xx, resp.Is5xx(), "code %d", tt.code)
	}
}
