package proxyscript

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// step runs one Process step and fails the test on a script error.
func step(t *testing.T, script string, exec *int, lastReply int, p *Params) Result {
	t.Helper()
	res, err := Process(script, exec, lastReply, p)
	require.NoError(t, err)
	return res
}

func TestProcessDirectLogin(t *testing.T) {
	t.Parallel()
	script := Script(None)
	p := &Params{Host: "ftp.example.com", Port: 2121, User: "joe", Password: []byte("secret")}
	exec := 0

	res := step(t, script, &exec, -1, p)
	assert.Equal(t, "ftp.example.com", res.Host)
	assert.Equal(t, 2121, res.Port)
	assert.Empty(t, res.SendCmd)
	assert.False(t, res.ProxyHostNeeded)

	res = step(t, script, &exec, -1, p)
	assert.Equal(t, "USER joe\r\n", res.SendCmd)
	assert.Equal(t, "USER joe\r\n", res.LogCmd)

	res = step(t, script, &exec, 331, p)
	assert.Equal(t, "PASS secret\r\n", res.SendCmd)
	assert.Equal(t, "PASS (hidden)\r\n", res.LogCmd)

	res = step(t, script, &exec, 230, p)
	assert.Empty(t, res.SendCmd, "ACCT is sent only after a 3xx reply")
	assert.False(t, p.NeedUserInput())
	assert.Equal(t, len(script), exec)
}

func TestProcessSkips3xxLinesAfterSuccess(t *testing.T) {
	t.Parallel()
	script := Script(None)
	p := &Params{Host: "h", Port: 21, User: "anonymous", Password: []byte("guest@")}
	exec := 0
	step(t, script, &exec, -1, p)
	assert.Equal(t, "USER anonymous\r\n", step(t, script, &exec, -1, p).SendCmd)
	assert.Empty(t, step(t, script, &exec, 230, p).SendCmd)
}

func TestProcessNeedsUserInput(t *testing.T) {
	t.Parallel()
	script := Script(None)
	p := &Params{Host: "h", Port: 21, User: "joe"}
	exec := 0
	step(t, script, &exec, -1, p)
	step(t, script, &exec, -1, p)

	before := exec
	res := step(t, script, &exec, 331, p)
	assert.Empty(t, res.SendCmd)
	assert.True(t, p.NeedPassword)
	assert.False(t, p.NeedUser)
	assert.Equal(t, before, exec, "exec point must not move while input is missing")

	p.Password = []byte("pw")
	res = step(t, script, &exec, 331, p)
	assert.Equal(t, "PASS pw\r\n", res.SendCmd)
	assert.False(t, p.NeedUserInput())
}

func TestProcessAllowEmptyPasswordIsConsumed(t *testing.T) {
	t.Parallel()
	script := "Connect to: h\r\nPASS $(Password)\r\nPASS $(Password)\r\n"
	p := &Params{Host: "h", AllowEmptyPassword: true}
	exec := 0
	step(t, script, &exec, -1, p)

	res := step(t, script, &exec, -1, p)
	assert.Equal(t, "PASS \r\n", res.SendCmd)
	assert.False(t, p.AllowEmptyPassword)

	res = step(t, script, &exec, -1, p)
	assert.Empty(t, res.SendCmd)
	assert.True(t, p.NeedPassword)
}

func TestProcessEmptyProxyUserSkipsLine(t *testing.T) {
	t.Parallel()
	script := Script(FTPSiteHostColonPort)
	p := &Params{ProxyHost: "fw", ProxyPort: 2100, Host: "srv", Port: 21, User: "joe", Password: []byte("pw")}
	exec := 0

	res := step(t, script, &exec, -1, p)
	assert.Equal(t, "fw", res.Host)
	assert.Equal(t, 2100, res.Port)
	assert.True(t, res.ProxyHostNeeded)

	// USER $(ProxyUser) is skipped and so is the dependent 3xx PASS line.
	res = step(t, script, &exec, -1, p)
	assert.Equal(t, "SITE srv:21\r\n", res.SendCmd)
	assert.False(t, p.NeedProxyPassword)
}

func TestProcessNeedsProxyHost(t *testing.T) {
	t.Parallel()
	script := Script(SOCKS5)
	p := &Params{ProxyPort: 1080, Host: "srv", Port: 21, User: "u", Password: []byte("p")}
	exec := 0

	res := step(t, script, &exec, -1, p)
	assert.True(t, p.NeedProxyHost)
	assert.Empty(t, res.Host)
	assert.Equal(t, 0, exec)

	p.ProxyHost = "socks.local"
	res = step(t, script, &exec, -1, p)
	assert.Equal(t, "socks.local", res.Host)
	assert.Equal(t, 1080, res.Port)
	assert.Positive(t, exec)
}

func TestProcessHidesProxySecrets(t *testing.T) {
	t.Parallel()
	script := Script(FTPUserUserFireuserHost)
	p := &Params{
		ProxyHost: "fw", ProxyPort: 21, ProxyUser: "fwuser", ProxyPassword: []byte("fwpass"),
		Host: "srv", Port: 21, User: "joe", Password: []byte("pw"),
	}
	exec := 0
	step(t, script, &exec, -1, p)

	res := step(t, script, &exec, -1, p)
	assert.Equal(t, "USER joe@fwuser@srv:21\r\n", res.SendCmd)

	res = step(t, script, &exec, 331, p)
	assert.Equal(t, "PASS pw@fwpass\r\n", res.SendCmd)
	assert.Equal(t, "PASS (hidden)@(hidden)\r\n", res.LogCmd)
}

func TestProcessSemicolonForm(t *testing.T) {
	t.Parallel()
	script := "Connect to: %host%:%port%;USER %user%;3xx: PASS %password%;SITE a;;b;SITE 100%"
	p := &Params{Host: "srv", Port: 990, User: "joe", Password: []byte("pw")}
	exec := 0

	res := step(t, script, &exec, -1, p)
	assert.Equal(t, "srv", res.Host)
	assert.Equal(t, 990, res.Port)

	assert.Equal(t, "USER joe\r\n", step(t, script, &exec, -1, p).SendCmd)
	res = step(t, script, &exec, 331, p)
	assert.Equal(t, "PASS pw\r\n", res.SendCmd)
	assert.Equal(t, "PASS (hidden)\r\n", res.LogCmd)
	assert.Equal(t, "SITE a;b\r\n", step(t, script, &exec, 230, p).SendCmd)
	assert.Equal(t, "SITE 100%\r\n", step(t, script, &exec, 200, p).SendCmd)
	assert.Empty(t, step(t, script, &exec, 200, p).SendCmd)
}

func TestProcessDollarEscapeAndCase(t *testing.T) {
	t.Parallel()
	script := "connect TO: $(host)\nSITE $$5 $(USER) $x\n"
	p := &Params{Host: "srv", Port: 21, User: "joe"}
	exec := 0
	res := step(t, script, &exec, -1, p)
	assert.Equal(t, "srv", res.Host)
	assert.Equal(t, 21, res.Port)
	assert.Equal(t, "SITE $5 joe $x\r\n", step(t, script, &exec, -1, p).SendCmd)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		script string
		line   int
		msg    string
	}{
		{"missing header", "USER x\r\n", 1, msgInvalidStart},
		{"empty host", "Connect to: \r\nUSER x\r\n", 1, msgHostEmpty},
		{"port out of range", "Connect to: h:99999\r\nUSER x\r\n", 1, msgPortRange},
		{"zero port", "Connect to: h:0\r\nUSER x\r\n", 1, msgPortRange},
		{"bad port", "Connect to: h:12a\r\nUSER x\r\n", 1, msgInvalidPort},
		{"junk after host", "Connect to: h junk\r\nUSER x\r\n", 1, msgInvalidHost},
		{"user var in host", "Connect to: $(User)\r\nUSER x\r\n", 1, msgHostVarsOnly},
		{"unknown variable", "Connect to: h\r\nUSER $(Foo)\r\n", 2, msgUnknownVar},
		{"3xx first", "Connect to: h\r\n3xx: PASS x\r\n", 2, msgFirstLine3xx},
		{"no commands", "Connect to: h\r\n\r\n", 3, msgNoCommands},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Validate(tt.script)
			var serr *ScriptError
			require.True(t, errors.As(err, &serr), "got %v", err)
			assert.Equal(t, tt.msg, serr.Msg)
			assert.Equal(t, tt.line, serr.Line)
		})
	}
}

func TestBuiltinScriptsAreValid(t *testing.T) {
	t.Parallel()
	for pt := None; pt < OwnScript; pt++ {
		needsProxyHost, err := Validate(Script(pt))
		require.NoError(t, err, pt.String())
		direct := pt == None || pt == FTPTransparent
		assert.Equal(t, !direct, needsProxyHost, pt.String())
	}
	assert.Empty(t, Script(OwnScript))
}

func TestProxyTypeNames(t *testing.T) {
	t.Parallel()
	for pt := None; pt <= OwnScript; pt++ {
		got, err := ParseProxyType(pt.String())
		require.NoError(t, err)
		assert.Equal(t, pt, got)
	}
	_, err := ParseProxyType("carrier-pigeon")
	assert.Error(t, err)

	assert.Equal(t, 1080, DefaultPort(SOCKS4A))
	assert.Equal(t, 8080, DefaultPort(HTTP11))
	assert.Equal(t, 0, DefaultPort(FTPTransparent))
	assert.Equal(t, 21, DefaultPort(FTPOpenHostPort))
	assert.True(t, SOCKS5.IsTunnel())
	assert.False(t, FTPOpenHostPort.IsTunnel())
}

func TestParamsZero(t *testing.T) {
	t.Parallel()
	pw, proxyPw := []byte("pw"), []byte("fwpass")
	p := &Params{Password: pw, ProxyPassword: proxyPw}
	p.Zero()
	assert.Equal(t, []byte{0, 0}, pw)
	assert.Equal(t, make([]byte, 6), proxyPw)
}
