package diskthread

import (
	"runtime"
	"strconv"
	"strings"
	"unicode/utf8"
)

// MaxNameLen is the longest file name component the thread creates.
const MaxNameLen = 255

const windowsInvalidChars = `<>:"|?*\`

var windowsReserved = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

func invalidRune(r rune, windows bool) bool {
	if r == '/' || r < 32 {
		return true
	}
	return windows && strings.ContainsRune(windowsInvalidChars, r)
}

// IsValidName reports whether name can be used as a local file name
// component. Names coming from FTP servers may contain characters the local
// system does not accept.
func IsValidName(name string) bool {
	return isValidName(name, runtime.GOOS == "windows")
}

func isValidName(name string, windows bool) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	for _, r := range name {
		if invalidRune(r, windows) {
			return false
		}
	}
	if windows {
		if strings.HasSuffix(name, ".") || strings.HasSuffix(name, " ") {
			return false
		}
		base, _, _ := strings.Cut(name, ".")
		if windowsReserved[strings.ToUpper(base)] {
			return false
		}
	}
	return true
}

// MakeValidName replaces what IsValidName rejects with underscores.
func MakeValidName(name string) string {
	return makeValidName(name, runtime.GOOS == "windows")
}

func makeValidName(name string, windows bool) string {
	if name == "" || name == "." || name == ".." {
		return strings.Repeat("_", max(len(name), 1))
	}
	var b strings.Builder
	for _, r := range name {
		if invalidRune(r, windows) {
			b.WriteByte('_')
		} else {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if windows {
		if strings.HasSuffix(s, ".") || strings.HasSuffix(s, " ") {
			s = s[:len(s)-1] + "_"
		}
		base, rest, found := strings.Cut(s, ".")
		if windowsReserved[strings.ToUpper(base)] {
			s = base + "_"
			if found {
				s += "." + rest
			}
		}
	}
	return s
}

// splitRenameSuffix removes the last " (n)" from a name produced by an
// earlier autorename and returns n. Without such a suffix n is 1.
func splitRenameSuffix(name string) (string, int) {
	for end := len(name) - 1; end >= 0; end-- {
		if name[end] != ')' {
			continue
		}
		i := end - 1
		for i >= 0 && name[i] >= '0' && name[i] <= '9' {
			i--
		}
		if i < end-1 && i > 0 && name[i] == '(' && name[i-1] == ' ' {
			n, err := strconv.Atoi(name[i+1 : end])
			if err == nil {
				return name[:i-1] + name[end+1:], n
			}
		}
		end = i + 1
	}
	return name, 1
}

// extOffset returns where the extension of a file name starts. A leading dot
// marks a hidden file, not an extension.
func extOffset(name string) int {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return i
	}
	return len(name)
}

// GenerateNewName builds the autorename candidate number n of name: the
// suffix " (n)" goes before the extension of a file and at the end of a
// directory name. The name is shortened so the result fits into maxLen
// bytes. ok is false when not even one character of the name fits.
func GenerateNewName(name string, n int, isDir bool, maxLen int) (string, bool) {
	suffix := ""
	if n > 1 {
		suffix = " (" + strconv.Itoa(n) + ")"
	}
	return buildName(name, suffix, isDir, maxLen)
}

func buildName(name, suffix string, isDir bool, maxLen int) (string, bool) {
	if len(suffix)+1 > maxLen {
		return "", false
	}
	ext := len(name)
	if !isDir {
		ext = extOffset(name)
	}
	extLen := len(name) - ext
	var s string
	switch {
	case len(name)+len(suffix) <= maxLen:
		s = name[:ext] + suffix + name[ext:]
	case len(suffix)+1+extLen <= maxLen:
		s = cut(name, maxLen-len(suffix)-extLen) + suffix + name[ext:]
	default:
		s = cut(name, maxLen-len(suffix)) + suffix
	}
	return s, true
}

// cut shortens s to at most n bytes without splitting a UTF-8 sequence.
func cut(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	if n == 0 {
		return "_"
	}
	return s[:n]
}
