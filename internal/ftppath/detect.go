package ftppath

import "strings"

var knownOSNames = []string{"UNIX", "Windows", "NETWARE", "TANDEM", "OS/2", "VMS", "MVS", "VM", "OS/400"}

func isKnownOSName(word string) bool {
	for _, os := range knownOSNames {
		if strings.EqualFold(os, word) {
			return true
		}
	}
	return false
}

// haveSubstring is a case-insensitive strings.Contains.
func haveSubstring(text, sub string) bool {
	return strings.Contains(strings.ToLower(text), strings.ToLower(sub))
}

func isBlank(r rune) bool {
	return r <= ' '
}

// ServerSystem extracts the operating system name from a SYST reply, e.g.
// "UNIX" from "215 UNIX Type: L8". When the first word is not a known
// system name but a later one is ("215 Betriebssystem OS/2"), the later one
// is returned. Non-2xx replies yield "".
func ServerSystem(reply string) string {
	if len(reply) <= 4 || reply[0] != '2' {
		return ""
	}
	sys := reply[4:]
	if reply[3] != ' ' {
		// multi-line reply: the name is on the last line
		end := len(reply)
		if end > 0 && reply[end-1] == '\n' {
			end--
		}
		if end > 0 && reply[end-1] == '\r' {
			end--
		}
		start := end
		for start > 0 && reply[start-1] != '\r' && reply[start-1] != '\n' {
			start--
		}
		if start+4 < len(reply) {
			sys = reply[start+4:]
		}
	}
	words := strings.FieldsFunc(sys, isBlank)
	if len(words) == 0 {
		return ""
	}
	name := words[0]
	if !isKnownOSName(name) {
		for _, w := range words[1:] {
			if isKnownOSName(w) {
				name = w
				break
			}
		}
	}
	if len(name) > 200 {
		name = name[:200]
	}
	return name
}

func isHellSoftNetWare(firstReply string) bool {
	return haveSubstring(firstReply, " NW 3") && haveSubstring(firstReply, " HellSoft")
}

func isTandemBanner(firstReply, sysName string) bool {
	return haveSubstring(firstReply, " TANDEM ") && (sysName == "" || haveSubstring(sysName, "TANDEM"))
}

// closesVMSPath reports whether the ']' just before index i ends the
// directory part of a VMS path, i.e. only a file name follows it.
func closesVMSPath(path string, i int) bool {
	esc := false
	for ; i < len(path) && !isSlash(path[i]); i++ {
		switch {
		case path[i] == '^':
			esc = !esc
		case esc:
			esc = false
		case path[i] == '[' || path[i] == ']':
			return false
		}
	}
	return i == len(path)
}

type pathStats struct {
	slash, slashAtBeg           int
	backslash, backslashAtBeg   int
	apostroph, apostrophAtBeg   int
	apostrophAtEnd              int
	bracket, escBracket         int
	openBracket, escOpenBracket int
	closeBracket, escClose      int
	colon                       int
	periodsAfterColon           int
	periodsBeforeColon          int
	spaces                      int
	colonOnSecondPos            bool
	letterOnFirstPos            bool
}

func countPath(path string) pathStats {
	var st pathStats
	if len(path) > 0 {
		c := path[0]
		st.letterOnFirstPos = (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
	}
	vmsEscape := false
	for i := 0; i < len(path); i++ {
		c := path[i]
		if c == '^' {
			vmsEscape = !vmsEscape
			continue
		}
		switch c {
		case '/':
			if i == 0 {
				st.slashAtBeg++
			} else {
				st.slash++
			}
		case '\\':
			if i == 0 {
				st.backslashAtBeg++
			} else {
				st.backslash++
			}
		case '\'':
			switch {
			case i == 0:
				st.apostrophAtBeg++
			case i+1 == len(path):
				st.apostrophAtEnd++
			default:
				st.apostroph++
			}
		case '[':
			// only at the start of the path or after the device name
			if i == 0 || path[i-1] == ':' {
				st.openBracket++
				if vmsEscape {
					st.escOpenBracket++
				}
			} else {
				st.bracket++
				if vmsEscape {
					st.escBracket++
				}
			}
		case ']':
			// "DKA0:[MYDIR.SUBDIR]MYFILE.TXT;1" closes too
			if closesVMSPath(path, i+1) {
				st.closeBracket++
				if vmsEscape {
					st.escClose++
				}
			} else {
				st.bracket++
				if vmsEscape {
					st.escBracket++
				}
			}
		case ':':
			st.colon++
			if i == 1 {
				st.colonOnSecondPos = true
			}
		case '.':
			if st.colon > 0 {
				st.periodsAfterColon++
			} else {
				st.periodsBeforeColon++
			}
		case ' ':
			st.spaces++
		}
		vmsEscape = false
	}
	return st
}

// DetectPathType guesses the server's path dialect from the first reply of
// the server (greeting), the reply to SYST and a path returned by the
// server (usually the reply to the first PWD). Any of the inputs may be
// empty. The result is deterministic; inputs without a recognizable hint
// yield Unknown.
func DetectPathType(firstReply, systReply, path string) PathType {
	st := countPath(path)
	sysName := ServerSystem(systReply)
	netware := haveSubstring(sysName, "NETWARE") || (firstReply != "" && isHellSoftNetWare(firstReply))

	if st.slashAtBeg > 0 {
		switch {
		case haveSubstring(sysName, "Windows"):
			return Windows
		case netware:
			return NetWare
		case haveSubstring(sysName, "OS/400"):
			return AS400
		default:
			return Unix
		}
	}
	if st.backslashAtBeg > 0 {
		switch {
		case netware:
			return NetWare
		case st.slash == 0 && st.backslash == 0 && firstReply != "" && isTandemBanner(firstReply, sysName):
			return Tandem
		default:
			return Windows
		}
	}
	// "C:", "C:/..." or "C:\..."
	if st.letterOnFirstPos && st.colonOnSecondPos && st.colon == 1 &&
		(len(path) == 2 || st.slash > 0 || st.backslash > 0) {
		return OS2
	}
	if st.openBracket-st.escOpenBracket == 1 &&
		st.closeBracket-st.escClose == 1 &&
		st.bracket-st.escBracket == 0 &&
		st.apostrophAtBeg+st.apostrophAtEnd == 0 &&
		st.slashAtBeg+st.slash+st.backslashAtBeg+st.backslash == 0 {
		return OpenVMS
	}
	if st.apostrophAtBeg > 0 && st.apostrophAtEnd > 0 && st.apostroph == 0 {
		return MVS
	}
	if st.slash == 0 && st.backslash == 0 && st.colon == 1 && st.periodsAfterColon > 0 &&
		st.periodsBeforeColon == 0 && st.spaces == 0 {
		return IBMzVM
	}

	if path == "" {
		// the generic root "ftp://server/" carries no path hints
		switch {
		case haveSubstring(sysName, "UNIX"):
			return Unix
		case haveSubstring(sysName, "Windows"):
			return Windows
		case netware:
			return NetWare
		case haveSubstring(sysName, "OS/2"):
			return OS2
		case haveSubstring(sysName, "VMS"):
			return OpenVMS
		case haveSubstring(sysName, "MVS"):
			return MVS
		case haveSubstring(sysName, "VM"):
			return IBMzVM
		case firstReply != "" && isTandemBanner(firstReply, sysName):
			return Tandem
		}
	}
	// AS/400 answers the first PWD with e.g. "QGPL"
	if haveSubstring(sysName, "OS/400") {
		return AS400
	}
	return Unknown
}
