// Package ftppath implements path manipulation for the path dialects used by
// FTP servers: Unix, Windows, NetWare, OS/2, OpenVMS, MVS, Tandem, IBM z/VM
// and AS/400.
//
// All functions are pure. They never touch the network or the local file
// system and are safe for concurrent use.
package ftppath

import "strings"

// PathType identifies the path dialect of an FTP server.
type PathType int

const (
	// Unknown is used until the dialect has been detected.
	Unknown PathType = iota
	Unix
	Windows
	NetWare
	OS2
	OpenVMS
	MVS
	Tandem
	IBMzVM
	AS400
)

var pathTypeNames = [...]string{
	Unknown: "unknown",
	Unix:    "unix",
	Windows: "windows",
	NetWare: "netware",
	OS2:     "os2",
	OpenVMS: "openvms",
	MVS:     "mvs",
	Tandem:  "tandem",
	IBMzVM:  "ibm-zvm",
	AS400:   "as400",
}

// String returns the lower-case name of the dialect.
func (t PathType) String() string {
	if t < 0 || int(t) >= len(pathTypeNames) {
		return "unknown"
	}
	return pathTypeNames[t]
}

// ParsePathType is the inverse of String. Unrecognized names map to Unknown.
func ParsePathType(s string) PathType {
	for i, name := range pathTypeNames {
		if strings.EqualFold(name, s) {
			return PathType(i)
		}
	}
	return Unknown
}

// Delimiter returns the character separating path components.
func Delimiter(t PathType) byte {
	switch t {
	case Tandem, IBMzVM, OpenVMS, MVS:
		return '.'
	default:
		return '/'
	}
}

// IsCaseSensitive reports whether names on the server are case-sensitive.
// Only Unix servers are.
func IsCaseSensitive(t PathType) bool {
	return t == Unix
}

// IsVMSEscape reports whether the byte at index i of path is escaped by an
// odd number of '^' characters.
func IsVMSEscape(path string, i int) bool {
	n := 0
	for j := i - 1; j >= 0 && path[j] == '^'; j-- {
		n++
	}
	return n&1 != 0
}

func isSlash(c byte) bool {
	return c == '/' || c == '\\'
}

func usesBackslash(t PathType) bool {
	return t == Windows || t == NetWare || t == OS2
}

// CutDirectory removes the last component from path. It returns the shortened
// path and the removed component. ok is false when path is a root or is not
// valid for the dialect.
func CutDirectory(t PathType, path string) (parent, cut string, ok bool) {
	l := len(path)
	switch t {
	case Unix, AS400:
		return cutSlashed(path, "/")

	case Windows, NetWare, OS2:
		return cutSlashed(path, "/\\")

	case OpenVMS:
		// "DEV:[PUB.VMS]", "[PUB.VMS]", "[PUB.VMS]file.txt;1", root is "[000000]"
		s := l - 1
		name := s
		for name > 0 && (path[name] != ']' || IsVMSEscape(path, name)) {
			name--
		}
		if name < s && name > 0 {
			return path[:name+1], path[name+1:], true
		}
		if l <= 1 || path[s] != ']' || IsVMSEscape(path, s) {
			return path, "", false
		}
		end := s
		if path[s-1] == '.' && !IsVMSEscape(path, s-1) {
			s--
			end = s
		}
		for s--; s >= 0 && ((path[s] != '.' && path[s] != '[') || IsVMSEscape(path, s)); s-- {
		}
		if s < 0 {
			return path, "", false
		}
		if path[s] == '.' {
			return path[:s] + "]", path[s+1 : end], true
		}
		isRoot := strings.HasPrefix(path[s+1:], "000000") &&
			s+7 < l && (path[s+7] == '.' || path[s+7] == ']')
		if isRoot {
			return path, "", false
		}
		return path[:s+1] + "000000]", path[s+1 : end], true

	case MVS:
		// "'VEA0016.MAIN.CLIST.'", root is "''"
		if l <= 1 || path[l-1] != '\'' {
			return path, "", false
		}
		s := l - 1
		end := s
		if path[s-1] == '.' {
			s--
			end = s
		}
		for s--; s >= 0 && path[s] != '.' && path[s] != '\''; s-- {
		}
		if s < 0 || (path[s] != '.' && s+1 >= end) {
			return path, "", false
		}
		cut = path[s+1 : end]
		keep := s
		if path[s] == '\'' {
			keep++
		}
		return path[:keep] + "'", cut, true

	case Tandem:
		// \SYSTEM.$VOLUME.SUBVOL.FILE, root is \SYSTEM
		if l == 0 {
			return path, "", false
		}
		lastDot := strings.LastIndexByte(path[:l-1], '.')
		if lastDot < 0 {
			return path, "", false
		}
		p := strings.TrimSuffix(path, ".")
		return path[:lastDot], p[lastDot+1:], true

	case IBMzVM:
		// "VMSYS:USER.DIR1.DIR2", root is "VMSYS:USER."
		lastPeriod := strings.LastIndexByte(path, '.')
		prevPeriod := -1
		if lastPeriod > 0 {
			prevPeriod = strings.LastIndexByte(path[:lastPeriod], '.')
		}
		willBeRoot := false
		if prevPeriod < 0 {
			if lastPeriod < 0 || lastPeriod == l-1 {
				return path, "", false
			}
			willBeRoot = true
		}
		p := path
		if path[l-1] == '.' {
			p = path[:l-1]
			if strings.LastIndexByte(path[:prevPeriod], '.') < 0 {
				willBeRoot = true
			}
		} else {
			prevPeriod = lastPeriod
		}
		end := prevPeriod
		if willBeRoot {
			end++
		}
		return p[:end], p[prevPeriod+1:], true
	}
	return path, "", false
}

func cutSlashed(path, slashes string) (string, string, bool) {
	l := len(path)
	if l == 0 {
		return path, "", false
	}
	lastSlash := strings.LastIndexAny(path[:l-1], slashes)
	if lastSlash < 0 {
		// "somedir" or "/"
		return path, "", false
	}
	prevSlash := strings.LastIndexAny(path[:lastSlash], slashes)
	p := path
	if strings.IndexByte(slashes, path[l-1]) >= 0 {
		p = path[:l-1]
	}
	cut := p[lastSlash+1:]
	if prevSlash < 0 {
		// "/somedir" -> "/", "C:/somedir" -> "C:/"
		return path[:lastSlash+1], cut, true
	}
	return path[:lastSlash], cut, true
}

// Append joins name to path using the dialect's conventions. isDir matters
// only for OpenVMS, where directories live inside the brackets. An empty name
// just normalizes the trailing delimiter. ok is false when path is not valid
// for the dialect.
func Append(t PathType, path, name string, isDir bool) (string, bool) {
	l := len(path)
	switch t {
	case OpenVMS:
		if l <= 1 || path[l-1] != ']' || IsVMSEscape(path, l-1) {
			return path, false
		}
		s := l - 1
		if path[s-1] == '.' && !IsVMSEscape(path, s-1) {
			s--
		}
		root := -1
		if isDir && s >= 7 && path[s-7:s] == "[000000" && !IsVMSEscape(path, s-7) {
			root = s - 6
		}
		switch {
		case name == "":
			return path[:s] + "]", true
		case !isDir:
			return path[:s] + "]" + name, true
		case root >= 0:
			return path[:root] + name + "]", true
		default:
			return path[:s] + "." + name + "]", true
		}

	case MVS:
		if l <= 1 || path[l-1] != '\'' {
			return path, false
		}
		s := l - 1
		if path[s-1] == '.' {
			s--
		}
		root := s-1 >= 0 && path[s-1] == '\''
		switch {
		case name == "":
			return path[:s] + "'", true
		case root:
			return path[:s] + name + "'", true
		default:
			return path[:s] + "." + name + "'", true
		}

	case IBMzVM, Tandem:
		if l == 0 {
			return path, false
		}
		if name == "" {
			return path, true
		}
		if path[l-1] != '.' {
			return path + "." + name, true
		}
		return path + name, true
	}

	// Backslash dialects keep a trailing separator of path; without one
	// they join with '/', so `C:\a` + "b" is `C:\a/b` and a cut
	// backslash path does not join back to itself.
	slash := byte('/')
	n := l
	if usesBackslash(t) {
		if n > 0 && isSlash(path[n-1]) {
			slash = path[n-1]
			n--
		}
	} else if n > 0 && path[n-1] == '/' {
		n--
	}
	if name != "" {
		if l == 0 {
			return name, true
		}
		return path[:n] + string(slash) + name, true
	}
	minLen := 0
	if t == OS2 {
		minLen = 2
	}
	if n > minLen {
		return path[:n], true
	}
	// "/" + "" stays "/", "C:/" + "" stays "C:/"
	return path, true
}

// IsValidAndNotRoot reports whether path is a valid path for the dialect that
// is not the root.
func IsValidAndNotRoot(t PathType, path string) bool {
	l := len(path)
	switch t {
	case OpenVMS:
		if l <= 1 || path[l-1] != ']' || IsVMSEscape(path, l-1) {
			return false
		}
		s := l - 1
		if path[s-1] == '.' && !IsVMSEscape(path, s-1) {
			s--
		}
		return s < 7 || path[s-7:s] != "[000000" || IsVMSEscape(path, s-7)

	case MVS:
		if l <= 1 || path[l-1] != '\'' {
			return false
		}
		s := l - 1
		if path[s-1] == '.' {
			s--
		}
		return s-1 < 0 || path[s-1] != '\''

	case IBMzVM:
		// root ends with '.' and contains only that period
		if l == 0 {
			return false
		}
		dot := strings.IndexByte(path, '.')
		return dot < 0 || dot != l-1

	case Tandem:
		if l == 0 {
			return false
		}
		dot := strings.IndexByte(path, '.')
		return dot >= 0 && dot != l-1

	case OS2:
		// "C:" and "C:/" are roots
		return l > 0 && (l > 3 || l < 2 || path[1] != ':' || (l == 3 && !isSlash(path[2])))
	}
	if l == 0 {
		return false
	}
	if l != 1 {
		return true
	}
	return path[0] != '/' && ((t != NetWare && t != Windows) || path[0] != '\\')
}

// PathEndsWithDelimiter reports whether path carries a trailing delimiter,
// e.g. "/pub/" or "[PUB.VMS.]".
func PathEndsWithDelimiter(t PathType, path string) bool {
	l := len(path)
	s := l - 1
	switch t {
	case OpenVMS:
		return l > 1 && path[s] == ']' && !IsVMSEscape(path, s) &&
			path[s-1] == '.' && !IsVMSEscape(path, s-1)
	case MVS:
		return l > 1 && path[s] == '\'' && path[s-1] == '.'
	case Tandem, IBMzVM:
		return l > 0 && path[s] == '.'
	}
	return l > 0 && (path[s] == '/' || (usesBackslash(t) && path[s] == '\\'))
}

// RemoveTrailingDelimiter strips the delimiter reported by
// PathEndsWithDelimiter. Roots are returned unchanged.
func RemoveTrailingDelimiter(t PathType, path string) string {
	if !PathEndsWithDelimiter(t, path) || !IsValidAndNotRoot(t, path) {
		return path
	}
	l := len(path)
	switch t {
	case OpenVMS, MVS:
		return path[:l-2] + path[l-1:]
	default:
		return path[:l-1]
	}
}

// IsPathRelative reports whether path is relative for the dialect.
func IsPathRelative(t PathType, path string) bool {
	first := func(i int) byte {
		if i < len(path) {
			return path[i]
		}
		return 0
	}
	switch t {
	case Unix, AS400:
		return first(0) != '/'
	case Windows, NetWare:
		return !isSlash(first(0))
	case OS2:
		// absolute: "C:/dir1", "/dir1"
		return !isSlash(first(0)) && first(0) != 0 && first(1) != ':'
	case OpenVMS:
		// relative: "aaa", "[.aaa]"; absolute: "DEV:[PUB]", "[PUB.VMS]"
		return (first(0) != '[' || first(1) == '.') && !strings.Contains(path, ":")
	case MVS:
		return first(0) != '\''
	case IBMzVM:
		return !strings.Contains(path, ":")
	case Tandem:
		return first(0) != '\\'
	}
	return false
}

// IsPrefixOfServerPath reports whether prefix names path or one of its
// ancestors. With mustBeSame set, only equal paths match. Comparison is
// case-insensitive except on Unix.
func IsPrefixOfServerPath(t PathType, prefix, path string, mustBeSame bool) bool {
	switch t {
	case OpenVMS:
		l1 := trimVMSRoot(prefix)
		l2 := trimVMSRoot(path)
		if !lengthsMatch(l1, l2, mustBeSame) || !strings.EqualFold(prefix[:l1], path[:l1]) {
			return false
		}
		if l1 == l2 {
			return true
		}
		if l1 > 0 && prefix[l1-1] == '[' && !IsVMSEscape(prefix, l1-1) {
			return true
		}
		return (path[l1] == '.' || path[l1] == ']') && !IsVMSEscape(path, l1)

	case MVS:
		l1 := trimMVS(prefix)
		l2 := trimMVS(path)
		return lengthsMatch(l1, l2, mustBeSame) && strings.EqualFold(prefix[:l1], path[:l1]) &&
			(l1 == l2 || path[l1] == '.' || path[l1] == '\'')

	case NetWare, Windows, OS2:
		return walkPrefix(prefix, path, mustBeSame, isSlash)

	case IBMzVM, Tandem:
		l1 := len(prefix)
		l2 := len(path)
		if l1 > 1 && prefix[l1-1] == '.' {
			l1--
		}
		if l2 > 1 && path[l2-1] == '.' {
			l2--
		}
		return lengthsMatch(l1, l2, mustBeSame) && strings.EqualFold(prefix[:l1], path[:l1]) &&
			(l1 == l2 || path[l1] == '.')

	case AS400:
		return walkPrefix(prefix, path, mustBeSame, func(c byte) bool { return c == '/' })
	}

	l1 := len(strings.TrimSuffix(prefix, "/"))
	l2 := len(strings.TrimSuffix(path, "/"))
	return lengthsMatch(l1, l2, mustBeSame) && prefix[:l1] == path[:l1] &&
		(l1 == l2 || path[l1] == '/')
}

// IsSameServerPath reports whether p1 and p2 name the same directory.
func IsSameServerPath(t PathType, p1, p2 string) bool {
	return IsPrefixOfServerPath(t, p1, p2, true)
}

func lengthsMatch(l1, l2 int, mustBeSame bool) bool {
	return l1 == l2 || (!mustBeSame && l1 < l2)
}

func trimVMSRoot(p string) int {
	l := len(p)
	if l > 1 && p[l-1] == ']' && !IsVMSEscape(p, l-1) {
		l--
		if p[l-1] == '.' && !IsVMSEscape(p, l-1) {
			l--
		}
		if l >= 7 && p[l-7:l] == "[000000" && !IsVMSEscape(p, l-7) {
			l -= 6
		}
	}
	return l
}

func trimMVS(p string) int {
	l := len(p)
	if l > 1 && p[l-1] == '\'' {
		l--
		if p[l-1] == '.' {
			l--
		}
	}
	return l
}

func lowerASCII(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + 'a' - 'A'
	}
	return c
}

func walkPrefix(prefix, path string, mustBeSame bool, slash func(byte) bool) bool {
	i, j := 0, 0
	for i < len(prefix) && j < len(path) &&
		((slash(prefix[i]) && slash(path[j])) || lowerASCII(prefix[i]) == lowerASCII(path[j])) {
		i++
		j++
	}
	if i < len(prefix) && slash(prefix[i]) {
		i++
	}
	if j < len(path) && slash(path[j]) {
		j++
	}
	if i == len(prefix) && j == len(path) {
		return true
	}
	return !mustBeSame && i == len(prefix) && j > 0 && slash(path[j-1])
}
