package ftppath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCutDirectory(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		typ        PathType
		path       string
		wantParent string
		wantCut    string
		wantOK     bool
	}{
		{"unix two components", Unix, "/pub/dir", "/pub", "dir", true},
		{"unix trailing slash", Unix, "/pub/dir/", "/pub", "dir", true},
		{"unix to root", Unix, "/pub", "/", "pub", true},
		{"unix root", Unix, "/", "/", "", false},
		{"unix relative", Unix, "somedir", "somedir", "", false},
		{"unix empty", Unix, "", "", "", false},
		{"windows backslash", Windows, "\\pub\\dir", "\\pub", "dir", true},
		{"windows mixed", Windows, "/pub\\dir\\", "/pub", "dir", true},
		{"os2 to root", OS2, "C:/pub", "C:/", "pub", true},
		{"os2 root", OS2, "C:/", "C:/", "", false},
		{"vms dir", OpenVMS, "[PUB.VMS]", "[PUB]", "VMS", true},
		{"vms dir with device", OpenVMS, "DKA0:[PUB.VMS.SUB]", "DKA0:[PUB.VMS]", "SUB", true},
		{"vms trailing period", OpenVMS, "[PUB.VMS.]", "[PUB]", "VMS", true},
		{"vms to root", OpenVMS, "[PUB]", "[000000]", "PUB", true},
		{"vms root", OpenVMS, "[000000]", "[000000]", "", false},
		{"vms file", OpenVMS, "[PUB.VMS]file.txt;1", "[PUB.VMS]", "file.txt;1", true},
		{"vms escaped period", OpenVMS, "[PUB.A^.B]", "[PUB]", "A^.B", true},
		{"mvs dir", MVS, "'VEA0016.MAIN.CLIST'", "'VEA0016.MAIN'", "CLIST", true},
		{"mvs trailing period", MVS, "'VEA0016.MAIN.'", "'VEA0016'", "MAIN", true},
		{"mvs to root", MVS, "'VEA0016'", "''", "VEA0016", true},
		{"mvs root", MVS, "''", "''", "", false},
		{"tandem", Tandem, "\\SYSTEM.$VOL.SUBVOL", "\\SYSTEM.$VOL", "SUBVOL", true},
		{"tandem root", Tandem, "\\SYSTEM", "\\SYSTEM", "", false},
		{"zvm", IBMzVM, "VMSYS:USER.DIR1.DIR2", "VMSYS:USER.DIR1", "DIR2", true},
		{"zvm to root", IBMzVM, "VMSYS:USER.DIR1", "VMSYS:USER.", "DIR1", true},
		{"zvm trailing period", IBMzVM, "VMSYS:USER.DIR1.", "VMSYS:USER.", "DIR1", true},
		{"zvm root", IBMzVM, "VMSYS:USER.", "VMSYS:USER.", "", false},
		{"as400", AS400, "/QSYS.LIB/GARY.LIB", "/QSYS.LIB", "GARY.LIB", true},
		{"unknown dialect", Unknown, "/pub/dir", "/pub/dir", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			parent, cut, ok := CutDirectory(tt.typ, tt.path)
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.wantParent, parent)
				assert.Equal(t, tt.wantCut, cut)
			}
		})
	}
}

func TestAppend(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		typ    PathType
		path   string
		elem   string
		isDir  bool
		want   string
		wantOK bool
	}{
		{"unix", Unix, "/pub", "dir", true, "/pub/dir", true},
		{"unix root", Unix, "/", "dir", true, "/dir", true},
		{"unix empty path", Unix, "", "dir", true, "dir", true},
		{"unix empty name strips slash", Unix, "/pub/", "", true, "/pub", true},
		{"unix empty name keeps root", Unix, "/", "", true, "/", true},
		{"windows keeps backslash", Windows, "\\pub\\", "dir", true, "\\pub\\dir", true},
		{"os2 root", OS2, "C:/", "", true, "C:/", true},
		{"vms dir", OpenVMS, "[PUB]", "VMS", true, "[PUB.VMS]", true},
		{"vms dir in root", OpenVMS, "[000000]", "PUB", true, "[PUB]", true},
		{"vms file", OpenVMS, "[PUB.VMS]", "a.txt;1", false, "[PUB.VMS]a.txt;1", true},
		{"vms trailing period", OpenVMS, "[PUB.]", "VMS", true, "[PUB.VMS]", true},
		{"vms empty name", OpenVMS, "[PUB.]", "", true, "[PUB]", true},
		{"vms invalid", OpenVMS, "PUB", "VMS", true, "PUB", false},
		{"mvs", MVS, "'A.B'", "C", true, "'A.B.C'", true},
		{"mvs root", MVS, "''", "A", true, "'A'", true},
		{"mvs invalid", MVS, "A.B", "C", true, "A.B", false},
		{"tandem", Tandem, "\\SYS.$VOL", "SUB", true, "\\SYS.$VOL.SUB", true},
		{"zvm root", IBMzVM, "VMSYS:USER.", "DIR", true, "VMSYS:USER.DIR", true},
		{"zvm empty path", IBMzVM, "", "DIR", true, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := Append(tt.typ, tt.path, tt.elem, tt.isDir)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAppendCutRoundTrip(t *testing.T) {
	t.Parallel()
	paths := map[PathType][]string{
		Unix:    {"/pub/dir", "/a/b/c", "/pub", "/a b/c d"},
		Windows: {"/pub/dir", "/a/b/c"},
		NetWare: {"/SYS/PUBLIC", "/SYS/PUBLIC/DOC"},
		OS2:     {"C:/pub/dir", "C:/pub"},
		OpenVMS: {"[PUB.VMS]", "DKA0:[PUB.VMS.SUB]", "[PUB]", "[A^.B.C]"},
		MVS:     {"'A.B'", "'A.B.C'", "'A'"},
		Tandem:  {"\\SYS.$VOL.SUB", "\\SYS.$VOL"},
		IBMzVM:  {"VMSYS:USER.DIR1.DIR2", "VMSYS:USER.DIR1"},
		AS400:   {"/QSYS.LIB/GARY.LIB", "/QSYS.LIB/GARY.LIB/SRC.FILE"},
	}

	for typ, list := range paths {
		for _, path := range list {
			t.Run(typ.String()+" "+path, func(t *testing.T) {
				parent, cut, ok := CutDirectory(typ, path)
				if !assert.True(t, ok) {
					return
				}
				joined, ok := Append(typ, parent, cut, true)
				assert.True(t, ok)
				assert.Equal(t, path, joined)

				// deterministic
				parent2, cut2, _ := CutDirectory(typ, path)
				assert.Equal(t, parent, parent2)
				assert.Equal(t, cut, cut2)
			})
		}
	}
}

func TestAppendBackslashPath(t *testing.T) {
	t.Parallel()
	parent, cut, ok := CutDirectory(Windows, `C:\a\b`)
	require.True(t, ok)
	assert.Equal(t, `C:\a`, parent)
	assert.Equal(t, "b", cut)

	joined, ok := Append(Windows, parent, cut, true)
	assert.True(t, ok)
	assert.Equal(t, `C:\a/b`, joined)

	joined, ok = Append(Windows, `C:\a\`, "b", true)
	assert.True(t, ok)
	assert.Equal(t, `C:\a\b`, joined)
}

func TestVMSFileRoundTrip(t *testing.T) {
	t.Parallel()
	path := "[PUB.VMS]file.txt;1"
	parent, name, ok := CutDirectory(OpenVMS, path)
	assert.True(t, ok)
	joined, ok := Append(OpenVMS, parent, name, false)
	assert.True(t, ok)
	assert.Equal(t, path, joined)
}

func TestIsValidAndNotRoot(t *testing.T) {
	t.Parallel()
	tests := []struct {
		typ  PathType
		path string
		want bool
	}{
		{Unix, "/", false},
		{Unix, "", false},
		{Unix, "/pub", true},
		{Unix, "\\", true},
		{Windows, "\\", false},
		{NetWare, "/", false},
		{OS2, "C:", false},
		{OS2, "C:/", false},
		{OS2, "C:/pub", true},
		{OpenVMS, "[000000]", false},
		{OpenVMS, "[000000.]", false},
		{OpenVMS, "[PUB]", true},
		{OpenVMS, "PUB", false},
		{MVS, "''", false},
		{MVS, "'.'", false},
		{MVS, "'A'", true},
		{IBMzVM, "VMSYS:USER.", false},
		{IBMzVM, "VMSYS:USER.DIR", true},
		{Tandem, "\\SYS", false},
		{Tandem, "\\SYS.", false},
		{Tandem, "\\SYS.$VOL", true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, IsValidAndNotRoot(tt.typ, tt.path), "%s %q", tt.typ, tt.path)
	}
}

func TestIsPrefixOfServerPath(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		typ        PathType
		prefix     string
		path       string
		mustBeSame bool
		want       bool
	}{
		{"unix parent", Unix, "/pub", "/pub/dir", false, true},
		{"unix trailing slash", Unix, "/pub/", "/pub/dir", false, true},
		{"unix not a component", Unix, "/pub", "/public", false, false},
		{"unix case sensitive", Unix, "/Pub", "/pub", true, false},
		{"unix same", Unix, "/pub/", "/pub", true, true},
		{"unix must be same", Unix, "/pub", "/pub/dir", true, false},
		{"windows slashes and case", Windows, "/Pub\\", "/pub/dir", false, true},
		{"windows same", Windows, "\\PUB", "/pub/", true, true},
		{"as400 case", AS400, "/QSYS.LIB", "/qsys.lib/x.lib", false, true},
		{"vms parent", OpenVMS, "[PUB]", "[pub.VMS]", false, true},
		{"vms root", OpenVMS, "[000000]", "[PUB]", false, true},
		{"vms not a component", OpenVMS, "[PUB]", "[PUBLIC]", false, false},
		{"mvs parent", MVS, "'A'", "'a.B'", false, true},
		{"mvs same with period", MVS, "'A.'", "'A'", true, true},
		{"tandem parent", Tandem, "\\S.$V", "\\s.$v.X", false, true},
		{"zvm not a component", IBMzVM, "V:U.D", "V:U.DIR", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsPrefixOfServerPath(tt.typ, tt.prefix, tt.path, tt.mustBeSame))
		})
	}
}

func TestPathEndsWithDelimiter(t *testing.T) {
	t.Parallel()
	assert.True(t, PathEndsWithDelimiter(Unix, "/pub/"))
	assert.False(t, PathEndsWithDelimiter(Unix, "/pub\\"))
	assert.True(t, PathEndsWithDelimiter(Windows, "/pub\\"))
	assert.True(t, PathEndsWithDelimiter(OpenVMS, "[PUB.]"))
	assert.False(t, PathEndsWithDelimiter(OpenVMS, "[PUB^.]"))
	assert.True(t, PathEndsWithDelimiter(MVS, "'A.'"))
	assert.True(t, PathEndsWithDelimiter(IBMzVM, "V:U."))

	assert.Equal(t, "/pub", RemoveTrailingDelimiter(Unix, "/pub/"))
	assert.Equal(t, "/", RemoveTrailingDelimiter(Unix, "/"))
	assert.Equal(t, "[PUB]", RemoveTrailingDelimiter(OpenVMS, "[PUB.]"))
	assert.Equal(t, "'A'", RemoveTrailingDelimiter(MVS, "'A.'"))
	assert.Equal(t, "V:U.", RemoveTrailingDelimiter(IBMzVM, "V:U."))
}

func TestIsPathRelative(t *testing.T) {
	t.Parallel()
	assert.True(t, IsPathRelative(Unix, "pub"))
	assert.False(t, IsPathRelative(Unix, "/pub"))
	assert.False(t, IsPathRelative(Windows, "\\pub"))
	assert.False(t, IsPathRelative(OS2, "C:/pub"))
	assert.True(t, IsPathRelative(OpenVMS, "[.SUB]"))
	assert.False(t, IsPathRelative(OpenVMS, "[PUB]"))
	assert.False(t, IsPathRelative(OpenVMS, "DKA0:PUB"))
	assert.False(t, IsPathRelative(MVS, "'A'"))
	assert.True(t, IsPathRelative(IBMzVM, "DIR"))
	assert.False(t, IsPathRelative(Tandem, "\\SYS"))
}

func TestIsVMSEscape(t *testing.T) {
	t.Parallel()
	path := "A^.B^^.C"
	assert.True(t, IsVMSEscape(path, 2))
	assert.False(t, IsVMSEscape(path, 6))
	assert.False(t, IsVMSEscape(path, 0))
}

func TestDelimiterAndCase(t *testing.T) {
	t.Parallel()
	assert.Equal(t, byte('/'), Delimiter(Unix))
	assert.Equal(t, byte('/'), Delimiter(Windows))
	assert.Equal(t, byte('.'), Delimiter(OpenVMS))
	assert.Equal(t, byte('.'), Delimiter(MVS))
	assert.True(t, IsCaseSensitive(Unix))
	assert.False(t, IsCaseSensitive(Windows))
	assert.False(t, IsCaseSensitive(Unknown))
}

func TestPathTypeString(t *testing.T) {
	t.Parallel()
	for _, typ := range []PathType{Unknown, Unix, Windows, NetWare, OS2, OpenVMS, MVS, Tandem, IBMzVM, AS400} {
		assert.Equal(t, typ, ParsePathType(typ.String()))
	}
	assert.Equal(t, Unknown, ParsePathType("plan9"))
	assert.Equal(t, "unknown", PathType(99).String())
}
