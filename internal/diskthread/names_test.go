package diskthread

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateNewName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		in     string
		n      int
		isDir  bool
		maxLen int
		want   string
		ok     bool
	}{
		{"file", "file.txt", 2, false, MaxNameLen, "file (2).txt", true},
		{"dir keeps dots", "dir.x", 2, true, MaxNameLen, "dir.x (2)", true},
		{"hidden file", ".cvspass", 3, false, MaxNameLen, ".cvspass (3)", true},
		{"first candidate", "file.txt", 1, false, MaxNameLen, "file.txt", true},
		{"shorten name keep ext", "abcdefgh.txt", 2, false, 12, "abcd (2).txt", true},
		{"shorten without ext", "abcdefgh.longext", 2, false, 10, "abcdef (2)", true},
		{"too long first round", "abcdefgh.txt", 1, false, 8, "abcd.txt", true},
		{"nothing fits", "abc", 2, false, 4, "", false},
		{"multibyte", "ééééé.txt", 2, false, 11, "é (2).txt", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := GenerateNewName(tt.in, tt.n, tt.isDir, tt.maxLen)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSplitRenameSuffix(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		base string
		n    int
	}{
		{"a (2).txt", "a.txt", 2},
		{"x (12)", "x", 12},
		{"plain", "plain", 1},
		{"(3)", "(3)", 1},
		{"a (b)", "a (b)", 1},
		{"a (2) (5)", "a (2)", 5},
	}
	for _, tt := range tests {
		base, n := splitRenameSuffix(tt.in)
		assert.Equal(t, tt.base, base, tt.in)
		assert.Equal(t, tt.n, n, tt.in)
	}
}

func TestValidNames(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in        string
		windows   bool
		valid     bool
		madeValid string
	}{
		{"a:b", false, true, "a:b"},
		{"a:b", true, false, "a_b"},
		{"a/b", false, false, "a_b"},
		{"", false, false, "_"},
		{"..", false, false, "__"},
		{"name.", true, false, "name_"},
		{"con.txt", true, false, "con_.txt"},
		{"tab\there", false, false, "tab_here"},
		{"ok name.txt", true, true, "ok name.txt"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.valid, isValidName(tt.in, tt.windows), tt.in)
		assert.Equal(t, tt.madeValid, makeValidName(tt.in, tt.windows), tt.in)
	}
}
