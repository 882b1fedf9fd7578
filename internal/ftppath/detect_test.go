package ftppath

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const hellSoftBanner = "220-FTP Server for NW 3.1x, 4.xx  (v1.10), (c) 199x HellSoft.\r\n220 Ready\r\n"

func TestDetectPathType(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		firstReply string
		syst       string
		path       string
		want       PathType
	}{
		{"unix syst", "", "215 UNIX Type: L8", "/", Unix},
		{"slash without syst", "", "", "/pub", Unix},
		{"windows syst", "", "215 Windows_NT", "/", Windows},
		{"netware syst", "", "215 NETWARE Type: L8", "/SYS", NetWare},
		{"netware hellsoft slash", hellSoftBanner, "", "/SYS", NetWare},
		{"netware hellsoft backslash", hellSoftBanner, "", "\\", NetWare},
		{"backslash defaults to windows", "", "", "\\pub", Windows},
		{"tandem", "220 TANDEM FTP server ready\r\n", "", "\\SYSTEM", Tandem},
		{"os2 drive root", "", "", "C:/", OS2},
		{"os2 drive only", "", "", "C:", OS2},
		{"vms", "", "215 VMS", "DKA0:[PUB.VMS]", OpenVMS},
		{"vms without device", "", "", "[PUB]", OpenVMS},
		{"vms with file", "", "", "[PUB.VMS]A.TXT;1", OpenVMS},
		{"mvs", "", "", "'VEA0016.MAIN.'", MVS},
		{"zvm", "", "", "VMSYS:USER.", IBMzVM},
		{"as400 first pwd", "", "215 OS/400 is the remote operating system.", "QGPL", AS400},
		{"as400 slash", "", "215 OS/400", "/QSYS.LIB", AS400},
		{"empty path unix syst", "", "215 UNIX", "", Unix},
		{"empty path localized os2", "", "215 Betriebssystem OS/2", "", OS2},
		{"empty path mvs", "", "215 MVS is the operating system", "", MVS},
		{"empty path vm", "", "215 VM/ESA is the operating system", "", IBMzVM},
		{"empty inputs", "", "", "", Unknown},
		{"unrecognized path", "220 Hello\r\n", "215 Plan9", "pub", Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := DetectPathType(tt.firstReply, tt.syst, tt.path)
			assert.Equal(t, tt.want, got, "got %s", got)
			// deterministic for the same inputs
			assert.Equal(t, got, DetectPathType(tt.firstReply, tt.syst, tt.path))
		})
	}
}

func TestServerSystem(t *testing.T) {
	t.Parallel()
	tests := []struct {
		reply string
		want  string
	}{
		{"215 UNIX Type: L8\r\n", "UNIX"},
		{"215 Windows_NT\r\n", "Windows_NT"},
		{"215 Betriebssystem OS/2\r\n", "OS/2"},
		{"215-Remote system\r\n215 MVS is the operating system\r\n", "MVS"},
		{"215   NETWARE\r\n", "NETWARE"},
		{"500 SYST not understood\r\n", ""},
		{"215\r\n", ""},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ServerSystem(tt.reply), "reply %q", tt.reply)
	}
}
