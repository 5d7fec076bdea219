package utils

import (
	"fmt"
	"os"
)

// FormatMode renders the permission and privilege bits of m in the
// conventional octal form (e.g. 4755 for a setuid executable).
func FormatMode(m os.FileMode) string {
	v := uint32(m.Perm())
	if m&os.ModeSetuid != 0 {
		v |= 0o4000
	}
	if m&os.ModeSetgid != 0 {
		v |= 0o2000
	}
	if m&os.ModeSticky != 0 {
		v |= 0o1000
	}
	return fmt.Sprintf("%04o", v)
}
