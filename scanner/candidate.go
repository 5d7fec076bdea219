package scanner

import (
	"os"
	"time"
)

// Candidate is one executable found carrying setuid and/or setgid
// bits. Identity is the canonical absolute path; the scan produces at
// most one Candidate per path. All fields are fixed at scan time
// except CurrentMode, which the mutator updates after a change.
type Candidate struct {
	Path        string      `json:"path"`
	Mode        os.FileMode `json:"-"`
	CurrentMode os.FileMode `json:"-"`
	UID         uint32      `json:"uid"`
	GID         uint32      `json:"gid"`
	Setuid      bool        `json:"setuid"`
	Setgid      bool        `json:"setgid"`
	Inode       uint64      `json:"inode"`
	Dev         uint64      `json:"dev"`
	ChangeTime  time.Time   `json:"change_time,omitempty"`
	Fingerprint string      `json:"fingerprint,omitempty"`
}
