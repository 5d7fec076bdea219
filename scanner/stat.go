package scanner

import (
	"encoding/hex"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/djherbis/times"
	"golang.org/x/sys/unix"
)

func buildCandidate(path string, info os.FileInfo, hash bool) (*Candidate, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return nil, err
	}

	mode := info.Mode()
	cand := &Candidate{
		Path:        path,
		Mode:        mode,
		CurrentMode: mode,
		UID:         st.Uid,
		GID:         st.Gid,
		Setuid:      mode&os.ModeSetuid != 0,
		Setgid:      mode&os.ModeSetgid != 0,
		Inode:       st.Ino,
		Dev:         uint64(st.Dev),
	}
	if ts := times.Get(info); ts.HasChangeTime() {
		cand.ChangeTime = ts.ChangeTime()
	}
	if hash {
		fp, err := fingerprint(path)
		if err != nil {
			// A fingerprint is audit metadata, not a requirement.
			cand.Fingerprint = ""
		} else {
			cand.Fingerprint = fp
		}
	}
	return cand, nil
}

// fingerprint returns the xxhash64 digest of the file contents, for
// the audit trail and for spotting binaries replaced after the scan.
func fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
