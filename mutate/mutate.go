package mutate

import (
	"os"
	"time"

	"desuid/classify"
	"desuid/logger"
	"desuid/scanner"
	"desuid/utils"

	"github.com/djherbis/times"
	"golang.org/x/sys/unix"
)

type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomeSimulated Outcome = "simulated"
	OutcomeMutated   Outcome = "mutated"
	OutcomeFailed    Outcome = "mutation-failed"
)

type FailureKind string

const (
	FailureNone          FailureKind = ""
	FailurePermission    FailureKind = "permission"
	FailureTargetChanged FailureKind = "target-changed"
	FailureIO            FailureKind = "io"
)

// ChangeLogEntry is the audit record for one candidate. One entry is
// written per candidate, skips included, so the log alone reconstructs
// what was (or would have been) done and why it was safe. Entries are
// never modified after creation.
type ChangeLogEntry struct {
	Path         string      `json:"path"`
	OriginalMode os.FileMode `json:"-"`
	NewMode      os.FileMode `json:"-"`
	AppliedAt    time.Time   `json:"applied_at"`
	DryRun       bool        `json:"dry_run"`
	Outcome      Outcome     `json:"outcome"`
	Failure      FailureKind `json:"failure,omitempty"`
	Error        string      `json:"error,omitempty"`
	Detail       string      `json:"detail,omitempty"`
}

// Mutator strips privilege bits for removable verdicts, one candidate
// at a time so the audit log stays strictly ordered and a failure's
// blast radius stays bounded to that candidate.
type Mutator struct {
	dryRun bool
	log    []ChangeLogEntry
	now    func() time.Time
}

func New(dryRun bool) *Mutator {
	return &Mutator{dryRun: dryRun, now: time.Now}
}

// ApplyAll processes verdicts sequentially in the given order. A
// per-candidate failure is recorded and the batch continues.
func (m *Mutator) ApplyAll(verdicts []classify.Verdict) {
	for _, v := range verdicts {
		entry := m.Apply(v)
		if entry.Outcome == OutcomeFailed {
			logger.Warnf("Mutation failed for %s: %s", entry.Path, entry.Error)
		}
	}
}

// Apply handles one verdict and records its ChangeLogEntry. The state
// machine per candidate is Classified -> skipped | simulated |
// mutated | mutation-failed, all terminal.
func (m *Mutator) Apply(v classify.Verdict) ChangeLogEntry {
	cand := v.Candidate
	entry := ChangeLogEntry{
		Path:         cand.Path,
		OriginalMode: cand.CurrentMode,
		NewMode:      cand.CurrentMode,
		AppliedAt:    m.now(),
		DryRun:       m.dryRun,
	}

	if v.KeepBits() {
		entry.Outcome = OutcomeSkipped
		entry.Detail = "privilege bits retained: " + string(v.Classification)
		m.record(entry)
		return entry
	}

	target := cand.CurrentMode &^ (os.ModeSetuid | os.ModeSetgid)
	if target == cand.CurrentMode {
		// Already clear; applying again is a no-op, not an error.
		entry.Outcome = OutcomeSkipped
		entry.Detail = "privilege bits already clear"
		m.record(entry)
		return entry
	}
	entry.NewMode = target

	if m.dryRun {
		entry.Outcome = OutcomeSimulated
		entry.Detail = "would chmod " + utils.FormatMode(cand.CurrentMode) + " -> " + utils.FormatMode(target)
		m.record(entry)
		return entry
	}

	if kind, err := m.recheck(cand); err != nil {
		entry.Outcome = OutcomeFailed
		entry.Failure = kind
		entry.Error = err.Error()
		entry.NewMode = cand.CurrentMode
		m.record(entry)
		return entry
	}

	if err := os.Chmod(cand.Path, target); err != nil {
		entry.Outcome = OutcomeFailed
		entry.Failure = failureKindFor(err)
		entry.Error = err.Error()
		entry.NewMode = cand.CurrentMode
		m.record(entry)
		return entry
	}

	cand.CurrentMode = target
	entry.Outcome = OutcomeMutated
	logger.Infof("Removed setuid/setgid bits from %s (%s -> %s)",
		cand.Path, utils.FormatMode(entry.OriginalMode), utils.FormatMode(target))
	m.record(entry)
	return entry
}

// recheck verifies the file on disk still is the file that was scanned
// and classified, immediately before mutating it. A vanished file, a
// different inode, or different mode bits all mean the evidence is
// stale.
func (m *Mutator) recheck(cand *scanner.Candidate) (FailureKind, error) {
	var st unix.Stat_t
	if err := unix.Stat(cand.Path, &st); err != nil {
		if os.IsNotExist(err) {
			return FailureTargetChanged, &TargetChangedError{Path: cand.Path, Reason: "file vanished since scan"}
		}
		if os.IsPermission(err) {
			return FailurePermission, err
		}
		return FailureIO, err
	}
	if st.Ino != cand.Inode || uint64(st.Dev) != cand.Dev {
		return FailureTargetChanged, &TargetChangedError{Path: cand.Path, Reason: "inode changed since scan"}
	}
	info, err := os.Stat(cand.Path)
	if err != nil {
		return FailureIO, err
	}
	onDisk := info.Mode() & (os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky)
	expected := cand.CurrentMode & (os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky)
	if onDisk != expected {
		return FailureTargetChanged, &TargetChangedError{
			Path:   cand.Path,
			Reason: "mode changed since scan: " + utils.FormatMode(info.Mode()) + " != " + utils.FormatMode(cand.CurrentMode),
		}
	}
	if ts, err := times.Stat(cand.Path); err == nil && ts.HasChangeTime() &&
		!cand.ChangeTime.IsZero() && ts.ChangeTime().After(cand.ChangeTime) {
		// Metadata was touched after the scan but mode and inode still
		// match; worth surfacing, not worth refusing.
		logger.Debugf("ctime of %s advanced since scan", cand.Path)
	}
	return FailureNone, nil
}

func failureKindFor(err error) FailureKind {
	switch {
	case os.IsPermission(err):
		return FailurePermission
	case os.IsNotExist(err):
		return FailureTargetChanged
	default:
		return FailureIO
	}
}

func (m *Mutator) record(entry ChangeLogEntry) {
	m.log = append(m.log, entry)
}

// ChangeLog returns the entries in processing order.
func (m *Mutator) ChangeLog() []ChangeLogEntry {
	return m.log
}

// TargetChangedError reports that a candidate's on-disk state no
// longer matches what was scanned.
type TargetChangedError struct {
	Path   string
	Reason string
}

func (e *TargetChangedError) Error() string {
	return e.Path + ": " + e.Reason
}
