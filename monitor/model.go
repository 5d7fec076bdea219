package monitor

import (
	"errors"
	"time"

	"desuid/logger"
)

var (
	// ErrFrozen is returned when an event arrives after Snapshot().
	ErrFrozen = errors.New("usage model is frozen")
	// ErrOutOfOrder is returned for an event older than the last one
	// recorded. Escalation detection matches a spawn against attributes
	// sampled alongside it, so reordering would corrupt the record.
	ErrOutOfOrder = errors.New("event timestamp regressed")
)

// maxDistinctParents bounds the per-record parent set. Parents beyond
// the cap are still counted as invocations, just not stored.
const maxDistinctParents = 32

// UsageRecord accumulates what was observed about one tracked
// executable during the monitoring window.
type UsageRecord struct {
	Path                     string
	InvocationCount          int
	EscalatedInvocationCount int
	DistinctParents          []string
	LastObservedAt           time.Time

	parentSet map[string]struct{}
}

// Model maps each tracked executable path to its UsageRecord. It is
// accumulate-then-freeze: Record() until the window closes, then one
// Snapshot() call freezes it for classification.
type Model struct {
	records map[string]*UsageRecord
	lastAt  time.Time
	frozen  bool
}

// NewModel tracks exactly the given canonical executable paths. Events
// for any other path are ignored.
func NewModel(paths []string) *Model {
	m := &Model{records: make(map[string]*UsageRecord, len(paths))}
	for _, p := range paths {
		if _, dup := m.records[p]; dup {
			continue
		}
		m.records[p] = &UsageRecord{
			Path:      p,
			parentSet: make(map[string]struct{}),
		}
	}
	return m
}

// Record folds one event into the model.
func (m *Model) Record(ev ProcessEvent) error {
	if m.frozen {
		return ErrFrozen
	}
	if ev.Timestamp.Before(m.lastAt) {
		return ErrOutOfOrder
	}
	m.lastAt = ev.Timestamp

	rec, tracked := m.records[ev.ExecutablePath]
	if !tracked {
		return nil
	}
	rec.LastObservedAt = ev.Timestamp
	if ev.Kind != EventSpawned {
		return nil
	}

	rec.InvocationCount++
	if escalated(ev) {
		rec.EscalatedInvocationCount++
	}
	if ev.ParentExe != "" {
		if _, seen := rec.parentSet[ev.ParentExe]; !seen {
			if len(rec.DistinctParents) < maxDistinctParents {
				rec.parentSet[ev.ParentExe] = struct{}{}
				rec.DistinctParents = append(rec.DistinctParents, ev.ParentExe)
			} else {
				logger.Debugf("Parent set for %s at capacity; dropping %s", rec.Path, ev.ParentExe)
			}
		}
	}
	return nil
}

// escalated reports whether the privilege bit actually fired: the
// process runs with an effective identity different from the real
// identity of whoever launched it. When the parent was not observed,
// the event's own real ids stand in for the parent's — a freshly
// spawned process inherits its real ids from the invoker.
func escalated(ev ProcessEvent) bool {
	if ev.ParentKnown {
		return ev.EffectiveUID != ev.ParentRealUID || ev.EffectiveGID != ev.ParentRealGID
	}
	return ev.EffectiveUID != ev.RealUID || ev.EffectiveGID != ev.RealGID
}

// Snapshot freezes the model and returns an immutable copy of every
// record, including zero-invocation ones. Further Record calls fail.
func (m *Model) Snapshot() map[string]UsageRecord {
	m.frozen = true
	out := make(map[string]UsageRecord, len(m.records))
	for path, rec := range m.records {
		copied := UsageRecord{
			Path:                     rec.Path,
			InvocationCount:          rec.InvocationCount,
			EscalatedInvocationCount: rec.EscalatedInvocationCount,
			DistinctParents:          append([]string(nil), rec.DistinctParents...),
			LastObservedAt:           rec.LastObservedAt,
		}
		out[path] = copied
	}
	return out
}

// Frozen reports whether Snapshot has been taken.
func (m *Model) Frozen() bool {
	return m.frozen
}
