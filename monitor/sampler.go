package monitor

import (
	"context"
	"time"

	"desuid/logger"
)

type EventKind string

const (
	EventSpawned EventKind = "spawned"
	EventExited  EventKind = "exited"
)

// ProcessEvent is one inferred process-table transition. Parent
// attributes are captured from the same snapshot so the consumer can
// judge whether the spawn escalated without re-reading the table.
type ProcessEvent struct {
	Timestamp      time.Time
	Kind           EventKind
	PID            int32
	ParentPID      int32
	ExecutablePath string
	RealUID        uint32
	EffectiveUID   uint32
	RealGID        uint32
	EffectiveGID   uint32
	ParentKnown    bool
	ParentExe      string
	ParentRealUID  uint32
	ParentRealGID  uint32
}

// RunResult summarizes one sampling window.
type RunResult struct {
	Partial bool
	Polls   int
	Spawns  int
	Exits   int
	Err     error
}

// Sampler polls a Snapshotter at a fixed interval for a fixed duration
// and emits spawn/exit events inferred by diffing consecutive
// snapshots. A process whose entire lifetime fits inside one interval
// is invisible to the diff; that is a sampling-resolution limit of the
// approach, not a defect.
type Sampler struct {
	source   Snapshotter
	interval time.Duration
	duration time.Duration

	// newTicker is swapped in tests to drive synthetic time.
	newTicker func(time.Duration) (<-chan time.Time, func())
}

func NewSampler(source Snapshotter, interval, duration time.Duration) *Sampler {
	return &Sampler{
		source:   source,
		interval: interval,
		duration: duration,
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}
}

// Run samples until the window elapses or ctx is cancelled, sending
// events on out in non-decreasing timestamp order. The caller owns the
// channel; Run never closes it. A failed initial snapshot is the one
// fatal condition — later poll failures are logged and skipped.
func (s *Sampler) Run(ctx context.Context, out chan<- ProcessEvent) RunResult {
	var res RunResult

	prev, err := s.source.Snapshot(ctx)
	if err != nil {
		res.Err = err
		return res
	}
	if len(prev.Procs) == 0 {
		logger.Warn("Initial process snapshot is empty; the process table may be restricted")
	}
	res.Polls = 1

	tick, stop := s.newTicker(s.interval)
	defer stop()
	deadline := time.After(s.duration)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Sampling cancelled; proceeding with partial observations")
			res.Partial = true
			return res
		case <-deadline:
			return res
		case <-tick:
			cur, err := s.source.Snapshot(ctx)
			if err != nil {
				if ctx.Err() != nil {
					res.Partial = true
					return res
				}
				logger.Debugf("Poll failed, skipping: %v", err)
				continue
			}
			res.Polls++
			s.diff(ctx, prev, cur, out, &res)
			prev = cur
		}
	}
}

func (s *Sampler) diff(ctx context.Context, prev, cur *Snapshot, out chan<- ProcessEvent, res *RunResult) {
	for pid, info := range cur.Procs {
		old, existed := prev.Procs[pid]
		if existed && old.StartedAt.Equal(info.StartedAt) {
			continue
		}
		// New pid, or the pid was reused between polls.
		ev := ProcessEvent{
			Timestamp:      cur.TakenAt,
			Kind:           EventSpawned,
			PID:            pid,
			ParentPID:      info.ParentPID,
			ExecutablePath: info.Exe,
			RealUID:        info.RealUID,
			EffectiveUID:   info.EffectiveUID,
			RealGID:        info.RealGID,
			EffectiveGID:   info.EffectiveGID,
		}
		if parent, ok := lookupParent(cur, prev, info.ParentPID); ok {
			ev.ParentKnown = true
			ev.ParentExe = parent.Exe
			ev.ParentRealUID = parent.RealUID
			ev.ParentRealGID = parent.RealGID
		}
		if !send(ctx, out, ev) {
			res.Partial = true
			return
		}
		res.Spawns++
	}
	for pid, info := range prev.Procs {
		cur2, exists := cur.Procs[pid]
		if exists && cur2.StartedAt.Equal(info.StartedAt) {
			continue
		}
		ev := ProcessEvent{
			Timestamp:      cur.TakenAt,
			Kind:           EventExited,
			PID:            pid,
			ParentPID:      info.ParentPID,
			ExecutablePath: info.Exe,
			RealUID:        info.RealUID,
			EffectiveUID:   info.EffectiveUID,
			RealGID:        info.RealGID,
			EffectiveGID:   info.EffectiveGID,
		}
		if !send(ctx, out, ev) {
			res.Partial = true
			return
		}
		res.Exits++
	}
}

// lookupParent prefers the current snapshot; a parent that exited
// between polls may still be present in the previous one.
func lookupParent(cur, prev *Snapshot, ppid int32) (ProcInfo, bool) {
	if info, ok := cur.Procs[ppid]; ok {
		return info, true
	}
	if info, ok := prev.Procs[ppid]; ok {
		return info, true
	}
	return ProcInfo{}, false
}

func send(ctx context.Context, out chan<- ProcessEvent, ev ProcessEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
