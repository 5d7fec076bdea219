package monitor

import (
	"context"
	"fmt"
	"time"

	"desuid/logger"
	"desuid/utils"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcInfo is one process row in a table snapshot. Uid/gid slices from
// the OS are collapsed to the real and effective ids, which is all the
// escalation check needs.
type ProcInfo struct {
	PID          int32
	ParentPID    int32
	Exe          string
	RealUID      uint32
	EffectiveUID uint32
	RealGID      uint32
	EffectiveGID uint32
	StartedAt    time.Time
}

// Snapshot is a point-in-time view of the process table.
type Snapshot struct {
	TakenAt time.Time
	Procs   map[int32]ProcInfo
}

// Snapshotter is the injectable process-table capability. The sampler
// never touches the OS directly, so tests can feed synthetic snapshot
// sequences.
type Snapshotter interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
}

// OSSnapshotter reads the live process table.
type OSSnapshotter struct{}

func (OSSnapshotter) Snapshot(ctx context.Context) (*Snapshot, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read process table: %w", err)
	}
	snap := &Snapshot{
		TakenAt: time.Now(),
		Procs:   make(map[int32]ProcInfo, len(procs)),
	}
	for _, p := range procs {
		info, err := readProc(p)
		if err != nil {
			// Process vanished or became unreadable mid-read.
			// Dropped, not retried.
			logger.Debugf("Skipping pid %d: %v", p.Pid, err)
			continue
		}
		snap.Procs[p.Pid] = info
	}
	return snap, nil
}

func readProc(p *process.Process) (ProcInfo, error) {
	ppid, err := p.Ppid()
	if err != nil {
		return ProcInfo{}, err
	}
	exe, err := p.Exe()
	if err != nil {
		return ProcInfo{}, err
	}
	uids, err := p.Uids()
	if err != nil {
		return ProcInfo{}, err
	}
	gids, err := p.Gids()
	if err != nil {
		return ProcInfo{}, err
	}
	if len(uids) < 2 || len(gids) < 2 {
		return ProcInfo{}, fmt.Errorf("incomplete credentials for pid %d", p.Pid)
	}
	info := ProcInfo{
		PID:          p.Pid,
		ParentPID:    ppid,
		Exe:          utils.Canonical(exe),
		RealUID:      uids[0],
		EffectiveUID: uids[1],
		RealGID:      gids[0],
		EffectiveGID: gids[1],
	}
	if millis, err := p.CreateTime(); err == nil && millis > 0 {
		info.StartedAt = time.Unix(0, millis*int64(time.Millisecond))
	}
	return info, nil
}
