package systeminfo

import (
	"desuid/logger"

	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/process"
)

// HostInfo is the report header: enough environment context to read an
// audit report months later and know where it came from.
type HostInfo struct {
	Hostname        string `json:"hostname"`
	OS              string `json:"os"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platform_version"`
	KernelVersion   string `json:"kernel_version"`
	BootTime        uint64 `json:"boot_time"`
	ProcessCount    int    `json:"process_count"`
}

func Gather() *HostInfo {
	info := &HostInfo{}
	hi, err := host.Info()
	if err != nil {
		logger.Warnf("Failed to gather host information: %v", err)
	} else {
		info.Hostname = hi.Hostname
		info.OS = hi.OS
		info.Platform = hi.Platform
		info.PlatformVersion = hi.PlatformVersion
		info.KernelVersion = hi.KernelVersion
		info.BootTime = hi.BootTime
	}
	if pids, err := process.Pids(); err == nil {
		info.ProcessCount = len(pids)
	}
	return info
}
