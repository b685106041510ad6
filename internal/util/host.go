package util

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemInfo describes the machine the server runs on.
type SystemInfo struct {
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	CPUModel     string `json:"cpu_model"`
	CPUCores     int    `json:"cpu_cores"`
	TotalMemory  uint64 `json:"total_memory_mb"`
	GoVersion    string `json:"go_version"`
}

// GetSystemInfo gathers static host information. Fields gopsutil cannot
// resolve on this platform are left empty.
func GetSystemInfo() SystemInfo {
	info := SystemInfo{
		Architecture: runtime.GOARCH,
		CPUCores:     runtime.NumCPU(),
		GoVersion:    runtime.Version(),
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}
	if hostInfo, err := host.Info(); err == nil {
		info.OS = hostInfo.Platform + " " + hostInfo.PlatformVersion
	}
	if cpuInfo, err := cpu.Info(); err == nil && len(cpuInfo) > 0 {
		info.CPUModel = cpuInfo[0].ModelName
	}
	if memInfo, err := mem.VirtualMemory(); err == nil {
		info.TotalMemory = memInfo.Total / (1024 * 1024)
	}

	return info
}

// ProcessStats is a point-in-time view of this process's resource usage.
type ProcessStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	RSSMB         uint64  `json:"rss_mb"`
	Goroutines    int     `json:"goroutines"`
	HostMemUsed   float64 `json:"host_mem_used_percent"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

var processStart = time.Now()

// GetProcessStats samples CPU and memory for the current process.
func GetProcessStats() ProcessStats {
	stats := ProcessStats{
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(processStart).Seconds()),
	}

	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if pct, err := p.CPUPercent(); err == nil {
			stats.CPUPercent = pct
		}
		if m, err := p.MemoryInfo(); err == nil {
			stats.RSSMB = m.RSS / (1024 * 1024)
		}
	}
	if memInfo, err := mem.VirtualMemory(); err == nil {
		stats.HostMemUsed = memInfo.UsedPercent
	}

	return stats
}

// DiskUsage describes the filesystem holding a path.
type DiskUsage struct {
	Path        string  `json:"path"`
	TotalMB     uint64  `json:"total_mb"`
	FreeMB      uint64  `json:"free_mb"`
	UsedPercent float64 `json:"used_percent"`
}

// GetDiskUsage reports usage for the filesystem containing path.
func GetDiskUsage(path string) (DiskUsage, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return DiskUsage{}, err
	}
	return DiskUsage{
		Path:        path,
		TotalMB:     u.Total / (1024 * 1024),
		FreeMB:      u.Free / (1024 * 1024),
		UsedPercent: u.UsedPercent,
	}, nil
}

// FileExists checks if a file or directory exists at the given path.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}
