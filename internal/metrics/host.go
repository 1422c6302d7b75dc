package metrics

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// 主机资源阈值（%）
const (
	cpuWarning     = 80.0
	cpuCritical    = 95.0
	memoryWarning  = 85.0
	memoryCritical = 95.0
	diskWarning    = 90.0
	diskCritical   = 95.0
)

// HostMetrics 主机资源。磁盘指数据目录所在的分区，报表文件写在这里。
type HostMetrics struct {
	CPUUsage         float64 `json:"cpu_usage"`
	CPUCores         int     `json:"cpu_cores"`
	MemoryUsage      float64 `json:"memory_usage"`
	MemoryTotalBytes uint64  `json:"memory_total_bytes"`
	DiskPath         string  `json:"disk_path"`
	DiskUsage        float64 `json:"disk_usage"`
	DiskFreeBytes    uint64  `json:"disk_free_bytes"`
	SystemLoadAvg1   float64 `json:"system_load_avg1"`
}

// collectHost 采集一次主机指标。单项失败不影响其他项，返回遇到的第一个错误。
func collectHost(diskPath string) (HostMetrics, error) {
	if diskPath == "" {
		diskPath = "/"
	}
	h := HostMetrics{DiskPath: diskPath}
	var firstErr error
	keep := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	// 间隔为0时与上一次调用比较，不阻塞
	if percents, err := cpu.Percent(0, false); err != nil {
		keep(fmt.Errorf("cpu: %w", err))
	} else if len(percents) > 0 {
		h.CPUUsage = percents[0]
	}
	if cores, err := cpu.Counts(true); err == nil {
		h.CPUCores = cores
	}

	if vm, err := mem.VirtualMemory(); err != nil {
		keep(fmt.Errorf("memory: %w", err))
	} else {
		h.MemoryUsage = vm.UsedPercent
		h.MemoryTotalBytes = vm.Total
	}

	if usage, err := disk.Usage(diskPath); err != nil {
		keep(fmt.Errorf("disk: %w", err))
	} else {
		h.DiskUsage = usage.UsedPercent
		h.DiskFreeBytes = usage.Free
	}

	if avg, err := load.Avg(); err == nil {
		h.SystemLoadAvg1 = avg.Load1
	}
	return h, firstErr
}

// Issues 超过阈值的资源项，严重级别的项会让健康检查失败
func (h HostMetrics) Issues() (healthy bool, issues []string) {
	healthy = true
	check := func(name string, value, warning, critical float64) {
		switch {
		case value >= critical:
			issues = append(issues, fmt.Sprintf("%s usage critical: %.1f%%", name, value))
			healthy = false
		case value >= warning:
			issues = append(issues, fmt.Sprintf("%s usage warning: %.1f%%", name, value))
		}
	}
	check("CPU", h.CPUUsage, cpuWarning, cpuCritical)
	check("Memory", h.MemoryUsage, memoryWarning, memoryCritical)
	check("Disk", h.DiskUsage, diskWarning, diskCritical)
	return healthy, issues
}
