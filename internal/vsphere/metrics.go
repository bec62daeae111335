package vsphere

import (
	"context"
	"fmt"

	"github.com/vmware/govmomi/vim25/mo"
)

// VMMetrics is the per-VM snapshot the metric poller publishes. Field names
// match the cache consumers.
type VMMetrics struct {
	PowerState           string `json:"powerState"`
	GuestState           string `json:"guestState"`
	ConnectionState      string `json:"connectionState"`
	GuestHeartbeatStatus string `json:"guestHeartbeatStatus"`
	OverallStatus        string `json:"overallStatus"`
	MaxCPUUsage          int32  `json:"maxCpuUsage"`
	MaxMemoryUsage       int32  `json:"maxMemoryUsage"`
	BootTime             string `json:"bootTime"`
	IsMigrating          bool   `json:"isMigrating"`
	OverallCPUUsage      int32  `json:"overallCpuUsage"`
	GuestMemoryUsage     int32  `json:"guestMemoryUsage"`
	UptimeSeconds        int32  `json:"uptimeSeconds"`
	SwappedMemory        int64  `json:"swappedMemory"`
	UsedStorage          int64  `json:"usedStorage"`
	TotalStorage         int64  `json:"totalStorage"`
}

// HostMetrics is the per-host snapshot the metric poller publishes.
type HostMetrics struct {
	PowerState    string `json:"powerState"`
	OverallStatus string `json:"overallStatus"`
	CPUCores      int16  `json:"cpuCores"`
	RAMTotalGiB   int64  `json:"ramTotal"`
	RebootNeeded  bool   `json:"rebootRequired"`
	CPUUsageMHz   int32  `json:"cpuUsageMHz"`
	RAMUsageMB    int32  `json:"ramUsageMB"`
	Uptime        int32  `json:"uptime"`
	BootTime      string `json:"boottime"`
	CPUHz         int64  `json:"cpuHz"`
	NumCPUCores   int16  `json:"numCpuCores"`
	NumCPUThreads int16  `json:"numCpuThreads"`
}

// VMMetricsSnapshot reads the live metric properties of one VM.
func (c *Client) VMMetricsSnapshot(ctx context.Context, moid string) (*VMMetrics, error) {
	vm, err := c.findVM(ctx, moid)
	if err != nil {
		return nil, err
	}

	var moVM mo.VirtualMachine
	props := []string{"runtime", "guest", "summary", "guestHeartbeatStatus", "overallStatus"}
	if err := vm.Properties(ctx, vm.Reference(), props, &moVM); err != nil {
		return nil, fmt.Errorf("failed to read vm metrics for %s: %w", moid, mapError(err))
	}

	metrics := &VMMetrics{
		PowerState:           string(moVM.Runtime.PowerState),
		ConnectionState:      string(moVM.Runtime.ConnectionState),
		GuestHeartbeatStatus: string(moVM.GuestHeartbeatStatus),
		OverallStatus:        string(moVM.OverallStatus),
		MaxCPUUsage:          moVM.Runtime.MaxCpuUsage,
		MaxMemoryUsage:       moVM.Runtime.MaxMemoryUsage,
	}

	if moVM.Guest != nil {
		metrics.GuestState = moVM.Guest.GuestState
	}
	if moVM.Runtime.BootTime != nil {
		metrics.BootTime = moVM.Runtime.BootTime.Format("2006-01-02T15:04:05Z07:00")
	}
	if moVM.Runtime.VmFailoverInProgress != nil {
		metrics.IsMigrating = *moVM.Runtime.VmFailoverInProgress
	}

	quick := moVM.Summary.QuickStats
	metrics.OverallCPUUsage = quick.OverallCpuUsage
	metrics.GuestMemoryUsage = quick.GuestMemoryUsage
	metrics.UptimeSeconds = quick.UptimeSeconds
	metrics.SwappedMemory = int64(quick.SwappedMemory)

	if moVM.Summary.Storage != nil {
		metrics.UsedStorage = moVM.Summary.Storage.Committed
		metrics.TotalStorage = moVM.Summary.Storage.Committed + moVM.Summary.Storage.Uncommitted
	}

	return metrics, nil
}

// HostMetricsSnapshot reads the live metric properties of one host.
func (c *Client) HostMetricsSnapshot(ctx context.Context, moid string) (*HostMetrics, error) {
	host, err := c.findHost(ctx, moid)
	if err != nil {
		return nil, err
	}

	var moHost mo.HostSystem
	props := []string{"runtime", "summary", "hardware", "overallStatus"}
	if err := host.Properties(ctx, host.Reference(), props, &moHost); err != nil {
		return nil, fmt.Errorf("failed to read host metrics for %s: %w", moid, mapError(err))
	}

	metrics := &HostMetrics{
		PowerState:    string(moHost.Runtime.PowerState),
		OverallStatus: string(moHost.OverallStatus),
		RebootNeeded:  moHost.Summary.RebootRequired,
		CPUUsageMHz:   moHost.Summary.QuickStats.OverallCpuUsage,
		RAMUsageMB:    moHost.Summary.QuickStats.OverallMemoryUsage,
		Uptime:        moHost.Summary.QuickStats.Uptime,
	}

	if moHost.Runtime.BootTime != nil {
		metrics.BootTime = moHost.Runtime.BootTime.Format("2006-01-02T15:04:05Z07:00")
	}
	if moHost.Hardware != nil {
		metrics.CPUCores = moHost.Hardware.CpuInfo.NumCpuCores
		metrics.NumCPUCores = moHost.Hardware.CpuInfo.NumCpuCores
		metrics.NumCPUThreads = moHost.Hardware.CpuInfo.NumCpuThreads
		metrics.CPUHz = moHost.Hardware.CpuInfo.Hz
		metrics.RAMTotalGiB = moHost.Hardware.MemorySize / (1 << 30)
	}

	return metrics, nil
}
