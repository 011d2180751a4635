package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cloudless/trainagent/pkg/training"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// HostSnapshot represents a snapshot of host resources
type HostSnapshot struct {
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`

	// CPU metrics
	CPUUsagePercent float64 `json:"cpu_usage_percent" yaml:"cpu_usage_percent"`
	CPUCores        int     `json:"cpu_cores" yaml:"cpu_cores"`

	// Memory metrics
	MemoryTotal       uint64  `json:"memory_total" yaml:"memory_total"`
	MemoryUsed        uint64  `json:"memory_used" yaml:"memory_used"`
	MemoryAvailable   uint64  `json:"memory_available" yaml:"memory_available"`
	MemoryUsedPercent float64 `json:"memory_used_percent" yaml:"memory_used_percent"`

	// Disk metrics for the volume holding checkpoints
	DiskPath        string  `json:"disk_path" yaml:"disk_path"`
	DiskTotal       uint64  `json:"disk_total" yaml:"disk_total"`
	DiskAvailable   uint64  `json:"disk_available" yaml:"disk_available"`
	DiskUsedPercent float64 `json:"disk_used_percent" yaml:"disk_used_percent"`

	GPUs []GPUStats `json:"gpus,omitempty" yaml:"gpus,omitempty"`
}

// Training converts the host view into the snapshot attached to metrics
// samples. GPU figures win over host memory and CPU when a GPU is present.
func (s HostSnapshot) Training() training.ResourceSnapshot {
	if len(s.GPUs) == 0 {
		return training.ResourceSnapshot{
			MemoryAllocatedBytes: s.MemoryUsed,
			MemoryTotalBytes:     s.MemoryTotal,
			UtilizationPercent:   s.CPUUsagePercent,
		}
	}

	var res training.ResourceSnapshot
	var util float64
	for _, g := range s.GPUs {
		res.MemoryAllocatedBytes += g.MemoryUsedBytes
		res.MemoryTotalBytes += g.MemoryTotalBytes
		util += g.UtilizationPercent
	}
	res.UtilizationPercent = util / float64(len(s.GPUs))
	return res
}

// MonitorConfig configures the resource monitor
type MonitorConfig struct {
	// Interval between resource checks
	Interval time.Duration

	// Disk path to monitor
	DiskPath string

	// Runner overrides how nvidia-smi is invoked
	Runner CommandRunner
}

// ResourceMonitor samples host and accelerator usage in the background so
// the training step path only ever reads a cached snapshot
type ResourceMonitor struct {
	logger   *zap.Logger
	interval time.Duration
	diskPath string
	gpus     *AcceleratorProbe

	mu       sync.RWMutex
	snapshot HostSnapshot

	// refresh serialises sampling between the loop and Refresh callers
	refresh sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewResourceMonitor creates a new resource monitor
func NewResourceMonitor(config MonitorConfig, logger *zap.Logger) *ResourceMonitor {
	if config.Interval == 0 {
		config.Interval = 5 * time.Second
	}
	if config.DiskPath == "" {
		config.DiskPath = "/"
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &ResourceMonitor{
		logger:   logger,
		interval: config.Interval,
		diskPath: config.DiskPath,
		gpus:     NewAcceleratorProbe(config.Runner, logger),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start takes an initial snapshot and starts the monitoring loop
func (m *ResourceMonitor) Start() error {
	m.logger.Info("Starting resource monitor",
		zap.Duration("interval", m.interval),
		zap.String("disk_path", m.diskPath),
	)

	if _, err := m.Refresh(m.ctx); err != nil {
		return fmt.Errorf("failed to get initial snapshot: %w", err)
	}

	m.wg.Add(1)
	go m.monitorLoop()

	return nil
}

// Stop stops the resource monitoring
func (m *ResourceMonitor) Stop() error {
	m.logger.Info("Stopping resource monitor")
	m.cancel()
	m.wg.Wait()
	return nil
}

// GetSnapshot returns the last host snapshot
func (m *ResourceMonitor) GetSnapshot() HostSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// Snapshot returns the cached snapshot in the form attached to metrics samples
func (m *ResourceMonitor) Snapshot() training.ResourceSnapshot {
	return m.GetSnapshot().Training()
}

// Refresh samples resources now and caches the result
func (m *ResourceMonitor) Refresh(ctx context.Context) (HostSnapshot, error) {
	m.refresh.Lock()
	defer m.refresh.Unlock()

	snap, err := m.sample(ctx)
	if err != nil {
		return HostSnapshot{}, err
	}

	m.mu.Lock()
	m.snapshot = snap
	m.mu.Unlock()
	return snap, nil
}

func (m *ResourceMonitor) monitorLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Refresh(m.ctx); err != nil {
				m.logger.Warn("Failed to update resource snapshot", zap.Error(err))
			}
		}
	}
}

func (m *ResourceMonitor) sample(ctx context.Context) (HostSnapshot, error) {
	snap := HostSnapshot{Timestamp: time.Now(), DiskPath: m.diskPath}

	// Zero interval compares against the previous call
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return HostSnapshot{}, fmt.Errorf("failed to get CPU usage: %w", err)
	}
	if len(percents) > 0 {
		snap.CPUUsagePercent = percents[0]
	}
	cores, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return HostSnapshot{}, fmt.Errorf("failed to get CPU count: %w", err)
	}
	snap.CPUCores = cores

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return HostSnapshot{}, fmt.Errorf("failed to get memory stats: %w", err)
	}
	snap.MemoryTotal = vm.Total
	snap.MemoryUsed = vm.Used
	snap.MemoryAvailable = vm.Available
	snap.MemoryUsedPercent = vm.UsedPercent

	// The checkpoint dir may not exist before the first job
	if usage, err := disk.UsageWithContext(ctx, m.diskPath); err == nil {
		snap.DiskTotal = usage.Total
		snap.DiskAvailable = usage.Free
		snap.DiskUsedPercent = usage.UsedPercent
	} else {
		m.logger.Debug("Failed to get disk usage",
			zap.String("path", m.diskPath),
			zap.Error(err),
		)
	}

	snap.GPUs = m.gpus.Query(ctx)
	return snap, nil
}
