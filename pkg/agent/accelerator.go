package agent

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// GPUStats is one accelerator as reported by the vendor tool
type GPUStats struct {
	Index              int     `json:"index" yaml:"index"`
	Name               string  `json:"name" yaml:"name"`
	Type               string  `json:"type" yaml:"type"`
	MemoryUsedBytes    uint64  `json:"memory_used_bytes" yaml:"memory_used_bytes"`
	MemoryTotalBytes   uint64  `json:"memory_total_bytes" yaml:"memory_total_bytes"`
	UtilizationPercent float64 `json:"utilization_percent" yaml:"utilization_percent"`
}

// CommandRunner runs an external command and returns its stdout
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

const mib = 1024 * 1024

var nvidiaQueryArgs = []string{
	"--query-gpu=index,name,memory.used,memory.total,utilization.gpu",
	"--format=csv,noheader,nounits",
}

// AcceleratorProbe queries attached GPUs through nvidia-smi
type AcceleratorProbe struct {
	logger  *zap.Logger
	run     CommandRunner
	timeout time.Duration

	// unavailable is set after the first failed query so hosts without
	// a GPU do not spawn a process on every refresh
	unavailable bool
}

// NewAcceleratorProbe creates a probe. A nil runner executes the real tool.
func NewAcceleratorProbe(run CommandRunner, logger *zap.Logger) *AcceleratorProbe {
	if run == nil {
		run = execRunner
	}
	return &AcceleratorProbe{
		logger:  logger,
		run:     run,
		timeout: 5 * time.Second,
	}
}

// Query returns the current GPU stats, or nil when no GPU is available.
// Callers must not call Query concurrently.
func (p *AcceleratorProbe) Query(ctx context.Context) []GPUStats {
	if p.unavailable {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := p.run(ctx, "nvidia-smi", nvidiaQueryArgs...)
	if err != nil {
		p.logger.Debug("nvidia-smi not available", zap.Error(err))
		p.unavailable = true
		return nil
	}

	gpus, err := parseNvidiaSMI(out)
	if err != nil {
		p.logger.Warn("Failed to parse nvidia-smi output", zap.Error(err))
		return nil
	}
	return gpus
}

// parseNvidiaSMI parses csv rows of index, name, memory.used (MiB),
// memory.total (MiB) and utilization.gpu (%)
func parseNvidiaSMI(out []byte) ([]GPUStats, error) {
	var gpus []GPUStats
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := strings.Split(line, ",")
		if len(fields) != 5 {
			return nil, fmt.Errorf("unexpected nvidia-smi row %q", line)
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}

		index, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("invalid gpu index %q: %w", fields[0], err)
		}
		used, err := parseMiB(fields[2])
		if err != nil {
			return nil, err
		}
		total, err := parseMiB(fields[3])
		if err != nil {
			return nil, err
		}
		util, err := parsePercent(fields[4])
		if err != nil {
			return nil, err
		}

		gpus = append(gpus, GPUStats{
			Index:              index,
			Name:               fields[1],
			Type:               acceleratorType(fields[1]),
			MemoryUsedBytes:    used,
			MemoryTotalBytes:   total,
			UtilizationPercent: util,
		})
	}
	return gpus, nil
}

func parseMiB(s string) (uint64, error) {
	if s == "[N/A]" || s == "[Not Supported]" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory value %q: %w", s, err)
	}
	return uint64(v * mib), nil
}

func parsePercent(s string) (float64, error) {
	if s == "[N/A]" || s == "[Not Supported]" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid utilization %q: %w", s, err)
	}
	return v, nil
}

// acceleratorType maps a marketing name to a stable type label such as
// "nvidia-a100" or "nvidia-tesla-t4"
func acceleratorType(name string) string {
	lower := strings.ToLower(name)

	known := []struct {
		match string
		typ   string
	}{
		{"tesla t4", "nvidia-tesla-t4"},
		{"tesla v100", "nvidia-tesla-v100"},
		{"tesla p100", "nvidia-tesla-p100"},
		{"a100", "nvidia-a100"},
		{"h100", "nvidia-h100"},
		{"a10g", "nvidia-a10g"},
		{"l40s", "nvidia-l40s"},
		{"l40", "nvidia-l40"},
		{" l4", "nvidia-l4"},
		{"rtx 4090", "nvidia-rtx-4090"},
		{"rtx 3090", "nvidia-rtx-3090"},
	}
	for _, k := range known {
		if strings.Contains(lower, k.match) {
			return k.typ
		}
	}

	slug := strings.Join(strings.Fields(strings.TrimPrefix(lower, "nvidia")), "-")
	if slug == "" {
		return "nvidia-unknown"
	}
	return "nvidia-" + slug
}
