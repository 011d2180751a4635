package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/cloudless/trainagent/pkg/agent"
	"github.com/cloudless/trainagent/pkg/checkpoint"
	"github.com/cloudless/trainagent/pkg/identity"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// inspectReport is everything `agent inspect` prints
type inspectReport struct {
	AgentID     string              `json:"agent_id" yaml:"agent_id"`
	OS          string              `json:"os" yaml:"os"`
	Arch        string              `json:"arch" yaml:"arch"`
	Resources   agent.HostSnapshot  `json:"resources" yaml:"resources"`
	Checkpoints []checkpoint.Record `json:"checkpoints" yaml:"checkpoints"`
}

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Inspect host resources and locally recorded checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := readConfigFile(viper.GetViper()); err != nil {
				return err
			}
			format, _ := cmd.Flags().GetString("output")
			out, err := NewOutputter(format, cmd.OutOrStdout())
			if err != nil {
				return err
			}

			dataDir := viper.GetString("data_dir")
			diskPath := viper.GetString("checkpoint_dir")
			if diskPath == "" {
				diskPath = filepath.Join(dataDir, "checkpoints")
			}

			report, err := buildInspectReport(cmd.Context(), dataDir, diskPath, zap.NewNop())
			if err != nil {
				return err
			}
			return printInspectReport(out, cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringP("output", "o", "table", "Output format (table, json, yaml)")
	return cmd
}

func buildInspectReport(ctx context.Context, dataDir, diskPath string, logger *zap.Logger) (inspectReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	report := inspectReport{OS: runtime.GOOS, Arch: runtime.GOARCH}

	id, err := identity.Load(filepath.Join(dataDir, identity.FileName))
	switch {
	case err == nil:
		report.AgentID = id.String()
	case !errors.Is(err, identity.ErrNotFound):
		return report, err
	}

	monitor := agent.NewResourceMonitor(agent.MonitorConfig{DiskPath: diskPath}, logger)
	if report.Resources, err = monitor.Refresh(ctx); err != nil {
		return report, fmt.Errorf("failed to sample resources: %w", err)
	}

	indexPath := filepath.Join(dataDir, agent.IndexFile)
	if _, err := os.Stat(indexPath); err == nil {
		idx, err := checkpoint.OpenIndexReadOnly(indexPath, logger)
		if err != nil {
			return report, err
		}
		defer idx.Close()
		if report.Checkpoints, err = idx.List(); err != nil {
			return report, err
		}
	}
	return report, nil
}

func printInspectReport(out *Outputter, w io.Writer, report inspectReport) error {
	if out.Format() != OutputTable {
		return out.Print(report)
	}

	agentID := report.AgentID
	if agentID == "" {
		agentID = "(not yet generated)"
	}
	res := report.Resources

	fmt.Fprintln(w, "Agent Inspection Report")
	fmt.Fprintln(w, "=======================")
	fmt.Fprintf(w, "Agent ID: %s\n", agentID)
	fmt.Fprintf(w, "OS/Arch:  %s/%s\n", report.OS, report.Arch)
	fmt.Fprintln(w, "\nResources:")
	fmt.Fprintf(w, "  CPU:    %d cores, %.1f%% used\n", res.CPUCores, res.CPUUsagePercent)
	fmt.Fprintf(w, "  Memory: %s of %s used\n", formatBytes(res.MemoryUsed), formatBytes(res.MemoryTotal))
	fmt.Fprintf(w, "  Disk:   %s free of %s (%s)\n", formatBytes(res.DiskAvailable), formatBytes(res.DiskTotal), res.DiskPath)

	if len(res.GPUs) > 0 {
		fmt.Fprintln(w, "\nGPUs:")
		rows := make([][]string, 0, len(res.GPUs))
		for _, g := range res.GPUs {
			rows = append(rows, []string{
				strconv.Itoa(g.Index),
				g.Type,
				formatBytes(g.MemoryUsedBytes) + " / " + formatBytes(g.MemoryTotalBytes),
				strconv.FormatFloat(g.UtilizationPercent, 'f', 0, 64) + "%",
			})
		}
		if err := out.PrintTable([]string{"Index", "Type", "Memory", "Utilization"}, rows); err != nil {
			return err
		}
	}

	fmt.Fprintln(w, "\nCheckpoints:")
	if len(report.Checkpoints) == 0 {
		fmt.Fprintln(w, "  none recorded")
		return nil
	}
	rows := make([][]string, 0, len(report.Checkpoints))
	for _, rec := range report.Checkpoints {
		rows = append(rows, []string{
			rec.JobID,
			rec.Status,
			strconv.Itoa(rec.Step),
			rec.Path,
			rec.RecordedAt.Format(time.RFC3339),
		})
	}
	return out.PrintTable([]string{"Job", "Status", "Step", "Path", "Recorded"}, rows)
}

func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
