package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/aide/internal/daemon"
	"github.com/harun/aide/pkg/costledger"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show whether the aide daemon is running, its live status and what it has spent.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	pid, err := daemon.ReadPID(daemon.PIDPath(cfg.DataDir))
	if err != nil || !daemon.ProcessRunning(pid) {
		fmt.Fprintln(out, "Status: stopped")
	} else {
		fmt.Fprintln(out, "Status: running")
		fmt.Fprintf(out, "PID: %d\n", pid)
		if st, err := daemon.ReadStatusFile(daemon.StatusPath(cfg.DataDir)); err == nil {
			printStatus(out, st)
		}
	}

	printCosts(cmd.Context(), out, filepath.Join(cfg.DataDir, "costs.db"))
	return nil
}

func printStatus(out io.Writer, st daemon.Status) {
	fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(st.StartedAt)))
	fmt.Fprintf(out, "Channels: %v\n", st.Channels)
	fmt.Fprintf(out, "Queue depth: %d\n", st.QueueDepth)
	fmt.Fprintf(out, "Sessions: %d\n", st.ActiveSessions)
	fmt.Fprintf(out, "Items: %d processed, %d failed\n", st.ItemsProcessed, st.ItemsFailed)
	if r := st.Current; r != nil {
		fmt.Fprintf(out, "Running: session %s, model %s, turn %d, $%.4f\n", r.SessionID, r.Model, r.Turn, r.CumulativeCost)
	}
	if r := st.LastRun; r != nil {
		fmt.Fprintf(out, "Last run: session %s, model %s, %d turns, $%.4f, %s ago\n",
			r.SessionID, r.Model, r.Turn, r.CumulativeCost, formatDuration(time.Since(r.At)))
	}
	for _, j := range st.Schedules {
		line := fmt.Sprintf("Schedule %s (%s): next %s", j.Name, j.Expr, j.NextRunAt.Format(time.RFC3339))
		if j.LastStatus != "" {
			line += ", last " + j.LastStatus
		}
		fmt.Fprintln(out, line)
	}
}

func printCosts(ctx context.Context, out io.Writer, path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	logger := zerolog.Nop()
	ledger, err := costledger.Open(path, &logger)
	if err != nil {
		fmt.Fprintf(out, "Costs: unavailable (%v)\n", err)
		return
	}
	defer ledger.Close()

	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	today, err := ledger.TotalSince(ctx, midnight)
	if err != nil {
		fmt.Fprintf(out, "Costs: unavailable (%v)\n", err)
		return
	}
	total, err := ledger.TotalSince(ctx, time.Time{})
	if err != nil {
		fmt.Fprintf(out, "Costs: unavailable (%v)\n", err)
		return
	}
	fmt.Fprintf(out, "Cost today: $%.4f (%d calls)\n", today.CostUSD, today.Calls)
	fmt.Fprintf(out, "Cost total: $%.4f (%d calls)\n", total.CostUSD, total.Calls)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
