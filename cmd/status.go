package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/firefly-engineering/warden/internal/errors"
	"github.com/firefly-engineering/warden/internal/health"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the health of a running orchestrator",
	Long: `Show the health of a running orchestrator, read from the status file
it rewrites on every health check. Exits non-zero when any component is degraded.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	healthyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	degradedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	snap, err := health.ReadStatusFile(cfg.Health.StatusFile)
	if err != nil {
		return errors.Wrap(errors.ExitGeneralError, "orchestrator status unavailable (is warden serve running?)", err)
	}

	renderStatus(cmd.OutOrStdout(), snap, time.Now())
	if snap.Status == health.StatusDegraded {
		return errors.New(errors.ExitDegraded, "orchestrator is degraded")
	}
	return nil
}

func renderStatus(w io.Writer, snap *health.Snapshot, now time.Time) {
	fmt.Fprintln(w, titleStyle.Render("warden"))
	fmt.Fprintf(w, "Status:  %s\n", styledStatus(snap.Status))
	fmt.Fprintf(w, "Updated: %s ago\n", health.FormatDuration(now.Sub(snap.UpdatedAt)))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Components:")
	for _, c := range snap.Components {
		mark := healthyStyle.Render("✓")
		if c.Degraded {
			mark = degradedStyle.Render("✗")
		}
		line := fmt.Sprintf("  %s %-8s", mark, c.Name)
		if c.ConsecutiveFailures > 0 {
			line += fmt.Sprintf(" %d consecutive failures", c.ConsecutiveFailures)
		}
		if c.LastError != "" {
			line += " " + dimStyle.Render("("+c.LastError+")")
		}
		fmt.Fprintln(w, line)
	}

	if len(snap.Extra) > 0 {
		fmt.Fprintln(w)
		keys := make([]string, 0, len(snap.Extra))
		for k := range snap.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "%s: %s\n", k, formatExtra(snap.Extra[k]))
		}
	}
}

func styledStatus(s health.Status) string {
	if s == health.StatusDegraded {
		return degradedStyle.Render("⚠ " + string(s))
	}
	return healthyStyle.Render("✓ " + string(s))
}

func formatExtra(v any) string {
	switch v := v.(type) {
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, fmt.Sprint(item))
		}
		if len(parts) == 0 {
			return "-"
		}
		return strings.Join(parts, ", ")
	case nil:
		return "-"
	default:
		return fmt.Sprint(v)
	}
}
