package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/firefly-engineering/warden/internal/audit"
	"github.com/firefly-engineering/warden/internal/config"
)

var auditCmd = &cobra.Command{
	Use:   "audit [group]",
	Short: "Display the audit trail of a group",
	Long: `Display the audit trail of a group. Without a group, list the groups
that have one. Events not tied to a group are under "_system".`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAudit,
}

var auditJSON bool

func init() {
	auditCmd.Flags().BoolVar(&auditJSON, "events-json", false, "Output events as JSON lines")
	rootCmd.AddCommand(auditCmd)
}

func runAudit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	auditLogger := audit.NewLogger(paths().AuditDir)

	if len(args) == 0 {
		groups, err := auditLogger.Groups()
		if err != nil {
			return fmt.Errorf("failed to list audit logs: %w", err)
		}
		if len(groups) == 0 {
			logInfo("No audit logs found")
		}
		for _, g := range groups {
			fmt.Fprintln(out, g)
		}
		return nil
	}

	group := args[0]
	if group != audit.SystemGroup {
		if err := config.ValidateGroupID(group); err != nil {
			return err
		}
	}
	events, err := auditLogger.Events(group)
	if err != nil {
		return fmt.Errorf("failed to read audit log: %w", err)
	}

	if len(events) == 0 {
		logInfo("No events found for group %s", group)
		return nil
	}

	for _, e := range events {
		if auditJSON {
			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("failed to marshal event: %w", err)
			}
			fmt.Fprintln(out, string(data))
			continue
		}
		ts := e.Timestamp.Local().Format("2006-01-02 15:04:05")
		if e.Details != "" {
			fmt.Fprintf(out, "[%s] %-16s %s (%s)\n", ts, e.Type, e.Subject, e.Details)
		} else {
			fmt.Fprintf(out, "[%s] %-16s %s\n", ts, e.Type, e.Subject)
		}
	}
	return nil
}
