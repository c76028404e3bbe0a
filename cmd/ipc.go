package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/firefly-engineering/warden/internal/ipc"
)

var ipcCmd = &cobra.Command{
	Use:   "ipc",
	Short: "Work with signed IPC channels",
}

var ipcKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Print a new base64 master key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := ipc.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), key)
		return nil
	},
}

var ipcPublishCmd = &cobra.Command{
	Use:   "publish <channel> [file]",
	Short: "Sign and publish a task payload",
	Long: `Sign and publish a task payload read from file, or from stdin when no
file is given. The payload must be a valid task document.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runIPCPublish,
}

var ipcVerifyCmd = &cobra.Command{
	Use:   "verify <channel>",
	Short: "Check pending messages without consuming them",
	Args:  cobra.ExactArgs(1),
	RunE:  runIPCVerify,
}

func init() {
	ipcCmd.AddCommand(ipcKeygenCmd)
	ipcCmd.AddCommand(ipcPublishCmd)
	ipcCmd.AddCommand(ipcVerifyCmd)
	rootCmd.AddCommand(ipcCmd)
}

func runIPCPublish(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	bus, err := openBus(cfg)
	if err != nil {
		return err
	}

	var payload []byte
	if len(args) == 2 {
		payload, err = os.ReadFile(args[1])
	} else {
		payload, err = io.ReadAll(cmd.InOrStdin())
	}
	if err != nil {
		return fmt.Errorf("failed to read payload: %w", err)
	}
	if _, err := ipc.ParseTask(payload); err != nil {
		return err
	}

	id, err := bus.Publish(cmd.Context(), args[0], payload)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func runIPCVerify(cmd *cobra.Command, args []string) error {
	channel := args[0]
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	bus, err := openBus(cfg)
	if err != nil {
		return err
	}

	names, err := bus.Pending(channel)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	bad := 0
	for _, name := range names {
		msg, err := bus.Verify(channel, name)
		if err != nil {
			bad++
			fmt.Fprintf(out, "✗ %s: %v\n", name, err)
			continue
		}
		fmt.Fprintf(out, "✓ %s seq=%d created=%s\n", msg.ID, msg.Seq, msg.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}

	quarantined, err := bus.Quarantined(channel)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		logInfo("No pending messages on %s", channel)
	}
	if len(quarantined) > 0 {
		logWarning("%d quarantined files on %s", len(quarantined), channel)
	}
	if bad > 0 {
		return fmt.Errorf("%d of %d pending messages failed verification", bad, len(names))
	}
	return nil
}
