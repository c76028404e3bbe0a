package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/firefly-engineering/warden/internal/fsutil"
	"github.com/firefly-engineering/warden/internal/secrets"
)

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage the credentials sandboxes may receive",
}

var secretsSealCmd = &cobra.Command{
	Use:   "seal [file]",
	Short: "Encrypt a KEY=VALUE file into an age bundle",
	Long: `Encrypt a KEY=VALUE file (or stdin) to one or more age recipients.
Point secrets.bundle_path at the output and put the matching identity in
the variable named by secrets.identity_env.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSecretsSeal,
}

var secretsCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Show which allowed secrets are available",
	Args:  cobra.NoArgs,
	RunE:  runSecretsCheck,
}

var (
	sealRecipients []string
	sealOutput     string
)

func init() {
	secretsSealCmd.Flags().StringArrayVarP(&sealRecipients, "recipient", "r", nil, "age recipient (repeatable)")
	secretsSealCmd.Flags().StringVarP(&sealOutput, "output", "o", "", "Write the bundle here instead of stdout")
	_ = secretsSealCmd.MarkFlagRequired("recipient")
	secretsCmd.AddCommand(secretsSealCmd)
	secretsCmd.AddCommand(secretsCheckCmd)
	rootCmd.AddCommand(secretsCmd)
}

func runSecretsSeal(cmd *cobra.Command, args []string) error {
	var in io.Reader = cmd.InOrStdin()
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	values, err := secrets.ParseBundle(in)
	if err != nil {
		return err
	}
	sealed, err := secrets.SealBundle(values, sealRecipients...)
	if err != nil {
		return err
	}

	if sealOutput == "" {
		_, err = cmd.OutOrStdout().Write(sealed)
		return err
	}
	if err := fsutil.WriteFileAtomic(sealOutput, sealed, 0600); err != nil {
		return err
	}
	logSuccess("Sealed %d secrets to %s", len(values), sealOutput)
	return nil
}

func runSecretsCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p, err := secrets.New(cfg.Secrets)
	if err != nil {
		return err
	}

	allowed := p.Allowed()
	if len(allowed) == 0 {
		logInfo("No secrets are allowed (secrets.allow is empty)")
		return nil
	}
	out := cmd.OutOrStdout()
	required := make(map[string]bool, len(cfg.Secrets.Required))
	for _, k := range cfg.Secrets.Required {
		required[k] = true
	}
	var missing []string
	for _, k := range allowed {
		set, err := p.Resolve([]string{k})
		_, ok := set[k]
		ok = ok && err == nil
		mark := "✓"
		if !ok {
			mark = "✗"
			missing = append(missing, k)
		}
		suffix := ""
		if required[k] {
			suffix = " (required)"
		}
		fmt.Fprintf(out, "%s %s%s\n", mark, k, suffix)
	}
	if len(missing) > 0 {
		logWarning("Not set: %s", strings.Join(missing, ", "))
	}
	return nil
}
