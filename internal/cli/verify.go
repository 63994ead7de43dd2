package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// VerifyResult is the JSON payload of the verify command.
type VerifyResult struct {
	Dir           string `json:"dir"`
	FlagSHA256Hex string `json:"flag_sha256_hex"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <bundle-dir>",
		Short: "Verify a validation bundle's PASS flag",
		Long: `Recompute a bundle's PASS flag from its index and members.

Fails if the flag is absent or malformed, if index.json and the files on
disk disagree, or if the recomputed digest differs from the flag. Every
detected problem is reported.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(rootOpts, args[0], cmd)
		},
	}
}

func runVerify(rootOpts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := newFormatter(rootOpts, cmd)
	k, err := openKernel(rootOpts)
	if err != nil {
		return formatter.Fail(err)
	}
	defer k.Close()

	flagHex, report := k.bundles.Verify(k.cfg.Resolve(dir))
	res := VerifyResult{Dir: dir, FlagSHA256Hex: flagHex}
	return formatter.Report(report, res, fmt.Sprintf("✓ PASS %s\n  sha256_hex = %s", dir, flagHex))
}
