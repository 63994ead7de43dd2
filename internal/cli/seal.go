package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/sealkit/internal/bundle"
)

// SealOptions holds flags for the seal command.
type SealOptions struct {
	From                string
	Segment             string
	State               string
	ManifestFingerprint string
	ParameterHash       string
	Failed              bool
}

// SealResult is the JSON payload of the seal command.
type SealResult struct {
	Dir           string   `json:"dir"`
	Outcome       string   `json:"outcome"`
	Passed        bool     `json:"passed"`
	FlagSHA256Hex string   `json:"flag_sha256_hex"`
	Members       []string `json:"members"`
}

// NewSealCommand creates the seal command.
func NewSealCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SealOptions{}

	cmd := &cobra.Command{
		Use:   "seal <bundle-dir> --from <artifacts-dir>",
		Short: "Seal a validation bundle",
		Long: `Seal the files under --from as a validation bundle.

index.json lists every member including itself. _passed.flag holds the
SHA-256 of the members' raw bytes concatenated in path order; it is
omitted with --failed so consumers see an unsealed bundle. The bundle is
published atomically as an immutable partition. Relative bundle-dir and
--from paths resolve against the config's data_root.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeal(rootOpts, opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.From, "from", "", "directory of artifacts to seal (required)")
	cmd.Flags().StringVar(&opts.Segment, "segment", "", "segment that produced the bundle (required)")
	cmd.Flags().StringVar(&opts.State, "state", "", "state that produced the bundle (required)")
	cmd.Flags().StringVar(&opts.ManifestFingerprint, "manifest-fingerprint", "", "manifest fingerprint")
	cmd.Flags().StringVar(&opts.ParameterHash, "parameter-hash", "", "parameter hash")
	cmd.Flags().BoolVar(&opts.Failed, "failed", false, "seal without a PASS flag")
	for _, name := range []string{"from", "segment", "state"} {
		_ = cmd.MarkFlagRequired(name)
	}

	return cmd
}

func runSeal(rootOpts *RootOptions, opts *SealOptions, dir string, cmd *cobra.Command) error {
	formatter := newFormatter(rootOpts, cmd)
	k, err := openKernel(rootOpts)
	if err != nil {
		return formatter.Fail(err)
	}
	defer k.Close()

	from := k.cfg.Resolve(opts.From)
	artifacts, err := readMembers(from)
	if err != nil {
		return formatter.Fail(err)
	}
	formatter.VerboseLog("Sealing %d artifact(s) from %s", len(artifacts), from)

	sealed, err := k.bundles.Seal(cmd.Context(), k.cfg.Resolve(dir), bundle.Spec{
		Segment:             opts.Segment,
		State:               opts.State,
		ManifestFingerprint: opts.ManifestFingerprint,
		ParameterHash:       opts.ParameterHash,
		Artifacts:           artifacts,
		Passed:              !opts.Failed,
	})
	if err != nil {
		return formatter.Fail(err)
	}

	res := SealResult{
		Dir:           dir,
		Outcome:       string(sealed.Outcome),
		Passed:        sealed.FlagPath != "",
		FlagSHA256Hex: sealed.FlagSHA256Hex,
		Members:       sealed.Members,
	}
	text := fmt.Sprintf("✓ Sealed %s (%s, %d members)\n  sha256_hex = %s", dir, sealed.Outcome, len(sealed.Members), sealed.FlagSHA256Hex)
	if !res.Passed {
		text = fmt.Sprintf("Sealed %s without PASS flag (%s, %d members)", dir, sealed.Outcome, len(sealed.Members))
	}
	return formatter.Success(res, text)
}
