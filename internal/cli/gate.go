package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/sealkit/internal/gate"
	"github.com/roach88/sealkit/internal/ir"
	"github.com/roach88/sealkit/internal/schema"
)

// GateOptions holds flags for the gate command.
type GateOptions struct {
	Receipt             string
	Segment             string
	Require             []string
	VerifyBundles       bool
	VerifyFingerprint   bool
	ManifestFingerprint string
	ParameterHash       string
}

// GateResult is the JSON payload of the gate command.
type GateResult struct {
	Receipt             string   `json:"receipt"`
	Segment             string   `json:"segment,omitempty"`
	ManifestFingerprint string   `json:"manifest_fingerprint"`
	ParameterHash       string   `json:"parameter_hash"`
	Required            []string `json:"required"`
	BundlesVerified     bool     `json:"bundles_verified"`
}

// NewGateCommand creates the gate command.
func NewGateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &GateOptions{}

	cmd := &cobra.Command{
		Use:   "gate --receipt <path>",
		Short: "Check that a gate receipt admits a state",
		Long: `Validate a gate receipt and its upstream verdicts.

The receipt must match the gate receipt schema exactly. Every required
upstream segment must be PASS; required segments come from --require or,
when absent, from the config's gates entry for --segment. With neither,
every segment the receipt names is required, and a receipt naming none
is rejected. With
--verify-bundles each required segment's validation bundle is re-verified.
Lineage is checked when --manifest-fingerprint or --parameter-hash is given.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGate(rootOpts, opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Receipt, "receipt", "", "gate receipt to check (required)")
	cmd.Flags().StringVar(&opts.Segment, "segment", "", "segment being admitted (selects config gates)")
	cmd.Flags().StringSliceVar(&opts.Require, "require", nil, "required upstream segment (repeatable)")
	cmd.Flags().BoolVar(&opts.VerifyBundles, "verify-bundles", false, "re-verify upstream validation bundles")
	cmd.Flags().BoolVar(&opts.VerifyFingerprint, "verify-fingerprint", false, "recompute the manifest fingerprint")
	cmd.Flags().StringVar(&opts.ManifestFingerprint, "manifest-fingerprint", "", "expected manifest fingerprint")
	cmd.Flags().StringVar(&opts.ParameterHash, "parameter-hash", "", "expected parameter hash")
	_ = cmd.MarkFlagRequired("receipt")

	return cmd
}

func runGate(rootOpts *RootOptions, opts *GateOptions, cmd *cobra.Command) error {
	formatter := newFormatter(rootOpts, cmd)
	k, err := openKernel(rootOpts)
	if err != nil {
		return formatter.Fail(err)
	}
	defer k.Close()

	receipt, err := k.gates.LoadAndValidate(k.cfg.Resolve(opts.Receipt), schema.GateReceiptV1)
	if err != nil {
		return formatter.Fail(err)
	}

	if opts.ManifestFingerprint != "" || opts.ParameterHash != "" {
		rc := ir.RunContext{
			ManifestFingerprint: opts.ManifestFingerprint,
			ParameterHash:       opts.ParameterHash,
		}
		if rc.ManifestFingerprint == "" {
			rc.ManifestFingerprint = receipt.ManifestFingerprint
		}
		if rc.ParameterHash == "" {
			rc.ParameterHash = receipt.ParameterHash
		}
		if err := rc.CheckDigests(); err != nil {
			return formatter.Fail(fmt.Errorf("lineage flags: %w", err))
		}
		if err := gate.CheckLineage(receipt, rc); err != nil {
			return formatter.Fail(err)
		}
	}
	if opts.VerifyFingerprint {
		if err := gate.VerifyManifestFingerprint(receipt); err != nil {
			return formatter.Fail(err)
		}
	}

	required := opts.Require
	if len(required) == 0 && opts.Segment != "" {
		required = k.cfg.RequiredUpstream(opts.Segment)
	}
	required, err = gate.RequiredSegments(receipt, required)
	if err != nil {
		return formatter.Fail(err)
	}

	if err := gate.AssertUpstreamPass(receipt, required); err != nil {
		return formatter.Fail(err)
	}
	if opts.VerifyBundles {
		for _, seg := range required {
			if err := k.gates.RequireUpstreamBundle(receipt, seg, k.cfg.DataRoot); err != nil {
				return formatter.Fail(err)
			}
			formatter.VerboseLog("Verified bundle for segment %s", seg)
		}
	}

	res := GateResult{
		Receipt:             opts.Receipt,
		Segment:             opts.Segment,
		ManifestFingerprint: receipt.ManifestFingerprint,
		ParameterHash:       receipt.ParameterHash,
		Required:            required,
		BundlesVerified:     opts.VerifyBundles,
	}
	text := fmt.Sprintf("✓ Gate open: upstream PASS for [%s]", strings.Join(required, ", "))
	return formatter.Success(res, text)
}
