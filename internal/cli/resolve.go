package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/sealkit/internal/failure"
	"github.com/roach88/sealkit/internal/schema"
	"github.com/roach88/sealkit/internal/sealed"
)

// ResolveOptions holds flags for the resolve command.
type ResolveOptions struct {
	Receipt string
}

// ResolveResult is the JSON payload of the resolve command.
type ResolveResult struct {
	Paths map[string]string `json:"paths"`
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResolveOptions{}

	cmd := &cobra.Command{
		Use:   "resolve --receipt <path> [asset-id...]",
		Short: "Verify sealed inputs against a gate receipt's inventory",
		Long: `Resolve sealed inputs by logical id.

Each asset is re-hashed and compared with the digest the receipt declares.
With no ids every asset in the inventory is verified and every failure is
reported. Paths are relative to the data root.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(rootOpts, opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Receipt, "receipt", "", "gate receipt listing sealed_inputs (required)")
	_ = cmd.MarkFlagRequired("receipt")

	return cmd
}

func runResolve(rootOpts *RootOptions, opts *ResolveOptions, ids []string, cmd *cobra.Command) error {
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
	idx, err := sealed.NewIndex(receipt.SealedInputs)
	if err != nil {
		return formatter.Fail(err)
	}

	if len(ids) == 0 {
		paths, report := k.resolver.ResolveAll(idx)
		return formatter.Report(report, ResolveResult{Paths: paths}, formatPaths(paths))
	}

	paths := make(map[string]string, len(ids))
	var c failure.Collector
	for _, id := range ids {
		p, err := k.resolver.Resolve(idx, id)
		if err != nil {
			c.AddError(id, err)
			continue
		}
		paths[id] = p
	}
	return formatter.Report(c.Report(), ResolveResult{Paths: paths}, formatPaths(paths))
}

func formatPaths(paths map[string]string) string {
	ids := make([]string, 0, len(paths))
	for id := range paths {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	fmt.Fprintf(&b, "✓ %d sealed input(s) verified", len(ids))
	for _, id := range ids {
		fmt.Fprintf(&b, "\n  %s  %s", id, paths[id])
	}
	return b.String()
}
