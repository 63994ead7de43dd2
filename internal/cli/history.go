package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	Filter string
}

// historyKinds are the ledger tables history can list.
var historyKinds = []string{"materialisations", "seals", "accounting"}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{}

	cmd := &cobra.Command{
		Use:   "history <materialisations|seals|accounting>",
		Short: "List evidence recorded in the ledger",
		Long: `List ledger records in the order they were recorded.

--filter narrows by target path (materialisations), segment (seals) or
run id (accounting). Requires ledger_path in the config.`,
		Args:          cobra.ExactArgs(1),
		ValidArgs:     historyKinds,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(rootOpts, opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Filter, "filter", "", "target, segment or run id to match")

	return cmd
}

func runHistory(rootOpts *RootOptions, opts *HistoryOptions, kind string, cmd *cobra.Command) error {
	formatter := newFormatter(rootOpts, cmd)
	k, err := openKernel(rootOpts)
	if err != nil {
		return formatter.Fail(err)
	}
	defer k.Close()

	if k.ledger == nil {
		return formatter.Fail(fmt.Errorf("no ledger configured: set ledger_path or SEALKIT_LEDGER_PATH"))
	}

	ctx := cmd.Context()
	var b strings.Builder
	var data any
	switch kind {
	case "materialisations":
		rows, err := k.ledger.Materialisations(ctx, opts.Filter)
		if err != nil {
			return formatter.Fail(err)
		}
		data = rows
		fmt.Fprintf(&b, "%d materialisation(s)", len(rows))
		for _, m := range rows {
			fmt.Fprintf(&b, "\n  %d  %s  %-7s %s  %s", m.Seq, m.RecordedAt, m.Outcome, m.SHA256Hex, m.Target)
		}
	case "seals":
		rows, err := k.ledger.BundleSeals(ctx, opts.Filter)
		if err != nil {
			return formatter.Fail(err)
		}
		data = rows
		fmt.Fprintf(&b, "%d bundle seal(s)", len(rows))
		for _, s := range rows {
			verdict := "FAIL"
			if s.Passed {
				verdict = "PASS"
			}
			fmt.Fprintf(&b, "\n  %d  %s  %s/%s  %s  %s", s.Seq, s.RecordedAt, s.Segment, s.State, verdict, s.BundleDir)
		}
	case "accounting":
		rows, err := k.ledger.AccountingReports(ctx, opts.Filter)
		if err != nil {
			return formatter.Fail(err)
		}
		data = rows
		fmt.Fprintf(&b, "%d accounting report(s)", len(rows))
		for _, r := range rows {
			verdict := "FAIL"
			if r.Passed {
				verdict = "PASS"
			}
			fmt.Fprintf(&b, "\n  %d  %s  run=%s  %s  failures=%d", r.Seq, r.RecordedAt, r.RunID, verdict, r.Failures)
		}
	default:
		return formatter.Fail(fmt.Errorf("unknown history kind %q: must be one of %v", kind, historyKinds))
	}

	return formatter.Success(data, b.String())
}
