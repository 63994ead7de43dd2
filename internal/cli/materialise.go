package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/sealkit/internal/digest"
	"github.com/roach88/sealkit/internal/partition"
)

// MaterialiseOptions holds flags for the materialise command.
type MaterialiseOptions struct {
	From string
}

// MaterialiseResult is the JSON payload of the materialise command.
type MaterialiseResult struct {
	Target    string `json:"target"`
	Outcome   string `json:"outcome"`
	SHA256Hex string `json:"sha256_hex"`
}

// NewMaterialiseCommand creates the materialise command.
func NewMaterialiseCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MaterialiseOptions{}

	cmd := &cobra.Command{
		Use:   "materialise <target> --from <path|->",
		Short: "Write an immutable partition",
		Long: `Publish content at target exactly once.

A file source is published as a single file; a directory source is
published as a directory partition. If target already holds identical
content the write resumes as a no-op. Different content is refused with
E_IMMUTABLE_PARTITION_EXISTS_NONIDENTICAL and nothing is changed. Use
--from - to read a file's content from stdin. Relative target and --from
paths both resolve against the config's data_root.`,
		Aliases:       []string{"materialize"},
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMaterialise(rootOpts, opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.From, "from", "", "source file, directory, or - for stdin (required)")
	_ = cmd.MarkFlagRequired("from")

	return cmd
}

func runMaterialise(rootOpts *RootOptions, opts *MaterialiseOptions, target string, cmd *cobra.Command) error {
	formatter := newFormatter(rootOpts, cmd)
	k, err := openKernel(rootOpts)
	if err != nil {
		return formatter.Fail(err)
	}
	defer k.Close()

	abs := k.cfg.Resolve(target)
	from := opts.From
	if from != "-" {
		from = k.cfg.Resolve(from)
	}
	var outcome partition.Outcome
	var sum string

	info, statErr := os.Stat(from)
	switch {
	case from == "-":
		content, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return formatter.Fail(err)
		}
		sum = digest.SHA256Hex(content)
		outcome, err = k.writer.Materialise(cmd.Context(), abs, content)
		if err != nil {
			return formatter.Fail(err)
		}
	case statErr != nil:
		return formatter.Fail(statErr)
	case info.IsDir():
		members, err := readMembers(from)
		if err != nil {
			return formatter.Fail(err)
		}
		outcome, err = k.writer.MaterialiseDir(cmd.Context(), abs, members)
		if err != nil {
			return formatter.Fail(err)
		}
		pd, err := k.hasher.HashPath(abs, "materialise")
		if err != nil {
			return formatter.Fail(err)
		}
		sum = pd.AssetSHA256()
	default:
		content, err := os.ReadFile(from)
		if err != nil {
			return formatter.Fail(err)
		}
		sum = digest.SHA256Hex(content)
		outcome, err = k.writer.Materialise(cmd.Context(), abs, content)
		if err != nil {
			return formatter.Fail(err)
		}
	}

	res := MaterialiseResult{Target: target, Outcome: string(outcome), SHA256Hex: sum}
	return formatter.Success(res, fmt.Sprintf("✓ %s %s (%s)", outcome, target, sum))
}

// readMembers loads every file under dir keyed by its "/"-separated
// relative path.
func readMembers(dir string) (map[string][]byte, error) {
	files, err := digest.ExpandFiles(dir)
	if err != nil {
		return nil, err
	}
	members := make(map[string][]byte, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			return nil, err
		}
		members[f.RelPath] = data
	}
	return members, nil
}
