package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/sealkit/internal/digest"
)

// HashResult is the JSON payload of the hash command.
type HashResult struct {
	Path         string              `json:"path"`
	SHA256Hex    string              `json:"sha256_hex"`
	AggregateHex string              `json:"aggregate_sha256_hex"`
	SizeBytes    int64               `json:"size_bytes"`
	Files        []digest.FileDigest `json:"files"`
}

// NewHashCommand creates the hash command.
func NewHashCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "hash <path>",
		Short: "Print the digest a sealed inventory would declare for a path",
		Long: `Digest a file or directory.

A regular file declares its plain SHA-256. A directory declares the
aggregate over "relpath\nhex\n" lines of its files in byte order.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHash(rootOpts, args[0], cmd)
		},
	}
}

func runHash(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)
	k, err := openKernel(opts)
	if err != nil {
		return formatter.Fail(err)
	}
	defer k.Close()

	pd, err := k.hasher.HashPath(path, "hash")
	if err != nil {
		return formatter.Fail(err)
	}
	formatter.VerboseLog("Hashed %d file(s), %d bytes", len(pd.Files), pd.SizeBytes)

	res := HashResult{
		Path:         path,
		SHA256Hex:    pd.AssetSHA256(),
		AggregateHex: pd.SHA256Hex,
		SizeBytes:    pd.SizeBytes,
		Files:        pd.Files,
	}
	return formatter.Success(res, fmt.Sprintf("%s  %s", res.SHA256Hex, path))
}
