package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/sealkit/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	// Environ overrides the process environment for config loading.
	// Nil uses the process environment.
	Environ map[string]string

	cfg    *config.Config
	logger *zap.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// DefaultConfigPath is read when --config is not given. A missing file
// yields built-in defaults.
const DefaultConfigPath = "sealkit.yaml"

// NewRootCommand creates the root command for the sealkit CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "sealkit",
		Short: "sealkit - sealed inputs, immutable partitions, validation bundles",
		Long: `Integrity kernel for staged data pipelines.

Verifies upstream gate receipts and sealed inputs, writes immutable
partitions, reconciles RNG draw accounting, and seals validation bundles
whose PASS flag downstream states check before reading.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				err := NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
				fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
				return err
			}
			if err := opts.setup(); err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
				return err
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", DefaultConfigPath, "config file (YAML)")

	cmd.AddCommand(NewHashCommand(opts))
	cmd.AddCommand(NewResolveCommand(opts))
	cmd.AddCommand(NewGateCommand(opts))
	cmd.AddCommand(NewRngAuditCommand(opts))
	cmd.AddCommand(NewMaterialiseCommand(opts))
	cmd.AddCommand(NewSealCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))

	return cmd
}

// setup loads the config and builds the logger once. Commands constructed
// outside the root command call it lazily through openKernel.
func (o *RootOptions) setup() error {
	if o.cfg != nil {
		return nil
	}
	cfg, err := config.LoadWithEnv(o.ConfigPath, o.Environ)
	if err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}
	logger, err := buildLogger(cfg, o.Verbose)
	if err != nil {
		return WrapExitError(ExitCommandError, "build logger", err)
	}
	o.cfg = cfg
	o.logger = logger
	return nil
}

func buildLogger(cfg *config.Config, verbose bool) (*zap.Logger, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	if verbose {
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return zc.Build()
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
