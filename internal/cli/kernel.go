package cli

import (
	"go.uber.org/zap"

	"github.com/roach88/sealkit/internal/bundle"
	"github.com/roach88/sealkit/internal/config"
	"github.com/roach88/sealkit/internal/digest"
	"github.com/roach88/sealkit/internal/gate"
	"github.com/roach88/sealkit/internal/ledger"
	"github.com/roach88/sealkit/internal/partition"
	"github.com/roach88/sealkit/internal/rngaudit"
	"github.com/roach88/sealkit/internal/schema"
	"github.com/roach88/sealkit/internal/sealed"
)

// kernel is the set of components a command works with, wired from the
// loaded config.
type kernel struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *schema.Registry
	hasher   *digest.Hasher
	ledger   *ledger.Ledger // nil when ledger_path is empty
	writer   *partition.Writer
	bundles  *bundle.Assembler
	gates    *gate.Validator
	resolver *sealed.Resolver
	rng      *rngaudit.Validator
}

func openKernel(opts *RootOptions) (*kernel, error) {
	if err := opts.setup(); err != nil {
		return nil, err
	}
	cfg, logger := opts.cfg, opts.logger

	registry, err := schema.NewRegistry()
	if err != nil {
		return nil, err
	}
	hasher := digest.New(cfg.HashChunkBytes)

	k := &kernel{cfg: cfg, logger: logger, registry: registry, hasher: hasher}

	writerOpts := []partition.Option{partition.WithHasher(hasher)}
	bundleOpts := []bundle.Option{bundle.WithHasher(hasher)}
	if cfg.LedgerPath != "" {
		l, err := ledger.Open(cfg.Resolve(cfg.LedgerPath))
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "open ledger", err)
		}
		k.ledger = l
		writerOpts = append(writerOpts, partition.WithRecorder(l))
		bundleOpts = append(bundleOpts, bundle.WithSealRecorder(l))
	}

	k.writer = partition.NewWriter(logger, writerOpts...)
	k.bundles = bundle.NewAssembler(k.writer, registry, logger, bundleOpts...)
	k.gates = gate.NewValidator(registry, k.bundles, logger)
	k.resolver = sealed.NewResolver(cfg.DataRoot, hasher, logger)
	k.rng = rngaudit.New(registry, cfg.KeyFields(), logger)
	return k, nil
}

func (k *kernel) Close() error {
	if k.ledger == nil {
		return nil
	}
	return k.ledger.Close()
}
