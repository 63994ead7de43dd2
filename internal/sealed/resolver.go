// Package sealed resolves logical input ids to verified on-disk paths.
//
// An asset is only handed out after its content has been re-digested and
// found identical to what the upstream receipt declared. The resolver never
// mutates the inventory it is given.
package sealed

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/roach88/sealkit/internal/digest"
	"github.com/roach88/sealkit/internal/failure"
	"github.com/roach88/sealkit/internal/ir"
)

// Index is a read-only lookup over a sealed-input inventory.
type Index struct {
	byID map[string]ir.SealedAsset
	ids  []string
}

// NewIndex builds an index. Duplicate ids are an E_SCHEMA failure: an
// inventory that names the same input twice is ambiguous.
func NewIndex(assets []ir.SealedAsset) (*Index, error) {
	idx := &Index{byID: make(map[string]ir.SealedAsset, len(assets))}
	for _, a := range assets {
		if _, dup := idx.byID[a.ID]; dup {
			return nil, failure.New(failure.CodeSchema, "sealed inventory lists %q more than once", a.ID).
				With("asset_id", a.ID)
		}
		idx.byID[a.ID] = a
		idx.ids = append(idx.ids, a.ID)
	}
	sort.Strings(idx.ids)
	return idx, nil
}

// Lookup returns the declared asset for id.
func (idx *Index) Lookup(id string) (ir.SealedAsset, bool) {
	a, ok := idx.byID[id]
	return a, ok
}

// IDs returns every asset id, sorted.
func (idx *Index) IDs() []string {
	out := make([]string, len(idx.ids))
	copy(out, idx.ids)
	return out
}

// Resolver verifies sealed assets against the filesystem.
type Resolver struct {
	baseDir string
	hasher  *digest.Hasher
	logger  *zap.Logger
}

// NewResolver creates a resolver. Relative asset paths are resolved against
// baseDir. A nil hasher uses default chunking; a nil logger disables logging.
func NewResolver(baseDir string, hasher *digest.Hasher, logger *zap.Logger) *Resolver {
	if hasher == nil {
		hasher = digest.New(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{baseDir: baseDir, hasher: hasher, logger: logger}
}

// Resolve returns the verified path of logicalID.
//
// Errors:
//   - E_ASSET_MISSING: id not in the inventory
//   - E_ASSET_PATH: declared path does not exist
//   - E_ASSET_DIGEST: content (or declared size) differs from the inventory
//   - E_IO: a file under the path could not be read
func (r *Resolver) Resolve(idx *Index, logicalID string) (string, error) {
	asset, ok := idx.Lookup(logicalID)
	if !ok {
		return "", failure.New(failure.CodeAssetMissing, "sealed input %q not in inventory", logicalID).
			With("asset_id", logicalID)
	}

	path := r.absPath(asset.Path)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", failure.New(failure.CodeAssetPath, "sealed input %q: path %s does not exist", logicalID, path).
				With("asset_id", logicalID).
				With("path", path)
		}
		return "", failure.Wrap(failure.CodeIO, err, "sealed input %q: stat %s", logicalID, path)
	}

	got, err := r.hasher.HashPath(path, "sealed input "+strconv.Quote(logicalID))
	if err != nil {
		return "", err
	}

	actual := got.AssetSHA256()
	if actual != asset.SHA256Hex {
		r.logger.Warn("sealed input digest mismatch",
			zap.String("asset_id", logicalID),
			zap.String("expected", asset.SHA256Hex),
			zap.String("actual", actual))
		return "", failure.New(failure.CodeAssetDigest,
			"sealed input %q digest mismatch: expected %s, actual %s", logicalID, asset.SHA256Hex, actual).
			With("asset_id", logicalID).
			With("expected", asset.SHA256Hex).
			With("actual", actual)
	}
	if asset.SizeBytes != 0 && got.SizeBytes != asset.SizeBytes {
		return "", failure.New(failure.CodeAssetDigest,
			"sealed input %q size mismatch: expected %d bytes, actual %d", logicalID, asset.SizeBytes, got.SizeBytes).
			With("asset_id", logicalID).
			With("expected_size", strconv.FormatInt(asset.SizeBytes, 10)).
			With("actual_size", strconv.FormatInt(got.SizeBytes, 10))
	}

	r.logger.Debug("sealed input verified",
		zap.String("asset_id", logicalID),
		zap.String("path", path),
		zap.Int("files", len(got.Files)))
	return path, nil
}

// ResolveAll verifies every asset in the inventory and reports all
// failures. Resolved paths are returned for the assets that verified.
func (r *Resolver) ResolveAll(idx *Index) (map[string]string, failure.Report) {
	paths := make(map[string]string, len(idx.ids))
	var c failure.Collector
	for _, id := range idx.ids {
		p, err := r.Resolve(idx, id)
		if err != nil {
			c.AddError(id, err)
			continue
		}
		paths[id] = p
	}
	return paths, c.Report()
}

func (r *Resolver) absPath(p string) string {
	p = filepath.FromSlash(p)
	if filepath.IsAbs(p) || r.baseDir == "" {
		return p
	}
	return filepath.Join(r.baseDir, p)
}
