// Package partition is the sole admission point for writing a sealed
// output location.
//
// A partition is created once and is read-only afterwards. A second write
// either proves byte-identical content (resumed) or fails closed with
// E_IMMUTABLE_PARTITION_EXISTS_NONIDENTICAL. Nothing is ever overwritten.
//
// Cross-process safety comes from create-if-absent publication, not
// locking. Content is fully staged under a unique name first, then
// published with os.Link (files) or os.Rename (directories), both of which
// refuse to replace an existing target. A process that loses the race falls
// through to the compare path. A crash leaves at most an orphaned staging
// entry, never a half-written partition.
package partition

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roach88/sealkit/internal/digest"
	"github.com/roach88/sealkit/internal/failure"
	"github.com/roach88/sealkit/internal/ledger"
)

// Outcome is the result of a successful write.
type Outcome string

const (
	// Written means the partition did not exist and now holds the content.
	Written Outcome = ledger.OutcomeWritten

	// Resumed means identical content was already present.
	Resumed Outcome = ledger.OutcomeResumed
)

// stagingPrefix marks in-flight staging entries.
const stagingPrefix = ".sealkit-staging-"

// Recorder receives successful outcomes. *ledger.Ledger implements it.
type Recorder interface {
	RecordMaterialisation(ctx context.Context, m ledger.Materialisation) error
}

// Namer generates unique staging names.
type Namer interface {
	Generate() string
}

type uuidNamer struct{}

func (uuidNamer) Generate() string {
	return uuid.NewString()
}

// Writer materialises immutable partitions.
type Writer struct {
	hasher   *digest.Hasher
	names    Namer
	recorder Recorder
	logger   *zap.Logger
}

// Option configures a Writer.
type Option func(*Writer)

// WithRecorder records every successful outcome.
func WithRecorder(r Recorder) Option {
	return func(w *Writer) { w.recorder = r }
}

// WithNamer overrides staging-name generation (random UUIDs by default).
func WithNamer(n Namer) Option {
	return func(w *Writer) { w.names = n }
}

// WithHasher sets the hasher used to compare existing content.
func WithHasher(h *digest.Hasher) Option {
	return func(w *Writer) { w.hasher = h }
}

// NewWriter creates a writer.
func NewWriter(logger *zap.Logger, opts ...Option) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Writer{
		hasher: digest.New(0),
		names:  uuidNamer{},
		logger: logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Materialise writes content to the file target. See the package doc for
// the write-once contract.
func (w *Writer) Materialise(ctx context.Context, target string, content []byte) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	outcome, err := w.materialiseFile(target, content)
	if err != nil {
		return "", err
	}
	w.logger.Info("partition materialised",
		zap.String("target", target),
		zap.String("outcome", string(outcome)),
		zap.Int("bytes", len(content)))

	return outcome, w.record(ctx, ledger.Materialisation{
		Target:    target,
		Kind:      ledger.KindFile,
		SHA256Hex: digest.SHA256Hex(content),
		SizeBytes: int64(len(content)),
		Outcome:   string(outcome),
	})
}

func (w *Writer) materialiseFile(target string, content []byte) (Outcome, error) {
	if info, err := os.Lstat(target); err == nil {
		if info.IsDir() {
			return "", w.conflict(target, "existing partition is a directory", "", digest.SHA256Hex(content))
		}
		return w.compareFile(target, content)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", failure.Wrap(failure.CodeIO, err, "stat partition %s", target)
	}

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", failure.Wrap(failure.CodeIO, err, "create partition parent %s", dir)
	}

	staging := filepath.Join(dir, stagingPrefix+w.names.Generate())
	defer os.Remove(staging)

	if err := writeSynced(staging, content); err != nil {
		return "", failure.Wrap(failure.CodeIO, err, "stage partition %s", target)
	}

	if err := os.Link(staging, target); err != nil {
		if errors.Is(err, fs.ErrExist) {
			w.logger.Debug("partition appeared while staging; comparing", zap.String("target", target))
			return w.compareFile(target, content)
		}
		return "", failure.Wrap(failure.CodeIO, err, "publish partition %s", target)
	}
	syncDir(dir)
	return Written, nil
}

func (w *Writer) compareFile(target string, content []byte) (Outcome, error) {
	same, err := w.hasher.SameFile(target, content)
	if err != nil {
		return "", failure.Wrap(failure.CodeIO, err, "compare partition %s", target)
	}
	if same {
		return Resumed, nil
	}

	existing, _, err := w.hasher.HashFile(target)
	if err != nil {
		return "", failure.Wrap(failure.CodeIO, err, "digest partition %s", target)
	}
	return "", w.conflict(target, "existing content differs", existing, digest.SHA256Hex(content))
}

// MaterialiseDir publishes members (relative "/"-separated path -> bytes)
// as the directory target. An existing directory must hold exactly the same
// member set with identical bytes.
func (w *Writer) MaterialiseDir(ctx context.Context, target string, members map[string][]byte) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rels, err := memberPaths(members)
	if err != nil {
		return "", err
	}

	outcome, err := w.materialiseDir(target, rels, members)
	if err != nil {
		return "", err
	}
	w.logger.Info("partition materialised",
		zap.String("target", target),
		zap.String("outcome", string(outcome)),
		zap.Int("members", len(rels)))

	agg, size := memberDigest(rels, members)
	return outcome, w.record(ctx, ledger.Materialisation{
		Target:    target,
		Kind:      ledger.KindDir,
		SHA256Hex: agg,
		SizeBytes: size,
		Outcome:   string(outcome),
	})
}

func (w *Writer) materialiseDir(target string, rels []string, members map[string][]byte) (Outcome, error) {
	if _, err := os.Lstat(target); err == nil {
		return w.compareDir(target, rels, members)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", failure.Wrap(failure.CodeIO, err, "stat partition %s", target)
	}

	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", failure.Wrap(failure.CodeIO, err, "create partition parent %s", parent)
	}

	staging := filepath.Join(parent, stagingPrefix+w.names.Generate())
	defer os.RemoveAll(staging)

	for _, rel := range rels {
		p := filepath.Join(staging, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return "", failure.Wrap(failure.CodeIO, err, "stage partition %s", target)
		}
		if err := writeSynced(p, members[rel]); err != nil {
			return "", failure.Wrap(failure.CodeIO, err, "stage partition %s member %s", target, rel)
		}
	}
	if len(rels) == 0 {
		if err := os.MkdirAll(staging, 0o755); err != nil {
			return "", failure.Wrap(failure.CodeIO, err, "stage partition %s", target)
		}
	}

	if err := os.Rename(staging, target); err != nil {
		// rename(2) onto a non-empty directory fails; another writer won.
		if _, statErr := os.Lstat(target); statErr == nil {
			w.logger.Debug("partition appeared while staging; comparing", zap.String("target", target))
			return w.compareDir(target, rels, members)
		}
		return "", failure.Wrap(failure.CodeIO, err, "publish partition %s", target)
	}
	syncDir(parent)
	return Written, nil
}

func (w *Writer) compareDir(target string, rels []string, members map[string][]byte) (Outcome, error) {
	info, err := os.Stat(target)
	if err != nil {
		return "", failure.Wrap(failure.CodeIO, err, "stat partition %s", target)
	}
	if !info.IsDir() {
		return "", w.conflict(target, "existing partition is a file", "", "")
	}

	files, err := digest.ExpandFiles(target)
	if err != nil {
		return "", failure.Wrap(failure.CodeIO, err, "list partition %s", target)
	}

	existing := make([]string, len(files))
	for i, f := range files {
		existing[i] = f.RelPath
	}
	if missing, extra := diffSets(rels, existing); missing != "" || extra != "" {
		reason := "member set differs"
		if missing != "" {
			reason += ": missing " + missing
		}
		if extra != "" {
			reason += ": unexpected " + extra
		}
		return "", w.conflict(target, reason, "", "")
	}

	for _, f := range files {
		same, err := w.hasher.SameFile(f.Path, members[f.RelPath])
		if err != nil {
			return "", failure.Wrap(failure.CodeIO, err, "compare partition %s", target)
		}
		if !same {
			existingHex, _, err := w.hasher.HashFile(f.Path)
			if err != nil {
				return "", failure.Wrap(failure.CodeIO, err, "digest partition %s", target)
			}
			return "", w.conflict(target, "member "+f.RelPath+" differs", existingHex, digest.SHA256Hex(members[f.RelPath]))
		}
	}
	return Resumed, nil
}

func (w *Writer) conflict(target, reason, existing, proposed string) error {
	w.logger.Warn("immutable partition conflict",
		zap.String("target", target),
		zap.String("reason", reason))
	fe := failure.New(failure.CodePartitionExistsNonIdentical, "partition %s already exists: %s", target, reason).
		With("target", target)
	if existing != "" {
		fe.With("existing_sha256_hex", existing)
	}
	if proposed != "" {
		fe.With("proposed_sha256_hex", proposed)
	}
	return fe
}

func (w *Writer) record(ctx context.Context, m ledger.Materialisation) error {
	if w.recorder == nil {
		return nil
	}
	if err := w.recorder.RecordMaterialisation(ctx, m); err != nil {
		return fmt.Errorf("partition %s: %w", m.Target, err)
	}
	return nil
}

// ValidMemberPath reports whether rel can name a directory member: relative,
// clean, "/"-separated and not escaping the partition.
func ValidMemberPath(rel string) bool {
	return rel != "" && rel != "." && !strings.HasPrefix(rel, "/") && path.Clean(rel) == rel &&
		rel != ".." && !strings.HasPrefix(rel, "../") && !strings.Contains(rel, "\\")
}

func memberPaths(members map[string][]byte) ([]string, error) {
	rels := make([]string, 0, len(members))
	for rel := range members {
		if !ValidMemberPath(rel) {
			return nil, fmt.Errorf("invalid partition member path %q", rel)
		}
		rels = append(rels, rel)
	}
	sort.Strings(rels)
	return rels, nil
}

// memberDigest is the digest.HashPath aggregate the members will have once
// published.
func memberDigest(rels []string, members map[string][]byte) (string, int64) {
	digests := make([]digest.FileDigest, len(rels))
	var size int64
	for i, rel := range rels {
		digests[i] = digest.FileDigest{RelPath: rel, SHA256Hex: digest.SHA256Hex(members[rel])}
		size += int64(len(members[rel]))
	}
	return digest.AggregateSHA256(digests), size
}

// diffSets returns the first element of want missing from got and the first
// element of got missing from want. Both inputs are sorted.
func diffSets(want, got []string) (missing, extra string) {
	i, j := 0, 0
	for i < len(want) || j < len(got) {
		switch {
		case j >= len(got) || (i < len(want) && want[i] < got[j]):
			if missing == "" {
				missing = want[i]
			}
			i++
		case i >= len(want) || got[j] < want[i]:
			if extra == "" {
				extra = got[j]
			}
			j++
		default:
			i++
			j++
		}
	}
	return missing, extra
}

func writeSynced(p string, data []byte) error {
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// syncDir flushes a directory entry after publication. Best effort: not
// every platform supports fsync on directories.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}
