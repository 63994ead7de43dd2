package bundle

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"go.uber.org/zap"

	"github.com/roach88/sealkit/internal/digest"
	"github.com/roach88/sealkit/internal/failure"
	"github.com/roach88/sealkit/internal/ir"
	"github.com/roach88/sealkit/internal/partition"
	"github.com/roach88/sealkit/internal/schema"
)

var flagPattern = regexp.MustCompile(`^sha256_hex = ([0-9a-f]{64})\n$`)

// Verify recomputes the bundle digest from the files currently in dir and
// compares it with the flag. It returns the flag's digest (empty when the
// flag is unusable) and every problem found:
//
//   - E_PASS_FLAG_MISSING: no flag, or a flag not of the exact form
//     "sha256_hex = <hex>\n"
//   - E_BUNDLE_INDEX: index.json unreadable, invalid, not listing itself,
//     listing a missing file, or disk holding a file it does not list
//   - E_PASS_FLAG_MISMATCH: recomputed digest differs from the flag
func (a *Assembler) Verify(dir string) (string, failure.Report) {
	c := &failure.Collector{}

	flagHex := readFlag(c, dir)
	paths, indexOK := a.readIndex(c, dir)
	if indexOK {
		checkMembership(c, dir, paths)
	}

	if flagHex != "" && indexOK && c.Len() == 0 {
		got, err := a.hasher.ConcatSHA256(dir, paths)
		if err != nil {
			c.AddError(IndexFile, err)
		} else if got != flagHex {
			c.Add(failure.CodePassFlagMismatch, FlagFile,
				"bundle digest %s does not match flag %s", got, flagHex).
				WithDetail("expected", flagHex).
				WithDetail("actual", got)
		}
	}

	report := c.Report()
	if report.Passed {
		a.logger.Debug("bundle verified", zap.String("dir", dir), zap.String("flag", flagHex))
	} else {
		a.logger.Warn("bundle failed verification",
			zap.String("dir", dir),
			zap.Int("failures", len(report.Failures)))
	}
	return flagHex, report
}

// VerifyBundle satisfies gate.BundleVerifier.
func (a *Assembler) VerifyBundle(dir string) (string, failure.Report) {
	return a.Verify(dir)
}

func readFlag(c *failure.Collector, dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, FlagFile))
	if errors.Is(err, fs.ErrNotExist) {
		c.Add(failure.CodePassFlagMissing, FlagFile, "bundle %s has no %s", dir, FlagFile)
		return ""
	}
	if err != nil {
		c.Add(failure.CodePassFlagMissing, FlagFile, "read %s: %v", FlagFile, err)
		return ""
	}
	m := flagPattern.FindSubmatch(data)
	if m == nil {
		c.Add(failure.CodePassFlagMissing, FlagFile, "%s is malformed", FlagFile)
		return ""
	}
	return string(m[1])
}

func (a *Assembler) readIndex(c *failure.Collector, dir string) ([]string, bool) {
	data, err := os.ReadFile(filepath.Join(dir, IndexFile))
	if err != nil {
		c.Add(failure.CodeBundleIndex, IndexFile, "read %s: %v", IndexFile, err)
		return nil, false
	}

	var entries []ir.BundleIndexEntry
	if err := a.registry.Decode(schema.BundleIndexV1, data, &entries); err != nil {
		c.Add(failure.CodeBundleIndex, IndexFile, "%v", err)
		return nil, false
	}

	paths := make([]string, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	ok := true
	for _, e := range entries {
		switch {
		case !partition.ValidMemberPath(e.Path):
			c.Add(failure.CodeBundleIndex, IndexFile, "invalid path %q", e.Path)
			ok = false
		case e.Path == FlagFile:
			c.Add(failure.CodeBundleIndex, IndexFile, "%s must not be indexed", FlagFile)
			ok = false
		case seen[e.Path]:
			c.Add(failure.CodeBundleIndex, IndexFile, "duplicate path %q", e.Path)
			ok = false
		}
		seen[e.Path] = true
		paths = append(paths, e.Path)
	}
	if !seen[IndexFile] {
		c.Add(failure.CodeBundleIndex, IndexFile, "%s does not list itself", IndexFile)
		ok = false
	}
	sort.Strings(paths)
	return paths, ok
}

// checkMembership requires the indexed paths and the files on disk (less
// the flag) to be the same set.
func checkMembership(c *failure.Collector, dir string, paths []string) {
	files, err := digest.ExpandFiles(dir)
	if err != nil {
		c.Add(failure.CodeBundleIndex, "", "list bundle %s: %v", dir, err)
		return
	}

	onDisk := make(map[string]bool, len(files))
	for _, f := range files {
		onDisk[f.RelPath] = true
	}
	listed := make(map[string]bool, len(paths))
	for _, p := range paths {
		listed[p] = true
		if !onDisk[p] {
			c.Add(failure.CodeBundleIndex, p, "indexed file is missing")
		}
	}
	for _, f := range files {
		if f.RelPath != FlagFile && !listed[f.RelPath] {
			c.Add(failure.CodeBundleIndex, f.RelPath, "file is not indexed")
		}
	}
}
