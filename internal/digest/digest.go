// Package digest computes SHA-256 content digests over files and file trees.
//
// Tree digests are a pure function of (relative path, content) pairs:
// ordering is re-imposed before hashing, so filesystem iteration order never
// leaks into a digest.
//
// Aggregate convention: the aggregate of a tree is
//
//	SHA256( for each file in expanded order: relpath + "\n" + hex + "\n" )
//
// with relpaths using "/" separators. A single-file path aggregates over
// one entry whose relpath is the file's base name. This layout is frozen;
// changing it invalidates every sealed inventory.
package digest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/roach88/sealkit/internal/failure"
)

// DefaultChunkBytes is the read buffer size used when streaming files.
const DefaultChunkBytes = 1 << 20

// File is one file selected by ExpandFiles.
type File struct {
	// Path is the on-disk path (root joined with RelPath).
	Path string

	// RelPath is the path relative to the expanded root, "/"-separated.
	RelPath string
}

// FileDigest is the digest of one file.
type FileDigest struct {
	RelPath   string `json:"path"`
	SHA256Hex string `json:"sha256_hex"`
	SizeBytes int64  `json:"size_bytes"`
}

// PathDigest is the digest of a file or directory.
type PathDigest struct {
	Files     []FileDigest `json:"files"`
	SizeBytes int64        `json:"size_bytes"`
	SHA256Hex string       `json:"sha256_hex"`

	// Regular is set when the path was a single regular file.
	Regular bool `json:"-"`
}

// AssetSHA256 is the digest an inventory declares for the path: the plain
// file digest for a regular file, the aggregate for a directory.
func (d PathDigest) AssetSHA256() string {
	if d.Regular && len(d.Files) == 1 {
		return d.Files[0].SHA256Hex
	}
	return d.SHA256Hex
}

// Hasher streams files through SHA-256 in fixed-size chunks.
// The zero value uses DefaultChunkBytes.
type Hasher struct {
	ChunkBytes int
}

// New returns a Hasher with the given chunk size. Non-positive sizes fall
// back to DefaultChunkBytes.
func New(chunkBytes int) *Hasher {
	return &Hasher{ChunkBytes: chunkBytes}
}

func (h *Hasher) chunk() int {
	if h == nil || h.ChunkBytes <= 0 {
		return DefaultChunkBytes
	}
	return h.ChunkBytes
}

// HashFile returns the hex SHA-256 of the file at path and its size.
// The file is never loaded into memory whole.
func (h *Hasher) HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	return h.HashReader(f)
}

// HashReader streams r through SHA-256.
func (h *Hasher) HashReader(r io.Reader) (string, int64, error) {
	sum := sha256.New()
	n, err := io.CopyBuffer(sum, r, make([]byte, h.chunk()))
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(sum.Sum(nil)), n, nil
}

// ExpandFiles lists the files under path. A regular file expands to itself
// with its base name as RelPath; a directory expands to every contained
// file sorted byte-wise by RelPath.
func ExpandFiles(path string) ([]File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []File{{Path: path, RelPath: filepath.Base(path)}}, nil
	}

	var files []File
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		files = append(files, File{Path: p, RelPath: filepath.ToSlash(rel)})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].RelPath < files[j].RelPath })
	return files, nil
}

// HashFiles digests each file in order. Any unreadable file fails the whole
// call with E_IO; errorPrefix names the logical asset being hashed.
func (h *Hasher) HashFiles(files []File, errorPrefix string) ([]FileDigest, error) {
	out := make([]FileDigest, 0, len(files))
	for _, f := range files {
		hexDigest, size, err := h.HashFile(f.Path)
		if err != nil {
			return nil, failure.Wrap(failure.CodeIO, err, "%s: cannot read %s", errorPrefix, f.Path).
				With("path", f.Path)
		}
		out = append(out, FileDigest{RelPath: f.RelPath, SHA256Hex: hexDigest, SizeBytes: size})
	}
	return out, nil
}

// AggregateSHA256 combines per-file digests, in the order given, into one
// digest. Callers pass the output of HashFiles, which is already in
// expanded order.
func AggregateSHA256(digests []FileDigest) string {
	sum := sha256.New()
	for _, d := range digests {
		io.WriteString(sum, d.RelPath)
		sum.Write([]byte{'\n'})
		io.WriteString(sum, d.SHA256Hex)
		sum.Write([]byte{'\n'})
	}
	return hex.EncodeToString(sum.Sum(nil))
}

// HashPath expands, hashes and aggregates path.
func (h *Hasher) HashPath(path, errorPrefix string) (PathDigest, error) {
	info, err := os.Stat(path)
	if err != nil {
		return PathDigest{}, failure.Wrap(failure.CodeIO, err, "%s: cannot list %s", errorPrefix, path).
			With("path", path)
	}
	files, err := ExpandFiles(path)
	if err != nil {
		return PathDigest{}, failure.Wrap(failure.CodeIO, err, "%s: cannot list %s", errorPrefix, path).
			With("path", path)
	}
	digests, err := h.HashFiles(files, errorPrefix)
	if err != nil {
		return PathDigest{}, err
	}

	var total int64
	for _, d := range digests {
		total += d.SizeBytes
	}
	return PathDigest{
		Files:     digests,
		SizeBytes: total,
		SHA256Hex: AggregateSHA256(digests),
		Regular:   info.Mode().IsRegular(),
	}, nil
}

// ConcatSHA256 hashes the raw bytes of root/relpath for each relpath,
// concatenated in ASCII order of the relpaths. This is the bundle digest
// law: no separators, no per-file digests.
func (h *Hasher) ConcatSHA256(root string, relpaths []string) (string, error) {
	ordered := make([]string, len(relpaths))
	copy(ordered, relpaths)
	sort.Strings(ordered)

	sum := sha256.New()
	buf := make([]byte, h.chunk())
	for _, rel := range ordered {
		if err := copyFile(sum, filepath.Join(root, filepath.FromSlash(rel)), buf); err != nil {
			return "", failure.Wrap(failure.CodeIO, err, "bundle member %s unreadable", rel).
				With("path", rel)
		}
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// ConcatMembersSHA256 applies the ConcatSHA256 law to in-memory members
// keyed by relpath, so a bundle's digest can be fixed before it is
// published.
func ConcatMembersSHA256(members map[string][]byte) string {
	ordered := make([]string, 0, len(members))
	for rel := range members {
		ordered = append(ordered, rel)
	}
	sort.Strings(ordered)

	sum := sha256.New()
	for _, rel := range ordered {
		sum.Write(members[rel])
	}
	return hex.EncodeToString(sum.Sum(nil))
}

func copyFile(w io.Writer, path string, buf []byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.CopyBuffer(w, f, buf)
	return err
}

// SameFile streams the file at path against want and reports whether the
// bytes are identical. A missing file is reported as (false, nil).
func (h *Hasher) SameFile(path string, want []byte) (bool, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()

	buf := make([]byte, h.chunk())
	rest := want
	for {
		n, err := io.ReadFull(f, buf)
		if n > 0 {
			if n > len(rest) || !bytes.Equal(buf[:n], rest[:n]) {
				return false, nil
			}
			rest = rest[n:]
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return len(rest) == 0, nil
		}
		if err != nil {
			return false, fmt.Errorf("compare %s: %w", path, err)
		}
	}
}

// SHA256Hex returns the hex digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
