package digest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/sealkit/internal/failure"
)

const (
	alphaHex = "b6a98d9ce9a2d9149288fa3df42d377c3e42737afdcdaf714e33c0a100b51060"
	betaHex  = "f2c82decdd7181cf98945929a62598db7e6b477e11f6e0eb0ae97020eff151ad"
	gammaHex = "be9d587defa1f0c09ef49eb17e206983a5f8f8289e4281860bd0ee5a19592c67"
	emptyHex = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func sampleTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"sub/z/c.txt": "gamma",
		"a.txt":       "alpha\n",
		"sub/b.txt":   "beta\n",
	})
	return root
}

func TestHashFile(t *testing.T) {
	root := sampleTree(t)

	hexDigest, size, err := New(0).HashFile(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, alphaHex, hexDigest)
	assert.Equal(t, int64(6), size)
}

func TestHashFile_SmallChunksSameDigest(t *testing.T) {
	root := t.TempDir()
	content := strings.Repeat("0123456789", 1000)
	writeTree(t, root, map[string]string{"big.bin": content})

	d1, n1, err := New(7).HashFile(filepath.Join(root, "big.bin"))
	require.NoError(t, err)
	d2, n2, err := New(0).HashFile(filepath.Join(root, "big.bin"))
	require.NoError(t, err)

	assert.Equal(t, d1, d2, "chunk size must not affect the digest")
	assert.Equal(t, n1, n2)
	assert.Equal(t, SHA256Hex([]byte(content)), d1)
}

func TestExpandFiles_SingleFile(t *testing.T) {
	root := sampleTree(t)
	path := filepath.Join(root, "a.txt")

	files, err := ExpandFiles(path)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, path, files[0].Path)
	assert.Equal(t, "a.txt", files[0].RelPath)
}

func TestExpandFiles_DirectorySorted(t *testing.T) {
	root := sampleTree(t)

	files, err := ExpandFiles(root)
	require.NoError(t, err)

	var rels []string
	for _, f := range files {
		rels = append(rels, f.RelPath)
	}
	assert.Equal(t, []string{"a.txt", "sub/b.txt", "sub/z/c.txt"}, rels)
}

func TestExpandFiles_ByteWiseOrder(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"b":   "1",
		"B":   "2",
		"a_x": "3",
		"a/x": "4",
	})

	files, err := ExpandFiles(root)
	require.NoError(t, err)

	var rels []string
	for _, f := range files {
		rels = append(rels, f.RelPath)
	}
	// '/' (0x2f) < '_' (0x5f); upper case before lower case.
	assert.Equal(t, []string{"B", "a/x", "a_x", "b"}, rels)
}

func TestExpandFiles_Missing(t *testing.T) {
	_, err := ExpandFiles(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestHashPath_Directory(t *testing.T) {
	root := sampleTree(t)

	pd, err := New(0).HashPath(root, "tile_weights")
	require.NoError(t, err)

	assert.Equal(t, "d44370634ab161f3e095c28d7cb212b422e4f8aed3f003e0de4ae044465fcebc", pd.SHA256Hex)
	assert.Equal(t, int64(6+5+5), pd.SizeBytes)
	require.Len(t, pd.Files, 3)
	assert.Equal(t, FileDigest{RelPath: "a.txt", SHA256Hex: alphaHex, SizeBytes: 6}, pd.Files[0])
	assert.Equal(t, betaHex, pd.Files[1].SHA256Hex)
	assert.Equal(t, gammaHex, pd.Files[2].SHA256Hex)
}

func TestHashPath_SingleFile(t *testing.T) {
	root := sampleTree(t)

	pd, err := New(0).HashPath(filepath.Join(root, "a.txt"), "a")
	require.NoError(t, err)
	assert.Equal(t, "f77b3bff25c8588ebcba1a2b40771f6ecb43a810dea0de9031c783232ccc7be6", pd.SHA256Hex)
}

func TestPathDigest_AssetSHA256(t *testing.T) {
	root := sampleTree(t)
	h := New(0)

	file, err := h.HashPath(filepath.Join(root, "a.txt"), "a")
	require.NoError(t, err)
	assert.True(t, file.Regular)
	assert.Equal(t, alphaHex, file.AssetSHA256(), "a regular file declares its plain digest")

	dir, err := h.HashPath(root, "tree")
	require.NoError(t, err)
	assert.False(t, dir.Regular)
	assert.Equal(t, dir.SHA256Hex, dir.AssetSHA256())
}

func TestHashPath_IndependentOfCreationOrder(t *testing.T) {
	files := map[string]string{
		"z/last.txt":  "z",
		"a/first.txt": "a",
		"m/mid.txt":   "m",
		"root.txt":    "r",
	}

	rootA := t.TempDir()
	for _, rel := range []string{"z/last.txt", "m/mid.txt", "root.txt", "a/first.txt"} {
		writeTree(t, rootA, map[string]string{rel: files[rel]})
	}
	rootB := t.TempDir()
	for _, rel := range []string{"a/first.txt", "root.txt", "m/mid.txt", "z/last.txt"} {
		writeTree(t, rootB, map[string]string{rel: files[rel]})
	}

	a, err := New(0).HashPath(rootA, "a")
	require.NoError(t, err)
	b, err := New(0).HashPath(rootB, "b")
	require.NoError(t, err)
	assert.Equal(t, a.SHA256Hex, b.SHA256Hex)
}

func TestHashPath_RenameChangesDigest(t *testing.T) {
	rootA := t.TempDir()
	writeTree(t, rootA, map[string]string{"x.txt": "same"})
	rootB := t.TempDir()
	writeTree(t, rootB, map[string]string{"y.txt": "same"})

	a, err := New(0).HashPath(rootA, "a")
	require.NoError(t, err)
	b, err := New(0).HashPath(rootB, "b")
	require.NoError(t, err)
	assert.NotEqual(t, a.SHA256Hex, b.SHA256Hex, "relative paths are part of the aggregate")
}

func TestHashPath_EmptyDirectory(t *testing.T) {
	pd, err := New(0).HashPath(t.TempDir(), "empty")
	require.NoError(t, err)
	assert.Empty(t, pd.Files)
	assert.Equal(t, emptyHex, pd.SHA256Hex)
}

func TestHashPath_MissingIsIOError(t *testing.T) {
	_, err := New(0).HashPath(filepath.Join(t.TempDir(), "gone"), "tile_weights")
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.CodeIO))
	assert.Contains(t, err.Error(), "tile_weights")
}

func TestHashFiles_UnreadableIsIOError(t *testing.T) {
	root := sampleTree(t)
	files := []File{
		{Path: filepath.Join(root, "a.txt"), RelPath: "a.txt"},
		{Path: filepath.Join(root, "vanished.txt"), RelPath: "vanished.txt"},
	}

	_, err := New(0).HashFiles(files, "site_locations")
	require.Error(t, err)
	assert.Equal(t, failure.CodeIO, failure.CodeOf(err))
	assert.Contains(t, err.Error(), "site_locations")
	assert.Contains(t, err.Error(), "vanished.txt")
}

func TestAggregateSHA256_Empty(t *testing.T) {
	assert.Equal(t, emptyHex, AggregateSHA256(nil))
}

func TestConcatSHA256_SortsPaths(t *testing.T) {
	root := sampleTree(t)
	want := "f3220283d05d1ff2ae350cfe9e0e367cb5aef46e10efb203c8a53c678e2218c8"

	got, err := New(0).ConcatSHA256(root, []string{"sub/z/c.txt", "a.txt", "sub/b.txt"})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestConcatSHA256_MissingMember(t *testing.T) {
	root := sampleTree(t)

	_, err := New(0).ConcatSHA256(root, []string{"a.txt", "missing.json"})
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.CodeIO))
}

func TestConcatMembersSHA256_MatchesDisk(t *testing.T) {
	root := sampleTree(t)
	onDisk, err := New(0).ConcatSHA256(root, []string{"a.txt", "sub/b.txt", "sub/z/c.txt"})
	require.NoError(t, err)

	inMemory := ConcatMembersSHA256(map[string][]byte{
		"sub/z/c.txt": []byte("gamma"),
		"sub/b.txt":   []byte("beta\n"),
		"a.txt":       []byte("alpha\n"),
	})
	assert.Equal(t, onDisk, inMemory)
	assert.Equal(t, emptyHex, ConcatMembersSHA256(nil))
}

func TestSameFile(t *testing.T) {
	root := t.TempDir()
	content := strings.Repeat("row,1,2\n", 50)
	writeTree(t, root, map[string]string{"part-0.csv": content})
	path := filepath.Join(root, "part-0.csv")
	h := New(16)

	same, err := h.SameFile(path, []byte(content))
	require.NoError(t, err)
	assert.True(t, same)

	changed := []byte(content)
	changed[len(changed)-3] = '9'
	same, err = h.SameFile(path, changed)
	require.NoError(t, err)
	assert.False(t, same, "one changed value must be detected")

	same, err = h.SameFile(path, []byte(content+"x"))
	require.NoError(t, err)
	assert.False(t, same, "longer proposal")

	same, err = h.SameFile(path, []byte(content[:10]))
	require.NoError(t, err)
	assert.False(t, same, "shorter proposal")

	same, err = h.SameFile(filepath.Join(root, "absent"), []byte("x"))
	require.NoError(t, err)
	assert.False(t, same)
}
