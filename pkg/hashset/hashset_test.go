package hashset

import (
	"archive/tar"
	"bytes"
	"crypto/md5" //nolint:gosec // Why: expected values for content digests
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var treeFiles = map[string]string{
	"a/b":        "nested",
	"a.b":        "dotted",
	"etc/passwd": "root:x:0:0",
	"empty":      "",
	"big":        strings.Repeat("x", 300*1024),
}

func writeTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range treeFiles {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func tarTree(t *testing.T, prefix string) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	tw := tar.NewWriter(buf)
	// deliberately written in non-sorted order
	for _, name := range []string{"etc/passwd", "a.b", "big", "a/b", "empty"} {
		content := treeFiles[name]
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Typeflag: tar.TypeReg,
			Name:     prefix + name,
			Size:     int64(len(content)),
			Mode:     0o644,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.WriteHeader(&tar.Header{Typeflag: tar.TypeDir, Name: prefix + "a/", Mode: 0o755}))
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s)) //nolint:gosec // Why: expected value
	return hex.EncodeToString(sum[:])
}

func TestStreamMD5(t *testing.T) {
	hash, n, err := StreamMD5(strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, md5hex("hello"), hash)
	assert.Equal(t, int64(5), n)
}

func TestDirMD5List(t *testing.T) {
	root := writeTree(t)

	buf := new(bytes.Buffer)
	count, err := DirMD5List(root, buf, nil)
	require.NoError(t, err)
	assert.Equal(t, len(treeFiles), count)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, len(treeFiles))

	// byte-order sorting puts "a.b" before "a/b"
	assert.True(t, strings.HasSuffix(lines[0], "  a.b"), "got %q", lines[0])
	assert.True(t, strings.HasSuffix(lines[1], "  a/b"), "got %q", lines[1])
	assert.Equal(t, md5hex("dotted")+"  a.b", lines[0])
}

func TestTarMD5ListMatchesDir(t *testing.T) {
	root := writeTree(t)

	dirList := new(bytes.Buffer)
	dirCount, err := DirMD5List(root, dirList, nil)
	require.NoError(t, err)

	for _, prefix := range []string{"", "./"} {
		tarList := new(bytes.Buffer)
		tarCount, err := TarMD5List(bytes.NewReader(tarTree(t, prefix)), tarList)
		require.NoError(t, err)
		assert.Equal(t, dirCount, tarCount)
		assert.Equal(t, dirList.String(), tarList.String())
	}
}

func TestTarMD5ListThroughLZ4(t *testing.T) {
	// the remote pipeline sees the archive lz4-compressed
	compressed := new(bytes.Buffer)
	zw := lz4.NewWriter(compressed)
	_, err := zw.Write(tarTree(t, "./"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	list := new(bytes.Buffer)
	count, err := TarMD5List(lz4.NewReader(compressed), list)
	require.NoError(t, err)
	assert.Equal(t, len(treeFiles), count)

	direct := new(bytes.Buffer)
	_, err = TarMD5List(bytes.NewReader(tarTree(t, "./")), direct)
	require.NoError(t, err)
	assert.Equal(t, direct.String(), list.String())
}

func TestCompareListsEqual(t *testing.T) {
	list := "aaa  a.b\nbbb  a/b\nccc  z\n"
	matched, diffs, err := CompareLists(strings.NewReader(list), strings.NewReader(list))
	require.NoError(t, err)
	assert.Equal(t, 3, matched)
	assert.Empty(t, diffs)
}

func TestCompareListsDiffs(t *testing.T) {
	local := "aaa  common\nbbb  local-only\nccc  shared\n"
	remote := "aaa  common\nddd  remote-only\neee  shared\n"

	matched, diffs, err := CompareLists(strings.NewReader(local), strings.NewReader(remote))
	require.NoError(t, err)
	assert.Equal(t, 1, matched)
	require.Len(t, diffs, 3)

	byPath := map[string]Diff{}
	for _, d := range diffs {
		byPath[d.Path] = d
	}
	assert.Equal(t, MissingOnRemote, byPath["local-only"].Kind)
	assert.Equal(t, MissingOnLocal, byPath["remote-only"].Kind)
	assert.Equal(t, HashMismatch, byPath["shared"].Kind)
	assert.Equal(t, "ccc", byPath["shared"].LocalHash)
	assert.Equal(t, "eee", byPath["shared"].RemoteHash)
}

func TestCompareListsCountCrossCheck(t *testing.T) {
	root := writeTree(t)

	local := new(bytes.Buffer)
	localCount, err := DirMD5List(root, local, nil)
	require.NoError(t, err)

	remote := new(bytes.Buffer)
	remoteCount, err := TarMD5List(bytes.NewReader(tarTree(t, "")), remote)
	require.NoError(t, err)

	matched, diffs, err := CompareLists(local, remote)
	require.NoError(t, err)
	assert.Empty(t, diffs)
	assert.Equal(t, localCount, matched)
	assert.Equal(t, remoteCount, matched)
}

func TestCompareListsMalformed(t *testing.T) {
	_, _, err := CompareLists(strings.NewReader("notaline\n"), strings.NewReader(""))
	require.Error(t, err)
}

func TestDiffString(t *testing.T) {
	d := Diff{Path: "etc/passwd", Kind: HashMismatch, LocalHash: "aa", RemoteHash: "bb"}
	assert.Equal(t, "etc/passwd: hash differs (local aa, remote bb)", d.String())

	d = Diff{Path: "x", Kind: MissingOnRemote}
	assert.Equal(t, fmt.Sprintf("x: %s", MissingOnRemote), d.String())
}
