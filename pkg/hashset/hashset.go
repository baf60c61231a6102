// Package hashset computes MD5 digests of streams, of every file inside a
// tar stream, and of every file inside a directory tree, and compares the
// resulting sorted hash lists.
//
// A tar archive is never hashed as a whole: filesystem walk order and tar
// member order differ between producers, so equality is decided on sorted
// per-file hash lists instead.
package hashset

import (
	"archive/tar"
	"bufio"
	"crypto/md5" //nolint:gosec // Why: content digests, not credentials
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// StreamMD5 hashes a byte stream and reports how many bytes it saw.
func StreamMD5(r io.Reader) (string, int64, error) {
	h := md5.New() //nolint:gosec // Why: content digest
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, errors.Wrap(err, "failed to hash stream")
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

type entry struct {
	hash string
	path string
}

func normalizePath(p string) string {
	p = strings.TrimPrefix(p, "./")
	return strings.TrimPrefix(p, "/")
}

func writeSorted(entries []entry, w io.Writer) error {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].path < entries[j].path
	})

	bw := bufio.NewWriter(w)
	for _, e := range entries {
		if _, err := fmt.Fprintf(bw, "%s  %s\n", e.hash, e.path); err != nil {
			return errors.Wrap(err, "failed to write hash list")
		}
	}
	return errors.Wrap(bw.Flush(), "failed to flush hash list")
}

// TarMD5List hashes every regular file in a tar stream and writes the
// sorted `<md5>  <path>` list to w. It returns the number of lines
// written.
func TarMD5List(r io.Reader, w io.Writer) (int, error) {
	entries := []entry{}
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return 0, errors.Wrap(err, "failed to read tar header")
		}

		if header.Typeflag != tar.TypeReg {
			continue
		}

		hash, _, err := StreamMD5(tr)
		if err != nil {
			return 0, errors.Wrapf(err, "failed to hash tar member %s", header.Name)
		}
		entries = append(entries, entry{hash: hash, path: normalizePath(header.Name)})
	}

	if err := writeSorted(entries, w); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// DirMD5List hashes every regular file under root and writes the sorted
// `<md5>  <relative-path>` list to w. It returns the number of lines
// written. onBytes, when non-nil, is called with each file's byte count
// as it is hashed so a progress view can track the walk.
func DirMD5List(root string, w io.Writer, onBytes func(int64)) (int, error) {
	entries := []entry{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		hash, n, err := StreamMD5(f)
		f.Close()
		if err != nil {
			return err
		}
		if onBytes != nil {
			onBytes(n)
		}

		entries = append(entries, entry{hash: hash, path: normalizePath(filepath.ToSlash(rel))})
		return nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, "failed to walk %s", root)
	}

	if err := writeSorted(entries, w); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// DiffKind classifies one disagreement between two hash lists.
type DiffKind string

const (
	MissingOnLocal  DiffKind = "missing on local"
	MissingOnRemote DiffKind = "missing on remote"
	HashMismatch    DiffKind = "hash differs"
)

// Diff is one disagreement between the local and remote hash lists.
type Diff struct {
	Path       string
	Kind       DiffKind
	LocalHash  string
	RemoteHash string
}

func (d Diff) String() string {
	switch d.Kind {
	case HashMismatch:
		return fmt.Sprintf("%s: %s (local %s, remote %s)", d.Path, d.Kind, d.LocalHash, d.RemoteHash)
	default:
		return fmt.Sprintf("%s: %s", d.Path, d.Kind)
	}
}

func readList(r io.Reader) ([]entry, error) {
	entries := []entry{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		hash, path, found := strings.Cut(line, "  ")
		if !found {
			return nil, errors.Errorf("malformed hash list line %q", line)
		}
		entries = append(entries, entry{hash: hash, path: path})
	}
	return entries, errors.Wrap(sc.Err(), "failed to read hash list")
}

// CompareLists walks two sorted hash lists and returns the number of
// matching lines plus every disagreement.
func CompareLists(local, remote io.Reader) (int, []Diff, error) {
	l, err := readList(local)
	if err != nil {
		return 0, nil, errors.Wrap(err, "local list")
	}
	r, err := readList(remote)
	if err != nil {
		return 0, nil, errors.Wrap(err, "remote list")
	}

	matched := 0
	diffs := []Diff{}
	i, j := 0, 0
	for i < len(l) && j < len(r) {
		switch {
		case l[i].path == r[j].path:
			if l[i].hash == r[j].hash {
				matched++
			} else {
				diffs = append(diffs, Diff{Path: l[i].path, Kind: HashMismatch, LocalHash: l[i].hash, RemoteHash: r[j].hash})
			}
			i++
			j++
		case l[i].path < r[j].path:
			diffs = append(diffs, Diff{Path: l[i].path, Kind: MissingOnRemote, LocalHash: l[i].hash})
			i++
		default:
			diffs = append(diffs, Diff{Path: r[j].path, Kind: MissingOnLocal, RemoteHash: r[j].hash})
			j++
		}
	}
	for ; i < len(l); i++ {
		diffs = append(diffs, Diff{Path: l[i].path, Kind: MissingOnRemote, LocalHash: l[i].hash})
	}
	for ; j < len(r); j++ {
		diffs = append(diffs, Diff{Path: r[j].path, Kind: MissingOnLocal, RemoteHash: r[j].hash})
	}

	return matched, diffs, nil
}
