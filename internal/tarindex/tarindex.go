// Package tarindex builds and serves the sidecar offset table over the
// POSIX ustar package index: a (package name, package version, file name)
// -> (offset, length) map that lets the cache answer get_from_index
// lookups without re-scanning the whole tar. Walks the tar with
// tar.NewReader plus a Next()/read loop, tracking byte offsets instead of
// extracting files to disk.
package tarindex

import (
	"archive/tar"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"strings"
)

// Key identifies a single file inside the concatenated index tarball.
// PackageVersion is empty for package-level files that aren't versioned
// (e.g. a package's preferred-versions file).
type Key struct {
	PackageName    string
	PackageVersion string
	FileName       string
}

// Entry is the location of one file's content within the tar stream.
type Entry struct {
	Offset int64
	Length int64
}

// Index is the in-memory offset table produced by Build.
type Index struct {
	entries map[Key]Entry
}

// New returns an empty index.
func New() *Index { return &Index{entries: map[Key]Entry{}} }

// Lookup resolves a key to its location, if present.
func (idx *Index) Lookup(k Key) (Entry, bool) {
	e, ok := idx.entries[k]
	return e, ok
}

// Len reports how many entries the index holds.
func (idx *Index) Len() int { return len(idx.entries) }

// Build scans a POSIX ustar stream from front to back, recording the byte
// range of every regular file's content. r is consumed entirely.
func Build(r io.Reader) (*Index, error) {
	cr := &countingReader{r: r}
	tr := tar.NewReader(cr)
	idx := New()
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("tarindex: reading header: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		offset := cr.n
		if key, ok := splitIndexPath(hdr.Name); ok {
			idx.entries[key] = Entry{Offset: offset, Length: hdr.Size}
		}
		if _, err := io.CopyN(io.Discard, tr, hdr.Size); err != nil {
			return nil, fmt.Errorf("tarindex: reading %s: %w", hdr.Name, err)
		}
	}
	return idx, nil
}

// ReadAt slices the content named by k out of ra using this index's
// recorded offset/length.
func (idx *Index) ReadAt(ra io.ReaderAt, k Key) ([]byte, bool, error) {
	e, ok := idx.Lookup(k)
	if !ok {
		return nil, false, nil
	}
	buf := make([]byte, e.Length)
	if _, err := ra.ReadAt(buf, e.Offset); err != nil {
		return nil, false, fmt.Errorf("tarindex: reading entry %+v: %w", k, err)
	}
	return buf, true, nil
}

// splitIndexPath parses a tar member path into a Key. A Hackage-style
// index names per-package files as "<pkg>/<version>/<file>" and
// package-level files (not tied to a version) as "<pkg>/<file>". A bare
// top-level name with no package segment at all (e.g. the repository's
// root targets document) indexes under the zero PackageName/Version.
func splitIndexPath(name string) (Key, bool) {
	parts := strings.Split(strings.Trim(name, "/"), "/")
	switch len(parts) {
	case 1:
		return Key{FileName: parts[0]}, true
	case 2:
		return Key{PackageName: parts[0], FileName: parts[1]}, true
	case 3:
		return Key{PackageName: parts[0], PackageVersion: parts[1], FileName: parts[2]}, true
	default:
		return Key{}, false
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// EncodeTo writes the offset table to w in a stable binary form.
func (idx *Index) EncodeTo(w io.Writer) error {
	return gob.NewEncoder(w).Encode(idx.entries)
}

// DecodeFrom reads an offset table previously written by EncodeTo.
func DecodeFrom(r io.Reader) (*Index, error) {
	idx := New()
	if err := gob.NewDecoder(r).Decode(&idx.entries); err != nil {
		return nil, fmt.Errorf("tarindex: decoding sidecar: %w", err)
	}
	return idx, nil
}

// Load reads a sidecar index file from disk.
func Load(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeFrom(f)
}
