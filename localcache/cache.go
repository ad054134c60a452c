// Package localcache implements the on-disk trusted cache: the fixed set
// of role files plus the package index and its offset-table sidecar, a
// staging area for unverified downloads, and the atomic write-temp/
// fsync/rename discipline that keeps a torn write from ever being
// observable.
package localcache

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hackage-trust/tuf-client-go/internal/logging"
	"github.com/hackage-trust/tuf-client-go/internal/tarindex"
)

const (
	RootFile      = "root.json"
	TimestampFile = "timestamp.json"
	SnapshotFile  = "snapshot.json"
	MirrorsFile   = "mirrors.json"
	IndexFile     = "00-index.tar"
	IndexSidecar  = IndexFile + ".idx"

	unverifiedDir = "unverified"
)

// PackageID names a package at a specific version for an index lookup.
type PackageID struct {
	Name    string
	Version string
}

// Cache is a handle on a single cache directory. Writes (CacheRemote,
// ClearCache) and the in-memory index handle are guarded by one mutex;
// GetCached, GetCachedRoot and StageTemp take no lock. The trust engine is
// single-threaded with respect to a given cache directory by design.
type Cache struct {
	dir string
	mu  sync.Mutex
	idx *tarindex.Index
}

// Open prepares dir (and its unverified/ staging subdirectory) for use,
// creating them if necessary.
func Open(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("localcache: creating cache dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, unverifiedDir), 0o755); err != nil {
		return nil, fmt.Errorf("localcache: creating staging dir: %w", err)
	}
	return &Cache{dir: dir}, nil
}

func (c *Cache) path(name string) string { return filepath.Join(c.dir, name) }

// GetCached returns the path to a cached file if it exists.
func (c *Cache) GetCached(name string) (string, bool) {
	p := c.path(name)
	if _, err := os.Stat(p); err != nil {
		return "", false
	}
	return p, true
}

// GetCachedRoot returns the path to the cached root; its absence is
// treated as fatal by the caller, not as a missing-optional-file case.
func (c *Cache) GetCachedRoot() (string, error) {
	p := c.path(RootFile)
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("localcache: no trusted root present in %s: %w", c.dir, err)
	}
	return p, nil
}

// ClearCache drops the cached timestamp and snapshot, used after a root
// rotation changes a derived role's keys or threshold: the next
// check-for-updates is treated as first-use for those two files.
func (c *Cache) ClearCache() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range []string{TimestampFile, SnapshotFile} {
		if err := os.Remove(c.path(name)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("localcache: clearing %s: %w", name, err)
		}
	}
	logging.Info("cache cleared", "reason", "root key rotation")
	return nil
}

// StageTemp creates a new file under the staging directory for streaming
// unverified bytes into. Callers must verify the contents before handing
// the path to CacheRemote, and must remove it themselves on any failure
// path that doesn't go through CacheRemote.
func (c *Cache) StageTemp(pattern string) (*os.File, error) {
	return os.CreateTemp(c.path(unverifiedDir), pattern+"-*")
}

// CacheRemote performs the verified handoff of data into the cache under
// name, replacing any existing file atomically. If name is the index
// tarball, the offset-table sidecar is rebuilt and persisted alongside it.
func (c *Cache) CacheRemote(name string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.atomicWrite(name, data); err != nil {
		return err
	}
	if name == IndexFile {
		idx, err := tarindex.Build(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("localcache: rebuilding index sidecar: %w", err)
		}
		var buf bytes.Buffer
		if err := idx.EncodeTo(&buf); err != nil {
			return fmt.Errorf("localcache: encoding index sidecar: %w", err)
		}
		if err := c.atomicWrite(IndexSidecar, buf.Bytes()); err != nil {
			return err
		}
		c.idx = idx
	}
	return nil
}

func (c *Cache) atomicWrite(name string, data []byte) error {
	final := c.path(name)
	tmp, err := os.CreateTemp(c.dir, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("localcache: staging write for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("localcache: writing %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("localcache: fsyncing %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("localcache: closing %s: %w", name, err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		return fmt.Errorf("localcache: committing %s: %w", name, err)
	}
	cleanup = false
	return nil
}

// GetFromIndex resolves a single file out of the cached package index via
// its offset-table sidecar, without unpacking the whole tarball.
func (c *Cache) GetFromIndex(pkg PackageID, filename string) ([]byte, bool, error) {
	c.mu.Lock()
	idx := c.idx
	c.mu.Unlock()
	if idx == nil {
		loaded, err := tarindex.Load(c.path(IndexSidecar))
		if err != nil {
			return nil, false, fmt.Errorf("localcache: loading index sidecar: %w", err)
		}
		c.mu.Lock()
		c.idx = loaded
		c.mu.Unlock()
		idx = loaded
	}
	f, err := os.Open(c.path(IndexFile))
	if err != nil {
		return nil, false, fmt.Errorf("localcache: opening index: %w", err)
	}
	defer f.Close()
	return idx.ReadAt(f, tarindex.Key{PackageName: pkg.Name, PackageVersion: pkg.Version, FileName: filename})
}
