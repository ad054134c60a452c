// Package trustsim is an in-memory repository.Repository implementation
// used by package-level tests instead of standing up an HTTP server: a
// fully in-process fixture with a real, signed metadata chain rather than
// a mock of the Repository interface's methods.
package trustsim

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hackage-trust/tuf-client-go/internal/logging"
	"github.com/hackage-trust/tuf-client-go/localcache"
	"github.com/hackage-trust/tuf-client-go/repository"
	"github.com/hackage-trust/tuf-client-go/trust"
)

// Simulator is a Repository backed by an in-memory file map, standing in
// for an HTTP server in tests. Files can be replaced between calls to
// simulate the repository publishing a new version.
type Simulator struct {
	files map[string][]byte
	cache *localcache.Cache
	dir   string

	mirrorActive   bool
	learnedMirrors []trust.MirrorDescriptor
}

// New creates a simulator writing its local cache under dir.
func New(dir string) (*Simulator, error) {
	c, err := localcache.Open(dir)
	if err != nil {
		return nil, err
	}
	return &Simulator{files: map[string][]byte{}, cache: c, dir: dir}, nil
}

// Publish sets (or replaces) the bytes served for a repository-relative
// path, e.g. "root.json" or "package/aeson-1.0.tar.gz".
func (s *Simulator) Publish(name string, data []byte) {
	s.files[name] = data
}

// remoteName maps a RemoteFile request onto the flat path space Publish
// uses, mirroring the on-wire layout.
func remoteName(file repository.RemoteFile) (string, error) {
	switch file.Kind {
	case repository.KindTimestamp:
		return localcache.TimestampFile, nil
	case repository.KindRoot:
		return localcache.RootFile, nil
	case repository.KindSnapshot:
		return localcache.SnapshotFile, nil
	case repository.KindMirrors:
		return localcache.MirrorsFile, nil
	case repository.KindIndex:
		return localcache.IndexFile, nil
	case repository.KindPkgTarGz:
		return "package/" + file.PackageID + ".tar.gz", nil
	default:
		return "", fmt.Errorf("trustsim: unknown RemoteFile kind %d", file.Kind)
	}
}

// WithRemote looks the requested file up in the published file map and
// hands the callback a path to it staged under the cache's unverified
// directory, exactly as the HTTP adapter would after a download.
func (s *Simulator) WithRemote(ctx context.Context, file repository.RemoteFile, cb repository.WithRemoteFunc) error {
	if !s.mirrorActive {
		return trust.NoMirrorSelected{}
	}
	name, err := remoteName(file)
	if err != nil {
		return err
	}
	data, ok := s.files[name]
	if !ok {
		return fmt.Errorf("trustsim: %s not published", name)
	}
	tmp, err := s.cache.StageTemp(filepath.Base(name))
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	defer os.Remove(tmpPath)
	return cb(repository.SelectedUncompressed, tmpPath)
}

func (s *Simulator) GetCached(name string) (string, bool) { return s.cache.GetCached(name) }

func (s *Simulator) GetCachedRoot() (string, error) { return s.cache.GetCachedRoot() }

func (s *Simulator) ClearCache() error { return s.cache.ClearCache() }

func (s *Simulator) GetFromIndex(pkg localcache.PackageID, filename string) ([]byte, bool, error) {
	return s.cache.GetFromIndex(pkg, filename)
}

// WithMirror marks the simulator "reachable" for scope's duration; there's
// only ever one simulated mirror, so there's no failover to exercise here.
func (s *Simulator) WithMirror(ctx context.Context, scope repository.MirrorScope) error {
	s.mirrorActive = true
	defer func() { s.mirrorActive = false }()
	return scope(ctx)
}

// LearnMirrors records the mirrors a verified mirrors.json declared;
// there's only one simulated mirror so nothing downstream actually
// selects among them, but tests can assert on LearnedMirrors to confirm
// the updater wired this call at all.
func (s *Simulator) LearnMirrors(mirrors trust.MirrorsType) {
	s.learnedMirrors = append(s.learnedMirrors, mirrors.Mirrors...)
}

// LearnedMirrors returns every mirror descriptor passed to LearnMirrors
// so far, in call order.
func (s *Simulator) LearnedMirrors() []trust.MirrorDescriptor { return s.learnedMirrors }

func (s *Simulator) Log(msg string, kv ...any) { logging.Info(msg, kv...) }

// Cache exposes the underlying local cache for tests that need to prime
// or inspect it directly.
func (s *Simulator) Cache() *localcache.Cache { return s.cache }
