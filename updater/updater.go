// Package updater implements the client driver: the TrustState machine
// (Bootstrap -> Fresh -> Updating) that sits on top of trustedstate.State
// and a repository.Repository, orchestrating check-for-updates and
// download-package end to end.
//
// Top-level and delegated targets documents are not separate HTTP
// resources here: the repository's RemoteFile union has no variant for
// them, so both travel inside the index tarball itself and are pulled out
// through get_from_index once the index's own FileInfo has been verified
// against the trusted snapshot. The top-level document is indexed under
// the tar's bare "targets.json" entry (no package segment); a delegated
// role's document is indexed under "<role-name>/targets.json".
package updater

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hackage-trust/tuf-client-go/config"
	"github.com/hackage-trust/tuf-client-go/internal/logging"
	"github.com/hackage-trust/tuf-client-go/localcache"
	"github.com/hackage-trust/tuf-client-go/repository"
	"github.com/hackage-trust/tuf-client-go/trust"
	"github.com/hackage-trust/tuf-client-go/trust/trustedstate"
)

// gunzip decompresses a gzip-wrapped index download before it's checked
// against the snapshot's FileInfo for the uncompressed tar.
func gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("updater: opening gzip index: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("updater: decompressing gzip index: %w", err)
	}
	return out, nil
}

const topLevelTargetsFile = "targets.json"

// Phase names the TrustState machine's current state.
type Phase int

const (
	PhaseBootstrap Phase = iota
	PhaseFresh
	PhaseUpdating
)

func (p Phase) String() string {
	switch p {
	case PhaseBootstrap:
		return "Bootstrap"
	case PhaseFresh:
		return "Fresh"
	case PhaseUpdating:
		return "Updating"
	default:
		return "Unknown"
	}
}

// Clock supplies the reference time used for every expiry check, so tests
// can pin it instead of depending on the wall clock.
type Clock func() time.Time

// Updater drives one cache directory's trust lifecycle against one
// repository. It is not safe for concurrent check-for-updates calls: the
// trust engine is single-threaded with respect to a given cache
// directory by design, matching the repository layer's own contract.
type Updater struct {
	repo  repository.Repository
	cache *localcache.Cache
	clock Clock

	// Bounds caps the declared length used as a download ceiling for the
	// two roles no trusted FileInfo pins ahead of time (root and
	// timestamp); the zero value leaves both unbounded, matching the
	// pre-wiring behavior. Set it before the first CheckForUpdates call.
	Bounds config.Bounds

	// MaxDelegations caps how many delegated targets roles a single
	// DownloadPackage resolution will visit before giving up; 0 means
	// unbounded.
	MaxDelegations int64

	phase Phase
	state *trustedstate.State
}

// New constructs an Updater. cache and repo must point at the same
// on-disk directory; repo additionally knows how to reach the network.
// repo may be nil if the caller only intends to call Bootstrap, which
// never touches the network.
func New(repo repository.Repository, cache *localcache.Cache, clock Clock) *Updater {
	if clock == nil {
		clock = time.Now
	}
	return &Updater{repo: repo, cache: cache, clock: clock, phase: PhaseBootstrap}
}

// Phase reports the driver's current TrustState.
func (u *Updater) Phase() Phase { return u.phase }

// Bootstrap seeds trust from a caller-supplied root file, the only input
// trusted unconditionally. It is an error to call this when a root is
// already cached; callers that want to re-bootstrap must clear the cache
// directory themselves first.
func (u *Updater) Bootstrap(rootPath string) error {
	if _, ok := u.cache.GetCached(localcache.RootFile); ok {
		return fmt.Errorf("updater: cache already has a trusted root; refusing to re-bootstrap")
	}
	data, err := os.ReadFile(rootPath)
	if err != nil {
		return fmt.Errorf("updater: reading bootstrap root: %w", err)
	}
	st, err := trustedstate.New(data, u.clock())
	if err != nil {
		return err
	}
	if err := u.cache.CacheRemote(localcache.RootFile, data); err != nil {
		return err
	}
	u.state = st
	u.phase = PhaseBootstrap
	logging.Info("bootstrap complete", "root_version", trust.Downgrade(st.Root).Version)
	return nil
}

// loadCachedState rebuilds trustedstate.State from the cached root,
// timestamp and snapshot and the top-level targets document in the cached
// index, for every call after the process's first Bootstrap. The cached
// mirrors.json is not reloaded.
func (u *Updater) loadCachedState() error {
	if u.state != nil {
		return nil
	}
	rootPath, err := u.cache.GetCachedRoot()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(rootPath)
	if err != nil {
		return err
	}
	st, err := trustedstate.New(data, u.clock())
	if err != nil {
		return err
	}
	u.state = st
	u.phase = PhaseBootstrap

	tsPath, ok := u.cache.GetCached(localcache.TimestampFile)
	if !ok {
		return nil
	}
	tsData, err := os.ReadFile(tsPath)
	if err != nil {
		return nil
	}
	if _, err := st.UpdateTimestamp(tsData); err != nil {
		return nil
	}
	snapPath, ok := u.cache.GetCached(localcache.SnapshotFile)
	if !ok {
		return nil
	}
	snapData, err := os.ReadFile(snapPath)
	if err != nil {
		return nil
	}
	if _, err := st.UpdateSnapshot(snapData, true); err != nil {
		return nil
	}
	if err := u.refreshTopLevelTargets(); err != nil {
		return nil
	}
	u.phase = PhaseFresh
	return nil
}

// CheckForUpdates runs one full refresh cycle: root rotation, then
// timestamp, snapshot, mirrors, the index and the top-level targets
// document, each verified before anything is committed to the local
// cache. On any verification error the cache is left untouched and the
// driver returns to Fresh (or stays in Bootstrap) with its prior state
// intact.
func (u *Updater) CheckForUpdates(ctx context.Context) error {
	if err := u.loadCachedState(); err != nil {
		return err
	}
	prevPhase := u.phase
	u.phase = PhaseUpdating

	err := u.repo.WithMirror(ctx, func(ctx context.Context) error {
		if err := u.refreshRoot(ctx); err != nil {
			return err
		}
		if err := u.refreshTimestampAndSnapshot(ctx); err != nil {
			return err
		}
		if err := u.refreshMirrors(ctx); err != nil {
			return err
		}
		if err := u.refreshIndex(ctx); err != nil {
			return err
		}
		return u.refreshTopLevelTargets()
	})
	if err != nil {
		u.phase = prevPhase
		return err
	}
	u.phase = PhaseFresh
	return nil
}

// sizeHint turns a configured max-length ceiling into the SizeHint
// vocabulary: 0 (unset) or negative means no configured bound
// (SizeUnknown); a positive value, distinct from a FileInfo-pinned exact
// length, is enforced as an upper bound on the download (SizeUpper).
func sizeHint(max int64) repository.SizeHint {
	if max <= 0 {
		return repository.SizeHint{Kind: repository.SizeUnknown}
	}
	return repository.SizeHint{Kind: repository.SizeUpper, N: max}
}

func (u *Updater) refreshRoot(ctx context.Context) error {
	return u.repo.WithRemote(ctx, repository.Root(sizeHint(u.Bounds.RootMaxLength)), func(format repository.SelectedFormat, tempPath string) error {
		data, err := os.ReadFile(tempPath)
		if err != nil {
			return err
		}
		result, err := u.state.UpdateRoot(data)
		if err != nil {
			// A version rollback just means the repository hasn't
			// published a newer root yet; the one already trusted is
			// still authoritative. Anything else — a bad signature, an
			// expired candidate, a threshold miss, two different root
			// documents sharing a version — is a hard failure: root
			// rotation is the one step a malicious or compromised
			// repository must never be allowed to silently fail past.
			var rollback trust.VersionRollback
			if errors.As(err, &rollback) {
				return nil
			}
			return err
		}
		if !result.Changed {
			return nil
		}
		if err := u.cache.CacheRemote(localcache.RootFile, data); err != nil {
			return err
		}
		if result.DerivedRolesChanged {
			if err := u.cache.ClearCache(); err != nil {
				return err
			}
			u.repo.Log("root rotated", "derived_roles_changed", true)
		}
		return nil
	})
}

func (u *Updater) refreshTimestampAndSnapshot(ctx context.Context) error {
	err := u.repo.WithRemote(ctx, repository.Timestamp(sizeHint(u.Bounds.TimestampMaxLength)), func(format repository.SelectedFormat, tempPath string) error {
		data, err := os.ReadFile(tempPath)
		if err != nil {
			return err
		}
		if _, err := u.state.UpdateTimestamp(data); err != nil {
			return err
		}
		return u.cache.CacheRemote(localcache.TimestampFile, data)
	})
	if err != nil {
		return err
	}

	ts := trust.Downgrade(*u.state.Timestamp)
	snapInfo := ts.Meta[localcache.SnapshotFile]
	return u.repo.WithRemote(ctx, repository.Snapshot(snapInfo.Length), func(format repository.SelectedFormat, tempPath string) error {
		data, err := os.ReadFile(tempPath)
		if err != nil {
			return err
		}
		if _, err := u.state.UpdateSnapshot(data, false); err != nil {
			return err
		}
		return u.cache.CacheRemote(localcache.SnapshotFile, data)
	})
}

func (u *Updater) refreshMirrors(ctx context.Context) error {
	snap := trust.Downgrade(*u.state.Snapshot)
	info, ok := snap.Meta[localcache.MirrorsFile]
	if !ok {
		return nil
	}
	return u.repo.WithRemote(ctx, repository.Mirrors(info.Length), func(format repository.SelectedFormat, tempPath string) error {
		data, err := os.ReadFile(tempPath)
		if err != nil {
			return err
		}
		trusted, err := u.state.UpdateMirrors(data)
		if err != nil {
			return err
		}
		if err := u.cache.CacheRemote(localcache.MirrorsFile, data); err != nil {
			return err
		}
		u.repo.LearnMirrors(trust.Downgrade(trusted))
		return nil
	})
}

func (u *Updater) refreshIndex(ctx context.Context) error {
	snap := trust.Downgrade(*u.state.Snapshot)
	info, ok := snap.Meta[localcache.IndexFile]
	if !ok {
		return fmt.Errorf("updater: snapshot has no %s entry", localcache.IndexFile)
	}
	formats := repository.NewFormatSet(repository.Uncompressed, repository.Gzip)
	return u.repo.WithRemote(ctx, repository.Index(formats, info.Length), func(format repository.SelectedFormat, tempPath string) error {
		data, err := os.ReadFile(tempPath)
		if err != nil {
			return err
		}
		if format == repository.SelectedGzip {
			data, err = gunzip(data)
			if err != nil {
				return err
			}
		}
		if err := info.VerifyBytes(data); err != nil {
			return err
		}
		return u.cache.CacheRemote(localcache.IndexFile, data)
	})
}

// refreshTopLevelTargets verifies the top-level targets document once the
// index holding it has been refreshed and committed to the cache.
func (u *Updater) refreshTopLevelTargets() error {
	data, ok, err := u.cache.GetFromIndex(localcache.PackageID{}, topLevelTargetsFile)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("updater: index has no top-level %s entry", topLevelTargetsFile)
	}
	_, err = u.state.UpdateTargets(data)
	return err
}

// DownloadPackage resolves pkgID ("<name>-<version>") through the target
// delegation chain, downloads its tarball, and verifies it against the
// FileInfo pinned by the resolved target entry.
func (u *Updater) DownloadPackage(ctx context.Context, pkgID, destPath string) error {
	if err := u.loadCachedState(); err != nil {
		return err
	}
	if u.phase != PhaseFresh {
		return fmt.Errorf("updater: cannot download before a successful check-for-updates (phase %s)", u.phase)
	}

	targetPath := "package/" + pkgID + ".tar.gz"
	tf, err := u.state.ResolveTarget(targetPath, u.fetchDelegate(), u.MaxDelegations)
	if err != nil {
		return err
	}
	info := trust.FileInfo{Length: tf.Length, Hashes: tf.Hashes}

	return u.repo.WithMirror(ctx, func(ctx context.Context) error {
		return u.repo.WithRemote(ctx, repository.PkgTarGz(pkgID, tf.Length), func(format repository.SelectedFormat, tempPath string) error {
			data, err := os.ReadFile(tempPath)
			if err != nil {
				return err
			}
			if err := info.VerifyBytes(data); err != nil {
				return err
			}
			return os.WriteFile(destPath, data, 0o644)
		})
	})
}

// fetchDelegate resolves a delegated role's document out of the index
// tarball already sitting in the local cache, mirroring refreshTopLevelTargets's
// "targets live inside the index" convention for every delegated role name.
func (u *Updater) fetchDelegate() trustedstate.FetchDelegate {
	return func(roleName string) ([]byte, error) {
		data, ok, err := u.cache.GetFromIndex(localcache.PackageID{Name: roleName}, topLevelTargetsFile)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("updater: index has no %s/%s entry", roleName, topLevelTargetsFile)
		}
		return data, nil
	}
}
