package updater_test

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hackage-trust/tuf-client-go/internal/trustsim"
	"github.com/hackage-trust/tuf-client-go/trust"
	"github.com/hackage-trust/tuf-client-go/updater"
)

// fixture builds a complete, self-consistent signed repository: one key
// per role, a single top-level target entry, and the index tarball that
// carries the top-level targets document (the package tarball is published
// separately), mirroring trustedstate's own test fixture shape one layer up.
type fixture struct {
	t            *testing.T
	rootSigners  []*trust.Signer
	snapSigner   *trust.Signer
	tsSigner     *trust.Signer
	mirrorSigner *trust.Signer
	targetSigner *trust.Signer
	now          time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	genSigner := func() *trust.Signer {
		_, priv, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		return trust.NewSigner(priv)
	}
	return &fixture{
		t:            t,
		rootSigners:  []*trust.Signer{genSigner()},
		snapSigner:   genSigner(),
		tsSigner:     genSigner(),
		mirrorSigner: genSigner(),
		targetSigner: genSigner(),
		now:          time.Now().UTC(),
	}
}

func sign[T trust.Roles](t *testing.T, payload T, signers ...*trust.Signer) []byte {
	t.Helper()
	env := &trust.Metadata[T]{Signed: payload}
	raw, err := trust.CanonicalJSON(env.Signed)
	require.NoError(t, err)
	for _, s := range signers {
		sig, err := s.SignPayload(raw)
		require.NoError(t, err)
		env.Signatures = append(env.Signatures, sig)
	}
	out, err := env.ToBytes(false)
	require.NoError(t, err)
	return out
}

func (f *fixture) rootKeyIDs() []string {
	ids := make([]string, len(f.rootSigners))
	for i, s := range f.rootSigners {
		ids[i] = s.Key().ID()
	}
	return ids
}

func (f *fixture) buildRoot(version int64) []byte {
	keys := map[string]*trust.Key{}
	for _, s := range []*trust.Signer{f.rootSigners[0], f.snapSigner, f.tsSigner, f.mirrorSigner, f.targetSigner} {
		keys[s.Key().ID()] = s.Key()
	}
	root := trust.RootType{
		Type:        "root",
		SpecVersion: trust.SpecVersion,
		Version:     version,
		Expires:     f.now.Add(365 * 24 * time.Hour),
		Keys:        keys,
		Roles: map[string]*trust.Role{
			"root":      {KeyIDs: f.rootKeyIDs(), Threshold: 1},
			"snapshot":  {KeyIDs: []string{f.snapSigner.Key().ID()}, Threshold: 1},
			"timestamp": {KeyIDs: []string{f.tsSigner.Key().ID()}, Threshold: 1},
			"mirrors":   {KeyIDs: []string{f.mirrorSigner.Key().ID()}, Threshold: 1},
			"targets":   {KeyIDs: []string{f.targetSigner.Key().ID()}, Threshold: 1},
		},
	}
	return sign(f.t, root, f.rootSigners...)
}

func (f *fixture) buildTargets(version int64, pkgPath string, pkgInfo trust.FileInfo) []byte {
	tgt := trust.TargetsType{
		Type:        "targets",
		SpecVersion: trust.SpecVersion,
		Version:     version,
		Expires:     f.now.Add(24 * time.Hour),
		Targets:     map[string]trust.TargetFile{pkgPath: {Length: pkgInfo.Length, Hashes: pkgInfo.Hashes}},
	}
	return sign(f.t, tgt, f.targetSigner)
}

// buildIndex tars the top-level targets document under its bare
// "targets.json" entry, matching the convention updater.refreshTopLevelTargets
// relies on.
func buildIndex(t *testing.T, targetsData []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name: "targets.json",
		Mode: 0o644,
		Size: int64(len(targetsData)),
	}
	require.NoError(t, tw.WriteHeader(hdr))
	_, err := tw.Write(targetsData)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func (f *fixture) buildSnapshot(version int64, rootInfo, mirrorsInfo, indexInfo, targetsInfo trust.FileInfo) []byte {
	snap := trust.SnapshotType{
		Type:        "snapshot",
		SpecVersion: trust.SpecVersion,
		Version:     version,
		Expires:     f.now.Add(24 * time.Hour),
		Meta: trust.FileMap{
			"root.json":    rootInfo,
			"mirrors.json": mirrorsInfo,
			"00-index.tar": indexInfo,
			"targets.json": targetsInfo,
		},
	}
	return sign(f.t, snap, f.snapSigner)
}

func (f *fixture) buildTimestamp(version int64, snapInfo trust.FileInfo) []byte {
	ts := trust.TimestampType{
		Type:        "timestamp",
		SpecVersion: trust.SpecVersion,
		Version:     version,
		Expires:     f.now.Add(time.Hour),
		Meta:        trust.FileMap{"snapshot.json": snapInfo},
	}
	return sign(f.t, ts, f.tsSigner)
}

func (f *fixture) buildMirrors(version int64) []byte {
	m := trust.MirrorsType{
		Type:        "mirrors",
		SpecVersion: trust.SpecVersion,
		Version:     version,
		Expires:     f.now.Add(24 * time.Hour),
		Mirrors:     []trust.MirrorDescriptor{{URLBase: "https://mirror.example/"}},
	}
	return sign(f.t, m, f.mirrorSigner)
}

func infoOf(t *testing.T, data []byte) trust.FileInfo {
	t.Helper()
	fi, err := trust.HashBytes(data, []string{"sha256"})
	require.NoError(t, err)
	return fi
}

// publishRepository builds and publishes a fully self-consistent
// root/timestamp/snapshot/mirrors/index set onto sim, with one package
// target resolvable at "package/<pkgID>.tar.gz".
func publishRepository(t *testing.T, f *fixture, sim *trustsim.Simulator, pkgID string, pkgData []byte) []byte {
	t.Helper()
	rootData := f.buildRoot(1)

	pkgPath := "package/" + pkgID + ".tar.gz"
	pkgInfo := infoOf(t, pkgData)
	targetsData := f.buildTargets(1, pkgPath, pkgInfo)
	indexData := buildIndex(t, targetsData)

	rootInfo := infoOf(t, rootData)
	mirrorsData := f.buildMirrors(1)
	mirrorsInfo := infoOf(t, mirrorsData)
	indexInfo := infoOf(t, indexData)
	targetsInfo := infoOf(t, targetsData)

	snapData := f.buildSnapshot(1, rootInfo, mirrorsInfo, indexInfo, targetsInfo)
	snapInfo := infoOf(t, snapData)
	tsData := f.buildTimestamp(1, snapInfo)

	// CheckForUpdates always re-fetches root.json, even when no rotation
	// is pending: publish the same bytes handed to Bootstrap so UpdateRoot
	// sees a byte-identical, same-version resubmission rather than a
	// missing file.
	sim.Publish("root.json", rootData)
	sim.Publish("timestamp.json", tsData)
	sim.Publish("snapshot.json", snapData)
	sim.Publish("mirrors.json", mirrorsData)
	sim.Publish("00-index.tar", indexData)
	sim.Publish(pkgPath, pkgData)

	return rootData
}

func TestUpdaterEndToEnd(t *testing.T) {
	dir := t.TempDir()
	sim, err := trustsim.New(dir)
	require.NoError(t, err)

	f := newFixture(t)
	pkgData := []byte("pretend tarball contents")
	rootData := publishRepository(t, f, sim, "aeson-1.0", pkgData)

	rootPath := filepath.Join(dir, "1.root.json")
	require.NoError(t, os.WriteFile(rootPath, rootData, 0o644))

	up := updater.New(sim, sim.Cache(), func() time.Time { return f.now })
	require.NoError(t, up.Bootstrap(rootPath))
	require.Equal(t, updater.PhaseBootstrap, up.Phase())

	require.NoError(t, up.CheckForUpdates(context.Background()))
	require.Equal(t, updater.PhaseFresh, up.Phase())
	require.Equal(t, []trust.MirrorDescriptor{{URLBase: "https://mirror.example/"}}, sim.LearnedMirrors())

	dest := filepath.Join(dir, "downloaded.tar.gz")
	require.NoError(t, up.DownloadPackage(context.Background(), "aeson-1.0", dest))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, pkgData, got)
}

func TestUpdaterRejectsDownloadBeforeCheckForUpdates(t *testing.T) {
	dir := t.TempDir()
	sim, err := trustsim.New(dir)
	require.NoError(t, err)

	f := newFixture(t)
	rootData := publishRepository(t, f, sim, "aeson-1.0", []byte("x"))
	rootPath := filepath.Join(dir, "1.root.json")
	require.NoError(t, os.WriteFile(rootPath, rootData, 0o644))

	up := updater.New(sim, sim.Cache(), func() time.Time { return f.now })
	require.NoError(t, up.Bootstrap(rootPath))

	err = up.DownloadPackage(context.Background(), "aeson-1.0", filepath.Join(dir, "out.tar.gz"))
	require.Error(t, err)
}

func TestUpdaterRejectsSecondBootstrap(t *testing.T) {
	dir := t.TempDir()
	sim, err := trustsim.New(dir)
	require.NoError(t, err)

	f := newFixture(t)
	rootData := publishRepository(t, f, sim, "aeson-1.0", []byte("x"))
	rootPath := filepath.Join(dir, "1.root.json")
	require.NoError(t, os.WriteFile(rootPath, rootData, 0o644))

	up := updater.New(sim, sim.Cache(), func() time.Time { return f.now })
	require.NoError(t, up.Bootstrap(rootPath))
	require.Error(t, up.Bootstrap(rootPath))
}

func TestUpdaterDetectsTamperedPackage(t *testing.T) {
	dir := t.TempDir()
	sim, err := trustsim.New(dir)
	require.NoError(t, err)

	f := newFixture(t)
	rootData := publishRepository(t, f, sim, "aeson-1.0", []byte("original bytes"))
	rootPath := filepath.Join(dir, "1.root.json")
	require.NoError(t, os.WriteFile(rootPath, rootData, 0o644))

	up := updater.New(sim, sim.Cache(), func() time.Time { return f.now })
	require.NoError(t, up.Bootstrap(rootPath))
	require.NoError(t, up.CheckForUpdates(context.Background()))

	// The repository swaps the tarball's bytes after targets.json was
	// already signed over the original content's hash.
	sim.Publish("package/aeson-1.0.tar.gz", []byte("tampered bytes"))

	err = up.DownloadPackage(context.Background(), "aeson-1.0", filepath.Join(dir, "out.tar.gz"))
	require.IsType(t, trust.InvalidFileInfo{}, err)
}
