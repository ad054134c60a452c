package trustedstate_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hackage-trust/tuf-client-go/trust"
	"github.com/hackage-trust/tuf-client-go/trust/trustedstate"
)

func TestResolveTargetFollowsDelegation(t *testing.T) {
	f := newFixture(t)
	rootData := f.buildRoot(t, 1, f.now.Add(365*24*time.Hour))
	st, err := trustedstate.New(rootData, f.now)
	require.NoError(t, err)

	delegateSigner := f.snapSigner // reuse a key already known to root's key block for simplicity

	top := trust.TargetsType{
		Type:        "targets",
		SpecVersion: trust.SpecVersion,
		Version:     1,
		Expires:     f.now.Add(24 * time.Hour),
		Targets:     map[string]trust.TargetFile{},
		Delegations: &trust.Delegations{
			Keys: map[string]*trust.Key{delegateSigner.Key().ID(): delegateSigner.Key()},
			Roles: []trust.DelegatedRole{
				{Name: "aeson", KeyIDs: []string{delegateSigner.Key().ID()}, Threshold: 1, Paths: []string{"package/aeson/**"}},
			},
		},
	}
	topData, err := sign(t, top, f.targetSigner).ToBytes(false)
	require.NoError(t, err)

	setupSnapshotChain(t, f, st, topData)

	_, err = st.UpdateTargets(topData)
	require.NoError(t, err)

	delegated := trust.TargetsType{
		Type:        "targets",
		SpecVersion: trust.SpecVersion,
		Version:     1,
		Expires:     f.now.Add(24 * time.Hour),
		Targets: map[string]trust.TargetFile{
			"package/aeson/aeson.cabal": {Length: 42, Hashes: trust.Hashes{"sha256": mustHash(t, []byte("cabal file"))}},
		},
	}
	delegatedData, err := sign(t, delegated, delegateSigner).ToBytes(false)
	require.NoError(t, err)

	fetch := func(roleName string) ([]byte, error) {
		require.Equal(t, "aeson", roleName)
		return delegatedData, nil
	}

	tf, err := st.ResolveTarget("package/aeson/aeson.cabal", fetch, 0)
	require.NoError(t, err)
	require.Equal(t, int64(42), tf.Length)

	_, err = st.ResolveTarget("package/other/other.cabal", fetch, 0)
	require.Equal(t, trust.DelegationUnresolved{Path: "package/other/other.cabal"}, err)
}

func TestResolveTargetRespectsMaxDelegations(t *testing.T) {
	f := newFixture(t)
	rootData := f.buildRoot(t, 1, f.now.Add(365*24*time.Hour))
	st, err := trustedstate.New(rootData, f.now)
	require.NoError(t, err)

	delegateSigner := f.snapSigner

	// Two-hop chain: top -> "mid" -> "leaf", so a budget of exactly 1
	// lets the walk visit "mid" but not follow on into "leaf".
	leaf := trust.TargetsType{
		Type:        "targets",
		SpecVersion: trust.SpecVersion,
		Version:     1,
		Expires:     f.now.Add(24 * time.Hour),
		Targets: map[string]trust.TargetFile{
			"package/aeson/aeson.cabal": {Length: 42, Hashes: trust.Hashes{"sha256": mustHash(t, []byte("cabal file"))}},
		},
	}
	leafData, err := sign(t, leaf, delegateSigner).ToBytes(false)
	require.NoError(t, err)

	mid := trust.TargetsType{
		Type:        "targets",
		SpecVersion: trust.SpecVersion,
		Version:     1,
		Expires:     f.now.Add(24 * time.Hour),
		Targets:     map[string]trust.TargetFile{},
		Delegations: &trust.Delegations{
			Keys: map[string]*trust.Key{delegateSigner.Key().ID(): delegateSigner.Key()},
			Roles: []trust.DelegatedRole{
				{Name: "leaf", KeyIDs: []string{delegateSigner.Key().ID()}, Threshold: 1, Paths: []string{"package/aeson/**"}},
			},
		},
	}
	midData, err := sign(t, mid, delegateSigner).ToBytes(false)
	require.NoError(t, err)

	top := trust.TargetsType{
		Type:        "targets",
		SpecVersion: trust.SpecVersion,
		Version:     1,
		Expires:     f.now.Add(24 * time.Hour),
		Targets:     map[string]trust.TargetFile{},
		Delegations: &trust.Delegations{
			Keys: map[string]*trust.Key{delegateSigner.Key().ID(): delegateSigner.Key()},
			Roles: []trust.DelegatedRole{
				{Name: "mid", KeyIDs: []string{delegateSigner.Key().ID()}, Threshold: 1, Paths: []string{"package/aeson/**"}},
			},
		},
	}
	topData, err := sign(t, top, f.targetSigner).ToBytes(false)
	require.NoError(t, err)

	setupSnapshotChain(t, f, st, topData)
	_, err = st.UpdateTargets(topData)
	require.NoError(t, err)

	fetch := func(roleName string) ([]byte, error) {
		switch roleName {
		case "mid":
			return midData, nil
		case "leaf":
			return leafData, nil
		default:
			t.Fatalf("unexpected delegate fetch for %s", roleName)
			return nil, nil
		}
	}

	// Unbounded: resolves through both hops.
	tf, err := st.ResolveTarget("package/aeson/aeson.cabal", fetch, 0)
	require.NoError(t, err)
	require.Equal(t, int64(42), tf.Length)

	// Budget of 1 is spent reaching "mid" and has nothing left for "leaf".
	_, err = st.ResolveTarget("package/aeson/aeson.cabal", fetch, 1)
	require.Equal(t, trust.DelegationUnresolved{Path: "package/aeson/aeson.cabal"}, err)
}

// setupSnapshotChain drives timestamp/snapshot so that the given raw
// top-level targets bytes are pinned and UpdateTargets below will accept
// them without a dedicated snapshot-building helper per test.
func setupSnapshotChain(t *testing.T, f *fixture, st *trustedstate.State, topTargetsData []byte) {
	t.Helper()
	rootInfo := mustInfo(t, f.buildRoot(t, 1, f.now.Add(365*24*time.Hour)))
	mirrorsData := f.buildMirrors(t, 1)
	mirrorsInfo := mustInfo(t, mirrorsData)
	targetsInfo := mustInfo(t, topTargetsData)

	snapData := f.buildSnapshot(t, 1, targetsInfo, rootInfo, mirrorsInfo)
	snapInfo := mustInfo(t, snapData)
	tsData := f.buildTimestamp(t, 1, snapInfo)

	_, err := st.UpdateTimestamp(tsData)
	require.NoError(t, err)
	_, err = st.UpdateSnapshot(snapData, false)
	require.NoError(t, err)
}

func mustInfo(t *testing.T, data []byte) trust.FileInfo {
	t.Helper()
	fi, err := trust.HashBytes(data, []string{"sha256"})
	require.NoError(t, err)
	return fi
}
