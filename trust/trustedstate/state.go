// Package trustedstate implements the verification pipeline that turns
// untrusted bytes from the repository into Trusted role values, enforcing
// signature thresholds, version monotonicity, expiry, and FileInfo pinning
// between roles, under a strict "never accept an expired document, even
// as an intermediate step" policy: expires-after-now is checked at
// acceptance time for every role used to build trust, with no exception
// carved out for bootstrap or rollback-protection bookkeeping the way
// upstream TUF allows.
package trustedstate

import (
	"fmt"
	"time"

	"github.com/hackage-trust/tuf-client-go/trust"
)

const (
	rootFile      = "root.json"
	snapshotFile  = "snapshot.json"
	mirrorsFile   = "mirrors.json"
	timestampFile = "timestamp.json"
	indexFile     = "00-index.tar"
)

// State is the client's current trust state: the accepted root plus
// whatever timestamp/snapshot/mirrors/targets have been verified against
// it so far. RefTime is supplied by the caller (not time.Now()) so
// expiry checks are deterministic in tests.
type State struct {
	Root      trust.Trusted[trust.RootType]
	Timestamp *trust.Trusted[trust.TimestampType]
	Snapshot  *trust.Trusted[trust.SnapshotType]
	Mirrors   *trust.Trusted[trust.MirrorsType]
	Targets   map[string]trust.Trusted[trust.TargetsType]
	RefTime   time.Time

	rootKeyEnv *trust.KeyEnv
}

// New bootstraps trust from a caller-supplied root.json. The seed root is
// verified under its own role and must not be expired: unlike upstream
// TUF, no exception is made for the initial root.
func New(rootData []byte, refTime time.Time) (*State, error) {
	st := &State{Targets: map[string]trust.Trusted[trust.TargetsType]{}, RefTime: refTime}
	trusted, err := st.verifyRootSelfSigned(rootData)
	if err != nil {
		return nil, err
	}
	root := trust.Downgrade(trusted)
	if root.IsExpired(refTime) {
		return nil, trust.Expired{Role: string(trust.RoleRoot), Expires: root.Expires.String()}
	}
	env, err := root.KeyEnv()
	if err != nil {
		return nil, err
	}
	st.Root = trusted
	st.rootKeyEnv = env
	return st, nil
}

func (st *State) verifyRootSelfSigned(rootData []byte) (trust.Trusted[trust.RootType], error) {
	env, err := trust.ParseEnvelope[trust.RootType](rootData)
	if err != nil {
		return trust.Trusted[trust.RootType]{}, err
	}
	role, ok := env.Signed.RoleFor(string(trust.RoleRoot))
	if !ok {
		return trust.Trusted[trust.RootType]{}, fmt.Errorf("trustedstate: root document missing its own root role")
	}
	keys, err := env.Signed.KeyEnv()
	if err != nil {
		return trust.Trusted[trust.RootType]{}, err
	}
	return trust.VerifyEnvelope(string(trust.RoleRoot), role, keys, env)
}

// RootRotationResult reports what changed so the caller can invalidate any
// cached timestamp/snapshot when the chain of trust under them moved.
type RootRotationResult struct {
	Changed             bool // false when this was a byte-identical no-op re-submission
	DerivedRolesChanged bool // snapshot/timestamp/mirrors/targets key set or threshold changed
}

// UpdateRoot verifies rootData as a new root and, on success, replaces the
// trusted root. It must be called before Timestamp is loaded (root
// rotation happens at the start of a check cycle).
func (st *State) UpdateRoot(rootData []byte) (RootRotationResult, error) {
	if st.Timestamp != nil {
		return RootRotationResult{}, fmt.Errorf("trustedstate: cannot update root after timestamp is loaded")
	}
	newEnv, err := trust.ParseEnvelope[trust.RootType](rootData)
	if err != nil {
		return RootRotationResult{}, err
	}
	oldRoot := trust.Downgrade(st.Root)

	// Cross-signing: verify under both the old root's "root" role and the
	// candidate's own "root" role.
	oldRole, ok := oldRoot.RoleFor(string(trust.RoleRoot))
	if !ok {
		return RootRotationResult{}, fmt.Errorf("trustedstate: trusted root missing its own root role")
	}
	if _, err := trust.VerifyEnvelope(string(trust.RoleRoot), oldRole, st.rootKeyEnv, newEnv); err != nil {
		return RootRotationResult{}, err
	}
	newTrusted, err := st.verifyRootSelfSigned(rootData)
	if err != nil {
		return RootRotationResult{}, err
	}
	newRoot := trust.Downgrade(newTrusted)

	switch {
	case newRoot.Version < oldRoot.Version:
		return RootRotationResult{}, trust.VersionRollback{Role: string(trust.RoleRoot), Have: oldRoot.Version, Got: newRoot.Version}
	case newRoot.Version == oldRoot.Version:
		oldCanon, err := trust.CanonicalJSON(oldRoot)
		if err != nil {
			return RootRotationResult{}, err
		}
		newCanon, err := trust.CanonicalJSON(newRoot)
		if err != nil {
			return RootRotationResult{}, err
		}
		if string(oldCanon) != string(newCanon) {
			return RootRotationResult{}, fmt.Errorf("trustedstate: two different root documents share version %d", newRoot.Version)
		}
		return RootRotationResult{Changed: false}, nil
	}

	if newRoot.IsExpired(st.RefTime) {
		return RootRotationResult{}, trust.Expired{Role: string(trust.RoleRoot), Expires: newRoot.Expires.String()}
	}

	derivedChanged := false
	for _, role := range []string{string(trust.RoleSnapshot), string(trust.RoleTimestamp), string(trust.RoleMirrors), string(trust.RoleTargets)} {
		oldR, oldOK := oldRoot.RoleFor(role)
		newR, newOK := newRoot.RoleFor(role)
		if oldOK != newOK || !sameRole(oldR, newR) {
			derivedChanged = true
		}
	}

	newKeyEnv, err := newRoot.KeyEnv()
	if err != nil {
		return RootRotationResult{}, err
	}
	st.Root = newTrusted
	st.rootKeyEnv = newKeyEnv

	if derivedChanged {
		st.Timestamp = nil
		st.Snapshot = nil
		st.Mirrors = nil
		st.Targets = map[string]trust.Trusted[trust.TargetsType]{}
	}
	return RootRotationResult{Changed: true, DerivedRolesChanged: derivedChanged}, nil
}

func sameRole(a, b trust.Role) bool {
	if a.Threshold != b.Threshold || len(a.KeyIDs) != len(b.KeyIDs) {
		return false
	}
	want := map[string]bool{}
	for _, id := range a.KeyIDs {
		want[id] = true
	}
	for _, id := range b.KeyIDs {
		if !want[id] {
			return false
		}
	}
	return true
}

// UpdateTimestamp verifies timestampData under the trusted root, enforces
// version monotonicity against any prior trusted timestamp, and rejects an
// expired document outright.
func (st *State) UpdateTimestamp(data []byte) (trust.Trusted[trust.TimestampType], error) {
	if st.Snapshot != nil {
		return trust.Trusted[trust.TimestampType]{}, fmt.Errorf("trustedstate: cannot update timestamp after snapshot is loaded")
	}
	root := trust.Downgrade(st.Root)
	if root.IsExpired(st.RefTime) {
		return trust.Trusted[trust.TimestampType]{}, trust.Expired{Role: string(trust.RoleRoot), Expires: root.Expires.String()}
	}
	role, ok := root.RoleFor(string(trust.RoleTimestamp))
	if !ok {
		return trust.Trusted[trust.TimestampType]{}, fmt.Errorf("trustedstate: root has no timestamp role")
	}
	env, err := trust.ParseEnvelope[trust.TimestampType](data)
	if err != nil {
		return trust.Trusted[trust.TimestampType]{}, err
	}
	trusted, err := trust.VerifyEnvelope(string(trust.RoleTimestamp), role, st.rootKeyEnv, env)
	if err != nil {
		return trust.Trusted[trust.TimestampType]{}, err
	}
	ts := trust.Downgrade(trusted)

	if _, ok := ts.Meta[snapshotFile]; !ok {
		return trust.Trusted[trust.TimestampType]{}, fmt.Errorf("trustedstate: timestamp missing %s entry", snapshotFile)
	}

	if st.Timestamp != nil {
		prev := trust.Downgrade(*st.Timestamp)
		if ts.Version < prev.Version {
			return trust.Trusted[trust.TimestampType]{}, trust.VersionRollback{Role: string(trust.RoleTimestamp), Have: prev.Version, Got: ts.Version}
		}
	}

	if ts.IsExpired(st.RefTime) {
		return trust.Trusted[trust.TimestampType]{}, trust.Expired{Role: string(trust.RoleTimestamp), Expires: ts.Expires.String()}
	}

	st.Timestamp = &trusted
	return trusted, nil
}

// UpdateSnapshot verifies snapshotData against the FileInfo pinned by the
// trusted timestamp (unless isTrusted, for data already verified once out
// of the local cache), then against the root's snapshot role.
func (st *State) UpdateSnapshot(data []byte, isTrusted bool) (trust.Trusted[trust.SnapshotType], error) {
	if st.Timestamp == nil {
		return trust.Trusted[trust.SnapshotType]{}, fmt.Errorf("trustedstate: cannot update snapshot before timestamp")
	}
	ts := trust.Downgrade(*st.Timestamp)
	if ts.IsExpired(st.RefTime) {
		return trust.Trusted[trust.SnapshotType]{}, trust.Expired{Role: string(trust.RoleTimestamp), Expires: ts.Expires.String()}
	}
	if !isTrusted {
		if err := ts.Meta[snapshotFile].VerifyBytes(data); err != nil {
			return trust.Trusted[trust.SnapshotType]{}, err
		}
	}
	root := trust.Downgrade(st.Root)
	role, ok := root.RoleFor(string(trust.RoleSnapshot))
	if !ok {
		return trust.Trusted[trust.SnapshotType]{}, fmt.Errorf("trustedstate: root has no snapshot role")
	}
	env, err := trust.ParseEnvelope[trust.SnapshotType](data)
	if err != nil {
		return trust.Trusted[trust.SnapshotType]{}, err
	}
	trusted, err := trust.VerifyEnvelope(string(trust.RoleSnapshot), role, st.rootKeyEnv, env)
	if err != nil {
		return trust.Trusted[trust.SnapshotType]{}, err
	}
	snap := trust.Downgrade(trusted)

	for _, required := range []string{rootFile, mirrorsFile, indexFile} {
		if _, ok := snap.Meta[required]; !ok {
			return trust.Trusted[trust.SnapshotType]{}, fmt.Errorf("trustedstate: snapshot missing entry for %s", required)
		}
	}

	if st.Snapshot != nil {
		prev := trust.Downgrade(*st.Snapshot)
		if snap.Version < prev.Version {
			return trust.Trusted[trust.SnapshotType]{}, trust.VersionRollback{Role: string(trust.RoleSnapshot), Have: prev.Version, Got: snap.Version}
		}
	}

	if snap.IsExpired(st.RefTime) {
		return trust.Trusted[trust.SnapshotType]{}, trust.Expired{Role: string(trust.RoleSnapshot), Expires: snap.Expires.String()}
	}

	st.Snapshot = &trusted
	return trusted, nil
}

// UpdateMirrors verifies mirrorsData against the FileInfo pinned by the
// trusted snapshot, then against the root's mirrors role. Absence of
// mirrors.json on the repository is not an error at this layer; callers
// that get a NotFound fetching it should treat the out-of-band mirror
// list as authoritative and skip this call entirely.
func (st *State) UpdateMirrors(data []byte) (trust.Trusted[trust.MirrorsType], error) {
	if st.Snapshot == nil {
		return trust.Trusted[trust.MirrorsType]{}, fmt.Errorf("trustedstate: cannot update mirrors before snapshot")
	}
	snap := trust.Downgrade(*st.Snapshot)
	if snap.IsExpired(st.RefTime) {
		return trust.Trusted[trust.MirrorsType]{}, trust.Expired{Role: string(trust.RoleSnapshot), Expires: snap.Expires.String()}
	}
	if err := snap.Meta[mirrorsFile].VerifyBytes(data); err != nil {
		return trust.Trusted[trust.MirrorsType]{}, err
	}
	root := trust.Downgrade(st.Root)
	role, ok := root.RoleFor(string(trust.RoleMirrors))
	if !ok {
		return trust.Trusted[trust.MirrorsType]{}, fmt.Errorf("trustedstate: root has no mirrors role")
	}
	env, err := trust.ParseEnvelope[trust.MirrorsType](data)
	if err != nil {
		return trust.Trusted[trust.MirrorsType]{}, err
	}
	trusted, err := trust.VerifyEnvelope(string(trust.RoleMirrors), role, st.rootKeyEnv, env)
	if err != nil {
		return trust.Trusted[trust.MirrorsType]{}, err
	}
	m := trust.Downgrade(trusted)
	if m.IsExpired(st.RefTime) {
		return trust.Trusted[trust.MirrorsType]{}, trust.Expired{Role: string(trust.RoleMirrors), Expires: m.Expires.String()}
	}
	st.Mirrors = &trusted
	return trusted, nil
}

// UpdateTargets verifies the top-level targets document.
func (st *State) UpdateTargets(data []byte) (trust.Trusted[trust.TargetsType], error) {
	return st.UpdateDelegatedTargets(data, string(trust.RoleTargets), string(trust.RoleRoot))
}

// UpdateDelegatedTargets verifies targetsData as the metadata for roleName,
// delegated by delegatorName (either "root" for the top-level targets role,
// or another already-trusted targets role name). Targets documents travel
// inside the index tarball rather than as a separately-fetched, separately
// hashed resource, so snapshot pins their integrity only transitively
// through the tarball's own FileInfo; what's checked here is the
// document's signature threshold and freshness, not a snapshot-pinned hash.
func (st *State) UpdateDelegatedTargets(data []byte, roleName, delegatorName string) (trust.Trusted[trust.TargetsType], error) {
	if st.Snapshot == nil {
		return trust.Trusted[trust.TargetsType]{}, fmt.Errorf("trustedstate: cannot load targets before snapshot")
	}
	snap := trust.Downgrade(*st.Snapshot)
	if snap.IsExpired(st.RefTime) {
		return trust.Trusted[trust.TargetsType]{}, trust.Expired{Role: string(trust.RoleSnapshot), Expires: snap.Expires.String()}
	}

	var role trust.Role
	var keys *trust.KeyEnv
	if delegatorName == string(trust.RoleRoot) {
		root := trust.Downgrade(st.Root)
		r, ok := root.RoleFor(string(trust.RoleTargets))
		if !ok {
			return trust.Trusted[trust.TargetsType]{}, fmt.Errorf("trustedstate: root has no targets role")
		}
		role, keys = r, st.rootKeyEnv
	} else {
		delegator, ok := st.Targets[delegatorName]
		if !ok {
			return trust.Trusted[trust.TargetsType]{}, fmt.Errorf("trustedstate: delegator %s not yet loaded", delegatorName)
		}
		del := trust.Downgrade(delegator)
		if del.Delegations == nil {
			return trust.Trusted[trust.TargetsType]{}, fmt.Errorf("trustedstate: %s has no delegations", delegatorName)
		}
		r, ok := del.Delegations.RoleFor(roleName)
		if !ok {
			return trust.Trusted[trust.TargetsType]{}, fmt.Errorf("trustedstate: %s does not delegate to %s", delegatorName, roleName)
		}
		env, err := del.Delegations.KeyEnv()
		if err != nil {
			return trust.Trusted[trust.TargetsType]{}, err
		}
		role, keys = r, env
	}

	env, err := trust.ParseEnvelope[trust.TargetsType](data)
	if err != nil {
		return trust.Trusted[trust.TargetsType]{}, err
	}
	trusted, err := trust.VerifyEnvelope(roleName, role, keys, env)
	if err != nil {
		return trust.Trusted[trust.TargetsType]{}, err
	}
	tt := trust.Downgrade(trusted)
	if tt.IsExpired(st.RefTime) {
		return trust.Trusted[trust.TargetsType]{}, trust.Expired{Role: roleName, Expires: tt.Expires.String()}
	}
	st.Targets[roleName] = trusted
	return trusted, nil
}
