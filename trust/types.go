// Package trust implements the TUF metadata model and the verification
// pipeline it needs: canonical JSON encoding, Ed25519 signed envelopes,
// key environments, role thresholds, and the on-disk role document shapes
// (root, timestamp, snapshot, mirrors, targets/delegations). It is the
// leaf layer everything else in this module builds on, grounded on
// github.com/rdimitrov/go-tuf-metadata's metadata package.
package trust

import (
	"encoding/json"
	"fmt"
	"time"
)

// RoleName identifies one of the top-level roles plus mirrors.
type RoleName string

const (
	RoleRoot      RoleName = "root"
	RoleSnapshot  RoleName = "snapshot"
	RoleTimestamp RoleName = "timestamp"
	RoleTargets   RoleName = "targets"
	RoleMirrors   RoleName = "mirrors"
)

// SpecVersion is the version of the on-wire format this module speaks.
const SpecVersion = "1.0"

// Roles is the generic type constraint over every signable payload shape.
type Roles interface {
	RootType | SnapshotType | TimestampType | MirrorsType | TargetsType
}

// Metadata is a signed envelope around a role payload: `{signed, signatures}`.
type Metadata[T Roles] struct {
	Signed     T           `json:"signed"`
	Signatures []Signature `json:"signatures"`
}

// Signature is one entry of a signed envelope's signatures array.
type Signature struct {
	KeyID     string   `json:"keyid"`
	Method    string   `json:"method"`
	Signature HexBytes `json:"sig"`
}

// HexBytes marshals as a lowercase hex string and unmarshals the same way.
type HexBytes []byte

// Hashes maps a hash algorithm name ("sha256", "sha512") to its hex digest.
type Hashes map[string]HexBytes

// FileInfo is the declared length and hash digests of a remote file.
type FileInfo struct {
	Length int64  `json:"length"`
	Hashes Hashes `json:"hashes"`
}

// FileMap is a repository-relative-path -> FileInfo mapping.
type FileMap map[string]FileInfo

// Role is a named set of authorized KeyIDs plus a signature threshold.
type Role struct {
	KeyIDs    []string `json:"keyids"`
	Threshold int      `json:"threshold"`
}

// RootType is the payload of root.json: which keys speak for which role,
// plus the full key environment those keyids resolve against.
type RootType struct {
	Type               string           `json:"_type"`
	SpecVersion        string           `json:"spec_version"`
	Version            int64            `json:"version"`
	Expires            time.Time        `json:"expires"`
	ConsistentSnapshot bool             `json:"consistent_snapshot"`
	Keys               map[string]*Key  `json:"keys"`
	Roles              map[string]*Role `json:"roles"`
}

// TimestampType is the payload of timestamp.json: a FileMap holding
// exactly one entry, for snapshot.json.
type TimestampType struct {
	Type        string    `json:"_type"`
	SpecVersion string    `json:"spec_version"`
	Version     int64     `json:"version"`
	Expires     time.Time `json:"expires"`
	Meta        FileMap   `json:"meta"`
}

// SnapshotType is the payload of snapshot.json: FileInfo for root.json,
// mirrors.json and the package index.
type SnapshotType struct {
	Type        string    `json:"_type"`
	SpecVersion string    `json:"spec_version"`
	Version     int64     `json:"version"`
	Expires     time.Time `json:"expires"`
	Meta        FileMap   `json:"meta"`
}

// MirrorDescriptor is one entry of mirrors.json's ordered mirror list.
type MirrorDescriptor struct {
	URLBase      string   `json:"urlBase"`
	ContentTypes []string `json:"content-types,omitempty"`
}

// MirrorsType is the payload of mirrors.json.
type MirrorsType struct {
	Type        string             `json:"_type"`
	SpecVersion string             `json:"spec_version"`
	Version     int64              `json:"version"`
	Expires     time.Time          `json:"expires"`
	Mirrors     []MirrorDescriptor `json:"mirrors"`
}

// DelegatedRole hands off authority for a subset of target paths to
// another targets role.
type DelegatedRole struct {
	Name        string   `json:"name"`
	KeyIDs      []string `json:"keyids"`
	Threshold   int      `json:"threshold"`
	Paths       []string `json:"paths"`
	Terminating bool     `json:"terminating,omitempty"`
}

// Delegations is the delegation block of a targets document: the keys the
// delegated roles are signed with, plus the ordered list of delegations
// themselves (order determines match priority).
type Delegations struct {
	Keys  map[string]*Key `json:"keys"`
	Roles []DelegatedRole `json:"roles"`
}

// TargetFile is a target's declared length/hashes, plus its repository path
// (not marshaled: it's the map key in TargetsType.Targets).
type TargetFile struct {
	Length int64   `json:"length"`
	Hashes Hashes  `json:"hashes"`
	Path   string  `json:"-"`
}

// TargetsType is the payload of a (possibly delegated) targets document.
type TargetsType struct {
	Type        string                `json:"_type"`
	SpecVersion string                `json:"spec_version"`
	Version     int64                 `json:"version"`
	Expires     time.Time             `json:"expires"`
	Targets     map[string]TargetFile `json:"targets"`
	Delegations *Delegations          `json:"delegations,omitempty"`
}

// IsExpired reports whether this document's expiry is not after
// referenceTime (a document expiring exactly at referenceTime is expired).
func (r RootType) IsExpired(referenceTime time.Time) bool      { return !referenceTime.Before(r.Expires) }
func (t TimestampType) IsExpired(referenceTime time.Time) bool { return !referenceTime.Before(t.Expires) }
func (s SnapshotType) IsExpired(referenceTime time.Time) bool  { return !referenceTime.Before(s.Expires) }
func (m MirrorsType) IsExpired(referenceTime time.Time) bool   { return !referenceTime.Before(m.Expires) }
func (t TargetsType) IsExpired(referenceTime time.Time) bool   { return !referenceTime.Before(t.Expires) }

// Match reports whether two FileInfos describe the same bytes: equal
// length, and at least one hash algorithm in common with matching digests.
// SHA-256 is mandatory whenever present in either side.
func (f FileInfo) Match(other FileInfo) bool {
	if f.Length != other.Length {
		return false
	}
	if a, ok := f.Hashes["sha256"]; ok {
		b, ok := other.Hashes["sha256"]
		if !ok || !hexEqual(a, b) {
			return false
		}
	} else if _, ok := other.Hashes["sha256"]; ok {
		return false
	}
	matched := false
	for alg, want := range f.Hashes {
		if got, ok := other.Hashes[alg]; ok {
			if !hexEqual(want, got) {
				return false
			}
			matched = true
		}
	}
	return matched
}

func hexEqual(a, b HexBytes) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// VerifyBytes checks that data's length and hashes satisfy f.
func (f FileInfo) VerifyBytes(data []byte) error {
	got, err := HashBytes(data, hashAlgos(f.Hashes))
	if err != nil {
		return err
	}
	if !f.Match(got) {
		return InvalidFileInfo{Expected: f, Actual: got}
	}
	return nil
}

// String renders a FileInfo as "<length>:<digest>:<digest>..." using the
// content-addressable digest.Digest form of each hash where the algorithm
// is one go-digest recognizes, falling back to "<alg>=<hex>" otherwise.
func (f FileInfo) String() string {
	s := fmt.Sprintf("%d", f.Length)
	for alg := range f.Hashes {
		if d, ok := f.Hashes.Digest(alg); ok {
			s += ":" + d.String()
			continue
		}
		s += fmt.Sprintf(":%s=%s", alg, f.Hashes[alg].String())
	}
	return s
}

func hashAlgos(h Hashes) []string {
	if len(h) == 0 {
		return []string{"sha256"}
	}
	algos := make([]string, 0, len(h))
	for a := range h {
		algos = append(algos, a)
	}
	return algos
}

// discriminator helpers used by ParseEnvelope to reject payloads whose _type
// doesn't match what the caller asked to parse.
func expectType(got, want string) error {
	if got != want {
		return WrongType{Expected: want, Got: got}
	}
	return nil
}

// rawEnvelopeType peeks at `signed._type` without fully decoding the payload.
func rawEnvelopeType(data []byte) (string, error) {
	var probe struct {
		Signed struct {
			Type string `json:"_type"`
		} `json:"signed"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", err
	}
	return probe.Signed.Type, nil
}
