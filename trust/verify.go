package trust

import (
	"encoding/json"
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/hackage-trust/tuf-client-go/internal/logging"
)

// discriminatorFor returns the `_type` string a role payload of type T must
// carry.
func discriminatorFor[T Roles]() (string, error) {
	switch any(new(T)).(type) {
	case *RootType:
		return string(RoleRoot), nil
	case *SnapshotType:
		return string(RoleSnapshot), nil
	case *TimestampType:
		return string(RoleTimestamp), nil
	case *MirrorsType:
		return string(RoleMirrors), nil
	case *TargetsType:
		return string(RoleTargets), nil
	default:
		return "", fmt.Errorf("trust: unrecognized role payload type")
	}
}

// ParseEnvelope decodes raw bytes into a signed envelope and checks that
// its `_type` discriminator matches T, without verifying any signature.
func ParseEnvelope[T Roles](raw []byte) (*Metadata[T], error) {
	want, err := discriminatorFor[T]()
	if err != nil {
		return nil, err
	}
	got, err := rawEnvelopeType(raw)
	if err != nil {
		return nil, err
	}
	if err := expectType(got, want); err != nil {
		return nil, err
	}
	var env Metadata[T]
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// VerifyEnvelope returns a Trusted[T] payload iff at least role.Threshold
// signatures are valid
// Ed25519 signatures of canonical(env.Signed) under distinct KeyIDs drawn
// from role.KeyIDs, resolved through env. Duplicate KeyIDs in the
// signatures array never count twice, and signatures from KeyIDs the role
// doesn't authorize, or that don't resolve in the KeyEnv, are skipped
// rather than treated as a hard failure on their own. An unresolvable
// KeyID or an invalid signature is logged; an unauthorized one is not.
func VerifyEnvelope[T Roles](roleName string, role Role, keys *KeyEnv, env *Metadata[T]) (Trusted[T], error) {
	payload, err := CanonicalJSON(env.Signed)
	if err != nil {
		return Trusted[T]{}, err
	}
	valid := map[string]bool{}
	for _, sig := range env.Signatures {
		key, ok := keys.Lookup(sig.KeyID)
		if !ok {
			logging.Info("unknown key referenced by signature", "keyid", sig.KeyID, "role", roleName)
			continue
		}
		if !slices.Contains(role.KeyIDs, sig.KeyID) {
			continue
		}
		if err := key.Verify(payload, sig.Signature); err != nil {
			logging.Info("invalid signature", "keyid", sig.KeyID, "role", roleName)
			continue
		}
		valid[sig.KeyID] = true
	}
	if len(valid) < role.Threshold {
		return Trusted[T]{}, SignatureThresholdNotMet{Role: roleName, Need: role.Threshold, Got: len(valid)}
	}
	return newTrusted(env.Signed), nil
}

// RoleFor returns the Role record root authorizes for roleName.
func (r RootType) RoleFor(roleName string) (Role, bool) {
	role, ok := r.Roles[roleName]
	if !ok {
		return Role{}, false
	}
	return *role, true
}

// KeyEnv builds a KeyEnv out of root's key block.
func (r RootType) KeyEnv() (*KeyEnv, error) {
	env := NewKeyEnv()
	if err := env.AddAll(r.Keys); err != nil {
		return nil, err
	}
	return env, nil
}

// KeyEnv builds a KeyEnv out of a delegations block's key block.
func (d Delegations) KeyEnv() (*KeyEnv, error) {
	env := NewKeyEnv()
	if err := env.AddAll(d.Keys); err != nil {
		return nil, err
	}
	return env, nil
}

// RoleFor returns the Role record a delegations block authorizes for a
// named delegated role.
func (d Delegations) RoleFor(roleName string) (Role, bool) {
	for _, r := range d.Roles {
		if r.Name == roleName {
			return Role{KeyIDs: r.KeyIDs, Threshold: r.Threshold}, true
		}
	}
	return Role{}, false
}
