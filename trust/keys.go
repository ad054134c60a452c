package trust

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/sigstore/sigstore/pkg/signature"
)

// KeyTypeEd25519 and KeySchemeEd25519 are the only key type/scheme this
// module speaks: Ed25519 primitives are treated as an external collaborator
// and the signature method is always "ed25519".
const (
	KeyTypeEd25519   = "ed25519"
	KeySchemeEd25519 = "ed25519"
)

// KeyVal carries the raw hex-encoded Ed25519 public key material.
type KeyVal struct {
	Public string `json:"public"`
}

// Key is an Ed25519 public key as it appears in root.json/delegations.
type Key struct {
	Type   string `json:"keytype"`
	Scheme string `json:"scheme"`
	Value  KeyVal `json:"keyval"`

	id     string
	idOnce sync.Once
}

// NewKey wraps a raw Ed25519 public key.
func NewKey(pub ed25519.PublicKey) *Key {
	return &Key{
		Type:   KeyTypeEd25519,
		Scheme: KeySchemeEd25519,
		Value:  KeyVal{Public: hex.EncodeToString(pub)},
	}
}

// ID returns the KeyID: lowercase hex SHA-256 of the canonical JSON
// encoding of the key object itself, matching the reference TUF
// keyid definition.
func (k *Key) ID() string {
	k.idOnce.Do(func() {
		data, err := CanonicalJSON(k)
		if err != nil {
			panic(fmt.Errorf("trust: computing key id: %w", err))
		}
		sum := sha256.Sum256(data)
		k.id = hex.EncodeToString(sum[:])
	})
	return k.id
}

// PublicKey decodes the raw Ed25519 public key material.
func (k *Key) PublicKey() (ed25519.PublicKey, error) {
	if k.Type != KeyTypeEd25519 {
		return nil, fmt.Errorf("trust: unsupported key type %q", k.Type)
	}
	raw, err := hex.DecodeString(k.Value.Public)
	if err != nil {
		return nil, fmt.Errorf("trust: decoding key %s: %w", k.ID(), err)
	}
	return ed25519.PublicKey(raw), nil
}

// Verify checks sig against payload under this key using Ed25519.
func (k *Key) Verify(payload, sig []byte) error {
	pub, err := k.PublicKey()
	if err != nil {
		return err
	}
	verifier, err := signature.LoadVerifier(pub, crypto.Hash(0))
	if err != nil {
		return err
	}
	if err := verifier.VerifySignature(bytes.NewReader(sig), bytes.NewReader(payload)); err != nil {
		return InvalidSignature{KeyID: k.ID()}
	}
	return nil
}

// Signer produces Ed25519 signatures over canonical payloads and knows its
// own public Key. It is the client-side counterpart used only by tests and
// the bootstrap tooling; the production client never signs anything.
type Signer struct {
	priv ed25519.PrivateKey
	pub  *Key
}

// NewSigner wraps a raw Ed25519 private key.
func NewSigner(priv ed25519.PrivateKey) *Signer {
	return &Signer{priv: priv, pub: NewKey(priv.Public().(ed25519.PublicKey))}
}

// Key returns the signer's public key.
func (s *Signer) Key() *Key { return s.pub }

// SignPayload signs the canonical encoding of payload and returns a
// complete Signature entry.
func (s *Signer) SignPayload(payload []byte) (Signature, error) {
	signer, err := signature.LoadSigner(s.priv, crypto.Hash(0))
	if err != nil {
		return Signature{}, err
	}
	sig, err := signer.SignMessage(bytes.NewReader(payload))
	if err != nil {
		return Signature{}, err
	}
	return Signature{KeyID: s.pub.ID(), Method: "ed25519", Signature: sig}, nil
}

// KeyEnv is a KeyID -> public Key mapping, built by folding over every
// `keys` block seen while parsing roles and delegations. It is closed
// (read-only) once verification begins.
type KeyEnv struct {
	byID map[string]*Key
}

// NewKeyEnv creates an empty key environment.
func NewKeyEnv() *KeyEnv {
	return &KeyEnv{byID: map[string]*Key{}}
}

// Add folds k into the environment. Adding a differing key under a KeyID
// already present is a hard error; adding the identical key twice is a
// no-op.
func (e *KeyEnv) Add(k *Key) error {
	id := k.ID()
	if existing, ok := e.byID[id]; ok {
		if existing.Value.Public != k.Value.Public || existing.Type != k.Type {
			return fmt.Errorf("trust: conflicting public key for id %s", id)
		}
		return nil
	}
	e.byID[id] = k
	return nil
}

// AddAll folds every key in ks into the environment.
func (e *KeyEnv) AddAll(ks map[string]*Key) error {
	for _, k := range ks {
		if err := e.Add(k); err != nil {
			return err
		}
	}
	return nil
}

// Lookup resolves a KeyID. A miss is reported to the caller, never panics.
func (e *KeyEnv) Lookup(id string) (*Key, bool) {
	k, ok := e.byID[id]
	return k, ok
}
