package trust_test

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hackage-trust/tuf-client-go/trust"
)

func genKey(t *testing.T) (*trust.Signer, *trust.Key) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	s := trust.NewSigner(priv)
	_ = pub
	return s, s.Key()
}

func signedRoot(t *testing.T, signers ...*trust.Signer) *trust.Metadata[trust.RootType] {
	t.Helper()
	keys := map[string]*trust.Key{}
	keyIDs := make([]string, 0, len(signers))
	for _, s := range signers {
		keys[s.Key().ID()] = s.Key()
		keyIDs = append(keyIDs, s.Key().ID())
	}
	root := trust.RootType{
		Type:        "root",
		SpecVersion: trust.SpecVersion,
		Version:     1,
		Expires:     time.Now().Add(24 * time.Hour).UTC(),
		Keys:        keys,
		Roles: map[string]*trust.Role{
			"root": {KeyIDs: keyIDs, Threshold: 2},
		},
	}
	env := &trust.Metadata[trust.RootType]{Signed: root}
	for _, s := range signers {
		payload, err := trust.CanonicalJSON(env.Signed)
		require.NoError(t, err)
		sig, err := s.SignPayload(payload)
		require.NoError(t, err)
		env.Signatures = append(env.Signatures, sig)
	}
	return env
}

// threshold=2 over {A,B,C}.
func TestVerifyEnvelope_SignatureThreshold(t *testing.T) {
	sa, ka := genKey(t)
	sb, kb := genKey(t)
	_, kc := genKey(t)
	sx, _ := genKey(t) // X: unauthorized key

	role := trust.Role{KeyIDs: []string{ka.ID(), kb.ID(), kc.ID()}, Threshold: 2}
	keys := trust.NewKeyEnv()
	require.NoError(t, keys.Add(ka))
	require.NoError(t, keys.Add(kb))
	require.NoError(t, keys.Add(kc))

	payload := trust.TargetsType{Type: "targets", Version: 1, Expires: time.Now().Add(time.Hour)}

	mk := func(signers ...*trust.Signer) *trust.Metadata[trust.TargetsType] {
		env := &trust.Metadata[trust.TargetsType]{Signed: payload}
		raw, err := trust.CanonicalJSON(env.Signed)
		require.NoError(t, err)
		for _, s := range signers {
			sig, err := s.SignPayload(raw)
			require.NoError(t, err)
			env.Signatures = append(env.Signatures, sig)
		}
		return env
	}

	// {A,B} verifies.
	_, err := trust.VerifyEnvelope("targets", role, keys, mk(sa, sb))
	require.NoError(t, err)

	// {A,A} (duplicate) fails: only one distinct signer.
	envAA := mk(sa)
	envAA.Signatures = append(envAA.Signatures, envAA.Signatures[0])
	_, err = trust.VerifyEnvelope("targets", role, keys, envAA)
	require.Equal(t, trust.SignatureThresholdNotMet{Role: "targets", Need: 2, Got: 1}, err)

	// {A,X}: X is unknown to the key environment itself, so it's logged as
	// an UnknownKey and doesn't count toward the threshold either way.
	envAX := mk(sa, sx)
	_, err = trust.VerifyEnvelope("targets", role, keys, envAX)
	require.Equal(t, trust.SignatureThresholdNotMet{Role: "targets", Need: 2, Got: 1}, err)
}

func TestRootRoundTrip(t *testing.T) {
	s1, _ := genKey(t)
	s2, _ := genKey(t)
	env := signedRoot(t, s1, s2)

	raw, err := env.ToBytes(false)
	require.NoError(t, err)

	parsed, err := trust.ParseEnvelope[trust.RootType](raw)
	require.NoError(t, err)

	root := parsed.Signed
	roleInfo, ok := root.RoleFor("root")
	require.True(t, ok)

	keyEnv, err := root.KeyEnv()
	require.NoError(t, err)

	trusted, err := trust.VerifyEnvelope("root", roleInfo, keyEnv, parsed)
	require.NoError(t, err)
	require.Equal(t, int64(1), trust.Downgrade(trusted).Version)

	// Round-trip stability: canonical(parse(encode(d))) == canonical(d).
	again, err := trust.CanonicalJSON(parsed.Signed)
	require.NoError(t, err)
	orig, err := trust.CanonicalJSON(env.Signed)
	require.NoError(t, err)
	require.Equal(t, orig, again)
}
