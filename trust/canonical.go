package trust

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"

	digest "github.com/opencontainers/go-digest"
	"github.com/secure-systems-lab/go-securesystemslib/cjson"
)

// CanonicalJSON returns the byte-stable canonical encoding of v: sorted
// object keys, no whitespace, minimal string escaping, no floats. This is
// the encoding signatures are computed and verified over, never the
// on-wire bytes.
func CanonicalJSON(v any) ([]byte, error) {
	return cjson.EncodeCanonical(v)
}

func (b HexBytes) MarshalJSON() ([]byte, error) {
	res := make([]byte, hex.EncodedLen(len(b))+2)
	res[0] = '"'
	res[len(res)-1] = '"'
	hex.Encode(res[1:], b)
	return res, nil
}

func (b *HexBytes) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("trust: invalid hex bytes literal")
	}
	res := make([]byte, hex.DecodedLen(len(data)-2))
	if _, err := hex.Decode(res, data[1:len(data)-1]); err != nil {
		return err
	}
	*b = res
	return nil
}

func (b HexBytes) String() string { return hex.EncodeToString(b) }

// Digest returns a content-addressable digest.Digest ("sha256:<hex>") for
// the given algorithm, if present and known to go-digest. Used by
// FileInfo.String for log lines and error messages; the wire format itself
// only ever carries the raw hash map.
func (h Hashes) Digest(alg string) (digest.Digest, bool) {
	raw, ok := h[alg]
	if !ok {
		return "", false
	}
	a := algToDigestAlg(alg)
	if !a.Available() {
		return "", false
	}
	return digest.NewDigestFromEncoded(a, raw.String()), true
}

func algToDigestAlg(alg string) digest.Algorithm {
	switch alg {
	case "sha256":
		return digest.SHA256
	case "sha512":
		return digest.SHA512
	default:
		return digest.Algorithm(alg)
	}
}

// HashBytes computes a FileInfo (length + requested hash algorithms) over data.
func HashBytes(data []byte, algos []string) (FileInfo, error) {
	fi := FileInfo{Length: int64(len(data)), Hashes: Hashes{}}
	for _, alg := range algos {
		var h hash.Hash
		switch alg {
		case "sha256":
			h = sha256.New()
		case "sha512":
			h = sha512.New()
		default:
			return FileInfo{}, fmt.Errorf("trust: unsupported hash algorithm %q", alg)
		}
		h.Write(data)
		fi.Hashes[alg] = h.Sum(nil)
	}
	return fi, nil
}
