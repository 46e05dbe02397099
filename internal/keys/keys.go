// ABOUTME: secp256k1 key handling: generation, public-key derivation,
// ABOUTME: and normalization of bech32 (npub) identifiers to canonical hex.

package keys

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/bech32"
)

// ErrMalformedKey is returned when key material cannot be parsed or an
// identifier cannot be normalized to the canonical hex encoding.
var ErrMalformedKey = errors.New("malformed key")

// npubPrefix is the bech32 human-readable part for public-key identifiers.
const npubPrefix = "npub"

// GeneratePrivateKey returns a fresh secp256k1 private key, hex-encoded.
func GeneratePrivateKey() (string, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return "", fmt.Errorf("generating private key: %w", err)
	}
	return hex.EncodeToString(priv.Serialize()), nil
}

// DerivePublicKey returns the x-only public key for a hex private key.
func DerivePublicKey(privHex string) (string, error) {
	priv, err := ParsePrivateKey(privHex)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())), nil
}

// ParsePrivateKey decodes a 32-byte hex private key.
func ParsePrivateKey(privHex string) (*btcec.PrivateKey, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(privHex))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: private key must be 32 bytes, got %d", ErrMalformedKey, len(raw))
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return priv, nil
}

// Normalize converts a public-key identifier to the canonical 64-char lowercase
// hex encoding. Accepts hex (any case) or a bech32 npub string. A value that
// cannot be normalized is a hard error, never passed through.
func Normalize(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: empty identifier", ErrMalformedKey)
	}

	if strings.HasPrefix(strings.ToLower(id), npubPrefix+"1") {
		return decodeNpub(id)
	}

	lower := strings.ToLower(id)
	raw, err := hex.DecodeString(lower)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("%w: public key must be 32 bytes, got %d", ErrMalformedKey, len(raw))
	}
	if _, err := schnorr.ParsePubKey(raw); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	return lower, nil
}

// EncodeNpub encodes a canonical hex public key as a bech32 npub string.
func EncodeNpub(pubHex string) (string, error) {
	raw, err := hex.DecodeString(pubHex)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("%w: public key must be 32 bytes, got %d", ErrMalformedKey, len(raw))
	}

	grouped, err := bech32.ConvertBits(raw, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("converting bits: %w", err)
	}
	encoded, err := bech32.Encode(npubPrefix, grouped)
	if err != nil {
		return "", fmt.Errorf("encoding npub: %w", err)
	}
	return encoded, nil
}

// decodeNpub decodes a bech32 npub string into canonical hex.
func decodeNpub(npub string) (string, error) {
	hrp, data, err := bech32.Decode(strings.ToLower(npub))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	if hrp != npubPrefix {
		return "", fmt.Errorf("%w: unexpected prefix %q", ErrMalformedKey, hrp)
	}

	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("%w: decoded key must be 32 bytes, got %d", ErrMalformedKey, len(raw))
	}
	return hex.EncodeToString(raw), nil
}
