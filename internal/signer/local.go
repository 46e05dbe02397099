// ABOUTME: In-process private-key signer; key material lives in memory only.
// ABOUTME: The ephemeral variant is a Local whose key is never persisted.

package signer

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/2389/signet/internal/authstate"
	"github.com/2389/signet/internal/event"
	"github.com/2389/signet/internal/keys"
)

// Local signs with an in-memory secp256k1 private key. Signing is synchronous
// computation with no I/O and cannot fail except on malformed input.
type Local struct {
	priv      *btcec.PrivateKey
	pub       string
	ephemeral bool
}

// NewLocal creates a Local signer from a hex private key.
func NewLocal(privHex string) (*Local, error) {
	priv, err := keys.ParsePrivateKey(privHex)
	if err != nil {
		return nil, err
	}
	return &Local{
		priv: priv,
		pub:  hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
	}, nil
}

// NewEphemeral creates a Local signer with a freshly generated key that is
// never written to the credential store.
func NewEphemeral() (*Local, error) {
	privHex, err := keys.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	s, err := NewLocal(privHex)
	if err != nil {
		return nil, err
	}
	s.ephemeral = true
	return s, nil
}

// PublicKey returns the canonical hex public key.
func (s *Local) PublicKey() string { return s.pub }

// Method reports how this signer authenticates.
func (s *Local) Method() authstate.Method {
	if s.ephemeral {
		return authstate.MethodEphemeral
	}
	return authstate.MethodPrivateKey
}

// Sign computes the event ID and schnorr signature, filling in the event's
// pubkey, id, and sig fields.
func (s *Local) Sign(_ context.Context, ev *event.Event) (string, error) {
	if ev.PubKey == "" {
		ev.PubKey = s.pub
	}
	if ev.PubKey != s.pub {
		return "", fmt.Errorf("event pubkey %s does not match signer %s", ev.PubKey, s.pub)
	}

	id, err := ev.ComputeID()
	if err != nil {
		return "", err
	}
	hash, err := hex.DecodeString(id)
	if err != nil {
		return "", fmt.Errorf("decoding event id: %w", err)
	}

	sig, err := schnorr.Sign(s.priv, hash)
	if err != nil {
		return "", fmt.Errorf("signing event: %w", err)
	}

	ev.ID = id
	ev.Sig = hex.EncodeToString(sig.Serialize())
	return ev.Sig, nil
}

// SupportsEncryption always reports false.
func (s *Local) SupportsEncryption() bool { return false }

// Encrypt is not implemented.
func (s *Local) Encrypt(context.Context, string, string) (string, error) {
	return "", ErrUnsupported
}

// Decrypt is not implemented.
func (s *Local) Decrypt(context.Context, string, string) (string, error) {
	return "", ErrUnsupported
}

// Ensure Local implements Signer.
var _ Signer = (*Local)(nil)
