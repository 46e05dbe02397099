// ABOUTME: Protocol event type with canonical serialization and ID computation.
// ABOUTME: Signatures are BIP-340 schnorr over the sha256 of the canonical form.

package event

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// ErrInvalidSignature is returned when an event's signature does not verify
// against its public key and computed ID.
var ErrInvalidSignature = errors.New("invalid event signature")

// Event is a single protocol event. ID and Sig are derived fields: ID is the
// sha256 of the canonical serialization and Sig is a 64-byte schnorr signature
// over the ID, both hex-encoded.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Serialize returns the canonical form used for ID computation:
// a JSON array [0, pubkey, created_at, kind, tags, content] with HTML
// escaping disabled and nil tags normalized to an empty list.
func (e *Event) Serialize() ([]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = [][]string{}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode([]any{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content}); err != nil {
		return nil, fmt.Errorf("serializing event: %w", err)
	}

	// Encode appends a newline that is not part of the canonical form.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ComputeID returns the hex-encoded sha256 of the canonical serialization.
func (e *Event) ComputeID() (string, error) {
	raw, err := e.Serialize()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Verify checks that the event's ID matches its canonical serialization and
// that Sig is a valid schnorr signature over the ID by PubKey.
func (e *Event) Verify() error {
	id, err := e.ComputeID()
	if err != nil {
		return err
	}
	if e.ID != id {
		return fmt.Errorf("%w: id mismatch", ErrInvalidSignature)
	}

	pkBytes, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return fmt.Errorf("decoding pubkey: %w", err)
	}
	pub, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return fmt.Errorf("parsing pubkey: %w", err)
	}

	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("decoding signature: %w", err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("parsing signature: %w", err)
	}

	hash, err := hex.DecodeString(id)
	if err != nil {
		return fmt.Errorf("decoding id: %w", err)
	}
	if !sig.Verify(hash, pub) {
		return ErrInvalidSignature
	}
	return nil
}
