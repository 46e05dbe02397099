// ABOUTME: Signer capability interface and the error taxonomy shared by variants.
// ABOUTME: Exactly three implementations exist: Local, ephemeral Local, External.

package signer

import (
	"context"
	"errors"

	"github.com/2389/signet/internal/authstate"
	"github.com/2389/signet/internal/event"
)

var (
	// ErrUnsupported is returned by encryption operations on every signer.
	// Encryption is a known limitation of this system, not a bug.
	ErrUnsupported = errors.New("operation not supported")

	// ErrDenied indicates the companion app explicitly rejected a request.
	// Recoverable, surfaced to the caller, never retried automatically.
	ErrDenied = errors.New("request denied by signer")

	// ErrMalformedResponse indicates the companion returned data that could
	// not be parsed or normalized. The operation fails with no partial state.
	ErrMalformedResponse = errors.New("malformed signer response")
)

// Signer produces signatures on behalf of a public-key identity without
// necessarily exposing the private key to the caller. Sign fills in the
// event's pubkey, id, and sig, and returns the hex signature.
type Signer interface {
	PublicKey() string
	Method() authstate.Method
	Sign(ctx context.Context, ev *event.Event) (string, error)

	// Encryption is deliberately unimplemented across all variants.
	SupportsEncryption() bool
	Encrypt(ctx context.Context, recipientPubKey, plaintext string) (string, error)
	Decrypt(ctx context.Context, senderPubKey, ciphertext string) (string, error)
}
