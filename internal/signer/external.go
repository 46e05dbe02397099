// ABOUTME: External delegated signer; the private key lives in a companion app.
// ABOUTME: Signing is an inter-process round-trip of user-controlled duration.

package signer

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/2389/signet/internal/authstate"
	"github.com/2389/signet/internal/companion"
	"github.com/2389/signet/internal/event"
	"github.com/2389/signet/internal/keys"
)

// External delegates signing to a companion application. It holds only the
// user's public key and the companion identifier; private key material never
// enters this process.
type External struct {
	pub    string
	pkg    string
	conn   *companion.Connection
	logger *slog.Logger
}

// NewExternal creates an External signer for a paired companion app.
func NewExternal(pubHex, pkg string, conn *companion.Connection, logger *slog.Logger) (*External, error) {
	pub, err := keys.Normalize(pubHex)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &External{
		pub:    pub,
		pkg:    pkg,
		conn:   conn,
		logger: logger.With("component", "external-signer", "package", pkg),
	}, nil
}

// PublicKey returns the canonical hex public key.
func (s *External) PublicKey() string { return s.pub }

// Method reports how this signer authenticates.
func (s *External) Method() authstate.Method { return authstate.MethodExternalSigner }

// Package returns the companion app identifier.
func (s *External) Package() string { return s.pkg }

// Sign sends the unsigned event to the companion app and suspends until it
// responds. The companion may prompt the user, so the wait is unbounded;
// ctx must carry the caller's timeout.
func (s *External) Sign(ctx context.Context, ev *event.Event) (string, error) {
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
	ev.ID = id

	resp, err := s.conn.RoundTrip(ctx, &companion.Request{
		Type:        companion.RequestTypeSignEvent,
		Event:       ev,
		CurrentUser: s.pub,
	})
	if err != nil {
		return "", err
	}

	sig, err := parseSignResponse(resp)
	if err != nil {
		return "", err
	}
	ev.Sig = sig
	return sig, nil
}

// SupportsEncryption always reports false.
func (s *External) SupportsEncryption() bool { return false }

// Encrypt is not implemented.
func (s *External) Encrypt(context.Context, string, string) (string, error) {
	return "", ErrUnsupported
}

// Decrypt is not implemented.
func (s *External) Decrypt(context.Context, string, string) (string, error) {
	return "", ErrUnsupported
}

// RequestPublicKey runs the login-time handshake: it asks the companion app
// for the user's public key, normalizing any address-style identifier to the
// canonical hex encoding. Normalization failure is a hard login error.
func RequestPublicKey(ctx context.Context, conn *companion.Connection, permissions []companion.Permission) (*companion.Linkage, error) {
	resp, err := conn.RoundTrip(ctx, &companion.Request{
		Type:        companion.RequestTypeGetPublicKey,
		Permissions: permissions,
	})
	if err != nil {
		return nil, err
	}
	if resp.Denied {
		return nil, fmt.Errorf("%w: %s", ErrDenied, resp.Error)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("companion error: %s", resp.Error)
	}

	pub, err := keys.Normalize(resp.PubKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if resp.Package == "" {
		return nil, fmt.Errorf("%w: missing companion package", ErrMalformedResponse)
	}

	return &companion.Linkage{PubKey: pub, Package: resp.Package}, nil
}

// parseSignResponse validates a sign_event callback into a hex signature.
func parseSignResponse(resp *companion.Response) (string, error) {
	if resp.Denied {
		return "", fmt.Errorf("%w: %s", ErrDenied, resp.Error)
	}
	if resp.Error != "" {
		return "", fmt.Errorf("companion error: %s", resp.Error)
	}

	raw, err := hex.DecodeString(resp.Signature)
	if err != nil || len(raw) != 64 {
		return "", fmt.Errorf("%w: bad signature encoding", ErrMalformedResponse)
	}
	return resp.Signature, nil
}

// Ensure External implements Signer.
var _ Signer = (*External)(nil)
