// ABOUTME: Store interface and logical secret names for credential persistence.
// ABOUTME: Defines current key names, the legacy names kept for migration, and errors.

package credstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested credential does not exist.
var ErrNotFound = errors.New("credential not found")

// Logical credential names, stable across the current version.
const (
	NamePrivateKey            = "private_key"
	NameExternalSignerLinkage = "external_signer_linkage"
	NameCachedPublicKey       = "cached_public_key"
)

// migrationFlag marks that the one-time legacy migration has run. It lives in
// the meta table, separate from credential data, and is never reset outside
// of test tooling.
const migrationFlag = "migration_completed"

// legacyNames maps each current credential name to the historical names a
// value may still live under. Migration copies the first non-empty legacy
// value into the current name; ClearAll deletes every name listed here.
var legacyNames = map[string][]string{
	NamePrivateKey:            {"nostr_private_key", "privkey"},
	NameCachedPublicKey:       {"nostr_public_key"},
	NameExternalSignerLinkage: {"amber_package"},
}

// Store is the credential persistence contract. Values are encrypted at rest;
// failures are local I/O or cipher errors only, never network.
type Store interface {
	Get(ctx context.Context, name string) (string, error)
	Set(ctx context.Context, name, value string) error
	Delete(ctx context.Context, name string) error

	// MigrateOnce consolidates legacy key names into current ones. It is
	// idempotent: the completion flag is set even when nothing migrated, so
	// the routine runs at most once per installation.
	MigrateOnce(ctx context.Context) error

	// ClearAll deletes every current and legacy credential name so no
	// residual secret survives a logout under an old name.
	ClearAll(ctx context.Context) error

	Close() error
}
