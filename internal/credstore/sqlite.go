// ABOUTME: SQLite implementation of the credential Store using modernc.org/sqlite.
// ABOUTME: Values are sealed with XChaCha20-Poly1305 under a 32-byte master key.

package credstore

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	_ "modernc.org/sqlite"
)

// MasterKeySize is the required sealing key length in bytes.
const MasterKeySize = chacha20poly1305.KeySize

// SQLiteStore implements Store using an encrypted-value SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	aead   cipher.AEAD
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the credential database at path. Values
// are encrypted with the given 32-byte master key before they touch disk.
// Parent directories are created if needed.
func NewSQLiteStore(path string, masterKey []byte) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "credstore")

	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, fmt.Errorf("initializing cipher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL keeps concurrent readers cheap even though writes are rare.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		aead:   aead,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("credential store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS credentials (
			name TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Get retrieves and decrypts a credential by name.
// Returns ErrNotFound if the credential doesn't exist.
func (s *SQLiteStore) Get(ctx context.Context, name string) (string, error) {
	var sealed []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM credentials WHERE name = ?`, name,
	).Scan(&sealed)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying credential: %w", err)
	}

	plain, err := s.open(sealed)
	if err != nil {
		return "", fmt.Errorf("decrypting credential %q: %w", name, err)
	}
	return plain, nil
}

// Set encrypts and stores a credential, replacing any existing value.
func (s *SQLiteStore) Set(ctx context.Context, name, value string) error {
	sealed, err := s.seal(value)
	if err != nil {
		return fmt.Errorf("encrypting credential %q: %w", name, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (name, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, name, sealed, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("storing credential: %w", err)
	}

	s.logger.Debug("stored credential", "name", name)
	return nil
}

// Delete removes a credential by name. Deleting an absent name is not an
// error; ClearAll depends on that.
func (s *SQLiteStore) Delete(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE name = ?`, name); err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	s.logger.Debug("deleted credential", "name", name)
	return nil
}

// MigrateOnce consolidates legacy credential names into the current ones,
// guarded by a persisted completion flag. The flag is set even when nothing
// migrated, so subsequent launches pay a single meta lookup. Legacy values
// are copied, not moved.
func (s *SQLiteStore) MigrateOnce(ctx context.Context) error {
	done, err := s.getMeta(ctx, migrationFlag)
	if err != nil {
		return err
	}
	if done == "true" {
		return nil
	}

	migrated := 0
	for current, legacy := range legacyNames {
		if _, err := s.Get(ctx, current); err == nil {
			continue
		} else if err != ErrNotFound {
			return err
		}

		for _, name := range legacy {
			value, err := s.Get(ctx, name)
			if err == ErrNotFound {
				continue
			}
			if err != nil {
				return err
			}
			if value == "" {
				continue
			}
			if err := s.Set(ctx, current, value); err != nil {
				return err
			}
			s.logger.Info("migrated legacy credential", "from", name, "to", current)
			migrated++
			break
		}
	}

	if err := s.setMeta(ctx, migrationFlag, "true"); err != nil {
		return err
	}
	s.logger.Info("credential migration complete", "migrated", migrated)
	return nil
}

// ClearAll deletes every current and legacy credential name.
func (s *SQLiteStore) ClearAll(ctx context.Context) error {
	for current, legacy := range legacyNames {
		if err := s.Delete(ctx, current); err != nil {
			return err
		}
		for _, name := range legacy {
			if err := s.Delete(ctx, name); err != nil {
				return err
			}
		}
	}
	s.logger.Info("cleared all credentials")
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// getMeta reads a meta value, returning "" when absent.
func (s *SQLiteStore) getMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying meta: %w", err)
	}
	return value, nil
}

func (s *SQLiteStore) setMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("storing meta: %w", err)
	}
	return nil
}

// seal encrypts a value as nonce||ciphertext.
func (s *SQLiteStore) seal(value string) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, []byte(value), nil), nil
}

// open decrypts a nonce||ciphertext blob.
func (s *SQLiteStore) open(sealed []byte) (string, error) {
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return "", fmt.Errorf("sealed value too short")
	}
	nonce, ct := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	plain, err := s.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("opening sealed value: %w", err)
	}
	return string(plain), nil
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)
