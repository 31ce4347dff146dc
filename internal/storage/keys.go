package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/petervdpas/goopcall/internal/proto"
)

// ErrKeyConflict is returned when a different public key is already stored
// for a uid. Keys are immutable for the lifetime of an identity.
var ErrKeyConflict = errors.New("public key already registered with a different value")

// StoredIdentity is the persisted form of a local identity.
type StoredIdentity struct {
	UID           string
	PublicKey     string // base64 SPKI DER
	SealedPrivate []byte
	Published     bool
}

// PutIdentity inserts id if no identity exists for its uid. An existing
// identity is never overwritten; inserted reports whether id was written.
func (d *DB) PutIdentity(id StoredIdentity) (inserted bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.Exec(`
		INSERT INTO _identities (uid, public_key, sealed_private, published)
		VALUES (?, ?, ?, 0)
		ON CONFLICT(uid) DO NOTHING`,
		id.UID, id.PublicKey, id.SealedPrivate,
	)
	if err != nil {
		return false, fmt.Errorf("insert identity: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetIdentity returns the stored identity for uid, or proto.ErrNotFound.
func (d *DB) GetIdentity(uid string) (StoredIdentity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var id StoredIdentity
	var published int
	err := d.db.QueryRow(`
		SELECT uid, public_key, sealed_private, published
		FROM _identities WHERE uid = ?`, uid).
		Scan(&id.UID, &id.PublicKey, &id.SealedPrivate, &published)
	if errors.Is(err, sql.ErrNoRows) {
		return StoredIdentity{}, fmt.Errorf("identity %s: %w", uid, proto.ErrNotFound)
	}
	if err != nil {
		return StoredIdentity{}, err
	}
	id.Published = published != 0
	return id, nil
}

// MarkPublished records that the identity's public key reached the directory.
func (d *DB) MarkPublished(uid string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`UPDATE _identities SET published = 1 WHERE uid = ?`, uid)
	return err
}

// PutPublicKey stores key for uid. Storing the same key twice is a no-op;
// storing a different key returns ErrKeyConflict.
func (d *DB) PutPublicKey(uid, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var existing string
	err := d.db.QueryRow(`SELECT public_key FROM _public_keys WHERE uid = ?`, uid).Scan(&existing)
	switch {
	case err == nil:
		if existing != key {
			return ErrKeyConflict
		}
		return nil
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	_, err = d.db.Exec(`INSERT INTO _public_keys (uid, public_key) VALUES (?, ?)`, uid, key)
	return err
}

// GetPublicKey returns the stored key for uid, or proto.ErrNotFound.
func (d *DB) GetPublicKey(uid string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var key string
	err := d.db.QueryRow(`SELECT public_key FROM _public_keys WHERE uid = ?`, uid).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("public key %s: %w", uid, proto.ErrNotFound)
	}
	return key, err
}
