package storage

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/petervdpas/goopcall/internal/proto"
)

// PutBlob stores data and returns its content address (hex SHA-256).
// Storing identical bytes twice keeps one copy.
func (d *DB) PutBlob(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:])

	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.Exec(`
		INSERT INTO _blobs (id, data, size) VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING`, id, data, len(data))
	if err != nil {
		return "", fmt.Errorf("insert blob: %w", err)
	}
	return id, nil
}

// GetBlob returns the blob stored under id, or proto.ErrNotFound.
func (d *DB) GetBlob(id string) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var data []byte
	err := d.db.QueryRow(`SELECT data FROM _blobs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("blob %s: %w", id, proto.ErrNotFound)
	}
	return data, err
}
