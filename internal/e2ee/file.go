package e2ee

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// File ciphers. The cipher name travels in the message record so the reader
// knows how to open the blob.
const (
	CipherAESGCM    = "aes-256-gcm"
	CipherXChaCha20 = "xchacha20-poly1305"
)

// FileKeySize is the size of the per-file symmetric key.
const FileKeySize = 32

// SealedFile is the result of encrypting one attachment. Blob is what goes to
// the object store; Nonce and WrappedKeys travel in the message record.
type SealedFile struct {
	Blob        []byte
	Nonce       []byte
	Cipher      string
	WrappedKeys [][]byte // one per recipient, same order as passed to SealFile
}

// ValidCipher reports whether name is a supported file cipher.
func ValidCipher(name string) bool {
	return name == CipherAESGCM || name == CipherXChaCha20
}

func newAEAD(name string, key []byte) (cipher.AEAD, error) {
	switch name {
	case CipherAESGCM, "":
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case CipherXChaCha20:
		return chacha20poly1305.NewX(key)
	}
	return nil, fmt.Errorf("unsupported file cipher %q", name)
}

// SealFile encrypts data once under a fresh random key and nonce, then wraps
// the key under every recipient's public key. The plaintext key is zeroed
// before returning.
func SealFile(data []byte, cipherName string, recipients ...*rsa.PublicKey) (*SealedFile, error) {
	if len(recipients) == 0 {
		return nil, errors.New("seal file: no recipients")
	}
	if cipherName == "" {
		cipherName = CipherAESGCM
	}

	key := make([]byte, FileKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	defer Zero(key)

	aead, err := newAEAD(cipherName, key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}

	sf := &SealedFile{
		Blob:   aead.Seal(nil, nonce, data, nil),
		Nonce:  nonce,
		Cipher: cipherName,
	}
	for i, pub := range recipients {
		if pub == nil {
			return nil, fmt.Errorf("seal file: recipient %d has no public key", i)
		}
		wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
		if err != nil {
			return nil, fmt.Errorf("wrap file key: %w", err)
		}
		sf.WrappedKeys = append(sf.WrappedKeys, wrapped)
	}
	return sf, nil
}

// OpenFile unwraps wrappedKey with priv and opens blob with nonce.
// A key that does not unwrap yields ErrUnwrapFailed; a blob that fails
// authentication yields ErrAuthenticationFailed.
func OpenFile(priv *rsa.PrivateKey, wrappedKey, nonce, blob []byte, cipherName string) ([]byte, error) {
	if priv == nil {
		return nil, fmt.Errorf("%w: nil private key", ErrUnwrapFailed)
	}
	key, err := rsa.DecryptOAEP(sha256.New(), nil, priv, wrappedKey, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnwrapFailed, err)
	}
	defer Zero(key)
	if len(key) != FileKeySize {
		return nil, fmt.Errorf("%w: key length %d", ErrUnwrapFailed, len(key))
	}

	aead, err := newAEAD(cipherName, key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: nonce length %d", ErrAuthenticationFailed, len(nonce))
	}
	pt, err := aead.Open(nil, nonce, blob, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return pt, nil
}
