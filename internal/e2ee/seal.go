package e2ee

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const sealFormatVersion = 1

// scrypt cost parameters for sealing the private key at rest.
var (
	ScryptN = 1 << 15
	ScryptR = 8
	ScryptP = 1
)

// Bounds on cost parameters read back from a sealed blob. A blob is local
// data but may have been tampered with, and scrypt allocates 128*N*r bytes.
const (
	maxScryptN   = 1 << 20
	maxScryptRP  = 64
	maxScryptMem = 1 << 30
)

var (
	errWrongPassphrase = errors.New("wrong passphrase or corrupted key")
	errScryptParams    = errors.New("sealed key has unacceptable scrypt parameters")
)

func checkScryptParams(n, r, p int) error {
	switch {
	case n < 2 || n > maxScryptN || n&(n-1) != 0:
		return fmt.Errorf("%w: N=%d", errScryptParams, n)
	case r < 1 || p < 1 || r > maxScryptRP || p > maxScryptRP || r*p > maxScryptRP:
		return fmt.Errorf("%w: r=%d p=%d", errScryptParams, r, p)
	case 128*int64(n)*int64(r) > maxScryptMem:
		return fmt.Errorf("%w: N=%d r=%d needs %d MiB", errScryptParams, n, r, 128*n*r>>20)
	}
	return nil
}

type sealedBlob struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	N      int    `json:"scrypt_N"`
	R      int    `json:"scrypt_r"`
	P      int    `json:"scrypt_p"`
	Cipher []byte `json:"cipher"`
}

// SealKey encrypts raw key material under a passphrase-derived key.
func SealKey(passphrase string, raw []byte) ([]byte, error) {
	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	key, err := scrypt.Key([]byte(passphrase), salt[:], ScryptN, ScryptR, ScryptP, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	defer Zero(key)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	// zero nonce: the key is unique per salt
	var nonce [chacha20poly1305.NonceSize]byte
	return json.Marshal(sealedBlob{
		V:      sealFormatVersion,
		Salt:   salt[:],
		N:      ScryptN,
		R:      ScryptR,
		P:      ScryptP,
		Cipher: aead.Seal(nil, nonce[:], raw, salt[:]),
	})
}

// OpenKey reverses SealKey.
func OpenKey(passphrase string, sealed []byte) ([]byte, error) {
	var b sealedBlob
	if err := json.Unmarshal(sealed, &b); err != nil {
		return nil, fmt.Errorf("decode sealed key: %w", err)
	}
	if b.V > sealFormatVersion {
		return nil, fmt.Errorf("unsupported sealed key version %d", b.V)
	}
	if err := checkScryptParams(b.N, b.R, b.P); err != nil {
		return nil, err
	}
	key, err := scrypt.Key([]byte(passphrase), b.Salt, b.N, b.R, b.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	defer Zero(key)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	var nonce [chacha20poly1305.NonceSize]byte
	raw, err := aead.Open(nil, nonce[:], b.Cipher, b.Salt)
	if err != nil {
		return nil, errWrongPassphrase
	}
	return raw, nil
}
