package e2ee

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// maxChunk is the largest plaintext one OAEP block can carry under pub.
func maxChunk(pub *rsa.PublicKey) int {
	return pub.Size() - 2*sha256.Size - 2
}

// EncryptForRecipient seals plaintext under pub with RSA-OAEP/SHA-256.
// Plaintexts longer than one OAEP block are split into block-sized chunks,
// each sealed on its own; the ciphertext is the concatenation of the
// resulting fixed-size blocks.
func EncryptForRecipient(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	if pub == nil {
		return nil, fmt.Errorf("%w: nil public key", ErrCryptoUnavailable)
	}
	chunk := maxChunk(pub)
	if chunk <= 0 {
		return nil, fmt.Errorf("%w: key too small for OAEP", ErrCryptoUnavailable)
	}
	blocks := (len(plaintext) + chunk - 1) / chunk
	if blocks == 0 {
		blocks = 1
	}
	out := make([]byte, 0, blocks*pub.Size())
	for i := 0; i < blocks; i++ {
		start := i * chunk
		end := start + chunk
		if end > len(plaintext) {
			end = len(plaintext)
		}
		ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext[start:end], nil)
		if err != nil {
			return nil, fmt.Errorf("oaep encrypt: %w", err)
		}
		out = append(out, ct...)
	}
	return out, nil
}

// Decrypt reverses EncryptForRecipient. Any corruption or key mismatch
// yields ErrDecryptionFailed.
func Decrypt(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	if priv == nil {
		return nil, fmt.Errorf("%w: nil private key", ErrDecryptionFailed)
	}
	k := priv.Size()
	if len(ciphertext) == 0 || len(ciphertext)%k != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrDecryptionFailed, len(ciphertext))
	}
	var out []byte
	for off := 0; off < len(ciphertext); off += k {
		pt, err := rsa.DecryptOAEP(sha256.New(), nil, priv, ciphertext[off:off+k], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
		}
		out = append(out, pt...)
	}
	return out, nil
}

// DualCiphertext is one plaintext sealed for both conversation parties.
type DualCiphertext struct {
	ForSender   []byte
	ForReceiver []byte
}

// EncryptText seals plaintext twice, once for the receiver and once for the
// sender, so either side can later re-read the message with its own key.
// The two seals run concurrently.
func EncryptText(ctx context.Context, plaintext []byte, senderPub, receiverPub *rsa.PublicKey) (DualCiphertext, error) {
	var out DualCiphertext
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if out.ForReceiver, err = EncryptForRecipient(receiverPub, plaintext); err != nil {
			return fmt.Errorf("encrypt for receiver: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if out.ForSender, err = EncryptForRecipient(senderPub, plaintext); err != nil {
			return fmt.Errorf("encrypt for sender: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return DualCiphertext{}, err
	}
	return out, nil
}
