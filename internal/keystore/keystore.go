// Package keystore owns the local identity key pair and the cache of peers'
// public keys.
package keystore

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/e2ee"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/storage"
)

const maxPublishBackoff = time.Minute

// ErrNoIdentity is returned when no private key is stored for a uid.
var ErrNoIdentity = fmt.Errorf("no local identity: %w", proto.ErrNotFound)

// Directory publishes and looks up public keys (base64 SPKI DER).
type Directory interface {
	PublishPublicKey(ctx context.Context, uid, publicKey string) error
	FetchPublicKey(ctx context.Context, uid string) (string, error)
}

// Identity is a user's key pair. Private is only set for local identities.
type Identity struct {
	UID     string
	Public  *rsa.PublicKey
	Private *rsa.PrivateKey
}

// Store keeps the local identity sealed in storage and pins fetched peer keys.
type Store struct {
	db         *storage.DB
	dir        Directory
	passphrase string
	bits       int

	mu   sync.Mutex
	priv map[string]*rsa.PrivateKey
	pubs map[string]*rsa.PublicKey
}

// New creates a Store. bits <= 0 selects e2ee.DefaultKeyBits.
func New(db *storage.DB, dir Directory, passphrase string, bits int) *Store {
	if passphrase == "" {
		log.Printf("KEYS: no passphrase set, private key is sealed with an empty passphrase")
	}
	return &Store{
		db:         db,
		dir:        dir,
		passphrase: passphrase,
		bits:       bits,
		priv:       make(map[string]*rsa.PrivateKey),
		pubs:       make(map[string]*rsa.PublicKey),
	}
}

// GenerateIdentity creates and persists a key pair for uid. If an identity
// already exists it is returned unchanged; the stored private key is never
// overwritten.
func (s *Store) GenerateIdentity(uid string) (*Identity, error) {
	if uid == "" {
		return nil, errors.New("uid is required")
	}
	if id, err := s.load(uid); err == nil {
		return id, nil
	} else if !errors.Is(err, ErrNoIdentity) {
		return nil, err
	}

	priv, err := e2ee.GenerateKey(s.bits)
	if err != nil {
		return nil, err
	}
	pubStr, err := e2ee.EncodePublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", e2ee.ErrCryptoUnavailable, err)
	}
	der, err := e2ee.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", e2ee.ErrCryptoUnavailable, err)
	}
	sealed, err := e2ee.SealKey(s.passphrase, der)
	e2ee.Zero(der)
	if err != nil {
		return nil, fmt.Errorf("seal private key: %w", err)
	}

	inserted, err := s.db.PutIdentity(storage.StoredIdentity{
		UID:           uid,
		PublicKey:     pubStr,
		SealedPrivate: sealed,
	})
	if err != nil {
		return nil, err
	}
	if !inserted {
		// lost a race with another writer; theirs wins
		return s.load(uid)
	}
	log.Printf("KEYS: generated %d-bit identity for %s", priv.N.BitLen(), uid)

	s.mu.Lock()
	s.priv[uid] = priv
	s.pubs[uid] = &priv.PublicKey
	s.mu.Unlock()
	return &Identity{UID: uid, Public: &priv.PublicKey, Private: priv}, nil
}

// PublishPublicKey sends pub to the directory and records success.
func (s *Store) PublishPublicKey(ctx context.Context, uid string, pub *rsa.PublicKey) error {
	enc, err := e2ee.EncodePublicKey(pub)
	if err != nil {
		return err
	}
	if err := s.dir.PublishPublicKey(ctx, uid, enc); err != nil {
		return err
	}
	if err := s.db.MarkPublished(uid); err != nil {
		return err
	}
	log.Printf("KEYS: published public key for %s", uid)
	return nil
}

// PrivateKey returns the local private key for uid, or ErrNoIdentity.
func (s *Store) PrivateKey(uid string) (*rsa.PrivateKey, error) {
	id, err := s.load(uid)
	if err != nil {
		return nil, err
	}
	return id.Private, nil
}

// FetchPublicKey returns uid's public key. The first successful fetch is
// pinned locally and later lookups never touch the network.
func (s *Store) FetchPublicKey(ctx context.Context, uid string) (*rsa.PublicKey, error) {
	s.mu.Lock()
	if pub, ok := s.pubs[uid]; ok {
		s.mu.Unlock()
		return pub, nil
	}
	s.mu.Unlock()

	if id, err := s.db.GetIdentity(uid); err == nil {
		return s.remember(uid, id.PublicKey)
	}
	if enc, err := s.db.GetPublicKey(uid); err == nil {
		return s.remember(uid, enc)
	}

	enc, err := s.dir.FetchPublicKey(ctx, uid)
	if err != nil {
		return nil, err
	}
	pub, err := s.remember(uid, enc)
	if err != nil {
		return nil, err
	}
	if err := s.db.PutPublicKey(uid, enc); err != nil {
		log.Printf("KEYS: pin key for %s: %v", uid, err)
	}
	return pub, nil
}

// Ensure makes uid ready to send and receive: it generates an identity if
// none exists and publishes it if an earlier publish did not complete.
// Once published, Ensure performs no network calls.
func (s *Store) Ensure(ctx context.Context, uid string) (*Identity, error) {
	id, err := s.GenerateIdentity(uid)
	if err != nil {
		return nil, err
	}
	stored, err := s.db.GetIdentity(uid)
	if err != nil {
		return nil, err
	}
	if stored.Published {
		return id, nil
	}
	if err := s.PublishPublicKey(ctx, uid, id.Public); err != nil {
		return id, fmt.Errorf("publish public key: %w", err)
	}
	return id, nil
}

// EnsureOrRetry is Ensure for process startup. A key that exists but could
// not be published because the directory is unreachable is returned without
// error and republished in the background, backing off from backoff up to a
// minute, until it succeeds or ctx ends. done is closed when that stops.
func (s *Store) EnsureOrRetry(ctx context.Context, uid string, backoff time.Duration) (id *Identity, done <-chan struct{}, err error) {
	finished := make(chan struct{})
	id, err = s.Ensure(ctx, uid)
	if err == nil {
		close(finished)
		return id, finished, nil
	}
	if id == nil || !errors.Is(err, proto.ErrNetworkFailure) {
		close(finished)
		return nil, finished, err
	}
	log.Printf("KEYS: public key for %s not published yet, peers cannot reach you until it is: %v", uid, err)
	go func() {
		defer close(finished)
		s.republish(ctx, uid, backoff)
	}()
	return id, finished, nil
}

func (s *Store) republish(ctx context.Context, uid string, backoff time.Duration) {
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		_, err := s.Ensure(ctx, uid)
		if err == nil {
			return
		}
		if !errors.Is(err, proto.ErrNetworkFailure) {
			log.Printf("KEYS: giving up publishing key for %s: %v", uid, err)
			return
		}
		backoff = min(backoff*2, maxPublishBackoff)
	}
}

func (s *Store) load(uid string) (*Identity, error) {
	s.mu.Lock()
	if priv, ok := s.priv[uid]; ok {
		s.mu.Unlock()
		return &Identity{UID: uid, Public: &priv.PublicKey, Private: priv}, nil
	}
	s.mu.Unlock()

	stored, err := s.db.GetIdentity(uid)
	if errors.Is(err, proto.ErrNotFound) {
		return nil, ErrNoIdentity
	}
	if err != nil {
		return nil, err
	}
	der, err := e2ee.OpenKey(s.passphrase, stored.SealedPrivate)
	if err != nil {
		return nil, fmt.Errorf("unseal private key for %s: %w", uid, err)
	}
	priv, err := e2ee.ParsePrivateKey(der)
	e2ee.Zero(der)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.priv[uid] = priv
	s.pubs[uid] = &priv.PublicKey
	s.mu.Unlock()
	return &Identity{UID: uid, Public: &priv.PublicKey, Private: priv}, nil
}

func (s *Store) remember(uid, enc string) (*rsa.PublicKey, error) {
	pub, err := e2ee.ParsePublicKey(enc)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.pubs[uid] = pub
	s.mu.Unlock()
	return pub, nil
}
