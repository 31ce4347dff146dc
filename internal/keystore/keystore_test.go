package keystore

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/goopcall/internal/e2ee"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/storage"
)

func TestMain(m *testing.M) {
	e2ee.ScryptN = 1 << 10
	os.Exit(m.Run())
}

type fakeDirectory struct {
	mu        sync.Mutex
	keys      map[string]string
	publishes int
	fetches   int
	failNext  bool
	failures  int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{keys: make(map[string]string)}
}

func (d *fakeDirectory) PublishPublicKey(_ context.Context, uid, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.publishes++
	if d.failures > 0 {
		d.failures--
		return proto.ErrNetworkFailure
	}
	if d.failNext {
		d.failNext = false
		return proto.ErrNetworkFailure
	}
	d.keys[uid] = key
	return nil
}

func (d *fakeDirectory) FetchPublicKey(_ context.Context, uid string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fetches++
	k, ok := d.keys[uid]
	if !ok {
		return "", proto.ErrNotFound
	}
	return k, nil
}

func newTestStore(t *testing.T, dir Directory) (*Store, *storage.DB) {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, dir, "passphrase", 2048), db
}

func TestGenerateIdentityDoesNotOverwrite(t *testing.T) {
	s, db := newTestStore(t, newFakeDirectory())

	first, err := s.GenerateIdentity("alice")
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.GenerateIdentity("alice")
	if err != nil {
		t.Fatal(err)
	}
	if !e2ee.SamePublicKey(first.Public, second.Public) {
		t.Fatal("second generate replaced the identity")
	}

	// a fresh store over the same database sees the original key
	other := New(db, newFakeDirectory(), "passphrase", 2048)
	priv, err := other.PrivateKey("alice")
	if err != nil {
		t.Fatal(err)
	}
	if !e2ee.SamePublicKey(&priv.PublicKey, first.Public) {
		t.Fatal("persisted private key differs")
	}
}

func TestPrivateKeyMissing(t *testing.T) {
	s, _ := newTestStore(t, newFakeDirectory())
	_, err := s.PrivateKey("nobody")
	if !errors.Is(err, ErrNoIdentity) || !errors.Is(err, proto.ErrNotFound) {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}
}

func TestPrivateKeyWrongPassphrase(t *testing.T) {
	s, db := newTestStore(t, newFakeDirectory())
	if _, err := s.GenerateIdentity("alice"); err != nil {
		t.Fatal(err)
	}
	other := New(db, newFakeDirectory(), "not it", 2048)
	if _, err := other.PrivateKey("alice"); err == nil {
		t.Fatal("expected unseal error")
	}
}

func TestEnsurePublishesOnce(t *testing.T) {
	dir := newFakeDirectory()
	s, _ := newTestStore(t, dir)
	ctx := context.Background()

	if _, err := s.Ensure(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Ensure(ctx, "alice"); err != nil {
		t.Fatal(err)
	}
	if dir.publishes != 1 {
		t.Fatalf("expected 1 publish, got %d", dir.publishes)
	}
	if _, ok := dir.keys["alice"]; !ok {
		t.Fatal("key not in directory")
	}
}

func TestEnsureRetriesFailedPublish(t *testing.T) {
	dir := newFakeDirectory()
	dir.failNext = true
	s, _ := newTestStore(t, dir)
	ctx := context.Background()

	first, err := s.Ensure(ctx, "alice")
	if !errors.Is(err, proto.ErrNetworkFailure) {
		t.Fatalf("expected network failure, got %v", err)
	}
	second, err := s.Ensure(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !e2ee.SamePublicKey(first.Public, second.Public) {
		t.Fatal("retry generated a new key")
	}
	if dir.publishes != 2 {
		t.Fatalf("expected 2 publish attempts, got %d", dir.publishes)
	}
}

func TestFetchPublicKeyPinsFirstResult(t *testing.T) {
	dir := newFakeDirectory()
	ctx := context.Background()

	bobStore, _ := newTestStore(t, dir)
	bob, err := bobStore.Ensure(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}

	s, db := newTestStore(t, dir)
	pub, err := s.FetchPublicKey(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if !e2ee.SamePublicKey(pub, bob.Public) {
		t.Fatal("fetched wrong key")
	}
	if _, err := s.FetchPublicKey(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	if dir.fetches != 1 {
		t.Fatalf("expected 1 directory fetch, got %d", dir.fetches)
	}

	// a restarted client reads the pinned key without the network
	restarted := New(db, dir, "passphrase", 2048)
	if _, err := restarted.FetchPublicKey(ctx, "bob"); err != nil {
		t.Fatal(err)
	}
	if dir.fetches != 1 {
		t.Fatalf("pinned key should be used, got %d fetches", dir.fetches)
	}

	if _, err := s.FetchPublicKey(ctx, "carol"); !errors.Is(err, proto.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEnsureOrRetryPublishesInBackground(t *testing.T) {
	dir := newFakeDirectory()
	dir.failures = 3
	s, db := newTestStore(t, dir)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, done, err := s.EnsureOrRetry(ctx, "alice", time.Millisecond)
	if err != nil {
		t.Fatalf("unreachable directory must not be fatal: %v", err)
	}
	if id == nil || id.Private == nil {
		t.Fatal("identity not returned")
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("republish did not finish")
	}
	stored, err := db.GetIdentity("alice")
	if err != nil {
		t.Fatal(err)
	}
	if !stored.Published {
		t.Fatal("key never published")
	}
	dir.mu.Lock()
	defer dir.mu.Unlock()
	if dir.publishes != 4 {
		t.Fatalf("expected 4 publish attempts, got %d", dir.publishes)
	}
}

func TestEnsureOrRetryStopsWithContext(t *testing.T) {
	dir := newFakeDirectory()
	dir.failures = 1 << 20
	s, _ := newTestStore(t, dir)
	ctx, cancel := context.WithCancel(context.Background())

	_, done, err := s.EnsureOrRetry(ctx, "alice", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("republish ignored cancellation")
	}
}

func TestEnsureOrRetryFailsWithoutIdentity(t *testing.T) {
	s, _ := newTestStore(t, newFakeDirectory())
	if _, _, err := s.EnsureOrRetry(context.Background(), "", time.Millisecond); err == nil {
		t.Fatal("expected error for empty uid")
	}
}
