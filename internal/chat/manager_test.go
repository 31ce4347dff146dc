package chat

import (
	"bytes"
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/goopcall/internal/e2ee"
	"github.com/petervdpas/goopcall/internal/keystore"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/relay"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/petervdpas/goopcall/internal/storage"
)

func TestMain(m *testing.M) {
	e2ee.ScryptN = 1 << 10
	os.Exit(m.Run())
}

func startRelay(t *testing.T) *relay.Client {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(relay.New(relay.Options{DB: db}).Handler())
	t.Cleanup(func() {
		ts.Close()
		db.Close()
	})
	return relay.NewClient(ts.URL)
}

// countingKeys counts public key lookups.
type countingKeys struct {
	*keystore.Store
	mu      sync.Mutex
	fetches int
}

func (k *countingKeys) FetchPublicKey(ctx context.Context, uid string) (*rsa.PublicKey, error) {
	k.mu.Lock()
	k.fetches++
	k.mu.Unlock()
	return k.Store.FetchPublicKey(ctx, uid)
}

func newUser(t *testing.T, uid string, rc *relay.Client) (*Manager, *countingKeys) {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	ks := keystore.New(db, rc, "passphrase", 2048)
	if _, err := ks.Ensure(context.Background(), uid); err != nil {
		t.Fatal(err)
	}
	keys := &countingKeys{Store: ks}
	m := New(uid, keys, rc, rc, Options{Workers: 2})
	t.Cleanup(func() { m.Close() })
	return m, keys
}

func TestOfflineConversationDecryptsOnReconnect(t *testing.T) {
	rc := startRelay(t)
	alice, _ := newUser(t, "alice", rc)
	bob, _ := newUser(t, "bob", rc)
	ctx := context.Background()

	texts := []string{"hi bob", "are you there?", "call me when you're back"}
	for _, text := range texts {
		if _, err := alice.SendText(ctx, "bob", text); err != nil {
			t.Fatal(err)
		}
	}

	got, err := bob.Sync(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(texts) {
		t.Fatalf("synced %d messages, want %d", len(got), len(texts))
	}
	for i, msg := range got {
		if msg.Unavailable {
			t.Fatalf("message %d unavailable: %s", i, msg.Reason)
		}
		if msg.Text != texts[i] || msg.From != "alice" || msg.Outgoing {
			t.Fatalf("message %d = %+v", i, msg)
		}
	}

	// a second sync has nothing new
	again, err := bob.Sync(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Fatalf("resync returned %d messages", len(again))
	}

	// the sender re-reads its own copy
	page, err := alice.History(ctx, "bob", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Messages) != 3 || page.Messages[2].Text != texts[2] || !page.Messages[2].Outgoing {
		t.Fatalf("sender history = %+v", page.Messages)
	}
}

func TestSendTextShowsPlaintextOptimistically(t *testing.T) {
	rc := startRelay(t)
	alice, _ := newUser(t, "alice", rc)
	newUser(t, "bob", rc)

	ch := alice.Subscribe()
	msg, err := alice.SendText(context.Background(), "bob", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Seq == 0 {
		t.Fatal("seq not assigned")
	}
	select {
	case got := <-ch:
		if got.Text != "hello" || !got.Outgoing {
			t.Fatalf("event = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}

	recent := alice.Recent("bob")
	if len(recent) != 1 || recent[0].Text != "hello" {
		t.Fatalf("recent = %+v", recent)
	}
	if len(alice.Recent("carol")) != 0 {
		t.Fatal("recent leaked across conversations")
	}
}

func TestAttachmentStoreOnlySeesCiphertext(t *testing.T) {
	rc := startRelay(t)
	alice, _ := newUser(t, "alice", rc)
	bob, _ := newUser(t, "bob", rc)
	ctx := context.Background()

	image := bytes.Repeat([]byte("\x89PNG fake image payload "), 64)
	sent, err := alice.SendAttachment(ctx, "bob", "cat.png", "image/png", image)
	if err != nil {
		t.Fatal(err)
	}

	stored, err := rc.GetBlob(ctx, sent.Attachment.URL)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(stored, image) || bytes.Contains(stored, []byte("PNG fake image")) {
		t.Fatal("object store holds plaintext")
	}

	got, err := bob.Sync(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("synced %d", len(got))
	}
	att := got[0].Attachment
	if got[0].Unavailable || att == nil {
		t.Fatalf("attachment unavailable: %+v", got[0])
	}
	if !bytes.Equal(att.Data, image) || att.Name != "cat.png" || att.MediaType != "image/png" {
		t.Fatalf("attachment = %s %s %d bytes", att.Name, att.MediaType, len(att.Data))
	}

	// the sender opens its own wrapped copy
	page, err := alice.History(ctx, "bob", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(page.Messages[0].Attachment.Data, image) {
		t.Fatal("sender copy does not decrypt")
	}
}

func TestCorruptedRecordDoesNotAbortHistory(t *testing.T) {
	rc := startRelay(t)
	alice, _ := newUser(t, "alice", rc)
	bob, _ := newUser(t, "bob", rc)
	ctx := context.Background()

	if _, err := alice.SendText(ctx, "bob", "first"); err != nil {
		t.Fatal(err)
	}
	junk := bytes.Repeat([]byte{1}, 256)
	if _, err := rc.AppendRecord(ctx, proto.Record{
		ID:                    uuid.NewString(),
		Kind:                  proto.RecordText,
		SenderID:              "alice",
		ReceiverID:            "bob",
		CreatedAt:             proto.NowMillis(),
		CiphertextForSender:   junk,
		CiphertextForReceiver: junk,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := alice.SendText(ctx, "bob", "third"); err != nil {
		t.Fatal(err)
	}

	page, err := bob.History(ctx, "alice", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Messages) != 3 {
		t.Fatalf("history has %d messages", len(page.Messages))
	}
	if page.Messages[0].Text != "first" || page.Messages[2].Text != "third" {
		t.Fatalf("neighbours damaged: %+v", page.Messages)
	}
	if !page.Messages[1].Unavailable || page.Messages[1].Reason == "" {
		t.Fatalf("corrupted record = %+v", page.Messages[1])
	}
}

func TestReceiveReportsWrongKey(t *testing.T) {
	rc := startRelay(t)
	alice, _ := newUser(t, "alice", rc)
	newUser(t, "bob", rc)
	carol, _ := newUser(t, "carol", rc)
	ctx := context.Background()

	if _, err := alice.SendText(ctx, "bob", "private"); err != nil {
		t.Fatal(err)
	}
	page, err := rc.ListRecords(ctx, proto.ConversationID("alice", "bob"), 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	msg, err := carol.Receive(ctx, page.Records[0])
	if err != nil {
		t.Fatal(err)
	}
	if !msg.Unavailable || msg.Text != "" {
		t.Fatalf("third party read the message: %+v", msg)
	}
}

func TestMediaGalleryPages(t *testing.T) {
	rc := startRelay(t)
	alice, _ := newUser(t, "alice", rc)
	bob, _ := newUser(t, "bob", rc)
	ctx := context.Background()

	for i := range 8 {
		name := fmt.Sprintf("img-%d.jpg", i)
		if _, err := alice.SendAttachment(ctx, "bob", name, "image/jpeg", []byte("jpeg "+name)); err != nil {
			t.Fatal(err)
		}
		if _, err := alice.SendText(ctx, "bob", "caption "+name); err != nil {
			t.Fatal(err)
		}
	}

	first, err := bob.Media(ctx, "alice", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Items) != MediaPageSize || !first.HasMore {
		t.Fatalf("page 0: %d items, has_more=%v", len(first.Items), first.HasMore)
	}
	if first.Items[0].Attachment.Name != "img-7.jpg" {
		t.Fatalf("newest first, got %s", first.Items[0].Attachment.Name)
	}
	if first.Items[0].Attachment.Data != nil {
		t.Fatal("gallery page should not download blobs")
	}

	second, err := bob.Media(ctx, "alice", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(second.Items) != 2 || second.HasMore {
		t.Fatalf("page 1: %d items, has_more=%v", len(second.Items), second.HasMore)
	}
	if second.Items[1].Attachment.Name != "img-0.jpg" {
		t.Fatalf("oldest last, got %s", second.Items[1].Attachment.Name)
	}

	full, err := bob.Attachment(ctx, "alice", second.Items[1].ID)
	if err != nil {
		t.Fatal(err)
	}
	if full.Unavailable || string(full.Attachment.Data) != "jpeg img-0.jpg" {
		t.Fatalf("attachment by id = %+v", full)
	}
}

func TestAttachmentByIDRejectsText(t *testing.T) {
	rc := startRelay(t)
	alice, _ := newUser(t, "alice", rc)
	bob, _ := newUser(t, "bob", rc)
	ctx := context.Background()

	sent, err := alice.SendText(ctx, "bob", "not a file")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bob.Attachment(ctx, "alice", sent.ID); !errors.Is(err, proto.ErrNotFound) {
		t.Fatalf("text record: expected ErrNotFound, got %v", err)
	}
	if _, err := bob.Attachment(ctx, "alice", "missing"); !errors.Is(err, proto.ErrNotFound) {
		t.Fatalf("missing record: expected ErrNotFound, got %v", err)
	}
	if _, err := bob.Attachment(ctx, "bob", sent.ID); err == nil {
		t.Fatal("expected error for own uid as peer")
	}
}

func TestPublicKeysFetchedOncePerConversation(t *testing.T) {
	rc := startRelay(t)
	alice, keys := newUser(t, "alice", rc)
	newUser(t, "bob", rc)
	ctx := context.Background()

	for range 3 {
		if _, err := alice.SendText(ctx, "bob", "ping"); err != nil {
			t.Fatal(err)
		}
	}
	if keys.fetches != 2 {
		t.Fatalf("key lookups = %d, want 2", keys.fetches)
	}
}

func TestSendToUnknownPeer(t *testing.T) {
	rc := startRelay(t)
	alice, _ := newUser(t, "alice", rc)

	_, err := alice.SendText(context.Background(), "nobody", "hello?")
	if !errors.Is(err, proto.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if len(alice.Recent("nobody")) != 0 {
		t.Fatal("unsent message shown")
	}
}

type failingStore struct{ *relay.Client }

func (failingStore) AppendRecord(context.Context, proto.Record) (int64, error) {
	return 0, proto.ErrNetworkFailure
}

func TestSendFailureMarksMessage(t *testing.T) {
	rc := startRelay(t)
	alice, _ := newUser(t, "alice", rc)
	newUser(t, "bob", rc)
	alice.convs = failingStore{rc}

	msg, err := alice.SendText(context.Background(), "bob", "lost")
	if !errors.Is(err, proto.ErrNetworkFailure) {
		t.Fatalf("expected network failure, got %v", err)
	}
	if msg == nil || msg.SendError == "" {
		t.Fatalf("message not marked: %+v", msg)
	}
}

func TestTextArrivesLiveWithoutSync(t *testing.T) {
	rc := startRelay(t)
	alice, _ := newUser(t, "alice", rc)
	bob, _ := newUser(t, "bob", rc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig, err := signaling.Dial(ctx, signaling.Options{RelayURL: rc.BaseURL, UID: "bob"})
	if err != nil {
		t.Fatal(err)
	}
	defer sig.Close()
	records, stop := sig.SubscribeRecords()
	defer stop()
	go bob.Consume(ctx, records)

	inbox := bob.Subscribe()
	if _, err := alice.SendText(ctx, "bob", "are you up?"); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-inbox:
		if msg.Unavailable || msg.Text != "are you up?" || msg.From != "alice" || msg.Outgoing {
			t.Fatalf("live message = %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered live")
	}
	if got := bob.Recent("alice"); len(got) != 1 {
		t.Fatalf("recent = %d messages", len(got))
	}

	// a later sync does not show it twice
	again, err := bob.Sync(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Fatalf("sync repeated %d messages", len(again))
	}
}
