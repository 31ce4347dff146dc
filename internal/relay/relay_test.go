package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petervdpas/goopcall/internal/e2ee"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/storage"
)

func startRelay(t *testing.T) (*httptest.Server, *Client) {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s := New(Options{DB: db, MaxBlobBytes: 1024})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.hub.closeAll()
		ts.Close()
		db.Close()
	})
	return ts, NewClient(ts.URL)
}

func dialAs(t *testing.T, ts *httptest.Server, uid string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + proto.SignalingPath
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	if err := ws.WriteJSON(proto.Frame{Type: proto.FrameRegister, UID: uid}); err != nil {
		t.Fatal(err)
	}
	f := readFrame(t, ws)
	if f.Type != proto.FrameRegistered || f.UID != uid {
		t.Fatalf("expected registered frame, got %+v", f)
	}
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) proto.Frame {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f proto.Frame
	if err := ws.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func sendEnvelope(t *testing.T, ws *websocket.Conn, kind proto.Kind, from, to, session string) {
	t.Helper()
	env, err := proto.NewEnvelope(kind, from, to, session, proto.EndedPayload{Reason: proto.EndHangup})
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.WriteJSON(proto.Frame{Type: proto.FrameEnvelope, Envelope: env}); err != nil {
		t.Fatal(err)
	}
}

func TestHealthz(t *testing.T) {
	ts, _ := startRelay(t)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("got %d %q", resp.StatusCode, body)
	}
}

func TestHubForwardsVerbatim(t *testing.T) {
	ts, _ := startRelay(t)
	alice := dialAs(t, ts, "alice")
	bob := dialAs(t, ts, "bob")

	for _, kind := range proto.Kinds() {
		sendEnvelope(t, alice, kind, "alice", "bob", "s1")
		f := readFrame(t, bob)
		if f.Type != proto.FrameEnvelope || f.Envelope == nil {
			t.Fatalf("expected envelope, got %+v", f)
		}
		if f.Envelope.Kind != kind || f.Envelope.From != "alice" || f.Envelope.SessionID != "s1" {
			t.Fatalf("unexpected envelope %+v", f.Envelope)
		}
	}
}

func TestHubDropsForOfflinePeer(t *testing.T) {
	ts, _ := startRelay(t)
	alice := dialAs(t, ts, "alice")
	bob := dialAs(t, ts, "bob")

	sendEnvelope(t, alice, proto.KindCallOffer, "alice", "carol", "lost")
	sendEnvelope(t, alice, proto.KindCallOffer, "alice", "bob", "kept")

	f := readFrame(t, bob)
	if f.Envelope == nil || f.Envelope.SessionID != "kept" {
		t.Fatalf("expected only the envelope for bob, got %+v", f)
	}
}

func TestHubRejectsSpoofedSender(t *testing.T) {
	ts, _ := startRelay(t)
	alice := dialAs(t, ts, "alice")
	dialAs(t, ts, "bob")

	sendEnvelope(t, alice, proto.KindCallEnded, "bob", "carol", "s1")
	f := readFrame(t, alice)
	if f.Type != proto.FrameError {
		t.Fatalf("expected error frame, got %+v", f)
	}
}

func TestHubReregisterReplacesConnection(t *testing.T) {
	ts, _ := startRelay(t)
	alice := dialAs(t, ts, "alice")
	old := dialAs(t, ts, "bob")
	fresh := dialAs(t, ts, "bob")

	// the replaced connection is closed by the relay
	old.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := old.ReadMessage(); err == nil {
		t.Fatal("expected old connection to be closed")
	}

	sendEnvelope(t, alice, proto.KindCallOffer, "alice", "bob", "s2")
	f := readFrame(t, fresh)
	if f.Envelope == nil || f.Envelope.SessionID != "s2" {
		t.Fatalf("got %+v", f)
	}
}

func TestHubRequiresRegisterFirst(t *testing.T) {
	ts, _ := startRelay(t)
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + proto.SignalingPath
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()
	sendEnvelope(t, ws, proto.KindCallOffer, "alice", "bob", "s")
	f := readFrame(t, ws)
	if f.Type != proto.FrameError {
		t.Fatalf("expected error, got %+v", f)
	}
}

func TestDirectory(t *testing.T) {
	_, c := startRelay(t)
	ctx := context.Background()

	priv, err := e2ee.GenerateKey(2048)
	if err != nil {
		t.Fatal(err)
	}
	enc, _ := e2ee.EncodePublicKey(&priv.PublicKey)

	if _, err := c.FetchPublicKey(ctx, "alice"); !errors.Is(err, proto.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := c.PublishPublicKey(ctx, "alice", enc); err != nil {
		t.Fatal(err)
	}
	if err := c.PublishPublicKey(ctx, "alice", enc); err != nil {
		t.Fatalf("republishing the same key: %v", err)
	}
	got, err := c.FetchPublicKey(ctx, "alice")
	if err != nil || got != enc {
		t.Fatalf("fetch: %v", err)
	}

	other, err := e2ee.GenerateKey(2048)
	if err != nil {
		t.Fatal(err)
	}
	otherEnc, _ := e2ee.EncodePublicKey(&other.PublicKey)
	err = c.PublishPublicKey(ctx, "alice", otherEnc)
	if err == nil || !strings.Contains(err.Error(), "409") {
		t.Fatalf("expected conflict, got %v", err)
	}

	if err := c.PublishPublicKey(ctx, "bob", "not a key"); err == nil {
		t.Fatal("expected invalid key to be rejected")
	}
}

func TestBlobStore(t *testing.T) {
	ts, c := startRelay(t)
	ctx := context.Background()

	u, err := c.PutBlob(ctx, []byte("opaque ciphertext"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(u, proto.BlobsPath+"/") {
		t.Fatalf("expected a relay-relative ref, got %q", u)
	}
	data, err := c.GetBlob(ctx, u)
	if err != nil || string(data) != "opaque ciphertext" {
		t.Fatalf("got %q, %v", data, err)
	}
	if _, err := c.GetBlob(ctx, proto.BlobsPath+"/nope"); !errors.Is(err, proto.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	req, _ := http.NewRequest(http.MethodPut, ts.URL+proto.BlobsPath, bytes.NewReader(make([]byte, 2048)))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized blob: status %d", resp.StatusCode)
	}
}

func TestConversationStorage(t *testing.T) {
	_, c := startRelay(t)
	ctx := context.Background()

	for i, id := range []string{"m1", "m2", "m3"} {
		rec := proto.Record{
			ID:                    id,
			Kind:                  proto.RecordText,
			SenderID:              "alice",
			ReceiverID:            "bob",
			CreatedAt:             int64(i),
			CiphertextForSender:   []byte{1},
			CiphertextForReceiver: []byte{2},
		}
		if _, err := c.AppendRecord(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	page, err := c.ListRecords(ctx, proto.ConversationID("bob", "alice"), 0, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Records) != 2 || page.Records[0].ID != "m2" || page.Records[1].ID != "m3" {
		t.Fatalf("unexpected page %+v", page)
	}
	older, err := c.ListRecords(ctx, "alice_bob", page.Before, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(older.Records) != 1 || older.Records[0].ID != "m1" {
		t.Fatalf("unexpected older page %+v", older)
	}

	empty, err := c.ListRecords(ctx, "alice_carol", 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(empty.Records) != 0 {
		t.Fatalf("expected empty page, got %d", len(empty.Records))
	}

	one, err := c.GetRecord(ctx, "alice_bob", "m2")
	if err != nil {
		t.Fatal(err)
	}
	if one.ID != "m2" || one.Seq == 0 {
		t.Fatalf("unexpected record %+v", one)
	}
	if _, err := c.GetRecord(ctx, "alice_bob", "m9"); !errors.Is(err, proto.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNetworkFailureIsClassified(t *testing.T) {
	c := NewClient("http://127.0.0.1:1")
	_, err := c.FetchPublicKey(context.Background(), "alice")
	if !errors.Is(err, proto.ErrNetworkFailure) {
		t.Fatalf("expected ErrNetworkFailure, got %v", err)
	}
}

func TestAppendPushesRecordToReceiver(t *testing.T) {
	ts, c := startRelay(t)
	bob := dialAs(t, ts, "bob")
	carol := dialAs(t, ts, "carol")

	rec := proto.Record{
		ID:                    "m1",
		Kind:                  proto.RecordText,
		SenderID:              "alice",
		ReceiverID:            "bob",
		CiphertextForSender:   []byte{1},
		CiphertextForReceiver: []byte{2},
	}
	seq, err := c.AppendRecord(context.Background(), rec)
	if err != nil {
		t.Fatal(err)
	}

	f := readFrame(t, bob)
	if f.Type != proto.FrameRecord || f.Record == nil || f.Record.ID != "m1" || f.Record.Seq != seq {
		t.Fatalf("bob got %+v", f)
	}

	// nobody else sees it
	carol.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := carol.ReadMessage(); err == nil {
		t.Fatal("record leaked to a third party")
	}
}

func TestBlobRefResolvesAgainstReadersRelay(t *testing.T) {
	ts, direct := startRelay(t)
	target, _ := url.Parse(ts.URL)
	proxy := httptest.NewServer(httputil.NewSingleHostReverseProxy(target))
	viaProxy := NewClient(proxy.URL)
	ctx := context.Background()

	ref, err := viaProxy.PutBlob(ctx, []byte("sealed"))
	if err != nil {
		t.Fatal(err)
	}
	proxy.Close()

	data, err := direct.GetBlob(ctx, ref)
	if err != nil || string(data) != "sealed" {
		t.Fatalf("got %q, %v", data, err)
	}
}

func TestGetBlobRefusesForeignRefs(t *testing.T) {
	ts, c := startRelay(t)
	ctx := context.Background()

	var hits int
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte("x"))
	}))
	defer other.Close()

	for _, ref := range []string{
		other.URL + proto.BlobsPath + "/abc",
		"/elsewhere/abc",
		proto.BlobsPath + "/",
		proto.BlobsPath + "/abc/../../api/keys/alice",
		ts.URL + "/api/keys/alice",
	} {
		if _, err := c.GetBlob(ctx, ref); !errors.Is(err, errForeignBlob) {
			t.Errorf("GetBlob(%q) = %v, want errForeignBlob", ref, err)
		}
	}
	if hits != 0 {
		t.Fatalf("foreign host contacted %d times", hits)
	}

	// an absolute ref on this relay is still fine
	ref, err := c.PutBlob(ctx, []byte("abc"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetBlob(ctx, ts.URL+ref); err != nil {
		t.Fatalf("absolute ref on own relay: %v", err)
	}
}

func TestGetBlobCapsSize(t *testing.T) {
	_, c := startRelay(t)
	ctx := context.Background()

	ref, err := c.PutBlob(ctx, make([]byte, 600))
	if err != nil {
		t.Fatal(err)
	}
	small := NewClient(c.BaseURL)
	small.MaxBlobBytes = 512
	if _, err := small.GetBlob(ctx, ref); err == nil || !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("expected size error, got %v", err)
	}
	if data, err := c.GetBlob(ctx, ref); err != nil || len(data) != 600 {
		t.Fatalf("full client: %d bytes, %v", len(data), err)
	}
}
