package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/chat"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/signaling"
)

type fakeCalls struct {
	mu      sync.Mutex
	started []string
	info    *call.SessionInfo
	events  chan call.SessionInfo
	startFn func() error
}

func (f *fakeCalls) StartCall(_ context.Context, remote string, media proto.Media) (call.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startFn != nil {
		if err := f.startFn(); err != nil {
			return call.SessionInfo{}, err
		}
	}
	f.started = append(f.started, remote+"/"+string(media))
	info := call.SessionInfo{ID: "s1", RemoteUID: remote, Media: media, State: call.StateOutgoingPending}
	f.info = &info
	return info, nil
}

func (f *fakeCalls) setStart(fn func() error) {
	f.mu.Lock()
	f.startFn = fn
	f.mu.Unlock()
}

func (f *fakeCalls) startedCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

func (f *fakeCalls) Accept(context.Context) (call.SessionInfo, error) {
	return call.SessionInfo{}, call.ErrNoSession
}

func (f *fakeCalls) Decline(context.Context) error { return call.ErrInvalidState }

func (f *fakeCalls) End(context.Context) error { return nil }

func (f *fakeCalls) ToggleAudio(context.Context) (bool, error) { return true, nil }

func (f *fakeCalls) ToggleVideo(context.Context) (bool, error) { return false, call.ErrInvalidState }

func (f *fakeCalls) Current(context.Context) (call.SessionInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.info == nil {
		return call.SessionInfo{}, false
	}
	return *f.info, true
}

func (f *fakeCalls) Subscribe() (chan call.SessionInfo, func()) { return f.events, func() {} }

type fakeChat struct {
	mu       sync.Mutex
	sent     []string
	attached []string
	events   chan *chat.Message
}

func (f *fakeChat) SendText(_ context.Context, to, text string) (*chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, to+":"+text)
	return &chat.Message{ID: "m1", To: to, Text: text, Outgoing: true}, nil
}

func (f *fakeChat) SendAttachment(_ context.Context, to, name, mediaType string, data []byte) (*chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, to+":"+name+":"+string(data))
	return &chat.Message{ID: "m2", To: to, Attachment: &chat.Attachment{Name: name, MediaType: mediaType, Size: len(data)}}, nil
}

func (f *fakeChat) log() (sent, attached []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...), append([]string(nil), f.attached...)
}

func (f *fakeChat) History(_ context.Context, peer string, before int64, limit int) (*chat.Page, error) {
	if peer == "ghost" {
		return nil, proto.ErrNotFound
	}
	return &chat.Page{Messages: []*chat.Message{{ID: "h1", Text: "old"}}, Before: before}, nil
}

func (f *fakeChat) Sync(context.Context, string) ([]*chat.Message, error) { return nil, nil }

func (f *fakeChat) Media(_ context.Context, _ string, page int) (*chat.MediaPage, error) {
	return &chat.MediaPage{Page: page}, nil
}

func (f *fakeChat) Attachment(_ context.Context, peer, id string) (*chat.Message, error) {
	if id != "a1" {
		return nil, proto.ErrNotFound
	}
	return &chat.Message{ID: id, From: peer, Attachment: &chat.Attachment{Name: "cat.png", Data: []byte("png")}}, nil
}

func (f *fakeChat) Recent(string) []*chat.Message { return []*chat.Message{} }

func (f *fakeChat) Subscribe() <-chan *chat.Message { return f.events }

func (f *fakeChat) Unsubscribe(<-chan *chat.Message) {}

type fakeSignaling struct {
	mu      sync.Mutex
	current signaling.Status
	changes chan signaling.Status
}

func (f *fakeSignaling) Status() signaling.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (f *fakeSignaling) SubscribeStatus() (chan signaling.Status, func()) {
	return f.changes, func() {}
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeCalls, *fakeChat) {
	t.Helper()
	calls := &fakeCalls{events: make(chan call.SessionInfo, 4)}
	c := &fakeChat{events: make(chan *chat.Message, 4)}
	ts := httptest.NewServer(Handler(Deps{SelfUID: "alice", Calls: calls, Chat: c}))
	t.Cleanup(ts.Close)
	return ts, calls, c
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestCallRoutes(t *testing.T) {
	ts, calls, _ := newTestServer(t)

	t.Run("state idle", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/call/state")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var out map[string]any
		json.NewDecoder(resp.Body).Decode(&out)
		if out["state"] != "idle" {
			t.Fatalf("state = %v", out["state"])
		}
	})

	t.Run("start defaults to video", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/api/call/start", `{"remote":"bob"}`)
		if resp.StatusCode != 200 {
			t.Fatalf("status %d", resp.StatusCode)
		}
		if got := calls.startedCalls(); got[0] != "bob/audio-video" {
			t.Fatalf("started %v", got)
		}
	})

	t.Run("start validation", func(t *testing.T) {
		if resp := postJSON(t, ts.URL+"/api/call/start", `{}`); resp.StatusCode != 400 {
			t.Fatalf("missing remote: %d", resp.StatusCode)
		}
		if resp := postJSON(t, ts.URL+"/api/call/start", `{"remote":"bob","media":"smell"}`); resp.StatusCode != 400 {
			t.Fatalf("bad media: %d", resp.StatusCode)
		}
		if resp := postJSON(t, ts.URL+"/api/call/start", `{"remote":`); resp.StatusCode != 400 {
			t.Fatalf("bad json: %d", resp.StatusCode)
		}
	})

	t.Run("busy maps to conflict", func(t *testing.T) {
		calls.setStart(func() error { return call.ErrCallInProgress })
		defer calls.setStart(nil)
		if resp := postJSON(t, ts.URL+"/api/call/start", `{"remote":"carol"}`); resp.StatusCode != 409 {
			t.Fatalf("status %d", resp.StatusCode)
		}
	})

	t.Run("error mapping", func(t *testing.T) {
		if resp := postJSON(t, ts.URL+"/api/call/accept", ``); resp.StatusCode != 404 {
			t.Fatalf("accept: %d", resp.StatusCode)
		}
		if resp := postJSON(t, ts.URL+"/api/call/decline", ``); resp.StatusCode != 409 {
			t.Fatalf("decline: %d", resp.StatusCode)
		}
		if resp := postJSON(t, ts.URL+"/api/call/toggle-video", ``); resp.StatusCode != 409 {
			t.Fatalf("toggle-video: %d", resp.StatusCode)
		}
	})

	t.Run("toggle audio", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/api/call/toggle-audio", ``)
		var out map[string]bool
		json.NewDecoder(resp.Body).Decode(&out)
		if !out["muted"] {
			t.Fatalf("toggle-audio = %v", out)
		}
	})

	t.Run("get only", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/api/call/state", `{}`)
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Fatalf("status %d", resp.StatusCode)
		}
	})
}

func TestCallEventsStream(t *testing.T) {
	ts, calls, _ := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/call/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	calls.events <- call.SessionInfo{ID: "s9", State: call.StateIncomingRinging}

	sc := bufio.NewScanner(resp.Body)
	var events []string
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "event: ") {
			events = append(events, strings.TrimPrefix(line, "event: "))
		}
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, `"s9"`) {
			break
		}
	}
	if len(events) != 2 || events[0] != "connected" || events[1] != "call" {
		t.Fatalf("events = %v", events)
	}
}

func TestCallEventsForwardSignalingStatus(t *testing.T) {
	calls := &fakeCalls{events: make(chan call.SessionInfo, 4)}
	sig := &fakeSignaling{current: signaling.StatusConnected, changes: make(chan signaling.Status, 4)}
	ts := httptest.NewServer(Handler(Deps{SelfUID: "alice", Calls: calls, Signaling: sig}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/call/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	sig.changes <- signaling.StatusReconnecting

	sc := bufio.NewScanner(resp.Body)
	var data []string
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "event: ") && line != "event: signaling" && line != "event: connected" {
			t.Fatalf("unexpected %s", line)
		}
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, "status") {
			data = append(data, strings.TrimPrefix(line, "data: "))
		}
		if len(data) == 3 {
			break
		}
	}
	want := []string{`{"status":"ok"}`, `{"status":"connected"}`, `{"status":"reconnecting"}`}
	for i := range want {
		if i >= len(data) || data[i] != want[i] {
			t.Fatalf("events = %v, want %v", data, want)
		}
	}

	self, err := http.Get(ts.URL + "/api/self")
	if err != nil {
		t.Fatal(err)
	}
	defer self.Body.Close()
	var out map[string]string
	json.NewDecoder(self.Body).Decode(&out)
	if out["signaling"] != "connected" {
		t.Fatalf("self = %v", out)
	}
}

func TestChatRoutes(t *testing.T) {
	ts, _, c := newTestServer(t)

	t.Run("send", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/api/chat/send", `{"to":"bob","text":"hi"}`)
		if resp.StatusCode != 200 {
			t.Fatalf("status %d", resp.StatusCode)
		}
		var msg chat.Message
		json.NewDecoder(resp.Body).Decode(&msg)
		sent, _ := c.log()
		if msg.Text != "hi" || sent[0] != "bob:hi" {
			t.Fatalf("msg = %+v sent = %v", msg, sent)
		}
	})

	t.Run("attachment", func(t *testing.T) {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		mw.WriteField("to", "bob")
		fw, _ := mw.CreateFormFile("file", "note.txt")
		fw.Write([]byte("secret file"))
		mw.Close()

		resp, err := http.Post(ts.URL+"/api/chat/attachment", mw.FormDataContentType(), &body)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != 200 {
			t.Fatalf("status %d", resp.StatusCode)
		}
		if _, attached := c.log(); attached[0] != "bob:note.txt:secret file" {
			t.Fatalf("attached %v", attached)
		}
	})

	t.Run("history", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/chat/history?peer=bob&before=7")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var page chat.Page
		json.NewDecoder(resp.Body).Decode(&page)
		if page.Before != 7 || len(page.Messages) != 1 {
			t.Fatalf("page = %+v", page)
		}
	})

	t.Run("history errors", func(t *testing.T) {
		for url, want := range map[string]int{
			"/api/chat/history":                     400,
			"/api/chat/history?peer=bob&before=abc": 400,
			"/api/chat/history?peer=ghost":          404,
			"/api/chat/media?peer=bob&page=-1":      400,
			"/api/chat/attachment?peer=bob":         400,
			"/api/chat/attachment?peer=bob&id=zz":   404,
		} {
			resp, err := http.Get(ts.URL + url)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != want {
				t.Fatalf("%s: status %d, want %d", url, resp.StatusCode, want)
			}
		}
	})

	t.Run("attachment by id", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/api/chat/attachment?peer=bob&id=a1")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var msg chat.Message
		if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
			t.Fatal(err)
		}
		if msg.ID != "a1" || msg.Attachment == nil || string(msg.Attachment.Data) != "png" {
			t.Fatalf("attachment = %+v", msg)
		}
	})

	t.Run("sync returns array", func(t *testing.T) {
		resp := postJSON(t, ts.URL+"/api/chat/sync", `{"peer":"bob"}`)
		var out []any
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out == nil {
			t.Fatalf("sync body: %v %v", out, err)
		}
	})
}

func TestSelf(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/self")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]string
	json.NewDecoder(resp.Body).Decode(&out)
	if out["uid"] != "alice" {
		t.Fatalf("self = %v", out)
	}
}

func TestLogBufferSplitsLines(t *testing.T) {
	b := NewLogBuffer(2)
	b.Write([]byte("first\nsec"))
	b.Write([]byte("ond\n\nthird\n"))

	got := b.Snapshot()
	if len(got) != 2 || got[0].Msg != "second" || got[1].Msg != "third" {
		t.Fatalf("snapshot = %+v", got)
	}

	ts := httptest.NewServer(Handler(Deps{Logs: b}))
	defer ts.Close()
	resp, err := http.Get(ts.URL + "/api/logs")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var entries []LogEntry
	json.NewDecoder(resp.Body).Decode(&entries)
	if len(entries) != 2 {
		t.Fatalf("served %d entries", len(entries))
	}
	if got := resp.Header.Get("X-Log-Evicted"); got != "1" {
		t.Fatalf("X-Log-Evicted = %q", got)
	}

	resp, err = http.Get(ts.URL + "/api/logs?limit=1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	entries = nil
	json.NewDecoder(resp.Body).Decode(&entries)
	if len(entries) != 1 || entries[0].Msg != "third" {
		t.Fatalf("limit=1 served %+v", entries)
	}
}

func TestLogTailCountsMissedLines(t *testing.T) {
	b := NewLogBuffer(500)
	tail := b.Follow()
	defer tail.Close()

	for i := range 70 {
		fmt.Fprintf(b, "line %d\n", i)
	}
	if n := tail.Missed(); n != 6 {
		t.Fatalf("missed = %d, want 6", n)
	}
	if n := tail.Missed(); n != 0 {
		t.Fatalf("missed not reset: %d", n)
	}
	first := <-tail.C
	if first.Msg != "line 0" {
		t.Fatalf("first = %q", first.Msg)
	}

	tail.Close()
	tail.Close()
	b.Write([]byte("after close\n"))
	if got := b.Tail(1); got[0].Msg != "after close" {
		t.Fatalf("tail = %+v", got)
	}
}
