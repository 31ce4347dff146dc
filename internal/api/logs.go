package api

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/util"
)

// LogEntry is one captured log line.
type LogEntry struct {
	TS  time.Time `json:"ts"`
	Msg string    `json:"msg"`
}

// LogBuffer captures process log lines for the UI. It is an io.Writer meant
// to sit behind log.SetOutput via io.MultiWriter.
type LogBuffer struct {
	lines *util.RingBuffer[LogEntry]

	mu      sync.Mutex
	pending []byte // bytes after the last newline
	tails   map[*LogTail]struct{}
}

// LogTail follows new lines. Lines a slow reader could not take are counted
// instead of blocking the writer.
type LogTail struct {
	C      <-chan LogEntry
	ch     chan LogEntry
	buf    *LogBuffer
	missed int
}

func NewLogBuffer(lines int) *LogBuffer {
	if lines <= 0 {
		lines = 500
	}
	return &LogBuffer{
		lines: util.NewRingBuffer[LogEntry](lines),
		tails: make(map[*LogTail]struct{}),
	}
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending = append(b.pending, p...)
	for {
		line, rest, ok := bytes.Cut(b.pending, []byte{'\n'})
		if !ok {
			break
		}
		b.pending = rest
		msg := strings.TrimRight(string(line), "\r")
		if strings.TrimSpace(msg) != "" {
			b.publish(LogEntry{TS: time.Now(), Msg: msg})
		}
	}
	if len(b.pending) == 0 {
		b.pending = nil
	}
	return len(p), nil
}

// publish runs with b.mu held.
func (b *LogBuffer) publish(e LogEntry) {
	b.lines.Push(e)
	for t := range b.tails {
		select {
		case t.ch <- e:
		default:
			t.missed++
		}
	}
}

// Snapshot returns the buffered lines, oldest first.
func (b *LogBuffer) Snapshot() []LogEntry { return b.lines.Snapshot() }

// Tail returns the newest n lines, oldest first.
func (b *LogBuffer) Tail(n int) []LogEntry { return b.lines.Last(n) }

// Follow starts a tail. Close it when done.
func (b *LogBuffer) Follow() *LogTail {
	ch := make(chan LogEntry, 64)
	t := &LogTail{C: ch, ch: ch, buf: b}
	b.mu.Lock()
	b.tails[t] = struct{}{}
	b.mu.Unlock()
	return t
}

// Missed returns and resets the number of lines dropped since the last call.
func (t *LogTail) Missed() int {
	t.buf.mu.Lock()
	defer t.buf.mu.Unlock()
	n := t.missed
	t.missed = 0
	return n
}

func (t *LogTail) Close() {
	t.buf.mu.Lock()
	defer t.buf.mu.Unlock()
	if _, ok := t.buf.tails[t]; ok {
		delete(t.buf.tails, t)
		close(t.ch)
	}
}

// RegisterLogs serves the captured log.
//
//	GET /api/logs?limit=N   newest N lines (all when omitted); the
//	                        X-Log-Evicted header counts lines aged out
//	GET /api/logs/stream    SSE "message" per line, "dropped" {count} when
//	                        the stream fell behind
func RegisterLogs(mux *http.ServeMux, logs *LogBuffer) {
	handleGet(mux, "/api/logs", func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryInt(r, "limit")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("X-Log-Evicted", strconv.FormatUint(logs.lines.Evicted(), 10))
		if limit == 0 {
			writeJSON(w, logs.Snapshot())
			return
		}
		writeJSON(w, logs.Tail(int(limit)))
	})

	handleGet(mux, "/api/logs/stream", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		tail := logs.Follow()
		defer tail.Close()
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case e, ok := <-tail.C:
				if !ok {
					return
				}
				if n := tail.Missed(); n > 0 {
					if err := writeEvent(w, flusher, "dropped", map[string]int{"count": n}); err != nil {
						return
					}
				}
				if err := writeEvent(w, flusher, "message", e); err != nil {
					return
				}
			}
		}
	})
}
