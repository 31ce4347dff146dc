package api

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/petervdpas/goopcall/internal/chat"
)

const maxAttachmentBytes = 25 << 20

// Chat is the message pipeline surface. *chat.Manager satisfies it.
type Chat interface {
	SendText(ctx context.Context, to, text string) (*chat.Message, error)
	SendAttachment(ctx context.Context, to, name, mediaType string, data []byte) (*chat.Message, error)
	History(ctx context.Context, peer string, before int64, limit int) (*chat.Page, error)
	Sync(ctx context.Context, peer string) ([]*chat.Message, error)
	Media(ctx context.Context, peer string, page int) (*chat.MediaPage, error)
	Attachment(ctx context.Context, peer, id string) (*chat.Message, error)
	Recent(peer string) []*chat.Message
	Subscribe() <-chan *chat.Message
	Unsubscribe(ch <-chan *chat.Message)
}

// RegisterChat registers the encrypted chat endpoints.
//
//	POST /api/chat/send          {to, text}
//	POST /api/chat/attachment    multipart: to, file
//	GET  /api/chat/history?peer=X&before=N&limit=N
//	GET  /api/chat/recent?peer=X
//	GET  /api/chat/media?peer=X&page=N
//	GET  /api/chat/attachment?peer=X&id=Y
//	POST /api/chat/sync          {peer}
//	GET  /api/chat/events        SSE
func RegisterChat(mux *http.ServeMux, c Chat) {
	handlePost(mux, "/api/chat/send", func(w http.ResponseWriter, r *http.Request, req struct {
		To   string `json:"to"`
		Text string `json:"text"`
	}) {
		if req.To == "" || req.Text == "" {
			http.Error(w, "missing to or text", http.StatusBadRequest)
			return
		}
		msg, err := c.SendText(r.Context(), req.To, req.Text)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, msg)
	})

	mux.HandleFunc("POST /api/chat/attachment", func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxAttachmentBytes+1<<20)
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			http.Error(w, "invalid multipart form: "+err.Error(), http.StatusBadRequest)
			return
		}
		to := r.FormValue("to")
		file, hdr, err := r.FormFile("file")
		if to == "" || err != nil {
			http.Error(w, "missing to or file", http.StatusBadRequest)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(io.LimitReader(file, maxAttachmentBytes+1))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(data) > maxAttachmentBytes {
			http.Error(w, "attachment too large", http.StatusRequestEntityTooLarge)
			return
		}
		mediaType := hdr.Header.Get("Content-Type")
		if mediaType == "" {
			mediaType = http.DetectContentType(data)
		}
		msg, err := c.SendAttachment(r.Context(), to, hdr.Filename, mediaType, data)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, msg)
	})

	handleGet(mux, "/api/chat/history", func(w http.ResponseWriter, r *http.Request) {
		peer := r.URL.Query().Get("peer")
		if peer == "" {
			http.Error(w, "missing peer", http.StatusBadRequest)
			return
		}
		before, err := queryInt(r, "before")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		limit, err := queryInt(r, "limit")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		page, err := c.History(r.Context(), peer, before, int(limit))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, page)
	})

	handleGet(mux, "/api/chat/recent", func(w http.ResponseWriter, r *http.Request) {
		peer := r.URL.Query().Get("peer")
		if peer == "" {
			http.Error(w, "missing peer", http.StatusBadRequest)
			return
		}
		writeJSON(w, c.Recent(peer))
	})

	handleGet(mux, "/api/chat/media", func(w http.ResponseWriter, r *http.Request) {
		peer := r.URL.Query().Get("peer")
		if peer == "" {
			http.Error(w, "missing peer", http.StatusBadRequest)
			return
		}
		page := 0
		if s := r.URL.Query().Get("page"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				http.Error(w, "invalid page", http.StatusBadRequest)
				return
			}
			page = n
		}
		out, err := c.Media(r.Context(), peer, page)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, out)
	})

	handleGet(mux, "/api/chat/attachment", func(w http.ResponseWriter, r *http.Request) {
		peer, id := r.URL.Query().Get("peer"), r.URL.Query().Get("id")
		if peer == "" || id == "" {
			http.Error(w, "missing peer or id", http.StatusBadRequest)
			return
		}
		msg, err := c.Attachment(r.Context(), peer, id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, msg)
	})

	handlePost(mux, "/api/chat/sync", func(w http.ResponseWriter, r *http.Request, req struct {
		Peer string `json:"peer"`
	}) {
		if req.Peer == "" {
			http.Error(w, "missing peer", http.StatusBadRequest)
			return
		}
		msgs, err := c.Sync(r.Context(), req.Peer)
		if err != nil {
			writeError(w, err)
			return
		}
		if msgs == nil {
			msgs = []*chat.Message{}
		}
		writeJSON(w, msgs)
	})

	handleGet(mux, "/api/chat/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		ch := c.Subscribe()
		defer c.Unsubscribe(ch)

		if err := writeEvent(w, flusher, "connected", map[string]string{"status": "ok"}); err != nil {
			return
		}
		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := writeEvent(w, flusher, "message", msg); err != nil {
					return
				}
			}
		}
	})
}
