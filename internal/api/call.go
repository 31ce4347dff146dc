package api

import (
	"context"
	"net/http"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/signaling"
)

// Calls is the call coordinator surface. *call.Manager satisfies it.
type Calls interface {
	StartCall(ctx context.Context, remote string, media proto.Media) (call.SessionInfo, error)
	Accept(ctx context.Context) (call.SessionInfo, error)
	Decline(ctx context.Context) error
	End(ctx context.Context) error
	ToggleAudio(ctx context.Context) (bool, error)
	ToggleVideo(ctx context.Context) (bool, error)
	Current(ctx context.Context) (call.SessionInfo, bool)
	Subscribe() (chan call.SessionInfo, func())
}

// Signaling reports the relay connection state. *signaling.Client satisfies
// it.
type Signaling interface {
	Status() signaling.Status
	SubscribeStatus() (chan signaling.Status, func())
}

// RegisterCall registers the call API endpoints. sig may be nil, in which
// case the event stream carries call snapshots only.
func RegisterCall(mux *http.ServeMux, calls Calls, sig Signaling) {
	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		Remote string      `json:"remote"`
		Media  proto.Media `json:"media"`
	}) {
		if req.Remote == "" {
			http.Error(w, "missing remote", http.StatusBadRequest)
			return
		}
		if req.Media == "" {
			req.Media = proto.MediaAudioVideo
		}
		if !req.Media.Valid() {
			http.Error(w, "media must be audio or audio-video", http.StatusBadRequest)
			return
		}
		info, err := calls.StartCall(r.Context(), req.Remote, req.Media)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, info)
	})

	// POST /api/call/accept
	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		info, err := calls.Accept(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, info)
	})

	// POST /api/call/decline
	handlePost(mux, "/api/call/decline", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := calls.Decline(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "declined"})
	})

	// POST /api/call/hangup
	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := calls.End(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "hung_up"})
	})

	// POST /api/call/toggle-audio
	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		muted, err := calls.ToggleAudio(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	// POST /api/call/toggle-video
	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		disabled, err := calls.ToggleVideo(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"disabled": disabled})
	})

	// GET /api/call/state: most recent session, or idle.
	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		info, ok := calls.Current(r.Context())
		if !ok {
			writeJSON(w, map[string]string{"state": string(call.StateIdle)})
			return
		}
		writeJSON(w, info)
	})

	// GET /api/call/events: SSE stream of session snapshots ("call") and relay
	// connection changes ("signaling"). Each connection gets its own
	// subscriptions, cancelled on disconnect.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		ch, cancel := calls.Subscribe()
		defer cancel()

		if err := writeEvent(w, flusher, "connected", map[string]string{"status": "ok"}); err != nil {
			return
		}

		var status chan signaling.Status
		if sig != nil {
			var stop func()
			status, stop = sig.SubscribeStatus()
			defer stop()
			if err := writeEvent(w, flusher, "signaling", statusEvent(sig.Status())); err != nil {
				return
			}
		}

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case st, ok := <-status:
				if !ok {
					status = nil
					continue
				}
				if err := writeEvent(w, flusher, "signaling", statusEvent(st)); err != nil {
					return
				}
			case info, ok := <-ch:
				if !ok {
					return
				}
				if err := writeEvent(w, flusher, "call", info); err != nil {
					return
				}
			}
		}
	})
}

func statusEvent(st signaling.Status) map[string]signaling.Status {
	return map[string]signaling.Status{"status": st}
}
