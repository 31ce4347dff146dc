// Package api is the local HTTP surface a UI drives: call control, encrypted
// chat, and server-sent event streams for both.
package api

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"time"
)

// Deps are the services the API exposes. Any may be nil, in which case its
// routes are not registered.
type Deps struct {
	SelfUID   string
	Calls     Calls
	Chat      Chat
	Signaling Signaling
	Logs      *LogBuffer
}

// Handler builds the API mux.
func Handler(d Deps) http.Handler {
	mux := http.NewServeMux()

	handleGet(mux, "/api/self", func(w http.ResponseWriter, r *http.Request) {
		out := map[string]string{"uid": d.SelfUID}
		if d.Signaling != nil {
			out["signaling"] = string(d.Signaling.Status())
		}
		writeJSON(w, out)
	})
	if d.Calls != nil {
		RegisterCall(mux, d.Calls, d.Signaling)
	}
	if d.Chat != nil {
		RegisterChat(mux, d.Chat)
	}
	if d.Logs != nil {
		RegisterLogs(mux, d.Logs)
	}
	return mux
}

// Serve listens on addr and serves h until ctx is cancelled. It returns the
// bound address once listening.
func Serve(ctx context.Context, addr string, h http.Handler) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("API: serve error: %v", err)
		}
	}()
	log.Printf("API: listening on http://%s", ln.Addr())
	return ln.Addr().String(), nil
}
