// Package relay is the rendezvous point between clients: it forwards
// signaling envelopes between live connections, serves the public key
// directory, stores encrypted attachment blobs and keeps the append-only
// conversation log. It never sees plaintext.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/e2ee"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/petervdpas/goopcall/internal/util"
)

var log = logging.Logger("relay")

var (
	errFirstFrame = errors.New("first frame must be register")
	errMissingUID = errors.New("register requires uid")
)

// DefaultMaxBlobBytes caps a single encrypted attachment upload.
const DefaultMaxBlobBytes = 25 << 20

// Server is the relay HTTP server.
type Server struct {
	addr        string
	db          *storage.DB
	maxBlob     int64
	externalURL string

	hub *hub
	m   *metrics
	srv *http.Server
	ln  net.Listener
}

// Options configures a relay Server.
type Options struct {
	Addr         string
	DB           *storage.DB
	MaxBlobBytes int64
	ExternalURL  string
}

// New builds a Server. It does not listen until Start.
func New(opts Options) *Server {
	maxBlob := opts.MaxBlobBytes
	if maxBlob <= 0 {
		maxBlob = DefaultMaxBlobBytes
	}
	m := newMetrics()
	return &Server{
		addr:        opts.Addr,
		db:          opts.DB,
		maxBlob:     maxBlob,
		externalURL: strings.TrimRight(opts.ExternalURL, "/"),
		hub:         newHub(m),
		m:           m,
	}
}

// Handler returns the relay's routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.m.instrument)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", s.m.handler())
	r.Get(proto.SignalingPath, s.hub.serveWS)

	r.Route(proto.KeysPath, func(r chi.Router) {
		r.Post("/", s.handlePublishKey)
		r.Get("/{uid}", s.handleGetKey)
	})
	r.Route(proto.BlobsPath, func(r chi.Router) {
		r.Put("/", s.handlePutBlob)
		r.Get("/{id}", s.handleGetBlob)
	})
	r.Route(proto.ConversationsPath+"/{cid}/messages", func(r chi.Router) {
		r.Post("/", s.handleAppendRecord)
		r.Get("/", s.handleListRecords)
		r.Get("/{id}", s.handleGetRecord)
	})
	return r
}

// Start listens on the configured address and serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	if s.db == nil {
		return errors.New("relay requires a database")
	}
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.hub.closeAll()
		shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = s.srv.Shutdown(shctx)
	}()

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("relay server error: %v", err)
		}
	}()

	log.Infof("listening on %s", ln.Addr())
	return nil
}

// URL returns the base URL clients should use.
func (s *Server) URL() string {
	if s.externalURL != "" {
		return s.externalURL
	}
	if s.ln != nil {
		return "http://" + s.ln.Addr().String()
	}
	return "http://" + s.addr
}

func (s *Server) handlePublishKey(w http.ResponseWriter, r *http.Request) {
	var msg proto.PublicKeyMsg
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&msg); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	msg.UID = strings.TrimSpace(msg.UID)
	if msg.UID == "" {
		http.Error(w, "uid is required", http.StatusBadRequest)
		return
	}
	if _, err := e2ee.ParsePublicKey(msg.PublicKey); err != nil {
		http.Error(w, "invalid public key", http.StatusBadRequest)
		return
	}
	if err := s.db.PutPublicKey(msg.UID, msg.PublicKey); err != nil {
		if errors.Is(err, storage.ErrKeyConflict) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		log.Errorf("store key for %s: %v", msg.UID, err)
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	log.Debugf("published key for %s", msg.UID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetKey(w http.ResponseWriter, r *http.Request) {
	uid := chi.URLParam(r, "uid")
	key, err := s.db.GetPublicKey(uid)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proto.PublicKeyMsg{UID: uid, PublicKey: key})
}

func (s *Server) handlePutBlob(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBlob))
	if err != nil {
		http.Error(w, fmt.Sprintf("blob too large (max %d bytes)", s.maxBlob), http.StatusRequestEntityTooLarge)
		return
	}
	if len(data) == 0 {
		http.Error(w, "empty blob", http.StatusBadRequest)
		return
	}
	id, err := s.db.PutBlob(data)
	if err != nil {
		log.Errorf("store blob: %v", err)
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	s.m.blobBytes.Add(float64(len(data)))
	writeJSON(w, http.StatusCreated, proto.BlobRef{ID: id, URL: proto.BlobsPath + "/" + id})
}

func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	data, err := s.db.GetBlob(chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func (s *Server) handleAppendRecord(w http.ResponseWriter, r *http.Request) {
	cid := chi.URLParam(r, "cid")
	var rec proto.Record
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&rec); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := rec.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if rec.ConversationID() != cid {
		http.Error(w, "record does not belong to this conversation", http.StatusBadRequest)
		return
	}
	seq, err := s.db.AppendRecord(rec)
	if err != nil {
		log.Errorf("append record %s: %v", rec.ID, err)
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	s.m.recordsAppended.WithLabelValues(string(rec.Kind)).Inc()
	rec.Seq = seq
	s.hub.push(rec)
	writeJSON(w, http.StatusCreated, map[string]int64{"seq": seq})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	cid, id := chi.URLParam(r, "cid"), chi.URLParam(r, "id")
	rec, err := s.db.GetRecord(cid, id)
	if errors.Is(err, proto.ErrNotFound) {
		http.Error(w, "record not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Errorf("get %s/%s: %v", cid, id, err)
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := storage.PageOpts{ConversationID: chi.URLParam(r, "cid")}
	var err error
	if opts.Before, err = queryInt(q.Get("before")); err != nil {
		http.Error(w, "invalid before", http.StatusBadRequest)
		return
	}
	if opts.After, err = queryInt(q.Get("after")); err != nil {
		http.Error(w, "invalid after", http.StatusBadRequest)
		return
	}
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}
	opts.Limit = int(limit)

	page, err := s.db.ListRecords(opts)
	if err != nil {
		log.Errorf("list %s: %v", opts.ConversationID, err)
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	if page.Records == nil {
		page.Records = []proto.Record{}
	}
	writeJSON(w, http.StatusOK, page)
}

func queryInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, proto.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	log.Errorf("store: %v", err)
	http.Error(w, "store error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
