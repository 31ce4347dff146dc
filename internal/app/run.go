package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/api"
	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/chat"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/keystore"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/relay"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/petervdpas/goopcall/internal/util"
)

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
}

// RunClient runs one user's client: identity, signaling, the call
// coordinator, the chat pipeline and the local API. It blocks until ctx is
// cancelled or the signaling channel is closed for good.
func RunClient(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	if err := cfg.ValidateClient(); err != nil {
		return err
	}

	logBuf := api.NewLogBuffer(800)
	log.SetOutput(io.MultiWriter(os.Stderr, logBuf))
	applyLogLevel(cfg.Log.Level)
	logBanner("client", opt.PeerDir, opt.CfgPath)

	db, err := storage.Open(util.ResolvePath(opt.PeerDir, cfg.Paths.DataDir))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rc := relay.NewClient(cfg.Relay.URL)
	ks := keystore.New(db, rc, config.Passphrase(), cfg.Identity.RSABits)
	id, published, err := ks.EnsureOrRetry(ctx, cfg.Identity.UID, cfg.ReconnectBackoff())
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	defer func() {
		cancel()
		<-published
	}()
	log.Printf("identity: %s", id.UID)

	sig, err := signaling.Dial(ctx, signaling.Options{
		RelayURL:          cfg.Relay.URL,
		UID:               id.UID,
		ReconnectAttempts: cfg.Signaling.ReconnectAttempts,
		ReconnectBackoff:  cfg.ReconnectBackoff(),
		WriteTimeout:      cfg.WriteTimeout(),
	})
	if err != nil {
		return fmt.Errorf("signaling: %w", err)
	}
	defer sig.Close()

	peers, err := call.NewPionFactory(call.PionOptions{
		ICEServers:          cfg.Call.ICEServers,
		DisconnectedTimeout: secs(cfg.Call.ICEDisconnectedSec),
		FailedTimeout:       secs(cfg.Call.ICEFailedSec),
	})
	if err != nil {
		return fmt.Errorf("webrtc: %w", err)
	}

	calls := call.New(sig, peers, media.NewSource(media.Options{}), call.Config{
		DisplayName: cfg.Identity.DisplayName,
		RingTimeout: cfg.RingTimeout(),
		DialTimeout: cfg.DialTimeout(),
	})
	defer calls.Close()

	chats := chat.New(id.UID, ks, rc, rc, chat.Options{
		Workers: cfg.Crypto.Workers,
		Cipher:  cfg.Crypto.Cipher,
	})
	defer chats.Close()

	records, stopRecords := sig.SubscribeRecords()
	defer stopRecords()
	go chats.Consume(ctx, records)

	if cfg.API.HTTPAddr != "" {
		addr, url, _ := NormalizeLocalAPI(cfg.API.HTTPAddr)
		if _, err := api.Serve(ctx, addr, api.Handler(api.Deps{
			SelfUID:   id.UID,
			Calls:     calls,
			Chat:      chats,
			Signaling: sig,
			Logs:      logBuf,
		})); err != nil {
			return fmt.Errorf("api: %w", err)
		}
		log.Printf("local api: %s", url)
	}

	if opt.CfgPath != "" {
		if err := config.Watch(ctx, opt.CfgPath, func(c config.Config) {
			applyLogLevel(c.Log.Level)
		}); err != nil {
			log.Printf("WARNING: config watch disabled: %v", err)
		}
	}

	select {
	case <-ctx.Done():
	case <-sig.Done():
		if err := sig.Err(); err != nil {
			log.Printf("signaling stopped: %v", err)
		}
	}
	log.Println("CLIENT: shutting down")
	return nil
}

// RunRelay runs the relay server until ctx is cancelled.
func RunRelay(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	applyLogLevel(cfg.Log.Level)
	logBanner("relay", opt.PeerDir, opt.CfgPath)

	db, err := storage.OpenFile(relayDBFile(opt.PeerDir, cfg.Relay.DBPath))
	if err != nil {
		return fmt.Errorf("open relay database: %w", err)
	}
	defer db.Close()

	srv := relay.New(relay.Options{
		Addr:         cfg.RelayAddr(),
		DB:           db,
		MaxBlobBytes: int64(cfg.Relay.MaxBlobMB) << 20,
		ExternalURL:  cfg.Relay.ExternalURL,
	})
	if err := srv.Start(ctx); err != nil {
		return err
	}
	log.Println("────────────────────────────────────────────────────────")
	log.Printf("Relay: %s", srv.URL())
	log.Printf("Metrics: %s/metrics", srv.URL())
	log.Println("────────────────────────────────────────────────────────")

	<-ctx.Done()
	log.Println("RELAY: shutting down")
	return nil
}

// Keygen ensures the identity for uid exists and is published, returning it.
func Keygen(ctx context.Context, opt Options) (*keystore.Identity, error) {
	cfg := opt.Cfg
	if err := cfg.ValidateClient(); err != nil {
		return nil, err
	}
	db, err := storage.Open(util.ResolvePath(opt.PeerDir, cfg.Paths.DataDir))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ks := keystore.New(db, relay.NewClient(cfg.Relay.URL), config.Passphrase(), cfg.Identity.RSABits)
	return ks.Ensure(ctx, cfg.Identity.UID)
}

// relayDBFile maps relay.db_path to a database file. A path without an
// extension is treated as a directory.
func relayDBFile(peerDir, p string) string {
	path := util.ResolvePath(peerDir, p)
	if filepath.Ext(path) == "" {
		return filepath.Join(path, "relay.db")
	}
	return path
}

func applyLogLevel(level string) {
	if level == "" {
		return
	}
	if err := logging.SetLogLevel("*", level); err != nil {
		log.Printf("WARNING: log level %q: %v", level, err)
	}
}
