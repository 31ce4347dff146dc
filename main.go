// main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/petervdpas/goopcall/internal/app"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/e2ee"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

var (
	peerDir string
	cfgFile string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "goopcall",
		Short:         "Peer-to-peer calls and end-to-end encrypted chat",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&peerDir, "dir", ".", "peer directory (keys, data, config)")
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default <dir>/"+config.FileName+")")

	root.AddCommand(relayCmd(), clientCmd(), keygenCmd(), versionCmd())
	return root
}

// loadPeer resolves the peer directory, loads .env from it and ensures a
// config file exists.
func loadPeer() (app.Options, error) {
	absDir, err := filepath.Abs(peerDir)
	if err != nil {
		return app.Options{}, fmt.Errorf("invalid peer directory: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o700); err != nil {
		return app.Options{}, err
	}
	if err := config.LoadDotEnv(absDir); err != nil {
		return app.Options{}, err
	}

	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = filepath.Join(absDir, config.FileName)
	}
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		return app.Options{}, fmt.Errorf("load config: %w", err)
	}
	if created {
		fmt.Fprintf(os.Stderr, "Created default config at %s\n", cfgPath)
	}
	return app.Options{PeerDir: absDir, CfgPath: cfgPath, Cfg: cfg}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func relayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Run the signaling and storage relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			opt, err := loadPeer()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return app.RunRelay(ctx, opt)
		},
	}
}

func clientCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "client",
		Short: "Run a client with the local call and chat API",
		RunE: func(cmd *cobra.Command, args []string) error {
			opt, err := loadPeer()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return app.RunClient(ctx, opt)
		},
	}
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Create and publish this user's key pair if missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			opt, err := loadPeer()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			id, err := app.Keygen(ctx, opt)
			if err != nil {
				return err
			}
			pub, err := e2ee.EncodePublicKey(id.Public)
			if err != nil {
				return err
			}
			fmt.Printf("UID:        %s\n", id.UID)
			fmt.Printf("Public key: %s\n", pub)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("goopcall v%s\n", appVersion)
		},
	}
}
