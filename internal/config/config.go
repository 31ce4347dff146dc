package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/e2ee"
	"github.com/petervdpas/goopcall/internal/util"
)

// FileName is the config file name inside the peer directory.
const FileName = "goopcall.json"

type Config struct {
	Identity  Identity  `json:"identity"`
	Paths     Paths     `json:"paths"`
	Relay     Relay     `json:"relay"`
	Signaling Signaling `json:"signaling"`
	Call      Call      `json:"call"`
	Crypto    Crypto    `json:"crypto"`
	API       API       `json:"api"`
	Log       Log       `json:"log"`
}

type Identity struct {
	UID         string `json:"uid"`
	DisplayName string `json:"display_name"`
	RSABits     int    `json:"rsa_bits"`
}

type Paths struct {
	DataDir string `json:"data_dir"`
}

type Relay struct {
	// URL of the relay a client connects to, e.g. "http://relay.example.org:8787".
	URL string `json:"url"`

	// Bind/Port are used when this process runs the relay.
	Bind        string `json:"bind"`
	Port        int    `json:"port"`
	DBPath      string `json:"db_path"`
	MaxBlobMB   int    `json:"max_blob_mb"`
	ExternalURL string `json:"external_url"`
}

type Signaling struct {
	ReconnectAttempts  int `json:"reconnect_attempts"`
	ReconnectBackoffMs int `json:"reconnect_backoff_ms"`
	WriteTimeoutMs     int `json:"write_timeout_ms"`
}

type Call struct {
	RingTimeoutSec     int      `json:"ring_timeout_sec"`
	DialTimeoutSec     int      `json:"dial_timeout_sec"`
	ICEServers         []string `json:"ice_servers"`
	ICEDisconnectedSec int      `json:"ice_disconnected_sec"`
	ICEFailedSec       int      `json:"ice_failed_sec"`
}

type Crypto struct {
	Cipher  string `json:"cipher"`
	Workers int    `json:"workers"` // 0 = GOMAXPROCS
}

type API struct {
	HTTPAddr string `json:"http_addr"`
}

type Log struct {
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			RSABits: e2ee.DefaultKeyBits,
		},
		Paths: Paths{
			DataDir: "data",
		},
		Relay: Relay{
			URL:       "http://127.0.0.1:8787",
			Bind:      "127.0.0.1",
			Port:      8787,
			DBPath:    "data/relay",
			MaxBlobMB: 25,
		},
		Signaling: Signaling{
			ReconnectAttempts:  5,
			ReconnectBackoffMs: 2000,
			WriteTimeoutMs:     5000,
		},
		Call: Call{
			RingTimeoutSec:     30,
			DialTimeoutSec:     45,
			ICEServers:         []string{"stun:stun.l.google.com:19302"},
			ICEDisconnectedSec: 30,
			ICEFailedSec:       120,
		},
		Crypto: Crypto{
			Cipher: e2ee.CipherAESGCM,
		},
		API: API{
			HTTPAddr: "127.0.0.1:8790",
		},
		Log: Log{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if uid := strings.TrimSpace(c.Identity.UID); uid != "" {
		if _, err := util.ValidateUID(uid); err != nil {
			return fmt.Errorf("identity.uid: %w", err)
		}
	}
	if c.Identity.RSABits < 2048 {
		return errors.New("identity.rsa_bits must be >= 2048")
	}

	// Paths
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}

	// Relay
	if u := strings.TrimSpace(c.Relay.URL); u != "" {
		if err := validateRelayURL(u); err != nil {
			return fmt.Errorf("relay.url: %w", err)
		}
	}
	if c.Relay.Port <= 0 || c.Relay.Port > 65535 {
		return errors.New("relay.port must be 1..65535")
	}
	if b := c.Relay.Bind; b != "" && net.ParseIP(b) == nil {
		return errors.New("relay.bind must be a valid IP address")
	}
	if c.Relay.MaxBlobMB < 1 || c.Relay.MaxBlobMB > 1024 {
		return errors.New("relay.max_blob_mb must be 1..1024")
	}

	// Signaling
	if c.Signaling.ReconnectAttempts < 0 {
		return errors.New("signaling.reconnect_attempts must be >= 0")
	}
	if c.Signaling.ReconnectBackoffMs < 0 || c.Signaling.WriteTimeoutMs < 0 {
		return errors.New("signaling timings must be >= 0")
	}

	// Call
	if c.Call.RingTimeoutSec <= 0 {
		return errors.New("call.ring_timeout_sec must be > 0")
	}
	if c.Call.DialTimeoutSec <= 0 {
		return errors.New("call.dial_timeout_sec must be > 0")
	}
	if c.Call.ICEDisconnectedSec < 0 || c.Call.ICEFailedSec < 0 {
		return errors.New("call ICE timeouts must be >= 0")
	}

	// Crypto
	if !e2ee.ValidCipher(c.Crypto.Cipher) {
		return fmt.Errorf("crypto.cipher %q is not supported", c.Crypto.Cipher)
	}
	if c.Crypto.Workers < 0 {
		return errors.New("crypto.workers must be >= 0")
	}

	// Log
	if _, err := logging.LevelFromString(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// ValidateClient checks the fields a client process cannot start without.
func (c *Config) ValidateClient() error {
	if strings.TrimSpace(c.Identity.UID) == "" {
		return errors.New("identity.uid is required (set it in the config or GOOPCALL_UID)")
	}
	if strings.TrimSpace(c.Relay.URL) == "" {
		return errors.New("relay.url is required")
	}
	return nil
}

func validateRelayURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return errors.New("scheme must be http, https, ws or wss")
	}
	if u.Hostname() == "" {
		return errors.New("missing host")
	}
	if u.Hostname() == "0.0.0.0" {
		return errors.New("host must not be 0.0.0.0")
	}
	return nil
}

// RelayAddr is the listen address for the relay server.
func (c *Config) RelayAddr() string {
	return net.JoinHostPort(c.Relay.Bind, fmt.Sprint(c.Relay.Port))
}

func (c *Config) RingTimeout() time.Duration {
	return time.Duration(c.Call.RingTimeoutSec) * time.Second
}

func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.Call.DialTimeoutSec) * time.Second
}

func (c *Config) ReconnectBackoff() time.Duration {
	return time.Duration(c.Signaling.ReconnectBackoffMs) * time.Millisecond
}

func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Signaling.WriteTimeoutMs) * time.Millisecond
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without env overrides or validation.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err). Environment overrides apply either way but
// are never written to the file.
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, true, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, true, err
	}
	return cfg, true, nil
}
