package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GOOPCALL_"

// LoadDotEnv loads dir/.env into the process environment. Variables already
// set win over the file. A missing file is not an error.
func LoadDotEnv(dir string) error {
	path := filepath.Join(dir, ".env")
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Passphrase returns the passphrase sealing the local private key. It is
// only ever read from the environment.
func Passphrase() string {
	return os.Getenv(EnvPrefix + "PASSPHRASE")
}

func applyEnv(cfg *Config) error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(name string, dst *int) error {
		v, ok := os.LookupEnv(EnvPrefix + name)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
		return nil
	}

	str("UID", &cfg.Identity.UID)
	str("DISPLAY_NAME", &cfg.Identity.DisplayName)
	str("DATA_DIR", &cfg.Paths.DataDir)
	str("RELAY_URL", &cfg.Relay.URL)
	str("RELAY_BIND", &cfg.Relay.Bind)
	str("RELAY_EXTERNAL_URL", &cfg.Relay.ExternalURL)
	str("CRYPTO_CIPHER", &cfg.Crypto.Cipher)
	str("API_ADDR", &cfg.API.HTTPAddr)
	str("LOG_LEVEL", &cfg.Log.Level)
	if v, ok := os.LookupEnv(EnvPrefix + "ICE_SERVERS"); ok {
		var servers []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				servers = append(servers, s)
			}
		}
		cfg.Call.ICEServers = servers
	}

	for name, dst := range map[string]*int{
		"RELAY_PORT":       &cfg.Relay.Port,
		"RING_TIMEOUT_SEC": &cfg.Call.RingTimeoutSec,
		"DIAL_TIMEOUT_SEC": &cfg.Call.DialTimeoutSec,
		"CRYPTO_WORKERS":   &cfg.Crypto.Workers,
	} {
		if err := num(name, dst); err != nil {
			return err
		}
	}
	return nil
}
