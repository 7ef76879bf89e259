// Package credentials is the consolidated secret-material store for
// botster-hub: the Rails API token, the MCP token handed to spawned
// agents, this device's Ed25519 signing key and fingerprint, and the
// per-hub AES keys used to encrypt viewer channel crypto session state
// at rest.
//
// Everything lives in one OS keyring entry when a keyring is available
// (macOS Keychain, GNOME Keyring, KDE Wallet), falling back to a single
// credentials.json (mode 0600) otherwise. Consolidating onto one
// entry/file, rather than one per secret, avoids prompting for keychain
// access once per secret on every new build. Ground truth for this
// schema is the original CLI's keyring.rs Credentials struct.
package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"

	"github.com/trybotster/botster-hub/internal/config"
)

const (
	keyringService = "botster"
	keyringEntry   = "credentials"
	currentVersion = 1
)

// Credentials is the full set of secret material persisted for this
// device. Fields are omitted from the JSON encoding when empty, so a
// freshly logged-out device's file carries only a version number.
type Credentials struct {
	// APIToken is the Rails device token (btstr_...) used by the hub
	// process for full server access.
	APIToken string `json:"api_token,omitempty"`

	// MCPToken is the scoped token (btmcp_...) passed to spawned agents
	// for MCP-only operations.
	MCPToken string `json:"mcp_token,omitempty"`

	// SigningKey is the base64-encoded Ed25519 seed backing this
	// device's identity; see internal/device.
	SigningKey string `json:"signing_key,omitempty"`

	// Fingerprint identifies which signing key this is, for display and
	// for detecting a stale device.json after a binary rebuild.
	Fingerprint string `json:"fingerprint,omitempty"`

	// CryptoKeys maps hub_id to a base64 AES key encrypting that hub's
	// viewer channel ratchet state at rest.
	CryptoKeys map[string]string `json:"crypto_keys,omitempty"`

	// Version is a schema version for future migrations.
	Version int `json:"version"`
}

// HasAPIToken reports whether c carries a correctly-prefixed API token.
func (c *Credentials) HasAPIToken() bool {
	return strings.HasPrefix(c.APIToken, config.TokenPrefix)
}

// SetCryptoKey stores the per-hub AES key for hubID.
func (c *Credentials) SetCryptoKey(hubID, key string) {
	if c.CryptoKeys == nil {
		c.CryptoKeys = make(map[string]string)
	}
	c.CryptoKeys[hubID] = key
}

// CryptoKey returns the per-hub AES key for hubID, if any.
func (c *Credentials) CryptoKey(hubID string) (string, bool) {
	key, ok := c.CryptoKeys[hubID]
	return key, ok
}

// RemoveCryptoKey deletes the per-hub AES key for hubID.
func (c *Credentials) RemoveCryptoKey(hubID string) {
	delete(c.CryptoKeys, hubID)
}

// Store resolves the file-fallback path once and serializes access to
// it; the keyring itself has no local state to serialize but callers
// share a Store anyway so Load/Save/Delete agree on one path.
type Store struct {
	mu   sync.Mutex
	path string
}

// Open resolves the credentials.json fallback path under the hub's
// config directory (respecting BOTSTER_CONFIG_DIR, same as config.Load
// and internal/device). It does not read or write anything.
func Open() (*Store, error) {
	dir, err := config.ConfigDir()
	if err != nil {
		return nil, err
	}
	return &Store{path: filepath.Join(dir, "credentials.json")}, nil
}

// shouldSkipKeyring mirrors internal/device's test-mode detection: any
// process with BOTSTER_CONFIG_DIR set (integration tests) or
// BOTSTER_SKIP_KEYRING=1 uses the file fallback unconditionally, so
// tests never prompt for or depend on a real OS keyring.
func shouldSkipKeyring() bool {
	if v := os.Getenv("BOTSTER_SKIP_KEYRING"); v == "1" || strings.ToLower(v) == "true" {
		return true
	}
	_, hasConfigDir := os.LookupEnv("BOTSTER_CONFIG_DIR")
	return hasConfigDir
}

// Load reads credentials from the OS keyring, falling back to the
// credentials.json file when the keyring is unavailable, empty, or
// corrupted. A missing file or entry is not an error: it returns an
// empty Credentials at the current schema version.
func (st *Store) Load() (*Credentials, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if !shouldSkipKeyring() {
		if raw, err := keyring.Get(keyringService, keyringEntry); err == nil {
			var creds Credentials
			if jsonErr := json.Unmarshal([]byte(raw), &creds); jsonErr == nil {
				if creds.APIToken != "" || creds.SigningKey != "" {
					if creds.Version == 0 {
						creds.Version = currentVersion
					}
					return &creds, nil
				}
			}
		}
	}

	creds, err := st.loadFromFile()
	if err != nil {
		return nil, err
	}
	if creds.Version == 0 {
		creds.Version = currentVersion
	}
	return creds, nil
}

func (st *Store) loadFromFile() (*Credentials, error) {
	data, err := os.ReadFile(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Credentials{Version: currentVersion}, nil
		}
		return nil, fmt.Errorf("credentials: read %s: %w", st.path, err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("credentials: parse %s: %w", st.path, err)
	}
	return &creds, nil
}

// Save writes credentials to the OS keyring, falling back to the
// credentials.json file (mode 0600) when the keyring is unavailable.
func (st *Store) Save(creds *Credentials) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if creds.Version == 0 {
		creds.Version = currentVersion
	}

	if !shouldSkipKeyring() {
		if raw, err := json.Marshal(creds); err == nil {
			if err := keyring.Set(keyringService, keyringEntry, string(raw)); err == nil {
				return nil
			}
		}
	}

	return st.saveToFile(creds)
}

func (st *Store) saveToFile(creds *Credentials) error {
	if err := os.MkdirAll(filepath.Dir(st.path), 0700); err != nil {
		return fmt.Errorf("credentials: create config directory: %w", err)
	}

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("credentials: marshal: %w", err)
	}

	if err := os.WriteFile(st.path, data, 0600); err != nil {
		return fmt.Errorf("credentials: write %s: %w", st.path, err)
	}

	return nil
}

// Delete removes credentials from both the OS keyring and the file
// fallback. Used on logout.
func (st *Store) Delete() error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := os.Remove(st.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("credentials: remove %s: %w", st.path, err)
	}

	if !shouldSkipKeyring() {
		_ = keyring.Delete(keyringService, keyringEntry)
	}

	return nil
}
