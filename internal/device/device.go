// Package device manages device identity for CLI authentication.
//
// This package handles:
// - Ed25519 signing keypair generation and persistence
// - Device registration with the Rails server
// - Fingerprint generation for visual verification
//
// The signing key itself is secret material and lives in
// internal/credentials (keyring-preferred, credentials.json fallback);
// device.json here only ever holds the public verifying key,
// fingerprint, name, and server-assigned device ID.
package device

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/trybotster/botster-hub/internal/config"
	"github.com/trybotster/botster-hub/internal/credentials"
)

// StoredDevice represents the public device identity stored in device.json.
// Secret keys are stored via internal/credentials, not in this file.
type StoredDevice struct {
	// Base64-encoded Ed25519 public key.
	VerifyingKey string `json:"verifying_key"`
	// Human-readable fingerprint for visual verification.
	Fingerprint string `json:"fingerprint"`
	// Device name (e.g., "Botster CLI").
	Name string `json:"name"`
	// Server-assigned device ID (set after registration).
	DeviceID *int64 `json:"device_id,omitempty"`
}

// Device represents the runtime device identity with parsed keys.
type Device struct {
	// Ed25519 private key for signing.
	SigningKey ed25519.PrivateKey
	// Ed25519 public key.
	VerifyingKey ed25519.PublicKey
	// Human-readable fingerprint for verification.
	Fingerprint string
	// Device name.
	Name string
	// Server-assigned device ID after registration.
	DeviceID *int64
	// Path to the device config file.
	configPath string

	mu sync.RWMutex
}

// LoadOrCreate loads existing device or creates a new one.
func LoadOrCreate() (*Device, error) {
	return LoadOrCreateWithPath("")
}

// LoadOrCreateWithPath loads existing device or creates a new one at the specified config directory.
func LoadOrCreateWithPath(configDir string) (*Device, error) {
	configPath, err := getConfigPath(configDir)
	if err != nil {
		return nil, err
	}

	creds, err := credentials.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open credentials store: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		return loadFromFile(configPath, creds)
	}

	return createNew(configPath, creds)
}

// getConfigPath returns the device config file path.
func getConfigPath(configDir string) (string, error) {
	if configDir == "" {
		configDir = os.Getenv("BOTSTER_CONFIG_DIR")
	}

	if configDir == "" {
		dir, err := config.ConfigDir()
		if err != nil {
			return "", err
		}
		configDir = dir
	}

	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	return filepath.Join(configDir, "device.json"), nil
}

// loadFromFile loads device from config file, pulling the signing key
// out of the consolidated credentials store.
func loadFromFile(path string, creds *credentials.Store) (*Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read device config: %w", err)
	}

	var stored StoredDevice
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to parse device config: %w", err)
	}

	secrets, err := creds.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	if secrets.SigningKey == "" {
		return nil, fmt.Errorf("signing key not found. Device may need to be recreated")
	}

	seed, err := base64.StdEncoding.DecodeString(secrets.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("invalid signing key encoding in credentials store: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid signing key length in credentials store: got %d, want %d", len(seed), ed25519.SeedSize)
	}
	signingKey := ed25519.NewKeyFromSeed(seed)
	verifyingKey := signingKey.Public().(ed25519.PublicKey)

	// The credentials store is the source of truth for which key this
	// is; device.json carries a display copy that can go stale if the
	// two backends ever disagree (e.g. keyring and file both populated
	// by different builds).
	fingerprint := stored.Fingerprint
	if secrets.Fingerprint != "" {
		fingerprint = secrets.Fingerprint
	}

	return &Device{
		SigningKey:   signingKey,
		VerifyingKey: verifyingKey,
		Fingerprint:  fingerprint,
		Name:         stored.Name,
		DeviceID:     stored.DeviceID,
		configPath:   path,
	}, nil
}

// createNew creates a new device with fresh keypair.
func createNew(path string, creds *credentials.Store) (*Device, error) {
	// Generate Ed25519 keypair
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}

	// Compute fingerprint from public key
	fingerprint := ComputeFingerprint(publicKey)
	name := defaultName()

	// Store the signing key + fingerprint in the consolidated
	// credentials store, preserving any api_token/mcp_token already
	// saved there.
	secrets, err := creds.Load()
	if err != nil {
		secrets = &credentials.Credentials{}
	}
	secrets.SigningKey = base64.StdEncoding.EncodeToString(privateKey.Seed())
	secrets.Fingerprint = fingerprint
	if err := creds.Save(secrets); err != nil {
		return nil, fmt.Errorf("failed to store signing key: %w", err)
	}

	// Store only public info in file
	stored := StoredDevice{
		VerifyingKey: base64.StdEncoding.EncodeToString(publicKey),
		Fingerprint:  fingerprint,
		Name:         name,
	}

	content, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize device config: %w", err)
	}

	if err := os.WriteFile(path, content, 0600); err != nil {
		return nil, fmt.Errorf("failed to write device config: %w", err)
	}

	return &Device{
		SigningKey:   privateKey,
		VerifyingKey: publicKey,
		Fingerprint:  fingerprint,
		Name:         name,
		configPath:   path,
	}, nil
}

// ComputeFingerprint computes fingerprint from public key.
// The fingerprint is first 8 bytes of SHA256(public_key) as hex with colons.
func ComputeFingerprint(publicKey ed25519.PublicKey) string {
	hash := sha256.Sum256(publicKey)
	parts := make([]string, 8)
	for i := 0; i < 8; i++ {
		parts[i] = fmt.Sprintf("%02x", hash[i])
	}
	return strings.Join(parts, ":")
}

// defaultName generates default device name based on hostname.
func defaultName() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "Botster CLI"
	}
	return fmt.Sprintf("Botster CLI (%s)", hostname)
}

// VerifyingKeyBase64 returns the verifying key as base64 string.
func (d *Device) VerifyingKeyBase64() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return base64.StdEncoding.EncodeToString(d.VerifyingKey)
}

// Save saves the device's public info to device.json. The signing key
// is not touched here; see internal/credentials for that.
func (d *Device) Save() error {
	d.mu.RLock()
	stored := StoredDevice{
		VerifyingKey: base64.StdEncoding.EncodeToString(d.VerifyingKey),
		Fingerprint:  d.Fingerprint,
		Name:         d.Name,
		DeviceID:     d.DeviceID,
	}
	path := d.configPath
	d.mu.RUnlock()

	content, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize device config: %w", err)
	}

	if err := os.WriteFile(path, content, 0600); err != nil {
		return fmt.Errorf("failed to write device config: %w", err)
	}

	return nil
}

// SetDeviceID updates the device ID after server registration.
func (d *Device) SetDeviceID(id int64) error {
	d.mu.Lock()
	d.DeviceID = &id
	d.mu.Unlock()
	return d.Save()
}

// ClearDeviceID clears stale device ID (e.g., after database reset).
func (d *Device) ClearDeviceID() error {
	d.mu.Lock()
	if d.DeviceID == nil {
		d.mu.Unlock()
		return nil
	}
	d.DeviceID = nil
	d.mu.Unlock()
	return d.Save()
}

// GetDeviceID returns the current device ID.
func (d *Device) GetDeviceID() *int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.DeviceID
}

// GetFingerprint returns the device fingerprint.
func (d *Device) GetFingerprint() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.Fingerprint
}

// GetName returns the device name.
func (d *Device) GetName() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.Name
}

// Sign signs data using the device's signing key.
func (d *Device) Sign(data []byte) []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return ed25519.Sign(d.SigningKey, data)
}

// Verify verifies a signature using the device's public key.
func (d *Device) Verify(data, signature []byte) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return ed25519.Verify(d.VerifyingKey, data, signature)
}
