// Package cache keeps the last configuration document the agent received,
// encrypted at rest, so the agent can keep operating while the control
// plane is unreachable.
package cache

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"filippo.io/age"
	"github.com/zeebo/blake3"

	"github.com/lamassuiot/rfid-sync/pkg/models/configuration"
	"github.com/lamassuiot/rfid-sync/pkg/models/device"
)

// DefaultWorkFactor is the scrypt cost (log2 N) used to seal the cache.
const DefaultWorkFactor = 15

const keyContext = "rfid-sync 2024-03-01 agent configuration cache key"

var ErrNoCache = errors.New("no cached configuration")

// Snapshot is a resolved document together with the time it was fetched.
type Snapshot struct {
	Document  configuration.Document `json:"document"`
	FetchedAt time.Time              `json:"fetched_at"`
}

func (s Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.FetchedAt)
}

// Stale reports whether the snapshot is older than the document's own
// cache_ttl.
func (s Snapshot) Stale(now time.Time) bool {
	return s.Age(now) > s.Document.CacheTTLDuration()
}

type Cache struct {
	path       string
	passphrase string
	workFactor int
}

// New returns a cache stored at path. The encryption passphrase is derived
// from the device identity, its fingerprint and an optional local secret,
// so nothing secret has to be persisted next to the file.
func New(path string, deviceID string, fingerprint string, secret string, workFactor int) *Cache {
	if workFactor <= 0 {
		workFactor = DefaultWorkFactor
	}
	material := []byte(deviceID + "\x00" + device.NormalizeFingerprint(fingerprint) + "\x00" + secret)
	key := make([]byte, 32)
	blake3.DeriveKey(keyContext, material, key)
	return &Cache{
		path:       path,
		passphrase: hex.EncodeToString(key),
		workFactor: workFactor,
	}
}

func (c *Cache) Path() string {
	return c.path
}

func (c *Cache) Save(s Snapshot) error {
	plaintext, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding cached configuration: %w", err)
	}
	recipient, err := age.NewScryptRecipient(c.passphrase)
	if err != nil {
		return fmt.Errorf("creating cache recipient: %w", err)
	}
	recipient.SetWorkFactor(c.workFactor)

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipient)
	if err != nil {
		return fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalizing age encryption: %w", err)
	}
	return writeFileAtomic(c.path, ciphertext.Bytes())
}

func (c *Cache) Load() (Snapshot, error) {
	ciphertext, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, ErrNoCache
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading cached configuration: %w", err)
	}
	identity, err := age.NewScryptIdentity(c.passphrase)
	if err != nil {
		return Snapshot{}, fmt.Errorf("creating cache identity: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return Snapshot{}, fmt.Errorf("decrypting cached configuration: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading decrypted configuration: %w", err)
	}
	var s Snapshot
	if err := json.Unmarshal(plaintext, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decoding cached configuration: %w", err)
	}
	return s, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	file, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temporary cache file: %w", err)
	}
	temporaryPath := file.Name()
	if err := file.Chmod(0600); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("restricting temporary cache file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary cache file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary cache file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary cache file: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming cache file into place: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
