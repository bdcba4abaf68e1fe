// Package identity owns the parent's stable UUID and RSA keypair.
//
// The identity is created once on first run and persisted under a directory:
// identity.json holds the UUID, parent_key.pem the PKCS#8 private key (0600)
// and parent_pub.pem the PKIX public key. It is never rotated automatically.
// Corrupt or unreadable key material is replaced by a brand new identity and
// logged as a warning, so callers must tolerate the UUID changing.
package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultKeyBits = 4096

	metaFileName    = "identity.json"
	keyFileName     = "parent_key.pem"
	pubKeyFileName  = "parent_pub.pem"
	dirPerms        = 0o700
	privateKeyPerms = 0o600
	publicKeyPerms  = 0o644
)

var ErrNoIdentity = errors.New("identity not present")

type Identity struct {
	UUID      string
	CreatedAt time.Time

	privateKey *rsa.PrivateKey
}

func (i *Identity) PublicKey() *rsa.PublicKey {
	return &i.privateKey.PublicKey
}

// PublicKeyPEM returns the PKIX public key in PEM form.
func (i *Identity) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(i.PublicKey())
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// Fingerprint is the hex SHA-256 of the DER public key.
func (i *Identity) Fingerprint() string {
	der, err := x509.MarshalPKIXPublicKey(i.PublicKey())
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

type metadata struct {
	UUID      string    `json:"uuid"`
	CreatedAt time.Time `json:"created_at"`
}

// Store loads and persists the identity under a directory.
type Store struct {
	dir     string
	keyBits int

	mu      sync.Mutex
	current *Identity
}

func NewStore(dir string, keyBits int) *Store {
	if keyBits <= 0 {
		keyBits = DefaultKeyBits
	}
	return &Store{dir: dir, keyBits: keyBits}
}

func (s *Store) Dir() string { return s.dir }

// GetOrCreate returns the persisted identity, generating it on first use.
// Subsequent calls return the same identity.
func (s *Store) GetOrCreate() (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		return s.current, nil
	}

	id, err := s.load()
	switch {
	case err == nil:
		slog.Info("Loaded parent identity", "uuid", id.UUID, "dir", s.dir)
		s.current = id
		return id, nil
	case errors.Is(err, ErrNoIdentity):
		slog.Info("Parent identity not found, generating new identity", "dir", s.dir)
	default:
		slog.Warn("Parent identity is unreadable, generating a new identity; existing agent configs will stop verifying",
			"dir", s.dir, "error", err)
	}

	id, err = s.generate()
	if err != nil {
		return nil, err
	}
	s.current = id
	return id, nil
}

// Regenerate replaces the identity unconditionally. Every bundle signed by
// the previous key stops verifying.
func (s *Store) Regenerate() (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slog.Warn("Regenerating parent identity", "dir", s.dir)
	id, err := s.generate()
	if err != nil {
		return nil, err
	}
	s.current = id
	return id, nil
}

func (s *Store) load() (*Identity, error) {
	metaPath := filepath.Join(s.dir, metaFileName)
	keyPath := filepath.Join(s.dir, keyFileName)

	if !fileExists(metaPath) && !fileExists(keyPath) {
		return nil, ErrNoIdentity
	}

	metaBytes, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity metadata: %w", err)
	}
	var meta metadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode identity metadata: %w", err)
	}
	if _, err := uuid.Parse(meta.UUID); err != nil {
		return nil, fmt.Errorf("identity metadata has invalid uuid: %w", err)
	}

	key, err := loadPrivateKey(keyPath)
	if err != nil {
		return nil, err
	}

	return &Identity{UUID: meta.UUID, CreatedAt: meta.CreatedAt, privateKey: key}, nil
}

func (s *Store) generate() (*Identity, error) {
	key, err := rsa.GenerateKey(rand.Reader, s.keyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity key: %w", err)
	}

	id := &Identity{
		UUID:       uuid.NewString(),
		CreatedAt:  time.Now().UTC(),
		privateKey: key,
	}

	if err := os.MkdirAll(s.dir, dirPerms); err != nil {
		return nil, fmt.Errorf("failed to create identity directory: %w", err)
	}
	if err := writePrivateKey(key, filepath.Join(s.dir, keyFileName)); err != nil {
		return nil, err
	}
	if err := writePublicKey(&key.PublicKey, filepath.Join(s.dir, pubKeyFileName)); err != nil {
		return nil, err
	}

	metaBytes, err := json.MarshalIndent(metadata{UUID: id.UUID, CreatedAt: id.CreatedAt}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode identity metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, metaFileName), metaBytes, publicKeyPerms); err != nil {
		return nil, fmt.Errorf("failed to write identity metadata: %w", err)
	}

	slog.Info("Generated parent identity", "uuid", id.UUID, "dir", s.dir, "key_bits", s.keyBits)
	return id, nil
}
