package secrets

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"filippo.io/age"
)

// Store is the credential contract consumed by the provider registry:
// save, read, and delete secrets by a caller-chosen reference string.
// Implementations back an OS-keychain-equivalent with per-item encryption.
type Store interface {
	Save(ref, secret string) error
	Read(ref string) (string, error)
	Delete(ref string) error
}

// FileStore is a Store backed by a single age-encrypted JSON map on disk.
// Every value is individually age-encrypted before the map is serialized,
// so the file on disk never holds plaintext even though it is a single
// shared document, matching a keychain's per-item access semantics closely
// enough for a local single-user desktop app.
type FileStore struct {
	mu       sync.Mutex
	path     string
	identity *age.X25519Identity
}

// NewFileStore opens (or creates) the identity at identityPath and returns a
// FileStore persisting entries to storePath.
func NewFileStore(identityPath, storePath string) (*FileStore, error) {
	if err := GenerateIdentity(identityPath); err != nil {
		return nil, fmt.Errorf("secrets: %w", err)
	}
	identity, err := LoadIdentity(identityPath)
	if err != nil {
		return nil, fmt.Errorf("secrets: %w", err)
	}
	return &FileStore{path: storePath, identity: identity}, nil
}

func (s *FileStore) Save(ref, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	blob, err := Encrypt(secret, s.identity.Recipient())
	if err != nil {
		return fmt.Errorf("secrets: encrypt %s: %w", ref, err)
	}
	entries[ref] = blob
	return s.persist(entries)
}

func (s *FileStore) Read(ref string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return "", err
	}
	blob, ok := entries[ref]
	if !ok {
		return "", fmt.Errorf("secrets: no entry for ref %q", ref)
	}
	return Decrypt(blob, s.identity)
}

func (s *FileStore) Delete(ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load()
	if err != nil {
		return err
	}
	delete(entries, ref)
	return s.persist(entries)
}

func (s *FileStore) load() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("secrets: read store: %w", err)
	}
	var entries map[string]string
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("secrets: decode store: %w", err)
	}
	return entries, nil
}

func (s *FileStore) persist(entries map[string]string) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("secrets: encode store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("secrets: create store directory: %w", err)
	}
	return os.WriteFile(s.path, data, 0o600)
}
