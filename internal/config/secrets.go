package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

const (
	secretLLMAPIKey = "llm_api_key"
	secretAPIToken  = "api_token"
)

// ErrSecretNotFound is returned when a secret is absent from the store.
var ErrSecretNotFound = errors.New("secret not found")

func secretsFilePath() string {
	return filepath.Join(defaultDataDir(), "secrets.json")
}

// SecretStore keeps secrets in a flat JSON object readable only by the
// owner.
type SecretStore struct {
	mu   sync.Mutex
	path string
}

func newSecretStore(path string) *SecretStore {
	return &SecretStore{path: path}
}

// NewSecretStore returns the store backed by the default secrets file.
func NewSecretStore() *SecretStore {
	return newSecretStore(secretsFilePath())
}

func (s *SecretStore) read() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	secrets := map[string]string{}
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

func (s *SecretStore) Get(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	secrets, err := s.read()
	if err != nil {
		return "", err
	}
	v, ok := secrets[name]
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return v, nil
}

func (s *SecretStore) Set(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	secrets, err := s.read()
	if err != nil {
		return err
	}
	secrets[name] = value

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, out, 0o600)
}

// secretStore is what GetAPIToken needs from a SecretStore.
type secretStore interface {
	secretReader
	Set(name, value string) error
}

// GetAPIToken returns the bearer token guarding the HTTP API. The
// ERRAND_API_TOKEN environment variable wins; otherwise a token is read
// from the store, and generated on first use.
func GetAPIToken(store secretStore) (string, error) {
	if tok := os.Getenv("ERRAND_API_TOKEN"); tok != "" {
		return tok, nil
	}
	tok, err := store.Get(secretAPIToken)
	if err == nil {
		return tok, nil
	}
	if !errors.Is(err, ErrSecretNotFound) {
		return "", err
	}
	tok = uuid.NewString()
	if err := store.Set(secretAPIToken, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}
