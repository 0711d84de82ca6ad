package tokenkeeper

import (
	"context"
	"fmt"
	"sync"
)

// DefaultStorageKey is the key under which the access token is persisted
const DefaultStorageKey = "accessToken"

// Storage is durable key/value storage for the access token.
// Implementations live in the stores/ packages.
type Storage interface {
	// Load returns the stored value for key.
	// Returns "", nil if nothing is stored under key.
	Load(ctx context.Context, key string) (string, error)

	// Save stores value under key, replacing any previous value
	Save(ctx context.Context, key, value string) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// MemoryStorage is a process-local Storage. Values do not survive a restart.
type MemoryStorage struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: make(map[string]string)}
}

func (m *MemoryStorage) Load(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.values[key], nil
}

func (m *MemoryStorage) Save(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryStorage) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// CredentialStore holds the current Credential in memory and mirrors the raw
// token into Storage. Only the session's coordinator, teardown handler and
// SetCredential write to it.
type CredentialStore struct {
	mu      sync.RWMutex
	storage Storage
	key     string
	cred    *Credential
}

// NewCredentialStore creates a store persisting under key.
// An empty key means DefaultStorageKey.
func NewCredentialStore(storage Storage, key string) *CredentialStore {
	if storage == nil {
		storage = NewMemoryStorage()
	}
	if key == "" {
		key = DefaultStorageKey
	}
	return &CredentialStore{storage: storage, key: key}
}

// Get returns the current credential or nil. It never touches storage.
func (s *CredentialStore) Get() *Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred
}

// Set parses token, caches it and persists it. The cached value is updated
// even if persisting fails; the returned credential is never nil.
//
// If the expiry claim cannot be decoded the token is still stored, with a zero
// expiry so that it counts as already expired, and a *MalformedTokenError is
// returned alongside the credential.
func (s *CredentialStore) Set(ctx context.Context, token string) (*Credential, error) {
	cred, parseErr := ParseCredential(token)
	if parseErr != nil {
		cred = &Credential{Token: token}
	}

	s.mu.Lock()
	s.cred = cred
	s.mu.Unlock()

	if err := s.storage.Save(ctx, s.key, token); err != nil {
		return cred, fmt.Errorf("failed to persist credential: %w", err)
	}
	return cred, parseErr
}

// Clear forgets the credential and removes it from storage.
// The in-memory value is dropped even if storage fails.
func (s *CredentialStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.cred = nil
	s.mu.Unlock()

	if err := s.storage.Delete(ctx, s.key); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// Load restores the credential persisted by a previous process.
// Returns nil, nil if nothing was stored. A malformed stored token is loaded
// as expired and reported with a *MalformedTokenError.
func (s *CredentialStore) Load(ctx context.Context) (*Credential, error) {
	token, err := s.storage.Load(ctx, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	if token == "" {
		return nil, nil
	}

	cred, parseErr := ParseCredential(token)
	if parseErr != nil {
		cred = &Credential{Token: token}
	}

	s.mu.Lock()
	s.cred = cred
	s.mu.Unlock()

	return cred, parseErr
}
