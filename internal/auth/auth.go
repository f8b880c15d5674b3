// Package auth resolves bearer credentials for provider profiles. The
// gateway receives a TokenResolver; it never reads credentials from the
// environment itself.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrMissingAuth marks an auth profile with no usable credential.
var ErrMissingAuth = errors.New("missing_auth")

// TokenResolver resolves an auth profile id to a bearer token.
type TokenResolver interface {
	Resolve(ctx context.Context, authProfileID string) (string, error)
}

// ResolverFunc adapts a function to TokenResolver.
type ResolverFunc func(ctx context.Context, authProfileID string) (string, error)

func (f ResolverFunc) Resolve(ctx context.Context, authProfileID string) (string, error) {
	return f(ctx, authProfileID)
}

// Static resolves from an in-memory map. Used by tests and by hosts that
// manage credentials themselves.
type Static map[string]string

func (s Static) Resolve(_ context.Context, authProfileID string) (string, error) {
	if tok, ok := s[authProfileID]; ok && tok != "" {
		return tok, nil
	}
	return "", fmt.Errorf("auth profile %q: %w", authProfileID, ErrMissingAuth)
}

type storeFile struct {
	Profiles map[string]storeProfile `json:"profiles"`
}

type storeProfile struct {
	Bearer string `json:"bearer"`
}

// FileStore is a TokenResolver backed by a JSON file:
//
//	{"profiles": {"anthropic-main": {"bearer": "sk-..."}}}
//
// The file is re-read lazily on each miss so rotated tokens are picked up
// without a restart.
type FileStore struct {
	path string

	mu     sync.RWMutex
	tokens map[string]string
}

// NewFileStore opens the store at path. A missing file is an empty store.
func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path}
	if err := fs.reload(); err != nil {
		return nil, err
	}
	return fs, nil
}

// Resolve implements TokenResolver.
func (fs *FileStore) Resolve(_ context.Context, authProfileID string) (string, error) {
	fs.mu.RLock()
	tok := fs.tokens[authProfileID]
	fs.mu.RUnlock()
	if tok != "" {
		return tok, nil
	}
	if err := fs.reload(); err != nil {
		return "", fmt.Errorf("auth profile %q: %w", authProfileID, ErrMissingAuth)
	}
	fs.mu.RLock()
	tok = fs.tokens[authProfileID]
	fs.mu.RUnlock()
	if tok == "" {
		return "", fmt.Errorf("auth profile %q: %w", authProfileID, ErrMissingAuth)
	}
	return tok, nil
}

// Put writes or replaces one profile's bearer token and persists the store.
func (fs *FileStore) Put(authProfileID, bearer string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.tokens == nil {
		fs.tokens = map[string]string{}
	}
	fs.tokens[authProfileID] = bearer

	out := storeFile{Profiles: map[string]storeProfile{}}
	for id, tok := range fs.tokens {
		out.Profiles[id] = storeProfile{Bearer: tok}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fs.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(fs.path, data, 0o600)
}

func (fs *FileStore) reload() error {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			fs.mu.Lock()
			fs.tokens = map[string]string{}
			fs.mu.Unlock()
			return nil
		}
		return err
	}
	var raw storeFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse auth store: %w", err)
	}
	tokens := make(map[string]string, len(raw.Profiles))
	for id, p := range raw.Profiles {
		tokens[id] = p.Bearer
	}
	fs.mu.Lock()
	fs.tokens = tokens
	fs.mu.Unlock()
	return nil
}
