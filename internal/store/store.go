// Package store implements C1: the three on-disk documents bondctl reads
// and writes (setup, config, auth tokens), plus the runtime files the
// streaming supervisor hands to the encoder/bonder. All writes are
// whole-file replacements, matching spec.md §5's "the only coordination
// primitive is the hangup signal" invariant: nothing here does partial
// updates that a concurrently-reading child could observe half-written.
//
// The filesystem is reached only through afero.Fs, the same seam
// ap.networkd_test.go, ap.wifid/radius_test.go and
// ap.userauthd_test.go use to swap in an in-memory filesystem for tests.
package store

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/skyforge-av/bondctl/internal/proto"
)

// Store owns the setup/config/token documents and the small runtime files
// derived from config (bitrate, uplink IPs).
type Store struct {
	fs afero.Fs

	setupPath  string
	configPath string
	tokensPath string

	mu     sync.RWMutex
	setup  proto.Setup
	config proto.Config
}

// New loads setup and config from disk. Setup must already exist (it is
// provisioned, not created, by bondctl); config is created with zero
// values if absent.
func New(fs afero.Fs, setupPath, configPath, tokensPath string) (*Store, error) {
	s := &Store{
		fs:         fs,
		setupPath:  setupPath,
		configPath: configPath,
		tokensPath: tokensPath,
	}

	if err := readJSON(fs, setupPath, &s.setup); err != nil {
		return nil, errors.Wrap(err, "load setup")
	}

	if exists, _ := afero.Exists(fs, configPath); exists {
		if err := readJSON(fs, configPath, &s.config); err != nil {
			return nil, errors.Wrap(err, "load config")
		}
	}

	return s, nil
}

// Setup returns the read-only setup document.
func (s *Store) Setup() proto.Setup {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.setup
}

// Config returns a copy of the current config, including secrets. Callers
// broadcasting to clients must call .Public() on the result.
func (s *Store) Config() proto.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// UpdateConfig applies mutate to the in-memory config under lock and
// persists the result as a whole-file replacement.
func (s *Store) UpdateConfig(mutate func(*proto.Config)) (proto.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.config
	mutate(&next)

	if err := writeJSON(s.fs, s.configPath, &next); err != nil {
		return s.config, errors.Wrap(err, "persist config")
	}
	s.config = next
	return s.config, nil
}

// Tokens is the persistent auth-token set (C7): an on-disk set of opaque
// 256-bit strings, represented as a JSON object mapping token -> true to
// match spec.md §6.
type Tokens struct {
	fs   afero.Fs
	path string

	mu  sync.Mutex
	set map[string]bool
}

// LoadTokens reads the persistent token set from disk, treating a missing
// file as an empty set.
func LoadTokens(fs afero.Fs, path string) (*Tokens, error) {
	t := &Tokens{fs: fs, path: path, set: make(map[string]bool)}
	if exists, _ := afero.Exists(fs, path); exists {
		if err := readJSON(fs, path, &t.set); err != nil {
			return nil, errors.Wrap(err, "load auth tokens")
		}
	}
	return t, nil
}

// Has reports whether token is a member of the persistent set.
func (t *Tokens) Has(token string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.set[token]
}

// Add inserts token into the persistent set and persists it.
func (t *Tokens) Add(token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.set[token] = true
	return writeJSON(t.fs, t.path, t.set)
}

// Remove deletes token from the persistent set, persisting the result. It
// is a no-op (no error) if the token wasn't present.
func (t *Tokens) Remove(token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.set[token] {
		return nil
	}
	delete(t.set, token)
	return writeJSON(t.fs, t.path, t.set)
}

func readJSON(fs afero.Fs, path string, v interface{}) error {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func writeJSON(fs afero.Fs, path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal")
	}
	return afero.WriteFile(fs, path, data, 0o600)
}
