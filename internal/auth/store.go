// Package auth guards the bridge's own HTTP API. Callers present a
// pre-configured API key; the OAuth install flow is protected by
// single-use state values. All state is in-memory.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"sync"
	"time"

	"github.com/alexjbarnes/ghl-bridge/internal/models"
)

const (
	// stateExpiry controls how long an OAuth state value remains valid.
	// GHL's chooselocation screen can take a while, so this is longer
	// than a plain form CSRF token would need.
	stateExpiry = 15 * time.Minute

	// maxPendingStates caps outstanding state values so unauthenticated
	// /api/oauth/authorize requests cannot grow the map without bound.
	maxPendingStates = 1000

	// cleanupInterval controls how often expired entries are reaped.
	cleanupInterval = 5 * time.Minute
)

// PendingInstall is the context stored alongside an OAuth state value.
type PendingInstall struct {
	UserType  models.AuthClass
	ExpiresAt time.Time
}

// Store holds API key hashes and pending OAuth state values.
type Store struct {
	mu      sync.RWMutex
	apiKeys map[string]string // sha256(key) -> user ID
	states  map[string]PendingInstall
	stopGC  chan struct{}
	now     func() time.Time
}

// NewStore creates an empty store and starts a background goroutine
// that periodically removes expired state values. Call Stop() to clean
// up the goroutine.
func NewStore() *Store {
	s := &Store{
		apiKeys: make(map[string]string),
		states:  make(map[string]PendingInstall),
		stopGC:  make(chan struct{}),
		now:     time.Now,
	}
	go s.gcLoop()
	return s
}

// Stop terminates the background cleanup goroutine.
func (s *Store) Stop() {
	close(s.stopGC)
}

func (s *Store) gcLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopGC:
			return
		}
	}
}

func (s *Store) cleanup() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, p := range s.states {
		if now.After(p.ExpiresAt) {
			delete(s.states, k)
		}
	}
}

// RegisterAPIKey adds a key for userID. Only the SHA-256 hash is kept.
func (s *Store) RegisterAPIKey(userID, key string) {
	s.mu.Lock()
	s.apiKeys[HashKey(key)] = userID
	s.mu.Unlock()
}

// ValidateAPIKey returns the user ID owning key, or "" if unknown.
func (s *Store) ValidateAPIKey(key string) string {
	if key == "" {
		return ""
	}

	h := HashKey(key)

	s.mu.RLock()
	defer s.mu.RUnlock()

	for stored, userID := range s.apiKeys {
		if subtle.ConstantTimeCompare([]byte(stored), []byte(h)) == 1 {
			return userID
		}
	}

	return ""
}

// APIKeyCount returns the number of registered keys.
func (s *Store) APIKeyCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.apiKeys)
}

// NewState creates a single-use OAuth state value bound to userType.
// Returns "" when too many installs are pending.
func (s *Store) NewState(userType models.AuthClass) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.states) >= maxPendingStates {
		return ""
	}

	state := RandomHex(16)
	s.states[state] = PendingInstall{
		UserType:  userType,
		ExpiresAt: s.now().Add(stateExpiry),
	}

	return state
}

// ConsumeState retrieves and deletes a state value.
// Returns false if the value is not found, empty, or expired.
func (s *Store) ConsumeState(state string) (PendingInstall, bool) {
	if state == "" {
		return PendingInstall{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.states[state]
	if !ok {
		return PendingInstall{}, false
	}
	delete(s.states, state)

	if s.now().After(p.ExpiresAt) {
		return PendingInstall{}, false
	}

	return p, true
}

// HashKey returns the hex SHA-256 digest of an API key.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
