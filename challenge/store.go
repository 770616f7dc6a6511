// Package challenge issues and consumes attestation nonces.
//
// A nonce is sent to the device with the attestation request and must come
// back inside the signed attestation elements. Consuming it on use binds
// each attestation response to a single request and prevents replay.
package challenge

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// NonceSize is the length of an attestation nonce.
const NonceSize = 32

// ErrInvalidNonceLength is returned for nonces that are not NonceSize bytes.
var ErrInvalidNonceLength = errors.New("invalid attestation nonce length")

// CheckNonce rejects nonces that are not exactly NonceSize bytes long.
func CheckNonce(nonce []byte) error {
	if len(nonce) != NonceSize {
		return fmt.Errorf("%w: %d bytes, want %d", ErrInvalidNonceLength, len(nonce), NonceSize)
	}
	return nil
}

// Store manages attestation nonces with automatic expiration.
type Store interface {
	// Generate creates a new nonce for the given identifier, replacing any
	// outstanding one. The identifier is typically a commissioning session ID.
	Generate(identifier string) ([]byte, error)

	// Validate checks if the nonce is valid and consumes it.
	// Returns true only if the nonce exists, matches, and hasn't expired.
	Validate(identifier string, nonce []byte) bool

	// Close stops background cleanup routines.
	Close()
}

// Config holds configuration for the nonce store.
type Config struct {
	// Timeout is how long nonces remain valid (default: 5 minutes).
	Timeout time.Duration

	// CleanupInterval is how often expired nonces are removed (default: 1 minute).
	CleanupInterval time.Duration

	// Clock drives expiry (default: the system clock).
	Clock clock.WithTicker
}

type nonceEntry struct {
	nonce     []byte
	expiresAt time.Time
}

// MemoryStore is an in-memory implementation of Store.
// Suitable for single-instance deployments. For distributed systems,
// use the Redis-backed store.
type MemoryStore struct {
	mu      sync.RWMutex
	store   map[string]nonceEntry
	timeout time.Duration
	clock   clock.WithTicker
	closeCh chan struct{}
	doneCh  chan struct{}
	closed  bool
}

// NewMemoryStore creates a new in-memory nonce store.
func NewMemoryStore(cfg Config) *MemoryStore {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}

	cleanupInterval := cfg.CleanupInterval
	if cleanupInterval == 0 {
		cleanupInterval = time.Minute
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	s := &MemoryStore{
		store:   make(map[string]nonceEntry),
		timeout: timeout,
		clock:   clk,
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	ticker := clk.NewTicker(cleanupInterval)
	go s.cleanupLoop(ticker)

	return s
}

// Generate creates a cryptographically secure random nonce.
func (s *MemoryStore) Generate(identifier string) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.store[identifier] = nonceEntry{
		nonce:     nonce,
		expiresAt: s.clock.Now().Add(s.timeout),
	}
	s.mu.Unlock()

	return append([]byte(nil), nonce...), nil
}

// Validate checks if the nonce matches and hasn't expired.
// The nonce is consumed only on successful validation.
func (s *MemoryStore) Validate(identifier string, nonce []byte) bool {
	if CheckNonce(nonce) != nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.store[identifier]
	if !exists {
		return false
	}

	if s.clock.Now().After(entry.expiresAt) {
		delete(s.store, identifier)
		return false
	}

	if subtle.ConstantTimeCompare(entry.nonce, nonce) != 1 {
		return false
	}

	delete(s.store, identifier)
	return true
}

// Close stops the background cleanup goroutine and waits for it to exit.
func (s *MemoryStore) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.closeCh)
	<-s.doneCh
}

func (s *MemoryStore) cleanupLoop(ticker clock.Ticker) {
	defer close(s.doneCh)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			s.cleanup()
		case <-s.closeCh:
			return
		}
	}
}

func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for identifier, entry := range s.store {
		if now.After(entry.expiresAt) {
			delete(s.store, identifier)
		}
	}
}

// Len returns the number of outstanding nonces (for testing/monitoring).
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.store)
}
