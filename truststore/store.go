// Package truststore holds the trust anchors that sign Certification
// Declarations, keyed by subject key identifier.
//
// These anchors are unrelated to the device PKI. A store is loaded once and
// then shared read-only across concurrent verifications.
package truststore

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"

	"github.com/kacy/dac-attestation/cert"
)

// Store looks up trust anchor public keys.
// Implementations must be safe for concurrent use.
type Store interface {
	// Lookup returns the public key for a subject key identifier, or
	// ErrKeyNotFound.
	Lookup(ctx context.Context, skid []byte) (crypto.PublicKey, error)
}

// Common errors.
var (
	ErrKeyNotFound   = errors.New("trust anchor not found")
	ErrNoSubjectKey  = errors.New("certificate has no subject key identifier")
	ErrUnsupportedPK = errors.New("trust anchor key is not ECDSA")
)

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]crypto.PublicKey
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys: make(map[string]crypto.PublicKey),
	}
}

// Add registers a public key under a subject key identifier, replacing any
// key already stored for it.
func (s *MemoryStore) Add(skid []byte, pub crypto.PublicKey) error {
	if len(skid) == 0 {
		return ErrNoSubjectKey
	}
	if _, ok := pub.(*ecdsa.PublicKey); !ok {
		return fmt.Errorf("%w: %T", ErrUnsupportedPK, pub)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[hex.EncodeToString(skid)] = pub
	return nil
}

// AddCertificate registers the key of a DER or PEM encoded certificate
// under its subject key identifier and returns that identifier.
func (s *MemoryStore) AddCertificate(data []byte) ([]byte, error) {
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}
	c, err := cert.Parse(data)
	if err != nil {
		return nil, err
	}
	if len(c.SubjectKeyID) == 0 {
		return nil, ErrNoSubjectKey
	}
	if err := s.Add(c.SubjectKeyID, c.PublicKey); err != nil {
		return nil, err
	}
	return c.SubjectKeyID, nil
}

// Lookup returns the public key for a subject key identifier.
func (s *MemoryStore) Lookup(_ context.Context, skid []byte) (crypto.PublicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pub, ok := s.keys[hex.EncodeToString(skid)]
	if !ok {
		return nil, fmt.Errorf("%w: %X", ErrKeyNotFound, skid)
	}
	return pub, nil
}

// Len returns the number of stored trust anchors.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}
