package redis

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/kacy/dac-attestation/challenge"
)

// NonceStoreConfig holds configuration for the Redis nonce store.
type NonceStoreConfig struct {
	// Client is the Redis client (required).
	Client Cmdable

	// KeyPrefix is prepended to all Redis keys (default: "attest:nonce:").
	KeyPrefix string

	// Timeout is how long nonces remain valid (default: 5 minutes).
	Timeout time.Duration
}

// NonceStore is a Redis-backed implementation of challenge.Store.
// Suitable for distributed deployments where multiple server instances
// need to share nonce state.
type NonceStore struct {
	client    Cmdable
	keyPrefix string
	timeout   time.Duration
}

var _ challenge.Store = (*NonceStore)(nil)

// NewNonceStore creates a new Redis-backed nonce store.
func NewNonceStore(cfg NonceStoreConfig) (*NonceStore, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "attest:nonce:"
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}

	return &NonceStore{
		client:    cfg.Client,
		keyPrefix: keyPrefix,
		timeout:   timeout,
	}, nil
}

// Generate creates a new nonce for the given identifier.
func (s *NonceStore) Generate(identifier string) ([]byte, error) {
	nonce := make([]byte, challenge.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}

	// Store with expiration - overwrites any existing nonce
	ctx := context.Background()
	if err := s.client.Set(ctx, s.keyPrefix+identifier, nonce, s.timeout).Err(); err != nil {
		return nil, fmt.Errorf("failed to store nonce: %w", err)
	}

	return nonce, nil
}

// Validate checks if the nonce is valid and consumes it.
// Returns true only if the nonce exists, matches, and hasn't expired.
// When instances race on the same nonce only the one whose delete
// succeeds accepts it.
func (s *NonceStore) Validate(identifier string, nonce []byte) bool {
	if challenge.CheckNonce(nonce) != nil {
		return false
	}

	redisKey := s.keyPrefix + identifier
	ctx := context.Background()

	stored, err := s.client.Get(ctx, redisKey).Result()
	if err != nil {
		return false
	}

	if subtle.ConstantTimeCompare([]byte(stored), nonce) != 1 {
		return false
	}

	n, err := s.client.Del(ctx, redisKey).Result()
	return err == nil && n == 1
}

// Close is a no-op for Redis store (connection is managed externally).
func (s *NonceStore) Close() {}
