package attestation

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kacy/dac-attestation/challenge"
	"github.com/kacy/dac-attestation/elements"
	"github.com/kacy/dac-attestation/truststore"
)

// Server provides a batteries-included attestation service that issues
// attestation nonces and binds each verification to the nonce it issued.
//
// This is the recommended way to use the library for most use cases.
// For advanced customization, use NewVerifier directly with your own
// nonce handling.
type Server struct {
	verifier  *Verifier
	nonces    challenge.Store
	ownNonces bool

	mu     sync.RWMutex
	closed bool
}

// ServerConfig holds configuration for the attestation server.
type ServerConfig struct {
	// TrustStore resolves Certification Declaration signing keys (required).
	TrustStore truststore.Store

	// Nonces issues and consumes attestation nonces. If nil, an in-memory
	// store is created and closed with the server.
	Nonces challenge.Store

	// NonceTimeout is how long issued nonces remain valid when the server
	// creates its own store (default: 5 minutes).
	NonceTimeout time.Duration

	Logger logrus.FieldLogger
}

// NewServer creates a new attestation server with sensible defaults.
//
// Example:
//
//	anchors, err := truststore.LoadDir("/etc/attest/anchors", nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	server, err := attestation.NewServer(attestation.ServerConfig{
//	    TrustStore: anchors,
//	})
func NewServer(cfg ServerConfig) (*Server, error) {
	verifier, err := NewVerifier(Config{
		TrustStore: cfg.TrustStore,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	nonces, own := cfg.Nonces, false
	if nonces == nil {
		timeout := cfg.NonceTimeout
		if timeout == 0 {
			timeout = 5 * time.Minute
		}
		nonces, own = challenge.NewMemoryStore(challenge.Config{Timeout: timeout}), true
	}

	return &Server{
		verifier:  verifier,
		nonces:    nonces,
		ownNonces: own,
	}, nil
}

// IssueNonce creates a new attestation nonce for the given identifier.
// The identifier should be unique per commissioning session.
//
// Returns the nonce that should be sent to the device.
func (s *Server) IssueNonce(identifier string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrServerClosed
	}

	return s.nonces.Generate(identifier)
}

// Verify verifies a device attestation.
//
// The nonce carried in the attestation elements must be the one issued to
// identifier; it is consumed and becomes the request's expected nonce.
// ErrInvalidNonce is returned when it was not issued, has expired or was
// already used. Elements that cannot be decoded are verified without
// consuming a nonce and always yield a failing verdict.
func (s *Server) Verify(ctx context.Context, identifier string, req *Request) (*Verdict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrServerClosed
	}
	if req == nil {
		return nil, ErrMissingRequest
	}

	bound := *req
	if el, err := elements.Parse(req.AttestationElements); err == nil {
		if !s.nonces.Validate(identifier, el.Nonce) {
			return nil, ErrInvalidNonce
		}
		bound.ExpectedNonce = el.Nonce
	}

	return s.verifier.Verify(ctx, &bound)
}

// Close releases resources used by the server.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.ownNonces {
		s.nonces.Close()
	}
	return nil
}

// Nonces returns the underlying nonce store for advanced use cases.
func (s *Server) Nonces() challenge.Store {
	return s.nonces
}

// Verifier returns the underlying verifier for advanced use cases.
func (s *Server) Verifier() *Verifier {
	return s.verifier
}
