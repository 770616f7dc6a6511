package redis

import (
	"bytes"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"k8s.io/utils/clock"

	"github.com/kacy/dac-attestation/cert"
	"github.com/kacy/dac-attestation/truststore"
)

// TrustStoreConfig holds configuration for the Redis trust anchor store.
type TrustStoreConfig struct {
	// Client is the Redis client (required).
	Client Cmdable

	// KeyPrefix is prepended to all Redis keys (default: "attest:anchor:").
	KeyPrefix string

	// TTL is how long anchors are stored (default: 0 = no expiration).
	TTL time.Duration

	// Clock stamps new records (default: the system clock).
	Clock clock.PassiveClock
}

// TrustStore is a Redis-backed implementation of truststore.Store.
// Suitable for deployments where several verifiers share one set of
// Certification Declaration signing keys.
type TrustStore struct {
	client    Cmdable
	keyPrefix string
	ttl       time.Duration
	clock     clock.PassiveClock
}

var _ truststore.Store = (*TrustStore)(nil)

// anchorRecord is the stored representation of a trust anchor.
type anchorRecord struct {
	SubjectKeyID []byte `cbor:"1,keyasint"`
	PublicKey    []byte `cbor:"2,keyasint"` // PKIX DER
	AddedAt      int64  `cbor:"3,keyasint"` // unix seconds
}

var recordEncMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// NewTrustStore creates a new Redis-backed trust anchor store.
func NewTrustStore(cfg TrustStoreConfig) (*TrustStore, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "attest:anchor:"
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &TrustStore{
		client:    cfg.Client,
		keyPrefix: keyPrefix,
		ttl:       cfg.TTL,
		clock:     clk,
	}, nil
}

func (s *TrustStore) key(skid []byte) string {
	return s.keyPrefix + hex.EncodeToString(skid)
}

// Put stores a public key under a subject key identifier, replacing any
// existing record.
func (s *TrustStore) Put(ctx context.Context, skid []byte, pub crypto.PublicKey) error {
	if len(skid) == 0 {
		return truststore.ErrNoSubjectKey
	}
	if _, ok := pub.(*ecdsa.PublicKey); !ok {
		return fmt.Errorf("%w: %T", truststore.ErrUnsupportedPK, pub)
	}

	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("failed to marshal public key: %w", err)
	}

	data, err := recordEncMode.Marshal(anchorRecord{
		SubjectKeyID: skid,
		PublicKey:    der,
		AddedAt:      s.clock.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal anchor record: %w", err)
	}

	if err := s.client.Set(ctx, s.key(skid), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store anchor: %w", err)
	}
	return nil
}

// PutCertificate stores the key of a DER or PEM encoded certificate under
// its subject key identifier and returns that identifier.
func (s *TrustStore) PutCertificate(ctx context.Context, data []byte) ([]byte, error) {
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}
	c, err := cert.Parse(data)
	if err != nil {
		return nil, err
	}
	if len(c.SubjectKeyID) == 0 {
		return nil, truststore.ErrNoSubjectKey
	}
	if err := s.Put(ctx, c.SubjectKeyID, c.PublicKey); err != nil {
		return nil, err
	}
	return c.SubjectKeyID, nil
}

// Lookup returns the public key stored for a subject key identifier.
func (s *TrustStore) Lookup(ctx context.Context, skid []byte) (crypto.PublicKey, error) {
	rec, err := s.load(ctx, skid)
	if err != nil {
		return nil, err
	}

	pub, err := x509.ParsePKIXPublicKey(rec.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	if _, ok := pub.(*ecdsa.PublicKey); !ok {
		return nil, errors.New("stored key is not an ECDSA public key")
	}
	return pub, nil
}

// AddedAt reports when the anchor for skid was stored.
func (s *TrustStore) AddedAt(ctx context.Context, skid []byte) (time.Time, error) {
	rec, err := s.load(ctx, skid)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(rec.AddedAt, 0), nil
}

func (s *TrustStore) load(ctx context.Context, skid []byte) (*anchorRecord, error) {
	raw, err := s.client.Get(ctx, s.key(skid)).Result()
	if err != nil {
		if isNil(err) {
			return nil, fmt.Errorf("%w: %X", truststore.ErrKeyNotFound, skid)
		}
		return nil, fmt.Errorf("failed to load anchor: %w", err)
	}

	var rec anchorRecord
	if err := cbor.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal anchor record: %w", err)
	}
	if !bytes.Equal(rec.SubjectKeyID, skid) {
		return nil, fmt.Errorf("anchor record for %X holds key %X", skid, rec.SubjectKeyID)
	}
	return &rec, nil
}

// Delete removes the anchor stored for a subject key identifier.
func (s *TrustStore) Delete(ctx context.Context, skid []byte) error {
	n, err := s.client.Del(ctx, s.key(skid)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete anchor: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %X", truststore.ErrKeyNotFound, skid)
	}
	return nil
}
