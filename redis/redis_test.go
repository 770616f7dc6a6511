package redis

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/kacy/dac-attestation/challenge"
	"github.com/kacy/dac-attestation/truststore"
)

// mockRedis is a simple in-memory mock of Redis for testing.
type mockRedis struct {
	mu   sync.RWMutex
	data map[string]mockEntry
}

type mockEntry struct {
	value     string
	expiresAt time.Time
}

func newMockRedis() *mockRedis {
	return &mockRedis{
		data: make(map[string]mockEntry),
	}
}

func (m *mockRedis) Get(ctx context.Context, key string) StringCmd {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.data[key]
	if !ok || (!entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt)) {
		return &mockStringCmd{err: mockNilErr}
	}
	return &mockStringCmd{val: entry.value}
}

func (m *mockRedis) Set(ctx context.Context, key string, value any, expiration time.Duration) StatusCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expiresAt time.Time
	if expiration > 0 {
		expiresAt = time.Now().Add(expiration)
	}

	m.data[key] = mockEntry{
		value:     toString(value),
		expiresAt: expiresAt,
	}
	return &mockStatusCmd{}
}

func toString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return ""
	}
}

func (m *mockRedis) Del(ctx context.Context, keys ...string) IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for _, key := range keys {
		if _, exists := m.data[key]; exists {
			delete(m.data, key)
			deleted++
		}
	}
	return &mockIntCmd{val: deleted}
}

func (m *mockRedis) raw(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.data[key]
	return e.value, ok
}

// brokenRedis fails every command.
type brokenRedis struct{ err error }

func (b brokenRedis) Get(context.Context, string) StringCmd { return &mockStringCmd{err: b.err} }
func (b brokenRedis) Set(context.Context, string, any, time.Duration) StatusCmd {
	return &mockStatusCmd{err: b.err}
}
func (b brokenRedis) Del(context.Context, ...string) IntCmd { return &mockIntCmd{err: b.err} }

// Mock command implementations
type mockNilError struct{}

func (e mockNilError) Error() string { return "redis: nil" }

var mockNilErr = mockNilError{}

type mockStringCmd struct {
	val string
	err error
}

func (c *mockStringCmd) Result() (string, error) { return c.val, c.err }

type mockStatusCmd struct {
	err error
}

func (c *mockStatusCmd) Err() error { return c.err }

type mockIntCmd struct {
	val int64
	err error
}

func (c *mockIntCmd) Result() (int64, error) { return c.val, c.err }

// Tests

func TestNewNonceStore_Validation(t *testing.T) {
	_, err := NewNonceStore(NonceStoreConfig{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "redis client is required")

	store, err := NewNonceStore(NonceStoreConfig{
		Client: newMockRedis(),
	})
	assert.NoError(t, err)
	assert.NotNil(t, store)
}

func TestNonceStore_GenerateAndValidate(t *testing.T) {
	client := newMockRedis()
	store, err := NewNonceStore(NonceStoreConfig{
		Client:  client,
		Timeout: 5 * time.Minute,
	})
	require.NoError(t, err)

	nonce, err := store.Generate("session-1")
	require.NoError(t, err)
	assert.Len(t, nonce, challenge.NonceSize)

	stored, ok := client.raw("attest:nonce:session-1")
	require.True(t, ok)
	assert.Equal(t, nonce, []byte(stored))

	// Valid nonce
	assert.True(t, store.Validate("session-1", nonce))

	// Nonce consumed
	assert.False(t, store.Validate("session-1", nonce))
}

func TestNonceStore_InvalidNonce(t *testing.T) {
	store, err := NewNonceStore(NonceStoreConfig{
		Client: newMockRedis(),
	})
	require.NoError(t, err)

	nonce, err := store.Generate("session-1")
	require.NoError(t, err)

	wrong := bytes.Clone(nonce)
	wrong[0] ^= 0xff
	assert.False(t, store.Validate("session-1", wrong))
	assert.False(t, store.Validate("session-1", append(bytes.Clone(nonce), 0x00)))

	assert.True(t, store.Validate("session-1", nonce))
}

func TestNonceStore_NonexistentSession(t *testing.T) {
	store, err := NewNonceStore(NonceStoreConfig{
		Client: newMockRedis(),
	})
	require.NoError(t, err)

	assert.False(t, store.Validate("nonexistent", make([]byte, challenge.NonceSize)))
}

func TestNonceStore_SingleConsumer(t *testing.T) {
	store, err := NewNonceStore(NonceStoreConfig{
		Client: newMockRedis(),
	})
	require.NoError(t, err)

	nonce, err := store.Generate("session-1")
	require.NoError(t, err)

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if store.Validate("session-1", nonce) {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), accepted.Load())
}

func TestNonceStore_BackendFailure(t *testing.T) {
	store, err := NewNonceStore(NonceStoreConfig{
		Client: brokenRedis{err: errors.New("connection refused")},
	})
	require.NoError(t, err)

	_, err = store.Generate("session-1")
	assert.Error(t, err)
	assert.False(t, store.Validate("session-1", make([]byte, challenge.NonceSize)))
}

func TestNonceStore_Close(t *testing.T) {
	store, err := NewNonceStore(NonceStoreConfig{
		Client: newMockRedis(),
	})
	require.NoError(t, err)

	// Should not panic
	store.Close()
	store.Close()
}

func TestNewTrustStore_Validation(t *testing.T) {
	_, err := NewTrustStore(TrustStoreConfig{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "redis client is required")

	store, err := NewTrustStore(TrustStoreConfig{
		Client: newMockRedis(),
	})
	assert.NoError(t, err)
	assert.NotNil(t, store)
}

func generateTestKey(t *testing.T) *ecdsa.PrivateKey {
	privKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return privKey
}

func TestTrustStore_PutAndLookup(t *testing.T) {
	client := newMockRedis()
	clk := testclock.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	store, err := NewTrustStore(TrustStoreConfig{Client: client, Clock: clk})
	require.NoError(t, err)

	skid := []byte{0x62, 0xfa, 0x82, 0x33}
	key := generateTestKey(t)
	require.NoError(t, store.Put(context.Background(), skid, key.Public()))

	pub, err := store.Lookup(context.Background(), skid)
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(pub))

	added, err := store.AddedAt(context.Background(), skid)
	require.NoError(t, err)
	assert.True(t, clk.Now().Equal(added))

	// The record is keyed by hex SKID and carries integer map keys.
	raw, ok := client.raw("attest:anchor:62fa8233")
	require.True(t, ok)
	var rec map[int]any
	require.NoError(t, cbor.Unmarshal([]byte(raw), &rec))
	assert.Equal(t, skid, rec[1])
	assert.Contains(t, rec, 2)
	assert.Equal(t, uint64(clk.Now().Unix()), rec[3])
}

func TestTrustStore_PutRejects(t *testing.T) {
	store, err := NewTrustStore(TrustStoreConfig{Client: newMockRedis()})
	require.NoError(t, err)

	err = store.Put(context.Background(), nil, generateTestKey(t).Public())
	assert.ErrorIs(t, err, truststore.ErrNoSubjectKey)

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	err = store.Put(context.Background(), []byte{0x01}, pub)
	assert.ErrorIs(t, err, truststore.ErrUnsupportedPK)
}

func TestTrustStore_PutCertificate(t *testing.T) {
	store, err := NewTrustStore(TrustStoreConfig{Client: newMockRedis()})
	require.NoError(t, err)

	key := generateTestKey(t)
	skid := []byte{0x01, 0x02, 0x03}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: "CD Signing Key"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		SubjectKeyId: skid,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	require.NoError(t, err)

	got, err := store.PutCertificate(context.Background(), pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, err)
	assert.Equal(t, skid, got)

	pub, err := store.Lookup(context.Background(), skid)
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(pub))

	_, err = store.PutCertificate(context.Background(), []byte("garbage"))
	assert.Error(t, err)
}

func TestTrustStore_LookupNotFound(t *testing.T) {
	store, err := NewTrustStore(TrustStoreConfig{Client: newMockRedis()})
	require.NoError(t, err)

	_, err = store.Lookup(context.Background(), []byte{0xde, 0xad})
	assert.ErrorIs(t, err, truststore.ErrKeyNotFound)
}

func TestTrustStore_LookupCorrupt(t *testing.T) {
	client := newMockRedis()
	store, err := NewTrustStore(TrustStoreConfig{Client: client})
	require.NoError(t, err)

	client.Set(context.Background(), "attest:anchor:01", []byte{0xff, 0x00}, 0)
	_, err = store.Lookup(context.Background(), []byte{0x01})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, truststore.ErrKeyNotFound)

	// A record filed under the wrong identifier is rejected.
	require.NoError(t, store.Put(context.Background(), []byte{0x02}, generateTestKey(t).Public()))
	moved, _ := client.raw("attest:anchor:02")
	client.Set(context.Background(), "attest:anchor:03", moved, 0)
	_, err = store.Lookup(context.Background(), []byte{0x03})
	assert.Error(t, err)
}

func TestTrustStore_BackendFailure(t *testing.T) {
	backendErr := errors.New("connection refused")
	store, err := NewTrustStore(TrustStoreConfig{Client: brokenRedis{err: backendErr}})
	require.NoError(t, err)

	_, err = store.Lookup(context.Background(), []byte{0x01})
	assert.ErrorIs(t, err, backendErr)
	assert.NotErrorIs(t, err, truststore.ErrKeyNotFound)

	err = store.Put(context.Background(), []byte{0x01}, generateTestKey(t).Public())
	assert.ErrorIs(t, err, backendErr)
}

func TestTrustStore_Delete(t *testing.T) {
	store, err := NewTrustStore(TrustStoreConfig{Client: newMockRedis()})
	require.NoError(t, err)

	skid := []byte{0xaa}
	require.NoError(t, store.Put(context.Background(), skid, generateTestKey(t).Public()))
	require.NoError(t, store.Delete(context.Background(), skid))

	_, err = store.Lookup(context.Background(), skid)
	assert.ErrorIs(t, err, truststore.ErrKeyNotFound)

	err = store.Delete(context.Background(), skid)
	assert.ErrorIs(t, err, truststore.ErrKeyNotFound)
}
