package attestation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kacy/dac-attestation/challenge"
	"github.com/kacy/dac-attestation/internal/testpki"
)

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	assert.ErrorIs(t, err, ErrMissingTrustStore)

	server, err := NewServer(ServerConfig{TrustStore: testpki.NewSigner(t).Store(t)})
	require.NoError(t, err)
	defer server.Close()

	assert.NotNil(t, server.Verifier())
	assert.NotNil(t, server.Nonces())
}

// issuedBundle returns an attestation carrying a nonce issued by server.
func issuedBundle(t *testing.T, server *Server, identifier string, b *testpki.Bundle) *Request {
	t.Helper()
	nonce, err := server.IssueNonce(identifier)
	require.NoError(t, err)
	b.Nonce = nonce
	b.Seal(t)
	return request(b)
}

func newTestServer(t *testing.T, b *testpki.Bundle) *Server {
	t.Helper()
	server, err := NewServer(ServerConfig{
		TrustStore:   b.Signer.Store(t),
		NonceTimeout: time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })
	return server
}

func TestServer_IssueAndVerify(t *testing.T) {
	b := testpki.NewBundle(t, testpki.ChainOptions{})
	server := newTestServer(t, b)

	req := issuedBundle(t, server, "session-1", b)
	verdict, err := server.Verify(context.Background(), "session-1", req)
	require.NoError(t, err)
	assert.True(t, verdict.Passed(), "problems: %v", verdict.Problems)

	// The nonce is consumed.
	_, err = server.Verify(context.Background(), "session-1", req)
	assert.ErrorIs(t, err, ErrInvalidNonce)
}

func TestServer_VerifyRejectsUnissuedNonce(t *testing.T) {
	b := testpki.NewBundle(t, testpki.ChainOptions{})
	server := newTestServer(t, b)

	_, err := server.IssueNonce("session-1")
	require.NoError(t, err)

	// The bundle carries its own random nonce, not the issued one.
	_, err = server.Verify(context.Background(), "session-1", request(b))
	assert.ErrorIs(t, err, ErrInvalidNonce)
}

func TestServer_VerifyWrongSession(t *testing.T) {
	b := testpki.NewBundle(t, testpki.ChainOptions{})
	server := newTestServer(t, b)

	req := issuedBundle(t, server, "session-1", b)
	_, err := server.Verify(context.Background(), "session-2", req)
	assert.ErrorIs(t, err, ErrInvalidNonce)

	verdict, err := server.Verify(context.Background(), "session-1", req)
	require.NoError(t, err)
	assert.True(t, verdict.Passed())
}

func TestServer_OversizedNonceNeverValid(t *testing.T) {
	b := testpki.NewBundle(t, testpki.ChainOptions{})
	server := newTestServer(t, b)

	nonce, err := server.IssueNonce("session-1")
	require.NoError(t, err)

	b.Nonce = append(nonce, 0x00)
	b.Seal(t)
	_, err = server.Verify(context.Background(), "session-1", request(b))
	assert.ErrorIs(t, err, ErrInvalidNonce)
	assert.ErrorIs(t, challenge.CheckNonce(b.Nonce), challenge.ErrInvalidNonceLength)
}

func TestServer_UndecodableElements(t *testing.T) {
	b := testpki.NewBundle(t, testpki.ChainOptions{})
	server := newTestServer(t, b)

	req := request(b)
	req.AttestationElements = []byte{0x15}
	verdict, err := server.Verify(context.Background(), "session-1", req)
	require.NoError(t, err)
	assert.True(t, verdict.Has(CodeMalformedTLV))
	assert.False(t, verdict.Passed())
}

func TestServer_ExternalNonceStore(t *testing.T) {
	b := testpki.NewBundle(t, testpki.ChainOptions{})
	nonces := challenge.NewMemoryStore(challenge.Config{})
	defer nonces.Close()

	server, err := NewServer(ServerConfig{TrustStore: b.Signer.Store(t), Nonces: nonces})
	require.NoError(t, err)

	req := issuedBundle(t, server, "session-1", b)
	assert.Equal(t, 1, nonces.Len())

	// Closing the server leaves a caller-owned store running.
	require.NoError(t, server.Close())
	_, err = nonces.Generate("session-2")
	assert.NoError(t, err)

	_, err = server.Verify(context.Background(), "session-1", req)
	assert.ErrorIs(t, err, ErrServerClosed)
}

func TestServer_Closed(t *testing.T) {
	b := testpki.NewBundle(t, testpki.ChainOptions{})
	server, err := NewServer(ServerConfig{TrustStore: b.Signer.Store(t)})
	require.NoError(t, err)

	require.NoError(t, server.Close())
	require.NoError(t, server.Close())

	_, err = server.IssueNonce("session-1")
	assert.ErrorIs(t, err, ErrServerClosed)

	_, err = server.Verify(context.Background(), "session-1", request(b))
	assert.ErrorIs(t, err, ErrServerClosed)
}

func TestServer_NilRequest(t *testing.T) {
	b := testpki.NewBundle(t, testpki.ChainOptions{})
	server := newTestServer(t, b)

	_, err := server.Verify(context.Background(), "session-1", nil)
	assert.ErrorIs(t, err, ErrMissingRequest)
}
