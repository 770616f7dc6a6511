package challenge

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	testclock "k8s.io/utils/clock/testing"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newFakeStore(t *testing.T, timeout time.Duration) (*MemoryStore, *testclock.FakeClock) {
	t.Helper()
	clk := testclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	store := NewMemoryStore(Config{Timeout: timeout, CleanupInterval: time.Minute, Clock: clk})
	t.Cleanup(store.Close)
	return store, clk
}

func TestCheckNonce(t *testing.T) {
	assert.NoError(t, CheckNonce(make([]byte, NonceSize)))
	assert.ErrorIs(t, CheckNonce(nil), ErrInvalidNonceLength)
	assert.ErrorIs(t, CheckNonce(make([]byte, 31)), ErrInvalidNonceLength)
	assert.ErrorIs(t, CheckNonce(make([]byte, 33)), ErrInvalidNonceLength)
}

func TestMemoryStore_GenerateAndValidate(t *testing.T) {
	store, _ := newFakeStore(t, 5*time.Minute)

	nonce, err := store.Generate("session-1")
	require.NoError(t, err)
	assert.Len(t, nonce, NonceSize)

	assert.True(t, store.Validate("session-1", nonce))

	// Nonce should be consumed
	assert.False(t, store.Validate("session-1", nonce))
}

func TestMemoryStore_ReturnedNonceIsACopy(t *testing.T) {
	store, _ := newFakeStore(t, 5*time.Minute)

	nonce, err := store.Generate("session-1")
	require.NoError(t, err)
	kept := bytes.Clone(nonce)
	nonce[0] ^= 0xff

	assert.True(t, store.Validate("session-1", kept))
}

func TestMemoryStore_InvalidNonce(t *testing.T) {
	store, _ := newFakeStore(t, 5*time.Minute)

	nonce, err := store.Generate("session-1")
	require.NoError(t, err)

	wrong := bytes.Clone(nonce)
	wrong[NonceSize-1] ^= 0x01
	assert.False(t, store.Validate("session-1", wrong))
	assert.False(t, store.Validate("session-1", nonce[:16]))

	// Failed attempts leave the outstanding nonce in place
	assert.True(t, store.Validate("session-1", nonce))
}

func TestMemoryStore_NonexistentIdentifier(t *testing.T) {
	store, _ := newFakeStore(t, 5*time.Minute)
	assert.False(t, store.Validate("nonexistent", make([]byte, NonceSize)))
}

func TestMemoryStore_Expiry(t *testing.T) {
	tests := []struct {
		name  string
		step  time.Duration
		valid bool
	}{
		{"before deadline", 4 * time.Minute, true},
		{"at deadline", 5 * time.Minute, true},
		{"after deadline", 5*time.Minute + time.Second, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, clk := newFakeStore(t, 5*time.Minute)

			nonce, err := store.Generate("session-1")
			require.NoError(t, err)

			clk.Step(tt.step)
			assert.Equal(t, tt.valid, store.Validate("session-1", nonce))
		})
	}
}

func TestMemoryStore_CleanupRemovesExpired(t *testing.T) {
	store, clk := newFakeStore(t, 30*time.Second)

	_, err := store.Generate("session-1")
	require.NoError(t, err)
	assert.Equal(t, 1, store.Len())

	clk.Step(time.Minute)
	assert.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestMemoryStore_CleanupKeepsLive(t *testing.T) {
	store, clk := newFakeStore(t, 5*time.Minute)

	nonce, err := store.Generate("session-1")
	require.NoError(t, err)

	clk.Step(time.Minute)
	// Let the cleanup goroutine observe the tick before checking.
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, store.Len())
	assert.True(t, store.Validate("session-1", nonce))
}

func TestMemoryStore_MultipleIdentifiers(t *testing.T) {
	store, _ := newFakeStore(t, 5*time.Minute)

	nonce1, err := store.Generate("session-1")
	require.NoError(t, err)
	nonce2, err := store.Generate("session-2")
	require.NoError(t, err)

	assert.NotEqual(t, nonce1, nonce2)
	assert.False(t, store.Validate("session-2", nonce1))
	assert.True(t, store.Validate("session-1", nonce1))
	assert.True(t, store.Validate("session-2", nonce2))
}

func TestMemoryStore_OverwritePreviousNonce(t *testing.T) {
	store, _ := newFakeStore(t, 5*time.Minute)

	nonce1, _ := store.Generate("session-1")
	nonce2, _ := store.Generate("session-1")

	assert.NotEqual(t, nonce1, nonce2)
	assert.False(t, store.Validate("session-1", nonce1))
	assert.True(t, store.Validate("session-1", nonce2))
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	store, _ := newFakeStore(t, 5*time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			session := fmt.Sprintf("session-%d", id)
			nonce, err := store.Generate(session)
			assert.NoError(t, err)
			assert.True(t, store.Validate(session, nonce))
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, store.Len())
}

func TestMemoryStore_Len(t *testing.T) {
	store, _ := newFakeStore(t, 5*time.Minute)

	assert.Equal(t, 0, store.Len())

	store.Generate("session-1")
	assert.Equal(t, 1, store.Len())

	store.Generate("session-2")
	assert.Equal(t, 2, store.Len())

	// Overwrite shouldn't increase count
	store.Generate("session-1")
	assert.Equal(t, 2, store.Len())
}

func TestMemoryStore_DefaultClock(t *testing.T) {
	store := NewMemoryStore(Config{})
	defer store.Close()

	nonce, err := store.Generate("session-1")
	require.NoError(t, err)
	assert.True(t, store.Validate("session-1", nonce))
}

func TestMemoryStore_CloseIdempotent(t *testing.T) {
	store := NewMemoryStore(Config{Timeout: 5 * time.Minute})

	store.Close()
	store.Close()
	store.Close()
}
