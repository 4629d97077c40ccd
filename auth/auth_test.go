package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestStaticStorePlaintext(t *testing.T) {
	store := StaticStore{"alice": "s3cret"}
	assert.True(t, store.Verify("alice", "s3cret"))
	assert.False(t, store.Verify("alice", "wrong"))
	assert.False(t, store.Verify("bob", "s3cret"))
}

func TestStaticStoreBcrypt(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	store := StaticStore{"alice": string(hash)}
	assert.True(t, store.Verify("alice", "s3cret"))
	assert.False(t, store.Verify("alice", "wrong"))
}

func TestProviderVerify(t *testing.T) {
	p := NewProvider(StaticStore{"alice": "pw"}, 0, 0)
	assert.NoError(t, p.Verify("alice", "pw", "127.0.0.1"))
	assert.ErrorIs(t, p.Verify("alice", "nope", "127.0.0.1"), ErrBadCredentials)
}

func TestProviderLockout(t *testing.T) {
	p := NewProvider(StaticStore{"alice": "pw"}, 3, time.Minute)
	clock := time.Unix(1000, 0)
	p.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, p.Verify("alice", "nope", "10.0.0.1"), ErrBadCredentials)
	}
	// Locked out now, even with the right password.
	assert.ErrorIs(t, p.Verify("alice", "pw", "10.0.0.1"), ErrTooManyAttempts)

	// Other sources are unaffected.
	assert.NoError(t, p.Verify("alice", "pw", "10.0.0.2"))

	// The window expires and the source recovers.
	clock = clock.Add(2 * time.Minute)
	assert.NoError(t, p.Verify("alice", "pw", "10.0.0.1"))
}

func TestProviderResetOnSuccess(t *testing.T) {
	p := NewProvider(StaticStore{"alice": "pw"}, 3, time.Minute)

	assert.ErrorIs(t, p.Verify("alice", "nope", "10.0.0.1"), ErrBadCredentials)
	assert.ErrorIs(t, p.Verify("alice", "nope", "10.0.0.1"), ErrBadCredentials)
	assert.NoError(t, p.Verify("alice", "pw", "10.0.0.1"))

	// The failure count started over.
	assert.ErrorIs(t, p.Verify("alice", "nope", "10.0.0.1"), ErrBadCredentials)
	assert.ErrorIs(t, p.Verify("alice", "nope", "10.0.0.1"), ErrBadCredentials)
	assert.NoError(t, p.Verify("alice", "pw", "10.0.0.1"))
}
