// Package auth gates proxy sessions on client credentials. It backs
// both SOCKS5 username/password sub-negotiation and HTTP Basic auth.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrBadCredentials means the identity/secret pair did not verify.
	ErrBadCredentials = errors.New("auth: bad credentials")
	// ErrTooManyAttempts means the source is locked out after
	// repeated failures.
	ErrTooManyAttempts = errors.New("auth: too many attempts")
)

// CredentialStore is the pass/fail oracle for a credential pair.
type CredentialStore interface {
	Verify(identity, secret string) bool
}

// StaticStore maps identities to secrets. A secret starting with a
// bcrypt prefix ("$2a$", "$2b$", "$2y$") is treated as a hash;
// anything else is compared in constant time.
type StaticStore map[string]string

func (s StaticStore) Verify(identity, secret string) bool {
	want, ok := s[identity]
	if !ok {
		return false
	}
	if strings.HasPrefix(want, "$2a$") || strings.HasPrefix(want, "$2b$") || strings.HasPrefix(want, "$2y$") {
		return bcrypt.CompareHashAndPassword([]byte(want), []byte(secret)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(secret)) == 1
}

type attemptState struct {
	failures int
	window   time.Time
}

// Provider verifies credentials against a store and tracks failed
// attempts per source, locking a source out for the remainder of the
// window once it exceeds maxAttempts. The critical section is a
// check-and-increment on in-memory state; it never spans I/O.
type Provider struct {
	store       CredentialStore
	maxAttempts int
	window      time.Duration

	mu       sync.Mutex
	attempts map[string]*attemptState
	now      func() time.Time
}

// NewProvider builds a Provider. maxAttempts <= 0 disables attempt
// limiting.
func NewProvider(store CredentialStore, maxAttempts int, window time.Duration) *Provider {
	return &Provider{
		store:       store,
		maxAttempts: maxAttempts,
		window:      window,
		attempts:    make(map[string]*attemptState),
		now:         time.Now,
	}
}

// Verify checks the credential pair for a client at source (an IP or
// host string used as the rate-limit key). The credential is not
// retained beyond the call.
func (p *Provider) Verify(identity, secret, source string) error {
	if p.maxAttempts > 0 && p.locked(source) {
		return ErrTooManyAttempts
	}
	if p.store.Verify(identity, secret) {
		p.reset(source)
		return nil
	}
	p.recordFailure(source)
	return ErrBadCredentials
}

func (p *Provider) locked(source string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.attempts[source]
	if !ok {
		return false
	}
	if p.now().Sub(st.window) > p.window {
		delete(p.attempts, source)
		return false
	}
	return st.failures >= p.maxAttempts
}

func (p *Provider) recordFailure(source string) {
	if p.maxAttempts <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.attempts[source]
	if !ok || p.now().Sub(st.window) > p.window {
		p.attempts[source] = &attemptState{failures: 1, window: p.now()}
		return
	}
	st.failures++
}

func (p *Provider) reset(source string) {
	if p.maxAttempts <= 0 {
		return
	}
	p.mu.Lock()
	delete(p.attempts, source)
	p.mu.Unlock()
}
