package auth

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"sync"
	"time"
)

// TransientToken represents a temporary token minted for transports that
// carry credentials in the URL, so the terminal's long-lived token never
// appears in access logs.
type TransientToken struct {
	Token     string
	Identity  Identity
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenStore manages terminal tokens in memory: static tokens registered from
// configuration (no expiry) plus transient tokens with a TTL.
type TokenStore struct {
	mu        sync.RWMutex
	static    map[string]Identity
	transient map[string]*TransientToken
	ttl       time.Duration
}

// NewTokenStore creates a token store; ttl bounds transient token lifetime.
func NewTokenStore(ttl time.Duration) *TokenStore {
	if ttl == 0 {
		ttl = 30 * time.Minute
	}
	return &TokenStore{
		static:    make(map[string]Identity),
		transient: make(map[string]*TransientToken),
		ttl:       ttl,
	}
}

// Register adds a static token for an identity.
func (s *TokenStore) Register(token string, id Identity) {
	s.mu.Lock()
	s.static[token] = id
	s.mu.Unlock()
}

// Create mints a transient token for an already-verified identity.
func (s *TokenStore) Create(id Identity) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", err
	}

	now := time.Now()
	s.mu.Lock()
	s.transient[token] = &TransientToken{
		Token:     token,
		Identity:  id,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}
	s.mu.Unlock()
	return token, nil
}

// Resolve returns the identity for a token.
func (s *TokenStore) Resolve(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrTokenNotFound
	}

	s.mu.RLock()
	id, ok := s.static[token]
	tt := s.transient[token]
	s.mu.RUnlock()

	if ok {
		return id, nil
	}
	if tt == nil {
		return Identity{}, ErrTokenNotFound
	}
	if time.Now().After(tt.ExpiresAt) {
		s.mu.Lock()
		delete(s.transient, token)
		s.mu.Unlock()
		return Identity{}, ErrTokenExpired
	}
	return tt.Identity, nil
}

// Authenticate implements Authenticator.
func (s *TokenStore) Authenticate(r *http.Request) (Identity, error) {
	return s.Resolve(BearerToken(r))
}

// Sweep removes expired transient tokens.
func (s *TokenStore) Sweep() {
	now := time.Now()
	s.mu.Lock()
	for token, tt := range s.transient {
		if now.After(tt.ExpiresAt) {
			delete(s.transient, token)
		}
	}
	s.mu.Unlock()
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
