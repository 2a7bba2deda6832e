package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIdentityAllowed(t *testing.T) {
	tests := []struct {
		name      string
		locations []string
		check     string
		want      bool
	}{
		{"inScope", []string{"loc-1", "loc-2"}, "loc-2", true},
		{"outOfScope", []string{"loc-1"}, "loc-2", false},
		{"emptyScope", nil, "loc-1", false},
		{"emptyLocation", []string{"loc-1"}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := Identity{UserID: "u-1", Locations: tt.locations}
			if got := id.Allowed(tt.check); got != tt.want {
				t.Errorf("Allowed(%q) = %v, want %v", tt.check, got, tt.want)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{"fromHeader", "Bearer abc", "", "abc"},
		{"fromQuery", "", "xyz", "xyz"},
		{"headerWins", "Bearer abc", "xyz", "abc"},
		{"malformedHeaderFallsBack", "Basic abc", "xyz", "xyz"},
		{"nothing", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := "/stream"
			if tt.query != "" {
				url += "?token=" + tt.query
			}
			r := httptest.NewRequest("GET", url, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			if got := BearerToken(r); got != tt.want {
				t.Errorf("BearerToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTokenStoreStaticResolve(t *testing.T) {
	s := NewTokenStore(time.Minute)
	s.Register("tok-1", Identity{UserID: "u-1", Locations: []string{"loc-1"}})

	id, err := s.Resolve("tok-1")
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if id.UserID != "u-1" {
		t.Errorf("UserID = %q", id.UserID)
	}

	if _, err := s.Resolve("missing"); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("Resolve(missing) error = %v, want ErrTokenNotFound", err)
	}
	if _, err := s.Resolve(""); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("Resolve(empty) error = %v, want ErrTokenNotFound", err)
	}
}

func TestTokenStoreTransientLifecycle(t *testing.T) {
	s := NewTokenStore(time.Minute)

	token, err := s.Create(Identity{UserID: "u-1", Locations: []string{"loc-1"}})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if token == "" {
		t.Fatal("Create() returned empty token")
	}

	id, err := s.Resolve(token)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if id.UserID != "u-1" {
		t.Errorf("UserID = %q", id.UserID)
	}

	other, _ := s.Create(Identity{UserID: "u-2"})
	if other == token {
		t.Error("Create() returned the same token twice")
	}
}

func TestTokenStoreExpiry(t *testing.T) {
	s := NewTokenStore(time.Minute)
	token, _ := s.Create(Identity{UserID: "u-1"})

	// Force the token into the past.
	s.mu.Lock()
	s.transient[token].ExpiresAt = time.Now().Add(-time.Second)
	s.mu.Unlock()

	if _, err := s.Resolve(token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Resolve(expired) error = %v, want ErrTokenExpired", err)
	}

	// The expired entry was removed, so a second resolve is a plain miss.
	if _, err := s.Resolve(token); !errors.Is(err, ErrTokenNotFound) {
		t.Errorf("second Resolve(expired) error = %v, want ErrTokenNotFound", err)
	}
}

func TestTokenStoreSweep(t *testing.T) {
	s := NewTokenStore(time.Minute)
	expired, _ := s.Create(Identity{UserID: "u-1"})
	fresh, _ := s.Create(Identity{UserID: "u-2"})

	s.mu.Lock()
	s.transient[expired].ExpiresAt = time.Now().Add(-time.Second)
	s.mu.Unlock()

	s.Sweep()

	s.mu.RLock()
	_, hasExpired := s.transient[expired]
	_, hasFresh := s.transient[fresh]
	s.mu.RUnlock()

	if hasExpired {
		t.Error("Sweep() kept an expired token")
	}
	if !hasFresh {
		t.Error("Sweep() removed a live token")
	}
}

func TestTokenStoreAuthenticate(t *testing.T) {
	s := NewTokenStore(time.Minute)
	s.Register("tok-1", Identity{UserID: "u-1"})

	r := httptest.NewRequest("GET", "/stream", nil)
	r.Header.Set("Authorization", "Bearer tok-1")

	id, err := s.Authenticate(r)
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if id.UserID != "u-1" {
		t.Errorf("UserID = %q", id.UserID)
	}

	if _, err := s.Authenticate(httptest.NewRequest("GET", "/stream", nil)); err == nil {
		t.Error("Authenticate() without credentials succeeded")
	}
}
