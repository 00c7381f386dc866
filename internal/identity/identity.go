// Package identity exposes the signed-in user to the engine. The engine only
// reads it; sign-in and sign-out live in the app shell.
package identity

import "sync"

// Provider is the read-only identity collaborator.
type Provider interface {
	// CurrentUserID returns the signed-in user ID, or ("", false) when
	// signed out.
	CurrentUserID() (string, bool)

	// TimeZone returns the user's IANA timezone preference, or "" when no
	// preference is stored (callers fall back to the stored record or UTC).
	TimeZone() string
}

// Static is a swappable Provider the app shell updates on auth changes.
type Static struct {
	mu     sync.RWMutex
	userID string
	tz     string
}

// NewStatic returns a Static provider, initially signed out.
func NewStatic() *Static { return &Static{} }

// SetUser records a sign-in (or sign-out with an empty ID).
func (s *Static) SetUser(userID string) {
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
}

// SetTimeZone records the user's timezone preference.
func (s *Static) SetTimeZone(tz string) {
	s.mu.Lock()
	s.tz = tz
	s.mu.Unlock()
}

func (s *Static) CurrentUserID() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID, s.userID != ""
}

func (s *Static) TimeZone() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tz
}
