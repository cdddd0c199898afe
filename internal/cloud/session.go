package cloud

import (
	"sync"
	"time"
)

// Clock supplies monotonic time to the retry and freshness logic
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// SystemClock returns the wall clock. time.Time values it produces carry a
// monotonic reading, so elapsed-time checks are immune to clock steps.
func SystemClock() Clock { return systemClock{} }

// AuthState is the authentication state of a session
type AuthState int

const (
	Unauthenticated AuthState = iota
	Authenticated
)

func (s AuthState) String() string {
	if s == Authenticated {
		return "authenticated"
	}
	return "unauthenticated"
}

// Session holds the bearer token and when it was acquired
type Session struct {
	mu         sync.Mutex
	state      AuthState
	token      string
	acquiredAt time.Time
	freshness  time.Duration
}

// NewSession creates an unauthenticated session whose tokens stay fresh for
// the given interval
func NewSession(freshness time.Duration) *Session {
	return &Session{freshness: freshness}
}

// State returns the current authentication state
func (s *Session) State() AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Token returns the token if the session is authenticated and the token is
// still fresh at now
func (s *Session) Token(now time.Time) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Authenticated {
		return "", false
	}
	if s.freshness > 0 && now.Sub(s.acquiredAt) > s.freshness {
		return "", false
	}
	return s.token, true
}

// Expired reports whether an authenticated session has outlived its freshness
func (s *Session) Expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Authenticated && s.freshness > 0 && now.Sub(s.acquiredAt) > s.freshness
}

// Authenticate moves the session to Authenticated with a new token
func (s *Session) Authenticate(token string, at time.Time) {
	s.mu.Lock()
	s.state = Authenticated
	s.token = token
	s.acquiredAt = at
	s.mu.Unlock()
}

// Invalidate drops the token and returns to Unauthenticated
func (s *Session) Invalidate() {
	s.mu.Lock()
	s.state = Unauthenticated
	s.token = ""
	s.acquiredAt = time.Time{}
	s.mu.Unlock()
}
