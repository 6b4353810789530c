package auth

import (
	"sync"
	"time"
)

// RequestState is the server-side view of a caller: the bearer token of its most
// recent request. The upstream API stays the authority on whether it is valid;
// here a token only counts when present and not visibly expired.
type RequestState struct {
	mu    sync.RWMutex
	token string
	now   func() time.Time
}

func NewRequestState(token string) *RequestState {
	return &RequestState{token: token, now: time.Now}
}

// Set replaces the token; an empty token signs the caller out.
func (s *RequestState) Set(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

func (s *RequestState) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *RequestState) IsAuthenticated() bool {
	token := s.Token()
	return token != "" && !TokenExpired(token, s.now())
}
