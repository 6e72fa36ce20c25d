package httpapi

import (
	"sync"
	"time"

	"fundops.org/internal/oauth"
)

// stateStore holds pending OAuth authorization states between the connect
// redirect and the provider callback. States are single-use: Take removes
// the entry, so a replayed callback finds nothing.
type stateStore struct {
	mu     sync.Mutex
	states map[string]oauth.State
}

func newStateStore() *stateStore {
	return &stateStore{states: make(map[string]oauth.State)}
}

func (s *stateStore) Put(st oauth.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Opportunistic sweep of abandoned flows.
	cutoff := time.Now().Add(-time.Hour)
	for nonce, pending := range s.states {
		if pending.CreatedAt.Before(cutoff) {
			delete(s.states, nonce)
		}
	}
	s.states[st.Nonce] = st
}

func (s *stateStore) Take(nonce string) (oauth.State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[nonce]
	if ok {
		delete(s.states, nonce)
	}
	return st, ok
}
