package session

import (
	"log/slog"
	"sync"

	"github.com/postalsys/wirepost/internal/logging"
)

// Registry is the process-wide mapping from connection identifier to active
// session. At most one live session exists per key: registering over an
// occupied key closes and evicts the prior session first.
//
// Map mutation happens under one mutex. An evicted session is fully closed
// before its replacement becomes visible to Get.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		logger:   logger,
	}
}

// Register installs s under key, closing and evicting any prior session for
// that key first. The prior session is fully closed before s becomes
// reachable via Get. A close failure on the evicted session is logged, not
// returned; eviction always proceeds.
func (r *Registry) Register(key string, s *Session) {
	r.mu.Lock()
	prior := r.sessions[key]
	delete(r.sessions, key)
	r.mu.Unlock()

	if prior != nil {
		if err := prior.Close("replaced by new session"); err != nil {
			r.logger.Warn("failed to close evicted session",
				logging.KeySessionKey, key,
				logging.KeyError, err)
		}
	}

	r.mu.Lock()
	r.sessions[key] = s
	r.mu.Unlock()
}

// Get returns the session registered under key, or nil.
func (r *Registry) Get(key string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[key]
}

// Remove drops the session registered under key without closing it. Returns
// the removed session, or nil.
func (r *Registry) Remove(key string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[key]
	delete(r.sessions, key)
	return s
}

// CloseAll closes (application-initiated disconnect) and removes every
// session whose key is listed, or every session when no keys are given.
// Close failures are logged and swallowed so eviction always completes;
// after an unfiltered CloseAll the registry is empty.
func (r *Registry) CloseAll(keys ...string) {
	r.mu.Lock()
	victims := make(map[string]*Session)
	if len(keys) == 0 {
		for k, s := range r.sessions {
			victims[k] = s
		}
		r.sessions = make(map[string]*Session)
	} else {
		for _, k := range keys {
			if s, ok := r.sessions[k]; ok {
				victims[k] = s
				delete(r.sessions, k)
			}
		}
	}
	r.mu.Unlock()

	for k, s := range victims {
		if err := s.Close("registry teardown"); err != nil {
			r.logger.Warn("failed to close session during teardown",
				logging.KeySessionKey, k,
				logging.KeyError, err)
		}
	}
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Keys returns the registered connection identifiers.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.sessions))
	for k := range r.sessions {
		keys = append(keys, k)
	}
	return keys
}
