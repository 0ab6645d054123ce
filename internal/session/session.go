// Package session tracks the cookies that tie client connections to
// server-side state.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"maps"
	"sync"
	"time"

	"pimstore/internal/pim"
)

// cookieBytes is the amount of randomness in a cookie.
const cookieBytes = 32

// Session is the server-side record behind a cookie. Values returned by the
// Manager are copies; changes take effect only through SetData.
type Session struct {
	Cookie   string
	ID       string // public identity; tags change events instead of the cookie
	Resource string // identity of the agent that performed the handshake
	Created  time.Time
	ValidFor time.Duration // zero never expires
	Values   map[string]string
}

// Expired reports whether the session's validity has elapsed at now.
func (s Session) Expired(now time.Time) bool {
	if s.ValidFor <= 0 {
		return false
	}
	return !now.Before(s.Created.Add(s.ValidFor))
}

func (s Session) clone() Session {
	s.Values = maps.Clone(s.Values)
	return s
}

// Manager owns the session table. One mutex guards the whole table.
type Manager struct {
	clock    pim.Clock
	ids      pim.IDGenerator
	logger   pim.Logger
	validFor time.Duration

	mu       sync.Mutex
	sessions map[string]Session
}

// NewManager creates a Manager whose new sessions are valid for validFor.
func NewManager(clock pim.Clock, ids pim.IDGenerator, logger pim.Logger, validFor time.Duration) *Manager {
	return &Manager{
		clock:    clock,
		ids:      ids,
		logger:   logger,
		validFor: validFor,
		sessions: make(map[string]Session),
	}
}

// GenerateCookie returns a new random cookie. It does not register it.
func (m *Manager) GenerateCookie() (string, error) {
	buf := make([]byte, cookieBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating cookie: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Data returns the session for cookie, creating an empty one on first use.
func (m *Manager) Data(cookie string) Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[cookie]
	if !ok {
		s = m.newSession(cookie, "")
		m.sessions[cookie] = s
	}
	return s.clone()
}

// SetData replaces the session stored for cookie. An empty ID is filled in.
func (m *Manager) SetData(cookie string, s Session) {
	s = s.clone()
	s.Cookie = cookie
	if s.ID == "" {
		s.ID = m.ids.New()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[cookie] = s
}

// Handshake registers a new session for resource under a fresh cookie.
func (m *Manager) Handshake(resource string) (Session, error) {
	for {
		cookie, err := m.GenerateCookie()
		if err != nil {
			return Session{}, err
		}

		m.mu.Lock()
		if _, taken := m.sessions[cookie]; taken {
			m.mu.Unlock()
			continue
		}
		s := m.newSession(cookie, resource)
		m.sessions[cookie] = s
		m.mu.Unlock()

		m.logger.Debug("session created", "resource", resource)
		return s.clone(), nil
	}
}

// Lookup returns a registered, unexpired session. Unlike Data it never
// creates one.
func (m *Manager) Lookup(cookie string) (Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[cookie]
	m.mu.Unlock()

	if !ok {
		return Session{}, fmt.Errorf("session: %w", pim.ErrNotFound)
	}
	if s.Expired(m.clock.Now()) {
		return Session{}, fmt.Errorf("session for %q: %w", s.Resource, pim.ErrSessionExpired)
	}
	return s.clone(), nil
}

// Remove forgets a session. Removing an unknown cookie is a no-op.
func (m *Manager) Remove(cookie string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, cookie)
}

// Len returns the number of sessions in the table.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep removes every session expired at now and returns how many it removed.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for cookie, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, cookie)
			removed++
		}
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done. A zero interval
// disables sweeping and returns immediately; expiry is then only enforced
// by Lookup.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := m.Sweep(m.clock.Now()); n > 0 {
				m.logger.Info("swept expired sessions", "count", n)
			}
		}
	}
}

func (m *Manager) newSession(cookie, resource string) Session {
	return Session{
		Cookie:   cookie,
		ID:       m.ids.New(),
		Resource: resource,
		Created:  m.clock.Now(),
		ValidFor: m.validFor,
	}
}
