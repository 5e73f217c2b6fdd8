package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionCookie carries the dashboard session token.
const SessionCookie = "tt_session"

type sessionContextKey struct{}

type session struct {
	username string
	expires  time.Time
}

// Sessions issues and checks dashboard login tokens. Tokens live in memory,
// so a restart logs everyone out.
type Sessions struct {
	username string
	password string
	ttl      time.Duration
	now      func() time.Time

	mu     sync.Mutex
	tokens map[string]session
}

func NewSessions(username, password string, ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	return &Sessions{
		username: username,
		password: password,
		ttl:      ttl,
		now:      time.Now,
		tokens:   make(map[string]session),
	}
}

// Enabled reports whether a password has been configured. Without one
// every login is refused.
func (s *Sessions) Enabled() bool {
	return s.password != ""
}

// Login checks credentials in constant time and returns a fresh token.
func (s *Sessions) Login(username, password string) (token string, expires time.Time, ok bool) {
	if !s.Enabled() {
		return "", time.Time{}, false
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(s.password)) == 1
	if !userOK || !passOK {
		return "", time.Time{}, false
	}
	token = uuid.NewString()
	expires = s.now().Add(s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = session{username: username, expires: expires}
	return token, expires, true
}

// Logout forgets token. Unknown tokens are ignored.
func (s *Sessions) Logout(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, token)
}

// Validate returns the username for a live token. Expired tokens are dropped.
func (s *Sessions) Validate(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, sess := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(k)) != 1 {
			continue
		}
		if !s.now().Before(sess.expires) {
			delete(s.tokens, k)
			return "", false
		}
		return sess.username, true
	}
	return "", false
}

// Sweep drops expired sessions.
func (s *Sessions) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for k, sess := range s.tokens {
		if !now.Before(sess.expires) {
			delete(s.tokens, k)
			n++
		}
	}
	return n
}

// Count returns the number of tracked sessions.
func (s *Sessions) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

// Require rejects requests without a live session.
func (s *Sessions) Require(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := s.Validate(ExtractToken(r))
		if !ok {
			writeError(w, http.StatusUnauthorized, "требуется вход в систему")
			return
		}
		ctx := context.WithValue(r.Context(), sessionContextKey{}, user)
		next(w, r.WithContext(ctx))
	}
}

// ExtractToken reads the session token. It checks, in order:
// Authorization: Bearer <token>, the session cookie, and the token query
// param (browsers cannot set headers on websocket upgrades).
func ExtractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return r.URL.Query().Get("token")
}

// UserFromContext returns the logged-in username set by Require.
func UserFromContext(ctx context.Context) string {
	if u, ok := ctx.Value(sessionContextKey{}).(string); ok {
		return u
	}
	return ""
}
