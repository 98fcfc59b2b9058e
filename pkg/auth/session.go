package auth

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"sync"
	"time"
)

const (
	// SessionCookieName is the name of the session cookie
	SessionCookieName = "obo_demo_session"
	// SessionDuration is how long sessions last
	SessionDuration = 8 * time.Hour
)

// Session represents a logged-in user session
type Session struct {
	ID           string
	Subject      string
	Username     string
	Name         string
	Email        string
	Groups       []string
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// Expired returns true if the session has expired
func (s *Session) Expired() bool {
	return time.Now().After(s.ExpiresAt)
}

// SessionStore manages user sessions in memory
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionStore creates a new session store and starts a cleanup goroutine
func NewSessionStore() *SessionStore {
	store := &SessionStore{
		sessions: make(map[string]*Session),
	}
	go store.cleanupLoop()
	return store
}

// Create creates a new session for the given claims and tokens
func (s *SessionStore) Create(claims *Claims, accessToken, refreshToken, idToken string) (*Session, error) {
	id, err := generateSessionID()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	session := &Session{
		ID:           id,
		Subject:      claims.Subject,
		Username:     claims.PreferredUsername,
		Name:         claims.Name,
		Email:        claims.Email,
		Groups:       claims.Groups,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		IDToken:      idToken,
		ExpiresAt:    now.Add(SessionDuration),
		CreatedAt:    now,
	}

	s.mu.Lock()
	s.sessions[id] = session
	s.mu.Unlock()

	return session, nil
}

// Get retrieves a session by ID, returns nil if not found or expired
func (s *SessionStore) Get(id string) *Session {
	s.mu.RLock()
	session, ok := s.sessions[id]
	s.mu.RUnlock()

	if !ok || session.Expired() {
		return nil
	}
	return session
}

// Delete removes a session
func (s *SessionStore) Delete(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// FromRequest extracts the session from the request cookie
func (s *SessionStore) FromRequest(r *http.Request) *Session {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return nil
	}
	return s.Get(cookie.Value)
}

// SetCookie sets the session cookie on the response
func SetCookie(w http.ResponseWriter, session *Session, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    session.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  session.ExpiresAt,
	})
}

// ClearCookie clears the session cookie
func ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

func (s *SessionStore) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		for id, session := range s.sessions {
			if session.Expired() {
				delete(s.sessions, id)
			}
		}
		s.mu.Unlock()
	}
}

func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
