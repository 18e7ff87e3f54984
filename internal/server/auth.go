package server

import (
	cryptorand "crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"maps"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	sessionCookieName = "tempo_session"
	sessionDuration   = 24 * time.Hour
	apiKeyHeader      = "X-API-Key"
	authRealm         = `Basic realm="tempo"`
)

// Credentials returns the accepted username, password and API key.
// It is called per request so changes apply without a restart.
type Credentials func() (username, password, apiKey string)

// Authenticator guards HTTP handlers with Basic auth, an API key header or a
// session cookie issued after a successful Basic login. Failed attempts are rate limited.
// It is safe for concurrent use.
type Authenticator struct {
	creds    Credentials
	failures *rate.Limiter
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]time.Time
}

// NewAuthenticator creates an Authenticator that allows a burst of 10 failed
// attempts, refilled at one per second.
func NewAuthenticator(creds Credentials) *Authenticator {
	return &Authenticator{
		creds:    creds,
		failures: rate.NewLimiter(rate.Every(time.Second), 10),
		now:      time.Now,
		sessions: make(map[string]time.Time),
	}
}

// generateToken returns a cryptographically secure random token.
func generateToken() string {
	b := make([]byte, 32)
	if _, err := cryptorand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}

// createSession stores a new session and returns its token.
func (a *Authenticator) createSession() string {
	token := generateToken()
	if token == "" {
		return ""
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	maps.DeleteFunc(a.sessions, func(_ string, exp time.Time) bool {
		return now.After(exp)
	})
	a.sessions[token] = now.Add(sessionDuration)
	return token
}

// validSession reports whether a session token is known and unexpired.
func (a *Authenticator) validSession(token string) bool {
	if token == "" {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	exp, ok := a.sessions[token]
	if !ok {
		return false
	}
	if a.now().After(exp) {
		delete(a.sessions, token)
		return false
	}
	return true
}

func equal(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// authenticate reports whether r carries valid credentials and whether they came from Basic auth.
func (a *Authenticator) authenticate(r *http.Request) (ok, basic bool) {
	username, password, apiKey := a.creds()

	if key := r.Header.Get(apiKeyHeader); key != "" {
		return apiKey != "" && equal(key, apiKey), false
	}
	if user, pass, hasBasic := r.BasicAuth(); hasBasic {
		userMatch := equal(user, username)
		passMatch := equal(pass, password)
		return userMatch && passMatch, true
	}
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		return a.validSession(cookie.Value), false
	}
	return false, false
}

// Middleware returns middleware that rejects unauthenticated requests with 401,
// or 429 when too many attempts failed recently.
func (a *Authenticator) Middleware() func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			ok, basic := a.authenticate(r)
			if ok {
				if basic {
					a.setSessionCookie(w, r)
				}
				next(w, r)
				return
			}

			if !a.failures.Allow() {
				http.Error(w, "too many failed attempts", http.StatusTooManyRequests)
				return
			}
			w.Header().Set("WWW-Authenticate", authRealm)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		}
	}
}

// setSessionCookie issues a session cookie unless the request already has a valid one.
func (a *Authenticator) setSessionCookie(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && a.validSession(cookie.Value) {
		return
	}
	token := a.createSession()
	if token == "" {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(sessionDuration.Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	})
}
