// Package authserver is a small in-process token authority. It issues JWT
// access tokens on login and on POST /auth/refresh, authenticating refreshes
// with a rotating session cookie. Tests and the demo binary run tokenkeeper
// sessions against it.
package authserver

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

const sessionKeyUserID = "user_id"

type contextKey string

const contextKeyUserID contextKey = "user_id"

// UserIDFromContext returns the user authenticated by RequireAccessToken
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(contextKeyUserID).(string); ok {
		return v
	}
	return ""
}

// Server handles login, refresh, logout and a protected /api/me.
type Server struct {
	Issuer   *Issuer
	Sessions *scs.SessionManager

	mu    sync.Mutex
	users map[string][]byte // username -> bcrypt hash
	// consumed holds refresh session tokens that were already rotated; a
	// second refresh with the same cookie is rejected.
	consumed map[string]bool
	revoked  map[string]bool

	loginLimiter *rate.Limiter
	refreshes    atomic.Int64
	router       *mux.Router
}

// Option configures a Server
type Option func(*Server)

// WithAccessTokenExpiry sets the lifetime of issued tokens
func WithAccessTokenExpiry(d time.Duration) Option {
	return func(s *Server) {
		s.Issuer.AccessTokenExpiry = d
	}
}

// WithIssuer replaces the token issuer
func WithIssuer(issuer *Issuer) Option {
	return func(s *Server) {
		s.Issuer = issuer
	}
}

// WithLoginRate limits login attempts across all users
func WithLoginRate(every time.Duration, burst int) Option {
	return func(s *Server) {
		s.loginLimiter = rate.NewLimiter(rate.Every(every), burst)
	}
}

// New creates a server signing tokens with secretKey
func New(secretKey string, opts ...Option) *Server {
	s := &Server{
		Issuer:       &Issuer{SecretKey: secretKey, Issuer: "tokenkeeper"},
		Sessions:     scs.New(),
		users:        make(map[string][]byte),
		consumed:     make(map[string]bool),
		revoked:      make(map[string]bool),
		loginLimiter: rate.NewLimiter(rate.Every(100*time.Millisecond), 20),
	}
	s.Sessions.Cookie.Name = "refresh_session"
	s.Sessions.Cookie.HttpOnly = true
	s.Sessions.Cookie.SameSite = http.SameSiteStrictMode
	s.Sessions.Lifetime = 7 * 24 * time.Hour

	for _, opt := range opts {
		opt(s)
	}

	r := mux.NewRouter()
	r.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/auth/refresh", s.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/auth/logout", s.handleLogout).Methods(http.MethodPost)
	r.Handle("/api/me", s.RequireAccessToken(http.HandlerFunc(s.handleMe))).Methods(http.MethodGet)
	s.router = r

	return s
}

// AddUser registers a user that can log in with password
func (s *Server) AddUser(username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = hash
	return nil
}

// Revoke makes every future refresh for userID fail with 401
func (s *Server) Revoke(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[userID] = true
}

// RefreshCount returns how many refresh requests were received
func (s *Server) RefreshCount() int64 {
	return s.refreshes.Load()
}

// Router exposes the router so callers can mount more protected routes
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the root handler with session loading applied
func (s *Server) Handler() http.Handler {
	return s.Sessions.LoadAndSave(s.router)
}

// handleLogin handles POST /auth/login
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.loginLimiter.Allow() {
		errorResponse(w, "rate_limit_exceeded", "Too many login attempts", http.StatusTooManyRequests)
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, "invalid_request", "Invalid request body", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	hash, ok := s.users[req.Username]
	s.mu.Unlock()
	if !ok || bcrypt.CompareHashAndPassword(hash, []byte(req.Password)) != nil {
		errorResponse(w, "invalid_grant", "Invalid credentials", http.StatusUnauthorized)
		return
	}

	if err := s.Sessions.RenewToken(r.Context()); err != nil {
		log.Printf("Error renewing session: %v", err)
		errorResponse(w, "server_error", "Failed to create session", http.StatusInternalServerError)
		return
	}
	s.Sessions.Put(r.Context(), sessionKeyUserID, req.Username)

	s.mu.Lock()
	delete(s.revoked, req.Username)
	s.mu.Unlock()

	s.issue(w, req.Username)
}

// handleRefresh handles POST /auth/refresh. The refresh session is single
// use: each successful refresh rotates the cookie.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshes.Add(1)
	ctx := r.Context()

	userID := s.Sessions.GetString(ctx, sessionKeyUserID)
	if userID == "" {
		errorResponse(w, "invalid_grant", "No refresh session", http.StatusUnauthorized)
		return
	}

	token := s.Sessions.Token(ctx)
	s.mu.Lock()
	reused := s.consumed[token]
	revoked := s.revoked[userID]
	if !reused && !revoked {
		s.consumed[token] = true
	}
	s.mu.Unlock()

	if revoked {
		if err := s.Sessions.Destroy(ctx); err != nil {
			log.Printf("Error destroying revoked session: %v", err)
		}
		errorResponse(w, "invalid_grant", "Session has been revoked", http.StatusUnauthorized)
		return
	}
	if reused {
		errorResponse(w, "invalid_grant", "Refresh session already used", http.StatusUnauthorized)
		return
	}

	// Rotate refresh session (creates new one, invalidates old)
	if err := s.Sessions.RenewToken(ctx); err != nil {
		log.Printf("Error rotating refresh session: %v", err)
		errorResponse(w, "server_error", "Failed to refresh session", http.StatusInternalServerError)
		return
	}

	s.issue(w, userID)
}

// handleLogout handles POST /auth/logout
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.Sessions.Destroy(r.Context()); err != nil {
		log.Printf("Error destroying session: %v", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMe handles GET /api/me
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	dataResponse(w, map[string]string{"userId": UserIDFromContext(r.Context())})
}

// RequireAccessToken rejects requests without a valid Bearer access token
func (s *Server) RequireAccessToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
			errorResponse(w, "unauthorized", "missing bearer token", http.StatusUnauthorized)
			return
		}

		userID, err := s.Issuer.Validate(strings.TrimSpace(parts[1]))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="api", error="invalid_token"`)
			errorResponse(w, "invalid_token", err.Error(), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), contextKeyUserID, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) issue(w http.ResponseWriter, userID string) {
	accessToken, _, err := s.Issuer.Issue(userID)
	if err != nil {
		log.Printf("Error creating access token: %v", err)
		errorResponse(w, "server_error", "Failed to create token", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	dataResponse(w, map[string]string{"accessToken": accessToken})
}

// dataResponse sends {"data": v}
func dataResponse(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"data": v})
}

// errorResponse sends an OAuth 2.0 style error response
func errorResponse(w http.ResponseWriter, errorCode, description string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error":             errorCode,
		"error_description": description,
	})
}
