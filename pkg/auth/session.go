// Package auth supplies credentials for the location stream.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"busstream/pkg/stream"

	"github.com/go-resty/resty/v2"
)

const (
	authPath       = "/api/auth"
	defaultTimeout = 15 * time.Second
)

var ErrNoRefreshToken = errors.New("auth: no refresh token available")

type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role,omitempty"`
}

type tokenResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refresh_token"`
	User         User   `json:"user"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Session logs in against the auth service and keeps the resulting access
// token, refresh token and session cookies for stream requests.
type Session struct {
	client *resty.Client
	jar    http.CookieJar
	logger *slog.Logger

	mu           sync.RWMutex
	token        string
	refreshToken string
	user         *User
}

func NewSession(baseURL string, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	jar, _ := cookiejar.New(nil)

	client := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")+authPath).
		SetTimeout(defaultTimeout).
		SetCookieJar(jar).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Session{
		client: client,
		jar:    jar,
		logger: logger,
	}
}

// Login exchanges email and password for a session.
func (s *Session) Login(ctx context.Context, email, password string) (*User, error) {
	var result tokenResponse
	var failure errorResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"email": email, "password": password}).
		SetResult(&result).
		SetError(&failure).
		Post("/login")
	if err != nil {
		return nil, fmt.Errorf("failed to call login: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("login failed: %w", statusError(resp, failure))
	}

	s.store(result)
	s.logger.Info("Logged in", "email", email, "user_id", result.User.ID)
	return &result.User, nil
}

// Refresh trades the refresh token for a new access token. A refresh token
// the server rejects (400, 401 or 403) is forgotten so the caller knows to
// log in again; it is kept through server errors and rate limiting.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.RLock()
	refreshToken := s.refreshToken
	s.mu.RUnlock()

	if refreshToken == "" {
		return ErrNoRefreshToken
	}

	var result tokenResponse
	var failure errorResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"refresh_token": refreshToken}).
		SetResult(&result).
		SetError(&failure).
		Post("/refresh")
	if err != nil {
		return fmt.Errorf("failed to call refresh: %w", err)
	}
	if resp.IsError() {
		if rejectsToken(resp.StatusCode()) {
			s.mu.Lock()
			s.refreshToken = ""
			s.mu.Unlock()
		}
		return fmt.Errorf("failed to refresh token: %w", statusError(resp, failure))
	}

	s.store(result)
	s.logger.Debug("Session refreshed")
	return nil
}

// Logout ends the session server-side and drops local credentials even if the call fails.
func (s *Session) Logout(ctx context.Context) error {
	defer s.clear()

	resp, err := s.client.R().SetContext(ctx).Post("/logout")
	if err != nil {
		return fmt.Errorf("failed to call logout: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("logout failed: %w", statusError(resp, errorResponse{}))
	}
	return nil
}

// Apply attaches the session cookies and bearer token to a stream request.
func (s *Session) Apply(_ context.Context, req *http.Request) error {
	for _, cookie := range s.jar.Cookies(req.URL) {
		req.AddCookie(cookie)
	}
	if token := s.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

// User returns the logged-in user, nil before Login
func (s *Session) User() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user
}

func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Session) store(result tokenResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = result.Token
	if result.RefreshToken != "" {
		s.refreshToken = result.RefreshToken
	}
	if result.User.ID != "" || result.User.Email != "" {
		user := result.User
		s.user = &user
	}
}

func (s *Session) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.refreshToken = ""
	s.user = nil
}

func rejectsToken(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}
	return false
}

func statusError(resp *resty.Response, failure errorResponse) error {
	body := failure.Error
	if body == "" {
		body = strings.TrimSpace(resp.String())
	}
	return &stream.StatusError{Code: resp.StatusCode(), Body: body}
}

var (
	_ stream.CredentialProvider = (*Session)(nil)
	_ stream.CredentialProvider = StaticToken("")
)

// StaticToken sends a fixed bearer token, typically a development token.
type StaticToken string

func (t StaticToken) Apply(_ context.Context, req *http.Request) error {
	if t != "" {
		req.Header.Set("Authorization", "Bearer "+string(t))
	}
	return nil
}
