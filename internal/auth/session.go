// Package auth implements the client side of the Netra auth API: login,
// logout, and token refresh with a cooldown and a consecutive-failure
// circuit breaker.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/netra-labs/netra-go/internal/config"
	"github.com/netra-labs/netra-go/internal/token"
)

var (
	// ErrRefreshFailed wraps refresh endpoint failures.
	ErrRefreshFailed = errors.New("token refresh failed")
	// ErrLoggedOut is returned once the circuit breaker has tripped or the
	// user logged out; no further network attempts are made.
	ErrLoggedOut = errors.New("session logged out")
	// ErrNoToken is returned when an operation requires a stored token.
	ErrNoToken = errors.New("no token stored")
)

// BackendConfig is the response of GET /auth/config.
type BackendConfig struct {
	DevelopmentMode bool     `json:"development_mode"`
	GoogleClientID  string   `json:"google_client_id"`
	Endpoints       struct {
		Login    string `json:"login"`
		Logout   string `json:"logout"`
		Callback string `json:"callback"`
		Token    string `json:"token"`
		User     string `json:"user"`
		DevLogin string `json:"dev_login"`
	} `json:"endpoints"`
	WSURL                       string   `json:"ws_url"`
	AuthorizedJavaScriptOrigins []string `json:"authorized_javascript_origins"`
	AuthorizedRedirectURIs      []string `json:"authorized_redirect_uris"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type refreshCall struct {
	done chan struct{}
	tok  string
	err  error
}

// Session owns the token lifecycle against the Netra auth backend.
type Session struct {
	cfg     config.AuthConfig
	baseURL string
	store   token.Store
	httpc   *http.Client
	logger  *slog.Logger

	mu          sync.Mutex
	inflight    *refreshCall
	lastAttempt time.Time
	failures    int
	loggedOut   bool
	lastErr     error
	claimsCache map[string]tokenClaims
}

// NewSession creates an auth session backed by the given token store.
func NewSession(baseURL string, store token.Store, cfg config.AuthConfig, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:     cfg,
		baseURL: baseURL,
		store:   store,
		httpc:   &http.Client{Timeout: cfg.RequestTimeout},
		logger:  logger,
		// An explicit earlier logout survives process restarts.
		loggedOut:   store.DevLogout(),
		claimsCache: make(map[string]tokenClaims),
	}
}

// Token returns the current bearer token from the store, or empty.
func (s *Session) Token() string {
	tok, _ := s.store.Token()
	return tok
}

// LoggedOut reports whether the session is in the logged-out state,
// either explicitly or via the refresh circuit breaker.
func (s *Session) LoggedOut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedOut
}

// Err returns the last background auth failure, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// NeedsRefresh reports whether the token's remaining lifetime is below
// the configured threshold. Undecodable tokens are treated as expired.
func (s *Session) NeedsRefresh(tok string) bool {
	if tok == "" {
		return true
	}
	claims, err := s.claims(tok)
	if err != nil {
		s.logger.Warn("token claims undecodable, treating as expired", "error", err)
		return true
	}
	return needsRefreshAt(claims, time.Now(), s.cfg.RefreshWindow, s.cfg.RefreshFraction)
}

func (s *Session) claims(tok string) (tokenClaims, error) {
	s.mu.Lock()
	if c, ok := s.claimsCache[tok]; ok {
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	c, err := decodeClaims(tok)
	if err != nil {
		return tokenClaims{}, err
	}

	s.mu.Lock()
	// Superseded tokens are never asked about again; keep only the
	// newest entry so the cache cannot grow across refreshes.
	s.claimsCache = map[string]tokenClaims{tok: c}
	s.mu.Unlock()
	return c, nil
}

// Refresh obtains a fresh token. Concurrent callers share one in-flight
// attempt; attempts inside the cooldown window return the current token
// without touching the network.
func (s *Session) Refresh(ctx context.Context) (string, error) {
	s.mu.Lock()

	if s.loggedOut {
		s.mu.Unlock()
		return "", ErrLoggedOut
	}

	if call := s.inflight; call != nil {
		s.mu.Unlock()
		select {
		case <-call.done:
			return call.tok, call.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if !s.lastAttempt.IsZero() && time.Since(s.lastAttempt) < s.cfg.RefreshCooldown {
		s.mu.Unlock()
		tok, ok := s.store.Token()
		if !ok {
			return "", ErrNoToken
		}
		s.logger.Debug("refresh suppressed by cooldown")
		return tok, nil
	}

	call := &refreshCall{done: make(chan struct{})}
	s.inflight = call
	s.lastAttempt = time.Now()
	s.mu.Unlock()

	tok, err := s.doRefresh(ctx)
	call.tok, call.err = tok, err

	s.mu.Lock()
	s.inflight = nil
	s.mu.Unlock()
	close(call.done)

	return tok, err
}

func (s *Session) doRefresh(ctx context.Context) (string, error) {
	oldTok, ok := s.store.Token()
	if !ok {
		s.recordFailure(fmt.Errorf("%w: %s", ErrRefreshFailed, "no token to refresh"))
		return "", ErrNoToken
	}

	var resp tokenResponse
	err := s.post(ctx, "/auth/refresh", nil, oldTok, &resp)
	if err != nil || resp.AccessToken == "" {
		if err == nil {
			err = fmt.Errorf("empty access_token in refresh response")
		}
		wrapped := fmt.Errorf("%w: %w", ErrRefreshFailed, err)
		s.recordFailure(wrapped)
		return "", wrapped
	}

	if resp.AccessToken == oldTok {
		// A refresh that returns the token it was given made no progress.
		// It is not an error for the caller, but it counts toward the
		// breaker so a wedged backend still forces a logout eventually.
		s.logger.Warn("same_token_refresh", "failures", s.failureCount()+1)
		s.recordFailure(fmt.Errorf("%w: backend returned unchanged token", ErrRefreshFailed))
		return oldTok, nil
	}

	// A login may have rotated the token while this refresh was in flight.
	// The store's newer value wins; this result is discarded.
	if current, ok := s.store.Token(); ok && current != oldTok {
		s.logger.Warn("token rotated during refresh, keeping newer token")
		s.resetFailures()
		return current, nil
	}

	if err := s.store.SetToken(resp.AccessToken); err != nil {
		wrapped := fmt.Errorf("%w: store token: %w", ErrRefreshFailed, err)
		s.recordFailure(wrapped)
		return "", wrapped
	}

	s.resetFailures()
	s.logger.Info("token refreshed")
	return resp.AccessToken, nil
}

func (s *Session) failureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

func (s *Session) recordFailure(err error) {
	s.mu.Lock()
	s.failures++
	s.lastErr = err
	tripped := s.failures >= s.cfg.MaxRefreshFailures
	if tripped {
		s.loggedOut = true
	}
	failures := s.failures
	s.mu.Unlock()

	if tripped {
		s.logger.Error("refresh circuit breaker tripped, forcing logout",
			"failures", failures, "error", err)
		if clearErr := s.store.ClearToken(); clearErr != nil {
			s.logger.Warn("failed to clear token after breaker trip", "error", clearErr)
		}
		s.clearClaimsCache()
	} else {
		s.logger.Warn("token refresh failed", "failures", failures, "error", err)
	}
}

func (s *Session) resetFailures() {
	s.mu.Lock()
	s.failures = 0
	s.lastErr = nil
	s.mu.Unlock()
}

func (s *Session) clearClaimsCache() {
	s.mu.Lock()
	s.claimsCache = make(map[string]tokenClaims)
	s.mu.Unlock()
}

// Login authenticates via the development login endpoint and stores the
// returned token. A successful login resets the circuit breaker.
func (s *Session) Login(ctx context.Context, email string) (string, error) {
	body := map[string]string{"email": email}

	var resp tokenResponse
	if err := s.post(ctx, "/auth/dev/login", body, "", &resp); err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("login: empty access_token in response")
	}

	if err := s.store.SetToken(resp.AccessToken); err != nil {
		return "", fmt.Errorf("login: store token: %w", err)
	}
	if err := s.store.SetDevLogout(false); err != nil {
		s.logger.Warn("failed to clear dev logout flag", "error", err)
	}

	s.mu.Lock()
	s.failures = 0
	s.loggedOut = false
	s.lastErr = nil
	s.lastAttempt = time.Time{}
	s.claimsCache = make(map[string]tokenClaims)
	s.mu.Unlock()

	s.logger.Info("logged in", "email", email)
	return resp.AccessToken, nil
}

// Logout revokes the token server-side and clears local state. Local
// state is cleared even when the network call fails.
func (s *Session) Logout(ctx context.Context) error {
	tok, hadToken := s.store.Token()

	var netErr error
	if hadToken {
		netErr = s.post(ctx, "/auth/logout", nil, tok, nil)
		if netErr != nil {
			s.logger.Warn("server-side logout failed, clearing local state anyway", "error", netErr)
		}
	}

	if err := s.store.ClearToken(); err != nil {
		return fmt.Errorf("logout: clear token: %w", err)
	}
	if err := s.store.SetDevLogout(true); err != nil {
		s.logger.Warn("failed to set dev logout flag", "error", err)
	}

	s.mu.Lock()
	s.loggedOut = true
	s.failures = 0
	s.claimsCache = make(map[string]tokenClaims)
	s.mu.Unlock()

	s.logger.Info("logged out")
	return netErr
}

// FetchConfig retrieves the backend's auth/websocket configuration.
func (s *Session) FetchConfig(ctx context.Context) (*BackendConfig, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/auth/config", nil)
	if err != nil {
		return nil, fmt.Errorf("fetch config: %w", err)
	}

	resp, err := s.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch config: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			s.logger.Debug("failed to close config response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch config: unexpected status %d", resp.StatusCode)
	}

	var cfg BackendConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("fetch config: decode response: %w", err)
	}
	return &cfg, nil
}

// StartAutoRefresh runs a background loop that refreshes the token when
// it nears expiry. The loop stops when ctx is cancelled or the circuit
// breaker trips.
func (s *Session) StartAutoRefresh(ctx context.Context) {
	interval := s.cfg.AutoRefreshInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		s.logger.Debug("auto-refresh loop started", "interval", interval)

		for {
			select {
			case <-ctx.Done():
				s.logger.Debug("auto-refresh loop stopped", "reason", ctx.Err())
				return
			case <-ticker.C:
				if s.LoggedOut() {
					s.logger.Debug("auto-refresh loop stopped: session logged out")
					return
				}
				tok, ok := s.store.Token()
				if !ok || !s.NeedsRefresh(tok) {
					continue
				}
				if _, err := s.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
					// recordFailure already captured it; background errors
					// surface through Err(), never into caller code.
					s.logger.Debug("background refresh attempt failed", "error", err)
				}
			}
		}
	}()
}

func (s *Session) post(ctx context.Context, path string, body any, bearer string, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := s.httpc.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			s.logger.Debug("failed to close response body", "error", closeErr, "path", path)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}
