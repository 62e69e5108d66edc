package stub

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/netra-labs/netra-go/internal/auth"
	"github.com/netra-labs/netra-go/internal/chat"
	"github.com/netra-labs/netra-go/internal/config"
	"github.com/netra-labs/netra-go/internal/reconcile"
	"github.com/netra-labs/netra-go/internal/socket"
	"github.com/netra-labs/netra-go/internal/token"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func startStub(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(Config{}, testLogger()).Router())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any, bearer string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(http.MethodPost, url, reader)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func loginToken(t *testing.T, baseURL string) string {
	t.Helper()
	resp := postJSON(t, baseURL+"/auth/dev/login", map[string]string{"email": "dev@example.com"}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 from dev login, got %d", resp.StatusCode)
	}
	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode login response: %v", err)
	}
	if body.AccessToken == "" {
		t.Fatal("Expected non-empty access token")
	}
	return body.AccessToken
}

func TestAuthConfig_DerivesWSURL(t *testing.T) {
	srv := startStub(t)

	resp, err := http.Get(srv.URL + "/auth/config")
	if err != nil {
		t.Fatalf("Config request failed: %v", err)
	}
	defer resp.Body.Close()

	var cfg struct {
		DevelopmentMode bool   `json:"development_mode"`
		WSURL           string `json:"ws_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		t.Fatalf("Failed to decode config: %v", err)
	}
	if !cfg.DevelopmentMode {
		t.Error("Expected development mode")
	}
	if !strings.HasPrefix(cfg.WSURL, "ws://") || !strings.HasSuffix(cfg.WSURL, "/ws") {
		t.Errorf("Unexpected ws_url %q", cfg.WSURL)
	}
}

func TestRefreshAndLogout(t *testing.T) {
	srv := startStub(t)
	tok := loginToken(t, srv.URL)

	// Refresh hands out a distinct token; the old one stays valid.
	resp := postJSON(t, srv.URL+"/auth/refresh", nil, tok)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 from refresh, got %d", resp.StatusCode)
	}
	var refreshed struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&refreshed); err != nil {
		t.Fatalf("Failed to decode refresh response: %v", err)
	}
	if refreshed.AccessToken == tok {
		t.Error("Expected refresh to issue a new token")
	}

	resp = postJSON(t, srv.URL+"/auth/refresh", nil, tok)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected old token still valid after refresh, got %d", resp.StatusCode)
	}

	// Logout revokes: the logged-out token stops working.
	resp = postJSON(t, srv.URL+"/auth/logout", nil, tok)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 from logout, got %d", resp.StatusCode)
	}
	resp = postJSON(t, srv.URL+"/auth/refresh", nil, tok)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 for revoked token, got %d", resp.StatusCode)
	}
}

func TestRefresh_RejectsGarbageToken(t *testing.T) {
	srv := startStub(t)

	resp := postJSON(t, srv.URL+"/auth/refresh", nil, "not-a-token")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/auth/refresh", nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 without bearer, got %d", resp.StatusCode)
	}
}

func TestWS_RejectsInvalidToken(t *testing.T) {
	srv := startStub(t)

	resp, err := http.Get(srv.URL + "/ws?token=bogus")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 401 for bogus websocket token, got %d", resp.StatusCode)
	}
}

// TestChatSession_EndToEnd runs the full client stack against the stub:
// login, websocket connect, send, confirmation, scripted agent run.
func TestChatSession_EndToEnd(t *testing.T) {
	srv := startStub(t)

	store := token.NewMemory()
	authCfg := config.AuthConfig{
		RefreshWindow:      5 * time.Minute,
		RefreshFraction:    1.0 / 3.0,
		RefreshCooldown:    30 * time.Second,
		MaxRefreshFailures: 3,
		RequestTimeout:     5 * time.Second,
	}
	authSess := auth.NewSession(srv.URL, store, authCfg, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := authSess.Login(ctx, "dev@example.com"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	backend, err := authSess.FetchConfig(ctx)
	if err != nil {
		t.Fatalf("FetchConfig failed: %v", err)
	}

	tokens := func(ctx context.Context) (string, error) {
		return authSess.Token(), nil
	}
	sockCfg := config.SocketConfig{
		BackoffBase:          50 * time.Millisecond,
		MaxReconnectAttempts: 5,
		QueueCapacity:        100,
		DialTimeout:          5 * time.Second,
	}
	conn := socket.NewConnection(backend.WSURL, tokens, nil, sockCfg, testLogger())

	chatCfg := config.ChatConfig{
		ReconcileTimeout:    15 * time.Second,
		ReconcileMaxRetries: 2,
		SweepInterval:       5 * time.Second,
	}
	rec := reconcile.New(chatCfg.ReconcileTimeout, chatCfg.ReconcileMaxRetries, testLogger())
	session := chat.NewSession(authSess, conn, rec, chatCfg, testLogger())

	if err := session.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer session.Close()

	if !session.Connected() {
		t.Fatalf("Expected open connection, state is %v", session.ConnectionState())
	}

	opt, err := session.SendMessage(ctx, "hello stub")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	// The scripted run ends with an assistant message and an idle agent.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		stats := session.Stats()
		msgs := session.Messages()
		var haveAssistant bool
		for _, m := range msgs {
			if m.Role == chat.RoleAssistant {
				haveAssistant = true
			}
		}
		if stats.TotalConfirmed == 1 && haveAssistant && session.AgentStatus() == chat.AgentIdle {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	stats := session.Stats()
	if stats.TotalConfirmed != 1 {
		t.Fatalf("Expected confirmed optimistic message, stats %+v", stats)
	}

	entry, ok := rec.Get(opt.TempID)
	if !ok || entry.Status != reconcile.StatusConfirmed {
		t.Errorf("Expected reconciliation entry confirmed, got %+v", entry)
	}

	msgs := session.Messages()
	var userMsg, assistantMsg *chat.Message
	for i := range msgs {
		switch msgs[i].Role {
		case chat.RoleUser:
			userMsg = &msgs[i]
		case chat.RoleAssistant:
			assistantMsg = &msgs[i]
		}
	}
	if userMsg == nil || userMsg.Pending {
		t.Errorf("Expected confirmed user message, got %+v", userMsg)
	}
	if assistantMsg == nil {
		t.Error("Expected an assistant message from the scripted run")
	}
	if session.AgentStatus() != chat.AgentIdle {
		t.Errorf("Expected idle agent after run, got %q", session.AgentStatus())
	}
	if p := session.WorkflowProgress(); p.TotalSteps != 3 || p.CurrentStep != 3 {
		t.Errorf("Expected final workflow progress 3/3, got %+v", p)
	}
}
