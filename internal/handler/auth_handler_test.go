package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/gitpress/internal/model"
)

// --- モック定義 ---

type mockAuthService struct {
	beginLoginFn    func(ctx context.Context, returnTo string) (string, error)
	completeLoginFn func(ctx context.Context, state, code string) (*model.Session, string, error)
	beginInstallFn  func(ctx context.Context, returnTo string) (string, error)
	logoutFn        func(ctx context.Context, sessionID string) error

	beginInstallCalls int
	logoutCalls       int
}

func (m *mockAuthService) BeginLogin(ctx context.Context, returnTo string) (string, error) {
	if m.beginLoginFn != nil {
		return m.beginLoginFn(ctx, returnTo)
	}
	return "", nil
}

func (m *mockAuthService) CompleteLogin(ctx context.Context, state, code string) (*model.Session, string, error) {
	if m.completeLoginFn != nil {
		return m.completeLoginFn(ctx, state, code)
	}
	return nil, "", nil
}

func (m *mockAuthService) BeginInstall(ctx context.Context, returnTo string) (string, error) {
	m.beginInstallCalls++
	if m.beginInstallFn != nil {
		return m.beginInstallFn(ctx, returnTo)
	}
	return "", nil
}

func (m *mockAuthService) Logout(ctx context.Context, sessionID string) error {
	m.logoutCalls++
	if m.logoutFn != nil {
		return m.logoutFn(ctx, sessionID)
	}
	return nil
}

type mockSessionReader struct {
	getSessionFn func(ctx context.Context, sessionID string) (*model.Session, error)
}

func (m *mockSessionReader) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	if m.getSessionFn != nil {
		return m.getSessionFn(ctx, sessionID)
	}
	return nil, nil
}

func testSession(login string, installations ...int64) *model.Session {
	return &model.Session{
		ID:            "sess-" + login,
		User:          model.User{Login: login, ID: 1001, Name: "Test User", AvatarURL: "https://avatars.example.com/u/1001"},
		Installations: installations,
		ExpiresAt:     time.Now().Add(7 * 24 * time.Hour),
		CreatedAt:     time.Now(),
	}
}

func testAuthConfig() AuthHandlerConfig {
	return AuthHandlerConfig{
		FrontendURL:   "http://localhost:3000",
		CookieDomain:  "",
		CookieSecure:  false,
		SessionMaxAge: 604800,
	}
}

// --- テスト ---

func TestAuthHandler_Login_RedirectsToAuthorizeURL(t *testing.T) {
	var gotReturnTo string
	svc := &mockAuthService{
		beginLoginFn: func(ctx context.Context, returnTo string) (string, error) {
			gotReturnTo = returnTo
			return "https://github.com/login/oauth/authorize?client_id=cid&state=state-abc", nil
		},
	}
	h := NewAuthHandler(svc, &mockSessionReader{}, testAuthConfig())

	req := httptest.NewRequest(http.MethodGet, "/auth/github/login?return_to=/posts/drafts", nil)
	w := httptest.NewRecorder()

	h.Login(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusTemporaryRedirect)
	}

	location := resp.Header.Get("Location")
	if !containsStr(location, "github.com/login/oauth/authorize") {
		t.Errorf("Location = %q, should contain github authorize URL", location)
	}
	if gotReturnTo != "/posts/drafts" {
		t.Errorf("returnTo = %q, want %q", gotReturnTo, "/posts/drafts")
	}

	// stateはサーバー側で管理されるため、Cookieは設定されない
	if len(resp.Cookies()) != 0 {
		t.Errorf("expected no cookies, got %d", len(resp.Cookies()))
	}
}

func TestAuthHandler_Login_ServiceError_ReturnsInternalError(t *testing.T) {
	svc := &mockAuthService{
		beginLoginFn: func(ctx context.Context, returnTo string) (string, error) {
			return "", errors.New("kv write failed")
		},
	}
	h := NewAuthHandler(svc, &mockSessionReader{}, testAuthConfig())

	req := httptest.NewRequest(http.MethodGet, "/auth/github/login", nil)
	w := httptest.NewRecorder()

	h.Login(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestAuthHandler_Callback_Success_SetsCookieAndRedirects(t *testing.T) {
	svc := &mockAuthService{
		completeLoginFn: func(ctx context.Context, state, code string) (*model.Session, string, error) {
			if state != "state-abc" {
				t.Errorf("state = %q, want %q", state, "state-abc")
			}
			if code != "code-xyz" {
				t.Errorf("code = %q, want %q", code, "code-xyz")
			}
			return testSession("alice", 42), "/dashboard", nil
		},
	}
	h := NewAuthHandler(svc, &mockSessionReader{}, testAuthConfig())

	req := httptest.NewRequest(http.MethodGet, "/auth/github/callback?code=code-xyz&state=state-abc", nil)
	w := httptest.NewRecorder()

	h.Callback(w, req)

	resp := w.Result()

	// フロントエンドのreturn_to先にリダイレクトされること
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusTemporaryRedirect)
	}
	location := resp.Header.Get("Location")
	if location != "http://localhost:3000/dashboard" {
		t.Errorf("Location = %q, want %q", location, "http://localhost:3000/dashboard")
	}

	// セッションCookieが設定されること
	var sessionCookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "session_id" {
			sessionCookie = c
			break
		}
	}

	if sessionCookie == nil {
		t.Fatal("expected session_id cookie to be set")
	}
	if sessionCookie.Value != "sess-alice" {
		t.Errorf("session cookie value = %q, want %q", sessionCookie.Value, "sess-alice")
	}
	if !sessionCookie.HttpOnly {
		t.Error("session cookie should be HttpOnly")
	}
	if sessionCookie.SameSite != http.SameSiteLaxMode {
		t.Errorf("session cookie SameSite = %v, want %v", sessionCookie.SameSite, http.SameSiteLaxMode)
	}
	if sessionCookie.MaxAge != 604800 {
		t.Errorf("session cookie MaxAge = %d, want %d", sessionCookie.MaxAge, 604800)
	}
}

func TestAuthHandler_Callback_MissingParams_ReturnsBadRequest(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{name: "codeなし", query: "?state=state-abc"},
		{name: "stateなし", query: "?code=code-xyz"},
		{name: "両方なし", query: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewAuthHandler(&mockAuthService{}, &mockSessionReader{}, testAuthConfig())

			req := httptest.NewRequest(http.MethodGet, "/auth/github/callback"+tt.query, nil)
			w := httptest.NewRecorder()

			h.Callback(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestAuthHandler_Callback_InvalidState_ReturnsBadRequest(t *testing.T) {
	svc := &mockAuthService{
		completeLoginFn: func(ctx context.Context, state, code string) (*model.Session, string, error) {
			return nil, "", model.NewInvalidStateError()
		},
	}
	h := NewAuthHandler(svc, &mockSessionReader{}, testAuthConfig())

	req := httptest.NewRequest(http.MethodGet, "/auth/github/callback?code=code-xyz&state=forged", nil)
	w := httptest.NewRecorder()

	h.Callback(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	// セッションCookieは設定されないこと
	for _, c := range w.Result().Cookies() {
		if c.Name == "session_id" {
			t.Error("session cookie should not be set on invalid state")
		}
	}
}

func TestAuthHandler_Callback_ServiceError_ReturnsInternalError(t *testing.T) {
	svc := &mockAuthService{
		completeLoginFn: func(ctx context.Context, state, code string) (*model.Session, string, error) {
			return nil, "", errors.New("token exchange failed")
		},
	}
	h := NewAuthHandler(svc, &mockSessionReader{}, testAuthConfig())

	req := httptest.NewRequest(http.MethodGet, "/auth/github/callback?code=bad-code&state=state-abc", nil)
	w := httptest.NewRecorder()

	h.Callback(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestAuthHandler_Install_LoggedIn_RedirectsToInstallURL(t *testing.T) {
	svc := &mockAuthService{
		beginInstallFn: func(ctx context.Context, returnTo string) (string, error) {
			return "https://github.com/apps/gitpress/installations/new?state=install-state", nil
		},
	}
	sessions := &mockSessionReader{
		getSessionFn: func(ctx context.Context, sessionID string) (*model.Session, error) {
			return testSession("alice"), nil
		},
	}
	h := NewAuthHandler(svc, sessions, testAuthConfig())

	req := httptest.NewRequest(http.MethodGet, "/auth/github/install?return_to=/settings", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "sess-alice"})
	w := httptest.NewRecorder()

	h.Install(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusTemporaryRedirect)
	}
	if !containsStr(resp.Header.Get("Location"), "installations/new") {
		t.Errorf("Location = %q, should contain install URL", resp.Header.Get("Location"))
	}
}

func TestAuthHandler_Install_NoSession_ReturnsUnauthorized(t *testing.T) {
	svc := &mockAuthService{}
	h := NewAuthHandler(svc, &mockSessionReader{}, testAuthConfig())

	req := httptest.NewRequest(http.MethodGet, "/auth/github/install", nil)
	w := httptest.NewRecorder()

	h.Install(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if svc.beginInstallCalls != 0 {
		t.Errorf("BeginInstall called %d times, want 0", svc.beginInstallCalls)
	}
}

func TestAuthHandler_Install_ExpiredSession_ReturnsUnauthorized(t *testing.T) {
	sessions := &mockSessionReader{
		getSessionFn: func(ctx context.Context, sessionID string) (*model.Session, error) {
			return nil, nil // 期限切れは「見つからない」と同じ扱い
		},
	}
	h := NewAuthHandler(&mockAuthService{}, sessions, testAuthConfig())

	req := httptest.NewRequest(http.MethodGet, "/auth/github/install", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "sess-expired"})
	w := httptest.NewRecorder()

	h.Install(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestAuthHandler_Logout_Success_ClearsCookieAndRedirects(t *testing.T) {
	var gotSessionID string
	svc := &mockAuthService{
		logoutFn: func(ctx context.Context, sessionID string) error {
			gotSessionID = sessionID
			return nil
		},
	}
	h := NewAuthHandler(svc, &mockSessionReader{}, testAuthConfig())

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "session-to-logout"})
	w := httptest.NewRecorder()

	h.Logout(w, req)

	resp := w.Result()

	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusTemporaryRedirect)
	}
	if gotSessionID != "session-to-logout" {
		t.Errorf("logout sessionID = %q, want %q", gotSessionID, "session-to-logout")
	}

	// セッションCookieがクリアされること
	var sessionCookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "session_id" {
			sessionCookie = c
			break
		}
	}

	if sessionCookie == nil {
		t.Fatal("expected session_id cookie to be cleared")
	}
	if sessionCookie.MaxAge != -1 {
		t.Errorf("session cookie MaxAge = %d, want -1 (delete)", sessionCookie.MaxAge)
	}
}

func TestAuthHandler_Logout_NoSession_StillRedirects(t *testing.T) {
	svc := &mockAuthService{}
	h := NewAuthHandler(svc, &mockSessionReader{}, testAuthConfig())

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	w := httptest.NewRecorder()

	h.Logout(w, req)

	if w.Code != http.StatusTemporaryRedirect {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTemporaryRedirect)
	}
	if svc.logoutCalls != 0 {
		t.Errorf("Logout called %d times, want 0", svc.logoutCalls)
	}
}

func TestAuthHandler_Logout_ServiceError_StillClearsCookie(t *testing.T) {
	svc := &mockAuthService{
		logoutFn: func(ctx context.Context, sessionID string) error {
			return errors.New("kv delete failed")
		},
	}
	h := NewAuthHandler(svc, &mockSessionReader{}, testAuthConfig())

	req := httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "sess-alice"})
	w := httptest.NewRecorder()

	h.Logout(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusTemporaryRedirect)
	}

	var sessionCookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "session_id" {
			sessionCookie = c
			break
		}
	}
	if sessionCookie == nil || sessionCookie.MaxAge != -1 {
		t.Error("session cookie should be cleared even when logout fails")
	}
}

func TestAuthHandler_Me_Authenticated_ReturnsUserJSON(t *testing.T) {
	sessions := &mockSessionReader{
		getSessionFn: func(ctx context.Context, sessionID string) (*model.Session, error) {
			return testSession("alice", 42, 77), nil
		},
	}
	h := NewAuthHandler(&mockAuthService{}, sessions, testAuthConfig())

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "sess-alice"})
	w := httptest.NewRecorder()

	h.Me(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["login"] != "alice" {
		t.Errorf("login = %v, want %q", body["login"], "alice")
	}
	installations, ok := body["installations"].([]interface{})
	if !ok {
		t.Fatalf("installations = %T, want array", body["installations"])
	}
	if len(installations) != 2 {
		t.Errorf("installations length = %d, want 2", len(installations))
	}
}

func TestAuthHandler_Me_NoSession_ReturnsUnauthorized(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{}, &mockSessionReader{}, testAuthConfig())

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	w := httptest.NewRecorder()

	h.Me(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestAuthHandler_Me_SessionLookupError_ReturnsUnauthorized(t *testing.T) {
	sessions := &mockSessionReader{
		getSessionFn: func(ctx context.Context, sessionID string) (*model.Session, error) {
			return nil, errors.New("kv unavailable")
		},
	}
	h := NewAuthHandler(&mockAuthService{}, sessions, testAuthConfig())

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "sess-alice"})
	w := httptest.NewRecorder()

	h.Me(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

// containsStr は文字列sにsubstrが含まれるかチェックするヘルパー。
func containsStr(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
