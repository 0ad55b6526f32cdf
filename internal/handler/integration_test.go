package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/gitpress/internal/middleware"
	"github.com/hitoshi/gitpress/internal/model"
	"github.com/hitoshi/gitpress/internal/resolver"
)

// --- 統合テスト用のステートフルモック ---

// integrationState は統合テスト用の共有状態を保持する。
type integrationState struct {
	oauthStates   map[string]*model.OAuthState
	sessions      map[string]*model.Session
	installations map[int64]*model.Installation
	ownerIndex    map[string][]int64 // ownerKey -> []installationID

	// RefreshReposが返すリポジトリ一覧。テスト側で差し替える。
	nextRepos []string
}

func newIntegrationState() *integrationState {
	return &integrationState{
		oauthStates:   make(map[string]*model.OAuthState),
		sessions:      make(map[string]*model.Session),
		installations: make(map[int64]*model.Installation),
		ownerIndex:    make(map[string][]int64),
	}
}

// --- 統合テスト用ルーター構築ヘルパー ---

func createIntegrationRouter(state *integrationState) http.Handler {
	sessionFinder := &mockSessionFinderForRouter{
		sessions: state.sessions,
	}

	deps := &RouterDeps{
		SessionFinder:     sessionFinder,
		CORSAllowedOrigin: "http://localhost:3000",
		CSRFConfig:        middleware.CSRFConfig{CookieSecure: false},
		RateLimiter:       middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig()),
		AuthService: &mockAuthService{
			beginLoginFn: func(ctx context.Context, returnTo string) (string, error) {
				state.oauthStates["state-integration-1"] = &model.OAuthState{
					Purpose:   model.StatePurposeLogin,
					ReturnTo:  returnTo,
					CreatedAt: time.Now(),
				}
				return "https://github.com/login/oauth/authorize?client_id=cid&state=state-integration-1", nil
			},
			completeLoginFn: func(ctx context.Context, stateParam, code string) (*model.Session, string, error) {
				saved, ok := state.oauthStates[stateParam]
				if !ok {
					return nil, "", model.NewInvalidStateError()
				}
				// stateは一度だけ消費される
				delete(state.oauthStates, stateParam)

				session := &model.Session{
					ID:            "session-integration-1",
					User:          model.User{Login: "alice", ID: 1001, Name: "Alice"},
					Installations: state.ownerIndex[model.OwnerKey("alice")],
					ExpiresAt:     time.Now().Add(7 * 24 * time.Hour),
				}
				state.sessions[session.ID] = session
				return session, saved.ReturnTo, nil
			},
			logoutFn: func(ctx context.Context, sessionID string) error {
				delete(state.sessions, sessionID)
				return nil
			},
		},
		AuthConfig: AuthHandlerConfig{FrontendURL: "http://localhost:3000", SessionMaxAge: 604800},
		InstallationService: &mockInstallationService{
			handleSetupFn: func(ctx context.Context, sess *model.Session, stateParam string, installationID int64) (*model.Installation, string, error) {
				inst := &model.Installation{
					ID:        installationID,
					Owner:     sess.User.Login,
					Repos:     []string{"alice/blog"},
					UpdatedAt: time.Now(),
				}
				state.installations[installationID] = inst

				ownerKey := model.OwnerKey(inst.Owner)
				state.ownerIndex[ownerKey] = append(state.ownerIndex[ownerKey], installationID)
				sess.Installations = append(sess.Installations, installationID)
				return inst, "", nil
			},
			refreshReposFn: func(ctx context.Context, sess *model.Session, installationID int64) (*model.Installation, error) {
				inst, ok := state.installations[installationID]
				if !ok {
					return nil, model.NewInstallationNotFoundError(installationID)
				}
				inst.Repos = state.nextRepos
				inst.UpdatedAt = time.Now()
				return inst, nil
			},
			listFn: func(ctx context.Context, sess *model.Session) ([]*model.Installation, error) {
				var results []*model.Installation
				for _, id := range sess.Installations {
					if inst, ok := state.installations[id]; ok {
						results = append(results, inst)
					}
				}
				return results, nil
			},
		},
		TokenResolver: &mockTokenResolver{
			tokenForRepoFn: func(ctx context.Context, installationIDs []int64, repoFullName string) (*resolver.RepoToken, error) {
				for _, id := range installationIDs {
					inst, ok := state.installations[id]
					if ok && inst.GrantsRepo(repoFullName) {
						return &resolver.RepoToken{
							Token:          fmt.Sprintf("ghs_integration_%d", id),
							InstallationID: id,
						}, nil
					}
				}
				return nil, nil
			},
			tokenForOwnerFn: func(ctx context.Context, owner, repoFullName string) (*resolver.RepoToken, error) {
				for _, id := range state.ownerIndex[model.OwnerKey(owner)] {
					inst, ok := state.installations[id]
					if ok && inst.GrantsRepo(repoFullName) {
						return &resolver.RepoToken{
							Token:          fmt.Sprintf("ghs_integration_%d", id),
							InstallationID: id,
						}, nil
					}
				}
				return nil, nil
			},
		},
		HealthChecker: &mockHealthChecker{},
		Gatherer:      prometheus.NewRegistry(),
	}

	return NewRouter(deps)
}

// --- エンドツーエンド統合テスト ---

// TestIntegration_AuthFlow_LoginCallbackMeLogout はOAuth認証フロー全体を検証する。
// ログイン → コールバック → セッション発行 → /auth/me で認証確認 → ログアウト → セッション破棄
func TestIntegration_AuthFlow_LoginCallbackMeLogout(t *testing.T) {
	state := newIntegrationState()
	router := createIntegrationRouter(state)

	// 1. ログイン: GitHubの認可URLにリダイレクトされること
	req := httptest.NewRequest(http.MethodGet, "/auth/github/login?return_to=/dashboard", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("step1: GET /auth/github/login status = %d, want %d", resp.StatusCode, http.StatusTemporaryRedirect)
	}

	location, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("step1: failed to parse redirect location: %v", err)
	}
	if location.Host != "github.com" {
		t.Fatalf("step1: redirect host = %q, want github.com", location.Host)
	}

	// stateはリダイレクトURLに含まれ、Cookieには保存されないこと
	oauthState := location.Query().Get("state")
	if oauthState == "" {
		t.Fatal("step1: expected state parameter in redirect URL")
	}
	if len(resp.Cookies()) != 0 {
		t.Fatalf("step1: expected no cookies, got %d", len(resp.Cookies()))
	}

	// 2. コールバック: セッションが発行されること
	callbackURL := "/auth/github/callback?code=test-auth-code&state=" + oauthState
	req = httptest.NewRequest(http.MethodGet, callbackURL, nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	resp = w.Result()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("step2: callback status = %d, want %d", resp.StatusCode, http.StatusTemporaryRedirect)
	}
	if got := resp.Header.Get("Location"); got != "http://localhost:3000/dashboard" {
		t.Errorf("step2: Location = %q, want %q", got, "http://localhost:3000/dashboard")
	}

	var sessionCookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "session_id" {
			sessionCookie = c
			break
		}
	}
	if sessionCookie == nil || sessionCookie.Value == "" {
		t.Fatal("step2: expected non-empty session_id cookie")
	}

	// 3. 同じstateの再利用は拒否されること
	req = httptest.NewRequest(http.MethodGet, callbackURL, nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusBadRequest {
		t.Errorf("step3: state reuse status = %d, want %d", w.Result().StatusCode, http.StatusBadRequest)
	}

	// 4. /auth/me: セッション付きでユーザー情報が取得できること
	req = httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.AddCookie(sessionCookie)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	resp = w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("step4: GET /auth/me status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var meBody map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&meBody)
	if meBody["login"] != "alice" {
		t.Errorf("step4: login = %q, want %q", meBody["login"], "alice")
	}

	// 5. ログアウト: セッションが破棄されること
	req = httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.AddCookie(sessionCookie)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("step5: POST /auth/logout status = %d, want %d", w.Result().StatusCode, http.StatusTemporaryRedirect)
	}

	// 6. ログアウト後に /auth/me にアクセスすると401が返ること
	req = httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.AddCookie(sessionCookie) // 古いセッションを使用
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Errorf("step6: GET /auth/me after logout status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
	}
}

// TestIntegration_InstallAndTokenFlow はインストールとトークン発行のフロー全体を検証する。
// インストールコールバック → インストール一覧 → トークン発行 → アクセス外リポジトリは404
func TestIntegration_InstallAndTokenFlow(t *testing.T) {
	state := newIntegrationState()
	// ログイン済みセッションを事前に設定
	state.sessions["session-test"] = &model.Session{
		ID:        "session-test",
		User:      model.User{Login: "alice", ID: 1001},
		ExpiresAt: time.Now().Add(1 * time.Hour),
	}

	router := createIntegrationRouter(state)
	sessionCookie := &http.Cookie{Name: "session_id", Value: "session-test"}

	// 1. インストールコールバック（GET /auth/github/setup）
	req := httptest.NewRequest(http.MethodGet, "/auth/github/setup?installation_id=42&setup_action=install", nil)
	req.AddCookie(sessionCookie)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("step1: GET /auth/github/setup status = %d, want %d", w.Result().StatusCode, http.StatusTemporaryRedirect)
	}
	if len(state.installations) != 1 {
		t.Fatalf("step1: expected 1 installation, got %d", len(state.installations))
	}

	// 2. インストール一覧にインストールが含まれること（GET /api/installations）
	req = httptest.NewRequest(http.MethodGet, "/api/installations", nil)
	req.AddCookie(sessionCookie)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("step2: GET /api/installations status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var listBody map[string][]map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&listBody)
	if len(listBody["installations"]) != 1 {
		t.Fatalf("step2: expected 1 installation, got %d", len(listBody["installations"]))
	}
	if listBody["installations"][0]["owner"] != "alice" {
		t.Errorf("step2: owner = %q, want %q", listBody["installations"][0]["owner"], "alice")
	}

	// 3. 許可済みリポジトリのトークンが発行されること（GET /api/token）
	req = httptest.NewRequest(http.MethodGet, "/api/token?repo=alice/blog", nil)
	req.AddCookie(sessionCookie)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	resp = w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("step3: GET /api/token status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var tokenBody tokenResponseBody
	json.NewDecoder(resp.Body).Decode(&tokenBody)
	if tokenBody.Token != "ghs_integration_42" {
		t.Errorf("step3: token = %q, want %q", tokenBody.Token, "ghs_integration_42")
	}
	if tokenBody.InstallationID != 42 {
		t.Errorf("step3: installation_id = %d, want 42", tokenBody.InstallationID)
	}

	// 4. アクセス権のないリポジトリは404が返ること
	req = httptest.NewRequest(http.MethodGet, "/api/token?repo=alice/secret", nil)
	req.AddCookie(sessionCookie)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusNotFound {
		t.Errorf("step4: GET /api/token (inaccessible repo) status = %d, want %d",
			w.Result().StatusCode, http.StatusNotFound)
	}
}

// TestIntegration_SessionNotLinked_FallsBackToOwnerIndex は
// セッションにリンクされていないインストールが所有者索引経由で解決されることを検証する。
func TestIntegration_SessionNotLinked_FallsBackToOwnerIndex(t *testing.T) {
	state := newIntegrationState()
	// セッションはインストールを知らないが、所有者索引には登録済み
	state.sessions["session-test"] = &model.Session{
		ID:        "session-test",
		User:      model.User{Login: "Alice", ID: 1001},
		ExpiresAt: time.Now().Add(1 * time.Hour),
	}
	state.installations[77] = &model.Installation{
		ID:    77,
		Owner: "alice",
		Repos: []string{"alice/blog"},
	}
	state.ownerIndex["alice"] = []int64{77}

	router := createIntegrationRouter(state)

	req := httptest.NewRequest(http.MethodGet, "/api/token?repo=alice/blog", nil)
	req.AddCookie(&http.Cookie{Name: "session_id", Value: "session-test"})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/token status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var tokenBody tokenResponseBody
	json.NewDecoder(resp.Body).Decode(&tokenBody)
	if tokenBody.Token != "ghs_integration_77" {
		t.Errorf("token = %q, want %q", tokenBody.Token, "ghs_integration_77")
	}

	// 所有者索引経由でも発行元インストールが特定できること
	if tokenBody.InstallationID != 77 {
		t.Errorf("installation_id = %d, want 77", tokenBody.InstallationID)
	}
}

// TestIntegration_RefreshReposFlow はリポジトリ再取得フローを検証する。
// リポジトリ一覧の再取得 → 新しく許可されたリポジトリのトークンが発行できること
func TestIntegration_RefreshReposFlow(t *testing.T) {
	state := newIntegrationState()
	state.sessions["session-test"] = &model.Session{
		ID:            "session-test",
		User:          model.User{Login: "alice", ID: 1001},
		Installations: []int64{42},
		ExpiresAt:     time.Now().Add(1 * time.Hour),
	}
	state.installations[42] = &model.Installation{
		ID:    42,
		Owner: "alice",
		Repos: []string{"alice/blog"},
	}
	state.ownerIndex["alice"] = []int64{42}

	router := createIntegrationRouter(state)
	sessionCookie := &http.Cookie{Name: "session_id", Value: "session-test"}

	// 1. 再取得前は新リポジトリのトークンが発行できないこと
	req := httptest.NewRequest(http.MethodGet, "/api/token?repo=alice/notes", nil)
	req.AddCookie(sessionCookie)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusNotFound {
		t.Fatalf("step1: GET /api/token (before refresh) status = %d, want %d",
			w.Result().StatusCode, http.StatusNotFound)
	}

	// 2. リポジトリ一覧を再取得（POST /api/installations/{id}/repos/refresh）
	state.nextRepos = []string{"alice/blog", "alice/notes"}

	req = httptest.NewRequest(http.MethodPost, "/api/installations/42/repos/refresh", nil)
	req.AddCookie(sessionCookie)
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: "test-token"})
	req.Header.Set("X-CSRF-Token", "test-token")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("step2: POST refresh status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var refreshBody map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&refreshBody)
	repos, ok := refreshBody["repos"].([]interface{})
	if !ok || len(repos) != 2 {
		t.Fatalf("step2: repos = %v, want 2 entries", refreshBody["repos"])
	}

	// 3. 再取得後は新リポジトリのトークンが発行できること
	req = httptest.NewRequest(http.MethodGet, "/api/token?repo=alice/notes", nil)
	req.AddCookie(sessionCookie)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("step3: GET /api/token (after refresh) status = %d, want %d",
			w.Result().StatusCode, http.StatusOK)
	}
}

// TestIntegration_ProtectedEndpoints_RequireAuth は全保護エンドポイントが認証を要求することを検証する。
func TestIntegration_ProtectedEndpoints_RequireAuth(t *testing.T) {
	state := newIntegrationState()
	router := createIntegrationRouter(state)

	endpoints := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/installations"},
		{http.MethodPost, "/api/installations/42/repos/refresh"},
		{http.MethodGet, "/api/token?repo=alice/blog"},
	}

	for _, ep := range endpoints {
		t.Run(ep.method+" "+ep.path, func(t *testing.T) {
			req := httptest.NewRequest(ep.method, ep.path, nil)
			w := httptest.NewRecorder()

			router.ServeHTTP(w, req)

			if w.Result().StatusCode != http.StatusUnauthorized {
				t.Errorf("%s %s (no auth) status = %d, want %d",
					ep.method, ep.path, w.Result().StatusCode, http.StatusUnauthorized)
			}
		})
	}
}
