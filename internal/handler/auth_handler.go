// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/gitpress/internal/middleware"
	"github.com/hitoshi/gitpress/internal/model"
)

const sessionCookieName = "session_id"

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	BeginLogin(ctx context.Context, returnTo string) (string, error)
	CompleteLogin(ctx context.Context, state, code string) (*model.Session, string, error)
	BeginInstall(ctx context.Context, returnTo string) (string, error)
	Logout(ctx context.Context, sessionID string) error
}

// SessionReader はCookieからのセッション解決に必要なインターフェース。
// /auth配下のルートはセッションミドルウェアの外にあるため、ハンドラー自身が解決する。
type SessionReader interface {
	GetSession(ctx context.Context, sessionID string) (*model.Session, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	FrontendURL   string
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

// AuthHandler はGitHub OAuth認証関連のHTTPハンドラー。
type AuthHandler struct {
	service  AuthServiceInterface
	sessions SessionReader
	config   AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, sessions SessionReader, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service:  service,
		sessions: sessions,
		config:   config,
	}
}

// Login はGitHub OAuthフローを開始する。
// GET /auth/github/login?return_to=/path
// stateはサーバー側に保存されるため、Cookieには何も書かない。
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	returnTo := r.URL.Query().Get("return_to")

	url, err := h.service.BeginLogin(r.Context(), returnTo)
	if err != nil {
		slog.Error("failed to begin login", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理する。
// GET /auth/github/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	// 1. 必須パラメータの確認
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		http.Error(w, "missing state or code parameter", http.StatusBadRequest)
		return
	}

	// 2. state検証とセッション発行。stateはサーバー側で一度だけ消費される。
	session, returnTo, err := h.service.CompleteLogin(r.Context(), state, code)
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeInvalidState {
			slog.Warn("oauth state rejected")
			http.Error(w, "invalid state parameter", http.StatusBadRequest)
			return
		}
		slog.Error("oauth callback failed", slog.String("error", err.Error()))
		http.Error(w, "authentication failed", http.StatusInternalServerError)
		return
	}

	// 3. セッションCookieを設定（HTTP Only）
	h.setSessionCookie(w, session.ID)

	// 4. フロントエンドにリダイレクト
	http.Redirect(w, r, h.config.FrontendURL+returnTo, http.StatusTemporaryRedirect)
}

// Install はGitHub Appのインストールフローを開始する。
// GET /auth/github/install?return_to=/path
// ログイン済みユーザーのみ開始できる。インストール完了後のSetupで
// セッションとインストールを紐付けるため、先にログインさせる。
func (h *AuthHandler) Install(w http.ResponseWriter, r *http.Request) {
	if sess := sessionFromCookie(r, h.sessions); sess == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	returnTo := r.URL.Query().Get("return_to")

	url, err := h.service.BeginInstall(r.Context(), returnTo)
	if err != nil {
		slog.Error("failed to begin install", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

// Logout はセッションを破棄する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	// セッションCookieの取得
	cookie, err := r.Cookie(sessionCookieName)
	if err == nil && cookie.Value != "" {
		// セッションを台帳から削除。失敗してもCookieはクリアする。
		if logoutErr := h.service.Logout(r.Context(), cookie.Value); logoutErr != nil {
			slog.Error("failed to logout", slog.String("error", logoutErr.Error()))
		}
	}

	// セッションCookieをクリア
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.config.FrontendURL, http.StatusTemporaryRedirect)
}

// Me は現在のログインユーザー情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromCookie(r, h.sessions)
	if sess == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"login":         sess.User.Login,
		"id":            sess.User.ID,
		"name":          sess.User.Name,
		"avatar_url":    sess.User.AvatarURL,
		"installations": sess.Installations,
	})
}

// setSessionCookie はセッションCookieを設定する。
func (h *AuthHandler) setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sessionID,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   h.config.SessionMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// sessionFromCookie はCookieから有効なセッションを解決する。見つからなければnil。
// /auth配下のルートで使う。セッションミドルウェア配下ではコンテキストから取り出す。
func sessionFromCookie(r *http.Request, sessions SessionReader) *model.Session {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}

	sess, err := sessions.GetSession(r.Context(), cookie.Value)
	if err != nil {
		slog.Error("failed to find session", slog.String("error", err.Error()))
		return nil
	}
	return sess
}

// 認証済みルートのハンドラーがコンテキストからセッションを取り出す際の定型。
// ミドルウェアが注入済みのため、通常失敗しない。
func sessionFromRequest(w http.ResponseWriter, r *http.Request) (*model.Session, bool) {
	sess, err := middleware.SessionFromContext(r.Context())
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	return sess, true
}
