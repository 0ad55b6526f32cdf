// Package auth はGitHub OAuthによるログインとセッション管理を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/gitpress/internal/model"
)

const defaultGitHubWebURL = "https://github.com"

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*model.User, error)
}

// SessionDirectory は認証フローが必要とする台帳操作のインターフェース。
type SessionDirectory interface {
	StoreSession(ctx context.Context, sess *model.Session) error
	DeleteSession(ctx context.Context, sessionID string) error
	CreateState(ctx context.Context, purpose model.StatePurpose, returnTo string) (string, error)
	ConsumeState(ctx context.Context, state string) (*model.OAuthState, error)
	GetUserInstallations(ctx context.Context, owner string) ([]int64, error)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int    // セッション有効期間（秒）
	AppSlug       string // GitHub Appのslug（インストールURLの組み立てに使う）

	// テスト用にオーバーライド可能なGitHubのWeb URL
	GitHubWebURL string
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	oauth     OAuthProvider
	directory SessionDirectory
	config    ServiceConfig
}

// NewService はServiceを生成する。
func NewService(oauth OAuthProvider, directory SessionDirectory, config ServiceConfig) *Service {
	if config.GitHubWebURL == "" {
		config.GitHubWebURL = defaultGitHubWebURL
	}
	return &Service{
		oauth:     oauth,
		directory: directory,
		config:    config,
	}
}

// BeginLogin はログインフローを開始し、GitHubの認証URLを返す。
// stateはサーバー側に用途付きで保存し、コールバックで一度だけ消費できる。
func (s *Service) BeginLogin(ctx context.Context, returnTo string) (string, error) {
	state, err := s.directory.CreateState(ctx, model.StatePurposeLogin, sanitizeReturnTo(returnTo))
	if err != nil {
		return "", fmt.Errorf("failed to create login state: %w", err)
	}

	return s.oauth.GetLoginURL(state), nil
}

// CompleteLogin はOAuthコールバックを処理し、セッションを発行する。
// 発行済みセッションとstateに保存されていた戻り先パスを返す。
func (s *Service) CompleteLogin(ctx context.Context, state, code string) (*model.Session, string, error) {
	// 1. stateを消費して検証。未知・期限切れ・用途違いはすべて拒否する。
	record, err := s.directory.ConsumeState(ctx, state)
	if err != nil {
		return nil, "", fmt.Errorf("failed to consume oauth state: %w", err)
	}
	if record == nil || record.Purpose != model.StatePurposeLogin {
		return nil, "", model.NewInvalidStateError()
	}

	// 2. 認可コードをトークンに交換し、ユーザー情報を取得
	user, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return nil, "", fmt.Errorf("failed to exchange oauth code: %w", err)
	}

	// 3. 既知のインストールを所有者索引から引いてセッションに載せる。
	// ログアウト中にGitHub側で行われたインストールもここで拾える。
	installations, err := s.directory.GetUserInstallations(ctx, user.Login)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load user installations: %w", err)
	}

	// 4. セッションを発行
	session, err := s.createSession(ctx, user, installations)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create session: %w", err)
	}

	slog.Info("user logged in",
		slog.String("login", user.Login),
		slog.Int("installations", len(installations)),
	)

	return session, record.ReturnTo, nil
}

// BeginInstall はGitHub Appのインストールフローを開始し、インストールURLを返す。
// ログインと同じstate機構を用途タグだけ変えて使う。
func (s *Service) BeginInstall(ctx context.Context, returnTo string) (string, error) {
	state, err := s.directory.CreateState(ctx, model.StatePurposeInstall, sanitizeReturnTo(returnTo))
	if err != nil {
		return "", fmt.Errorf("failed to create install state: %w", err)
	}

	return fmt.Sprintf("%s/apps/%s/installations/new?state=%s", s.config.GitHubWebURL, s.config.AppSlug, state), nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session ID is required")
	}

	if err := s.directory.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	slog.Info("user logged out", slog.String("session_id", sessionID))
	return nil
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, user *model.User, installations []int64) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	session := &model.Session{
		ID:            sessionID,
		User:          *user,
		Installations: installations,
		ExpiresAt:     time.Now().Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt:     time.Now(),
	}

	if err := s.directory.StoreSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	return session, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// sanitizeReturnTo は戻り先をアプリ内の相対パスに限定する。
// 外部URLやプロトコル相対URLへのリダイレクトは許可しない。
func sanitizeReturnTo(returnTo string) string {
	if !strings.HasPrefix(returnTo, "/") || strings.HasPrefix(returnTo, "//") {
		return ""
	}
	return returnTo
}
