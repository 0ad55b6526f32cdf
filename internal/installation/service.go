// Package installation はGitHub Appインストールの連携・更新・一覧を提供する。
package installation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/gitpress/internal/github"
	"github.com/hitoshi/gitpress/internal/model"
)

// GitHubClient はインストール連携が必要とするGitHub API操作のインターフェース。
type GitHubClient interface {
	GetInstallation(ctx context.Context, appID, privateKeyPEM string, installationID int64) (*github.InstallationAccount, error)
	ListInstallationRepositories(ctx context.Context, appID, privateKeyPEM string, installationID int64) ([]string, error)
}

// Directory はインストール連携が必要とする台帳操作のインターフェース。
type Directory interface {
	StoreInstallation(ctx context.Context, inst *model.Installation) error
	GetInstallation(ctx context.Context, id int64) (*model.Installation, error)
	GetUserInstallations(ctx context.Context, owner string) ([]int64, error)
	AppendSessionInstallation(ctx context.Context, sessionID string, installationID int64) (*model.Session, error)
	ConsumeState(ctx context.Context, state string) (*model.OAuthState, error)
}

// Config はインストール連携に使うGitHub Appの資格情報。
type Config struct {
	AppID         string
	PrivateKeyPEM string
}

// Service はインストール連携に関するビジネスロジックを提供する。
type Service struct {
	github    GitHubClient
	directory Directory
	config    Config
}

// NewService はServiceを生成する。
func NewService(githubClient GitHubClient, directory Directory, config Config) *Service {
	return &Service{
		github:    githubClient,
		directory: directory,
		config:    config,
	}
}

// HandleSetup はGitHub Appインストール後のコールバックを処理する。
// stateが付いている場合はインストール用途のstateとして検証して消費する。
// GitHub側から直接開始されたインストールはstateなしで届くため、
// その場合もアカウント検証だけで連携を許可する。
func (s *Service) HandleSetup(ctx context.Context, sess *model.Session, state string, installationID int64) (*model.Installation, string, error) {
	returnTo := ""
	if state != "" {
		record, err := s.directory.ConsumeState(ctx, state)
		if err != nil {
			return nil, "", fmt.Errorf("failed to consume install state: %w", err)
		}
		if record == nil || record.Purpose != model.StatePurposeInstall {
			return nil, "", model.NewInvalidStateError()
		}
		returnTo = record.ReturnTo
	}

	inst, err := s.Link(ctx, sess, installationID)
	if err != nil {
		return nil, "", err
	}

	return inst, returnTo, nil
}

// Link はインストールをログイン中のユーザーに連携する。
// インストール先アカウントをGitHub APIで検証し、ログインユーザー本人の
// ものでなければ拒否する。検証に通ったら台帳とセッションに記録する。
func (s *Service) Link(ctx context.Context, sess *model.Session, installationID int64) (*model.Installation, error) {
	if installationID <= 0 {
		return nil, model.NewInstallationNotFoundError(installationID)
	}

	// 1. インストール先アカウントを取得して本人確認
	account, err := s.github.GetInstallation(ctx, s.config.AppID, s.config.PrivateKeyPEM, installationID)
	if err != nil {
		return nil, s.mapGitHubError(installationID, err)
	}
	if !strings.EqualFold(account.Login, sess.User.Login) {
		slog.Warn("installation account mismatch",
			slog.Int64("installation_id", installationID),
			slog.String("account", account.Login),
			slog.String("session_user", sess.User.Login),
		)
		return nil, model.NewAccountMismatchError()
	}

	// 2. アクセス可能なリポジトリの一覧を取得
	repos, err := s.github.ListInstallationRepositories(ctx, s.config.AppID, s.config.PrivateKeyPEM, installationID)
	if err != nil {
		return nil, s.mapGitHubError(installationID, err)
	}

	// 3. 台帳に記録し、セッションに紐付ける
	inst := &model.Installation{
		ID:        installationID,
		Owner:     account.Login,
		Repos:     repos,
		UpdatedAt: time.Now(),
	}
	if err := s.directory.StoreInstallation(ctx, inst); err != nil {
		return nil, fmt.Errorf("failed to store installation: %w", err)
	}
	if _, err := s.directory.AppendSessionInstallation(ctx, sess.ID, installationID); err != nil {
		return nil, fmt.Errorf("failed to link installation to session: %w", err)
	}

	slog.Info("installation linked",
		slog.Int64("installation_id", installationID),
		slog.String("owner", account.Login),
		slog.Int("repos", len(repos)),
	)

	return inst, nil
}

// RefreshRepos はインストールのリポジトリ一覧をGitHub APIから取得し直す。
// インストール画面でリポジトリ選択を変更した後に台帳を追い付かせるための操作。
func (s *Service) RefreshRepos(ctx context.Context, sess *model.Session, installationID int64) (*model.Installation, error) {
	inst, err := s.directory.GetInstallation(ctx, installationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load installation: %w", err)
	}
	if inst == nil {
		return nil, model.NewInstallationNotFoundError(installationID)
	}
	if !strings.EqualFold(inst.Owner, sess.User.Login) {
		return nil, model.NewAccountMismatchError()
	}

	repos, err := s.github.ListInstallationRepositories(ctx, s.config.AppID, s.config.PrivateKeyPEM, installationID)
	if err != nil {
		return nil, s.mapGitHubError(installationID, err)
	}

	inst.Repos = repos
	inst.UpdatedAt = time.Now()
	if err := s.directory.StoreInstallation(ctx, inst); err != nil {
		return nil, fmt.Errorf("failed to store installation: %w", err)
	}

	slog.Info("installation repos refreshed",
		slog.Int64("installation_id", installationID),
		slog.Int("repos", len(repos)),
	)

	return inst, nil
}

// List はログイン中のユーザーに紐づくインストールの一覧を返す。
// 所有者索引とセッションの両方から候補を集め、読めなかったレコードは
// 一覧から黙って除外する。一部のレコードの不調で一覧全体を失敗させない。
func (s *Service) List(ctx context.Context, sess *model.Session) ([]*model.Installation, error) {
	indexed, err := s.directory.GetUserInstallations(ctx, sess.User.Login)
	if err != nil {
		return nil, fmt.Errorf("failed to load user installations: %w", err)
	}

	seen := make(map[int64]bool)
	var result []*model.Installation
	for _, id := range append(indexed, sess.Installations...) {
		if seen[id] {
			continue
		}
		seen[id] = true

		inst, err := s.directory.GetInstallation(ctx, id)
		if err != nil {
			slog.Warn("failed to load installation for listing, skipping",
				slog.Int64("installation_id", id),
				slog.Any("error", err),
			)
			continue
		}
		if inst == nil {
			continue
		}
		result = append(result, inst)
	}

	return result, nil
}

// mapGitHubError はGitHub API呼び出しの失敗をAPIエラーに変換する。
// 404はインストール自体が存在しない（アンインストール済み等）ことを意味する。
func (s *Service) mapGitHubError(installationID int64, err error) error {
	var exchErr *github.TokenExchangeError
	if errors.As(err, &exchErr) && exchErr.StatusCode == http.StatusNotFound {
		return model.NewInstallationNotFoundError(installationID)
	}

	slog.Error("github api call failed",
		slog.Int64("installation_id", installationID),
		slog.Any("error", err),
	)
	return model.NewGitHubAPIFailedError()
}
