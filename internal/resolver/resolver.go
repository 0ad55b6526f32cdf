// Package resolver はリポジトリに対するインストールトークンの解決を提供する。
package resolver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/gitpress/internal/metrics"
	"github.com/hitoshi/gitpress/internal/model"
)

// InstallationDirectory は解決に必要な台帳操作のインターフェース。
type InstallationDirectory interface {
	// GetInstallation は指定IDのインストールレコードを返す。存在しない場合はnil。
	GetInstallation(ctx context.Context, id int64) (*model.Installation, error)
	// GetUserInstallations は指定アカウントのインストールID一覧を返す。
	GetUserInstallations(ctx context.Context, owner string) ([]int64, error)
}

// TokenMinter はインストールトークンを発行するインターフェース。
type TokenMinter interface {
	MintInstallationToken(ctx context.Context, appID, privateKeyPEM string, installationID int64) (string, error)
}

// Config はトークン解決に使うGitHub Appの資格情報。
type Config struct {
	AppID         string
	PrivateKeyPEM string
}

// RepoToken は解決結果。発行されたトークンと、それを許可した
// インストールのIDを保持する。呼び出し側はIDで発行元を特定できる。
type RepoToken struct {
	Token          string
	InstallationID int64
}

// Resolver はインストール候補を順に評価し、対象リポジトリへのアクセスを
// 許可する最初のインストールのトークンを発行する。
// 候補の評価中に起きたエラーはログに記録して次の候補に進む。
// 1つのインストールの不調が他のインストールのトークン発行を妨げないため。
type Resolver struct {
	directory InstallationDirectory
	minter    TokenMinter
	logger    *slog.Logger
	metrics   metrics.MetricsCollector
	config    Config
}

// NewResolver はResolverを生成する。
func NewResolver(
	directory InstallationDirectory,
	minter TokenMinter,
	logger *slog.Logger,
	collector metrics.MetricsCollector,
	config Config,
) *Resolver {
	return &Resolver{
		directory: directory,
		minter:    minter,
		logger:    logger,
		metrics:   collector,
		config:    config,
	}
}

// TokenForRepo は候補のインストールIDを先頭から順に評価し、対象リポジトリを
// 許可する最初のインストールのトークンを発行元IDとともに返す。
// どの候補も許可しない場合はnilを返す。これはエラーではない。
func (r *Resolver) TokenForRepo(ctx context.Context, installationIDs []int64, repoFullName string) (*RepoToken, error) {
	for _, id := range installationIDs {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("token resolution cancelled: %w", err)
		}

		inst, err := r.directory.GetInstallation(ctx, id)
		if err != nil {
			r.logger.Warn("failed to load installation, skipping",
				slog.Int64("installation_id", id),
				slog.Any("error", err),
			)
			r.metrics.RecordResolverOutcome("skip")
			continue
		}
		if inst == nil {
			continue
		}
		if !inst.GrantsRepo(repoFullName) {
			continue
		}

		token, err := r.minter.MintInstallationToken(ctx, r.config.AppID, r.config.PrivateKeyPEM, id)
		if err != nil {
			r.logger.Warn("failed to mint installation token, skipping",
				slog.Int64("installation_id", id),
				slog.Any("error", err),
			)
			r.metrics.RecordResolverOutcome("skip")
			continue
		}

		r.metrics.RecordResolverOutcome("match")
		return &RepoToken{Token: token, InstallationID: id}, nil
	}

	r.metrics.RecordResolverOutcome("no_match")
	return nil, nil
}

// TokenForOwner は所有者索引からインストール候補を取得してTokenForRepoに委譲する。
// 索引自体の読み取り失敗はエラーとして返す。
func (r *Resolver) TokenForOwner(ctx context.Context, owner, repoFullName string) (*RepoToken, error) {
	ids, err := r.directory.GetUserInstallations(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to load installations for owner: %w", err)
	}

	return r.TokenForRepo(ctx, ids, repoFullName)
}
