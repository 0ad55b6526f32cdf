package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/hitoshi/gitpress/internal/model"
	"github.com/hitoshi/gitpress/internal/resolver"
)

// TokenResolverInterface はトークンハンドラーが必要とするリゾルバインターフェース。
type TokenResolverInterface interface {
	// TokenForRepo は候補インストールの中から対象リポジトリにアクセスできるものを探し、
	// インストールトークンを発行元IDとともに発行する。見つからない場合はnil。
	TokenForRepo(ctx context.Context, installationIDs []int64, repoFullName string) (*resolver.RepoToken, error)
	// TokenForOwner は所有者索引からインストール候補を引いてTokenForRepoに委譲する。
	TokenForOwner(ctx context.Context, owner, repoFullName string) (*resolver.RepoToken, error)
}

// repoNamePattern はowner/name形式のリポジトリ名を検証する。
// ownerは英数字とハイフン、nameは英数字とピリオド・ハイフン・アンダースコア。
var repoNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]*/[A-Za-z0-9._-]+$`)

// TokenHandler はインストールトークン発行のHTTPハンドラー。
type TokenHandler struct {
	resolver TokenResolverInterface
}

// NewTokenHandler はTokenHandlerを生成する。
func NewTokenHandler(resolver TokenResolverInterface) *TokenHandler {
	return &TokenHandler{resolver: resolver}
}

// tokenResponse はトークン発行のAPIレスポンス。
// installation_idは発行元インストールを示す。クライアントはこれで
// どのインストールの権限でアクセスしているかを特定できる。
type tokenResponse struct {
	Token          string `json:"token"`
	Repo           string `json:"repo"`
	InstallationID int64  `json:"installation_id"`
}

// IssueToken は対象リポジトリへのアクセストークンを発行する。
// GET /api/token?repo=owner/name
func (h *TokenHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}

	repo := r.URL.Query().Get("repo")
	if !repoNamePattern.MatchString(repo) {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidRepoNameError(repo))
		return
	}

	// 1. セッションに紐付いたインストールから探す
	grant, err := h.resolver.TokenForRepo(r.Context(), sess.Installations, repo)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	// 2. 見つからなければ所有者索引を引き直す。
	// ログイン後にリンクされていないインストールもここで拾える。
	if grant == nil {
		grant, err = h.resolver.TokenForOwner(r.Context(), sess.User.Login, repo)
		if err != nil {
			handleServiceError(w, err)
			return
		}
	}

	if grant == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewRepoNotAccessibleError(repo))
		return
	}

	slog.Info("repository token issued",
		slog.String("repo", repo),
		slog.Int64("installation_id", grant.InstallationID),
	)

	// トークンを含むレスポンスはキャッシュさせない
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tokenResponse{
		Token:          grant.Token,
		Repo:           repo,
		InstallationID: grant.InstallationID,
	})
}
