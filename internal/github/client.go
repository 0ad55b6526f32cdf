// Package github はGitHub Appとしての認証とインストールトークンの発行を提供する。
// 秘密鍵の解釈、App JWTの署名、インストールアクセストークンへの交換、
// インストール情報とリポジトリ一覧の取得を含む。
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/hitoshi/gitpress/internal/metrics"
)

const (
	// defaultBaseURL はGitHub APIのベースURL。
	defaultBaseURL = "https://api.github.com"
	// acceptHeader は全リクエストに付与するAcceptヘッダー。
	acceptHeader = "application/vnd.github.v3+json"
	// userAgent は全リクエストに付与するUser-Agentヘッダー。
	userAgent = "gitpress/1.0 GitHub App"
	// maxErrorBody はエラー診断用に保持するレスポンスボディの上限バイト数。
	maxErrorBody = 1024
	// reposPerPage はリポジトリ一覧取得の1ページあたりの件数。
	reposPerPage = 100
)

// Client はGitHub App関連APIのクライアント。
// インストールアクセストークンの発行とインストール情報の取得を行う。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
	baseURL    string // テスト・GitHub Enterprise用に差し替え可能
}

// NewClient はClientの新しいインスタンスを生成する。
// baseURLが空の場合はGitHub APIの既定のURLを使用する。
func NewClient(httpClient *http.Client, logger *slog.Logger, collector metrics.MetricsCollector, baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		metrics:    collector,
		baseURL:    baseURL,
	}
}

// accessTokenResponse はアクセストークンエンドポイントのレスポンス。
type accessTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// MintInstallationToken はApp JWTを署名し、指定インストールのアクセストークンに交換する。
// トークンはGitHub側で約1時間有効。キャッシュせず、呼び出しごとに新規発行する。
// GitHub APIが201以外を返した場合はTokenExchangeErrorを返す。
func (c *Client) MintInstallationToken(ctx context.Context, appID, privateKeyPEM string, installationID int64) (string, error) {
	if installationID <= 0 {
		return "", fmt.Errorf("installation ID must be positive: %d", installationID)
	}

	appJWT, err := c.signAppJWT(appID, privateKeyPEM)
	if err != nil {
		c.metrics.RecordTokenMint("error")
		return "", err
	}

	endpoint := fmt.Sprintf("/app/installations/%d/access_tokens", installationID)
	body, err := c.doRequest(ctx, http.MethodPost, endpoint, "Bearer "+appJWT, http.StatusCreated)
	if err != nil {
		c.metrics.RecordTokenMint("error")
		return "", err
	}

	var tokenResp accessTokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		c.metrics.RecordTokenMint("error")
		return "", fmt.Errorf("failed to parse access token response: %w", err)
	}
	if tokenResp.Token == "" {
		c.metrics.RecordTokenMint("error")
		return "", fmt.Errorf("empty token in access token response")
	}

	c.metrics.RecordTokenMint("success")
	return tokenResp.Token, nil
}

// InstallationAccount はインストール先アカウントの情報。
type InstallationAccount struct {
	InstallationID int64
	Login          string
	AccountID      int64
	Type           string // "User" または "Organization"
}

// installationResponse はインストール情報エンドポイントのレスポンス。
type installationResponse struct {
	ID      int64 `json:"id"`
	Account struct {
		Login string `json:"login"`
		ID    int64  `json:"id"`
		Type  string `json:"type"`
	} `json:"account"`
}

// GetInstallation はインストール先アカウントの情報を取得する。
// このエンドポイントはApp JWTで直接呼び出せるため、トークン交換は不要。
// インストールを信頼する前のアカウント検証に使う。
func (c *Client) GetInstallation(ctx context.Context, appID, privateKeyPEM string, installationID int64) (*InstallationAccount, error) {
	appJWT, err := c.signAppJWT(appID, privateKeyPEM)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("/app/installations/%d", installationID)
	body, err := c.doRequest(ctx, http.MethodGet, endpoint, "Bearer "+appJWT, http.StatusOK)
	if err != nil {
		return nil, err
	}

	var resp installationResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse installation response: %w", err)
	}

	return &InstallationAccount{
		InstallationID: resp.ID,
		Login:          resp.Account.Login,
		AccountID:      resp.Account.ID,
		Type:           resp.Account.Type,
	}, nil
}

// repositoriesResponse はリポジトリ一覧エンドポイントのレスポンス。
type repositoriesResponse struct {
	TotalCount   int `json:"total_count"`
	Repositories []struct {
		FullName string `json:"full_name"`
	} `json:"repositories"`
}

// ListInstallationRepositories はインストールがアクセスできるリポジトリの
// フルネーム（owner/name）一覧を返す。
// リポジトリ一覧エンドポイントはApp JWTでは呼び出せないため、先にインストール
// トークンを発行し、そのトークンで認証する。per_page=100でページングする。
func (c *Client) ListInstallationRepositories(ctx context.Context, appID, privateKeyPEM string, installationID int64) ([]string, error) {
	token, err := c.MintInstallationToken(ctx, appID, privateKeyPEM, installationID)
	if err != nil {
		return nil, err
	}

	var repos []string
	for page := 1; ; page++ {
		endpoint := fmt.Sprintf("/installation/repositories?per_page=%d&page=%d", reposPerPage, page)
		body, err := c.doRequest(ctx, http.MethodGet, endpoint, "Bearer "+token, http.StatusOK)
		if err != nil {
			return nil, err
		}

		var resp repositoriesResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("failed to parse repositories response: %w", err)
		}

		for _, repo := range resp.Repositories {
			repos = append(repos, repo.FullName)
		}

		if len(resp.Repositories) < reposPerPage || len(repos) >= resp.TotalCount {
			break
		}
	}

	return repos, nil
}

// signAppJWT はSignAppJWTを呼び出し、署名レイテンシをメトリクスに記録する。
func (c *Client) signAppJWT(appID, privateKeyPEM string) (string, error) {
	start := time.Now()
	appJWT, err := SignAppJWT(appID, privateKeyPEM)
	if err != nil {
		return "", err
	}
	c.metrics.RecordJWTSignLatency(time.Since(start))
	return appJWT, nil
}

// doRequest はGitHub APIへのリクエストを実行し、期待ステータスの場合にボディを返す。
// 期待外のステータスはTokenExchangeErrorとして返す。
func (c *Client) doRequest(ctx context.Context, method, endpoint, authorization string, wantStatus int) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", authorization)
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("github api request failed",
			slog.String("endpoint", endpoint),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("github api request failed: %w", err)
	}
	defer resp.Body.Close()

	c.metrics.RecordGitHubAPIStatus(resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != wantStatus {
		c.logger.Error("github api returned unexpected status",
			slog.String("endpoint", endpoint),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, &TokenExchangeError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			Body:       truncateBody(body),
		}
	}

	return body, nil
}

// truncateBody はエラー診断用にボディを上限バイト数まで切り詰める。
// マルチバイト文字の途中で切らないよう、直前のルーン境界まで戻す。
func truncateBody(body []byte) string {
	if len(body) <= maxErrorBody {
		return string(body)
	}
	cut := maxErrorBody
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return string(body[:cut])
}
