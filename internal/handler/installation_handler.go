package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/gitpress/internal/model"
)

// InstallationServiceInterface はインストールハンドラーが必要とするサービスインターフェース。
type InstallationServiceInterface interface {
	// HandleSetup はGitHub Appインストール後のコールバックを処理し、
	// インストールをセッションユーザーに紐付ける。
	HandleSetup(ctx context.Context, sess *model.Session, state string, installationID int64) (*model.Installation, string, error)
	// RefreshRepos はGitHubから選択リポジトリ一覧を再取得して記録を更新する。
	RefreshRepos(ctx context.Context, sess *model.Session, installationID int64) (*model.Installation, error)
	// List はユーザーのインストール一覧を返す。
	List(ctx context.Context, sess *model.Session) ([]*model.Installation, error)
}

// InstallationHandler はGitHub Appインストール管理のHTTPハンドラー。
type InstallationHandler struct {
	service     InstallationServiceInterface
	sessions    SessionReader
	frontendURL string
}

// NewInstallationHandler はInstallationHandlerを生成する。
func NewInstallationHandler(service InstallationServiceInterface, sessions SessionReader, frontendURL string) *InstallationHandler {
	return &InstallationHandler{
		service:     service,
		sessions:    sessions,
		frontendURL: frontendURL,
	}
}

// installationResponse はインストール情報のAPIレスポンス。
type installationResponse struct {
	ID        int64     `json:"id"`
	Owner     string    `json:"owner"`
	Repos     []string  `json:"repos"`
	UpdatedAt time.Time `json:"updated_at"`
}

// apiErrorResponse は統一エラーフォーマットのレスポンス。
type apiErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// Setup はGitHub Appインストール後のコールバックを処理する。
// GET /auth/github/setup?installation_id=123&setup_action=install&state=yyy
// GitHub側から直接開始されたインストールはstateパラメータなしで届く。
func (h *InstallationHandler) Setup(w http.ResponseWriter, r *http.Request) {
	sess := sessionFromCookie(r, h.sessions)
	if sess == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	installationID, err := strconv.ParseInt(r.URL.Query().Get("installation_id"), 10, 64)
	if err != nil || installationID <= 0 {
		http.Error(w, "invalid installation_id parameter", http.StatusBadRequest)
		return
	}

	state := r.URL.Query().Get("state")
	slog.Info("installation setup callback",
		slog.Int64("installation_id", installationID),
		slog.String("setup_action", r.URL.Query().Get("setup_action")),
	)

	_, returnTo, err := h.service.HandleSetup(r.Context(), sess, state, installationID)
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			slog.Warn("installation setup rejected", slog.String("code", apiErr.Code))
			http.Error(w, apiErr.Message, mapAPIErrorToHTTPStatus(apiErr))
			return
		}
		slog.Error("installation setup failed", slog.String("error", err.Error()))
		http.Error(w, "installation setup failed", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, h.frontendURL+returnTo, http.StatusTemporaryRedirect)
}

// List はユーザーのインストール一覧を返す。
// GET /api/installations
func (h *InstallationHandler) List(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}

	installations, err := h.service.List(r.Context(), sess)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]installationResponse, 0, len(installations))
	for _, inst := range installations {
		resp = append(resp, toInstallationResponse(inst))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"installations": resp,
	})
}

// RefreshRepos はインストールの選択リポジトリ一覧を再取得する。
// POST /api/installations/{id}/repos/refresh
func (h *InstallationHandler) RefreshRepos(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}

	installationID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || installationID <= 0 {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "インストールIDの形式が不正です。",
			Category: "validation",
			Action:   "数値のインストールIDを指定してください。",
		})
		return
	}

	inst, err := h.service.RefreshRepos(r.Context(), sess, installationID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toInstallationResponse(inst))
}

// --- ヘルパー関数 ---

// toInstallationResponse はmodel.InstallationからAPIレスポンスに変換する。
func toInstallationResponse(inst *model.Installation) installationResponse {
	repos := inst.Repos
	if repos == nil {
		repos = []string{}
	}
	return installationResponse{
		ID:        inst.ID,
		Owner:     inst.Owner,
		Repos:     repos,
		UpdatedAt: inst.UpdatedAt,
	}
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErrorResponse{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		statusCode := mapAPIErrorToHTTPStatus(apiErr)
		writeAPIErrorResponse(w, statusCode, apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAPIErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidState, model.ErrCodeInvalidRepoName:
		return http.StatusBadRequest
	case model.ErrCodeAccountMismatch:
		return http.StatusForbidden
	case model.ErrCodeInstallationNotFound, model.ErrCodeRepoNotAccessible:
		return http.StatusNotFound
	case model.ErrCodeGitHubAPIFailed:
		return http.StatusBadGateway
	case model.ErrCodeUserNotFound:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
