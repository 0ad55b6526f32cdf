// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, github, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidState         = "INVALID_STATE"
	ErrCodeInvalidRepoName      = "INVALID_REPO_NAME"
	ErrCodeInstallationNotFound = "INSTALLATION_NOT_FOUND"
	ErrCodeRepoNotAccessible    = "REPO_NOT_ACCESSIBLE"
	ErrCodeAccountMismatch      = "ACCOUNT_MISMATCH"
	ErrCodeGitHubAPIFailed      = "GITHUB_API_FAILED"
	ErrCodeUserNotFound         = "USER_NOT_FOUND"
)

// NewInvalidStateError はOAuth stateが無効な場合のエラーを生成する。
// 期限切れ・使用済み・用途違いはいずれもこのエラーに集約する。
func NewInvalidStateError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidState,
		Message:  "認証リクエストの有効期限が切れているか、無効です。",
		Category: "auth",
		Action:   "最初からやり直してください。",
	}
}

// NewInvalidRepoNameError はリポジトリ名の形式が不正な場合のエラーを生成する。
func NewInvalidRepoNameError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRepoName,
		Message:  fmt.Sprintf("無効なリポジトリ名です: %s", name),
		Category: "validation",
		Action:   "owner/name 形式で指定してください。",
	}
}

// NewInstallationNotFoundError はインストールが見つからない場合のエラーを生成する。
func NewInstallationNotFoundError(installationID int64) *APIError {
	return &APIError{
		Code:     ErrCodeInstallationNotFound,
		Message:  fmt.Sprintf("指定されたインストールが見つかりません: %d", installationID),
		Category: "github",
		Action:   "GitHub Appのインストール状態を確認してください。",
	}
}

// NewRepoNotAccessibleError は対象リポジトリへのアクセス権を持つインストールが
// 存在しない場合のエラーを生成する。
func NewRepoNotAccessibleError(fullName string) *APIError {
	return &APIError{
		Code:     ErrCodeRepoNotAccessible,
		Message:  fmt.Sprintf("このリポジトリにアクセスできるインストールがありません: %s", fullName),
		Category: "github",
		Action:   "GitHub Appをインストールし、対象リポジトリを選択してください。",
	}
}

// NewAccountMismatchError はインストール先アカウントとログインユーザーが一致しない
// 場合のエラーを生成する。
func NewAccountMismatchError() *APIError {
	return &APIError{
		Code:     ErrCodeAccountMismatch,
		Message:  "このインストールはログイン中のアカウントのものではありません。",
		Category: "auth",
		Action:   "インストールを行ったGitHubアカウントでログインし直してください。",
	}
}

// NewGitHubAPIFailedError はGitHub API呼び出しが失敗した場合のエラーを生成する。
func NewGitHubAPIFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeGitHubAPIFailed,
		Message:  "GitHub APIの呼び出しに失敗しました。",
		Category: "github",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}
