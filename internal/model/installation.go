// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// Installation はGitHub Appのインストールを表す。
// Repos はインストール時に選択されたリポジトリのフルネーム（owner/name）一覧。
type Installation struct {
	ID        int64     `json:"id"`
	Owner     string    `json:"owner"`
	Repos     []string  `json:"repos"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GrantsRepo はこのインストールが対象リポジトリへのアクセスを許可しているかを返す。
// GitHubのリポジトリ名は大文字小文字を区別しないため、比較も区別しない。
func (i *Installation) GrantsRepo(fullName string) bool {
	for _, r := range i.Repos {
		if strings.EqualFold(r, fullName) {
			return true
		}
	}
	return false
}

// OwnerKey はアカウントログイン名を索引用キーに正規化する。
// GitHubのログイン名は大文字小文字を区別しないため、小文字に揃える。
func OwnerKey(owner string) string {
	return strings.ToLower(owner)
}

// StatePurpose はOAuth stateの用途を表す。
type StatePurpose string

const (
	// StatePurposeLogin はOAuthログインフロー用のstate。
	StatePurposeLogin StatePurpose = "login"
	// StatePurposeInstall はGitHub Appインストールフロー用のstate。
	StatePurposeInstall StatePurpose = "install"
)

// OAuthState はサーバー側に保存される使い捨てのstateレコードを表す。
// 一度読み出されると削除され、再利用できない。
type OAuthState struct {
	Purpose   StatePurpose `json:"purpose"`
	ReturnTo  string       `json:"return_to,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}
