// Package model はドメインモデルを定義する。
package model

import "time"

// User はGitHubアカウントでログインしたユーザーを表す。
// 独立したユーザーテーブルは持たず、セッションレコードに埋め込んで永続化する。
type User struct {
	Login     string `json:"login"`
	ID        int64  `json:"id"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Email     string `json:"email,omitempty"`
}

// Session はユーザーのログインセッションを表す。
// Installations はこのセッションに紐付けられたGitHub AppインストールIDの一覧。
type Session struct {
	ID            string    `json:"id"`
	User          User      `json:"user"`
	Installations []int64   `json:"installations"`
	ExpiresAt     time.Time `json:"expires_at"`
	CreatedAt     time.Time `json:"created_at"`
}

// Expired はセッションが有効期限切れかどうかを返す。
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// HasInstallation はインストールIDが既に紐付いているかを返す。
func (s *Session) HasInstallation(id int64) bool {
	for _, v := range s.Installations {
		if v == id {
			return true
		}
	}
	return false
}
