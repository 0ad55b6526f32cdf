// Package store は有効期限付きキーバリュー永続化を提供する。
package store

import (
	"context"
	"time"
)

// KVStore は有効期限付きキーバリュー永続化の操作を定義する。
// 値はテキストとして保存する。構造体の変換は呼び出し側の責務。
type KVStore interface {
	// Get は指定キーの値を返す。キーが存在しない場合はok=falseを返す。
	// 期限切れエントリを返さない実装が望ましいが、保証はしない。
	// 値に有効期限を埋め込む呼び出し側は読み取り後に自ら検証すること。
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Put は値を指定TTLで保存する。既存キーは値と有効期限を上書きする。
	Put(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete は指定キーを削除する。キーが存在しない場合もエラーにしない。
	Delete(ctx context.Context, key string) error
}
