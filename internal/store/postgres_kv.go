package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresKV はPostgreSQLを使用したKVStoreの実装。
// 全エントリを kv_entries テーブル1枚で保持する。期限切れエントリは
// 読み取り時のexpires_at比較で除外し、物理削除はクリーンアップワーカーが行う。
type PostgresKV struct {
	db *sql.DB
}

// NewPostgresKV はPostgresKVを生成する。
func NewPostgresKV(db *sql.DB) *PostgresKV {
	return &PostgresKV{db: db}
}

// Get は指定キーの値を取得する。キーが存在しないか期限切れの場合はok=falseを返す。
func (s *PostgresKV) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value
		 FROM kv_entries
		 WHERE key = $1 AND expires_at > now()`,
		key,
	).Scan(&value)

	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get kv entry: %w", err)
	}

	return value, true, nil
}

// Put は値を指定TTLで保存する。既存キーは値と有効期限を上書きする。
func (s *PostgresKV) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_entries (key, value, expires_at, updated_at)
		 VALUES ($1, $2, now() + $3 * interval '1 second', now())
		 ON CONFLICT (key) DO UPDATE
		 SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = now()`,
		key, value, int64(ttl.Seconds()),
	)
	if err != nil {
		return fmt.Errorf("failed to put kv entry: %w", err)
	}
	return nil
}

// Delete は指定キーを削除する。
func (s *PostgresKV) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE key = $1`,
		key,
	)
	if err != nil {
		return fmt.Errorf("failed to delete kv entry: %w", err)
	}
	return nil
}

// compile-time interface check
var _ KVStore = (*PostgresKV)(nil)
