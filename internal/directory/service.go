// Package directory はインストールとセッションの台帳を提供する。
// レコードはKVStore上にJSONで保存し、種別ごとのキープレフィックスで区別する。
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/gitpress/internal/metrics"
	"github.com/hitoshi/gitpress/internal/model"
	"github.com/hitoshi/gitpress/internal/store"
)

// キープレフィックス。レコード種別ごとに名前空間を分ける。
const (
	installationKeyPrefix      = "installation_"
	userInstallationsKeyPrefix = "user_installations_"
	sessionKeyPrefix           = "session_"
	oauthStateKeyPrefix        = "oauth_state_"
)

// Config は台帳レコードの保持期間設定。
type Config struct {
	InstallationTTL time.Duration // インストールレコードと所有者索引の保持期間（約1年）
	StateTTL        time.Duration // OAuth stateトークンの保持期間（約10分）
}

// Service はKVStore上の台帳操作を提供する。
// 復号に失敗したレコードは「存在しない」ものとして扱い、致命的エラーにしない。
// 古い形式のレコードが残っていてもログインやインストール連携を止めないため。
type Service struct {
	kv      store.KVStore
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	config  Config
}

// NewService はServiceを生成する。
func NewService(kv store.KVStore, logger *slog.Logger, collector metrics.MetricsCollector, config Config) *Service {
	return &Service{
		kv:      kv,
		logger:  logger,
		metrics: collector,
		config:  config,
	}
}

func installationKey(id int64) string {
	return fmt.Sprintf("%s%d", installationKeyPrefix, id)
}

func userInstallationsKey(owner string) string {
	return userInstallationsKeyPrefix + model.OwnerKey(owner)
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

func stateKey(state string) string {
	return oauthStateKeyPrefix + state
}

// readJSON は指定キーのレコードを読み取りvに復号する。
// キーが存在しない場合と復号に失敗した場合はfound=falseを返す。
// ストア自体の読み取り失敗のみをエラーとして返す。
func (s *Service) readJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to read directory record: %w", err)
	}
	if !ok {
		s.metrics.RecordDirectoryRead("miss")
		return false, nil
	}

	if err := json.Unmarshal([]byte(raw), v); err != nil {
		// 壊れたレコードは存在しないものとして扱う
		s.logger.Warn("failed to decode directory record",
			slog.String("key", key),
			slog.Any("error", err),
		)
		s.metrics.RecordDirectoryRead("corrupt")
		return false, nil
	}

	return true, nil
}

// writeJSON はvをJSONに変換して指定キーに保存する。
func (s *Service) writeJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode directory record: %w", err)
	}
	if err := s.kv.Put(ctx, key, string(raw), ttl); err != nil {
		return fmt.Errorf("failed to write directory record: %w", err)
	}
	return nil
}

// StoreInstallation はインストールレコードを保存し、所有者索引に追記する。
// 同じインストールIDを繰り返し保存しても索引は重複しない。
func (s *Service) StoreInstallation(ctx context.Context, inst *model.Installation) error {
	if err := s.writeJSON(ctx, installationKey(inst.ID), inst, s.config.InstallationTTL); err != nil {
		return err
	}

	// 所有者索引の追記。既に載っているIDなら索引は書き換えない。
	ids, err := s.GetUserInstallations(ctx, inst.Owner)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == inst.ID {
			return nil
		}
	}
	ids = append(ids, inst.ID)

	return s.writeJSON(ctx, userInstallationsKey(inst.Owner), ids, s.config.InstallationTTL)
}

// GetInstallation は指定IDのインストールレコードを取得する。
// 存在しない場合はnilを返す。
func (s *Service) GetInstallation(ctx context.Context, id int64) (*model.Installation, error) {
	var inst model.Installation
	found, err := s.readJSON(ctx, installationKey(id), &inst)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	s.metrics.RecordDirectoryRead("hit")
	return &inst, nil
}

// GetUserInstallations は指定アカウントに紐づくインストールIDの一覧を返す。
// 索引が存在しない場合は空を返す。
func (s *Service) GetUserInstallations(ctx context.Context, owner string) ([]int64, error) {
	var ids []int64
	found, err := s.readJSON(ctx, userInstallationsKey(owner), &ids)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	s.metrics.RecordDirectoryRead("hit")
	return ids, nil
}

// StoreSession はセッションを保存する。
// レコードの保持期間はセッション自身の有効期限から導出する。
// 更新時もセッションの絶対期限は延長されない。
func (s *Service) StoreSession(ctx context.Context, sess *model.Session) error {
	return s.writeJSON(ctx, sessionKey(sess.ID), sess, time.Until(sess.ExpiresAt))
}

// GetSession は指定IDのセッションを取得する。
// 期限切れのセッションはその場でレコードを削除し、存在しないものとして返す。
func (s *Service) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	key := sessionKey(sessionID)

	var sess model.Session
	found, err := s.readJSON(ctx, key, &sess)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	if sess.Expired(time.Now()) {
		// 遅延削除。ストアのTTLに頼らず、レコード自身の期限を正とする。
		if err := s.kv.Delete(ctx, key); err != nil {
			s.logger.Warn("failed to evict expired session",
				slog.String("session_id", sessionID),
				slog.Any("error", err),
			)
		}
		s.metrics.RecordDirectoryRead("expired")
		return nil, nil
	}

	s.metrics.RecordDirectoryRead("hit")
	return &sess, nil
}

// DeleteSession は指定IDのセッションを削除する。
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.kv.Delete(ctx, sessionKey(sessionID)); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// AppendSessionInstallation はセッションにインストールIDを追記して保存し直す。
// セッションが存在しない場合はnilを返す。既に紐づいているIDなら何もしない。
func (s *Service) AppendSessionInstallation(ctx context.Context, sessionID string, installationID int64) (*model.Session, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}

	if sess.HasInstallation(installationID) {
		return sess, nil
	}

	sess.Installations = append(sess.Installations, installationID)
	if err := s.StoreSession(ctx, sess); err != nil {
		return nil, err
	}

	return sess, nil
}

// CreateState は使い捨てのOAuth stateトークンを発行して保存する。
// stateは用途（ログイン・インストール連携）をタグ付けして保存し、
// コールバック側で発行時の用途と一致することを検証できるようにする。
func (s *Service) CreateState(ctx context.Context, purpose model.StatePurpose, returnTo string) (string, error) {
	state := uuid.New().String()

	record := &model.OAuthState{
		Purpose:   purpose,
		ReturnTo:  returnTo,
		CreatedAt: time.Now(),
	}
	if err := s.writeJSON(ctx, stateKey(state), record, s.config.StateTTL); err != nil {
		return "", err
	}

	return state, nil
}

// ConsumeState はstateトークンを検証して消費する。
// 見つかったレコードは復号の成否に関わらず削除し、再利用を防ぐ。
// 存在しないか期限切れの場合はnilを返す。
func (s *Service) ConsumeState(ctx context.Context, state string) (*model.OAuthState, error) {
	key := stateKey(state)

	raw, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read oauth state: %w", err)
	}
	if !ok {
		s.metrics.RecordDirectoryRead("miss")
		return nil, nil
	}

	// 使い捨て。読めた時点で削除する。
	if err := s.kv.Delete(ctx, key); err != nil {
		return nil, fmt.Errorf("failed to consume oauth state: %w", err)
	}

	var record model.OAuthState
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		s.logger.Warn("failed to decode oauth state",
			slog.Any("error", err),
		)
		s.metrics.RecordDirectoryRead("corrupt")
		return nil, nil
	}

	s.metrics.RecordDirectoryRead("hit")
	return &record, nil
}
