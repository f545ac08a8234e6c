package usecase

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"conduct-integrity-service/internal/domain"
	"conduct-integrity-service/internal/metrics"
)

const (
	sessionTokenBytes = 32
	sessionSaltBytes  = 16
)

// SessionRepository はセッショントークンのデータアクセスのインターフェース。
type SessionRepository interface {
	Create(ctx context.Context, s *domain.SessionToken) error
	LockUser(ctx context.Context, userID string) error
	LockLiveByUser(ctx context.Context, userID string, now time.Time) ([]*domain.SessionToken, error)
	FindByUser(ctx context.Context, userID string) ([]*domain.SessionToken, error)
	RevokeByIDs(ctx context.Context, ids []string, at time.Time) error
	RevokeAllForUser(ctx context.Context, userID string, at time.Time) (int64, error)
	DeleteStale(ctx context.Context, expiredBefore, revokedBefore time.Time) (int64, error)
}

// SessionPolicy はセッションの発行ポリシー。
type SessionPolicy struct {
	// SingleActive が true の場合、新規発行時に同じユーザーの他のセッションをすべて失効させる。
	SingleActive bool
	// MaxConcurrent は SingleActive でない場合の同時有効セッション数の上限。
	MaxConcurrent int
	TTL           time.Duration
	// Retention は期限切れ・失効済みトークンを Sweep で削除するまでの保持期間。
	Retention time.Duration
}

// SessionService はサーバー側セッショントークンの発行と検証を提供する。
type SessionService struct {
	repo    SessionRepository
	tx      Transactor
	audit   ChangeRecorder
	policy  SessionPolicy
	now     func() time.Time
	metrics *metrics.Metrics
}

// NewSessionService は新しいSessionServiceを生成する。audit は nil でもよい。
func NewSessionService(repo SessionRepository, tx Transactor, audit ChangeRecorder, policy SessionPolicy) *SessionService {
	if policy.TTL <= 0 {
		policy.TTL = 8 * time.Hour
	}
	if policy.MaxConcurrent < 1 {
		policy.MaxConcurrent = 1
	}
	return &SessionService{
		repo:   repo,
		tx:     tx,
		audit:  audit,
		policy: policy,
		now:    time.Now,
	}
}

// WithMetrics はメトリクスの記録先を設定する。
func (s *SessionService) WithMetrics(m *metrics.Metrics) *SessionService {
	s.metrics = m
	return s
}

// hashToken はトークン固有のソルトを鍵とした BLAKE2b-256 を計算する。
func hashToken(salt []byte, token string) ([]byte, error) {
	h, err := blake2b.New256(salt)
	if err != nil {
		return nil, fmt.Errorf("creating token hash: %w", err)
	}
	h.Write([]byte(token))
	return h.Sum(nil), nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// CreateSession は role を持つ新しいセッショントークンを発行し、生のトークンを返す。
// 保存するのはソルト付きハッシュのみ。ポリシーに従い既存セッションを同じトランザクションで失効させる。
// 同じユーザーへの発行はユーザー単位のロック行で直列化する。
func (s *SessionService) CreateSession(ctx context.Context, userID, role string, meta domain.ClientMetadata) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	if !domain.ValidRole(role) {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidRole, role)
	}
	raw, err := randomBytes(sessionTokenBytes)
	if err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	salt, err := randomBytes(sessionSaltBytes)
	if err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	hash, err := hashToken(salt, token)
	if err != nil {
		return "", err
	}

	now := s.now().UTC()
	session := &domain.SessionToken{
		ID:        uuid.New().String(),
		UserID:    userID,
		Role:      role,
		TokenSalt: salt,
		TokenHash: hash,
		CreatedAt: now,
		ExpiresAt: now.Add(s.policy.TTL),
		ClientIP:  meta.ClientIP,
		UserAgent: meta.UserAgent,
	}

	var revoked []string
	err = s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := s.repo.LockUser(ctx, userID); err != nil {
			return fmt.Errorf("locking user sessions: %w", err)
		}
		live, err := s.repo.LockLiveByUser(ctx, userID, now)
		if err != nil {
			return fmt.Errorf("locking live sessions: %w", err)
		}
		revoked = s.sessionsToRevoke(live)
		if err := s.repo.RevokeByIDs(ctx, revoked, now); err != nil {
			return fmt.Errorf("revoking sessions: %w", err)
		}
		if err := s.repo.Create(ctx, session); err != nil {
			return fmt.Errorf("creating session: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	slog.InfoContext(ctx, "session created",
		"user_id", userID,
		"session_id", session.ID,
		"role", role,
		"revoked", len(revoked),
	)
	s.recordNonCritical(ctx, RecordInput{
		TableName:   "session_tokens",
		RecordID:    session.ID,
		Operation:   domain.AuditOperationInsert,
		NewValues:   map[string]any{"user_id": userID, "role": role, "expires_at": session.ExpiresAt.Format(time.RFC3339), "revoked_sessions": len(revoked)},
		PerformedBy: userID,
		ClientIP:    meta.ClientIP,
	})
	return token, nil
}

// sessionsToRevoke は live（作成順）のうち新規発行で失効させるもののIDを返す。
func (s *SessionService) sessionsToRevoke(live []*domain.SessionToken) []string {
	keep := s.policy.MaxConcurrent - 1
	if s.policy.SingleActive {
		keep = 0
	}
	excess := len(live) - keep
	if excess <= 0 {
		return nil
	}
	ids := make([]string, 0, excess)
	for _, t := range live[:excess] {
		ids = append(ids, t.ID)
	}
	return ids
}

// Authenticate はトークンを検証し、一致したセッションを返す。
// 失効は期限切れより優先して報告する。
func (s *SessionService) Authenticate(ctx context.Context, userID, token string) (*domain.SessionToken, error) {
	if userID == "" || token == "" {
		s.metrics.IncSessionCheck("not_found")
		return nil, domain.ErrSessionNotFound
	}
	tokens, err := s.repo.FindByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("finding sessions: %w", err)
	}

	now := s.now()
	for _, t := range tokens {
		h, err := hashToken(t.TokenSalt, token)
		if err != nil {
			return nil, err
		}
		if subtle.ConstantTimeCompare(h, t.TokenHash) != 1 {
			continue
		}
		switch {
		case t.IsRevoked():
			s.metrics.IncSessionCheck("revoked")
			return nil, domain.ErrSessionRevoked
		case t.IsExpired(now):
			s.metrics.IncSessionCheck("expired")
			return nil, domain.ErrSessionExpired
		}
		s.metrics.IncSessionCheck("valid")
		return t, nil
	}
	s.metrics.IncSessionCheck("not_found")
	return nil, domain.ErrSessionNotFound
}

// ValidateSession はトークンが有効かどうかを返す。無効な場合は理由をエラーで返す。
func (s *SessionService) ValidateSession(ctx context.Context, userID, token string) (bool, error) {
	if _, err := s.Authenticate(ctx, userID, token); err != nil {
		return false, err
	}
	return true, nil
}

// ClearSessionToken はユーザーの未失効セッションをすべて失効させる。
func (s *SessionService) ClearSessionToken(ctx context.Context, userID string) error {
	n, err := s.repo.RevokeAllForUser(ctx, userID, s.now())
	if err != nil {
		return fmt.Errorf("revoking sessions: %w", err)
	}
	slog.InfoContext(ctx, "sessions cleared", "user_id", userID, "revoked", n)
	s.recordNonCritical(ctx, RecordInput{
		TableName:   "session_tokens",
		RecordID:    userID,
		Operation:   domain.AuditOperationUpdate,
		OldValues:   map[string]any{"live_sessions": n},
		NewValues:   map[string]any{"live_sessions": 0},
		PerformedBy: userID,
	})
	return nil
}

func (s *SessionService) recordNonCritical(ctx context.Context, in RecordInput) {
	if s.audit != nil {
		s.audit.RecordNonCritical(ctx, in)
	}
}

// Sweep は保持期間を過ぎた期限切れ・失効済みトークンを削除する。
func (s *SessionService) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.policy.Retention)
	n, err := s.repo.DeleteStale(ctx, cutoff, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweeping sessions: %w", err)
	}
	if n > 0 {
		slog.InfoContext(ctx, "stale sessions swept", "deleted", n)
	}
	return n, nil
}

// RunSweeper は ctx がキャンセルされるまで interval ごとに Sweep を実行する。
func (s *SessionService) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				slog.ErrorContext(ctx, "session sweep failed", "error", err)
			}
		}
	}
}
