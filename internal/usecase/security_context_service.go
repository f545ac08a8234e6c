package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"conduct-integrity-service/internal/domain"
	"conduct-integrity-service/internal/metrics"
)

// SecurityContextRepository は接続単位のセキュリティ属性を操作するインターフェース。
type SecurityContextRepository interface {
	Set(ctx context.Context, sc domain.SecurityContext) error
	Clear(ctx context.Context) error
	Current(ctx context.Context) (domain.SecurityContext, error)
}

// ConnectionPinner はプールの接続1本を処理の間固定する。
type ConnectionPinner interface {
	WithPinnedConn(ctx context.Context, fn func(ctx context.Context) error) error
	DiscardPinnedConn(ctx context.Context) error
}

// SecurityContextService はDBの行レベルポリシーが参照するセキュリティ属性を管理する。
type SecurityContextService struct {
	repo    SecurityContextRepository
	pinner  ConnectionPinner
	metrics *metrics.Metrics
}

// NewSecurityContextService は新しいSecurityContextServiceを生成する。
func NewSecurityContextService(repo SecurityContextRepository, pinner ConnectionPinner) *SecurityContextService {
	return &SecurityContextService{repo: repo, pinner: pinner}
}

// WithMetrics はメトリクスの記録先を設定する。
func (s *SecurityContextService) WithMetrics(m *metrics.Metrics) *SecurityContextService {
	s.metrics = m
	return s
}

// SetAllSecurityContexts はコンテキスト上の接続にセキュリティ属性を設定する。
func (s *SecurityContextService) SetAllSecurityContexts(ctx context.Context, sc domain.SecurityContext) error {
	if !sc.Valid() {
		s.metrics.IncSecurityContext("set", "invalid")
		return fmt.Errorf("%w: user id and role are required", domain.ErrSecurityContextUnavailable)
	}
	if err := s.repo.Set(ctx, sc); err != nil {
		s.metrics.IncSecurityContext("set", "error")
		return fmt.Errorf("%w: %w", domain.ErrSecurityContextUnavailable, err)
	}
	s.metrics.IncSecurityContext("set", "ok")
	return nil
}

// ClearAllSecurityContexts はコンテキスト上の接続のセキュリティ属性を解除する。
func (s *SecurityContextService) ClearAllSecurityContexts(ctx context.Context) error {
	if err := s.repo.Clear(ctx); err != nil {
		s.metrics.IncSecurityContext("clear", "error")
		return fmt.Errorf("clearing security context: %w", err)
	}
	s.metrics.IncSecurityContext("clear", "ok")
	return nil
}

// Current は接続に設定されているセキュリティ属性を返す。未設定なら ErrSecurityContextUnavailable。
func (s *SecurityContextService) Current(ctx context.Context) (domain.SecurityContext, error) {
	sc, err := s.repo.Current(ctx)
	if err != nil {
		return domain.SecurityContext{}, fmt.Errorf("%w: %w", domain.ErrSecurityContextUnavailable, err)
	}
	if sc.UserID == "" {
		return domain.SecurityContext{}, domain.ErrSecurityContextUnavailable
	}
	return sc, nil
}

// WithSecurityContext は接続を1本固定してセキュリティ属性を設定し、fn を実行する。
//
// 設定に失敗した場合 fn は実行せず ErrSecurityContextUnavailable を返す。
// 属性は fn の成否やパニックにかかわらず解除し、解除に失敗した接続はプールに戻さず破棄する。
func (s *SecurityContextService) WithSecurityContext(ctx context.Context, sc domain.SecurityContext, fn func(ctx context.Context) error) error {
	return s.pinner.WithPinnedConn(ctx, func(pinned context.Context) error {
		if err := s.SetAllSecurityContexts(pinned, sc); err != nil {
			s.release(pinned)
			return err
		}
		defer s.release(pinned)
		return fn(domain.WithSecurityContext(pinned, sc))
	})
}

// release は属性を解除する。リクエストのキャンセル後も解除は実行する。
func (s *SecurityContextService) release(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if err := s.ClearAllSecurityContexts(ctx); err != nil {
		slog.ErrorContext(ctx, "discarding connection after failed security context clear", "error", err)
		if derr := s.pinner.DiscardPinnedConn(ctx); derr != nil {
			slog.ErrorContext(ctx, "failed to discard pinned connection", "error", derr)
		}
	}
}
