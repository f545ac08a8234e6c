package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"time"

	"conduct-integrity-service/internal/domain"
	"conduct-integrity-service/internal/metrics"
)

const (
	defaultAuditPageSize = 50
	maxAuditPageSize     = 200
	defaultSummaryDays   = 30
)

var (
	// ErrInvalidAuditEntry は必須項目が欠けた監査ログのエラー。
	ErrInvalidAuditEntry = errors.New("invalid audit entry")
	// ErrInvalidAuditFilter は検索条件が不正な場合のエラー。
	ErrInvalidAuditFilter = errors.New("invalid audit filter")
)

// AuditRepository は監査ログのデータアクセスのインターフェース。
type AuditRepository interface {
	Append(ctx context.Context, e *domain.AuditEntry) error
	Query(ctx context.Context, f domain.AuditFilter) ([]*domain.AuditEntry, int64, map[domain.AuditOperation]int64, error)
	QueryOwn(ctx context.Context, f domain.AuditFilter) ([]*domain.AuditEntry, int64, map[domain.AuditOperation]int64, error)
	DailySummary(ctx context.Context, since time.Time) ([]*domain.AuditDailySummary, error)
}

// ChangeRecorder は管理対象レコードの変更を監査ログに記録する。
type ChangeRecorder interface {
	Record(ctx context.Context, in RecordInput) (*domain.AuditEntry, error)
	RecordNonCritical(ctx context.Context, in RecordInput)
}

// RecordInput は監査ログ1件の入力。ClientIP が空の場合はリクエストのセキュリティコンテキストから補う。
type RecordInput struct {
	TableName     string
	RecordID      string
	Operation     domain.AuditOperation
	OldValues     map[string]any
	NewValues     map[string]any
	PerformedBy   string
	ClientIP      string
	Justification string
}

// AuditService は変更履歴の記録と検索を提供する。
type AuditService struct {
	repo    AuditRepository
	tx      Transactor
	now     func() time.Time
	metrics *metrics.Metrics
}

// NewAuditService は新しいAuditServiceを生成する。
func NewAuditService(repo AuditRepository, tx Transactor) *AuditService {
	return &AuditService{
		repo: repo,
		tx:   tx,
		now:  time.Now,
	}
}

// WithMetrics はメトリクスの記録先を設定する。
func (s *AuditService) WithMetrics(m *metrics.Metrics) *AuditService {
	s.metrics = m
	return s
}

// ChangedColumns は old と new で値が異なる列名を昇順で返す。
// INSERT では new の全列、DELETE では old の全列になる。
func ChangedColumns(oldValues, newValues map[string]any) []string {
	seen := make(map[string]struct{}, len(oldValues)+len(newValues))
	var changed []string
	check := func(k string) {
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		ov, inOld := oldValues[k]
		nv, inNew := newValues[k]
		if inOld != inNew || !reflect.DeepEqual(ov, nv) {
			changed = append(changed, k)
		}
	}
	for k := range oldValues {
		check(k)
	}
	for k := range newValues {
		check(k)
	}
	sort.Strings(changed)
	return changed
}

func validateRecordInput(in RecordInput) error {
	if !in.Operation.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidAuditOperation, in.Operation)
	}
	switch {
	case in.TableName == "":
		return fmt.Errorf("%w: table name is required", ErrInvalidAuditEntry)
	case in.RecordID == "":
		return fmt.Errorf("%w: record id is required", ErrInvalidAuditEntry)
	case in.PerformedBy == "":
		return fmt.Errorf("%w: performed_by is required", ErrInvalidAuditEntry)
	}
	return nil
}

// Record は監査ログを1件記録する。
// 呼び出し元のトランザクション内であれば同じトランザクションで書き込み、
// ロールバック時は監査ログも残らない。トランザクション外の呼び出しは BestEffort として記録する。
func (s *AuditService) Record(ctx context.Context, in RecordInput) (*domain.AuditEntry, error) {
	if err := validateRecordInput(in); err != nil {
		return nil, err
	}
	if in.ClientIP == "" {
		if sc, ok := domain.SecurityContextFrom(ctx); ok {
			in.ClientIP = sc.ClientIP
		}
	}

	entry := &domain.AuditEntry{
		TableName:      in.TableName,
		RecordID:       in.RecordID,
		Operation:      in.Operation,
		OldValues:      in.OldValues,
		NewValues:      in.NewValues,
		ChangedColumns: ChangedColumns(in.OldValues, in.NewValues),
		PerformedBy:    in.PerformedBy,
		PerformedAt:    s.now().UTC(),
		ClientIP:       in.ClientIP,
		Justification:  in.Justification,
	}

	mode := "transactional"
	if !s.tx.InTransaction(ctx) {
		mode = "best_effort"
		entry.BestEffort = true
		slog.WarnContext(ctx, "audit entry recorded outside a transaction",
			"table_name", in.TableName,
			"record_id", in.RecordID,
			"audit_operation", in.Operation,
		)
	}

	if err := s.repo.Append(ctx, entry); err != nil {
		s.metrics.IncAuditWrite(mode, "error")
		return nil, fmt.Errorf("recording audit entry: %w", err)
	}
	s.metrics.IncAuditWrite(mode, "ok")
	return entry, nil
}

// RecordNonCritical は主処理の成否に影響させない監査ログを記録する。
// 失敗はログに残し、呼び出し元には返さない。
func (s *AuditService) RecordNonCritical(ctx context.Context, in RecordInput) {
	if _, err := s.Record(ctx, in); err != nil {
		s.metrics.IncAuditWrite("non_critical", "error")
		slog.ErrorContext(ctx, "non-critical audit write failed",
			"table_name", in.TableName,
			"record_id", in.RecordID,
			"audit_operation", in.Operation,
			"error", err,
		)
	}
}

func (s *AuditService) normalizeFilter(f domain.AuditFilter) (domain.AuditFilter, error) {
	if f.Operation != "" && !f.Operation.Valid() {
		return f, fmt.Errorf("%w: %w: %q", ErrInvalidAuditFilter, domain.ErrInvalidAuditOperation, f.Operation)
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.From.After(f.To) {
		return f, fmt.Errorf("%w: from %s is after to %s", ErrInvalidAuditFilter, f.From.Format(time.RFC3339), f.To.Format(time.RFC3339))
	}
	if f.Page < 1 {
		f.Page = 1
	}
	switch {
	case f.PageSize <= 0:
		f.PageSize = defaultAuditPageSize
	case f.PageSize > maxAuditPageSize:
		f.PageSize = maxAuditPageSize
	}
	return f, nil
}

// Query は条件に一致する監査ログを新しい順に1ページ分返す。操作種別ごとの件数を含む。
func (s *AuditService) Query(ctx context.Context, f domain.AuditFilter) (*domain.AuditPage, error) {
	f, err := s.normalizeFilter(f)
	if err != nil {
		return nil, err
	}
	entries, total, stats, err := s.repo.Query(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	return &domain.AuditPage{Entries: entries, Total: total, Page: f.Page, PageSize: f.PageSize, Statistics: stats}, nil
}

// QueryOwn は接続のセキュリティコンテキストのユーザー自身の操作履歴を返す。
// 絞り込みはDB側で行い、コンテキストが無い場合は何も返さない。
func (s *AuditService) QueryOwn(ctx context.Context, f domain.AuditFilter) (*domain.AuditPage, error) {
	if _, ok := domain.SecurityContextFrom(ctx); !ok {
		return nil, domain.ErrSecurityContextUnavailable
	}
	f, err := s.normalizeFilter(f)
	if err != nil {
		return nil, err
	}
	entries, total, stats, err := s.repo.QueryOwn(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("querying own audit entries: %w", err)
	}
	return &domain.AuditPage{Entries: entries, Total: total, Page: f.Page, PageSize: f.PageSize, Statistics: stats}, nil
}

// DailySummary は直近 days 日分（当日を含む）の監査ログを日別に集計する。
func (s *AuditService) DailySummary(ctx context.Context, days int) ([]*domain.AuditDailySummary, error) {
	if days <= 0 {
		days = defaultSummaryDays
	}
	now := s.now().UTC()
	since := time.Date(now.Year(), now.Month(), now.Day()-(days-1), 0, 0, 0, 0, time.UTC)

	rows, err := s.repo.DailySummary(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("aggregating audit summary: %w", err)
	}
	return rows, nil
}
