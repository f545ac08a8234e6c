package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"conduct-integrity-service/internal/domain"
	"conduct-integrity-service/internal/repository"
)

var advisorContext = domain.SecurityContext{UserID: "u1", Role: "advisor", SessionID: "s1", ClientIP: "10.0.0.1"}

func newTestSecurityContextService(t *testing.T) (*SecurityContextService, *gorm.DB) {
	t.Helper()
	db := setupTestDB(t)
	return NewSecurityContextService(repository.NewSecurityContextRepository(db), repository.NewConnPinner(db)), db
}

func TestSecurityContextService_SetAndClearOnPinnedConnection(t *testing.T) {
	svc, _ := newTestSecurityContextService(t)
	ctx := context.Background()

	var inside domain.SecurityContext
	err := svc.WithSecurityContext(ctx, advisorContext, func(ctx context.Context) error {
		var err error
		inside, err = svc.Current(ctx)
		if err != nil {
			return err
		}
		sc, ok := domain.SecurityContextFrom(ctx)
		assert.True(t, ok)
		assert.Equal(t, advisorContext, sc)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, advisorContext, inside)

	// SQLiteは1接続のため、次の利用者は同じ接続を受け取る
	_, err = svc.Current(ctx)
	assert.ErrorIs(t, err, domain.ErrSecurityContextUnavailable)
}

func TestSecurityContextService_ClearedAfterErrorAndPanic(t *testing.T) {
	svc, _ := newTestSecurityContextService(t)
	ctx := context.Background()
	fnErr := errors.New("handler failed")

	err := svc.WithSecurityContext(ctx, advisorContext, func(ctx context.Context) error {
		return fnErr
	})
	assert.ErrorIs(t, err, fnErr)
	_, err = svc.Current(ctx)
	assert.ErrorIs(t, err, domain.ErrSecurityContextUnavailable)

	assert.Panics(t, func() {
		_ = svc.WithSecurityContext(ctx, advisorContext, func(ctx context.Context) error {
			panic("boom")
		})
	})
	_, err = svc.Current(ctx)
	assert.ErrorIs(t, err, domain.ErrSecurityContextUnavailable)
}

func TestSecurityContextService_ClearsAfterCancellation(t *testing.T) {
	svc, _ := newTestSecurityContextService(t)
	ctx, cancel := context.WithCancel(context.Background())

	err := svc.WithSecurityContext(ctx, advisorContext, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = svc.Current(context.Background())
	assert.ErrorIs(t, err, domain.ErrSecurityContextUnavailable)
}

func TestSecurityContextService_InvalidContextFailsClosed(t *testing.T) {
	svc, _ := newTestSecurityContextService(t)

	called := false
	err := svc.WithSecurityContext(context.Background(), domain.SecurityContext{UserID: "u1"}, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrSecurityContextUnavailable)
	assert.False(t, called)
}

// stubSecurityContextRepository は Set/Clear の失敗を注入する。
type stubSecurityContextRepository struct {
	SecurityContextRepository
	setErr   error
	clearErr error
	clears   int
}

func (s *stubSecurityContextRepository) Set(ctx context.Context, sc domain.SecurityContext) error {
	if s.setErr != nil {
		return s.setErr
	}
	return s.SecurityContextRepository.Set(ctx, sc)
}

func (s *stubSecurityContextRepository) Clear(ctx context.Context) error {
	s.clears++
	if s.clearErr != nil {
		return s.clearErr
	}
	return s.SecurityContextRepository.Clear(ctx)
}

func TestSecurityContextService_SetFailureSkipsHandler(t *testing.T) {
	db := setupTestDB(t)
	repo := &stubSecurityContextRepository{
		SecurityContextRepository: repository.NewSecurityContextRepository(db),
		setErr:                    errors.New("connection reset"),
	}
	svc := NewSecurityContextService(repo, repository.NewConnPinner(db))

	called := false
	err := svc.WithSecurityContext(context.Background(), advisorContext, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, domain.ErrSecurityContextUnavailable)
	assert.False(t, called)
	assert.Equal(t, 1, repo.clears)
}

func TestSecurityContextService_FailedClearDiscardsConnection(t *testing.T) {
	db := setupTestDB(t)
	repo := &stubSecurityContextRepository{
		SecurityContextRepository: repository.NewSecurityContextRepository(db),
		clearErr:                  errors.New("clear failed"),
	}
	svc := NewSecurityContextService(repo, repository.NewConnPinner(db))
	ctx := context.Background()

	err := svc.WithSecurityContext(ctx, advisorContext, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)

	// 属性が残った接続は破棄され、新しい接続には何も設定されていない
	repo.clearErr = nil
	_, err = svc.Current(ctx)
	assert.ErrorIs(t, err, domain.ErrSecurityContextUnavailable)

	var one int
	require.NoError(t, db.Raw("SELECT 1").Scan(&one).Error)
	assert.Equal(t, 1, one)
}

func TestAuditService_QueryOwn_FilteredByConnectionContext(t *testing.T) {
	db := setupTestDB(t)
	tx := repository.NewTxManager(db)
	audit := NewAuditService(repository.NewAuditRepository(db), tx)
	secctx := NewSecurityContextService(repository.NewSecurityContextRepository(db), repository.NewConnPinner(db))
	ctx := context.Background()

	for _, actor := range []string{"u1", "u2", "u1"} {
		err := tx.WithinTransaction(ctx, func(ctx context.Context) error {
			_, err := audit.Record(ctx, scoreUpdateInput("SC1", actor))
			return err
		})
		require.NoError(t, err)
	}

	var page *domain.AuditPage
	err := secctx.WithSecurityContext(ctx, advisorContext, func(ctx context.Context) error {
		var err error
		page, err = audit.QueryOwn(ctx, domain.AuditFilter{})
		return err
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, page.Total)
	for _, e := range page.Entries {
		assert.Equal(t, "u1", e.PerformedBy)
	}

	// リクエストの属性だけがあり接続に何も設定されていない場合は1件も返らない
	spoofed := domain.WithSecurityContext(ctx, advisorContext)
	page, err = audit.QueryOwn(spoofed, domain.AuditFilter{})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}
