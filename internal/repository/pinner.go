package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"

	"gorm.io/gorm"
)

// ConnPinner はプールから1本の接続を取り出し、処理の間その接続に固定する。
type ConnPinner struct {
	db *gorm.DB
}

// NewConnPinner は新しいConnPinnerを生成する。
func NewConnPinner(db *gorm.DB) *ConnPinner {
	return &ConnPinner{db: db}
}

// WithPinnedConn は固定接続をコンテキストに格納して fn を実行する。
// fn の終了後、接続はプールに返却される。
func (p *ConnPinner) WithPinnedConn(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.db.WithContext(ctx).Connection(func(c *gorm.DB) error {
		return fn(WithConn(ctx, c))
	})
}

// DiscardPinnedConn は固定中の接続を不正な接続として扱わせ、プールに戻さず破棄させる。
func (p *ConnPinner) DiscardPinnedConn(ctx context.Context) error {
	h, ok := ctx.Value(handleKey{}).(handle)
	if !ok {
		return errors.New("no pinned connection in context")
	}
	sqlConn, ok := h.db.Statement.ConnPool.(*sql.Conn)
	if !ok {
		return errors.New("context handle is not a pinned connection")
	}
	err := sqlConn.Raw(func(any) error {
		return driver.ErrBadConn
	})
	if errors.Is(err, driver.ErrBadConn) {
		return nil
	}
	return err
}
