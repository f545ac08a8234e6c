// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"

	"gorm.io/gorm"
)

type handleKey struct{}

// handle はコンテキストに格納するDBハンドル。
// トランザクション、またはセキュリティコンテキストを設定した固定接続を表す。
type handle struct {
	db   *gorm.DB
	inTx bool
}

// WithConn は固定接続（gorm.DB.Connection で得たハンドル）をコンテキストに格納する。
// 以降のリポジトリ操作はこの接続上で実行される。
func WithConn(ctx context.Context, conn *gorm.DB) context.Context {
	if conn == nil {
		return ctx
	}
	return context.WithValue(ctx, handleKey{}, handle{db: conn})
}

func withTx(ctx context.Context, tx *gorm.DB) context.Context {
	return context.WithValue(ctx, handleKey{}, handle{db: tx, inTx: true})
}

// InTransaction はコンテキストにトランザクションが格納されているかを返す。
func InTransaction(ctx context.Context) bool {
	h, ok := ctx.Value(handleKey{}).(handle)
	return ok && h.inTx
}

// conn はコンテキスト上のハンドルがあればそれを、なければ base を返す。
func conn(ctx context.Context, base *gorm.DB) *gorm.DB {
	if h, ok := ctx.Value(handleKey{}).(handle); ok {
		return h.db.WithContext(ctx)
	}
	return base.WithContext(ctx)
}

// TxManager はコンテキスト伝搬型のトランザクションを提供する。
type TxManager struct {
	db *gorm.DB
}

// NewTxManager は新しいTxManagerを生成する。
func NewTxManager(db *gorm.DB) *TxManager {
	return &TxManager{db: db}
}

// WithinTransaction は fn をトランザクション内で実行する。
// 既にトランザクション内であればそのトランザクションに参加する。
// fn がエラーを返すとロールバックする。
func (m *TxManager) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if InTransaction(ctx) {
		return fn(ctx)
	}
	return conn(ctx, m.db).Transaction(func(tx *gorm.DB) error {
		return fn(withTx(ctx, tx))
	})
}

// InTransaction はコンテキストにトランザクションが格納されているかを返す。
func (m *TxManager) InTransaction(ctx context.Context) bool {
	return InTransaction(ctx)
}
