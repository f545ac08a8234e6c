// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("conduct-integrity-service/usecase")

// Transactor はコンテキスト伝搬型のトランザクション境界。
type Transactor interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
	InTransaction(ctx context.Context) bool
}
