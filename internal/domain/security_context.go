package domain

import "context"

// SecurityContext はリクエスト単位のDBセキュリティコンテキスト。永続化しない。
type SecurityContext struct {
	UserID    string
	Role      string
	SessionID string
	ClientIP  string
}

// Valid は行レベルポリシーに必要な属性が揃っているかを返す。
func (s SecurityContext) Valid() bool {
	return s.UserID != "" && s.Role != ""
}

type securityContextKey struct{}

// WithSecurityContext はリクエストコンテキストにセキュリティコンテキストを格納する。
func WithSecurityContext(ctx context.Context, sc SecurityContext) context.Context {
	return context.WithValue(ctx, securityContextKey{}, sc)
}

// SecurityContextFrom はリクエストコンテキストからセキュリティコンテキストを取り出す。
func SecurityContextFrom(ctx context.Context) (SecurityContext, bool) {
	sc, ok := ctx.Value(securityContextKey{}).(SecurityContext)
	return sc, ok
}
