package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"conduct-integrity-service/internal/domain"
	"conduct-integrity-service/pkg/httputil"
)

// リクエストヘッダー。X-User-Role は省略でき、指定した場合はセッションのロールと一致する必要がある。
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

// SessionAuthenticator はセッショントークンを検証する。
type SessionAuthenticator interface {
	Authenticate(ctx context.Context, userID, token string) (*domain.SessionToken, error)
}

// SecurityContextBinder はDB接続にセキュリティコンテキストを設定して処理を実行する。
type SecurityContextBinder interface {
	WithSecurityContext(ctx context.Context, sc domain.SecurityContext, fn func(ctx context.Context) error) error
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// ClientIP はリクエスト元のIPアドレスを返す。
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// SessionAuth はセッショントークンを検証し、リクエストの間DB接続にセキュリティコンテキストを設定する。
//
// ロールは発行時にセッションへ保存したものを使う。コンテキストを設定できない場合はハンドラを実行せず 503 を返す。
func SessionAuth(sessions SessionAuthenticator, binder SecurityContextBinder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			userID := r.Header.Get(HeaderUserID)

			session, err := sessions.Authenticate(ctx, userID, bearerToken(r))
			if err != nil {
				switch {
				case errors.Is(err, domain.ErrSessionExpired):
					httputil.Error(w, http.StatusUnauthorized, "SESSION_EXPIRED", "session has expired")
				case errors.Is(err, domain.ErrSessionRevoked):
					httputil.Error(w, http.StatusUnauthorized, "SESSION_REVOKED", "session has been revoked")
				case errors.Is(err, domain.ErrSessionNotFound):
					httputil.Error(w, http.StatusUnauthorized, "UNAUTHENTICATED", "valid session token required")
				default:
					slog.ErrorContext(ctx, "session authentication failed", "user_id", userID, "error", err)
					httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
				}
				return
			}
			if session.Role == "" {
				httputil.Error(w, http.StatusUnauthorized, "ROLE_REQUIRED", "session has no role")
				return
			}
			if claimed := r.Header.Get(HeaderUserRole); claimed != "" && claimed != session.Role {
				slog.WarnContext(ctx, "role header does not match session",
					"user_id", session.UserID,
					"session_role", session.Role,
					"claimed_role", claimed,
				)
				httputil.Error(w, http.StatusForbidden, "ROLE_MISMATCH", "role does not match session")
				return
			}

			sc := domain.SecurityContext{
				UserID:    session.UserID,
				Role:      session.Role,
				SessionID: session.ID,
				ClientIP:  ClientIP(r),
			}
			served := false
			err = binder.WithSecurityContext(ctx, sc, func(ctx context.Context) error {
				served = true
				next.ServeHTTP(w, r.WithContext(ctx))
				return nil
			})
			if err != nil && !served {
				slog.ErrorContext(ctx, "security context unavailable", "user_id", sc.UserID, "error", err)
				httputil.Error(w, http.StatusServiceUnavailable, "SECURITY_CONTEXT_UNAVAILABLE", "security context unavailable")
			}
		})
	}
}

// RequireRole はセキュリティコンテキストのロールが roles のいずれかである場合のみ次へ進める。
// SessionAuth の後段で使う。
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sc, ok := domain.SecurityContextFrom(r.Context())
			if !ok {
				httputil.Error(w, http.StatusUnauthorized, "UNAUTHENTICATED", "valid session token required")
				return
			}
			if _, ok := allowed[sc.Role]; !ok {
				WriteOperationLog(r.Context(), "ACCESS_DENIED", r.URL.Path, ResultFailed)
				httputil.Error(w, http.StatusForbidden, "FORBIDDEN", "role is not permitted for this operation")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
