package handler

import (
	"log/slog"
	"net/http"

	"conduct-integrity-service/internal/middleware"
	"conduct-integrity-service/internal/usecase"
	"conduct-integrity-service/pkg/httputil"
)

// SessionHandler はセッション操作のHTTPハンドラを提供する。
type SessionHandler struct {
	sessions *usecase.SessionService
}

// NewSessionHandler は新しいSessionHandlerを生成する。
func NewSessionHandler(sessions *usecase.SessionService) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// Logout はリクエストしたユーザーのセッションをすべて失効させる。
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := actorID(r)
	if err := h.sessions.ClearSessionToken(ctx, userID); err != nil {
		slog.ErrorContext(ctx, "logout failed", "user_id", userID, "error", err)
		middleware.WriteOperationLog(ctx, "LOGOUT", userID, middleware.ResultFailed)
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}
	middleware.WriteOperationLog(ctx, "LOGOUT", userID, middleware.ResultSuccess)
	w.WriteHeader(http.StatusNoContent)
}
