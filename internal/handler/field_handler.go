package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"conduct-integrity-service/internal/domain"
	"conduct-integrity-service/internal/middleware"
	"conduct-integrity-service/internal/usecase"
	"conduct-integrity-service/pkg/httputil"
)

// FieldHandler は機微属性の暗号化保存と読み出しのHTTPハンドラを提供する。
type FieldHandler struct {
	encryption *usecase.EncryptionService
}

// NewFieldHandler は新しいFieldHandlerを生成する。
func NewFieldHandler(encryption *usecase.EncryptionService) *FieldHandler {
	return &FieldHandler{encryption: encryption}
}

// ProtectFieldRequest はフィールド保存のリクエスト形式。
type ProtectFieldRequest struct {
	Value string `json:"value"`
}

// FieldValueResponse はフィールド読み出しのレスポンス形式。
type FieldValueResponse struct {
	Value        string `json:"value,omitempty"`
	Present      bool   `json:"present"`
	Source       string `json:"source"`
	Inaccessible bool   `json:"inaccessible,omitempty"`
}

type fieldPath struct {
	table, id, field string
}

func (p fieldPath) String() string {
	return usecase.FieldSubject(p.table, p.id, p.field)
}

func parseFieldPath(r *http.Request) (fieldPath, bool) {
	p := fieldPath{
		table: chi.URLParam(r, "owner_table"),
		id:    chi.URLParam(r, "owner_id"),
		field: chi.URLParam(r, "field_name"),
	}
	return p, validateScoreID(p.table) && validateScoreID(p.id) && validateScoreID(p.field)
}

// Protect はフィールドを現在の鍵で暗号化して保存する。
func (h *FieldHandler) Protect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, ok := parseFieldPath(r)
	if !ok {
		httputil.Error(w, http.StatusBadRequest, "INVALID_FIELD_PATH", "invalid owner table, owner ID or field name")
		return
	}
	var req ProtectFieldRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	if err := h.encryption.ProtectField(ctx, p.table, p.id, p.field, req.Value, actorID(r)); err != nil {
		middleware.WriteOperationLog(ctx, "PROTECT_FIELD", p.String(), middleware.ResultFailed)
		if errors.Is(err, domain.ErrKeyNotFound) {
			httputil.Error(w, http.StatusServiceUnavailable, "ENCRYPTION_KEY_UNAVAILABLE", "no active encryption key")
			return
		}
		slog.ErrorContext(ctx, "protecting field failed", "subject", p.String(), "error", err)
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}

	middleware.WriteOperationLog(ctx, "PROTECT_FIELD", p.String(), middleware.ResultSuccess)
	w.WriteHeader(http.StatusNoContent)
}

// Reveal は保存済みフィールドを復号して返す。復号できない場合も 200 で inaccessible を返す。
func (h *FieldHandler) Reveal(w http.ResponseWriter, r *http.Request) {
	p, ok := parseFieldPath(r)
	if !ok {
		httputil.Error(w, http.StatusBadRequest, "INVALID_FIELD_PATH", "invalid owner table, owner ID or field name")
		return
	}

	v := h.encryption.RevealField(r.Context(), p.table, p.id, p.field, nil)
	middleware.WriteOperationLog(r.Context(), "REVEAL_FIELD", p.String(), middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, FieldValueResponse{
		Value:        v.Value,
		Present:      v.Present,
		Source:       string(v.Source),
		Inaccessible: v.Inaccessible,
	})
}
