// Package handler は管理APIのHTTPハンドラを提供する。
package handler

import (
	"log/slog"
	"net/http"
	"time"

	"conduct-integrity-service/internal/middleware"
	"conduct-integrity-service/internal/usecase"
	"conduct-integrity-service/pkg/httputil"
)

// KeyHandler は鍵管理のHTTPハンドラを提供する。
type KeyHandler struct {
	keys       *usecase.KeyService
	encryption *usecase.EncryptionService
}

// NewKeyHandler は新しいKeyHandlerを生成する。
func NewKeyHandler(keys *usecase.KeyService, encryption *usecase.EncryptionService) *KeyHandler {
	return &KeyHandler{keys: keys, encryption: encryption}
}

// KeyMetadataResponse は鍵メタデータのレスポンス形式。
type KeyMetadataResponse struct {
	KeyID           string  `json:"key_id"`
	Generation      uint    `json:"generation"`
	Algorithm       string  `json:"algorithm"`
	Active          bool    `json:"active"`
	SupersededBy    *string `json:"superseded_by,omitempty"`
	CreatedAt       string  `json:"created_at"`
	EncryptedFields *int64  `json:"encrypted_fields,omitempty"`
}

// KeyListResponse は鍵一覧のレスポンス形式。
type KeyListResponse struct {
	Keys []KeyMetadataResponse `json:"keys"`
}

// RotateKey は新しい鍵ペアを生成して有効鍵を切り替える。
func (h *KeyHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	meta, err := h.keys.RotateKey(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "key rotation failed", "error", err)
		middleware.WriteOperationLog(ctx, "ROTATE_KEY", "", middleware.ResultFailed)
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}

	middleware.WriteOperationLog(ctx, "ROTATE_KEY", meta.ID, middleware.ResultSuccess)
	httputil.JSON(w, http.StatusCreated, KeyMetadataResponse{
		KeyID:        meta.ID,
		Generation:   meta.Generation,
		Algorithm:    meta.Algorithm,
		Active:       meta.Active,
		SupersededBy: meta.SupersededBy,
		CreatedAt:    meta.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// ListKeys は鍵一覧を世代順に返す。各鍵で暗号化されたフィールド数を含む。
func (h *KeyHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	keys, err := h.keys.ListKeys(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "listing keys failed", "error", err)
		middleware.WriteOperationLog(ctx, "LIST_KEYS", "", middleware.ResultFailed)
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}

	response := KeyListResponse{Keys: make([]KeyMetadataResponse, len(keys))}
	for i, k := range keys {
		item := KeyMetadataResponse{
			KeyID:        k.ID,
			Generation:   k.Generation,
			Algorithm:    k.Algorithm,
			Active:       k.Active,
			SupersededBy: k.SupersededBy,
			CreatedAt:    k.CreatedAt.UTC().Format(time.RFC3339),
		}
		if h.encryption != nil {
			n, err := h.encryption.KeyUsage(ctx, k.ID)
			if err != nil {
				slog.WarnContext(ctx, "counting key usage failed", "key_id", k.ID, "error", err)
			} else {
				item.EncryptedFields = &n
			}
		}
		response.Keys[i] = item
	}

	middleware.WriteOperationLog(ctx, "LIST_KEYS", "", middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, response)
}
