package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"conduct-integrity-service/internal/domain"
	"conduct-integrity-service/internal/middleware"
	"conduct-integrity-service/internal/usecase"
	"conduct-integrity-service/pkg/httputil"
)

var scoreIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const maxVerifyAllLimit = 5000

func validateScoreID(scoreID string) bool {
	return scoreID != "" && len(scoreID) <= 64 && scoreIDRegex.MatchString(scoreID)
}

// ScoreHandler はスコア承認・署名検証のHTTPハンドラを提供する。
type ScoreHandler struct {
	signatures *usecase.SignatureService
}

// NewScoreHandler は新しいScoreHandlerを生成する。
func NewScoreHandler(signatures *usecase.SignatureService) *ScoreHandler {
	return &ScoreHandler{signatures: signatures}
}

// ApprovalResponse は承認署名のレスポンス形式。
type ApprovalResponse struct {
	ScoreID        string `json:"score_id"`
	SignedRecordID string `json:"signed_record_id"`
	Signature      string `json:"signature"`
	DataHash       string `json:"data_hash"`
	KeyID          string `json:"key_id"`
	SignedAt       string `json:"signed_at"`
}

// VerificationResponse は署名検証のレスポンス形式。
type VerificationResponse struct {
	ScoreID        string `json:"score_id"`
	SignedRecordID string `json:"signed_record_id,omitempty"`
	Status         string `json:"status"`
	KeyID          string `json:"key_id,omitempty"`
	StoredHash     string `json:"stored_hash,omitempty"`
	ComputedHash   string `json:"computed_hash,omitempty"`
	Details        string `json:"details,omitempty"`
}

// VerificationListResponse は一括検証のレスポンス形式。
type VerificationListResponse struct {
	Results  []VerificationResponse `json:"results"`
	Tampered int                    `json:"tampered"`
}

// SignatureHistoryEntry は署名履歴1件のレスポンス形式。
type SignatureHistoryEntry struct {
	Action             string `json:"action"`
	SignedRecordID     string `json:"signed_record_id,omitempty"`
	PerformedBy        string `json:"performed_by"`
	VerificationResult *bool  `json:"verification_result,omitempty"`
	DataHashBefore     string `json:"data_hash_before,omitempty"`
	DataHashAfter      string `json:"data_hash_after,omitempty"`
	Notes              string `json:"notes,omitempty"`
	CreatedAt          string `json:"created_at"`
}

// SignatureHistoryResponse は署名履歴のレスポンス形式。
type SignatureHistoryResponse struct {
	ScoreID string                  `json:"score_id"`
	Entries []SignatureHistoryEntry `json:"entries"`
}

// ReopenRequest は承認取り消しのリクエスト形式。
type ReopenRequest struct {
	Justification string `json:"justification"`
}

func toVerificationResponse(res *domain.VerificationResult) VerificationResponse {
	return VerificationResponse{
		ScoreID:        res.ScoreID,
		SignedRecordID: res.SignedRecordID,
		Status:         string(res.Status),
		KeyID:          res.KeyID,
		StoredHash:     res.StoredHash,
		ComputedHash:   res.ComputedHash,
		Details:        res.Details,
	}
}

// actorID はリクエストのセキュリティコンテキストからユーザーIDを取得する。
func actorID(r *http.Request) string {
	sc, _ := domain.SecurityContextFrom(r.Context())
	return sc.UserID
}

// writeScoreError はスコア操作のエラーをHTTPレスポンスに変換する。
func writeScoreError(w http.ResponseWriter, r *http.Request, operation, scoreID string, err error) {
	ctx := r.Context()
	middleware.WriteOperationLog(ctx, operation, scoreID, middleware.ResultFailed)
	switch {
	case errors.Is(err, domain.ErrScoreNotFound):
		httputil.Error(w, http.StatusNotFound, "SCORE_NOT_FOUND", "conduct score not found")
	case errors.Is(err, domain.ErrAlreadyApproved):
		httputil.Error(w, http.StatusConflict, "ALREADY_APPROVED", "conduct score already approved")
	case errors.Is(err, domain.ErrConcurrentApproval):
		httputil.Error(w, http.StatusConflict, "CONCURRENT_APPROVAL", "conduct score is being approved concurrently")
	case errors.Is(err, domain.ErrNotApproved):
		httputil.Error(w, http.StatusConflict, "NOT_APPROVED", "conduct score is not approved")
	case errors.Is(err, domain.ErrKeyNotFound):
		httputil.Error(w, http.StatusServiceUnavailable, "SIGNING_KEY_UNAVAILABLE", "no active signing key")
	case errors.Is(err, usecase.ErrInvalidAuditEntry):
		httputil.Error(w, http.StatusBadRequest, "JUSTIFICATION_REQUIRED", "justification is required")
	default:
		slog.ErrorContext(ctx, "score operation failed", "operation", operation, "score_id", scoreID, "error", err)
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}

// Approve はスコアを承認し署名する。
func (h *ScoreHandler) Approve(w http.ResponseWriter, r *http.Request) {
	scoreID := chi.URLParam(r, "score_id")
	if !validateScoreID(scoreID) {
		httputil.Error(w, http.StatusBadRequest, "INVALID_SCORE_ID", "invalid score ID format")
		return
	}

	res, err := h.signatures.ApproveAndSign(r.Context(), scoreID, actorID(r))
	if err != nil {
		writeScoreError(w, r, "APPROVE_SCORE", scoreID, err)
		return
	}

	middleware.WriteOperationLog(r.Context(), "APPROVE_SCORE", scoreID, middleware.ResultSuccess)
	httputil.JSON(w, http.StatusCreated, ApprovalResponse{
		ScoreID:        scoreID,
		SignedRecordID: res.SignedRecordID,
		Signature:      res.Signature,
		DataHash:       res.DataHash,
		KeyID:          res.KeyID,
		SignedAt:       res.SignedAt.UTC().Format(time.RFC3339),
	})
}

// Reopen は承認済みスコアを未承認に戻す。理由の記載が必須。
func (h *ScoreHandler) Reopen(w http.ResponseWriter, r *http.Request) {
	scoreID := chi.URLParam(r, "score_id")
	if !validateScoreID(scoreID) {
		httputil.Error(w, http.StatusBadRequest, "INVALID_SCORE_ID", "invalid score ID format")
		return
	}
	var req ReopenRequest
	if err := httputil.DecodeJSON(w, r, &req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	if err := h.signatures.ReopenScore(r.Context(), scoreID, actorID(r), req.Justification); err != nil {
		writeScoreError(w, r, "REOPEN_SCORE", scoreID, err)
		return
	}

	middleware.WriteOperationLog(r.Context(), "REOPEN_SCORE", scoreID, middleware.ResultSuccess)
	w.WriteHeader(http.StatusNoContent)
}

// Verification はスコアの署名を検証する。改ざん検知時も 200 で TAMPERED を返す。
func (h *ScoreHandler) Verification(w http.ResponseWriter, r *http.Request) {
	scoreID := chi.URLParam(r, "score_id")
	if !validateScoreID(scoreID) {
		httputil.Error(w, http.StatusBadRequest, "INVALID_SCORE_ID", "invalid score ID format")
		return
	}

	res, err := h.signatures.VerifySignature(r.Context(), scoreID, actorID(r))
	if err != nil {
		writeScoreError(w, r, "VERIFY_SCORE", scoreID, err)
		return
	}

	middleware.WriteOperationLog(r.Context(), "VERIFY_SCORE", scoreID, middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, toVerificationResponse(res))
}

// VerifyAll は現行の署名レコードを一括で検証する。
func (h *ScoreHandler) VerifyAll(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxVerifyAllLimit {
			httputil.Error(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be between 1 and 5000")
			return
		}
		limit = n
	}

	results, err := h.signatures.VerifyAll(r.Context(), actorID(r), limit)
	if err != nil {
		writeScoreError(w, r, "VERIFY_ALL", "", err)
		return
	}

	resp := VerificationListResponse{Results: make([]VerificationResponse, len(results))}
	for i, res := range results {
		resp.Results[i] = toVerificationResponse(res)
		if res.Status == domain.VerificationStatusTampered {
			resp.Tampered++
		}
	}
	middleware.WriteOperationLog(r.Context(), "VERIFY_ALL", strconv.Itoa(len(results)), middleware.ResultSuccess)
	httputil.JSON(w, http.StatusOK, resp)
}

// Signatures はスコアの署名・検証履歴を返す。
func (h *ScoreHandler) Signatures(w http.ResponseWriter, r *http.Request) {
	scoreID := chi.URLParam(r, "score_id")
	if !validateScoreID(scoreID) {
		httputil.Error(w, http.StatusBadRequest, "INVALID_SCORE_ID", "invalid score ID format")
		return
	}

	entries, err := h.signatures.History(r.Context(), scoreID)
	if err != nil {
		writeScoreError(w, r, "SIGNATURE_HISTORY", scoreID, err)
		return
	}

	resp := SignatureHistoryResponse{ScoreID: scoreID, Entries: make([]SignatureHistoryEntry, len(entries))}
	for i, e := range entries {
		resp.Entries[i] = SignatureHistoryEntry{
			Action:             string(e.ActionType),
			SignedRecordID:     e.SignedRecordID,
			PerformedBy:        e.PerformedBy,
			VerificationResult: e.VerificationResult,
			DataHashBefore:     e.DataHashBefore,
			DataHashAfter:      e.DataHashAfter,
			Notes:              e.Notes,
			CreatedAt:          e.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	httputil.JSON(w, http.StatusOK, resp)
}
