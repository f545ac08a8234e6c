package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"conduct-integrity-service/internal/domain"
	"conduct-integrity-service/internal/usecase"
	"conduct-integrity-service/pkg/httputil"
)

const maxSummaryDays = 366

// AuditHandler は監査ログ検索のHTTPハンドラを提供する。
type AuditHandler struct {
	audit       *usecase.AuditService
	summaryDays int
}

// NewAuditHandler は新しいAuditHandlerを生成する。summaryDays は集計期間の既定値。
func NewAuditHandler(audit *usecase.AuditService, summaryDays int) *AuditHandler {
	return &AuditHandler{audit: audit, summaryDays: summaryDays}
}

// AuditEntryResponse は監査ログ1件のレスポンス形式。
type AuditEntryResponse struct {
	ID             string         `json:"id"`
	TableName      string         `json:"table_name"`
	RecordID       string         `json:"record_id"`
	Operation      string         `json:"operation"`
	OldValues      map[string]any `json:"old_values,omitempty"`
	NewValues      map[string]any `json:"new_values,omitempty"`
	ChangedColumns []string       `json:"changed_columns,omitempty"`
	PerformedBy    string         `json:"performed_by"`
	PerformedAt    string         `json:"performed_at"`
	ClientIP       string         `json:"client_ip,omitempty"`
	Justification  string         `json:"justification,omitempty"`
	BestEffort     bool           `json:"best_effort,omitempty"`
}

// AuditPageResponse は監査ログ検索結果のレスポンス形式。
type AuditPageResponse struct {
	Entries    []AuditEntryResponse `json:"entries"`
	Total      int64                `json:"total"`
	Page       int                  `json:"page"`
	PageSize   int                  `json:"page_size"`
	Statistics map[string]int64     `json:"statistics"`
}

// AuditSummaryRow は日別集計1行のレスポンス形式。
type AuditSummaryRow struct {
	Date           string `json:"date"`
	TableName      string `json:"table_name"`
	Operation      string `json:"operation"`
	Count          int64  `json:"count"`
	DistinctActors int64  `json:"distinct_actors"`
}

// AuditSummaryResponse は日別集計のレスポンス形式。
type AuditSummaryResponse struct {
	Days int               `json:"days"`
	Rows []AuditSummaryRow `json:"rows"`
}

var errInvalidQuery = errors.New("invalid query parameter")

func parseTimeParam(q url.Values, name string) (time.Time, error) {
	s := q.Get(name)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errInvalidQuery
	}
	return t, nil
}

func parseIntParam(q url.Values, name string) (int, error) {
	s := q.Get(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errInvalidQuery
	}
	return n, nil
}

// parseAuditFilter はクエリ文字列から検索条件を組み立てる。
func parseAuditFilter(q url.Values) (domain.AuditFilter, error) {
	f := domain.AuditFilter{
		TableName: q.Get("table"),
		Operation: domain.AuditOperation(q.Get("operation")),
		UserID:    q.Get("user"),
	}
	var err error
	if f.From, err = parseTimeParam(q, "from"); err != nil {
		return f, err
	}
	if f.To, err = parseTimeParam(q, "to"); err != nil {
		return f, err
	}
	if f.Page, err = parseIntParam(q, "page"); err != nil {
		return f, err
	}
	if f.PageSize, err = parseIntParam(q, "page_size"); err != nil {
		return f, err
	}
	return f, nil
}

func toAuditPageResponse(page *domain.AuditPage) AuditPageResponse {
	resp := AuditPageResponse{
		Entries:    make([]AuditEntryResponse, len(page.Entries)),
		Total:      page.Total,
		Page:       page.Page,
		PageSize:   page.PageSize,
		Statistics: make(map[string]int64, len(page.Statistics)),
	}
	for i, e := range page.Entries {
		resp.Entries[i] = AuditEntryResponse{
			ID:             e.ID,
			TableName:      e.TableName,
			RecordID:       e.RecordID,
			Operation:      string(e.Operation),
			OldValues:      e.OldValues,
			NewValues:      e.NewValues,
			ChangedColumns: e.ChangedColumns,
			PerformedBy:    e.PerformedBy,
			PerformedAt:    e.PerformedAt.UTC().Format(time.RFC3339),
			ClientIP:       e.ClientIP,
			Justification:  e.Justification,
			BestEffort:     e.BestEffort,
		}
	}
	for op, n := range page.Statistics {
		resp.Statistics[string(op)] = n
	}
	return resp
}

func writeAuditError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, usecase.ErrInvalidAuditFilter):
		httputil.Error(w, http.StatusBadRequest, "INVALID_FILTER", err.Error())
	case errors.Is(err, domain.ErrSecurityContextUnavailable):
		httputil.Error(w, http.StatusServiceUnavailable, "SECURITY_CONTEXT_UNAVAILABLE", "security context unavailable")
	default:
		slog.ErrorContext(r.Context(), "audit query failed", "error", err)
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}

// Entries は条件に一致する監査ログを返す。
func (h *AuditHandler) Entries(w http.ResponseWriter, r *http.Request) {
	f, err := parseAuditFilter(r.URL.Query())
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameter")
		return
	}
	page, err := h.audit.Query(r.Context(), f)
	if err != nil {
		writeAuditError(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, toAuditPageResponse(page))
}

// Me はリクエストしたユーザー自身の操作履歴を返す。絞り込みはDB接続のセキュリティコンテキストで行う。
func (h *AuditHandler) Me(w http.ResponseWriter, r *http.Request) {
	f, err := parseAuditFilter(r.URL.Query())
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameter")
		return
	}
	f.UserID = ""
	page, err := h.audit.QueryOwn(r.Context(), f)
	if err != nil {
		writeAuditError(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, toAuditPageResponse(page))
}

// Summary は日別・テーブル別・操作別の件数を返す。
func (h *AuditHandler) Summary(w http.ResponseWriter, r *http.Request) {
	days, err := parseIntParam(r.URL.Query(), "days")
	if err != nil || days > maxSummaryDays {
		httputil.Error(w, http.StatusBadRequest, "INVALID_DAYS", "days must be between 1 and 366")
		return
	}
	if days == 0 {
		days = h.summaryDays
	}

	rows, err := h.audit.DailySummary(r.Context(), days)
	if err != nil {
		writeAuditError(w, r, err)
		return
	}
	resp := AuditSummaryResponse{Days: days, Rows: make([]AuditSummaryRow, len(rows))}
	for i, row := range rows {
		resp.Rows[i] = AuditSummaryRow{
			Date:           row.Date,
			TableName:      row.TableName,
			Operation:      string(row.Operation),
			Count:          row.Count,
			DistinctActors: row.DistinctActors,
		}
	}
	httputil.JSON(w, http.StatusOK, resp)
}
