package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"conduct-integrity-service/config"
	"conduct-integrity-service/internal/domain"
	"conduct-integrity-service/internal/middleware"
	"conduct-integrity-service/pkg/httputil"
)

// Handlers はルーターに登録するハンドラ一式。
type Handlers struct {
	Keys     *KeyHandler
	Scores   *ScoreHandler
	Audit    *AuditHandler
	Sessions *SessionHandler
	Fields   *FieldHandler
}

// NewRouter はルーターを生成する。auth は /v1 配下に適用する認証ミドルウェア。
func NewRouter(h Handlers, auth func(http.Handler) http.Handler, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	// ルート定義
	r.Route("/v1", func(r chi.Router) {
		if cfg.RequestTimeout > 0 {
			r.Use(chimiddleware.Timeout(cfg.RequestTimeout))
		}
		r.Use(auth)

		r.Route("/keys", func(r chi.Router) {
			r.Use(middleware.RequireRole(domain.RoleAdmin))
			r.Get("/", h.Keys.ListKeys)
			r.Post("/rotate", h.Keys.RotateKey)
		})
		r.Route("/scores", func(r chi.Router) {
			r.With(middleware.RequireRole(domain.RoleAdmin, domain.RoleAuditor)).Post("/verify", h.Scores.VerifyAll)
			r.With(middleware.RequireRole(domain.RoleAdmin, domain.RoleAdvisor)).Post("/{score_id}/approve", h.Scores.Approve)
			r.With(middleware.RequireRole(domain.RoleAdmin)).Post("/{score_id}/reopen", h.Scores.Reopen)
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(domain.RoleAdmin, domain.RoleAdvisor, domain.RoleAuditor))
				r.Get("/{score_id}/verification", h.Scores.Verification)
				r.Get("/{score_id}/signatures", h.Scores.Signatures)
			})
		})
		r.Route("/audit", func(r chi.Router) {
			r.With(middleware.RequireRole(domain.RoleAdmin, domain.RoleAuditor)).Get("/entries", h.Audit.Entries)
			r.With(middleware.RequireRole(domain.RoleAdmin, domain.RoleAuditor)).Get("/summary", h.Audit.Summary)
			r.Get("/me", h.Audit.Me)
		})
		r.Route("/fields/{owner_table}/{owner_id}/{field_name}", func(r chi.Router) {
			r.Use(middleware.RequireRole(domain.RoleAdmin, domain.RoleAdvisor))
			r.Put("/", h.Fields.Protect)
			r.Get("/", h.Fields.Reveal)
		})
		r.Post("/sessions/logout", h.Sessions.Logout)
	})

	if cfg.OtelEnabled {
		return otelhttp.NewHandler(r, cfg.OtelServiceName)
	}
	return r
}
