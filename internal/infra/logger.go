package infra

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"conduct-integrity-service/config"
	"conduct-integrity-service/internal/domain"
)

// ContextHandler はコンテキストの情報をログに付与するslogハンドラ。
//
//   - トレース: trace / spanId / traceSampled（OTEL_ENABLED=true のとき）
//   - 操作者:   actor.user_id / actor.role / actor.session_id（セキュリティコンテキストがあるとき）
type ContextHandler struct {
	handler     slog.Handler
	projectID   string
	otelEnabled bool
}

// NewContextHandler はコンテキスト情報付きのslogハンドラを生成する。
func NewContextHandler(handler slog.Handler, cfg *config.Config) *ContextHandler {
	return &ContextHandler{
		handler:     handler,
		projectID:   cfg.GoogleCloudProject,
		otelEnabled: cfg.OtelEnabled,
	}
}

// Enabled はハンドラがログを処理するかどうかを返す。
func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle はログレコードにトレース情報と操作者を付与する。
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.otelEnabled {
		h.addTrace(ctx, &r)
	}
	if sc, ok := domain.SecurityContextFrom(ctx); ok && sc.Valid() {
		r.AddAttrs(slog.Group("actor",
			slog.String("user_id", sc.UserID),
			slog.String("role", sc.Role),
			slog.String("session_id", sc.SessionID),
		))
	}
	return h.handler.Handle(ctx, r)
}

func (h *ContextHandler) addTrace(ctx context.Context, r *slog.Record) {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.IsValid() {
		return
	}
	traceID := spanCtx.TraceID().String()
	spanID := spanCtx.SpanID().String()
	r.AddAttrs(
		slog.String("trace", traceID),
		slog.String("spanId", spanID),
		slog.Bool("traceSampled", spanCtx.IsSampled()),
	)
	// Google Cloud Logging連携用
	if h.projectID != "" {
		r.AddAttrs(
			slog.String("logging.googleapis.com/trace", "projects/"+h.projectID+"/traces/"+traceID),
			slog.String("logging.googleapis.com/spanId", spanID),
		)
	}
}

// WithAttrs は属性を追加した新しいハンドラを返す。
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.handler = h.handler.WithAttrs(attrs)
	return &c
}

// WithGroup はグループを追加した新しいハンドラを返す。
func (h *ContextHandler) WithGroup(name string) slog.Handler {
	c := *h
	c.handler = h.handler.WithGroup(name)
	return &c
}

// ParseLogLevel はLOG_LEVELの文字列をslog.Levelに変換する。未知の値はINFO。
func ParseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger は標準出力へのJSONロガーをグローバルに設定する。
func SetupLogger(cfg *config.Config) {
	SetupLoggerTo(os.Stdout, cfg)
}

// SetupLoggerTo は出力先を指定してグローバルロガーを設定する。
func SetupLoggerTo(w io.Writer, cfg *config.Config) {
	jsonHandler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: ParseLogLevel(cfg.LogLevel)})
	logger := slog.New(NewContextHandler(jsonHandler, cfg)).With("service", cfg.OtelServiceName)
	slog.SetDefault(logger)
}
