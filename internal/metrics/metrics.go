// Package metrics は整合性・機密性レイヤーのPrometheusメトリクスを提供する。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics はサービス全体のメトリクスを保持する。nil の場合は何も記録しない。
type Metrics struct {
	Signatures      *prometheus.CounterVec
	Verifications   *prometheus.CounterVec
	KeyRotations    prometheus.Counter
	DecryptFailures *prometheus.CounterVec
	AuditWrites     *prometheus.CounterVec
	SessionChecks   *prometheus.CounterVec
	SecurityContext *prometheus.CounterVec
}

// New はメトリクスを生成し、デフォルトレジストリに登録する。プロセスで1回だけ呼ぶ。
func New() *Metrics {
	return &Metrics{
		Signatures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "conduct_integrity_signatures_total",
			Help: "Approve-and-sign attempts by result",
		}, []string{"result"}),

		Verifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "conduct_integrity_verifications_total",
			Help: "Signature verifications by resulting status",
		}, []string{"status"}),

		KeyRotations: promauto.NewCounter(prometheus.CounterOpts{
			Name: "conduct_integrity_key_rotations_total",
			Help: "Completed key rotations",
		}),

		DecryptFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "conduct_integrity_decrypt_failures_total",
			Help: "Field decryption failures by call site",
		}, []string{"site"}), // site: "field", "list", "file_path"

		AuditWrites: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "conduct_integrity_audit_writes_total",
			Help: "Audit writes by mode and result",
		}, []string{"mode", "result"}), // mode: "transactional", "best_effort", "non_critical"

		SessionChecks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "conduct_integrity_session_checks_total",
			Help: "Session validations by outcome",
		}, []string{"outcome"}),

		SecurityContext: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "conduct_integrity_security_context_total",
			Help: "Security context set/clear operations by result",
		}, []string{"op", "result"}),
	}
}

// IncSignature は承認署名の結果を記録する。
func (m *Metrics) IncSignature(result string) {
	if m != nil {
		m.Signatures.WithLabelValues(result).Inc()
	}
}

// IncVerification は検証結果を記録する。
func (m *Metrics) IncVerification(status string) {
	if m != nil {
		m.Verifications.WithLabelValues(status).Inc()
	}
}

// IncKeyRotation は鍵ローテーションを記録する。
func (m *Metrics) IncKeyRotation() {
	if m != nil {
		m.KeyRotations.Inc()
	}
}

// IncDecryptFailure は復号失敗を記録する。
func (m *Metrics) IncDecryptFailure(site string) {
	if m != nil {
		m.DecryptFailures.WithLabelValues(site).Inc()
	}
}

// IncAuditWrite は監査ログ書き込みを記録する。
func (m *Metrics) IncAuditWrite(mode, result string) {
	if m != nil {
		m.AuditWrites.WithLabelValues(mode, result).Inc()
	}
}

// IncSessionCheck はセッション検証結果を記録する。
func (m *Metrics) IncSessionCheck(outcome string) {
	if m != nil {
		m.SessionChecks.WithLabelValues(outcome).Inc()
	}
}

// IncSecurityContext はセキュリティコンテキスト操作を記録する。
func (m *Metrics) IncSecurityContext(op, result string) {
	if m != nil {
		m.SecurityContext.WithLabelValues(op, result).Inc()
	}
}
