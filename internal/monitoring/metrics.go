package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type MetricsService interface {
	// HTTP metrics
	RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration)

	// Pipeline metrics
	RecordWithdrawal(status string, duration time.Duration)
	RecordStage(stage string, duration time.Duration)
	RecordViolation(code, severity string)
	RecordFraudAssessment(riskLevel string, score float64)

	// Security metrics
	RecordEncryption(operation, outcome string)
	RecordAuditWrite(outcome string)
	SetAuditFallbackDepth(depth int)
	RecordRateLimitRejection(operation string)
	RecordSuspiciousOperation(operation string)
	RecordSecureOperation(operation, outcome string, duration time.Duration)
}

type prometheusMetrics struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	withdrawalsTotal   *prometheus.CounterVec
	withdrawalDuration *prometheus.HistogramVec
	stageDuration      *prometheus.HistogramVec
	violationsTotal    *prometheus.CounterVec
	fraudScore         *prometheus.HistogramVec

	encryptionOpsTotal  *prometheus.CounterVec
	auditWritesTotal    *prometheus.CounterVec
	auditFallbackDepth  prometheus.Gauge
	rateLimitRejections *prometheus.CounterVec
	suspiciousOpsTotal  *prometheus.CounterVec
	secureOpsTotal      *prometheus.CounterVec
	secureOpDuration    *prometheus.HistogramVec
}

// NewPrometheusMetrics registers the service's collectors on reg. Tests pass a
// fresh prometheus.NewRegistry() to avoid duplicate registration.
func NewPrometheusMetrics(reg prometheus.Registerer) MetricsService {
	f := promauto.With(reg)

	return &prometheusMetrics{
		httpRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "payout_security_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		httpRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "payout_security_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),

		withdrawalsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "payout_security_withdrawals_total",
			Help: "Withdrawal requests by final decision status",
		}, []string{"status"}),
		withdrawalDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "payout_security_withdrawal_duration_seconds",
			Help:    "End-to-end withdrawal pipeline duration",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"status"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "payout_security_pipeline_stage_duration_seconds",
			Help:    "Duration of each pipeline stage",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"stage"}),
		violationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "payout_security_compliance_violations_total",
			Help: "Compliance violations by code and severity",
		}, []string{"code", "severity"}),
		fraudScore: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "payout_security_fraud_risk_score",
			Help:    "Distribution of fraud risk scores",
			Buckets: []float64{0, 15, 25, 40, 55, 70, 90, 120, 165},
		}, []string{"risk_level"}),

		encryptionOpsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "payout_security_encryption_operations_total",
			Help: "Encryption, decryption and key operations by outcome",
		}, []string{"operation", "outcome"}),
		auditWritesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "payout_security_audit_writes_total",
			Help: "Audit writes by outcome (stored, fallback, replayed, failed)",
		}, []string{"outcome"}),
		auditFallbackDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "payout_security_audit_fallback_queue_depth",
			Help: "Audit records waiting for replay to the primary store",
		}),
		rateLimitRejections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "payout_security_rate_limit_rejections_total",
			Help: "Operations rejected by per-principal rate limits",
		}, []string{"operation"}),
		suspiciousOpsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "payout_security_suspicious_operations_total",
			Help: "Operations flagged suspicious but allowed",
		}, []string{"operation"}),
		secureOpsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "payout_security_secure_operations_total",
			Help: "Secure operations by outcome",
		}, []string{"operation", "outcome"}),
		secureOpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "payout_security_secure_operation_duration_seconds",
			Help:    "Secure operation duration including checks",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

func (m *prometheusMetrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func (m *prometheusMetrics) RecordWithdrawal(status string, duration time.Duration) {
	m.withdrawalsTotal.WithLabelValues(status).Inc()
	m.withdrawalDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (m *prometheusMetrics) RecordStage(stage string, duration time.Duration) {
	m.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

func (m *prometheusMetrics) RecordViolation(code, severity string) {
	m.violationsTotal.WithLabelValues(code, severity).Inc()
}

func (m *prometheusMetrics) RecordFraudAssessment(riskLevel string, score float64) {
	m.fraudScore.WithLabelValues(riskLevel).Observe(score)
}

func (m *prometheusMetrics) RecordEncryption(operation, outcome string) {
	m.encryptionOpsTotal.WithLabelValues(operation, outcome).Inc()
}

func (m *prometheusMetrics) RecordAuditWrite(outcome string) {
	m.auditWritesTotal.WithLabelValues(outcome).Inc()
}

func (m *prometheusMetrics) SetAuditFallbackDepth(depth int) {
	m.auditFallbackDepth.Set(float64(depth))
}

func (m *prometheusMetrics) RecordRateLimitRejection(operation string) {
	m.rateLimitRejections.WithLabelValues(operation).Inc()
}

func (m *prometheusMetrics) RecordSuspiciousOperation(operation string) {
	m.suspiciousOpsTotal.WithLabelValues(operation).Inc()
}

func (m *prometheusMetrics) RecordSecureOperation(operation, outcome string, duration time.Duration) {
	m.secureOpsTotal.WithLabelValues(operation, outcome).Inc()
	m.secureOpDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

type noopMetrics struct{}

// NewNoopMetrics returns a MetricsService that records nothing.
func NewNoopMetrics() MetricsService { return noopMetrics{} }

func (noopMetrics) RecordHTTPRequest(string, string, int, time.Duration) {}
func (noopMetrics) RecordWithdrawal(string, time.Duration) {}
func (noopMetrics) RecordStage(string, time.Duration) {}
func (noopMetrics) RecordViolation(string, string) {}
func (noopMetrics) RecordFraudAssessment(string, float64) {}
func (noopMetrics) RecordEncryption(string, string) {}
func (noopMetrics) RecordAuditWrite(string) {}
func (noopMetrics) SetAuditFallbackDepth(int) {}
func (noopMetrics) RecordRateLimitRejection(string) {}
func (noopMetrics) RecordSuspiciousOperation(string) {}
func (noopMetrics) RecordSecureOperation(string, string, time.Duration) {}

// MetricsMiddleware records request count and latency per route template.
func MetricsMiddleware(metrics MetricsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.RecordHTTPRequest(c.Request.Method, endpoint, c.Writer.Status(), time.Since(start))
	}
}
