package metrics

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	submitted     *prom.CounterVec
	outcomes      *prom.CounterVec
	buildDuration *prom.HistogramVec
	queueWait     prom.Histogram
	queueDepth    prom.Gauge
	claims        *prom.CounterVec
	authFailures  *prom.CounterVec
	otpExchanges  *prom.CounterVec
	swept         prom.Counter
	blobBytes     *prom.HistogramVec
}

// NewPrometheusRecorder constructs and registers the controller metrics on reg.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		submitted: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "flightdeck",
			Name:      "builds_submitted_total",
			Help:      "Build submissions accepted, by platform",
		}, []string{"platform"}),
		outcomes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "flightdeck",
			Name:      "build_outcomes_total",
			Help:      "Terminal build outcomes",
		}, []string{"outcome"}),
		buildDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "flightdeck",
			Name:      "build_duration_seconds",
			Help:      "Wall time from assignment to terminal state",
			Buckets:   prom.ExponentialBuckets(15, 2, 10),
		}, []string{"platform"}),
		queueWait: prom.NewHistogram(prom.HistogramOpts{
			Namespace: "flightdeck",
			Name:      "queue_wait_seconds",
			Help:      "Wall time from submission to assignment",
			Buckets:   prom.ExponentialBuckets(1, 2, 12),
		}),
		queueDepth: prom.NewGauge(prom.GaugeOpts{
			Namespace: "flightdeck",
			Name:      "queue_depth",
			Help:      "Pending builds awaiting a worker",
		}),
		claims: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "flightdeck",
			Name:      "worker_claims_total",
			Help:      "Worker poll outcomes",
		}, []string{"result"}),
		authFailures: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "flightdeck",
			Name:      "auth_failures_total",
			Help:      "Rejected credentials by tier",
		}, []string{"tier"}),
		otpExchanges: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "flightdeck",
			Name:      "otp_exchanges_total",
			Help:      "One-time password exchange attempts",
		}, []string{"result"}),
		swept: prom.NewCounter(prom.CounterOpts{
			Namespace: "flightdeck",
			Name:      "retention_swept_total",
			Help:      "Builds whose blobs were removed by retention",
		}),
		blobBytes: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "flightdeck",
			Name:      "blob_bytes",
			Help:      "Stored blob sizes by namespace",
			Buckets:   prom.ExponentialBuckets(1<<20, 4, 8),
		}, []string{"namespace"}),
	}
	reg.MustRegister(pr.submitted, pr.outcomes, pr.buildDuration, pr.queueWait,
		pr.queueDepth, pr.claims, pr.authFailures, pr.otpExchanges, pr.swept, pr.blobBytes)
	return pr
}

func (p *PrometheusRecorder) IncBuildSubmitted(platform string) {
	p.submitted.WithLabelValues(platform).Inc()
}

func (p *PrometheusRecorder) IncBuildOutcome(outcome string) {
	p.outcomes.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) ObserveBuildDuration(platform string, d time.Duration) {
	p.buildDuration.WithLabelValues(platform).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveQueueWait(d time.Duration) {
	p.queueWait.Observe(d.Seconds())
}

func (p *PrometheusRecorder) SetQueueDepth(n int) {
	p.queueDepth.Set(float64(n))
}

func (p *PrometheusRecorder) IncClaim(result ClaimResult) {
	p.claims.WithLabelValues(string(result)).Inc()
}

func (p *PrometheusRecorder) IncAuthFailure(tier string) {
	p.authFailures.WithLabelValues(tier).Inc()
}

func (p *PrometheusRecorder) IncOTPExchange(success bool) {
	res := "rejected"
	if success {
		res = "success"
	}
	p.otpExchanges.WithLabelValues(res).Inc()
}

func (p *PrometheusRecorder) IncRetentionSwept() {
	p.swept.Inc()
}

func (p *PrometheusRecorder) ObserveBlobBytes(namespace string, n int64) {
	p.blobBytes.WithLabelValues(namespace).Observe(float64(n))
}
