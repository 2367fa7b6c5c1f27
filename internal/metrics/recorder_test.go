package metrics

import (
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopRecorderImplementsRecorder(t *testing.T) {
	var r Recorder = NoopRecorder{}
	r.IncBuildSubmitted("ios")
	r.IncBuildOutcome("completed")
	r.ObserveBuildDuration("ios", time.Minute)
	r.ObserveQueueWait(time.Second)
	r.SetQueueDepth(3)
	r.IncClaim(ClaimDispatched)
	r.IncAuthFailure("worker")
	r.IncOTPExchange(true)
	r.IncRetentionSwept()
	r.ObserveBlobBytes("source", 1<<20)
}

func TestPrometheusRecorderRegistersAndCounts(t *testing.T) {
	reg := prom.NewRegistry()
	var r Recorder = NewPrometheusRecorder(reg)

	r.IncBuildSubmitted("ios")
	r.IncBuildSubmitted("ios")
	r.IncBuildSubmitted("android")
	r.IncBuildOutcome("failed")
	r.ObserveBuildDuration("ios", 2*time.Minute)
	r.ObserveQueueWait(30 * time.Second)
	r.SetQueueDepth(7)
	r.IncClaim(ClaimEmpty)
	r.IncAuthFailure("vm")
	r.IncOTPExchange(false)
	r.IncRetentionSwept()
	r.ObserveBlobBytes("results", 50<<20)

	families, err := reg.Gather()
	require.NoError(t, err)

	byName := map[string]bool{}
	for _, f := range families {
		byName[f.GetName()] = true
	}
	for _, want := range []string{
		"flightdeck_builds_submitted_total",
		"flightdeck_build_outcomes_total",
		"flightdeck_build_duration_seconds",
		"flightdeck_queue_wait_seconds",
		"flightdeck_queue_depth",
		"flightdeck_worker_claims_total",
		"flightdeck_auth_failures_total",
		"flightdeck_otp_exchanges_total",
		"flightdeck_retention_swept_total",
		"flightdeck_blob_bytes",
	} {
		assert.True(t, byName[want], "missing metric %s", want)
	}
}
