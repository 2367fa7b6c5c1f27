// Package metrics defines the observability hooks for the controller.
//
// Components receive a Recorder by injection and default to NoopRecorder, so
// metrics stay optional and tests never need a registry. The Prometheus
// implementation backs the /metrics endpoint when enabled.
package metrics

import "time"

// ClaimResult labels the outcome of a worker poll.
type ClaimResult string

const (
	ClaimDispatched ClaimResult = "dispatched"
	ClaimEmpty      ClaimResult = "empty"
)

// Recorder defines the observability hooks for build scheduling and storage.
// Implementations must be safe for concurrent use.
type Recorder interface {
	IncBuildSubmitted(platform string)
	IncBuildOutcome(outcome string) // completed|failed|cancelled|reaped
	ObserveBuildDuration(platform string, d time.Duration)
	ObserveQueueWait(d time.Duration)
	SetQueueDepth(n int)
	IncClaim(result ClaimResult)
	IncAuthFailure(tier string) // admin|build|worker|vm
	IncOTPExchange(success bool)
	IncRetentionSwept()
	ObserveBlobBytes(namespace string, n int64)
}

// NoopRecorder is a Recorder that does nothing (default when metrics are not
// configured).
type NoopRecorder struct{}

func (NoopRecorder) IncBuildSubmitted(string)                   {}
func (NoopRecorder) IncBuildOutcome(string)                     {}
func (NoopRecorder) ObserveBuildDuration(string, time.Duration) {}
func (NoopRecorder) ObserveQueueWait(time.Duration)             {}
func (NoopRecorder) SetQueueDepth(int)                          {}
func (NoopRecorder) IncClaim(ClaimResult)                       {}
func (NoopRecorder) IncAuthFailure(string)                      {}
func (NoopRecorder) IncOTPExchange(bool)                        {}
func (NoopRecorder) IncRetentionSwept()                         {}
func (NoopRecorder) ObserveBlobBytes(string, int64)             {}
