// Package events publishes build lifecycle events for downstream consumers
// (notification bots, dashboards, billing). Publishing is best-effort: a
// broker outage never blocks or fails a build operation.
package events

import (
	"time"

	"github.com/flightdeckci/flightdeck/internal/store"
)

// Event types published on the lifecycle subject.
const (
	TypeSubmitted = "build.submitted"
	TypeAssigned  = "build.assigned"
	TypeBuilding  = "build.building"
	TypeCompleted = "build.completed"
	TypeFailed    = "build.failed"
	TypeCancelled = "build.cancelled"
	TypeReaped    = "build.reaped"
	TypeRetried   = "build.retried"
)

// BuildEvent is one lifecycle transition, serialized as JSON on the wire.
// It carries no tokens, no OTPs, and no blob paths.
type BuildEvent struct {
	Type      string            `json:"type"`
	BuildID   string            `json:"build_id"`
	Platform  store.Platform    `json:"platform"`
	Status    store.BuildStatus `json:"status"`
	WorkerID  string            `json:"worker_id,omitempty"`
	RetryOf   string            `json:"retry_of,omitempty"`
	Error     string            `json:"error,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Publisher emits lifecycle events. Implementations must be safe for
// concurrent use and must never block the caller on broker backpressure.
type Publisher interface {
	Publish(ev BuildEvent)
	Close()
}

// NoopPublisher is the default Publisher when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(BuildEvent) {}
func (NoopPublisher) Close()             {}
