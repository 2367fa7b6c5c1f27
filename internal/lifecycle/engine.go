// Package lifecycle owns every build status transition.
//
// The engine is the only writer of Build.status. Handlers authenticate and
// parse; the engine validates transitions, orders blob I/O against store
// transactions (blob writes never happen inside a transaction), and emits
// events and metrics after commit.
package lifecycle

import (
	"log/slog"
	"time"

	"github.com/flightdeckci/flightdeck/internal/blob"
	"github.com/flightdeckci/flightdeck/internal/dispatch"
	"github.com/flightdeckci/flightdeck/internal/events"
	"github.com/flightdeckci/flightdeck/internal/metrics"
	"github.com/flightdeckci/flightdeck/internal/store"
)

// Limits bounds upload sizes per namespace.
type Limits struct {
	MaxSourceBytes int64
	MaxCertsBytes  int64
	MaxResultBytes int64
}

// multipartOverhead covers boundaries, part headers, and small text fields on
// top of the file payloads when capping a whole request body.
const multipartOverhead = 1 << 20

// SubmitBodyLimit caps a whole submission request body: source plus certs
// plus encoding overhead. Zero means unbounded, which only happens when a
// per-file limit is itself unbounded.
func (l Limits) SubmitBodyLimit() int64 {
	if l.MaxSourceBytes <= 0 || l.MaxCertsBytes <= 0 {
		return 0
	}
	return l.MaxSourceBytes + l.MaxCertsBytes + multipartOverhead
}

// ResultBodyLimit caps a whole result-upload request body.
func (l Limits) ResultBodyLimit() int64 {
	if l.MaxResultBytes <= 0 {
		return 0
	}
	return l.MaxResultBytes + multipartOverhead
}

// Engine drives the build state machine.
type Engine struct {
	store      *store.Store
	blobs      blob.Store
	dispatcher *dispatch.Dispatcher
	publisher  events.Publisher
	recorder   metrics.Recorder
	logger     *slog.Logger

	limits     Limits
	vmTokenTTL time.Duration

	now func() time.Time
}

// New wires the engine. publisher and recorder may be nil.
func New(st *store.Store, blobs blob.Store, d *dispatch.Dispatcher, pub events.Publisher, rec metrics.Recorder, logger *slog.Logger, limits Limits, vmTokenTTL time.Duration) *Engine {
	if pub == nil {
		pub = events.NoopPublisher{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Engine{
		store:      st,
		blobs:      blobs,
		dispatcher: d,
		publisher:  pub,
		recorder:   rec,
		logger:     logger,
		limits:     limits,
		vmTokenTTL: vmTokenTTL,
		now:        time.Now,
	}
}

// Limits exposes the configured upload bounds so the HTTP layer can cap
// request bodies before multipart parsing spools anything to disk.
func (e *Engine) Limits() Limits { return e.limits }

func (e *Engine) publish(evType string, b *store.Build) {
	e.publisher.Publish(events.BuildEvent{
		Type:      evType,
		BuildID:   b.ID,
		Platform:  b.Platform,
		Status:    b.Status,
		WorkerID:  b.WorkerID,
		RetryOf:   b.RetryOf,
		Error:     b.ErrorMessage,
		Timestamp: e.now(),
	})
}
