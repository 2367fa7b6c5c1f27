// Package dispatch hands pending builds to polling workers.
//
// The dispatcher holds no authoritative state: the metadata store decides who
// wins a claim. What lives here is the pending-count hint (rebuilt from the
// store on startup), the wakeup channel that lets pollers skip their next
// sleep, and the metrics around both.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flightdeckci/flightdeck/internal/events"
	"github.com/flightdeckci/flightdeck/internal/logfields"
	"github.com/flightdeckci/flightdeck/internal/metrics"
	"github.com/flightdeckci/flightdeck/internal/store"
	"github.com/flightdeckci/flightdeck/internal/token"
)

// Assignment is everything a worker needs to start a claimed build.
type Assignment struct {
	Build       *store.Build
	WorkerToken string // rotated credential for the worker's next calls
}

// Dispatcher assigns queued builds to workers in submission order.
type Dispatcher struct {
	store     *store.Store
	recorder  metrics.Recorder
	publisher events.Publisher
	logger    *slog.Logger
	otpTTL    time.Duration

	mu      sync.Mutex
	pending int

	wakeup chan struct{}
}

// New constructs a Dispatcher. pub and rec may be nil. Call Restore before
// serving polls so the pending hint reflects builds that survived a restart.
func New(st *store.Store, pub events.Publisher, rec metrics.Recorder, logger *slog.Logger, otpTTL time.Duration) *Dispatcher {
	if pub == nil {
		pub = events.NoopPublisher{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Dispatcher{
		store:     st,
		publisher: pub,
		recorder:  rec,
		logger:    logger,
		otpTTL:    otpTTL,
		wakeup:    make(chan struct{}, 1),
	}
}

// Restore rebuilds the pending hint from the store.
func (d *Dispatcher) Restore(ctx context.Context) error {
	ids, err := d.store.PendingBuildIDs(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.pending = len(ids)
	d.mu.Unlock()
	d.recorder.SetQueueDepth(len(ids))
	if len(ids) > 0 {
		d.logger.Info("restored pending builds", slog.Int("count", len(ids)))
		d.signal()
	}
	return nil
}

// Enqueue records that a new pending build exists and wakes one poller.
// The build row must already be committed.
func (d *Dispatcher) Enqueue(buildID string) {
	d.mu.Lock()
	d.pending++
	n := d.pending
	d.mu.Unlock()
	d.recorder.SetQueueDepth(n)
	d.signal()
	d.logger.Debug("build enqueued", logfields.BuildID(buildID), slog.Int("queue_depth", n))
}

// Poll attempts to claim the oldest pending build for the worker. Returns
// (nil, nil) when there is nothing to hand out or the worker is already busy.
func (d *Dispatcher) Poll(ctx context.Context, workerID string, now time.Time) (*Assignment, error) {
	otp, err := token.New()
	if err != nil {
		return nil, err
	}
	workerToken, err := token.New()
	if err != nil {
		return nil, err
	}

	claimed, err := d.store.ClaimOldestPending(ctx, store.ClaimParams{
		WorkerID:       workerID,
		OTP:            otp,
		OTPExpiresAt:   now.Add(d.otpTTL),
		NewWorkerToken: workerToken,
		Now:            now,
	})
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		d.recorder.IncClaim(metrics.ClaimEmpty)
		return nil, nil
	}

	d.mu.Lock()
	if d.pending > 0 {
		d.pending--
	}
	n := d.pending
	d.mu.Unlock()
	d.recorder.SetQueueDepth(n)
	d.recorder.IncClaim(metrics.ClaimDispatched)
	d.recorder.ObserveQueueWait(now.Sub(claimed.Build.SubmittedAt))

	d.publisher.Publish(events.BuildEvent{
		Type:      events.TypeAssigned,
		BuildID:   claimed.Build.ID,
		Platform:  claimed.Build.Platform,
		Status:    claimed.Build.Status,
		WorkerID:  workerID,
		RetryOf:   claimed.Build.RetryOf,
		Timestamp: now,
	})
	d.logger.Info("build dispatched",
		logfields.BuildID(claimed.Build.ID),
		logfields.WorkerID(workerID),
		logfields.Platform(string(claimed.Build.Platform)),
		slog.Int("queue_depth", n))

	return &Assignment{Build: claimed.Build, WorkerToken: workerToken}, nil
}

// Forget drops one unit from the pending hint (a pending build was cancelled).
func (d *Dispatcher) Forget(buildID string) {
	d.mu.Lock()
	if d.pending > 0 {
		d.pending--
	}
	n := d.pending
	d.mu.Unlock()
	d.recorder.SetQueueDepth(n)
	d.logger.Debug("build removed from queue", logfields.BuildID(buildID), slog.Int("queue_depth", n))
}

// Depth returns the pending hint. Advisory only; the store is authoritative.
func (d *Dispatcher) Depth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Wakeup returns a channel that receives when new work may be available.
// At most one signal is buffered; pollers treat it as a hint, not a count.
func (d *Dispatcher) Wakeup() <-chan struct{} {
	return d.wakeup
}

func (d *Dispatcher) signal() {
	select {
	case d.wakeup <- struct{}{}:
	default:
	}
}
