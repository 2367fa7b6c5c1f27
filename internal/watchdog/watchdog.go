// Package watchdog runs the background jobs that keep the fleet honest: the
// liveness reaper that fails builds whose heartbeats went quiet, and the
// retention sweep that removes expired blobs.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/flightdeckci/flightdeck/internal/blob"
	"github.com/flightdeckci/flightdeck/internal/lifecycle"
	"github.com/flightdeckci/flightdeck/internal/logfields"
	"github.com/flightdeckci/flightdeck/internal/metrics"
	"github.com/flightdeckci/flightdeck/internal/store"
)

// ReapMessage is the error recorded on builds the watchdog fails.
const ReapMessage = "Build timeout - no heartbeat received"

// Config holds the watchdog deadlines. All values come from configuration.
type Config struct {
	Interval          time.Duration // how often the reaper runs
	HeartbeatDeadline time.Duration // max silence for a build that has heartbeated
	AssignmentGrace   time.Duration // max time from assignment to first heartbeat
	RetentionWindow   time.Duration // how long terminal builds keep their blobs
	SweepInterval     time.Duration // how often the retention sweep runs
}

// Watchdog owns the gocron scheduler running both jobs.
type Watchdog struct {
	scheduler gocron.Scheduler
	store     *store.Store
	blobs     blob.Store
	engine    *lifecycle.Engine
	recorder  metrics.Recorder
	logger    *slog.Logger
	cfg       Config

	now func() time.Time
}

// New constructs the watchdog. Start schedules the jobs; Stop drains them.
func New(st *store.Store, blobs blob.Store, engine *lifecycle.Engine, rec metrics.Recorder, logger *slog.Logger, cfg Config) (*Watchdog, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Watchdog{
		scheduler: s,
		store:     st,
		blobs:     blobs,
		engine:    engine,
		recorder:  rec,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}, nil
}

// Start schedules the reaper and the retention sweep and starts the scheduler.
func (w *Watchdog) Start() error {
	if _, err := w.scheduler.NewJob(
		gocron.DurationJob(w.cfg.Interval),
		gocron.NewTask(w.runReaper),
		gocron.WithName("liveness-reaper"),
	); err != nil {
		return fmt.Errorf("schedule liveness reaper: %w", err)
	}

	if w.cfg.RetentionWindow > 0 {
		if _, err := w.scheduler.NewJob(
			gocron.DurationJob(w.cfg.SweepInterval),
			gocron.NewTask(w.runSweep),
			gocron.WithName("retention-sweep"),
		); err != nil {
			return fmt.Errorf("schedule retention sweep: %w", err)
		}
	}

	w.scheduler.Start()
	w.logger.Info("watchdog started",
		slog.Duration("interval", w.cfg.Interval),
		slog.Duration("heartbeat_deadline", w.cfg.HeartbeatDeadline),
		slog.Duration("assignment_grace", w.cfg.AssignmentGrace))
	return nil
}

// Stop shuts the scheduler down, waiting for running jobs.
func (w *Watchdog) Stop() error {
	return w.scheduler.Shutdown()
}

func (w *Watchdog) runReaper() {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Interval)
	defer cancel()
	if err := w.ReapStuckBuilds(ctx); err != nil {
		w.logger.Error("liveness reaper pass failed", logfields.Error(err))
	}
}

// ReapStuckBuilds fails every active build whose heartbeat went quiet. A
// build racing its own completion is safe: Fail on a terminal build is a
// no-op, and the row transaction serializes the two writers.
func (w *Watchdog) ReapStuckBuilds(ctx context.Context) error {
	now := w.now()
	stuck, err := w.store.ListStuckBuilds(ctx,
		now.Add(-w.cfg.HeartbeatDeadline),
		now.Add(-w.cfg.AssignmentGrace))
	if err != nil {
		return err
	}

	for _, b := range stuck {
		w.logger.Warn("reaping silent build",
			logfields.BuildID(b.ID),
			logfields.WorkerID(b.WorkerID),
			logfields.Status(string(b.Status)))
		if err := w.engine.Fail(ctx, b.ID, ReapMessage, true); err != nil {
			w.logger.Error("failed to reap build", logfields.BuildID(b.ID), logfields.Error(err))
		}
	}
	return nil
}

func (w *Watchdog) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.SweepInterval)
	defer cancel()
	if err := w.SweepExpiredBlobs(ctx); err != nil {
		w.logger.Error("retention sweep pass failed", logfields.Error(err))
	}
}

// SweepExpiredBlobs deletes the blobs of terminal builds older than the
// retention window. Rows stay; swept builds keep their metadata and paths so
// history endpoints still work, and retry reports the source as gone.
func (w *Watchdog) SweepExpiredBlobs(ctx context.Context) error {
	cutoff := w.now().Add(-w.cfg.RetentionWindow)
	builds, err := w.store.ListSweepableBuilds(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, b := range builds {
		for _, ref := range []string{b.SourcePath, b.CertsPath, b.ResultPath} {
			if ref == "" {
				continue
			}
			if err := w.blobs.Delete(ctx, blob.Ref(ref)); err != nil {
				// Already gone is fine; a shared source blob may have been
				// removed when a sibling retry was swept.
				w.logger.Debug("sweep skip", logfields.BlobPath(ref), logfields.Error(err))
			}
		}
		if err := w.store.MarkBuildSwept(ctx, nil, b.ID, w.now()); err != nil {
			w.logger.Error("failed to mark build swept", logfields.BuildID(b.ID), logfields.Error(err))
			continue
		}
		w.recorder.IncRetentionSwept()
		w.logger.Info("build blobs swept", logfields.BuildID(b.ID))
	}
	return nil
}
