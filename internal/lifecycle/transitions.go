package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flightdeckci/flightdeck/internal/blob"
	"github.com/flightdeckci/flightdeck/internal/events"
	ferrors "github.com/flightdeckci/flightdeck/internal/foundation/errors"
	"github.com/flightdeckci/flightdeck/internal/logfields"
	"github.com/flightdeckci/flightdeck/internal/store"
	"github.com/flightdeckci/flightdeck/internal/token"
)

// errStaleTransition signals that the build moved to a conflicting terminal
// state between the caller's intent and the transaction. It never escapes the
// engine; each operation maps it onto its own TransitionError.
var errStaleTransition = errors.New("build status changed concurrently")

// Heartbeat records liveness for an active build. The first heartbeat on an
// assigned build flips it to building. callerWorkerID is empty for VM
// heartbeats (the VM token already binds the caller to the build). Progress
// values become info log lines and never affect status.
//
// The status is re-read inside the transaction: a heartbeat racing a cancel
// or a watchdog reap must not resurrect a terminal build, so the decision to
// flip happens under the same write lock as the flip itself.
func (e *Engine) Heartbeat(ctx context.Context, buildID, callerWorkerID string, progress *float64) (time.Time, error) {
	now := e.now()

	b, err := e.store.GetBuild(ctx, nil, buildID)
	if err != nil {
		return time.Time{}, buildLookupError(err, buildID)
	}
	if callerWorkerID != "" && b.WorkerID != callerWorkerID {
		return time.Time{}, ferrors.ForbiddenError("build is not assigned to this worker").
			WithContext("build_id", buildID).Build()
	}
	if b.Status.Terminal() {
		// Late heartbeat after completion or watchdog reap; nothing to update.
		return now, nil
	}

	started := false
	err = e.store.WithTx(ctx, nil, func(tx *sql.Tx) error {
		cur, err := e.store.GetBuild(ctx, tx, buildID)
		if err != nil {
			return err
		}
		if cur.Status.Terminal() {
			// Ended between the check and the lock; skip every update.
			return nil
		}
		if err := e.store.RecordHeartbeat(ctx, tx, buildID, now); err != nil {
			return err
		}
		if cur.Status == store.StatusAssigned {
			if err := e.store.MarkBuildBuilding(ctx, tx, buildID); err != nil {
				return err
			}
			if err := e.store.AppendLog(ctx, tx, buildID, store.LogInfo, "Build started", now); err != nil {
				return err
			}
			started = true
		}
		if progress != nil {
			msg := fmt.Sprintf("Build progress: %.0f%%", *progress)
			if err := e.store.AppendLog(ctx, tx, buildID, store.LogInfo, msg, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return time.Time{}, ferrors.WrapError(err, ferrors.CategoryDatabase, "failed to record heartbeat").Build()
	}

	if started {
		b.Status = store.StatusBuilding
		e.publish(events.TypeBuilding, b)
		e.logger.Info("build started", logfields.BuildID(buildID), logfields.WorkerID(b.WorkerID))
	}
	return now, nil
}

// Complete stores the result artifact and commits the terminal transition.
// A second complete on a completed build is a no-op returning the build;
// complete on failed or cancelled is a transition violation. The status is
// re-read under the transaction's write lock, so a Fail or Cancel that
// committed while the result was streaming in wins and the late completion
// is rejected (and its orphan result blob removed).
func (e *Engine) Complete(ctx context.Context, buildID string, result io.Reader) (*store.Build, error) {
	now := e.now()

	b, err := e.store.GetBuild(ctx, nil, buildID)
	if err != nil {
		return nil, buildLookupError(err, buildID)
	}
	switch b.Status {
	case store.StatusCompleted:
		return b, nil
	case store.StatusFailed, store.StatusCancelled:
		return nil, completeConflictError(buildID, b.Status)
	}

	// Blob I/O stays outside the transaction. If the process dies between the
	// blob write and the commit the build stays active and the watchdog or a
	// retried upload recovers it.
	ref, n, err := e.blobs.Put(ctx, blob.NamespaceResults,
		buildID+resultExt(b.Platform), result, e.limits.MaxResultBytes)
	if err != nil {
		return nil, err
	}
	e.recorder.ObserveBlobBytes(string(blob.NamespaceResults), n)

	var (
		out       *store.Build
		applied   bool
		staleWith store.BuildStatus
	)
	err = e.store.WithTx(ctx, nil, func(tx *sql.Tx) error {
		cur, err := e.store.GetBuild(ctx, tx, buildID)
		if err != nil {
			return err
		}
		switch cur.Status {
		case store.StatusCompleted:
			out = cur
			return nil
		case store.StatusFailed, store.StatusCancelled:
			staleWith = cur.Status
			return errStaleTransition
		}
		if err := e.store.MarkBuildCompleted(ctx, tx, buildID, string(ref), now); err != nil {
			return err
		}
		if cur.WorkerID != "" {
			if err := e.store.ReleaseWorker(ctx, tx, cur.WorkerID, true, false); err != nil {
				return err
			}
		}
		if err := e.store.AppendLog(ctx, tx, buildID, store.LogInfo, "Build completed", now); err != nil {
			return err
		}
		cur.Status = store.StatusCompleted
		cur.ResultPath = string(ref)
		cur.CompletedAt = &now
		out = cur
		applied = true
		return nil
	})
	if errors.Is(err, errStaleTransition) {
		// The build ended while the result streamed in. Its row has no
		// result_path, so the blob just written is an orphan.
		if derr := e.blobs.Delete(ctx, ref); derr != nil {
			e.logger.Warn("failed to remove orphan result blob",
				logfields.BlobPath(string(ref)), logfields.Error(derr))
		}
		return nil, completeConflictError(buildID, staleWith)
	}
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryDatabase, "failed to commit completion").Build()
	}
	if !applied {
		// Duplicate upload of an already completed build.
		return out, nil
	}

	e.observeOutcome(out, "completed", now)
	e.publish(events.TypeCompleted, out)
	e.logger.Info("build completed",
		logfields.BuildID(buildID),
		logfields.WorkerID(out.WorkerID),
		slog.Int64("result_bytes", n))
	return out, nil
}

// Fail commits the failed terminal transition. Fail on any terminal build is
// a no-op, decided under the transaction's write lock so the watchdog racing
// a completing worker can never overwrite a committed completion. reaped
// marks watchdog-initiated failures for metrics.
func (e *Engine) Fail(ctx context.Context, buildID, errorMessage string, reaped bool) error {
	now := e.now()

	b, err := e.store.GetBuild(ctx, nil, buildID)
	if err != nil {
		return buildLookupError(err, buildID)
	}
	if b.Status.Terminal() {
		return nil
	}

	var (
		out        *store.Build
		applied    bool
		wasPending bool
	)
	err = e.store.WithTx(ctx, nil, func(tx *sql.Tx) error {
		cur, err := e.store.GetBuild(ctx, tx, buildID)
		if err != nil {
			return err
		}
		if cur.Status.Terminal() {
			return nil
		}
		wasPending = cur.Status == store.StatusPending
		if err := e.store.MarkBuildFailed(ctx, tx, buildID, errorMessage, now); err != nil {
			return err
		}
		if cur.WorkerID != "" {
			if err := e.store.ReleaseWorker(ctx, tx, cur.WorkerID, false, true); err != nil {
				return err
			}
		}
		if err := e.store.AppendLog(ctx, tx, buildID, store.LogError, "Build failed: "+errorMessage, now); err != nil {
			return err
		}
		cur.Status = store.StatusFailed
		cur.ErrorMessage = errorMessage
		cur.CompletedAt = &now
		out = cur
		applied = true
		return nil
	})
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryDatabase, "failed to commit failure").Build()
	}
	if !applied {
		return nil
	}

	if wasPending {
		e.dispatcher.Forget(buildID)
	}

	outcome := "failed"
	if reaped {
		outcome = "reaped"
		e.publish(events.TypeReaped, out)
	} else {
		e.publish(events.TypeFailed, out)
	}
	e.observeOutcome(out, outcome, now)
	e.logger.Info("build failed",
		logfields.BuildID(buildID),
		logfields.WorkerID(out.WorkerID),
		slog.String("reason", errorMessage))
	return nil
}

// Cancel stops a build that has not ended. Cancelling a pending build only
// flips the row; an assigned or building one also releases the worker. A
// second cancel on a cancelled build is a no-op; cancel on completed or
// failed is a transition violation. The rules apply to the status read
// under the transaction's write lock, not to a possibly stale snapshot.
func (e *Engine) Cancel(ctx context.Context, buildID string) (*store.Build, error) {
	now := e.now()

	b, err := e.store.GetBuild(ctx, nil, buildID)
	if err != nil {
		return nil, buildLookupError(err, buildID)
	}
	switch b.Status {
	case store.StatusCancelled:
		return b, nil
	case store.StatusCompleted, store.StatusFailed:
		return nil, cancelConflictError(buildID, b.Status)
	}

	var (
		out        *store.Build
		applied    bool
		wasPending bool
		staleWith  store.BuildStatus
	)
	err = e.store.WithTx(ctx, nil, func(tx *sql.Tx) error {
		cur, err := e.store.GetBuild(ctx, tx, buildID)
		if err != nil {
			return err
		}
		switch cur.Status {
		case store.StatusCancelled:
			out = cur
			return nil
		case store.StatusCompleted, store.StatusFailed:
			staleWith = cur.Status
			return errStaleTransition
		}
		wasPending = cur.Status == store.StatusPending
		if err := e.store.MarkBuildCancelled(ctx, tx, buildID, now); err != nil {
			return err
		}
		if cur.Status.Active() && cur.WorkerID != "" {
			if err := e.store.ReleaseWorker(ctx, tx, cur.WorkerID, false, false); err != nil {
				return err
			}
		}
		if err := e.store.AppendLog(ctx, tx, buildID, store.LogInfo, "Build cancelled by submitter", now); err != nil {
			return err
		}
		cur.Status = store.StatusCancelled
		cur.CompletedAt = &now
		out = cur
		applied = true
		return nil
	})
	if errors.Is(err, errStaleTransition) {
		return nil, cancelConflictError(buildID, staleWith)
	}
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryDatabase, "failed to commit cancellation").Build()
	}
	if !applied {
		return out, nil
	}

	if wasPending {
		e.dispatcher.Forget(buildID)
	}

	e.observeOutcome(out, "cancelled", now)
	e.publish(events.TypeCancelled, out)
	e.logger.Info("build cancelled", logfields.BuildID(buildID))
	return out, nil
}

// Retry clones a build's blob references into a fresh pending build. No bytes
// are copied; the child points at the parent's source and certs blobs.
func (e *Engine) Retry(ctx context.Context, parentID string) (*store.Build, error) {
	now := e.now()

	parent, err := e.store.GetBuild(ctx, nil, parentID)
	if err != nil {
		return nil, buildLookupError(err, parentID)
	}

	// Retention may have swept the parent's blobs out from under us.
	ok, err := e.blobs.Exists(ctx, blob.Ref(parent.SourcePath))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ferrors.NotFoundError("build source is no longer retained").
			WithContext("build_id", parentID).Build()
	}
	if parent.CertsPath != "" {
		ok, err := e.blobs.Exists(ctx, blob.Ref(parent.CertsPath))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ferrors.NotFoundError("build signing bundle is no longer retained").
				WithContext("build_id", parentID).Build()
		}
	}

	accessToken, err := token.New()
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryInternal, "failed to mint build token").Build()
	}

	child := &store.Build{
		ID:          uuid.NewString(),
		Platform:    parent.Platform,
		Status:      store.StatusPending,
		SourcePath:  parent.SourcePath,
		CertsPath:   parent.CertsPath,
		AccessToken: accessToken,
		SubmittedAt: now,
		RetryOf:     parentID,
	}
	err = e.store.WithTx(ctx, nil, func(tx *sql.Tx) error {
		if err := e.store.InsertBuild(ctx, tx, child); err != nil {
			return err
		}
		return e.store.LinkRetry(ctx, tx, parentID, child.ID)
	})
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryDatabase, "failed to record retry").Build()
	}

	e.dispatcher.Enqueue(child.ID)
	e.recorder.IncBuildSubmitted(string(child.Platform))
	e.publish(events.TypeRetried, child)
	e.logger.Info("build retried",
		logfields.BuildID(child.ID),
		slog.String("parent_build_id", parentID))
	return child, nil
}

func (e *Engine) observeOutcome(b *store.Build, outcome string, now time.Time) {
	e.recorder.IncBuildOutcome(outcome)
	if b.StartedAt != nil {
		e.recorder.ObserveBuildDuration(string(b.Platform), now.Sub(*b.StartedAt))
	}
}

func completeConflictError(buildID string, status store.BuildStatus) error {
	return ferrors.TransitionError("cannot complete a build that already ended").
		WithContext("build_id", buildID).
		WithContext("status", string(status)).Build()
}

func cancelConflictError(buildID string, status store.BuildStatus) error {
	return ferrors.TransitionError("cannot cancel a build that already ended").
		WithContext("build_id", buildID).
		WithContext("status", string(status)).Build()
}

func resultExt(p store.Platform) string {
	if p == store.PlatformAndroid {
		return ".apk"
	}
	return ".ipa"
}

func buildLookupError(err error, buildID string) error {
	if errors.Is(err, store.ErrNotFound) {
		return ferrors.NotFoundError("build not found").
			WithContext("build_id", buildID).Build()
	}
	return ferrors.WrapError(err, ferrors.CategoryDatabase, "failed to load build").Build()
}
