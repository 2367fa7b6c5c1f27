package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/flightdeckci/flightdeck/internal/blob"
	"github.com/flightdeckci/flightdeck/internal/events"
	ferrors "github.com/flightdeckci/flightdeck/internal/foundation/errors"
	"github.com/flightdeckci/flightdeck/internal/logfields"
	"github.com/flightdeckci/flightdeck/internal/store"
	"github.com/flightdeckci/flightdeck/internal/token"
)

// SubmitRequest is a parsed build submission. Certs is nil when the upload
// carried no signing bundle.
type SubmitRequest struct {
	Platform   store.Platform
	Source     io.Reader
	SourceName string
	Certs      io.Reader
}

// Submit streams the payloads to blob storage, inserts the pending row, and
// enqueues the build. Everything externally visible happens before the
// returned build is handed to the caller; any failure after a partial blob
// write deletes what was written.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*store.Build, error) {
	if !req.Platform.Valid() {
		return nil, ferrors.ValidationError("unknown platform").
			WithContext("platform", string(req.Platform)).Build()
	}
	if req.Source == nil {
		return nil, ferrors.ValidationError("source archive is required").Build()
	}

	id := uuid.NewString()
	now := e.now()

	sourceRef, sourceBytes, err := e.blobs.Put(ctx, blob.NamespaceSource,
		id+sourceExt(req.SourceName), req.Source, e.limits.MaxSourceBytes)
	if err != nil {
		return nil, err
	}
	cleanup := []blob.Ref{sourceRef}
	fail := func(err error) (*store.Build, error) {
		for _, ref := range cleanup {
			if derr := e.blobs.Delete(ctx, ref); derr != nil {
				e.logger.Warn("failed to remove partial blob", logfields.BlobPath(string(ref)), logfields.Error(derr))
			}
		}
		return nil, err
	}

	var certsRef blob.Ref
	if req.Certs != nil {
		var certsBytes int64
		certsRef, certsBytes, err = e.blobs.Put(ctx, blob.NamespaceCerts,
			id+".zip", req.Certs, e.limits.MaxCertsBytes)
		if err != nil {
			return fail(err)
		}
		cleanup = append(cleanup, certsRef)
		e.recorder.ObserveBlobBytes(string(blob.NamespaceCerts), certsBytes)
	}
	e.recorder.ObserveBlobBytes(string(blob.NamespaceSource), sourceBytes)

	accessToken, err := token.New()
	if err != nil {
		return fail(ferrors.WrapError(err, ferrors.CategoryInternal, "failed to mint build token").Build())
	}

	b := &store.Build{
		ID:          id,
		Platform:    req.Platform,
		Status:      store.StatusPending,
		SourcePath:  string(sourceRef),
		CertsPath:   string(certsRef),
		AccessToken: accessToken,
		SubmittedAt: now,
	}
	if err := e.store.InsertBuild(ctx, nil, b); err != nil {
		return fail(ferrors.WrapError(err, ferrors.CategoryDatabase, "failed to record build").Build())
	}

	e.dispatcher.Enqueue(b.ID)
	e.recorder.IncBuildSubmitted(string(b.Platform))
	e.publish(events.TypeSubmitted, b)
	e.logger.Info("build submitted",
		logfields.BuildID(b.ID),
		logfields.Platform(string(b.Platform)),
		slog.Int64("source_bytes", sourceBytes),
		slog.Bool("has_certs", certsRef != ""))

	return b, nil
}

// sourceExt keeps the uploaded archive extension so workers unpack the right
// format. Anything unrecognizable falls back to .zip.
func sourceExt(name string) string {
	ext := strings.ToLower(path.Ext(path.Base(name)))
	switch ext {
	case ".zip", ".tar", ".gz", ".tgz":
		return ext
	default:
		return ".zip"
	}
}
