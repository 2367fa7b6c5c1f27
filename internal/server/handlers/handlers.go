// Package handlers implements the controller's HTTP endpoints.
//
// Handlers authenticate, parse, and delegate to the lifecycle engine; they
// never mutate build state themselves. Every error response funnels through
// the HTTPErrorAdapter so status codes and sanitized messages stay uniform.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flightdeckci/flightdeck/internal/blob"
	"github.com/flightdeckci/flightdeck/internal/dispatch"
	ferrors "github.com/flightdeckci/flightdeck/internal/foundation/errors"
	"github.com/flightdeckci/flightdeck/internal/lifecycle"
	"github.com/flightdeckci/flightdeck/internal/logfields"
	"github.com/flightdeckci/flightdeck/internal/metrics"
	"github.com/flightdeckci/flightdeck/internal/server/responses"
	"github.com/flightdeckci/flightdeck/internal/store"
	"github.com/flightdeckci/flightdeck/internal/token"
)

// Header names of the four credential tiers.
const (
	HeaderAPIKey      = "X-API-Key"
	HeaderBuildToken  = "X-Build-Token"
	HeaderWorkerToken = "X-Worker-Token"
	HeaderVMToken     = "X-VM-Token"
)

// multipartMemoryLimit is the in-memory threshold for multipart parsing;
// larger uploads spool to temp files before streaming into blob storage.
const multipartMemoryLimit = 16 << 20

// statsOnlineWindow is how recently a worker must have been seen to count as
// online in the public stats.
const statsOnlineWindow = 5 * time.Minute

// Handlers carries the dependencies shared by all endpoints.
type Handlers struct {
	engine     *lifecycle.Engine
	store      *store.Store
	blobs      blob.Store
	dispatcher *dispatch.Dispatcher
	adapter    *ferrors.HTTPErrorAdapter
	recorder   metrics.Recorder
	logger     *slog.Logger
	adminKey   string

	now func() time.Time
}

// New wires the handler set.
func New(engine *lifecycle.Engine, st *store.Store, blobs blob.Store, d *dispatch.Dispatcher, adapter *ferrors.HTTPErrorAdapter, rec metrics.Recorder, logger *slog.Logger, adminKey string) *Handlers {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Handlers{
		engine:     engine,
		store:      st,
		blobs:      blobs,
		dispatcher: d,
		adapter:    adapter,
		recorder:   rec,
		logger:     logger,
		adminKey:   adminKey,
		now:        time.Now,
	}
}

// writeJSON serializes v and writes it with the given status. Encoding goes
// through a buffer so a marshal failure never sends a partial body.
func writeJSON(w http.ResponseWriter, status int, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(v); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.Error("failed writing JSON response body", logfields.Error(err))
		return err
	}
	return nil
}

// parseMultipart caps the request body at bodyLimit bytes (0 means
// unbounded) and parses the multipart form. The cap runs before parsing, so
// an oversized body is rejected without spooling it to disk first.
func parseMultipart(w http.ResponseWriter, r *http.Request, bodyLimit int64) error {
	if bodyLimit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)
	}
	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return ferrors.PayloadTooLargeError("request body exceeds upload limit").
				WithContext("limit_bytes", maxErr.Limit).Build()
		}
		return ferrors.ValidationError("invalid multipart request body").Build()
	}
	return nil
}

// isAdmin reports whether the request carries the admin API key.
func (h *Handlers) isAdmin(r *http.Request) bool {
	return token.Equal(r.Header.Get(HeaderAPIKey), h.adminKey)
}

// loadBuild fetches a build, mapping missing rows to not_found.
func (h *Handlers) loadBuild(ctx context.Context, id string) (*store.Build, error) {
	b, err := h.store.GetBuild(ctx, nil, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ferrors.NotFoundError("build not found").
				WithContext("build_id", id).Build()
		}
		return nil, ferrors.WrapError(err, ferrors.CategoryDatabase, "failed to load build").Build()
	}
	return b, nil
}

// authBuild authorizes submitter access to one build: admin key or the
// build's own token. A missing credential is unauthorized; a present but
// wrong one is forbidden (the caller holds a valid token for some other
// subject, and must not learn more).
func (h *Handlers) authBuild(r *http.Request, b *store.Build) error {
	if h.isAdmin(r) {
		return nil
	}
	presented := r.Header.Get(HeaderBuildToken)
	if presented == "" {
		h.recorder.IncAuthFailure("build")
		return ferrors.AuthError("missing credentials").Build()
	}
	if !token.Equal(presented, b.AccessToken) {
		h.recorder.IncAuthFailure("build")
		return ferrors.ForbiddenError("token does not grant access to this build").Build()
	}
	return nil
}

// authWorker authenticates a worker by id + token and returns the row.
func (h *Handlers) authWorker(r *http.Request, workerID string) (*store.Worker, error) {
	presented := r.Header.Get(HeaderWorkerToken)
	if presented == "" || workerID == "" {
		h.recorder.IncAuthFailure("worker")
		return nil, ferrors.AuthError("missing worker credentials").Build()
	}
	w, err := h.store.GetWorker(r.Context(), nil, workerID)
	if err != nil {
		h.recorder.IncAuthFailure("worker")
		if errors.Is(err, store.ErrNotFound) {
			return nil, ferrors.AuthError("unknown worker").Build()
		}
		return nil, ferrors.WrapError(err, ferrors.CategoryDatabase, "failed to load worker").Build()
	}
	if !token.Equal(presented, w.AccessToken) {
		h.recorder.IncAuthFailure("worker")
		return nil, ferrors.AuthError("invalid worker token").Build()
	}
	return w, nil
}

// authVM authorizes a VM token against one build, including expiry.
func (h *Handlers) authVM(r *http.Request, b *store.Build) error {
	presented := r.Header.Get(HeaderVMToken)
	if presented == "" {
		h.recorder.IncAuthFailure("vm")
		return ferrors.AuthError("missing vm credentials").Build()
	}
	if !token.Equal(presented, b.VMToken) {
		h.recorder.IncAuthFailure("vm")
		return ferrors.ForbiddenError("token does not grant access to this build").Build()
	}
	if token.Expired(b.VMTokenExpiresAt, h.now()) {
		h.recorder.IncAuthFailure("vm")
		return ferrors.AuthError("vm token expired").Build()
	}
	return nil
}

func buildResponse(b *store.Build) responses.BuildResponse {
	return responses.BuildResponse{
		ID:           b.ID,
		Status:       string(b.Status),
		Platform:     string(b.Platform),
		WorkerID:     b.WorkerID,
		SubmittedAt:  b.SubmittedAt,
		StartedAt:    b.StartedAt,
		CompletedAt:  b.CompletedAt,
		ErrorMessage: b.ErrorMessage,
		RetryOf:      b.RetryOf,
	}
}
